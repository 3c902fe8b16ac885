// Copyright 2021 Converter Systems LLC. All rights reserved.

// Package historian provides support for adding historian services to OPCUA servers in Go.
// For more information, vist https://opcfoundation.org/ and download the OPC Unified Architecture Specification, release 1.04.
//
// A HistoryManager captures the value and event history of selected nodes, and answers the
// HistoryRead service with bounded, resumable pages of results. Capture begins when a node is
// historized: the manager subscribes the node with the subscription service, and every data
// change notification is appended to a Store. Two stores are provided, MemoryStore and
// SQLiteStore. History is never writable from the client side; every HistoryUpdate item is
// rejected with BadNotWritable.
package historian
