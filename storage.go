// Copyright 2021 Converter Systems LLC. All rights reserved.

package historian

import (
	"context"
	"time"

	"github.com/awcullen/opcua/ua"
)

// Event holds one captured event. EventFields are ordered per ua.BaseEventSelectClauses.
// Time is the event time used for retention and range queries.
type Event struct {
	NodeID      ua.NodeID
	EventFields []ua.Variant
	Time        time.Time
}

// Store is the contract a history backend fulfills. A node must be registered before values
// are retained for it. Appending to, or querying, an unknown node is not an error: late
// notifications may arrive after a node is dehistorized, and a query may race with
// dehistorization. Implementations return an empty result instead.
//
// Implementations apply the retention policy as a post-condition of every append: first
// records older than the retention period are evicted, then the count cap is enforced,
// oldest first. Query results are returned in ascending timestamp order.
type Store interface {

	// RegisterNode declares the retention policy for a node. A retention of zero means no
	// age limit, a maxCount of zero means no count limit. Registering a node twice returns
	// ua.BadEntryExists.
	RegisterNode(ctx context.Context, nodeID ua.NodeID, retention time.Duration, maxCount int) error

	// RegisterEventSource declares the retention policy for event capture. Registering
	// twice returns ua.BadEntryExists.
	RegisterEventSource(ctx context.Context, retention time.Duration) error

	// UnregisterEventSource drops the event capture registration and discards the
	// captured events, so event capture may be enabled again later.
	UnregisterEventSource(ctx context.Context) error

	// UnregisterNode drops the node's registration and discards its records.
	UnregisterNode(ctx context.Context, nodeID ua.NodeID) error

	// AppendValue appends one value to the node's history and applies the retention policy.
	AppendValue(ctx context.Context, nodeID ua.NodeID, value ua.DataValue) error

	// QueryValues returns the values with source timestamp in [start, end], in ascending
	// order, at most maxResults (unlimited if maxResults <= 0). The second result reports
	// whether an in-range value beyond the cutoff remains.
	QueryValues(ctx context.Context, nodeID ua.NodeID, start, end time.Time, maxResults int) ([]ua.DataValue, bool, error)

	// AppendEvent appends one event and applies the event retention policy.
	AppendEvent(ctx context.Context, evt Event) error

	// QueryEvents returns the events with time in [start, end], in ascending order, at most
	// maxResults. Field selection per the filter's select clauses is the store's job: the
	// returned events carry one field per select clause.
	QueryEvents(ctx context.Context, start, end time.Time, maxResults int, filter ua.EventFilter) ([]Event, bool, error)
}

// selectEventFields reorders the stored base event fields to the order requested by the
// filter's select clauses. Clauses that do not name a base event field select nil. An empty
// clause list selects the stored fields unchanged.
func selectEventFields(stored []ua.Variant, clauses []ua.SimpleAttributeOperand) []ua.Variant {
	if len(clauses) == 0 {
		ret := make([]ua.Variant, len(stored))
		copy(ret, stored)
		return ret
	}
	ret := make([]ua.Variant, len(clauses))
	for i, clause := range clauses {
		for j, known := range ua.BaseEventSelectClauses {
			if ua.EqualSimpleAttributeOperand(clause, known) && j < len(stored) {
				ret[i] = stored[j]
				break
			}
		}
	}
	return ret
}
