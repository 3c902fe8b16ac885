// Copyright 2021 Converter Systems LLC. All rights reserved.

package historian

import (
	"context"
	"log"
	"time"

	"github.com/awcullen/opcua/ua"
)

// SubscriptionService is the narrow view of the publish/subscribe engine the historian
// consumes. Calls must not block: the manager may invoke them while holding its registry
// lock. Notification delivery order is the engine's own contract; a lost notification is a
// silent gap in history, not an error.
type SubscriptionService interface {

	// CreateSubscription creates a subscription delivering notifications to the sink.
	// The publishing interval is a hint, in milliseconds.
	CreateSubscription(publishingInterval float64, lifetimeCount, maxKeepAliveCount uint32, priority byte, sink Sink) (Subscription, error)
}

// Subscription manages the monitored items of one subscription.
type Subscription interface {

	// SubscribeDataChange begins monitoring the node for data changes.
	SubscribeDataChange(nodeID ua.NodeID) (ItemHandle, error)

	// SubscribeEvents begins monitoring the node for events, selecting the fields of
	// ua.BaseEventSelectClauses.
	SubscribeEvents(nodeID ua.NodeID) (ItemHandle, error)

	// Unsubscribe stops monitoring the item.
	Unsubscribe(item ItemHandle) error
}

// ItemHandle identifies a monitored item within its subscription.
type ItemHandle uint32

// Sink receives the notifications of a subscription.
type Sink interface {

	// OnDataChange is called for each data change notification.
	OnDataChange(nodeID ua.NodeID, value ua.DataValue)

	// OnEvent is called for each event notification, with fields ordered per
	// ua.BaseEventSelectClauses.
	OnEvent(nodeID ua.NodeID, eventFields []ua.Variant)
}

// Collector is the Sink that forwards notifications into a Store. No buffering, batching or
// retry: an append failure is logged and the notification dropped.
type Collector struct {
	store Store
}

// NewCollector returns a Collector appending to the store.
func NewCollector(store Store) *Collector {
	return &Collector{store: store}
}

// OnDataChange appends the value to the node's history.
func (c *Collector) OnDataChange(nodeID ua.NodeID, value ua.DataValue) {
	if err := c.store.AppendValue(context.Background(), nodeID, value); err != nil {
		log.Printf("Error appending value for node '%s'. %s\n", nodeID, err)
	}
}

// OnEvent appends the event.
func (c *Collector) OnEvent(nodeID ua.NodeID, eventFields []ua.Variant) {
	evt := Event{NodeID: nodeID, EventFields: eventFields, Time: eventTime(eventFields)}
	if err := c.store.AppendEvent(context.Background(), evt); err != nil {
		log.Printf("Error appending event for node '%s'. %s\n", nodeID, err)
	}
}

// eventTime returns the Time field of a base event field list, falling back to the wall
// clock when the field is absent.
func eventTime(eventFields []ua.Variant) time.Time {
	if len(eventFields) > 3 {
		if t, ok := eventFields[3].(time.Time); ok {
			return t
		}
	}
	return time.Now()
}
