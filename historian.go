// Copyright 2021 Converter Systems LLC. All rights reserved.

package historian

import (
	"context"
	"sync"
	"time"

	"github.com/awcullen/opcua/server"
	"github.com/awcullen/opcua/ua"
	"github.com/pkg/errors"
)

// subscription parameters for the capture subscription, shared by every historized node.
const (
	capturePublishingInterval = 10.0
	captureLifetimeCount      = 3000
	captureMaxKeepAliveCount  = 10000
	capturePriority           = 0
)

// maxValuesPerRead caps the page size of a history read when the client requests an
// unlimited number of values per node.
const maxValuesPerRead = 1024

// HistoryManager historizes nodes and serves the HistoryRead and HistoryUpdate services.
// A node is historized by subscribing it with the subscription service; the shared capture
// subscription is created when the first node is historized. HistoryManager implements
// server.HistoryReadWriter.
type HistoryManager struct {
	sync.RWMutex
	svc        SubscriptionService
	store      Store
	collector  *Collector
	sub        Subscription
	items      map[ua.NodeID]ItemHandle
	eventsItem ItemHandle
	hasEvents  bool
}

// NewHistoryManager returns a HistoryManager capturing into the given store.
func NewHistoryManager(svc SubscriptionService, store Store) *HistoryManager {
	return &HistoryManager{
		svc:       svc,
		store:     store,
		collector: NewCollector(store),
		items:     make(map[ua.NodeID]ItemHandle),
	}
}

// compile-time check that HistoryManager plugs into the server.
var _ server.HistoryReadWriter = (*HistoryManager)(nil)

// Historize begins capturing the node's value history. A retention of zero means no age
// limit, a maxCount of zero means no count limit. Returns ua.BadEntryExists if the node is
// already historized.
func (m *HistoryManager) Historize(ctx context.Context, nodeID ua.NodeID, retention time.Duration, maxCount int) error {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.items[nodeID]; ok {
		return ua.BadEntryExists
	}
	if err := m.ensureSubscription(); err != nil {
		return err
	}
	if err := m.store.RegisterNode(ctx, nodeID, retention, maxCount); err != nil {
		return err
	}
	item, err := m.sub.SubscribeDataChange(nodeID)
	if err != nil {
		m.store.UnregisterNode(ctx, nodeID)
		return errors.Wrap(err, "Error subscribing node")
	}
	m.items[nodeID] = item
	return nil
}

// Dehistorize stops capturing the node's value history and discards its records. Returns
// ua.BadNoEntryExists if the node is not historized.
func (m *HistoryManager) Dehistorize(ctx context.Context, nodeID ua.NodeID) error {
	m.Lock()
	defer m.Unlock()
	item, ok := m.items[nodeID]
	if !ok {
		return ua.BadNoEntryExists
	}
	if err := m.sub.Unsubscribe(item); err != nil {
		return errors.Wrap(err, "Error unsubscribing node")
	}
	delete(m.items, nodeID)
	return m.store.UnregisterNode(ctx, nodeID)
}

// HistorizeEvents begins capturing the events notified by the node, normally the Server
// object. Returns ua.BadEntryExists if event capture is already enabled.
func (m *HistoryManager) HistorizeEvents(ctx context.Context, nodeID ua.NodeID, retention time.Duration) error {
	m.Lock()
	defer m.Unlock()
	if m.hasEvents {
		return ua.BadEntryExists
	}
	if err := m.ensureSubscription(); err != nil {
		return err
	}
	if err := m.store.RegisterEventSource(ctx, retention); err != nil {
		return err
	}
	item, err := m.sub.SubscribeEvents(nodeID)
	if err != nil {
		return errors.Wrap(err, "Error subscribing events")
	}
	m.eventsItem = item
	m.hasEvents = true
	return nil
}

// DehistorizeEvents stops capturing events and discards the captured events. Returns
// ua.BadNoEntryExists if event capture is not enabled.
func (m *HistoryManager) DehistorizeEvents(ctx context.Context) error {
	m.Lock()
	defer m.Unlock()
	if !m.hasEvents {
		return ua.BadNoEntryExists
	}
	if err := m.sub.Unsubscribe(m.eventsItem); err != nil {
		return errors.Wrap(err, "Error unsubscribing events")
	}
	m.hasEvents = false
	return m.store.UnregisterEventSource(ctx)
}

// ensureSubscription lazily creates the shared capture subscription. Callers hold the lock.
func (m *HistoryManager) ensureSubscription() error {
	if m.sub != nil {
		return nil
	}
	sub, err := m.svc.CreateSubscription(capturePublishingInterval, captureLifetimeCount, captureMaxKeepAliveCount, capturePriority, m.collector)
	if err != nil {
		return errors.Wrap(err, "Error creating subscription")
	}
	m.sub = sub
	return nil
}

// WriteValue appends the value to the node's history. Unknown nodes are ignored.
func (m *HistoryManager) WriteValue(ctx context.Context, nodeID ua.NodeID, value ua.DataValue) error {
	return m.store.AppendValue(ctx, nodeID, value)
}

// WriteEvent appends the event, with fields ordered per ua.BaseEventSelectClauses.
func (m *HistoryManager) WriteEvent(ctx context.Context, nodeID ua.NodeID, eventFields []ua.Variant) error {
	return m.store.AppendEvent(ctx, Event{NodeID: nodeID, EventFields: eventFields, Time: eventTime(eventFields)})
}

// ReadRawModified returns pages of raw data values for each node to read. A continuation
// point, when present and well formed, overrides the nominal start time; a malformed one
// falls back to the nominal start time rather than failing the item. The modified variant
// returns the same values: modification history is not tracked, so there are no
// modifications to report.
func (m *HistoryManager) ReadRawModified(ctx context.Context, nodesToRead []ua.HistoryReadValueID, details ua.ReadRawModifiedDetails,
	timestampsToReturn ua.TimestampsToReturn, releaseContinuationPoints bool) ([]ua.HistoryReadResult, ua.StatusCode) {
	results := make([]ua.HistoryReadResult, len(nodesToRead))
	for i, rv := range nodesToRead {
		results[i] = m.readRaw(ctx, rv, details, releaseContinuationPoints)
	}
	return results, ua.Good
}

func (m *HistoryManager) readRaw(ctx context.Context, rv ua.HistoryReadValueID, details ua.ReadRawModifiedDetails, release bool) ua.HistoryReadResult {
	if release {
		// nothing to free, continuation points are stateless
		return ua.HistoryReadResult{}
	}
	start := details.StartTime
	if len(rv.ContinuationPoint) > 0 {
		if t, err := DecodeContinuationPoint(rv.ContinuationPoint); err == nil {
			// the continuation point overrides the nominal start time; resume after
			// the encoded second so records are not returned twice
			start = t.Add(time.Second)
		}
	}
	maxResults := int(details.NumValuesPerNode)
	if maxResults <= 0 || maxResults > maxValuesPerRead {
		maxResults = maxValuesPerRead
	}
	values, more, err := m.store.QueryValues(ctx, rv.NodeID, start, details.EndTime, maxResults)
	if err != nil {
		return ua.HistoryReadResult{StatusCode: ua.BadUnexpectedError}
	}
	var cp ua.ByteString
	if more && len(values) > 0 {
		cp = EncodeContinuationPoint(values[len(values)-1].SourceTimestamp)
	}
	if details.IsReadModified {
		return ua.HistoryReadResult{HistoryData: ua.HistoryModifiedData{DataValues: values}, ContinuationPoint: cp}
	}
	return ua.HistoryReadResult{HistoryData: ua.HistoryData{DataValues: values}, ContinuationPoint: cp}
}

// ReadEvent returns pages of historical events for each node to read. Field selection per
// the filter's select clauses is delegated to the store.
func (m *HistoryManager) ReadEvent(ctx context.Context, nodesToRead []ua.HistoryReadValueID, details ua.ReadEventDetails,
	timestampsToReturn ua.TimestampsToReturn, releaseContinuationPoints bool) ([]ua.HistoryReadResult, ua.StatusCode) {
	results := make([]ua.HistoryReadResult, len(nodesToRead))
	for i, rv := range nodesToRead {
		results[i] = m.readEvent(ctx, rv, details, releaseContinuationPoints)
	}
	return results, ua.Good
}

func (m *HistoryManager) readEvent(ctx context.Context, rv ua.HistoryReadValueID, details ua.ReadEventDetails, release bool) ua.HistoryReadResult {
	if release {
		return ua.HistoryReadResult{}
	}
	start := details.StartTime
	if len(rv.ContinuationPoint) > 0 {
		if t, err := DecodeContinuationPoint(rv.ContinuationPoint); err == nil {
			start = t.Add(time.Second)
		}
	}
	maxResults := int(details.NumValuesPerNode)
	if maxResults <= 0 || maxResults > maxValuesPerRead {
		maxResults = maxValuesPerRead
	}
	events, more, err := m.store.QueryEvents(ctx, start, details.EndTime, maxResults, details.Filter)
	if err != nil {
		return ua.HistoryReadResult{StatusCode: ua.BadUnexpectedError}
	}
	fieldLists := make([]ua.HistoryEventFieldList, len(events))
	for i, evt := range events {
		fieldLists[i] = ua.HistoryEventFieldList{EventFields: evt.EventFields}
	}
	var cp ua.ByteString
	if more && len(events) > 0 {
		cp = EncodeContinuationPoint(events[len(events)-1].Time)
	}
	return ua.HistoryReadResult{HistoryData: ua.HistoryEvent{Events: fieldLists}, ContinuationPoint: cp}
}

// ReadProcessed is not supported; every item is returned with BadNotImplemented.
func (m *HistoryManager) ReadProcessed(ctx context.Context, nodesToRead []ua.HistoryReadValueID, details ua.ReadProcessedDetails,
	timestampsToReturn ua.TimestampsToReturn, releaseContinuationPoints bool) ([]ua.HistoryReadResult, ua.StatusCode) {
	results := make([]ua.HistoryReadResult, len(nodesToRead))
	for i := range results {
		results[i] = ua.HistoryReadResult{StatusCode: ua.BadNotImplemented}
	}
	return results, ua.Good
}

// ReadAtTime is not supported; every item is returned with BadNotImplemented.
func (m *HistoryManager) ReadAtTime(ctx context.Context, nodesToRead []ua.HistoryReadValueID, details ua.ReadAtTimeDetails,
	timestampsToReturn ua.TimestampsToReturn, releaseContinuationPoints bool) ([]ua.HistoryReadResult, ua.StatusCode) {
	results := make([]ua.HistoryReadResult, len(nodesToRead))
	for i := range results {
		results[i] = ua.HistoryReadResult{StatusCode: ua.BadNotImplemented}
	}
	return results, ua.Good
}

// Update rejects every history update: history is not writable, whatever the detail kind.
// Storage state is never touched.
func (m *HistoryManager) Update(ctx context.Context, details []ua.ExtensionObject) []ua.HistoryUpdateResult {
	results := make([]ua.HistoryUpdateResult, len(details))
	for i := range results {
		results[i] = ua.HistoryUpdateResult{StatusCode: ua.BadNotWritable}
	}
	return results
}
