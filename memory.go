// Copyright 2021 Converter Systems LLC. All rights reserved.

package historian

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/awcullen/opcua/ua"
	deque "github.com/gammazero/deque"
)

// nodeHistory holds the buffered values and the retention policy of one historized node.
type nodeHistory struct {
	retention time.Duration
	maxCount  int
	values    deque.Deque[ua.DataValue]
}

// MemoryStore is a Store holding history in per-node bounded buffers. Eviction pops from the
// front of a deque, so enforcing the retention policy is O(1) per evicted record.
type MemoryStore struct {
	sync.RWMutex
	nodes          map[ua.NodeID]*nodeHistory
	events         deque.Deque[Event]
	eventRetention time.Duration
	eventsEnabled  bool
}

// NewMemoryStore returns a MemoryStore ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[ua.NodeID]*nodeHistory)}
}

var _ Store = (*MemoryStore)(nil)

// RegisterNode declares the retention policy for a node.
func (s *MemoryStore) RegisterNode(ctx context.Context, nodeID ua.NodeID, retention time.Duration, maxCount int) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.nodes[nodeID]; ok {
		return ua.BadEntryExists
	}
	s.nodes[nodeID] = &nodeHistory{retention: retention, maxCount: maxCount}
	return nil
}

// RegisterEventSource declares the retention policy for event capture.
func (s *MemoryStore) RegisterEventSource(ctx context.Context, retention time.Duration) error {
	s.Lock()
	defer s.Unlock()
	if s.eventsEnabled {
		return ua.BadEntryExists
	}
	s.eventsEnabled = true
	s.eventRetention = retention
	return nil
}

// UnregisterEventSource drops the event capture registration and discards the captured
// events.
func (s *MemoryStore) UnregisterEventSource(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	s.eventsEnabled = false
	s.eventRetention = 0
	s.events.Clear()
	return nil
}

// UnregisterNode drops the node's registration and discards its records.
func (s *MemoryStore) UnregisterNode(ctx context.Context, nodeID ua.NodeID) error {
	s.Lock()
	defer s.Unlock()
	delete(s.nodes, nodeID)
	return nil
}

// AppendValue appends one value to the node's buffer, then evicts: first every record older
// than the retention period, then the oldest records beyond the count cap.
func (s *MemoryStore) AppendValue(ctx context.Context, nodeID ua.NodeID, value ua.DataValue) error {
	s.Lock()
	defer s.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		// late notification for a dehistorized node
		return nil
	}
	n.values.PushBack(value)
	now := time.Now()
	for n.retention > 0 && n.values.Len() > 0 && now.Sub(n.values.Front().ServerTimestamp) > n.retention {
		n.values.PopFront()
	}
	for n.maxCount > 0 && n.values.Len() > n.maxCount {
		n.values.PopFront()
	}
	return nil
}

// QueryValues returns the values with source timestamp in [start, end] inclusive. The
// buffer is ordered by arrival, which follows the server timestamp; source timestamps may
// arrive out of order, so the whole buffer is scanned and the result sorted.
func (s *MemoryStore) QueryValues(ctx context.Context, nodeID ua.NodeID, start, end time.Time, maxResults int) ([]ua.DataValue, bool, error) {
	s.RLock()
	defer s.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, false, nil
	}
	values := make([]ua.DataValue, 0, 4)
	for i := 0; i < n.values.Len(); i++ {
		v := n.values.At(i)
		ts := v.SourceTimestamp
		if ts.Before(start) || ts.After(end) {
			continue
		}
		values = append(values, v)
	}
	sort.SliceStable(values, func(i, j int) bool {
		return values[i].SourceTimestamp.Before(values[j].SourceTimestamp)
	})
	if maxResults > 0 && len(values) > maxResults {
		return values[:maxResults], true, nil
	}
	return values, false, nil
}

// AppendEvent appends one event, then evicts events older than the event retention period.
func (s *MemoryStore) AppendEvent(ctx context.Context, evt Event) error {
	s.Lock()
	defer s.Unlock()
	if !s.eventsEnabled {
		return nil
	}
	s.events.PushBack(evt)
	now := time.Now()
	for s.eventRetention > 0 && s.events.Len() > 0 && now.Sub(s.events.Front().Time) > s.eventRetention {
		s.events.PopFront()
	}
	return nil
}

// QueryEvents returns the events with time in [start, end] inclusive, fields reordered per
// the filter's select clauses. As with QueryValues, event times may arrive out of order, so
// the whole buffer is scanned and the result sorted.
func (s *MemoryStore) QueryEvents(ctx context.Context, start, end time.Time, maxResults int, filter ua.EventFilter) ([]Event, bool, error) {
	s.RLock()
	defer s.RUnlock()
	events := make([]Event, 0, 4)
	for i := 0; i < s.events.Len(); i++ {
		evt := s.events.At(i)
		if evt.Time.Before(start) || evt.Time.After(end) {
			continue
		}
		events = append(events, evt)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Time.Before(events[j].Time)
	})
	more := false
	if maxResults > 0 && len(events) > maxResults {
		events = events[:maxResults]
		more = true
	}
	ret := make([]Event, len(events))
	for i, evt := range events {
		ret[i] = Event{
			NodeID:      evt.NodeID,
			EventFields: selectEventFields(evt.EventFields, filter.SelectClauses),
			Time:        evt.Time,
		}
	}
	return ret, more, nil
}
