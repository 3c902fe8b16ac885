// Copyright 2021 Converter Systems LLC. All rights reserved.

package main

import (
	"math"
	"sync"
	"time"

	"github.com/awcullen/historian"
	"github.com/awcullen/opcua/ua"
	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
)

const (
	minSamplingInterval = 100 * time.Millisecond
	eventInterval       = 5 * time.Second
)

var counterNodeID = ua.ParseNodeID("ns=2;s=Demo.Dynamic.Counter")

// simulator is a minimal in-process publish/subscribe engine. It samples a signal for each
// subscribed node on the publishing interval, and delivers the notifications through a
// worker pool so a slow sink never stalls sampling.
type simulator struct {
	sync.Mutex
	pool      *workerpool.WorkerPool
	done      chan struct{}
	closeOnce sync.Once
	sink      historian.Sink
	next      historian.ItemHandle
	items     map[historian.ItemHandle]ua.NodeID
	eventNode ua.NodeID
	counter   int64
}

func newSimulator() *simulator {
	return &simulator{
		pool:  workerpool.New(2),
		done:  make(chan struct{}),
		items: make(map[historian.ItemHandle]ua.NodeID),
	}
}

// CreateSubscription starts the sampling loop delivering to the sink.
func (s *simulator) CreateSubscription(publishingInterval float64, lifetimeCount, maxKeepAliveCount uint32, priority byte, sink historian.Sink) (historian.Subscription, error) {
	s.Lock()
	defer s.Unlock()
	s.sink = sink
	interval := time.Duration(publishingInterval * float64(time.Millisecond))
	if interval < minSamplingInterval {
		interval = minSamplingInterval
	}
	go s.run(interval)
	return s, nil
}

// SubscribeDataChange begins sampling the node.
func (s *simulator) SubscribeDataChange(nodeID ua.NodeID) (historian.ItemHandle, error) {
	s.Lock()
	defer s.Unlock()
	s.next++
	s.items[s.next] = nodeID
	return s.next, nil
}

// SubscribeEvents begins emitting simulated events from the node.
func (s *simulator) SubscribeEvents(nodeID ua.NodeID) (historian.ItemHandle, error) {
	s.Lock()
	defer s.Unlock()
	s.next++
	s.items[s.next] = nodeID
	s.eventNode = nodeID
	return s.next, nil
}

// Unsubscribe stops sampling the item.
func (s *simulator) Unsubscribe(item historian.ItemHandle) error {
	s.Lock()
	defer s.Unlock()
	if nodeID, ok := s.items[item]; ok {
		delete(s.items, item)
		if s.eventNode == nodeID {
			s.eventNode = nil
		}
	}
	return nil
}

// Close stops the sampling loop and waits for queued notifications to drain.
func (s *simulator) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.pool.StopWait()
	})
}

func (s *simulator) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastEvent := time.Now()
	for {
		select {
		case <-ticker.C:
			s.sample()
			if time.Since(lastEvent) >= eventInterval {
				lastEvent = time.Now()
				s.emitEvent()
			}
		case <-s.done:
			return
		}
	}
}

func (s *simulator) sample() {
	s.Lock()
	defer s.Unlock()
	now := time.Now()
	s.counter++
	counter := s.counter
	for _, nodeID := range s.items {
		if s.eventNode == nodeID {
			continue
		}
		var value float64
		if nodeID == counterNodeID {
			value = float64(counter)
		} else {
			value = 10.0 * math.Sin(float64(now.UnixMilli())/1000.0)
		}
		nodeID, value := nodeID, value
		s.pool.Submit(func() {
			s.sink.OnDataChange(nodeID, ua.NewDataValue(value, 0, now, 0, now, 0))
		})
	}
}

func (s *simulator) emitEvent() {
	s.Lock()
	defer s.Unlock()
	if s.eventNode == nil {
		return
	}
	now := time.Now()
	id := uuid.New()
	fields := []ua.Variant{
		ua.ByteString(id[:]),
		ua.ObjectTypeIDBaseEventType,
		"historian-testserver",
		now,
		ua.NewLocalizedText("Simulated event", "en"),
		uint16(500),
	}
	nodeID := s.eventNode
	s.pool.Submit(func() {
		s.sink.OnEvent(nodeID, fields)
	})
}
