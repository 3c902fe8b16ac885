// Copyright 2021 Converter Systems LLC. All rights reserved.

package historian_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/awcullen/historian"
	"github.com/awcullen/opcua/ua"
	"gotest.tools/assert"
)

func newSQLiteStore(t *testing.T) (*historian.SQLiteStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := historian.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dbPath
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newSQLiteStore(t)
	nodeID := ua.ParseNodeID("ns=2;s=Demo.Dynamic.Double")
	if err := store.RegisterNode(ctx, nodeID, 0, 0); err != nil {
		t.Fatal(err)
	}
	ts := time.Now().Truncate(time.Millisecond).UTC()
	if err := store.AppendValue(ctx, nodeID, ua.NewDataValue(42.5, 0, ts, 0, ts, 0)); err != nil {
		t.Fatal(err)
	}
	values, more, err := store.QueryValues(ctx, nodeID, ts.Add(-time.Second), ts.Add(time.Second), 0)
	if err != nil {
		t.Fatal(err)
	}
	assert.Assert(t, !more)
	assert.Equal(t, len(values), 1)
	assert.Equal(t, values[0].Value, 42.5)
	assert.Assert(t, values[0].SourceTimestamp.Equal(ts))
}

func TestSQLiteStoreCountEviction(t *testing.T) {
	ctx := context.Background()
	store, _ := newSQLiteStore(t)
	nodeID := ua.ParseNodeID("ns=2;s=Demo.Dynamic.Double")
	if err := store.RegisterNode(ctx, nodeID, 0, 3); err != nil {
		t.Fatal(err)
	}
	t0 := time.Now().Truncate(time.Second).Add(-10 * time.Second)
	for i := 0; i < 5; i++ {
		ts := t0.Add(time.Duration(i) * time.Second)
		if err := store.AppendValue(ctx, nodeID, valueAt(float64(i+1), ts)); err != nil {
			t.Fatal(err)
		}
	}
	values, _, err := store.QueryValues(ctx, nodeID, t0, time.Now(), 0)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(values), 3)
	assert.Equal(t, values[0].Value, 3.0)
	assert.Equal(t, values[2].Value, 5.0)
}

func TestSQLiteStoreAgeEviction(t *testing.T) {
	ctx := context.Background()
	store, _ := newSQLiteStore(t)
	nodeID := ua.ParseNodeID("ns=2;s=Demo.Dynamic.Double")
	if err := store.RegisterNode(ctx, nodeID, time.Hour, 0); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-2 * time.Hour)
	fresh := time.Now()
	store.AppendValue(ctx, nodeID, valueAt(1.0, stale))
	store.AppendValue(ctx, nodeID, valueAt(2.0, fresh))
	values, _, err := store.QueryValues(ctx, nodeID, stale.Add(-time.Minute), fresh.Add(time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(values), 1)
	assert.Equal(t, values[0].Value, 2.0)
}

func TestSQLiteStoreRegistrationPersists(t *testing.T) {
	ctx := context.Background()
	store, dbPath := newSQLiteStore(t)
	nodeID := ua.ParseNodeID("ns=2;s=Demo.Dynamic.Double")
	if err := store.RegisterNode(ctx, nodeID, 0, 0); err != nil {
		t.Fatal(err)
	}
	ts := time.Now()
	store.AppendValue(ctx, nodeID, valueAt(1.0, ts))
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := historian.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	assert.Equal(t, reopened.RegisterNode(ctx, nodeID, 0, 0), ua.BadEntryExists)
	values, _, err := reopened.QueryValues(ctx, nodeID, ts.Add(-time.Second), ts.Add(time.Second), 0)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(values), 1)
}

func TestSQLiteStoreNodeIDKinds(t *testing.T) {
	ctx := context.Background()
	store, _ := newSQLiteStore(t)

	// string and numeric node ids key distinct histories
	stringID := ua.ParseNodeID("ns=2;s=Demo.Dynamic.Double")
	numericID := ua.ParseNodeID("ns=2;i=42")
	for _, nodeID := range []ua.NodeID{stringID, numericID} {
		if err := store.RegisterNode(ctx, nodeID, 0, 0); err != nil {
			t.Fatal(err)
		}
	}
	ts := time.Now()
	store.AppendValue(ctx, stringID, valueAt(1.0, ts))
	store.AppendValue(ctx, numericID, valueAt(2.0, ts))

	values, _, err := store.QueryValues(ctx, numericID, ts.Add(-time.Second), ts.Add(time.Second), 0)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(values), 1)
	assert.Equal(t, values[0].Value, 2.0)

	// a re-parsed id reaches the same history
	values, _, err = store.QueryValues(ctx, ua.ParseNodeID("ns=2;i=42"), ts.Add(-time.Second), ts.Add(time.Second), 0)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(values), 1)
}

func TestSQLiteStoreQueryDuringAppends(t *testing.T) {
	ctx := context.Background()
	store, _ := newSQLiteStore(t)
	nodeID := ua.ParseNodeID("ns=2;s=Demo.Dynamic.Double")
	if err := store.RegisterNode(ctx, nodeID, 0, 1); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			store.AppendValue(ctx, nodeID, valueAt(float64(i), time.Now()))
		}
	}()
	end := time.Now().Add(time.Hour)
	for {
		values, _, err := store.QueryValues(ctx, nodeID, time.Time{}, end, 0)
		if err != nil {
			t.Fatal(err)
		}
		// the count cap holds at every observable moment
		if len(values) > 1 {
			t.Fatalf("observed %d records for a node capped at 1", len(values))
		}
		select {
		case <-done:
			return
		default:
		}
	}
}

func TestSQLiteStoreUnknownNode(t *testing.T) {
	ctx := context.Background()
	store, _ := newSQLiteStore(t)
	nodeID := ua.ParseNodeID("ns=2;s=Demo.Unknown")
	if err := store.AppendValue(ctx, nodeID, valueAt(1.0, time.Now())); err != nil {
		t.Fatal(err)
	}
	values, more, err := store.QueryValues(ctx, nodeID, time.Time{}, time.Now(), 0)
	if err != nil {
		t.Fatal(err)
	}
	assert.Assert(t, !more)
	assert.Equal(t, len(values), 0)
}

func TestSQLiteStoreUnregisterEventSource(t *testing.T) {
	ctx := context.Background()
	store, _ := newSQLiteStore(t)
	if err := store.RegisterEventSource(ctx, 0); err != nil {
		t.Fatal(err)
	}
	t0 := time.Now().Truncate(time.Second).Add(-10 * time.Second)
	store.AppendEvent(ctx, newTestEvent("Area2", t0, 100))
	if err := store.UnregisterEventSource(ctx); err != nil {
		t.Fatal(err)
	}

	// the event source can be registered again, with the previous events discarded
	if err := store.RegisterEventSource(ctx, 0); err != nil {
		t.Fatal(err)
	}
	events, _, err := store.QueryEvents(ctx, t0.Add(-time.Minute), time.Now(), 0, ua.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(events), 0)
}

func TestSQLiteStoreEvents(t *testing.T) {
	ctx := context.Background()
	store, _ := newSQLiteStore(t)
	if err := store.RegisterEventSource(ctx, 0); err != nil {
		t.Fatal(err)
	}
	t0 := time.Now().Truncate(time.Second).Add(-10 * time.Second)
	for i := 0; i < 3; i++ {
		if err := store.AppendEvent(ctx, newTestEvent("Area2", t0.Add(time.Duration(i)*time.Second), uint16(100*(i+1)))); err != nil {
			t.Fatal(err)
		}
	}
	filter := ua.EventFilter{SelectClauses: []ua.SimpleAttributeOperand{
		ua.BaseEventSelectClauses[2], // SourceName
		ua.BaseEventSelectClauses[5], // Severity
	}}
	events, more, err := store.QueryEvents(ctx, t0, time.Now(), 2, filter)
	if err != nil {
		t.Fatal(err)
	}
	assert.Assert(t, more)
	assert.Equal(t, len(events), 2)
	assert.Equal(t, events[0].EventFields[0], "Area2")
	assert.Equal(t, events[1].EventFields[1], uint16(200))
}
