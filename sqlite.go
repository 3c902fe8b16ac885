// Copyright 2021 Converter Systems LLC. All rights reserved.

package historian

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/awcullen/opcua/ua"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore is a Store persisting history in an SQLite database. Values and event fields
// are serialized with the OPCUA binary encoding, so every variant type round-trips
// losslessly. Registrations survive a restart; the retention policy is re-applied on the
// first append after reopening.
type SQLiteStore struct {
	sync.Mutex
	db *sql.DB
	ec ua.EncodingContext
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "Error opening database")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS nodes (
			node TEXT PRIMARY KEY,
			retention INTEGER NOT NULL,
			max_count INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS datavalues (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node TEXT NOT NULL,
			source_time INTEGER NOT NULL,
			server_time INTEGER NOT NULL,
			datavalue BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_datavalues_lookup
			ON datavalues(node, source_time);
		CREATE TABLE IF NOT EXISTS eventsource (
			id INTEGER PRIMARY KEY CHECK (id = 0),
			retention INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node TEXT NOT NULL,
			event_time INTEGER NOT NULL,
			event_fields BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_time
			ON events(event_time);
	`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "Error creating tables")
	}
	return &SQLiteStore{db: db, ec: ua.NewEncodingContext()}, nil
}

var _ Store = (*SQLiteStore)(nil)

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RegisterNode declares the retention policy for a node.
func (s *SQLiteStore) RegisterNode(ctx context.Context, nodeID ua.NodeID, retention time.Duration, maxCount int) error {
	s.Lock()
	defer s.Unlock()
	var node string
	err := s.db.QueryRowContext(ctx, `SELECT node FROM nodes WHERE node = ?`, fmt.Sprint(nodeID)).Scan(&node)
	switch {
	case err == nil:
		return ua.BadEntryExists
	case err != sql.ErrNoRows:
		return errors.Wrap(err, "Error querying node")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (node, retention, max_count) VALUES (?, ?, ?)`,
		fmt.Sprint(nodeID), int64(retention), maxCount,
	); err != nil {
		return errors.Wrap(err, "Error registering node")
	}
	return nil
}

// RegisterEventSource declares the retention policy for event capture.
func (s *SQLiteStore) RegisterEventSource(ctx context.Context, retention time.Duration) error {
	s.Lock()
	defer s.Unlock()
	var id int
	err := s.db.QueryRowContext(ctx, `SELECT id FROM eventsource WHERE id = 0`).Scan(&id)
	switch {
	case err == nil:
		return ua.BadEntryExists
	case err != sql.ErrNoRows:
		return errors.Wrap(err, "Error querying event source")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO eventsource (id, retention) VALUES (0, ?)`, int64(retention),
	); err != nil {
		return errors.Wrap(err, "Error registering event source")
	}
	return nil
}

// UnregisterEventSource drops the event capture registration and discards the captured
// events.
func (s *SQLiteStore) UnregisterEventSource(ctx context.Context) error {
	s.Lock()
	defer s.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM eventsource`); err != nil {
		return errors.Wrap(err, "Error unregistering event source")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return errors.Wrap(err, "Error discarding events")
	}
	return nil
}

// UnregisterNode drops the node's registration and discards its records.
func (s *SQLiteStore) UnregisterNode(ctx context.Context, nodeID ua.NodeID) error {
	s.Lock()
	defer s.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE node = ?`, fmt.Sprint(nodeID)); err != nil {
		return errors.Wrap(err, "Error unregistering node")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM datavalues WHERE node = ?`, fmt.Sprint(nodeID)); err != nil {
		return errors.Wrap(err, "Error discarding records")
	}
	return nil
}

// AppendValue appends one value to the node's history, then evicts: first every record
// older than the retention period, then the oldest records beyond the count cap.
func (s *SQLiteStore) AppendValue(ctx context.Context, nodeID ua.NodeID, value ua.DataValue) error {
	s.Lock()
	defer s.Unlock()
	var retention, maxCount int64
	err := s.db.QueryRowContext(ctx,
		`SELECT retention, max_count FROM nodes WHERE node = ?`, fmt.Sprint(nodeID),
	).Scan(&retention, &maxCount)
	switch {
	case err == sql.ErrNoRows:
		// late notification for a dehistorized node
		return nil
	case err != nil:
		return errors.Wrap(err, "Error querying node")
	}
	buf := &bytes.Buffer{}
	enc := ua.NewBinaryEncoder(buf, s.ec)
	if err := enc.WriteDataValue(value); err != nil {
		return errors.Wrap(err, "Error encoding value")
	}
	// insert and eviction commit together, so a reader never observes records beyond
	// the retention policy
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "Error beginning transaction")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO datavalues (node, source_time, server_time, datavalue) VALUES (?, ?, ?, ?)`,
		fmt.Sprint(nodeID), value.SourceTimestamp.UnixNano(), value.ServerTimestamp.UnixNano(), buf.Bytes(),
	); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "Error inserting value")
	}
	if retention > 0 {
		cutoff := time.Now().Add(-time.Duration(retention)).UnixNano()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM datavalues WHERE node = ? AND server_time < ?`,
			fmt.Sprint(nodeID), cutoff,
		); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "Error evicting aged records")
		}
	}
	if maxCount > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM datavalues WHERE node = ? AND id NOT IN (
				SELECT id FROM datavalues WHERE node = ? ORDER BY id DESC LIMIT ?)`,
			fmt.Sprint(nodeID), fmt.Sprint(nodeID), maxCount,
		); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "Error trimming records")
		}
	}
	return errors.Wrap(tx.Commit(), "Error committing value")
}

// QueryValues returns the values with source timestamp in [start, end] inclusive. Queries
// take the store mutex, so a query never interleaves with an in-flight append.
func (s *SQLiteStore) QueryValues(ctx context.Context, nodeID ua.NodeID, start, end time.Time, maxResults int) ([]ua.DataValue, bool, error) {
	s.Lock()
	defer s.Unlock()
	limit := int64(-1)
	if maxResults > 0 {
		limit = int64(maxResults) + 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT datavalue FROM datavalues
		 WHERE node = ? AND source_time >= ? AND source_time <= ?
		 ORDER BY source_time ASC, id ASC LIMIT ?`,
		fmt.Sprint(nodeID), start.UnixNano(), end.UnixNano(), limit,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "Error querying values")
	}
	defer rows.Close()
	values := make([]ua.DataValue, 0, 4)
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, false, errors.Wrap(err, "Error scanning value")
		}
		var value ua.DataValue
		dec := ua.NewBinaryDecoder(bytes.NewReader(blob), s.ec)
		if err := dec.ReadDataValue(&value); err != nil {
			return nil, false, errors.Wrap(err, "Error decoding value")
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, false, errors.Wrap(err, "Error reading rows")
	}
	if maxResults > 0 && len(values) > maxResults {
		return values[:maxResults], true, nil
	}
	return values, false, nil
}

// AppendEvent appends one event, then evicts events older than the event retention period.
func (s *SQLiteStore) AppendEvent(ctx context.Context, evt Event) error {
	s.Lock()
	defer s.Unlock()
	var retention int64
	err := s.db.QueryRowContext(ctx, `SELECT retention FROM eventsource WHERE id = 0`).Scan(&retention)
	switch {
	case err == sql.ErrNoRows:
		return nil
	case err != nil:
		return errors.Wrap(err, "Error querying event source")
	}
	buf := &bytes.Buffer{}
	enc := ua.NewBinaryEncoder(buf, s.ec)
	if err := enc.WriteVariantArray(evt.EventFields); err != nil {
		return errors.Wrap(err, "Error encoding event fields")
	}
	node := ""
	if evt.NodeID != nil {
		node = fmt.Sprint(evt.NodeID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "Error beginning transaction")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (node, event_time, event_fields) VALUES (?, ?, ?)`,
		node, evt.Time.UnixNano(), buf.Bytes(),
	); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "Error inserting event")
	}
	if retention > 0 {
		cutoff := time.Now().Add(-time.Duration(retention)).UnixNano()
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE event_time < ?`, cutoff); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "Error evicting aged events")
		}
	}
	return errors.Wrap(tx.Commit(), "Error committing event")
}

// QueryEvents returns the events with time in [start, end] inclusive, fields reordered per
// the filter's select clauses.
func (s *SQLiteStore) QueryEvents(ctx context.Context, start, end time.Time, maxResults int, filter ua.EventFilter) ([]Event, bool, error) {
	s.Lock()
	defer s.Unlock()
	limit := int64(-1)
	if maxResults > 0 {
		limit = int64(maxResults) + 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT node, event_time, event_fields FROM events
		 WHERE event_time >= ? AND event_time <= ?
		 ORDER BY event_time ASC, id ASC LIMIT ?`,
		start.UnixNano(), end.UnixNano(), limit,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "Error querying events")
	}
	defer rows.Close()
	events := make([]Event, 0, 4)
	for rows.Next() {
		var node string
		var ts int64
		var blob []byte
		if err := rows.Scan(&node, &ts, &blob); err != nil {
			return nil, false, errors.Wrap(err, "Error scanning event")
		}
		var fields []ua.Variant
		dec := ua.NewBinaryDecoder(bytes.NewReader(blob), s.ec)
		if err := dec.ReadVariantArray(&fields); err != nil {
			return nil, false, errors.Wrap(err, "Error decoding event fields")
		}
		evt := Event{EventFields: selectEventFields(fields, filter.SelectClauses), Time: time.Unix(0, ts).UTC()}
		if node != "" {
			evt.NodeID = ua.ParseNodeID(node)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, false, errors.Wrap(err, "Error reading rows")
	}
	if maxResults > 0 && len(events) > maxResults {
		return events[:maxResults], true, nil
	}
	return events, false, nil
}
