package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting the same
// statements run inside or outside a transaction scope.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is the SQLite-backed Store implementation.
//
// It stores instances in a single-file database. Designed for
// development, testing, and single-process deployments that need
// durability without a database server.
//
// WAL mode is enabled for concurrent reads; SQLite allows one writer at
// a time, which the connection pool is sized to match.
//
// Schema:
//   - state_contexts: one row per instance
//   - event_history: append-only event log
//   - state_history: append-only transition log
//   - state_snapshots: point-in-time context copies
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	txs    map[*sql.Tx]struct{}
	path   string
}

type sqliteTxKey struct{}

// NewSQLiteStore opens (creating if necessary) the database at path and
// migrates the schema. Use ":memory:" for an in-memory database in
// tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:   db,
		txs:  make(map[*sql.Tx]struct{}),
		path: path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS state_contexts (
			id TEXT PRIMARY KEY,
			current_state_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_updated_at TEXT NOT NULL,
			local_state TEXT NOT NULL,
			global_state TEXT NOT NULL,
			metadata TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_updated ON state_contexts(last_updated_at)`,
		`CREATE TABLE IF NOT EXISTS event_history (
			auto_id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_name TEXT NOT NULL,
			event_data TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_context ON event_history(context_id, auto_id)`,
		`CREATE TABLE IF NOT EXISTS state_history (
			auto_id INTEGER PRIMARY KEY AUTOINCREMENT,
			context_id TEXT NOT NULL,
			from_state_id TEXT,
			to_state_id TEXT NOT NULL,
			event_id TEXT,
			reason TEXT,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_context ON state_history(context_id, auto_id)`,
		`CREATE TABLE IF NOT EXISTS state_snapshots (
			snapshot_id TEXT PRIMARY KEY,
			context_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			current_state_id TEXT NOT NULL,
			local_state TEXT NOT NULL,
			global_state TEXT NOT NULL,
			metadata TEXT NOT NULL,
			recent_events TEXT NOT NULL DEFAULT '[]',
			context_created_at TEXT NOT NULL,
			context_updated_at TEXT NOT NULL,
			snapshot_metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_context ON state_snapshots(context_id, timestamp)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// q returns the transaction carried by ctx, or the bare connection.
func (s *SQLiteStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Begin opens a database transaction and returns a context carrying it.
func (s *SQLiteStore) Begin(ctx context.Context) (context.Context, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if _, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return nil, fmt.Errorf("transaction already in progress")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.mu.Lock()
	s.txs[tx] = struct{}{}
	s.mu.Unlock()
	return context.WithValue(ctx, sqliteTxKey{}, tx), nil
}

// Commit applies the transaction carried by ctx.
func (s *SQLiteStore) Commit(ctx context.Context) error {
	tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx)
	if !ok {
		return ErrTxNotFound
	}
	s.forget(tx)
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the transaction carried by ctx.
func (s *SQLiteStore) Rollback(ctx context.Context) error {
	tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx)
	if !ok {
		return ErrTxNotFound
	}
	s.forget(tx)
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) forget(tx *sql.Tx) {
	s.mu.Lock()
	delete(s.txs, tx)
	s.mu.Unlock()
}

// SaveContext upserts the instance row.
func (s *SQLiteStore) SaveContext(ctx context.Context, sc *state.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if sc == nil || sc.ID == "" {
		return fmt.Errorf("context must have an id")
	}
	row, err := encodeContext(sc)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO state_contexts (id, current_state_id, created_at, last_updated_at, local_state, global_state, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_state_id = excluded.current_state_id,
			last_updated_at = excluded.last_updated_at,
			local_state = excluded.local_state,
			global_state = excluded.global_state,
			metadata = excluded.metadata
	`
	if _, err := s.q(ctx).ExecContext(ctx, query,
		row.id, row.currentStateID, row.createdAt, row.lastUpdatedAt,
		row.localJSON, row.globalJSON, row.metadataJSON,
	); err != nil {
		return fmt.Errorf("failed to save context: %w", err)
	}
	return nil
}

// LoadContext retrieves the instance row and rebuilds its recent-event
// window from the tail of the event log.
func (s *SQLiteStore) LoadContext(ctx context.Context, contextID string) (*state.Context, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	q := s.q(ctx)

	var row contextRow
	err := q.QueryRowContext(ctx, `
		SELECT id, current_state_id, created_at, last_updated_at, local_state, global_state, metadata
		FROM state_contexts
		WHERE id = ?
	`, contextID).Scan(
		&row.id, &row.currentStateID, &row.createdAt, &row.lastUpdatedAt,
		&row.localJSON, &row.globalJSON, &row.metadataJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}
	sc, err := row.decode()
	if err != nil {
		return nil, err
	}

	recents, err := s.recentEvents(ctx, q, contextID, state.DefaultRecentEventLimit)
	if err != nil {
		return nil, err
	}
	sc.RecentEvents = recents
	return sc, nil
}

// recentEvents returns the newest limit events in chronological order.
func (s *SQLiteStore) recentEvents(ctx context.Context, q querier, contextID string, limit int) ([]event.Event, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT event_data
		FROM event_history
		WHERE context_id = ?
		ORDER BY auto_id DESC
		LIMIT ?
	`, contextID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []event.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev, err := decodeEvent(data)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	// Newest-first from the query; flip to chronological.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// DeleteContext removes the instance and cascades to its events,
// history, and snapshots. Runs in its own transaction unless ctx
// already carries one.
func (s *SQLiteStore) DeleteContext(ctx context.Context, contextID string) error {
	if err := s.check(); err != nil {
		return err
	}
	ownTx := false
	if _, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); !ok {
		var err error
		ctx, err = s.Begin(ctx)
		if err != nil {
			return err
		}
		ownTx = true
	}
	q := s.q(ctx)
	for _, stmt := range []string{
		`DELETE FROM state_snapshots WHERE context_id = ?`,
		`DELETE FROM state_history WHERE context_id = ?`,
		`DELETE FROM event_history WHERE context_id = ?`,
		`DELETE FROM state_contexts WHERE id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, contextID); err != nil {
			if ownTx {
				_ = s.Rollback(ctx)
			}
			return fmt.Errorf("failed to delete context: %w", err)
		}
	}
	if ownTx {
		return s.Commit(ctx)
	}
	return nil
}

// ListContextIDs returns instance ids ordered by most recent update.
func (s *SQLiteStore) ListContextIDs(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id FROM state_contexts ORDER BY last_updated_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanStrings(rows)
}

// FindPausedInstances returns ids whose metadata carries the pause
// marker, matched against the serialized JSON.
func (s *SQLiteStore) FindPausedInstances(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id FROM state_contexts
		WHERE metadata LIKE '%"`+state.MetaPausedAt+`"%'
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to find paused instances: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanStrings(rows)
}

// SaveEvent appends an event row to the instance's log.
func (s *SQLiteStore) SaveEvent(ctx context.Context, contextID string, ev event.Event) error {
	if err := s.check(); err != nil {
		return err
	}
	if contextID == "" {
		return fmt.Errorf("event needs a context id")
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if _, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO event_history (context_id, event_id, event_type, event_name, event_data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, contextID, ev.ID, ev.Type.Key(), ev.Name, data, ev.Timestamp.UTC().Format(sqlTimeLayout)); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// EventHistory returns the instance's full event log, oldest first.
func (s *SQLiteStore) EventHistory(ctx context.Context, contextID string) ([]event.Event, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT event_data FROM event_history WHERE context_id = ? ORDER BY auto_id ASC
	`, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to query event history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []event.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev, err := decodeEvent(data)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// SaveStateHistory appends a transition row.
func (s *SQLiteStore) SaveStateHistory(ctx context.Context, entry state.HistoryEntry) error {
	if err := s.check(); err != nil {
		return err
	}
	if entry.ContextID == "" {
		return fmt.Errorf("history entry needs a context id")
	}
	if _, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO state_history (context_id, from_state_id, to_state_id, event_id, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ContextID, nullIfEmpty(entry.FromStateID), entry.ToStateID,
		nullIfEmpty(entry.EventID), nullIfEmpty(entry.Reason),
		entry.Timestamp.UTC().Format(sqlTimeLayout)); err != nil {
		return fmt.Errorf("failed to save state history: %w", err)
	}
	return nil
}

// StateHistory returns the instance's transition rows, oldest first.
func (s *SQLiteStore) StateHistory(ctx context.Context, contextID string) ([]state.HistoryEntry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT from_state_id, to_state_id, event_id, reason, timestamp
		FROM state_history
		WHERE context_id = ?
		ORDER BY auto_id ASC
	`, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to query state history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []state.HistoryEntry
	for rows.Next() {
		var (
			from, eventID, reason sql.NullString
			to, ts                string
		)
		if err := rows.Scan(&from, &to, &eventID, &reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		stamp, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse history timestamp: %w", err)
		}
		entries = append(entries, state.HistoryEntry{
			ContextID:   contextID,
			FromStateID: from.String,
			ToStateID:   to,
			EventID:     eventID.String,
			Reason:      reason.String,
			Timestamp:   stamp,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}
	return entries, nil
}

// PutSnapshot upserts a snapshot row.
func (s *SQLiteStore) PutSnapshot(ctx context.Context, snap *state.Snapshot) error {
	if err := s.check(); err != nil {
		return err
	}
	if snap == nil || snap.SnapshotID == "" || snap.ContextID == "" {
		return fmt.Errorf("snapshot needs snapshot and context ids")
	}
	row, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO state_snapshots
		(snapshot_id, context_id, timestamp, description, current_state_id,
		 local_state, global_state, metadata, recent_events,
		 context_created_at, context_updated_at, snapshot_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_id) DO UPDATE SET
			context_id = excluded.context_id,
			timestamp = excluded.timestamp,
			description = excluded.description,
			current_state_id = excluded.current_state_id,
			local_state = excluded.local_state,
			global_state = excluded.global_state,
			metadata = excluded.metadata,
			recent_events = excluded.recent_events,
			context_created_at = excluded.context_created_at,
			context_updated_at = excluded.context_updated_at,
			snapshot_metadata = excluded.snapshot_metadata
	`
	if _, err := s.q(ctx).ExecContext(ctx, query,
		row.snapshotID, row.contextID, row.timestamp, row.description, row.currentStateID,
		row.localJSON, row.globalJSON, row.metadataJSON, row.eventsJSON,
		row.ctxCreatedAt, row.ctxUpdatedAt, row.snapMetaJSON,
	); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `snapshot_id, context_id, timestamp, description, current_state_id,
	local_state, global_state, metadata, recent_events,
	context_created_at, context_updated_at, snapshot_metadata`

func scanSnapshot(scan func(dest ...any) error) (*state.Snapshot, error) {
	var row snapshotRow
	if err := scan(
		&row.snapshotID, &row.contextID, &row.timestamp, &row.description, &row.currentStateID,
		&row.localJSON, &row.globalJSON, &row.metadataJSON, &row.eventsJSON,
		&row.ctxCreatedAt, &row.ctxUpdatedAt, &row.snapMetaJSON,
	); err != nil {
		return nil, err
	}
	return row.decode()
}

// LoadSnapshot retrieves a snapshot by id.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, snapshotID string) (*state.Snapshot, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	r := s.q(ctx).QueryRowContext(ctx, `
		SELECT `+snapshotColumns+` FROM state_snapshots WHERE snapshot_id = ?
	`, snapshotID)
	snap, err := scanSnapshot(r.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns the instance's snapshots, oldest first.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, contextID string) ([]state.Snapshot, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM state_snapshots
		WHERE context_id = ?
		ORDER BY timestamp ASC, snapshot_id ASC
	`, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snaps []state.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snaps = append(snaps, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return snaps, nil
}

// DeleteSnapshot removes a snapshot row; unknown ids are a no-op.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM state_snapshots WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close rolls back any open transactions and closes the database.
// Calling Close multiple times is safe.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for tx := range s.txs {
		_ = tx.Rollback()
	}
	s.txs = nil
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
