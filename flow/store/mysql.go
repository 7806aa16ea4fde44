package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// MySQLStore is the MySQL/MariaDB-backed Store implementation.
//
// It stores instances in a relational database. Designed for:
//   - Production workflows requiring persistence
//   - Distributed systems with multiple workers
//   - Long-running instances that survive process restarts
//   - Audit trails and compliance requirements
//
// MySQLStore uses connection pooling and transactions for reliability.
//
// Schema:
//   - state_contexts: one row per instance
//   - event_history: append-only event log
//   - state_history: append-only transition log
//   - state_snapshots: point-in-time context copies
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	txs    map[*sql.Tx]struct{}
}

type mysqlTxKey struct{}

// NewMySQLStore connects to the database named by dsn and migrates the
// schema.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/workflows
//	user:password@tcp(127.0.0.1:3306)/workflows?charset=utf8mb4
//	user:password@/workflows (uses localhost:3306)
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables:
//	    dsn := os.Getenv("MYSQL_DSN")
//	    if dsn == "" {
//	        log.Fatal("MYSQL_DSN environment variable not set")
//	    }
//	    store, err := NewMySQLStore(dsn)
//
// The store automatically:
//   - Creates required tables if they don't exist
//   - Configures connection pooling
//   - Sets appropriate timeouts
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{
		db:  db,
		txs: make(map[*sql.Tx]struct{}),
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS state_contexts (
			id VARCHAR(255) PRIMARY KEY,
			current_state_id VARCHAR(255) NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			last_updated_at VARCHAR(40) NOT NULL,
			local_state JSON NOT NULL,
			global_state JSON NOT NULL,
			metadata JSON NOT NULL,
			INDEX idx_contexts_updated (last_updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS event_history (
			auto_id BIGINT AUTO_INCREMENT PRIMARY KEY,
			context_id VARCHAR(255) NOT NULL,
			event_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(255) NOT NULL,
			event_name VARCHAR(255) NOT NULL,
			event_data JSON NOT NULL,
			timestamp VARCHAR(40) NOT NULL,
			INDEX idx_events_context (context_id, auto_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS state_history (
			auto_id BIGINT AUTO_INCREMENT PRIMARY KEY,
			context_id VARCHAR(255) NOT NULL,
			from_state_id VARCHAR(255),
			to_state_id VARCHAR(255) NOT NULL,
			event_id VARCHAR(255),
			reason TEXT,
			timestamp VARCHAR(40) NOT NULL,
			INDEX idx_history_context (context_id, auto_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS state_snapshots (
			snapshot_id VARCHAR(255) PRIMARY KEY,
			context_id VARCHAR(255) NOT NULL,
			timestamp VARCHAR(40) NOT NULL,
			description TEXT NOT NULL,
			current_state_id VARCHAR(255) NOT NULL,
			local_state JSON NOT NULL,
			global_state JSON NOT NULL,
			metadata JSON NOT NULL,
			recent_events JSON NOT NULL,
			context_created_at VARCHAR(40) NOT NULL,
			context_updated_at VARCHAR(40) NOT NULL,
			snapshot_metadata JSON,
			INDEX idx_snapshots_context (context_id, timestamp)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQLStore) check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MySQLStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(mysqlTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return m.db
}

// Begin opens a database transaction and returns a context carrying it.
func (m *MySQLStore) Begin(ctx context.Context) (context.Context, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	if _, ok := ctx.Value(mysqlTxKey{}).(*sql.Tx); ok {
		return nil, fmt.Errorf("transaction already in progress")
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	m.mu.Lock()
	m.txs[tx] = struct{}{}
	m.mu.Unlock()
	return context.WithValue(ctx, mysqlTxKey{}, tx), nil
}

// Commit applies the transaction carried by ctx.
func (m *MySQLStore) Commit(ctx context.Context) error {
	tx, ok := ctx.Value(mysqlTxKey{}).(*sql.Tx)
	if !ok {
		return ErrTxNotFound
	}
	m.forget(tx)
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the transaction carried by ctx.
func (m *MySQLStore) Rollback(ctx context.Context) error {
	tx, ok := ctx.Value(mysqlTxKey{}).(*sql.Tx)
	if !ok {
		return ErrTxNotFound
	}
	m.forget(tx)
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func (m *MySQLStore) forget(tx *sql.Tx) {
	m.mu.Lock()
	delete(m.txs, tx)
	m.mu.Unlock()
}

// SaveContext upserts the instance row.
func (m *MySQLStore) SaveContext(ctx context.Context, sc *state.Context) error {
	if err := m.check(); err != nil {
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
		ON DUPLICATE KEY UPDATE
			current_state_id = VALUES(current_state_id),
			last_updated_at = VALUES(last_updated_at),
			local_state = VALUES(local_state),
			global_state = VALUES(global_state),
			metadata = VALUES(metadata)
	`
	if _, err := m.q(ctx).ExecContext(ctx, query,
		row.id, row.currentStateID, row.createdAt, row.lastUpdatedAt,
		row.localJSON, row.globalJSON, row.metadataJSON,
	); err != nil {
		return fmt.Errorf("failed to save context: %w", err)
	}
	return nil
}

// LoadContext retrieves the instance row and rebuilds its recent-event
// window from the tail of the event log.
func (m *MySQLStore) LoadContext(ctx context.Context, contextID string) (*state.Context, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	q := m.q(ctx)

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

	recents, err := m.recentEvents(ctx, q, contextID, state.DefaultRecentEventLimit)
	if err != nil {
		return nil, err
	}
	sc.RecentEvents = recents
	return sc, nil
}

func (m *MySQLStore) recentEvents(ctx context.Context, q querier, contextID string, limit int) ([]event.Event, error) {
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
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// DeleteContext removes the instance and cascades to its events,
// history, and snapshots. Runs in its own transaction unless ctx
// already carries one.
func (m *MySQLStore) DeleteContext(ctx context.Context, contextID string) error {
	if err := m.check(); err != nil {
		return err
	}
	ownTx := false
	if _, ok := ctx.Value(mysqlTxKey{}).(*sql.Tx); !ok {
		var err error
		ctx, err = m.Begin(ctx)
		if err != nil {
			return err
		}
		ownTx = true
	}
	q := m.q(ctx)
	for _, stmt := range []string{
		`DELETE FROM state_snapshots WHERE context_id = ?`,
		`DELETE FROM state_history WHERE context_id = ?`,
		`DELETE FROM event_history WHERE context_id = ?`,
		`DELETE FROM state_contexts WHERE id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, contextID); err != nil {
			if ownTx {
				_ = m.Rollback(ctx)
			}
			return fmt.Errorf("failed to delete context: %w", err)
		}
	}
	if ownTx {
		return m.Commit(ctx)
	}
	return nil
}

// ListContextIDs returns instance ids ordered by most recent update.
func (m *MySQLStore) ListContextIDs(ctx context.Context) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	rows, err := m.q(ctx).QueryContext(ctx, `
		SELECT id FROM state_contexts ORDER BY last_updated_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanStrings(rows)
}

// FindPausedInstances returns ids whose metadata carries the pause
// marker, matched with a JSON path probe on the metadata column.
func (m *MySQLStore) FindPausedInstances(ctx context.Context) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	rows, err := m.q(ctx).QueryContext(ctx, `
		SELECT id FROM state_contexts
		WHERE JSON_CONTAINS_PATH(metadata, 'one', '$."`+state.MetaPausedAt+`"')
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to find paused instances: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanStrings(rows)
}

// SaveEvent appends an event row to the instance's log.
func (m *MySQLStore) SaveEvent(ctx context.Context, contextID string, ev event.Event) error {
	if err := m.check(); err != nil {
		return err
	}
	if contextID == "" {
		return fmt.Errorf("event needs a context id")
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if _, err := m.q(ctx).ExecContext(ctx, `
		INSERT INTO event_history (context_id, event_id, event_type, event_name, event_data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, contextID, ev.ID, ev.Type.Key(), ev.Name, data, ev.Timestamp.UTC().Format(sqlTimeLayout)); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// EventHistory returns the instance's full event log, oldest first.
func (m *MySQLStore) EventHistory(ctx context.Context, contextID string) ([]event.Event, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	rows, err := m.q(ctx).QueryContext(ctx, `
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
func (m *MySQLStore) SaveStateHistory(ctx context.Context, entry state.HistoryEntry) error {
	if err := m.check(); err != nil {
		return err
	}
	if entry.ContextID == "" {
		return fmt.Errorf("history entry needs a context id")
	}
	if _, err := m.q(ctx).ExecContext(ctx, `
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
func (m *MySQLStore) StateHistory(ctx context.Context, contextID string) ([]state.HistoryEntry, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	rows, err := m.q(ctx).QueryContext(ctx, `
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
func (m *MySQLStore) PutSnapshot(ctx context.Context, snap *state.Snapshot) error {
	if err := m.check(); err != nil {
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
		ON DUPLICATE KEY UPDATE
			context_id = VALUES(context_id),
			timestamp = VALUES(timestamp),
			description = VALUES(description),
			current_state_id = VALUES(current_state_id),
			local_state = VALUES(local_state),
			global_state = VALUES(global_state),
			metadata = VALUES(metadata),
			recent_events = VALUES(recent_events),
			context_created_at = VALUES(context_created_at),
			context_updated_at = VALUES(context_updated_at),
			snapshot_metadata = VALUES(snapshot_metadata)
	`
	if _, err := m.q(ctx).ExecContext(ctx, query,
		row.snapshotID, row.contextID, row.timestamp, row.description, row.currentStateID,
		row.localJSON, row.globalJSON, row.metadataJSON, row.eventsJSON,
		row.ctxCreatedAt, row.ctxUpdatedAt, row.snapMetaJSON,
	); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot retrieves a snapshot by id.
func (m *MySQLStore) LoadSnapshot(ctx context.Context, snapshotID string) (*state.Snapshot, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	r := m.q(ctx).QueryRowContext(ctx, `
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
func (m *MySQLStore) ListSnapshots(ctx context.Context, contextID string) ([]state.Snapshot, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	rows, err := m.q(ctx).QueryContext(ctx, `
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
func (m *MySQLStore) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	if err := m.check(); err != nil {
		return err
	}
	if _, err := m.q(ctx).ExecContext(ctx, `DELETE FROM state_snapshots WHERE snapshot_id = ?`, snapshotID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close rolls back any open transactions and closes the connection
// pool. Calling Close multiple times is safe.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for tx := range m.txs {
		_ = tx.Rollback()
	}
	m.txs = nil
	return m.db.Close()
}
