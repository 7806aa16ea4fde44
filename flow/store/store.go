// Package store defines the persistence contract for workflow instances
// and provides four adapters: in-memory, SQLite, MySQL, and Redis.
//
// Adapters implement a small set of primitives (context, event, history,
// and snapshot rows plus transaction scoping); the richer maintenance
// operations (snapshot creation, rollback, export/import, validation and
// repair) are composed on top of those primitives and therefore behave
// identically across adapters.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// ErrNotFound is returned when a requested context, snapshot, or history
// owner does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store is closed")

// ErrTxNotFound is returned by Commit and Rollback when the context does
// not carry a transaction started by this store.
var ErrTxNotFound = errors.New("no transaction in context")

// ErrExists is returned by Import when the target instance id is
// already in use.
var ErrExists = errors.New("already exists")

// ErrUnavailable wraps backend connectivity failures reported by Ping.
var ErrUnavailable = errors.New("store unavailable")

// Store persists workflow instances. All methods accept a
// context.Context; a context returned by Begin carries a transaction
// scope, and write methods called with it join that transaction instead
// of committing individually. Reads inside a transaction see the
// transaction's own writes for single-row lookups; enumeration methods
// (ListContextIDs, FindPausedInstances) may see only committed state.
//
// Implementations must be safe for concurrent use. The engine
// serializes writes per instance, but different instances commit in
// parallel.
type Store interface {
	// Begin opens a transaction and returns a derived context carrying
	// it. Nesting is not supported; beginning a transaction on a
	// context that already carries one returns an error.
	Begin(ctx context.Context) (context.Context, error)

	// Commit applies the transaction carried by ctx.
	Commit(ctx context.Context) error

	// Rollback discards the transaction carried by ctx.
	Rollback(ctx context.Context) error

	// SaveContext upserts the instance context keyed by its ID.
	SaveContext(ctx context.Context, sc *state.Context) error

	// LoadContext retrieves a context by instance id. Returns
	// ErrNotFound when the instance does not exist.
	LoadContext(ctx context.Context, contextID string) (*state.Context, error)

	// DeleteContext removes the context and cascades to its events,
	// history, and snapshots. Deleting an unknown id is a no-op.
	DeleteContext(ctx context.Context, contextID string) error

	// ListContextIDs returns all instance ids ordered by most recently
	// updated first.
	ListContextIDs(ctx context.Context) ([]string, error)

	// FindPausedInstances returns the ids of instances whose metadata
	// carries the pause marker.
	FindPausedInstances(ctx context.Context) ([]string, error)

	// SaveEvent appends an event to the instance's event log.
	SaveEvent(ctx context.Context, contextID string, ev event.Event) error

	// EventHistory returns the instance's event log in append order.
	EventHistory(ctx context.Context, contextID string) ([]event.Event, error)

	// SaveStateHistory appends a transition record.
	SaveStateHistory(ctx context.Context, entry state.HistoryEntry) error

	// StateHistory returns the instance's transition records in append
	// order.
	StateHistory(ctx context.Context, contextID string) ([]state.HistoryEntry, error)

	// PutSnapshot upserts a snapshot row. Most callers want
	// CreateSnapshot, which captures the live context first.
	PutSnapshot(ctx context.Context, snap *state.Snapshot) error

	// LoadSnapshot retrieves a snapshot by its id.
	LoadSnapshot(ctx context.Context, snapshotID string) (*state.Snapshot, error)

	// ListSnapshots returns an instance's snapshots ordered oldest
	// first.
	ListSnapshots(ctx context.Context, contextID string) ([]state.Snapshot, error)

	// DeleteSnapshot removes a snapshot. Unknown ids are a no-op.
	DeleteSnapshot(ctx context.Context, snapshotID string) error

	// Ping verifies the backing service is reachable.
	Ping(ctx context.Context) error

	// Close releases resources. Open transactions are rolled back.
	Close() error
}

// ExportedContext is the portable form of one instance: the context
// itself plus its transition history, event log, and snapshots. Version
// identifies the export format.
type ExportedContext struct {
	Version        string               `json:"version"`
	ExportedAt     time.Time            `json:"exportedAt"`
	SourceInstance string               `json:"sourceInstance"`
	Context        *state.Context       `json:"context"`
	History        []state.HistoryEntry `json:"history,omitempty"`
	Events         []event.Event        `json:"events,omitempty"`
	Snapshots      []state.Snapshot     `json:"snapshots,omitempty"`
	Meta           map[string]any       `json:"meta,omitempty"`
}

// ExportVersion is written into exports produced by this package.
const ExportVersion = "1"

// CreateSnapshot captures the instance's current context into a new
// snapshot with a generated id. The context is deep-copied, so the
// snapshot stays stable while the instance keeps moving.
func CreateSnapshot(ctx context.Context, s Store, contextID, description string) (*state.Snapshot, error) {
	sc, err := s.LoadContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	frozen, err := state.DeepCopy(sc)
	if err != nil {
		return nil, fmt.Errorf("freeze context %s: %w", contextID, err)
	}
	snap := &state.Snapshot{
		SnapshotID:  uuid.NewString(),
		ContextID:   contextID,
		Timestamp:   time.Now().UTC(),
		Description: description,
		Context:     frozen,
	}
	if err := s.PutSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// LoadSnapshotByTime returns the most recent snapshot of the instance
// taken at or before the given time. ErrNotFound when none qualifies.
func LoadSnapshotByTime(ctx context.Context, s Store, contextID string, at time.Time) (*state.Snapshot, error) {
	snaps, err := s.ListSnapshots(ctx, contextID)
	if err != nil {
		return nil, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		if !snaps[i].Timestamp.After(at) {
			snap := snaps[i]
			return &snap, nil
		}
	}
	return nil, ErrNotFound
}

// RollbackToSnapshot restores the instance to a snapshot's context.
// Before restoring it captures the current context into a fresh
// "pre-rollback" snapshot, so a rollback is itself reversible. The
// restored context (with a refreshed update time) is saved and
// returned.
func RollbackToSnapshot(ctx context.Context, s Store, snapshotID string) (*state.Context, error) {
	snap, err := s.LoadSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if _, err := CreateSnapshot(ctx, s, snap.ContextID, "pre-rollback"); err != nil {
		return nil, fmt.Errorf("capture pre-rollback snapshot: %w", err)
	}
	restored, err := state.DeepCopy(snap.Context)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %s: %w", snapshotID, err)
	}
	restored = restored.Touch()
	if err := s.SaveContext(ctx, restored); err != nil {
		return nil, err
	}
	return restored, nil
}

// Export packages an instance's context, history, event log, and
// snapshots into a portable document.
func Export(ctx context.Context, s Store, contextID string) (*ExportedContext, error) {
	sc, err := s.LoadContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	hist, err := s.StateHistory(ctx, contextID)
	if err != nil {
		return nil, err
	}
	events, err := s.EventHistory(ctx, contextID)
	if err != nil {
		return nil, err
	}
	snaps, err := s.ListSnapshots(ctx, contextID)
	if err != nil {
		return nil, err
	}
	return &ExportedContext{
		Version:        ExportVersion,
		ExportedAt:     time.Now().UTC(),
		SourceInstance: contextID,
		Context:        sc,
		History:        hist,
		Events:         events,
		Snapshots:      snaps,
	}, nil
}

// Import recreates an exported instance. With a non-empty targetID the
// instance is imported under that id (snapshot ids are regenerated to
// avoid collisions); otherwise the original id is kept. Importing over
// an existing instance fails with ErrExists.
func Import(ctx context.Context, s Store, exp *ExportedContext, targetID string) (*state.Context, error) {
	if exp == nil || exp.Context == nil {
		return nil, fmt.Errorf("import: export document has no context")
	}
	id := targetID
	rewrite := targetID != "" && targetID != exp.Context.ID
	if id == "" {
		id = exp.Context.ID
	}
	if _, err := s.LoadContext(ctx, id); err == nil {
		return nil, fmt.Errorf("import target %q: %w", id, ErrExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	sc, err := state.DeepCopy(exp.Context)
	if err != nil {
		return nil, fmt.Errorf("import context: %w", err)
	}
	sc.ID = id
	if err := s.SaveContext(ctx, sc); err != nil {
		return nil, err
	}
	for _, ev := range exp.Events {
		if err := s.SaveEvent(ctx, id, ev); err != nil {
			return nil, err
		}
	}
	for _, entry := range exp.History {
		entry.ContextID = id
		if err := s.SaveStateHistory(ctx, entry); err != nil {
			return nil, err
		}
	}
	for _, snap := range exp.Snapshots {
		cp := snap
		cp.ContextID = id
		if rewrite {
			cp.SnapshotID = uuid.NewString()
		}
		if cp.Context != nil {
			inner, err := state.DeepCopy(cp.Context)
			if err != nil {
				return nil, fmt.Errorf("import snapshot %s: %w", snap.SnapshotID, err)
			}
			inner.ID = id
			cp.Context = inner
		}
		if err := s.PutSnapshot(ctx, &cp); err != nil {
			return nil, err
		}
	}
	return sc, nil
}
