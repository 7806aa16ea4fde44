package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// MemoryStore is the in-memory Store implementation.
//
// It keeps contexts, event logs, history, and snapshots in maps guarded
// by a single RWMutex. Designed for tests, development, and short-lived
// workflows where durability is not required; everything is lost when
// the process exits.
//
// Transactions are journaled: writes inside a transaction queue up and
// apply atomically at Commit. Single-row reads inside the transaction
// see the journal; enumeration methods see committed state only, which
// matches the read-committed behaviour of the database adapters.
type MemoryStore struct {
	mu        sync.RWMutex
	contexts  map[string]*state.Context
	events    map[string][]event.Event
	history   map[string][]state.HistoryEntry
	snapshots map[string]*state.Snapshot
	byContext map[string][]string // contextID -> snapshot ids in creation order
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts:  make(map[string]*state.Context),
		events:    make(map[string][]event.Event),
		history:   make(map[string][]state.HistoryEntry),
		snapshots: make(map[string]*state.Snapshot),
		byContext: make(map[string][]string),
	}
}

type memTxKey struct{}

func memTxFrom(ctx context.Context) *journalTx {
	tx, _ := ctx.Value(memTxKey{}).(*journalTx)
	return tx
}

func (m *MemoryStore) check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Begin starts a journaled transaction.
func (m *MemoryStore) Begin(ctx context.Context) (context.Context, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	if memTxFrom(ctx) != nil {
		return nil, fmt.Errorf("transaction already in progress")
	}
	return context.WithValue(ctx, memTxKey{}, &journalTx{}), nil
}

// Commit applies the journal atomically.
func (m *MemoryStore) Commit(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	tx := memTxFrom(ctx)
	if tx == nil {
		return ErrTxNotFound
	}
	ops, err := tx.take()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, op := range ops {
		m.applyLocked(op)
	}
	return nil
}

// Rollback discards the journal.
func (m *MemoryStore) Rollback(ctx context.Context) error {
	tx := memTxFrom(ctx)
	if tx == nil {
		return ErrTxNotFound
	}
	_, err := tx.take()
	return err
}

func (m *MemoryStore) applyLocked(op journalOp) {
	switch op.kind {
	case opSaveContext:
		m.contexts[op.contextID] = op.context
	case opDeleteContext:
		delete(m.contexts, op.contextID)
		delete(m.events, op.contextID)
		delete(m.history, op.contextID)
		for _, snapID := range m.byContext[op.contextID] {
			delete(m.snapshots, snapID)
		}
		delete(m.byContext, op.contextID)
	case opSaveEvent:
		m.events[op.contextID] = append(m.events[op.contextID], op.event)
	case opSaveHistory:
		m.history[op.contextID] = append(m.history[op.contextID], op.history)
	case opPutSnapshot:
		id := op.snapshot.SnapshotID
		if _, seen := m.snapshots[id]; !seen {
			m.byContext[op.snapshot.ContextID] = append(m.byContext[op.snapshot.ContextID], id)
		}
		m.snapshots[id] = op.snapshot
	case opDeleteSnapshot:
		snap, ok := m.snapshots[op.snapshotID]
		if !ok {
			return
		}
		delete(m.snapshots, op.snapshotID)
		ids := m.byContext[snap.ContextID]
		for i, id := range ids {
			if id == op.snapshotID {
				m.byContext[snap.ContextID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
}

// SaveContext upserts a copy of the context.
func (m *MemoryStore) SaveContext(ctx context.Context, sc *state.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	if sc == nil || sc.ID == "" {
		return fmt.Errorf("context must have an id")
	}
	op := journalOp{kind: opSaveContext, contextID: sc.ID, context: sc.Clone()}
	if tx := memTxFrom(ctx); tx != nil {
		return tx.add(op)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(op)
	return nil
}

// LoadContext retrieves a context, consulting the transaction journal
// first so a transaction reads its own writes.
func (m *MemoryStore) LoadContext(ctx context.Context, contextID string) (*state.Context, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	if tx := memTxFrom(ctx); tx != nil {
		if sc, deleted, ok := tx.overlayContext(contextID); ok {
			if deleted {
				return nil, ErrNotFound
			}
			return sc, nil
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.contexts[contextID]
	if !ok {
		return nil, ErrNotFound
	}
	return sc.Clone(), nil
}

// DeleteContext removes the context and everything hanging off it.
func (m *MemoryStore) DeleteContext(ctx context.Context, contextID string) error {
	if err := m.check(); err != nil {
		return err
	}
	op := journalOp{kind: opDeleteContext, contextID: contextID}
	if tx := memTxFrom(ctx); tx != nil {
		return tx.add(op)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(op)
	return nil
}

// ListContextIDs returns committed instance ids, most recently updated
// first.
func (m *MemoryStore) ListContextIDs(_ context.Context) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.contexts[ids[i]], m.contexts[ids[j]]
		if !a.LastUpdatedAt.Equal(b.LastUpdatedAt) {
			return a.LastUpdatedAt.After(b.LastUpdatedAt)
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

// FindPausedInstances returns committed instances carrying the pause
// marker, sorted by id.
func (m *MemoryStore) FindPausedInstances(_ context.Context) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, sc := range m.contexts {
		if sc.Paused() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveEvent appends an event to the instance's log.
func (m *MemoryStore) SaveEvent(ctx context.Context, contextID string, ev event.Event) error {
	if err := m.check(); err != nil {
		return err
	}
	if contextID == "" {
		return fmt.Errorf("event needs a context id")
	}
	op := journalOp{kind: opSaveEvent, contextID: contextID, event: ev.Clone()}
	if tx := memTxFrom(ctx); tx != nil {
		return tx.add(op)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(op)
	return nil
}

// EventHistory returns the event log, overlaying journal appends when
// called inside a transaction.
func (m *MemoryStore) EventHistory(ctx context.Context, contextID string) ([]event.Event, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	base := make([]event.Event, len(m.events[contextID]))
	copy(base, m.events[contextID])
	m.mu.RUnlock()

	if tx := memTxFrom(ctx); tx != nil {
		base = tx.overlayEvents(contextID, base)
	}
	return base, nil
}

// SaveStateHistory appends a transition record.
func (m *MemoryStore) SaveStateHistory(ctx context.Context, entry state.HistoryEntry) error {
	if err := m.check(); err != nil {
		return err
	}
	if entry.ContextID == "" {
		return fmt.Errorf("history entry needs a context id")
	}
	op := journalOp{kind: opSaveHistory, contextID: entry.ContextID, history: entry}
	if tx := memTxFrom(ctx); tx != nil {
		return tx.add(op)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(op)
	return nil
}

// StateHistory returns transition records, overlaying journal appends
// when called inside a transaction.
func (m *MemoryStore) StateHistory(ctx context.Context, contextID string) ([]state.HistoryEntry, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	base := make([]state.HistoryEntry, len(m.history[contextID]))
	copy(base, m.history[contextID])
	m.mu.RUnlock()

	if tx := memTxFrom(ctx); tx != nil {
		base = tx.overlayHistory(contextID, base)
	}
	return base, nil
}

// PutSnapshot upserts a snapshot row.
func (m *MemoryStore) PutSnapshot(ctx context.Context, snap *state.Snapshot) error {
	if err := m.check(); err != nil {
		return err
	}
	if snap == nil || snap.SnapshotID == "" || snap.ContextID == "" {
		return fmt.Errorf("snapshot needs snapshot and context ids")
	}
	op := journalOp{kind: opPutSnapshot, snapshot: cloneSnapshot(snap)}
	if tx := memTxFrom(ctx); tx != nil {
		return tx.add(op)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(op)
	return nil
}

// LoadSnapshot retrieves a snapshot by id, checking the journal first.
func (m *MemoryStore) LoadSnapshot(ctx context.Context, snapshotID string) (*state.Snapshot, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	if tx := memTxFrom(ctx); tx != nil {
		if snap, deleted, ok := tx.overlaySnapshot(snapshotID); ok {
			if deleted {
				return nil, ErrNotFound
			}
			return snap, nil
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[snapshotID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSnapshot(snap), nil
}

// ListSnapshots returns an instance's snapshots oldest first, including
// journal writes when called inside a transaction.
func (m *MemoryStore) ListSnapshots(ctx context.Context, contextID string) ([]state.Snapshot, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var snaps []state.Snapshot
	for _, id := range m.byContext[contextID] {
		snaps = append(snaps, *cloneSnapshot(m.snapshots[id]))
	}
	m.mu.RUnlock()

	if tx := memTxFrom(ctx); tx != nil {
		snaps = tx.overlaySnapshots(contextID, snaps)
	}

	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.Before(snaps[j].Timestamp)
	})
	return snaps, nil
}

// DeleteSnapshot removes a snapshot; unknown ids are ignored.
func (m *MemoryStore) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	if err := m.check(); err != nil {
		return err
	}
	op := journalOp{kind: opDeleteSnapshot, snapshotID: snapshotID}
	if tx := memTxFrom(ctx); tx != nil {
		return tx.add(op)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(op)
	return nil
}

// Ping reports whether the store is usable.
func (m *MemoryStore) Ping(_ context.Context) error {
	return m.check()
}

// Close marks the store closed. Journaled transactions hold no external
// resources, so there is nothing else to release.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneSnapshot(snap *state.Snapshot) *state.Snapshot {
	cp := *snap
	if snap.Context != nil {
		cp.Context = snap.Context.Clone()
	}
	if snap.Meta != nil {
		meta := make(map[string]any, len(snap.Meta))
		for k, v := range snap.Meta {
			meta[k] = v
		}
		cp.Meta = meta
	}
	return &cp
}
