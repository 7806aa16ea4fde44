package store

import (
	"sync"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// The memory and Redis adapters cannot hold a database transaction
// open, so their transactions journal writes as typed ops and apply
// the whole batch at Commit. The overlay helpers let reads inside the
// transaction see their own queued writes, matching the behaviour of
// the SQL adapters.

type opKind int

const (
	opSaveContext opKind = iota
	opDeleteContext
	opSaveEvent
	opSaveHistory
	opPutSnapshot
	opDeleteSnapshot
)

type journalOp struct {
	kind       opKind
	contextID  string
	context    *state.Context
	event      event.Event
	history    state.HistoryEntry
	snapshot   *state.Snapshot
	snapshotID string
}

// journalTx queues writes until Commit. It holds no external resources,
// so an abandoned transaction simply gets garbage collected.
type journalTx struct {
	mu   sync.Mutex
	ops  []journalOp
	done bool
}

func (tx *journalTx) add(op journalOp) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxNotFound
	}
	tx.ops = append(tx.ops, op)
	return nil
}

// take marks the transaction finished and hands back its ops. A second
// call reports ErrTxNotFound, which makes double Commit or Rollback
// visible to the caller.
func (tx *journalTx) take() ([]journalOp, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, ErrTxNotFound
	}
	tx.done = true
	ops := tx.ops
	tx.ops = nil
	return ops, nil
}

// overlayContext reports the journal's latest word on a context id.
// ok is false when the journal says nothing about it.
func (tx *journalTx) overlayContext(contextID string) (sc *state.Context, deleted, ok bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i := len(tx.ops) - 1; i >= 0; i-- {
		op := tx.ops[i]
		if op.contextID != contextID {
			continue
		}
		switch op.kind {
		case opSaveContext:
			return op.context.Clone(), false, true
		case opDeleteContext:
			return nil, true, true
		}
	}
	return nil, false, false
}

// overlayEvents appends the journal's queued events for contextID to
// base, honouring a queued context deletion.
func (tx *journalTx) overlayEvents(contextID string, base []event.Event) []event.Event {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, op := range tx.ops {
		if op.contextID != contextID {
			continue
		}
		switch op.kind {
		case opSaveEvent:
			base = append(base, op.event)
		case opDeleteContext:
			base = nil
		}
	}
	return base
}

// overlayHistory appends the journal's queued transition records for
// contextID to base, honouring a queued context deletion.
func (tx *journalTx) overlayHistory(contextID string, base []state.HistoryEntry) []state.HistoryEntry {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, op := range tx.ops {
		if op.contextID != contextID {
			continue
		}
		switch op.kind {
		case opSaveHistory:
			base = append(base, op.history)
		case opDeleteContext:
			base = nil
		}
	}
	return base
}

// overlaySnapshot reports the journal's latest word on a snapshot id.
func (tx *journalTx) overlaySnapshot(snapshotID string) (snap *state.Snapshot, deleted, ok bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i := len(tx.ops) - 1; i >= 0; i-- {
		op := tx.ops[i]
		if op.kind == opPutSnapshot && op.snapshot.SnapshotID == snapshotID {
			return cloneSnapshot(op.snapshot), false, true
		}
		if op.kind == opDeleteSnapshot && op.snapshotID == snapshotID {
			return nil, true, true
		}
	}
	return nil, false, false
}

// overlaySnapshots merges the journal's snapshot writes for contextID
// into base. The caller re-sorts afterwards.
func (tx *journalTx) overlaySnapshots(contextID string, base []state.Snapshot) []state.Snapshot {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, op := range tx.ops {
		switch op.kind {
		case opPutSnapshot:
			if op.snapshot.ContextID == contextID {
				base = append(base, *cloneSnapshot(op.snapshot))
			}
		case opDeleteSnapshot:
			for i := range base {
				if base[i].SnapshotID == op.snapshotID {
					base = append(base[:i], base[i+1:]...)
					break
				}
			}
		case opDeleteContext:
			if op.contextID == contextID {
				base = nil
			}
		}
	}
	return base
}
