package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stateflow-io/stateflow-go/flow/emit"
	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
	"github.com/stateflow-io/stateflow-go/flow/store"
)

// DefaultMaxSteps bounds RunUntilComplete when RunOptions does not set
// its own limit.
const DefaultMaxSteps = 100

// DefaultInstanceCacheSize is the capacity of the manager's live
// context cache.
const DefaultInstanceCacheSize = 256

// flowRuntime bundles a registered workflow with the executor that
// steps it.
type flowRuntime struct {
	id   string
	flow *Flow
	exec *Executor
}

// Manager owns the set of active instances and mediates between
// callers and the executor. It serializes all work per instance with a
// per-instance mutex, keeps recently used contexts in an LRU cache,
// and persists every mutation through the store before releasing the
// lock, so a cache eviction only ever drops a clean entry and the
// store stays the source of truth.
//
// Different instances proceed in parallel; the manager itself is safe
// for concurrent use.
type Manager struct {
	store   store.Store
	emitter emit.Emitter
	metrics *Metrics

	mu        sync.Mutex
	flows     map[string]*flowRuntime
	defaultID string
	locks     map[string]*sync.Mutex

	cache       *lru.Cache[string, *state.Context]
	recentLimit int
	now         func() time.Time
}

// NewManager creates a manager backed by st. Register at least one
// workflow before starting instances.
func NewManager(st store.Store) *Manager {
	cache, _ := lru.New[string, *state.Context](DefaultInstanceCacheSize)
	return &Manager{
		store:       st,
		flows:       make(map[string]*flowRuntime),
		locks:       make(map[string]*sync.Mutex),
		cache:       cache,
		recentLimit: state.DefaultRecentEventLimit,
		now:         time.Now,
	}
}

// SetEmitter routes the manager's observability events to e. Call
// before the manager starts handling instances.
func (m *Manager) SetEmitter(e emit.Emitter) {
	m.emitter = e
}

// SetMetrics attaches a metrics collector. Call before the manager
// starts handling instances.
func (m *Manager) SetMetrics(mt *Metrics) {
	m.metrics = mt
}

// SetRecentEventLimit bounds the recent-event window on contexts
// produced by this manager's executors.
func (m *Manager) SetRecentEventLimit(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentLimit = n
	for _, rt := range m.flows {
		rt.exec.SetRecentEventLimit(n)
	}
}

// SetInstanceCacheSize replaces the context cache. Call before the
// manager starts handling instances.
func (m *Manager) SetInstanceCacheSize(n int) error {
	cache, err := lru.New[string, *state.Context](n)
	if err != nil {
		return fmt.Errorf("failed to create instance cache: %w", err)
	}
	m.cache = cache
	return nil
}

// Store returns the backing store.
func (m *Manager) Store() store.Store {
	return m.store
}

// RegisterWorkflow adds a compiled workflow under the given id; an
// empty id registers it under the flow's own name. The first
// registered workflow becomes the default for instances that carry no
// workflow binding.
func (m *Manager) RegisterWorkflow(id string, f *Flow) error {
	if f == nil {
		return fmt.Errorf("workflow must not be nil")
	}
	if id == "" {
		id = f.Name()
	}
	if id == "" {
		return fmt.Errorf("workflow needs an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[id]; ok {
		return fmt.Errorf("workflow %q already registered", id)
	}
	exec := NewExecutor(f)
	exec.SetRecentEventLimit(m.recentLimit)
	m.flows[id] = &flowRuntime{id: id, flow: f, exec: exec}
	if m.defaultID == "" {
		m.defaultID = id
	}
	return nil
}

// RefreshWorkflow atomically swaps the workflow registered under id.
// Instances observe the new version on their next step.
func (m *Manager) RefreshWorkflow(id string, f *Flow) error {
	if f == nil {
		return fmt.Errorf("workflow must not be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[id]; !ok {
		return fmt.Errorf("workflow %q: %w", id, ErrUnknownWorkflow)
	}
	exec := NewExecutor(f)
	exec.SetRecentEventLimit(m.recentLimit)
	m.flows[id] = &flowRuntime{id: id, flow: f, exec: exec}
	return nil
}

// SwitchWorkflow changes the default workflow used by Start calls that
// do not name one.
func (m *Manager) SwitchWorkflow(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[id]; !ok {
		return fmt.Errorf("workflow %q: %w", id, ErrUnknownWorkflow)
	}
	m.defaultID = id
	return nil
}

// Workflows returns the registered workflow ids.
func (m *Manager) Workflows() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.flows))
	for id := range m.flows {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[id] = lk
	}
	return lk
}

// loadLocked returns the instance context, from cache when present.
// Caller must hold the instance lock.
func (m *Manager) loadLocked(ctx context.Context, id string) (*state.Context, error) {
	if sc, ok := m.cache.Get(id); ok {
		return sc.Clone(), nil
	}
	sc, err := m.store.LoadContext(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("instance %q: %w", id, ErrInstanceNotFound)
		}
		return nil, err
	}
	m.cache.Add(id, sc.Clone())
	return sc, nil
}

func (m *Manager) runtime(workflowID string) (*flowRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := workflowID
	if id == "" {
		id = m.defaultID
	}
	rt, ok := m.flows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", id, ErrUnknownWorkflow)
	}
	return rt, nil
}

// runtimeFor resolves the workflow an instance is bound to, falling
// back to the default workflow when the binding is absent.
func (m *Manager) runtimeFor(sc *state.Context) (*flowRuntime, error) {
	return m.runtime(sc.WorkflowID())
}

func (m *Manager) emit(ev emit.Event) {
	if m.emitter != nil {
		m.emitter.Emit(ev)
	}
}

// markPaused stamps the pause markers for stateID onto sc.
func (m *Manager) markPaused(sc *state.Context, f *Flow, stateID string) *state.Context {
	return sc.
		WithMeta(state.MetaPausedAt, m.now().UTC().Format(time.RFC3339Nano)).
		WithMeta(state.MetaPausedState, stateID).
		WithMeta(state.MetaPauseTimeout, f.EffectiveTimeout(stateID))
}

// clearPause removes the pause markers and the sweeper's timeout
// bookkeeping.
func clearPause(sc *state.Context) *state.Context {
	return sc.WithoutMeta(
		state.MetaPausedAt,
		state.MetaPausedState,
		state.MetaPauseTimeout,
		metaTimeoutEmitted,
	)
}

// Start creates and persists a new instance positioned at the
// workflow's initial state. An empty instanceID generates one; an
// empty workflowID uses the default workflow. The id of an existing
// instance is rejected with ErrInstanceExists.
func (m *Manager) Start(ctx context.Context, instanceID string, initial map[string]any, workflowID string) (*state.Context, error) {
	rt, err := m.runtime(workflowID)
	if err != nil {
		return nil, err
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	lock := m.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.store.LoadContext(ctx, instanceID); err == nil {
		return nil, fmt.Errorf("instance %q: %w", instanceID, ErrInstanceExists)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	initState := rt.flow.InitialState()
	if initState == nil {
		return nil, fmt.Errorf("workflow %q has no initial state", rt.id)
	}

	sc := state.New(instanceID, initial).
		WithCurrentState(initState.ID).
		WithMeta(state.MetaWorkflowID, rt.id)
	if initState.PauseOnEnter {
		sc = m.markPaused(sc, rt.flow, initState.ID)
	}

	txCtx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveContext(txCtx, sc); err != nil {
		_ = m.store.Rollback(txCtx)
		return nil, err
	}
	entry := state.HistoryEntry{
		ContextID: instanceID,
		ToStateID: initState.ID,
		Timestamp: m.now().UTC(),
	}
	if err := m.store.SaveStateHistory(txCtx, entry); err != nil {
		_ = m.store.Rollback(txCtx)
		return nil, err
	}
	if err := m.store.Commit(txCtx); err != nil {
		return nil, err
	}

	m.cache.Add(instanceID, sc.Clone())
	m.emit(emit.Event{
		InstanceID: instanceID,
		WorkflowID: rt.id,
		StateID:    initState.ID,
		Msg:        "instance_started",
	})
	return sc, nil
}

// LoadInstance hydrates an instance from the store, bypassing the
// cache, and verifies its workflow binding resolves. This is the
// recovery path after a restart.
func (m *Manager) LoadInstance(ctx context.Context, instanceID string) (*state.Context, error) {
	lock := m.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	sc, err := m.store.LoadContext(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("instance %q: %w", instanceID, ErrInstanceNotFound)
		}
		return nil, err
	}
	if _, err := m.runtimeFor(sc); err != nil {
		return nil, err
	}
	m.cache.Add(instanceID, sc.Clone())
	return sc, nil
}

// Context returns the instance's current context.
func (m *Manager) Context(ctx context.Context, instanceID string) (*state.Context, error) {
	lock := m.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()
	return m.loadLocked(ctx, instanceID)
}

// CurrentState returns the instance's current state id.
func (m *Manager) CurrentState(ctx context.Context, instanceID string) (string, error) {
	sc, err := m.Context(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return sc.CurrentStateID, nil
}

// UpdateMetadata merges md into the instance's metadata and persists
// the result.
func (m *Manager) UpdateMetadata(ctx context.Context, instanceID string, md map[string]any) (*state.Context, error) {
	lock := m.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()

	sc, err := m.loadLocked(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	next := sc
	for k, v := range md {
		next = next.WithMeta(k, v)
	}
	if err := m.store.SaveContext(ctx, next); err != nil {
		return nil, err
	}
	m.cache.Add(instanceID, next.Clone())
	return next, nil
}

// Process builds an event from the given type, name, and payload and
// applies it to the instance.
func (m *Manager) Process(ctx context.Context, instanceID string, evType event.Type, evName string, payload map[string]any) (*StepOutcome, error) {
	ev := event.New(evType, evName)
	if len(payload) > 0 {
		ev = ev.WithPayload(payload)
	}
	return m.ProcessEvent(ctx, instanceID, ev)
}

// ProcessEvent applies one event to the instance: it steps the
// executor and commits the event row, the updated context, and (when
// the state changed) a history row in a single store transaction. On
// any failure the transaction rolls back and the instance stays at its
// last committed state.
func (m *Manager) ProcessEvent(ctx context.Context, instanceID string, ev event.Event) (*StepOutcome, error) {
	lock := m.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()
	return m.processLocked(ctx, instanceID, ev)
}

// processLocked is ProcessEvent minus the lock acquisition; the
// orchestrator calls it while already holding the instance lock.
func (m *Manager) processLocked(ctx context.Context, instanceID string, ev event.Event) (*StepOutcome, error) {
	sc, err := m.loadLocked(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	rt, err := m.runtimeFor(sc)
	if err != nil {
		return nil, err
	}

	started := m.now()
	outcome, err := rt.exec.Step(ctx, sc, ev)
	if err != nil {
		m.metrics.RecordEvent(rt.id, "failure")
		return nil, err
	}
	return m.finishStep(ctx, instanceID, rt, sc, ev, outcome, started)
}

// finishStep applies pause bookkeeping to a step outcome, commits it,
// and records metrics and emitter events. The orchestrator shares it
// when applying routing rules. Caller must hold the instance lock.
func (m *Manager) finishStep(ctx context.Context, instanceID string, rt *flowRuntime, prev *state.Context, ev event.Event, outcome *StepOutcome, started time.Time) (*StepOutcome, error) {
	next := outcome.Context
	resumed := false
	paused := false
	if outcome.Changed {
		if prev.Paused() {
			next = clearPause(next)
			resumed = true
		} else if _, ok := prev.Meta(metaTimeoutEmitted); ok {
			next = next.WithoutMeta(metaTimeoutEmitted)
		}
		if dest := rt.flow.State(outcome.Next); dest != nil && dest.PauseOnEnter {
			next = m.markPaused(next, rt.flow, dest.ID)
			paused = true
		}
	}

	if err := m.commitStep(ctx, instanceID, ev, next, outcome); err != nil {
		m.metrics.RecordEvent(rt.id, "failure")
		return nil, err
	}
	m.cache.Add(instanceID, next.Clone())
	outcome.Context = next

	status := "success"
	if !outcome.Result.Success {
		status = "failure"
	}
	elapsed := m.now().Sub(started)
	m.metrics.RecordEvent(rt.id, status)
	m.metrics.RecordStepLatency(rt.id, outcome.From, elapsed, status)
	if outcome.Changed {
		m.metrics.RecordTransition(rt.id)
	}

	meta := map[string]any{
		"from":        outcome.From,
		"to":          outcome.Next,
		"duration_ms": elapsed.Milliseconds(),
	}
	if outcome.SelectedBranch != "" {
		meta["branch"] = outcome.SelectedBranch
	}
	if !outcome.Result.Success {
		meta["error"] = outcome.Result.FailureMessage()
	}
	m.emit(emit.Event{
		InstanceID: instanceID,
		WorkflowID: rt.id,
		StateID:    outcome.From,
		EventID:    ev.ID,
		Msg:        "step_applied",
		Meta:       meta,
	})
	if resumed {
		m.emit(emit.Event{InstanceID: instanceID, WorkflowID: rt.id, StateID: outcome.From, Msg: "instance_resumed"})
	}
	if paused {
		m.emit(emit.Event{InstanceID: instanceID, WorkflowID: rt.id, StateID: outcome.Next, Msg: "instance_paused"})
	}
	return outcome, nil
}

// commitStep writes the event row, the context, and the conditional
// history row in one transaction.
func (m *Manager) commitStep(ctx context.Context, instanceID string, ev event.Event, next *state.Context, outcome *StepOutcome) error {
	txCtx, err := m.store.Begin(ctx)
	if err != nil {
		return err
	}
	if err := m.store.SaveEvent(txCtx, instanceID, ev); err != nil {
		_ = m.store.Rollback(txCtx)
		return err
	}
	if err := m.store.SaveContext(txCtx, next); err != nil {
		_ = m.store.Rollback(txCtx)
		return err
	}
	if outcome.Changed {
		entry := state.HistoryEntry{
			ContextID:   instanceID,
			FromStateID: outcome.From,
			ToStateID:   outcome.Next,
			EventID:     ev.ID,
			Timestamp:   m.now().UTC(),
		}
		if err := m.store.SaveStateHistory(txCtx, entry); err != nil {
			_ = m.store.Rollback(txCtx)
			return err
		}
	}
	return m.store.Commit(txCtx)
}

// RunOptions tunes RunUntilComplete.
type RunOptions struct {
	// EventType and EventName shape the synthetic event that drives
	// each step. Defaults: "flow/advance".
	EventType event.Type
	EventName string

	// Payload rides on the first synthetic event only.
	Payload map[string]any

	// MaxSteps bounds the loop; zero means DefaultMaxSteps.
	MaxSteps int

	OnStateChange func(from, to string, sc *state.Context)
	OnComplete    func(sc *state.Context)
	OnError       func(err error)
}

// RunUntilComplete drives the instance with synthetic events until it
// reaches a terminal state, enters a pause, or cannot advance. The
// returned context is the instance's last committed state; when the
// loop stops because no transition applied, the error is
// ErrNoApplicableTransition, and when the step budget runs out it is
// ErrMaxStepsExceeded.
func (m *Manager) RunUntilComplete(ctx context.Context, instanceID string, opts RunOptions) (*state.Context, error) {
	evType := opts.EventType
	if evType == (event.Type{}) {
		evType = event.NewType(DefaultEventNamespace, "advance")
	}
	evName := opts.EventName
	if evName == "" {
		evName = "advance"
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	sc, err := m.Context(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	for steps := 0; ; steps++ {
		rt, err := m.runtimeFor(sc)
		if err != nil {
			return sc, err
		}
		if rt.flow.IsTerminal(sc.CurrentStateID) {
			if opts.OnComplete != nil {
				opts.OnComplete(sc)
			}
			return sc, nil
		}
		if sc.Paused() {
			return sc, nil
		}
		if steps >= maxSteps {
			return sc, fmt.Errorf("instance %q after %d steps: %w", instanceID, steps, ErrMaxStepsExceeded)
		}

		ev := event.New(evType, evName)
		if steps == 0 && len(opts.Payload) > 0 {
			ev = ev.WithPayload(opts.Payload)
		}
		outcome, err := m.ProcessEvent(ctx, instanceID, ev)
		if err != nil {
			if opts.OnError != nil {
				opts.OnError(err)
			}
			return sc, err
		}
		next := outcome.Context
		if outcome.Changed && opts.OnStateChange != nil {
			opts.OnStateChange(outcome.From, outcome.Next, next)
		}
		if !outcome.Result.Success {
			stepErr := outcome.Result.Err
			if stepErr == nil {
				stepErr = fmt.Errorf("step failed in state %q", outcome.From)
			}
			if opts.OnError != nil {
				opts.OnError(stepErr)
			}
			return next, stepErr
		}
		if outcome.Next == "" {
			return next, fmt.Errorf("instance %q in state %q: %w", instanceID, next.CurrentStateID, ErrNoApplicableTransition)
		}
		sc = next
	}
}

// ForceTransition moves the instance to the target state without
// running handlers, recording a history row with no event id and the
// caller's reason. Intended for timeout actions and administrative
// intervention.
func (m *Manager) ForceTransition(ctx context.Context, instanceID, target, reason string) (*state.Context, error) {
	lock := m.lockFor(instanceID)
	lock.Lock()
	defer lock.Unlock()
	return m.forceLocked(ctx, instanceID, target, reason)
}

// forceLocked is ForceTransition minus the lock acquisition; the
// sweeper calls it while already holding the instance lock.
func (m *Manager) forceLocked(ctx context.Context, instanceID, target, reason string) (*state.Context, error) {
	sc, err := m.loadLocked(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	rt, err := m.runtimeFor(sc)
	if err != nil {
		return nil, err
	}
	def := rt.flow.State(target)
	if def == nil {
		return nil, fmt.Errorf("state %q: %w", target, ErrStateNotFound)
	}

	from := sc.CurrentStateID
	next := sc
	if sc.Paused() {
		next = clearPause(next)
	} else if _, ok := sc.Meta(metaTimeoutEmitted); ok {
		next = next.WithoutMeta(metaTimeoutEmitted)
	}
	next = next.WithCurrentState(target)
	if def.PauseOnEnter {
		next = m.markPaused(next, rt.flow, target)
	}

	txCtx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveContext(txCtx, next); err != nil {
		_ = m.store.Rollback(txCtx)
		return nil, err
	}
	entry := state.HistoryEntry{
		ContextID:   instanceID,
		FromStateID: from,
		ToStateID:   target,
		Reason:      reason,
		Timestamp:   m.now().UTC(),
	}
	if err := m.store.SaveStateHistory(txCtx, entry); err != nil {
		_ = m.store.Rollback(txCtx)
		return nil, err
	}
	if err := m.store.Commit(txCtx); err != nil {
		return nil, err
	}

	m.cache.Add(instanceID, next.Clone())
	m.metrics.RecordTransition(rt.id)
	m.emit(emit.Event{
		InstanceID: instanceID,
		WorkflowID: rt.id,
		StateID:    target,
		Msg:        "transition",
		Meta:       map[string]any{"from": from, "to": target, "reason": reason},
	})
	return next, nil
}

// Stop drops the instance's cached context. The store keeps the
// durable copy; the instance can be loaded again at any time.
func (m *Manager) Stop(instanceID string) {
	m.cache.Remove(instanceID)
}

// StopAll drops every cached context.
func (m *Manager) StopAll() {
	m.cache.Purge()
}
