package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stateflow-io/stateflow-go/flow/emit"
	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
	"github.com/stateflow-io/stateflow-go/flow/store"
)

// Engine is the assembled runtime: workflows, executor, instance
// manager, orchestrator, event bus, scheduler, and timeout sweeper
// over one persistence adapter. Build it with NewEngine and release it
// with Close; instances survive a Close / NewEngine cycle on any
// durable store.
type Engine struct {
	store   store.Store
	bus     *event.Bus
	sched   *event.Scheduler
	mgr     *Manager
	orch    *Orchestrator
	sweeper *Sweeper
	metrics *Metrics

	mu         sync.Mutex
	started    bool
	closed     bool
	autoResume bool
}

// NewEngine builds an engine from functional options. At least one
// workflow (WithFlow, WithWorkflow, or WithDefinition) is required;
// everything else has defaults: in-memory store, no emitter, 30s sweep
// interval, services auto-started.
func NewEngine(opts ...Option) (*Engine, error) {
	cfg := &engineConfig{
		sweepInterval: DefaultSweepInterval,
		recentLimit:   state.DefaultRecentEventLimit,
		cacheSize:     DefaultInstanceCacheSize,
		autoStart:     true,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to configure engine: %w", err)
		}
	}

	st := cfg.store
	if st == nil {
		st = store.NewMemoryStore()
	}

	reg := cfg.registry
	if reg == nil {
		reg = NewRegistry()
	}
	for _, nh := range cfg.handlers {
		if err := reg.Register(nh.name, nh.h); err != nil {
			return nil, fmt.Errorf("handler %q: %w", nh.name, err)
		}
	}

	flows := append([]namedFlow(nil), cfg.flows...)
	for _, pd := range cfg.definitions {
		defReg := pd.reg
		if defReg == nil {
			defReg = reg
		}
		f, err := pd.def.Flow(defReg)
		if err != nil {
			return nil, err
		}
		flows = append(flows, namedFlow{id: f.Name(), flow: f})
	}
	if len(flows) == 0 {
		return nil, fmt.Errorf("engine needs at least one workflow")
	}

	var emitter emit.Emitter
	switch len(cfg.emitters) {
	case 0:
	case 1:
		emitter = cfg.emitters[0]
	default:
		emitter = emit.Multi(cfg.emitters...)
	}

	mgr := NewManager(st)
	mgr.SetEmitter(emitter)
	mgr.SetMetrics(cfg.metrics)
	mgr.SetRecentEventLimit(cfg.recentLimit)
	if cfg.cacheSize != DefaultInstanceCacheSize {
		if err := mgr.SetInstanceCacheSize(cfg.cacheSize); err != nil {
			return nil, err
		}
	}
	for _, nf := range flows {
		if err := mgr.RegisterWorkflow(nf.id, nf.flow); err != nil {
			return nil, err
		}
	}

	bus := event.NewBus(cfg.busOpts)
	sched := event.NewScheduler(bus)
	orch := NewOrchestrator(mgr, bus, sched)
	sweeper := NewSweeper(mgr, bus, cfg.sweepInterval)

	e := &Engine{
		store:      st,
		bus:        bus,
		sched:      sched,
		mgr:        mgr,
		orch:       orch,
		sweeper:    sweeper,
		metrics:    cfg.metrics,
		autoResume: cfg.autoResume,
	}
	if _, err := bus.SubscribeAll(event.ListenerFunc(e.routeEvent)); err != nil {
		return nil, fmt.Errorf("failed to install event routing: %w", err)
	}

	if cfg.autoStart {
		e.Start()
	}
	return e, nil
}

// Start launches the background services (bus workers, scheduler,
// sweeper) and, with WithAutoResume, runs one immediate sweep pass.
// Idempotent; NewEngine calls it unless WithAutoStart(false) was
// given.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.bus.Start()
	e.sched.Start()
	e.sweeper.Start()

	if e.autoResume {
		if _, err := e.sweeper.Sweep(context.Background()); err != nil {
			e.mgr.emit(emit.Event{Msg: "sweep_failed", Meta: map[string]any{"error": err.Error()}})
		}
	}
}

// Close stops the sweeper, scheduler, and bus, then closes the store.
// In-flight deliveries finish; queued events are dropped. Instances
// remain durably recoverable on persistent stores.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.sweeper.Stop()
	e.sched.Stop()
	e.bus.Stop()
	if err := e.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// routeEvent is the bus subscription that feeds addressed events back
// into the orchestrator. Events without an instance id in the payload
// are other subscribers' business; "no applicable transition" is a
// soft failure and does not count as a delivery error.
func (e *Engine) routeEvent(ctx context.Context, ev event.Event) error {
	id, ok := ev.PayloadString(EventInstanceIDKey)
	if !ok || id == "" {
		return nil
	}
	if _, err := e.orch.HandleEvent(ctx, id, ev); err != nil {
		if errors.Is(err, ErrNoApplicableTransition) {
			return nil
		}
		return err
	}
	return nil
}

// StartInstance creates a new instance of a registered workflow. An
// empty instanceID generates one; an empty workflowID selects the
// default workflow.
func (e *Engine) StartInstance(ctx context.Context, instanceID string, initial map[string]any, workflowID string) (*state.Context, error) {
	return e.mgr.Start(ctx, instanceID, initial, workflowID)
}

// LoadInstance hydrates an instance from the store after a restart.
func (e *Engine) LoadInstance(ctx context.Context, instanceID string) (*state.Context, error) {
	return e.mgr.LoadInstance(ctx, instanceID)
}

// Process applies one event to an instance through the orchestrator.
func (e *Engine) Process(ctx context.Context, instanceID string, evType event.Type, evName string, payload map[string]any) (*StepOutcome, error) {
	ev := event.New(evType, evName)
	if len(payload) > 0 {
		ev = ev.WithPayload(payload)
	}
	return e.orch.HandleEvent(ctx, instanceID, ev)
}

// ProcessEvent applies a prebuilt event to an instance through the
// orchestrator.
func (e *Engine) ProcessEvent(ctx context.Context, instanceID string, ev event.Event) (*StepOutcome, error) {
	return e.orch.HandleEvent(ctx, instanceID, ev)
}

// RunUntilComplete drives an instance with synthetic events until it
// completes, pauses, or cannot advance.
func (e *Engine) RunUntilComplete(ctx context.Context, instanceID string, opts RunOptions) (*state.Context, error) {
	return e.mgr.RunUntilComplete(ctx, instanceID, opts)
}

// CurrentState returns an instance's current state id.
func (e *Engine) CurrentState(ctx context.Context, instanceID string) (string, error) {
	return e.mgr.CurrentState(ctx, instanceID)
}

// Context returns an instance's current context.
func (e *Engine) Context(ctx context.Context, instanceID string) (*state.Context, error) {
	return e.mgr.Context(ctx, instanceID)
}

// ForceTransition moves an instance to a target state without running
// handlers.
func (e *Engine) ForceTransition(ctx context.Context, instanceID, target, reason string) (*state.Context, error) {
	return e.mgr.ForceTransition(ctx, instanceID, target, reason)
}

// UpdateMetadata merges metadata into an instance and persists it.
func (e *Engine) UpdateMetadata(ctx context.Context, instanceID string, md map[string]any) (*state.Context, error) {
	return e.mgr.UpdateMetadata(ctx, instanceID, md)
}

// RegisterWorkflow adds a workflow at runtime.
func (e *Engine) RegisterWorkflow(id string, f *Flow) error {
	return e.mgr.RegisterWorkflow(id, f)
}

// RefreshWorkflow hot-swaps a registered workflow. In-flight steps
// finish against the version they started with.
func (e *Engine) RefreshWorkflow(id string, f *Flow) error {
	return e.mgr.RefreshWorkflow(id, f)
}

// SwitchWorkflow changes the default workflow.
func (e *Engine) SwitchWorkflow(id string) error {
	return e.mgr.SwitchWorkflow(id)
}

// Manager returns the instance manager.
func (e *Engine) Manager() *Manager { return e.mgr }

// Orchestrator returns the event orchestrator.
func (e *Engine) Orchestrator() *Orchestrator { return e.orch }

// Bus returns the event bus.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Scheduler returns the temporal scheduler.
func (e *Engine) Scheduler() *event.Scheduler { return e.sched }

// Store returns the persistence adapter.
func (e *Engine) Store() store.Store { return e.store }

// Metrics returns the attached metrics collector, or nil.
func (e *Engine) Metrics() *Metrics { return e.metrics }
