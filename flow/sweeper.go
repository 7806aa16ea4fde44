package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stateflow-io/stateflow-go/flow/emit"
	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// metaTimeoutEmitted records when the sweeper published a timeout
// event for the current dwell, so one expiry fires one event. The
// marker clears on the next state change.
const metaTimeoutEmitted = "_timeoutEmittedAt"

// DefaultSweepInterval is the sweeper's scan period when the engine
// does not configure one.
const DefaultSweepInterval = 30 * time.Second

// Sweeper expires state timeouts in the background. Each pass scans
// paused instances (and running instances with a timeout action) and,
// where the dwell exceeds the state's effective timeout, applies the
// state's TimeoutAction: a forced transition, or a timeout event
// published for the instance. Dwell for paused instances is measured
// from the pause marker; for running instances from the context's last
// update, which any step resets.
type Sweeper struct {
	m   *Manager
	bus *event.Bus

	interval time.Duration

	mu      sync.Mutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// NewSweeper creates a stopped sweeper over the manager's instances.
// Bus may be nil when no workflow uses event timeout actions. A
// non-positive interval falls back to DefaultSweepInterval.
func NewSweeper(m *Manager, bus *event.Bus, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		m:        m,
		bus:      bus,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Start launches the background scan loop. Idempotent.
func (w *Sweeper) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
}

// Stop halts the scan loop and waits for an in-flight pass to finish.
// Safe to call more than once.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	w.cancel()
	w.wg.Wait()
}

func (w *Sweeper) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(w.ctx); err != nil {
				w.m.emit(emit.Event{Msg: "sweep_failed", Meta: map[string]any{"error": err.Error()}})
			}
		}
	}
}

// Sweep runs one scan pass and returns the number of timeout actions
// fired. Per-instance failures do not stop the pass; the first one is
// returned after every instance has been visited.
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	paused, err := w.m.store.FindPausedInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list paused instances: %w", err)
	}
	w.m.metrics.SetPausedInstances(len(paused))

	ids, err := w.m.store.ListContextIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %w", err)
	}

	pausedSet := make(map[string]struct{}, len(paused))
	for _, id := range paused {
		pausedSet[id] = struct{}{}
	}

	fired := 0
	var firstErr error
	visit := func(id string) {
		ok, err := w.sweepOne(ctx, id)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("instance %q: %w", id, err)
		}
		if ok {
			fired++
		}
	}
	for _, id := range paused {
		visit(id)
	}
	for _, id := range ids {
		if _, isPaused := pausedSet[id]; isPaused {
			continue
		}
		visit(id)
	}
	return fired, firstErr
}

// sweepOne checks a single instance under its lock and applies the
// timeout action when expired. The timeout event, if any, is published
// after the lock is released so bus workers can take the lock for the
// follow-up delivery.
func (w *Sweeper) sweepOne(ctx context.Context, instanceID string) (bool, error) {
	lock := w.m.lockFor(instanceID)
	lock.Lock()
	pub, fired, err := w.sweepLocked(ctx, instanceID)
	lock.Unlock()
	if err != nil || !fired {
		return false, err
	}
	if pub != nil {
		if err := w.bus.Publish(ctx, *pub); err != nil {
			return false, fmt.Errorf("failed to publish timeout event: %w", err)
		}
		w.m.emit(emit.Event{
			InstanceID: instanceID,
			EventID:    pub.ID,
			Msg:        "timeout_fired",
			Meta:       map[string]any{"action": "event"},
		})
	}
	return true, nil
}

func (w *Sweeper) sweepLocked(ctx context.Context, instanceID string) (*event.Event, bool, error) {
	sc, err := w.m.loadLocked(ctx, instanceID)
	if err != nil {
		return nil, false, err
	}
	rt, err := w.m.runtimeFor(sc)
	if err != nil {
		return nil, false, err
	}
	if rt.flow.IsTerminal(sc.CurrentStateID) {
		return nil, false, nil
	}

	var (
		stateID string
		age     time.Duration
	)
	if sc.Paused() {
		pausedAt, ok := sc.PausedAt()
		if !ok {
			return nil, false, nil
		}
		stateID, _ = sc.MetaString(state.MetaPausedState)
		if stateID == "" {
			stateID = sc.CurrentStateID
		}
		age = w.now().Sub(pausedAt)
	} else {
		stateID = sc.CurrentStateID
		age = w.now().Sub(sc.LastUpdatedAt)
	}

	def := rt.flow.State(stateID)
	if def == nil || def.TimeoutAction == nil {
		return nil, false, nil
	}
	timeout := rt.flow.EffectiveTimeout(stateID)
	if sc.Paused() {
		if v, ok := sc.MetaInt(state.MetaPauseTimeout); ok {
			timeout = v
		}
	}
	if timeout <= 0 {
		return nil, false, nil
	}
	if age < time.Duration(timeout)*time.Second {
		return nil, false, nil
	}

	action := def.TimeoutAction
	switch action.Kind {
	case TimeoutTransition:
		if _, err := w.m.forceLocked(ctx, instanceID, action.TargetState, "timeout"); err != nil {
			return nil, false, err
		}
		w.m.metrics.RecordTimeout("transition")
		w.m.emit(emit.Event{
			InstanceID: instanceID,
			WorkflowID: rt.id,
			StateID:    stateID,
			Msg:        "timeout_fired",
			Meta:       map[string]any{"action": "transition", "target": action.TargetState},
		})
		return nil, true, nil

	case TimeoutEvent:
		if _, ok := sc.Meta(metaTimeoutEmitted); ok {
			return nil, false, nil
		}
		if w.bus == nil {
			return nil, false, fmt.Errorf("timeout event in state %q: no event bus configured", stateID)
		}
		marked := sc.WithMeta(metaTimeoutEmitted, w.now().UTC().Format(time.RFC3339Nano))
		if err := w.m.store.SaveContext(ctx, marked); err != nil {
			return nil, false, fmt.Errorf("failed to mark timeout: %w", err)
		}
		w.m.cache.Add(instanceID, marked.Clone())

		name := action.EventName
		if name == "" {
			name = action.EventType.Name
		}
		ev := event.New(action.EventType, name).
			WithSource("sweeper").
			WithPayload(map[string]any{EventInstanceIDKey: instanceID})
		w.m.metrics.RecordTimeout("event")
		return &ev, true, nil
	}
	return nil, false, nil
}
