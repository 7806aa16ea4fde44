package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// EventInstanceIDKey is the payload key that carries the target
// instance id on events traveling through the bus or scheduler.
const EventInstanceIDKey = "instanceId"

// Rule routes events arriving in one state to a destination without
// running the state's handler. Rules are an overlay on the workflow's
// own transition table: when at least one rule is registered for the
// instance's (current state, event type) pair, the orchestrator picks
// a rule instead of stepping the executor.
type Rule struct {
	// From is the state id the rule applies in.
	From string

	// Event is the event type the rule fires on. Versions are ignored
	// when matching.
	Event event.Type

	// Guard, when set, must approve the event for the rule to apply.
	Guard func(stateID string, ev event.Event, sc *state.Context) bool

	// Action computes the destination state id and data to merge into
	// local state. Required.
	Action func(ctx context.Context, sc *state.Context, ev event.Event) (string, map[string]any, error)

	// Priority ranks competing rules; higher wins, registration order
	// breaks ties.
	Priority int
}

// RankHook reorders candidate rules before guard evaluation. It is
// advisory: the slice it returns becomes the evaluation order (it may
// drop candidates), and returning nil keeps the default
// priority-then-registration order.
type RankHook func(sc *state.Context, ev event.Event, rules []Rule) []Rule

// OrchestratorStats is a point-in-time snapshot of orchestrator
// activity.
type OrchestratorStats struct {
	TotalEventsProcessed  int64
	SuccessfulTransitions int64
	FailedTransitions     int64
	AvgProcessingMs       float64
	LastProcessedAt       time.Time
}

// Orchestrator turns received events into at most one transition per
// instance. Synchronous events apply inline under the instance lock;
// deferred and periodic events route to the scheduler and asynchronous
// ones to the bus, coming back through HandleEvent when they fire.
type Orchestrator struct {
	m     *Manager
	bus   *event.Bus
	sched *event.Scheduler

	mu    sync.RWMutex
	rules map[string][]Rule
	hook  RankHook

	events      atomic.Int64
	transitions atomic.Int64
	failures    atomic.Int64
	procNanos   atomic.Int64
	lastNano    atomic.Int64

	now func() time.Time
}

// NewOrchestrator wires an orchestrator over the manager. Bus and
// scheduler may be nil when temporal routing is not needed.
func NewOrchestrator(m *Manager, bus *event.Bus, sched *event.Scheduler) *Orchestrator {
	return &Orchestrator{
		m:     m,
		bus:   bus,
		sched: sched,
		rules: make(map[string][]Rule),
		now:   time.Now,
	}
}

// AddRule registers a routing rule for the given workflow; an empty
// workflowID targets the default workflow.
func (o *Orchestrator) AddRule(workflowID string, r Rule) error {
	rt, err := o.m.runtime(workflowID)
	if err != nil {
		return err
	}
	if r.From == "" {
		return fmt.Errorf("rule needs a source state")
	}
	if r.Event == (event.Type{}) {
		return fmt.Errorf("rule needs an event type")
	}
	if r.Action == nil {
		return fmt.Errorf("rule needs an action")
	}
	if rt.flow.State(r.From) == nil {
		return fmt.Errorf("state %q: %w", r.From, ErrStateNotFound)
	}
	o.mu.Lock()
	o.rules[rt.id] = append(o.rules[rt.id], r)
	o.mu.Unlock()
	return nil
}

// Rules returns the registered rules for a workflow in registration
// order.
func (o *Orchestrator) Rules(workflowID string) []Rule {
	rt, err := o.m.runtime(workflowID)
	if err != nil {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Rule(nil), o.rules[rt.id]...)
}

// SetRankHook installs an advisory ranking hook.
func (o *Orchestrator) SetRankHook(h RankHook) {
	o.mu.Lock()
	o.hook = h
	o.mu.Unlock()
}

// HandleScheduled fans a timed event out to its delivery path:
// deferred and periodic entries go to the scheduler, asynchronous ones
// to the bus (both return immediately with a nil outcome), and
// synchronous ones are handled inline.
func (o *Orchestrator) HandleScheduled(ctx context.Context, instanceID string, sched event.Scheduled) (*StepOutcome, error) {
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	switch sched.Temporal {
	case event.Deferred, event.Periodic:
		if o.sched == nil {
			return nil, fmt.Errorf("no scheduler configured")
		}
		sched.Event = stampInstance(sched.Event, instanceID)
		if err := o.sched.Submit(ctx, sched); err != nil {
			return nil, fmt.Errorf("failed to schedule event: %w", err)
		}
		return nil, nil
	case event.Asynchronous:
		if o.bus == nil {
			return nil, fmt.Errorf("no event bus configured")
		}
		if err := o.bus.Publish(ctx, stampInstance(sched.Event, instanceID)); err != nil {
			return nil, fmt.Errorf("failed to publish event: %w", err)
		}
		return nil, nil
	default:
		return o.HandleEvent(ctx, instanceID, sched.Event)
	}
}

// HandleEvent applies ev to the instance under its lock. With rules
// registered for the (current state, event type) pair, the
// max-priority rule whose guard passes is applied; if every guard
// refuses, the call fails with ErrNoApplicableTransition and the
// instance is untouched. Without rules the event falls through to the
// executor step.
func (o *Orchestrator) HandleEvent(ctx context.Context, instanceID string, ev event.Event) (*StepOutcome, error) {
	started := o.now()
	lock := o.m.lockFor(instanceID)
	lock.Lock()
	outcome, err := o.handleLocked(ctx, instanceID, ev)
	lock.Unlock()

	o.events.Add(1)
	o.procNanos.Add(int64(o.now().Sub(started)))
	o.lastNano.Store(o.now().UnixNano())
	switch {
	case err != nil:
		o.failures.Add(1)
	case outcome != nil && !outcome.Result.Success:
		o.failures.Add(1)
	case outcome != nil && outcome.Changed:
		o.transitions.Add(1)
	}
	return outcome, err
}

func (o *Orchestrator) handleLocked(ctx context.Context, instanceID string, ev event.Event) (*StepOutcome, error) {
	sc, err := o.m.loadLocked(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	rt, err := o.m.runtimeFor(sc)
	if err != nil {
		return nil, err
	}

	candidates := o.candidates(rt.id, sc.CurrentStateID, ev.Type)
	if len(candidates) == 0 {
		return o.m.processLocked(ctx, instanceID, ev)
	}

	o.mu.RLock()
	hook := o.hook
	o.mu.RUnlock()
	if hook != nil {
		if ranked := hook(sc, ev, candidates); ranked != nil {
			candidates = ranked
		}
	}

	for i := range candidates {
		r := candidates[i]
		if r.Guard == nil || r.Guard(sc.CurrentStateID, ev, sc) {
			return o.applyRule(ctx, instanceID, rt, sc, ev, r)
		}
	}
	return nil, fmt.Errorf("state %q event %s: %w", sc.CurrentStateID, ev.Type, ErrNoApplicableTransition)
}

// candidates returns the rules for (stateID, event type) ordered by
// priority descending, registration order on ties.
func (o *Orchestrator) candidates(workflowID, stateID string, t event.Type) []Rule {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []Rule
	for _, r := range o.rules[workflowID] {
		if r.From == stateID && r.Event.Matches(t) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// applyRule runs the rule's action and commits the move through the
// manager, bypassing the state's handler.
func (o *Orchestrator) applyRule(ctx context.Context, instanceID string, rt *flowRuntime, sc *state.Context, ev event.Event, r Rule) (*StepOutcome, error) {
	started := o.now()
	dest, data, err := r.Action(ctx, sc, ev)
	if err != nil {
		return nil, fmt.Errorf("rule action in state %q: %w", sc.CurrentStateID, err)
	}
	if dest == "" {
		return nil, fmt.Errorf("rule action in state %q returned no destination", sc.CurrentStateID)
	}
	if rt.flow.State(dest) == nil {
		return nil, fmt.Errorf("state %q: %w", dest, ErrStateNotFound)
	}

	updated := sc.WithEvent(ev, o.m.recentLimit)
	if len(data) > 0 {
		updated = updated.MergeLocal(data)
	}
	changed := dest != sc.CurrentStateID
	if changed {
		updated = updated.WithCurrentState(dest)
	}
	outcome := &StepOutcome{
		Result:  state.OK(data),
		From:    sc.CurrentStateID,
		Next:    dest,
		Changed: changed,
		Context: updated,
	}
	return o.m.finishStep(ctx, instanceID, rt, sc, ev, outcome, started)
}

// Stats returns a snapshot of orchestrator counters.
func (o *Orchestrator) Stats() OrchestratorStats {
	events := o.events.Load()
	var avg float64
	if events > 0 {
		avg = float64(o.procNanos.Load()) / float64(events) / float64(time.Millisecond)
	}
	var last time.Time
	if n := o.lastNano.Load(); n > 0 {
		last = time.Unix(0, n).UTC()
	}
	return OrchestratorStats{
		TotalEventsProcessed:  events,
		SuccessfulTransitions: o.transitions.Load(),
		FailedTransitions:     o.failures.Load(),
		AvgProcessingMs:       avg,
		LastProcessedAt:       last,
	}
}

// stampInstance ensures the event payload names its target instance.
func stampInstance(ev event.Event, instanceID string) event.Event {
	if v, ok := ev.PayloadString(EventInstanceIDKey); ok && v == instanceID {
		return ev
	}
	merged := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		merged[k] = v
	}
	merged[EventInstanceIDKey] = instanceID
	return ev.WithPayload(merged)
}
