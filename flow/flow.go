// Package flow implements a declarative workflow engine built around
// state rotation and event-driven transitions. Workflows are immutable
// graphs of states and prioritized transitions compiled by a Builder or
// decoded from JSON/YAML documents. Instances advance one persisted,
// atomic step at a time: an event arrives, the current state's handler
// runs, a transition is selected, and the event row, updated context,
// and history row commit together through a pluggable store.
//
// The Engine type ties the pieces together: an instance Manager with
// recovery from persistence, an event Bus with temporal scheduling, an
// Orchestrator for rule-based routing, and a background sweeper that
// enforces pause and state timeouts.
package flow

import (
	"regexp"
	"sort"
	"strings"
)

// Flow is an immutable, validated workflow: states, prioritized
// transitions, bound handlers, and workflow-level configuration. Build
// one with a Builder or decode a Definition. A Flow is safe for
// concurrent use; running instances hold a reference to the Flow they
// started under, so swapping a registered workflow never disturbs
// in-flight steps.
type Flow struct {
	name        string
	config      Config
	states      map[string]*StateDefinition
	order       []string
	transitions map[string][]Transition
	handlers    map[string]Handler
	initialID   string
	meta        map[string]any
}

// Matches instance ids like "review_completed", "failed", "export_error".
var terminalIDPattern = regexp.MustCompile(`(?:^|_)(success|completed|failed|error)$`)

// Name returns the workflow name.
func (f *Flow) Name() string {
	return f.name
}

// Config returns the workflow-level configuration.
func (f *Flow) Config() Config {
	return f.config
}

// State returns the definition for the given state id, or nil when the
// id is unknown. The returned definition is shared; callers must treat
// it as read-only.
func (f *Flow) State(id string) *StateDefinition {
	return f.states[id]
}

// States returns all state definitions in declaration order.
func (f *Flow) States() []*StateDefinition {
	out := make([]*StateDefinition, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.states[id])
	}
	return out
}

// InitialState returns the workflow's entry state.
func (f *Flow) InitialState() *StateDefinition {
	return f.states[f.initialID]
}

// TransitionsFrom returns the transitions leaving a state, ordered by
// descending priority with declaration order breaking ties.
func (f *Flow) TransitionsFrom(id string) []Transition {
	return f.transitions[id]
}

// Handler returns the handler bound to a state, if any.
func (f *Flow) Handler(stateID string) (Handler, bool) {
	h, ok := f.handlers[stateID]
	return h, ok
}

// IsTerminal reports whether the given state ends the workflow. Final
// and error states are terminal; with Config.TerminalIDHeuristic set,
// ids ending in "success", "completed", "failed", or "error" count too.
func (f *Flow) IsTerminal(id string) bool {
	if def, ok := f.states[id]; ok && def.IsTerminal() {
		return true
	}
	if f.config.TerminalIDHeuristic {
		return terminalIDPattern.MatchString(strings.ToLower(id))
	}
	return false
}

// EffectiveTimeout resolves the dwell limit in seconds for a state:
// the state's own timeout when set, otherwise the workflow default.
// Returns 0 for no timeout and -1 for an explicitly unlimited stay.
func (f *Flow) EffectiveTimeout(id string) int64 {
	def, ok := f.states[id]
	if !ok {
		return 0
	}
	if def.Timeout != nil {
		return *def.Timeout
	}
	return f.config.DefaultTimeout
}

// EffectivePauseable resolves whether a state may pause, falling back
// to the workflow default when the state does not override it.
func (f *Flow) EffectivePauseable(id string) bool {
	def, ok := f.states[id]
	if !ok {
		return f.config.Pauseable
	}
	if def.Pauseable != nil {
		return *def.Pauseable
	}
	return f.config.Pauseable
}

// Meta returns a workflow metadata value carried over from a decoded
// definition document.
func (f *Flow) Meta(key string) (any, bool) {
	v, ok := f.meta[key]
	return v, ok
}

// sortTransitions orders a transition list by descending priority,
// keeping declaration order for equal priorities.
func sortTransitions(ts []Transition) {
	sort.SliceStable(ts, func(i, j int) bool {
		return ts[i].Priority > ts[j].Priority
	})
}
