package flow

import (
	"fmt"

	"github.com/stateflow-io/stateflow-go/flow/event"
)

// Builder assembles a workflow incrementally and validates the whole
// graph at Build time. Builders are not safe for concurrent use; the
// Flow produced by Build is.
type Builder struct {
	name        string
	config      Config
	order       []string
	states      map[string]*StateDefinition
	duplicates  []string
	transitions []Transition
	bindings    map[string]Handler
	meta        map[string]any
}

// NewBuilder starts a workflow with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:     name,
		states:   map[string]*StateDefinition{},
		bindings: map[string]Handler{},
		meta:     map[string]any{},
	}
}

// Config sets the workflow-level configuration.
func (b *Builder) Config(cfg Config) *Builder {
	b.config = cfg
	return b
}

// StateOption customizes a state declaration.
type StateOption func(*StateDefinition)

// Parent places the state under an enclosing group state.
func Parent(id string) StateOption {
	return func(d *StateDefinition) { d.ParentID = id }
}

// Pauseable overrides the workflow-level pauseable flag for one state.
func Pauseable(v bool) StateOption {
	return func(d *StateDefinition) { d.Pauseable = &v }
}

// Timeout bounds the stay in a state, in seconds. Use -1 for an
// explicitly unlimited stay that ignores the workflow default.
func Timeout(seconds int64) StateOption {
	return func(d *StateDefinition) { d.Timeout = &seconds }
}

// PauseOnEnter marks the instance paused whenever it enters the state.
func PauseOnEnter() StateOption {
	return func(d *StateDefinition) { d.PauseOnEnter = true }
}

// OnTimeoutTransition forces the instance into target when the state's
// timeout expires.
func OnTimeoutTransition(target string) StateOption {
	return func(d *StateDefinition) {
		d.TimeoutAction = &TimeoutAction{Kind: TimeoutTransition, TargetState: target}
	}
}

// OnTimeoutEvent publishes the given event when the state's timeout
// expires, leaving the instance in place for declared transitions to
// react.
func OnTimeoutEvent(t event.Type, name string) StateOption {
	return func(d *StateDefinition) {
		d.TimeoutAction = &TimeoutAction{Kind: TimeoutEvent, EventType: t, EventName: name}
	}
}

// Retry wraps the state's handler in a retry policy.
func Retry(p RetryPolicy) StateOption {
	return func(d *StateDefinition) { d.Retry = &p }
}

// State declares a sequential state.
func (b *Builder) State(id, name string, typ StateType, opts ...StateOption) *Builder {
	def := &StateDefinition{ID: id, Name: name, Type: typ, Mode: Sequential}
	for _, opt := range opts {
		opt(def)
	}
	b.addState(def)
	return b
}

// Conditional declares a branching state. After its handler runs, the
// branch conditions are evaluated against the merged context and the
// matching branch's target becomes the next state.
func (b *Builder) Conditional(id, name string, branches ...Branch) *Builder {
	def := &StateDefinition{
		ID:       id,
		Name:     name,
		Type:     StateNormal,
		Mode:     Conditional,
		Branches: append([]Branch(nil), branches...),
	}
	b.addState(def)
	return b
}

// Parallel declares a fan-out state governed by cfg.
func (b *Builder) Parallel(id, name string, cfg ParallelConfig, opts ...StateOption) *Builder {
	c := cfg
	c.Branches = append([]ParallelBranch(nil), cfg.Branches...)
	def := &StateDefinition{ID: id, Name: name, Type: StateNormal, Mode: Parallel, Parallel: &c}
	for _, opt := range opts {
		opt(def)
	}
	b.addState(def)
	return b
}

// Join declares a convergence state for a preceding parallel fan-out.
func (b *Builder) Join(id, name string, opts ...StateOption) *Builder {
	def := &StateDefinition{ID: id, Name: name, Type: StateNormal, Mode: Join}
	for _, opt := range opts {
		opt(def)
	}
	b.addState(def)
	return b
}

func (b *Builder) addState(def *StateDefinition) {
	if _, exists := b.states[def.ID]; exists {
		b.duplicates = append(b.duplicates, def.ID)
		return
	}
	b.states[def.ID] = def
	b.order = append(b.order, def.ID)
}

// Transition declares an edge between two states. Higher priorities are
// considered first; declaration order breaks ties.
func (b *Builder) Transition(from, to string, c Condition, priority int) *Builder {
	b.transitions = append(b.transitions, Transition{From: from, To: to, Condition: c, Priority: priority})
	return b
}

// Bind attaches a handler to a state.
func (b *Builder) Bind(stateID string, h Handler) *Builder {
	b.bindings[stateID] = h
	return b
}

// BindFunc attaches a plain function to a state.
func (b *Builder) BindFunc(stateID string, fn HandlerFunc) *Builder {
	return b.Bind(stateID, fn)
}

// Meta records a workflow metadata value.
func (b *Builder) Meta(key string, v any) *Builder {
	b.meta[key] = v
	return b
}

// Build validates the assembled workflow and returns the immutable
// Flow. Validation covers duplicate and unresolved state references,
// the single top-level initial state rule, timeout ranges, timeout
// actions, branch and parallel configuration, and retry policies. The
// first violation found is returned as a *ConfigError.
func (b *Builder) Build() (*Flow, error) {
	if len(b.duplicates) > 0 {
		return nil, &ConfigError{
			Message: fmt.Sprintf("state %q declared more than once", b.duplicates[0]),
			Code:    CodeDuplicateState,
		}
	}
	if len(b.order) == 0 {
		return nil, &ConfigError{Message: "workflow has no states", Code: CodeNoInitialState}
	}

	initialID := ""
	for _, id := range b.order {
		def := b.states[id]
		if def.Type != StateInitial || def.ParentID != "" {
			continue
		}
		if initialID != "" {
			return nil, &ConfigError{
				Message: fmt.Sprintf("states %q and %q are both initial", initialID, id),
				Code:    CodeDuplicateInitialState,
			}
		}
		initialID = id
	}
	if initialID == "" {
		return nil, &ConfigError{Message: "workflow has no top-level initial state", Code: CodeNoInitialState}
	}

	for _, id := range b.order {
		if err := b.validateState(b.states[id]); err != nil {
			return nil, err
		}
	}

	for _, tr := range b.transitions {
		if _, ok := b.states[tr.From]; !ok {
			return nil, unknownStateErr("transition source", tr.From)
		}
		if _, ok := b.states[tr.To]; !ok {
			return nil, unknownStateErr("transition target", tr.To)
		}
	}

	for stateID, h := range b.bindings {
		if _, ok := b.states[stateID]; !ok {
			return nil, unknownStateErr("handler binding", stateID)
		}
		if h == nil {
			return nil, &ConfigError{
				Message: fmt.Sprintf("nil handler bound to state %q", stateID),
				Code:    CodeInvalidDefinition,
			}
		}
	}

	return b.assemble(initialID), nil
}

func (b *Builder) validateState(def *StateDefinition) error {
	if def.ID == "" {
		return &ConfigError{Message: "state id cannot be empty", Code: CodeInvalidDefinition}
	}
	if def.ParentID != "" {
		if _, ok := b.states[def.ParentID]; !ok {
			return unknownStateErr(fmt.Sprintf("parent of %q", def.ID), def.ParentID)
		}
	}
	if def.Timeout != nil {
		if t := *def.Timeout; t == 0 || t < -1 {
			return &ConfigError{
				Message: fmt.Sprintf("state %q has invalid timeout %d: use a positive value or -1", def.ID, t),
				Code:    CodeInvalidTimeout,
			}
		}
	}
	if err := b.validateTimeoutAction(def); err != nil {
		return err
	}

	switch def.Mode {
	case Conditional:
		if len(def.Branches) == 0 {
			return &ConfigError{
				Message: fmt.Sprintf("conditional state %q has no branches", def.ID),
				Code:    CodeMissingBranchConfig,
			}
		}
		for _, br := range def.Branches {
			if _, ok := b.states[br.Target]; !ok {
				return unknownStateErr(fmt.Sprintf("branch %q of %q", br.Name, def.ID), br.Target)
			}
		}
	case Parallel:
		if def.Parallel == nil || len(def.Parallel.Branches) == 0 {
			return &ConfigError{
				Message: fmt.Sprintf("parallel state %q has no branches", def.ID),
				Code:    CodeMissingParallelConfig,
			}
		}
		for _, br := range def.Parallel.Branches {
			if _, ok := b.states[br.Target]; !ok {
				return unknownStateErr(fmt.Sprintf("parallel branch %q of %q", br.ID, def.ID), br.Target)
			}
		}
		if def.Parallel.Wait == WaitCount {
			n := def.Parallel.Count
			if n < 1 || n > len(def.Parallel.Branches) {
				return &ConfigError{
					Message: fmt.Sprintf("parallel state %q waits for %d of %d branches", def.ID, n, len(def.Parallel.Branches)),
					Code:    CodeInvalidWaitCount,
				}
			}
		}
	}

	if def.Retry != nil {
		if err := def.Retry.Validate(); err != nil {
			return &ConfigError{
				Message: fmt.Sprintf("state %q: %v", def.ID, err),
				Code:    CodeInvalidRetryPolicy,
			}
		}
	}
	return nil
}

func (b *Builder) validateTimeoutAction(def *StateDefinition) error {
	ta := def.TimeoutAction
	if ta == nil {
		return nil
	}
	switch ta.Kind {
	case TimeoutTransition:
		if _, ok := b.states[ta.TargetState]; !ok {
			return &ConfigError{
				Message: fmt.Sprintf("timeout action of %q targets unknown state %q", def.ID, ta.TargetState),
				Code:    CodeInvalidTimeoutAction,
			}
		}
	case TimeoutEvent:
		if ta.EventType.Name == "" || ta.EventName == "" {
			return &ConfigError{
				Message: fmt.Sprintf("timeout action of %q is missing its event type or name", def.ID),
				Code:    CodeInvalidTimeoutAction,
			}
		}
	default:
		return &ConfigError{
			Message: fmt.Sprintf("timeout action of %q has unknown kind", def.ID),
			Code:    CodeInvalidTimeoutAction,
		}
	}
	return nil
}

func (b *Builder) assemble(initialID string) *Flow {
	f := &Flow{
		name:        b.name,
		config:      b.config,
		states:      make(map[string]*StateDefinition, len(b.states)),
		order:       append([]string(nil), b.order...),
		transitions: make(map[string][]Transition, len(b.states)),
		handlers:    make(map[string]Handler, len(b.bindings)),
		initialID:   initialID,
		meta:        make(map[string]any, len(b.meta)),
	}
	for id, def := range b.states {
		cp := *def
		cp.Branches = append([]Branch(nil), def.Branches...)
		if def.Parallel != nil {
			pc := *def.Parallel
			pc.Branches = append([]ParallelBranch(nil), def.Parallel.Branches...)
			cp.Parallel = &pc
		}
		if def.Retry != nil {
			rp := *def.Retry
			cp.Retry = &rp
		}
		f.states[id] = &cp
	}
	for _, tr := range b.transitions {
		f.transitions[tr.From] = append(f.transitions[tr.From], tr)
	}
	for from := range f.transitions {
		sortTransitions(f.transitions[from])
	}
	for id, h := range b.bindings {
		f.handlers[id] = h
	}
	for k, v := range b.meta {
		f.meta[k] = v
	}
	return f
}

func unknownStateErr(what, id string) *ConfigError {
	return &ConfigError{
		Message: fmt.Sprintf("%s references unknown state %q", what, id),
		Code:    CodeUnknownState,
	}
}
