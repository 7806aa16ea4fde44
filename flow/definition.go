package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// DefaultEventNamespace is assumed when a definition document names an
// event type without a namespace.
const DefaultEventNamespace = "flow"

// Definition is the document form of a workflow, decodable from JSON or
// YAML. Conditions appear as strings in a small expression vocabulary;
// handler code is bound through a Registry when the definition is
// compiled into a Flow.
type Definition struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string          `json:"version,omitempty" yaml:"version,omitempty"`
	Author      string          `json:"author,omitempty" yaml:"author,omitempty"`
	Config      *ConfigDoc      `json:"config,omitempty" yaml:"config,omitempty"`
	States      []StateDoc      `json:"states" yaml:"states"`
	Transitions []TransitionDoc `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Functions   []FunctionDoc   `json:"functions,omitempty" yaml:"functions,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ConfigDoc mirrors Config in document form.
type ConfigDoc struct {
	Pauseable           bool  `json:"pauseable,omitempty" yaml:"pauseable,omitempty"`
	DefaultTimeout      int64 `json:"defaultTimeout,omitempty" yaml:"defaultTimeout,omitempty"`
	AutoResume          bool  `json:"autoResume,omitempty" yaml:"autoResume,omitempty"`
	TerminalIDHeuristic bool  `json:"terminalIdHeuristic,omitempty" yaml:"terminalIdHeuristic,omitempty"`
}

// StateDoc describes one state in document form. Type may be given as
// the type string or through the isInitial/isFinal/isError flags; the
// string wins when both appear.
type StateDoc struct {
	ID            string            `json:"id" yaml:"id"`
	Name          string            `json:"name,omitempty" yaml:"name,omitempty"`
	Type          string            `json:"type,omitempty" yaml:"type,omitempty"`
	IsInitial     bool              `json:"isInitial,omitempty" yaml:"isInitial,omitempty"`
	IsFinal       bool              `json:"isFinal,omitempty" yaml:"isFinal,omitempty"`
	IsError       bool              `json:"isError,omitempty" yaml:"isError,omitempty"`
	ParentID      string            `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Pauseable     *bool             `json:"pauseable,omitempty" yaml:"pauseable,omitempty"`
	Timeout       *int64            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	PauseOnEnter  bool              `json:"pauseOnEnter,omitempty" yaml:"pauseOnEnter,omitempty"`
	TimeoutAction *TimeoutActionDoc `json:"timeoutAction,omitempty" yaml:"timeoutAction,omitempty"`
	ExecutionMode string            `json:"executionMode,omitempty" yaml:"executionMode,omitempty"`
	Branches      []BranchDoc       `json:"branchConfig,omitempty" yaml:"branchConfig,omitempty"`
	Parallel      *ParallelDoc      `json:"parallelConfig,omitempty" yaml:"parallelConfig,omitempty"`
}

// TimeoutActionDoc describes a timeout action in document form.
type TimeoutActionDoc struct {
	Type        string `json:"type" yaml:"type"`
	TargetState string `json:"targetState,omitempty" yaml:"targetState,omitempty"`
	EventType   string `json:"eventType,omitempty" yaml:"eventType,omitempty"`
	EventName   string `json:"eventName,omitempty" yaml:"eventName,omitempty"`
}

// BranchDoc describes one conditional branch in document form.
type BranchDoc struct {
	Name      string `json:"name" yaml:"name"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Priority  int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// ParallelDoc describes a parallel configuration in document form.
type ParallelDoc struct {
	Branches       []ParallelBranchDoc `json:"branches" yaml:"branches"`
	WaitStrategy   string              `json:"waitStrategy,omitempty" yaml:"waitStrategy,omitempty"`
	Count          int                 `json:"count,omitempty" yaml:"count,omitempty"`
	TimeoutSeconds int64               `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	ErrorStrategy  string              `json:"errorStrategy,omitempty" yaml:"errorStrategy,omitempty"`
}

// ParallelBranchDoc describes one parallel branch in document form.
type ParallelBranchDoc struct {
	ID     string `json:"id" yaml:"id"`
	Target string `json:"target" yaml:"target"`
}

// TransitionDoc describes a transition in document form.
type TransitionDoc struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Priority  int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// FunctionDoc binds a state to a named handler from the Registry.
// ClassName is advisory and ignored.
type FunctionDoc struct {
	StateID      string `json:"stateId" yaml:"stateId"`
	FunctionName string `json:"functionName" yaml:"functionName"`
	ClassName    string `json:"className,omitempty" yaml:"className,omitempty"`
}

// DecodeDefinition parses a workflow document. Input starting with "{"
// is treated as JSON, anything else as YAML.
func DecodeDefinition(data []byte) (*Definition, error) {
	var d Definition
	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, &ConfigError{Message: fmt.Sprintf("decode json definition: %v", err), Code: CodeInvalidDefinition}
		}
	} else {
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, &ConfigError{Message: fmt.Sprintf("decode yaml definition: %v", err), Code: CodeInvalidDefinition}
		}
	}
	if d.Name == "" {
		return nil, &ConfigError{Message: "definition has no name", Code: CodeInvalidDefinition}
	}
	if len(d.States) == 0 {
		return nil, &ConfigError{Message: "definition has no states", Code: CodeInvalidDefinition}
	}
	return &d, nil
}

// Flow compiles the definition into an immutable workflow, resolving
// function bindings through the registry. A nil registry is allowed for
// definitions without functions.
func (d *Definition) Flow(reg *Registry) (*Flow, error) {
	b := NewBuilder(d.Name)
	if d.Config != nil {
		b.Config(Config{
			Pauseable:           d.Config.Pauseable,
			DefaultTimeout:      d.Config.DefaultTimeout,
			AutoResume:          d.Config.AutoResume,
			TerminalIDHeuristic: d.Config.TerminalIDHeuristic,
		})
	}
	if d.Description != "" {
		b.Meta("description", d.Description)
	}
	if d.Version != "" {
		b.Meta("version", d.Version)
	}
	if d.Author != "" {
		b.Meta("author", d.Author)
	}
	for k, v := range d.Metadata {
		b.Meta(k, v)
	}

	for _, sd := range d.States {
		def, err := sd.definition()
		if err != nil {
			return nil, err
		}
		b.addState(def)
	}

	for _, td := range d.Transitions {
		cond, err := parseResultCondition(td.Condition)
		if err != nil {
			return nil, &ConfigError{
				Message: fmt.Sprintf("transition %s -> %s: %v", td.From, td.To, err),
				Code:    CodeInvalidDefinition,
			}
		}
		b.Transition(td.From, td.To, cond, td.Priority)
	}

	for _, fd := range d.Functions {
		if reg == nil {
			return nil, &ConfigError{
				Message: fmt.Sprintf("function %q for state %q: no registry provided", fd.FunctionName, fd.StateID),
				Code:    CodeUnknownFunction,
			}
		}
		h, ok := reg.Resolve(fd.FunctionName)
		if !ok {
			return nil, &ConfigError{
				Message: fmt.Sprintf("function %q for state %q is not registered", fd.FunctionName, fd.StateID),
				Code:    CodeUnknownFunction,
			}
		}
		b.Bind(fd.StateID, h)
	}

	return b.Build()
}

func (sd StateDoc) definition() (*StateDefinition, error) {
	def := &StateDefinition{ID: sd.ID, Name: sd.Name, ParentID: sd.ParentID}

	switch strings.ToLower(sd.Type) {
	case "":
		switch {
		case sd.IsInitial:
			def.Type = StateInitial
		case sd.IsFinal:
			def.Type = StateFinal
		case sd.IsError:
			def.Type = StateError
		default:
			def.Type = StateNormal
		}
	case "initial":
		def.Type = StateInitial
	case "normal":
		def.Type = StateNormal
	case "final":
		def.Type = StateFinal
	case "error":
		def.Type = StateError
	default:
		return nil, &ConfigError{
			Message: fmt.Sprintf("state %q has unknown type %q", sd.ID, sd.Type),
			Code:    CodeInvalidDefinition,
		}
	}

	def.Pauseable = sd.Pauseable
	def.Timeout = sd.Timeout
	def.PauseOnEnter = sd.PauseOnEnter

	if sd.TimeoutAction != nil {
		ta, err := sd.TimeoutAction.action(sd.ID)
		if err != nil {
			return nil, err
		}
		def.TimeoutAction = ta
	}

	switch strings.ToLower(sd.ExecutionMode) {
	case "", "sequential":
		def.Mode = Sequential
	case "conditional":
		def.Mode = Conditional
	case "parallel":
		def.Mode = Parallel
	case "join":
		def.Mode = Join
	default:
		return nil, &ConfigError{
			Message: fmt.Sprintf("state %q has unknown execution mode %q", sd.ID, sd.ExecutionMode),
			Code:    CodeInvalidDefinition,
		}
	}

	for _, bd := range sd.Branches {
		pred, err := parseBranchCondition(bd.Condition)
		if err != nil {
			return nil, &ConfigError{
				Message: fmt.Sprintf("branch %q of state %q: %v", bd.Name, sd.ID, err),
				Code:    CodeInvalidDefinition,
			}
		}
		def.Branches = append(def.Branches, Branch{
			Name:     bd.Name,
			Target:   bd.Target,
			Priority: bd.Priority,
			When:     pred,
		})
	}

	if sd.Parallel != nil {
		pc, err := sd.Parallel.config(sd.ID)
		if err != nil {
			return nil, err
		}
		def.Parallel = pc
	}

	return def, nil
}

func (ta TimeoutActionDoc) action(stateID string) (*TimeoutAction, error) {
	switch strings.ToLower(ta.Type) {
	case "transition":
		return &TimeoutAction{Kind: TimeoutTransition, TargetState: ta.TargetState}, nil
	case "event":
		return &TimeoutAction{
			Kind:      TimeoutEvent,
			EventType: parseTypeKey(ta.EventType),
			EventName: ta.EventName,
		}, nil
	default:
		return nil, &ConfigError{
			Message: fmt.Sprintf("state %q has unknown timeout action type %q", stateID, ta.Type),
			Code:    CodeInvalidTimeoutAction,
		}
	}
}

func (pd ParallelDoc) config(stateID string) (*ParallelConfig, error) {
	pc := &ParallelConfig{Count: pd.Count}
	for _, bd := range pd.Branches {
		pc.Branches = append(pc.Branches, ParallelBranch{ID: bd.ID, Target: bd.Target})
	}
	pc.Timeout = secondsToDuration(pd.TimeoutSeconds)

	switch strings.ToLower(pd.WaitStrategy) {
	case "", "all":
		pc.Wait = WaitAll
	case "any":
		pc.Wait = WaitAny
	case "count", "n_count":
		pc.Wait = WaitCount
	default:
		return nil, &ConfigError{
			Message: fmt.Sprintf("state %q has unknown wait strategy %q", stateID, pd.WaitStrategy),
			Code:    CodeInvalidDefinition,
		}
	}

	switch strings.ToLower(pd.ErrorStrategy) {
	case "", "fail_all":
		pc.OnError = FailAll
	case "ignore_failures":
		pc.OnError = IgnoreFailures
	case "tolerate_failures":
		pc.OnError = TolerateFailures
	default:
		return nil, &ConfigError{
			Message: fmt.Sprintf("state %q has unknown error strategy %q", stateID, pd.ErrorStrategy),
			Code:    CodeInvalidDefinition,
		}
	}

	return pc, nil
}

// parseTypeKey resolves "namespace/name" into an event type, assuming
// DefaultEventNamespace for bare names.
func parseTypeKey(key string) event.Type {
	if ns, name, ok := strings.Cut(key, "/"); ok {
		return event.NewType(ns, name)
	}
	return event.NewType(DefaultEventNamespace, key)
}

// Condition vocabulary for document-form workflows.
//
// Transition conditions evaluate the step result:
//
//	success
//	failure
//	data.KEY exists
//	data.KEY == "VALUE"
//	data.KEY != "VALUE"
//
// Branch conditions evaluate the merged context and the triggering
// event:
//
//	always
//	local.KEY exists | local.KEY == "VALUE" | local.KEY != "VALUE"
//	global.KEY ...
//	payload.KEY ...
//
// Comparisons stringify the looked-up value, so numbers and booleans
// compare against their textual form.

func parseResultCondition(expr string) (Condition, error) {
	toks, err := tokenizeCondition(expr)
	if err != nil {
		return Condition{}, err
	}
	switch len(toks) {
	case 0:
		return OnSuccess(), nil
	case 1:
		switch strings.ToLower(toks[0]) {
		case "success":
			return OnSuccess(), nil
		case "failure":
			return OnFailure(), nil
		}
		return Condition{}, fmt.Errorf("unknown condition %q", expr)
	case 2, 3:
		scope, key, err := parseSelector(toks[0])
		if err != nil {
			return Condition{}, err
		}
		if scope != "data" {
			return Condition{}, fmt.Errorf("transition conditions only support the data scope, got %q", scope)
		}
		test, err := parseComparison(toks[1:])
		if err != nil {
			return Condition{}, err
		}
		cond := When(func(res state.StepResult) bool {
			v, ok := res.Value(key)
			return test(v, ok)
		})
		cond.label = expr
		return cond, nil
	default:
		return Condition{}, fmt.Errorf("malformed condition %q", expr)
	}
}

func parseBranchCondition(expr string) (BranchPredicate, error) {
	toks, err := tokenizeCondition(expr)
	if err != nil {
		return nil, err
	}
	switch len(toks) {
	case 0:
		return nil, nil
	case 1:
		if strings.EqualFold(toks[0], "always") {
			return nil, nil
		}
		return nil, fmt.Errorf("unknown condition %q", expr)
	case 2, 3:
		scope, key, err := parseSelector(toks[0])
		if err != nil {
			return nil, err
		}
		test, err := parseComparison(toks[1:])
		if err != nil {
			return nil, err
		}
		switch scope {
		case "local":
			return func(_ string, _ event.Event, sc *state.Context) bool {
				v, ok := sc.Local[key]
				return test(v, ok)
			}, nil
		case "global":
			return func(_ string, _ event.Event, sc *state.Context) bool {
				v, ok := sc.Global[key]
				return test(v, ok)
			}, nil
		case "payload":
			return func(_ string, ev event.Event, _ *state.Context) bool {
				v, ok := ev.PayloadValue(key)
				return test(v, ok)
			}, nil
		default:
			return nil, fmt.Errorf("branch conditions support local, global, and payload scopes, got %q", scope)
		}
	default:
		return nil, fmt.Errorf("malformed condition %q", expr)
	}
}

func parseSelector(tok string) (scope, key string, err error) {
	scope, key, ok := strings.Cut(tok, ".")
	if !ok || scope == "" || key == "" {
		return "", "", fmt.Errorf("malformed selector %q: want SCOPE.KEY", tok)
	}
	return scope, key, nil
}

// parseComparison turns ["exists"] or [op, literal] into a test over a
// looked-up value and its presence.
func parseComparison(toks []string) (func(v any, ok bool) bool, error) {
	if len(toks) == 1 {
		if strings.EqualFold(toks[0], "exists") {
			return func(_ any, ok bool) bool { return ok }, nil
		}
		return nil, fmt.Errorf("unknown operator %q", toks[0])
	}
	op, lit := toks[0], toks[1]
	switch op {
	case "==":
		return func(v any, ok bool) bool { return ok && fmt.Sprint(v) == lit }, nil
	case "!=":
		return func(v any, ok bool) bool { return !ok || fmt.Sprint(v) != lit }, nil
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
}

// tokenizeCondition splits on whitespace outside double quotes and
// strips the quotes from quoted literals.
func tokenizeCondition(expr string) ([]string, error) {
	var toks []string
	var cur strings.Builder
	inQuote := false
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range expr {
		switch {
		case r == '"':
			if inQuote {
				toks = append(toks, cur.String())
				cur.Reset()
				inQuote = false
			} else {
				inQuote = true
			}
		case (r == ' ' || r == '\t') && !inQuote:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", expr)
	}
	flush()
	return toks, nil
}
