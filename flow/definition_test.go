package flow

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

const orderDefinitionYAML = `
name: order-fulfilment
description: Order fulfilment pipeline
version: "2.1"
author: platform
config:
  pauseable: true
  defaultTimeout: 120
states:
  - id: created
    name: Created
    isInitial: true
  - id: route
    name: Route
    executionMode: conditional
    branchConfig:
      - name: express
        target: ship
        condition: local.tier == "gold"
        priority: 10
      - name: standard
        target: pack
        condition: always
  - id: pack
    name: Pack
    timeout: 30
    timeoutAction:
      type: transition
      targetState: failed
  - id: ship
    name: Ship
    pauseOnEnter: true
    timeoutAction:
      type: event
      eventType: order/stalled
      eventName: stalled
  - id: fanout
    name: Fanout
    executionMode: parallel
    parallelConfig:
      branches:
        - id: invoice
          target: pack
        - id: notify
          target: ship
      waitStrategy: any
      errorStrategy: ignore_failures
      timeoutSeconds: 5
  - id: done
    name: Done
    type: final
  - id: failed
    name: Failed
    isError: true
transitions:
  - from: created
    to: route
    condition: success
  - from: created
    to: failed
    condition: failure
  - from: pack
    to: done
    condition: data.packed exists
  - from: ship
    to: done
    condition: data.status != "lost"
functions:
  - stateId: pack
    functionName: packOrder
metadata:
  owner: fulfilment-team
`

func TestDecodeDefinitionYAML(t *testing.T) {
	d, err := DecodeDefinition([]byte(orderDefinitionYAML))
	if err != nil {
		t.Fatalf("DecodeDefinition failed: %v", err)
	}
	if d.Name != "order-fulfilment" {
		t.Errorf("Name = %q, want order-fulfilment", d.Name)
	}
	if len(d.States) != 7 {
		t.Errorf("States len = %d, want 7", len(d.States))
	}

	reg := NewRegistry()
	if err := reg.RegisterFunc("packOrder", okHandler(map[string]any{"packed": true})); err != nil {
		t.Fatalf("RegisterFunc failed: %v", err)
	}
	f, err := d.Flow(reg)
	if err != nil {
		t.Fatalf("Flow failed: %v", err)
	}

	if f.Name() != "order-fulfilment" {
		t.Errorf("flow name = %q, want order-fulfilment", f.Name())
	}
	if got := f.InitialState().ID; got != "created" {
		t.Errorf("initial = %q, want created", got)
	}
	if !f.Config().Pauseable || f.Config().DefaultTimeout != 120 {
		t.Errorf("config = %+v, want pauseable with default timeout 120", f.Config())
	}
	if v, _ := f.Meta("version"); v != "2.1" {
		t.Errorf("Meta(version) = %v, want 2.1", v)
	}
	if v, _ := f.Meta("owner"); v != "fulfilment-team" {
		t.Errorf("Meta(owner) = %v, want fulfilment-team", v)
	}

	route := f.State("route")
	if route == nil || route.Mode != Conditional {
		t.Fatalf("route = %+v, want conditional state", route)
	}
	if len(route.Branches) != 2 || route.Branches[0].Name != "express" || route.Branches[0].Priority != 10 {
		t.Errorf("route branches = %+v", route.Branches)
	}
	if route.Branches[1].When != nil {
		t.Error("always-branch should compile to a nil predicate")
	}
	gold := state.New("i", map[string]any{"tier": "gold"})
	if !route.Branches[0].When("route", event.Event{}, gold) {
		t.Error("express branch should match tier gold")
	}
	silver := state.New("i", map[string]any{"tier": "silver"})
	if route.Branches[0].When("route", event.Event{}, silver) {
		t.Error("express branch should not match tier silver")
	}

	pack := f.State("pack")
	if pack.Timeout == nil || *pack.Timeout != 30 {
		t.Errorf("pack timeout = %v, want 30", pack.Timeout)
	}
	if pack.TimeoutAction == nil || pack.TimeoutAction.Kind != TimeoutTransition || pack.TimeoutAction.TargetState != "failed" {
		t.Errorf("pack timeout action = %+v", pack.TimeoutAction)
	}
	if _, ok := f.Handler("pack"); !ok {
		t.Error("pack should have the registered handler bound")
	}

	ship := f.State("ship")
	if !ship.PauseOnEnter {
		t.Error("ship should pause on enter")
	}
	if ship.TimeoutAction == nil || ship.TimeoutAction.Kind != TimeoutEvent {
		t.Fatalf("ship timeout action = %+v", ship.TimeoutAction)
	}
	if got := ship.TimeoutAction.EventType; got.Namespace != "order" || got.Name != "stalled" {
		t.Errorf("ship timeout event type = %+v, want order/stalled", got)
	}

	fan := f.State("fanout")
	if fan.Mode != Parallel || fan.Parallel == nil {
		t.Fatalf("fanout = %+v, want parallel state", fan)
	}
	if fan.Parallel.Wait != WaitAny || fan.Parallel.OnError != IgnoreFailures {
		t.Errorf("fanout strategies = %v/%v, want ANY/IGNORE_FAILURES", fan.Parallel.Wait, fan.Parallel.OnError)
	}
	if fan.Parallel.Timeout != 5*time.Second {
		t.Errorf("fanout timeout = %v, want 5s", fan.Parallel.Timeout)
	}

	if f.State("failed").Type != StateError {
		t.Errorf("failed type = %v, want ERROR", f.State("failed").Type)
	}

	// Compiled transition conditions.
	created := f.TransitionsFrom("created")
	if len(created) != 2 {
		t.Fatalf("created transitions = %d, want 2", len(created))
	}
	if !created[0].Condition.Matches(state.OK(nil)) || created[0].To != "route" {
		t.Errorf("success transition = %+v", created[0])
	}
	if !created[1].Condition.Matches(state.Fail(errors.New("x"))) || created[1].To != "failed" {
		t.Errorf("failure transition = %+v", created[1])
	}

	packed := f.TransitionsFrom("pack")[0].Condition
	if !packed.Matches(state.OK(map[string]any{"packed": true})) {
		t.Error("data.packed exists should match when the key is present")
	}
	if packed.Matches(state.OK(nil)) {
		t.Error("data.packed exists should not match without the key")
	}

	status := f.TransitionsFrom("ship")[0].Condition
	if !status.Matches(state.OK(map[string]any{"status": "delivered"})) {
		t.Error("!= condition should match a different value")
	}
	if !status.Matches(state.OK(nil)) {
		t.Error("!= condition should match when the key is absent")
	}
	if status.Matches(state.OK(map[string]any{"status": "lost"})) {
		t.Error("!= condition should reject the excluded value")
	}
}

func TestDecodeDefinitionJSON(t *testing.T) {
	doc := `{
		"name": "compact",
		"states": [
			{"id": "start", "isInitial": true},
			{"id": "done", "isFinal": true}
		],
		"transitions": [{"from": "start", "to": "done"}]
	}`
	d, err := DecodeDefinition([]byte(doc))
	if err != nil {
		t.Fatalf("DecodeDefinition failed: %v", err)
	}
	f, err := d.Flow(nil)
	if err != nil {
		t.Fatalf("Flow failed: %v", err)
	}
	if f.InitialState().ID != "start" {
		t.Errorf("initial = %q, want start", f.InitialState().ID)
	}
	// Omitted conditions default to success.
	if !f.TransitionsFrom("start")[0].Condition.Matches(state.OK(nil)) {
		t.Error("default condition should match success")
	}
}

func TestDecodeDefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"MalformedYAML", "name: [unclosed"},
		{"MalformedJSON", `{"name": `},
		{"NoName", "states:\n  - id: a\n    isInitial: true"},
		{"NoStates", "name: empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeDefinition([]byte(tt.doc)); err == nil {
				t.Error("DecodeDefinition should fail")
			}
		})
	}
}

func TestDefinitionFlowErrors(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		reg      func() *Registry
		wantCode string
	}{
		{
			name: "UnknownStateType",
			doc: `
name: wf
states:
  - id: a
    type: weird
`,
			wantCode: CodeInvalidDefinition,
		},
		{
			name: "UnknownExecutionMode",
			doc: `
name: wf
states:
  - id: a
    isInitial: true
    executionMode: quantum
`,
			wantCode: CodeInvalidDefinition,
		},
		{
			name: "UnknownTimeoutActionType",
			doc: `
name: wf
states:
  - id: a
    isInitial: true
    timeoutAction:
      type: explode
`,
			wantCode: CodeInvalidTimeoutAction,
		},
		{
			name: "BadTransitionCondition",
			doc: `
name: wf
states:
  - id: a
    isInitial: true
  - id: b
    isFinal: true
transitions:
  - from: a
    to: b
    condition: local.x exists
`,
			wantCode: CodeInvalidDefinition,
		},
		{
			name: "BadBranchCondition",
			doc: `
name: wf
states:
  - id: a
    isInitial: true
    executionMode: conditional
    branchConfig:
      - name: x
        target: a
        condition: data.x exists
`,
			wantCode: CodeInvalidDefinition,
		},
		{
			name: "FunctionWithoutRegistry",
			doc: `
name: wf
states:
  - id: a
    isInitial: true
functions:
  - stateId: a
    functionName: missing
`,
			wantCode: CodeUnknownFunction,
		},
		{
			name: "UnregisteredFunction",
			doc: `
name: wf
states:
  - id: a
    isInitial: true
functions:
  - stateId: a
    functionName: missing
`,
			reg:      NewRegistry,
			wantCode: CodeUnknownFunction,
		},
		{
			name: "UnknownWaitStrategy",
			doc: `
name: wf
states:
  - id: a
    isInitial: true
    executionMode: parallel
    parallelConfig:
      branches:
        - id: b1
          target: a
      waitStrategy: most
`,
			wantCode: CodeInvalidDefinition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DecodeDefinition([]byte(tt.doc))
			if err != nil {
				t.Fatalf("DecodeDefinition failed: %v", err)
			}
			var reg *Registry
			if tt.reg != nil {
				reg = tt.reg()
			}
			_, err = d.Flow(reg)
			if err == nil {
				t.Fatal("Flow should fail")
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error %T is not a *ConfigError: %v", err, err)
			}
			if cfgErr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q (%v)", cfgErr.Code, tt.wantCode, err)
			}
		})
	}
}

func TestConditionTokenizer(t *testing.T) {
	t.Run("QuotedLiteralWithSpaces", func(t *testing.T) {
		cond, err := parseResultCondition(`data.status == "on hold"`)
		if err != nil {
			t.Fatalf("parseResultCondition failed: %v", err)
		}
		if !cond.Matches(state.OK(map[string]any{"status": "on hold"})) {
			t.Error("quoted literal with space should match")
		}
		if cond.Matches(state.OK(map[string]any{"status": "on"})) {
			t.Error("partial value should not match")
		}
	})

	t.Run("NumbersCompareTextually", func(t *testing.T) {
		cond, err := parseResultCondition(`data.retries == "3"`)
		if err != nil {
			t.Fatalf("parseResultCondition failed: %v", err)
		}
		if !cond.Matches(state.OK(map[string]any{"retries": 3})) {
			t.Error("numeric value should compare against its textual form")
		}
	})

	t.Run("UnterminatedQuote", func(t *testing.T) {
		if _, err := parseResultCondition(`data.x == "oops`); err == nil {
			t.Error("unterminated quote should fail")
		}
		if _, err := parseResultCondition(`data.x == "oops`); err == nil || !strings.Contains(err.Error(), "unterminated") {
			t.Error("error should name the unterminated quote")
		}
	})

	t.Run("PayloadScope", func(t *testing.T) {
		pred, err := parseBranchCondition(`payload.action == "approve"`)
		if err != nil {
			t.Fatalf("parseBranchCondition failed: %v", err)
		}
		ev := event.New(event.NewType("flow", "decision"), "decision").
			WithPayload(map[string]any{"action": "approve"})
		if !pred("s", ev, state.New("i", nil)) {
			t.Error("payload scope should read the event payload")
		}
	})

	t.Run("GlobalScope", func(t *testing.T) {
		pred, err := parseBranchCondition(`global.region exists`)
		if err != nil {
			t.Fatalf("parseBranchCondition failed: %v", err)
		}
		sc := state.New("i", nil).MergeGlobal(map[string]any{"region": "eu"})
		if !pred("s", event.Event{}, sc) {
			t.Error("global scope should read the global map")
		}
		if pred("s", event.Event{}, state.New("i", nil)) {
			t.Error("global scope should miss on an empty map")
		}
	})
}
