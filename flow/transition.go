package flow

import "github.com/stateflow-io/stateflow-go/flow/state"

// ResultPredicate evaluates a custom transition condition against the
// result of the step that just ran.
type ResultPredicate func(res state.StepResult) bool

type conditionKind int

const (
	condSuccess conditionKind = iota
	condFailure
	condCustom
)

// Condition decides whether a transition applies given a step result.
// Build one with OnSuccess, OnFailure, or When.
type Condition struct {
	kind  conditionKind
	pred  ResultPredicate
	label string
}

// OnSuccess matches when the step result reports success.
func OnSuccess() Condition {
	return Condition{kind: condSuccess, label: "success"}
}

// OnFailure matches when the step result reports failure.
func OnFailure() Condition {
	return Condition{kind: condFailure, label: "failure"}
}

// When matches according to an arbitrary predicate over the step result.
// A nil predicate never matches.
func When(pred ResultPredicate) Condition {
	return Condition{kind: condCustom, pred: pred, label: "custom"}
}

// Matches reports whether the condition holds for the given result.
func (c Condition) Matches(res state.StepResult) bool {
	switch c.kind {
	case condSuccess:
		return res.Success
	case condFailure:
		return !res.Success
	case condCustom:
		return c.pred != nil && c.pred(res)
	default:
		return false
	}
}

func (c Condition) String() string {
	return c.label
}

// Transition is a declared edge between two states. The executor
// considers the transitions leaving the current state in priority order
// (higher first, declaration order on ties) and follows the first whose
// condition matches the step result.
type Transition struct {
	From      string
	To        string
	Condition Condition
	Priority  int
}
