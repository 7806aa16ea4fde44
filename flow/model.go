package flow

import (
	"time"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// StateType classifies a state within a workflow.
type StateType int

const (
	// StateNormal is an intermediate processing state.
	StateNormal StateType = iota

	// StateInitial is the entry state. A workflow has exactly one
	// top-level initial state.
	StateInitial

	// StateFinal is a successful terminal state.
	StateFinal

	// StateError is a failure terminal state.
	StateError
)

func (t StateType) String() string {
	switch t {
	case StateNormal:
		return "NORMAL"
	case StateInitial:
		return "INITIAL"
	case StateFinal:
		return "FINAL"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ExecutionMode selects how the executor treats a state when an event
// arrives while the instance sits in it.
type ExecutionMode int

const (
	// Sequential runs the state's handler and picks the next state from
	// declared transitions.
	Sequential ExecutionMode = iota

	// Conditional runs the handler, then routes through branch
	// conditions instead of transitions.
	Conditional

	// Parallel fans the step out across branch contexts and aggregates
	// the results per the state's ParallelConfig.
	Parallel

	// Join is a convergence point after a parallel fan-out. It executes
	// like Sequential over the merged context.
	Join
)

func (m ExecutionMode) String() string {
	switch m {
	case Sequential:
		return "SEQUENTIAL"
	case Conditional:
		return "CONDITIONAL"
	case Parallel:
		return "PARALLEL"
	case Join:
		return "JOIN"
	default:
		return "UNKNOWN"
	}
}

// WaitStrategy controls how many parallel branches must complete before
// the aggregate result forms.
type WaitStrategy int

const (
	// WaitAll waits for every branch.
	WaitAll WaitStrategy = iota

	// WaitAny takes the first branch to complete.
	WaitAny

	// WaitCount waits for the first Count branches in completion order.
	WaitCount
)

func (w WaitStrategy) String() string {
	switch w {
	case WaitAll:
		return "ALL"
	case WaitAny:
		return "ANY"
	case WaitCount:
		return "N_COUNT"
	default:
		return "UNKNOWN"
	}
}

// ErrorStrategy controls how branch failures shape the aggregate result
// of a parallel state.
type ErrorStrategy int

const (
	// FailAll fails the aggregate on the first branch failure and
	// cancels the remaining branches.
	FailAll ErrorStrategy = iota

	// IgnoreFailures succeeds when at least one awaited branch
	// succeeded, merging only successful branch data.
	IgnoreFailures

	// TolerateFailures waits out the strategy, reports per-branch
	// failures in the aggregate data, and succeeds only when every
	// awaited branch succeeded.
	TolerateFailures
)

func (s ErrorStrategy) String() string {
	switch s {
	case FailAll:
		return "FAIL_ALL"
	case IgnoreFailures:
		return "IGNORE_FAILURES"
	case TolerateFailures:
		return "TOLERATE_FAILURES"
	default:
		return "UNKNOWN"
	}
}

// TimeoutActionKind selects what the sweeper does when a state's
// timeout expires.
type TimeoutActionKind int

const (
	// TimeoutTransition forces the instance into a target state.
	TimeoutTransition TimeoutActionKind = iota

	// TimeoutEvent publishes a configured event instead of moving the
	// instance, letting declared transitions react to it.
	TimeoutEvent
)

func (k TimeoutActionKind) String() string {
	switch k {
	case TimeoutTransition:
		return "transition"
	case TimeoutEvent:
		return "event"
	default:
		return "unknown"
	}
}

// TimeoutAction describes the sweeper's reaction to an expired state
// timeout.
type TimeoutAction struct {
	Kind TimeoutActionKind

	// TargetState is the destination for TimeoutTransition.
	TargetState string

	// EventType and EventName describe the event published for
	// TimeoutEvent.
	EventType event.Type
	EventName string
}

// StateDefinition describes one state of a workflow.
type StateDefinition struct {
	ID   string
	Name string
	Type StateType

	// ParentID names an enclosing state for hierarchical grouping.
	// Grouping is organisational only; execution flattens the tree.
	ParentID string

	// Pauseable overrides the workflow-level pauseable flag when set.
	Pauseable *bool

	// Timeout is the state's dwell limit in seconds. Nil inherits the
	// workflow default, -1 disables the timeout, positive values bound
	// the stay.
	Timeout *int64

	// PauseOnEnter marks the instance paused whenever it enters this
	// state.
	PauseOnEnter bool

	// TimeoutAction runs when the timeout expires. Without one an
	// expired timeout has no effect.
	TimeoutAction *TimeoutAction

	Mode ExecutionMode

	// Branches configure a Conditional state.
	Branches []Branch

	// Parallel configures a Parallel state.
	Parallel *ParallelConfig

	// Retry wraps the state's handler in a retry policy.
	Retry *RetryPolicy
}

// IsTerminal reports whether the state is a final or error state.
func (d *StateDefinition) IsTerminal() bool {
	return d.Type == StateFinal || d.Type == StateError
}

// BranchPredicate evaluates a conditional branch against the current
// state, the triggering event, and the post-handler context.
type BranchPredicate func(stateID string, ev event.Event, sc *state.Context) bool

// Branch is one arm of a conditional state. A nil When always matches.
// Among matching branches the highest priority wins; ties resolve in
// declaration order.
type Branch struct {
	Name     string
	Target   string
	Priority int
	When     BranchPredicate
}

// ParallelBranch identifies one arm of a parallel fan-out. Target names
// the state whose handler runs on the branch context.
type ParallelBranch struct {
	ID     string
	Target string
}

// ParallelConfig shapes the fan-out of a parallel state.
type ParallelConfig struct {
	Branches []ParallelBranch

	Wait WaitStrategy

	// Count is the number of completions WaitCount waits for.
	Count int

	// Timeout bounds the whole fan-out. Zero means unbounded.
	Timeout time.Duration

	OnError ErrorStrategy
}

// secondsToDuration converts a non-negative seconds count into a
// duration, treating zero and negative values as "none".
func secondsToDuration(s int64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}

// Config carries workflow-level defaults.
type Config struct {
	// Pauseable is the default for states that do not override it.
	Pauseable bool

	// DefaultTimeout in seconds applies to states without their own
	// timeout. Zero means no default.
	DefaultTimeout int64

	// AutoResume asks the engine to run a sweep pass immediately on
	// startup so instances paused past their timeout recover without
	// waiting for the first tick.
	AutoResume bool

	// TerminalIDHeuristic additionally treats state ids ending in
	// "success", "completed", "failed", or "error" as terminal when
	// deciding whether a run is complete.
	TerminalIDHeuristic bool
}
