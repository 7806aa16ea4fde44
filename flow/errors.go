package flow

import "errors"

// ErrInstanceNotFound indicates the instance exists neither in memory nor
// in the persistence adapter.
var ErrInstanceNotFound = errors.New("instance not found")

// ErrInstanceExists is returned by Start when the instance id is already
// in use.
var ErrInstanceExists = errors.New("instance already exists")

// ErrUnknownWorkflow indicates the workflow id is not registered.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// ErrStateNotFound indicates a referenced state id does not exist in the
// workflow at runtime (force transitions, orchestrator rule targets).
var ErrStateNotFound = errors.New("state not found in workflow")

// ErrNoBranchMatched is carried in the step result when a conditional
// state finds no branch whose condition holds.
var ErrNoBranchMatched = errors.New("no branch condition matched")

// ErrNoApplicableTransition is the orchestrator's soft failure: rules
// exist for the (state, event) pair but none of their guards passed. The
// instance is left untouched.
var ErrNoApplicableTransition = errors.New("no applicable transition")

// ErrMaxStepsExceeded indicates RunUntilComplete hit its step limit
// without reaching a terminal or paused state.
var ErrMaxStepsExceeded = errors.New("run exceeded maximum steps limit")

// ErrEngineClosed is returned by engine operations after Close.
var ErrEngineClosed = errors.New("engine closed")

// ErrInvalidRetryPolicy indicates a retry policy violating its
// constraints (MaxAttempts >= 1, MaxDelay >= BaseDelay).
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// Machine-readable codes carried by ConfigError and ExecutionError.
const (
	CodeUnknownState          = "UNKNOWN_STATE"
	CodeDuplicateState        = "DUPLICATE_STATE"
	CodeNoInitialState        = "NO_INITIAL_STATE"
	CodeDuplicateInitialState = "DUPLICATE_INITIAL_STATE"
	CodeInvalidTimeout        = "INVALID_TIMEOUT"
	CodeInvalidTimeoutAction  = "INVALID_TIMEOUT_ACTION"
	CodeMissingBranchConfig   = "MISSING_BRANCH_CONFIG"
	CodeMissingParallelConfig = "MISSING_PARALLEL_CONFIG"
	CodeInvalidWaitCount      = "INVALID_WAIT_COUNT"
	CodeInvalidRetryPolicy    = "INVALID_RETRY_POLICY"
	CodeInvalidDefinition     = "INVALID_DEFINITION"
	CodeUnknownFunction       = "UNKNOWN_FUNCTION"
	CodeInvalidMode           = "INVALID_EXECUTION_MODE"
	CodeContextCopy           = "CONTEXT_COPY_FAILED"
)

// ConfigError reports a malformed workflow at Build or definition-decode
// time: unresolved state references, missing initial state, invalid
// timeouts, empty branch lists.
type ConfigError struct {
	// Message is the human-readable description.
	Message string

	// Code is a machine-readable code for programmatic handling.
	Code string
}

func (e *ConfigError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ExecutionError reports an executor invariant violation: an unknown
// current state, a broken parallel configuration at runtime, a failed
// context copy. It aborts the step without updating the instance;
// handler failures never become ExecutionErrors, they travel in the
// step result instead.
type ExecutionError struct {
	Message string
	Code    string

	// StateID identifies the state the executor was working on.
	StateID string

	// Cause is the underlying error, when one exists.
	Cause error
}

func (e *ExecutionError) Error() string {
	msg := e.Message
	if e.StateID != "" {
		msg = "state " + e.StateID + ": " + msg
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is / errors.As.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}
