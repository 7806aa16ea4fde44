package state

// StepResult is the outcome of applying one event to an instance. Handler
// failures travel in Err as data, not as Go errors surfaced to the caller:
// the failure steers the workflow down its failure transitions.
type StepResult struct {
	// Success reports whether the step's handler (and, for parallel
	// states, the branch aggregate) completed without error.
	Success bool

	// Data is merged into the instance's local state when the step
	// succeeded. Failed steps leave local state untouched.
	Data map[string]any

	// Err carries the handler failure when Success is false.
	Err error
}

// OK builds a successful result carrying data.
func OK(data map[string]any) StepResult {
	return StepResult{Success: true, Data: data}
}

// Fail builds a failed result from err.
func Fail(err error) StepResult {
	return StepResult{Success: false, Err: err}
}

// FailureMessage returns the error text of a failed result, or "".
func (r StepResult) FailureMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Value returns the data entry for key.
func (r StepResult) Value(key string) (any, bool) {
	v, ok := r.Data[key]
	return v, ok
}

// WithValue returns a copy of r with the data key set.
func (r StepResult) WithValue(key string, value any) StepResult {
	data := make(map[string]any, len(r.Data)+1)
	for k, v := range r.Data {
		data[k] = v
	}
	data[key] = value
	r.Data = data
	return r
}
