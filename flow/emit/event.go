package emit

// Event is one observability record from the engine: a step applied, a
// transition taken, an instance paused or resumed, a timeout fired.
type Event struct {
	// InstanceID identifies the workflow instance the event belongs to.
	// Empty for engine-level events (startup, shutdown, sweeps).
	InstanceID string

	// WorkflowID names the workflow definition in play, when known.
	WorkflowID string

	// StateID is the state the engine was acting on, when applicable.
	StateID string

	// EventID references the workflow event that drove the action, when
	// one did; forced transitions and sweeps leave it empty.
	EventID string

	// Msg is a short machine-stable label ("step_applied",
	// "transition", "instance_paused", "timeout_fired", ...).
	Msg string

	// Meta carries event-specific details. Common keys: "from", "to",
	// "duration_ms", "error", "reason", "branch".
	Meta map[string]any
}
