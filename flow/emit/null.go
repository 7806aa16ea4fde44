package emit

// NullEmitter discards every event. Useful where observability is
// unwanted: benchmarks, or embedding the engine in a host that already
// observes it from outside.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
