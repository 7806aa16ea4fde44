// Package emit carries engine observability out to pluggable backends:
// writer-based logs, zap, OpenTelemetry spans, or an in-memory buffer for
// inspection in tests and dashboards.
package emit

// Emitter receives observability events from the engine.
//
// Implementations must be safe for concurrent use and must not block or
// panic: a slow or failing backend should never stall a workflow step.
// Emit has no error return; delivery problems are the emitter's own
// concern.
type Emitter interface {
	Emit(event Event)
}

// Multi fans every event out to several emitters in order.
func Multi(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
