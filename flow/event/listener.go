package event

import "context"

// Listener consumes events delivered by the Bus.
//
// OnEvent runs on a bus worker goroutine under the configured delivery
// timeout; implementations should honor ctx cancellation. OnError receives
// delivery failures (handler errors, timeouts) and must not block.
type Listener interface {
	OnEvent(ctx context.Context, ev Event) error
	OnError(ev Event, err error)
}

// ListenerFunc adapts a plain function to the Listener interface.
// Delivery errors are counted by the bus but otherwise dropped.
type ListenerFunc func(ctx context.Context, ev Event) error

// OnEvent calls f.
func (f ListenerFunc) OnEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// OnError is a no-op.
func (f ListenerFunc) OnError(Event, error) {}
