package flow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// Handler is the business-logic unit attached to a state. Run receives a
// read-only view of the instance context and the triggering event and
// reports success or failure with optional data. Returned data is merged
// into the instance's local state by the executor on success; handlers
// must not mutate the context they receive.
//
// Handlers must be safe for concurrent use: parallel states run the same
// handler on several branch contexts at once.
type Handler interface {
	Run(ctx context.Context, sc *state.Context, ev event.Event) state.StepResult
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, sc *state.Context, ev event.Event) state.StepResult

// Run implements Handler.
func (f HandlerFunc) Run(ctx context.Context, sc *state.Context, ev event.Event) state.StepResult {
	return f(ctx, sc, ev)
}

// ErrNilHandler is returned when registering a nil handler.
var ErrNilHandler = errors.New("handler cannot be nil")

// ErrEmptyHandlerName is returned when registering under an empty name.
var ErrEmptyHandlerName = errors.New("handler name cannot be empty")

// Registry maps function names to handlers so document-form workflows
// can bind states to code. Registration takes a coarse lock and swaps a
// fresh map; Resolve reads the current snapshot without locking, so
// lookups on the hot path never contend with registration.
type Registry struct {
	mu       sync.Mutex
	handlers atomic.Pointer[map[string]Handler]
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]Handler{}
	r.handlers.Store(&empty)
	return r
}

// Register binds a handler to a function name, replacing any previous
// binding under the same name.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return ErrEmptyHandlerName
	}
	if h == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.handlers.Load()
	next := make(map[string]Handler, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[name] = h
	r.handlers.Store(&next)
	return nil
}

// RegisterFunc binds a plain function to a function name.
func (r *Registry) RegisterFunc(name string, fn HandlerFunc) error {
	if fn == nil {
		return ErrNilHandler
	}
	return r.Register(name, fn)
}

// Resolve looks up a handler by name.
func (r *Registry) Resolve(name string) (Handler, bool) {
	h, ok := (*r.handlers.Load())[name]
	return h, ok
}

// Names returns the registered function names in sorted order.
func (r *Registry) Names() []string {
	cur := *r.handlers.Load()
	names := make([]string, 0, len(cur))
	for k := range cur {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
