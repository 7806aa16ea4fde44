package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrBusStopped is returned by Publish after Stop has been called.
var ErrBusStopped = errors.New("event bus stopped")

// ErrNilListener is returned when subscribing with a nil listener.
var ErrNilListener = errors.New("nil listener")

const (
	// DefaultMaxConcurrency is the number of delivery workers when
	// BusOptions does not specify one.
	DefaultMaxConcurrency = 8
	// DefaultQueueDepth is the publish queue capacity when BusOptions
	// does not specify one.
	DefaultQueueDepth = 1024
	// DefaultDeliveryTimeout bounds a single listener delivery.
	DefaultDeliveryTimeout = 5 * time.Second
)

// BusOptions configure a Bus. Zero values select the defaults above.
type BusOptions struct {
	// MaxConcurrency caps the number of concurrent delivery workers.
	MaxConcurrency int
	// QueueDepth is the size of the bounded publish queue. Publish
	// blocks while the queue is full.
	QueueDepth int
	// DeliveryTimeout bounds each listener invocation. A delivery that
	// exceeds it is abandoned and reported to the listener's OnError.
	DeliveryTimeout time.Duration
}

func (o BusOptions) withDefaults() BusOptions {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = DefaultDeliveryTimeout
	}
	return o
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	TotalPublished      int64
	TotalProcessed      int64
	ActiveSubscriptions int
	ErrorCount          int64
	AvgProcessingMs     float64
}

// Subscription is a handle returned by Subscribe, used to cancel
// delivery via Unsubscribe.
type Subscription struct {
	id       string
	topic    string
	listener Listener
	filters  []Filter
}

// ID returns the unique subscription id.
func (s *Subscription) ID() string { return s.id }

// Topic returns the routing key the subscription is bound to, or the
// empty string for subscribe-all.
func (s *Subscription) Topic() string { return s.topic }

// Bus delivers published events to matching subscribers through a bounded
// queue and a fixed pool of delivery workers. All methods are safe for
// concurrent use.
type Bus struct {
	opts BusOptions

	mu   sync.RWMutex
	subs map[string][]*Subscription
	all  []*Subscription

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	started bool
	stopped bool

	published atomic.Int64
	processed atomic.Int64
	errCount  atomic.Int64
	procNanos atomic.Int64
	inflight  atomic.Int64
}

// NewBus creates a stopped bus; call Start to launch the workers.
func NewBus(opts BusOptions) *Bus {
	opts = opts.withDefaults()
	return &Bus{
		opts:  opts,
		subs:  make(map[string][]*Subscription),
		queue: make(chan Event, opts.QueueDepth),
		done:  make(chan struct{}),
	}
}

// Start launches the delivery workers. Calling Start on a running bus is
// a no-op; a stopped bus cannot be restarted.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true
	for i := 0; i < b.opts.MaxConcurrency; i++ {
		b.wg.Add(1)
		go b.worker()
	}
}

// Stop closes intake, waits for in-flight deliveries to finish, and
// discards anything still queued. Safe to call more than once.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
}

// Publish enqueues ev for delivery. It blocks while the queue is full
// until space frees, ctx is canceled, or the bus stops.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return ErrBusStopped
	}
	select {
	case b.queue <- ev:
		b.published.Add(1)
		return nil
	case <-b.done:
		return ErrBusStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a listener for events whose type matches t.
// Additional filters narrow delivery further; all must admit the event.
func (b *Bus) Subscribe(t Type, l Listener, filters ...Filter) (*Subscription, error) {
	return b.subscribe(t.Key(), l, filters)
}

// SubscribeAll registers a listener for every published event, subject
// to the given filters.
func (b *Bus) SubscribeAll(l Listener, filters ...Filter) (*Subscription, error) {
	return b.subscribe("", l, filters)
}

func (b *Bus) subscribe(topic string, l Listener, filters []Filter) (*Subscription, error) {
	if l == nil {
		return nil, ErrNilListener
	}
	sub := &Subscription{
		id:       uuid.NewString(),
		topic:    topic,
		listener: l,
		filters:  filters,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, ErrBusStopped
	}
	if topic == "" {
		b.all = append(b.all, sub)
	} else {
		b.subs[topic] = append(b.subs[topic], sub)
	}
	return sub, nil
}

// Unsubscribe removes the subscription. It reports whether the
// subscription was found.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.topic == "" {
		for i, s := range b.all {
			if s.id == sub.id {
				b.all = append(b.all[:i], b.all[i+1:]...)
				return true
			}
		}
		return false
	}
	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(b.subs, sub.topic)
			} else {
				b.subs[sub.topic] = list
			}
			return true
		}
	}
	return false
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	active := len(b.all)
	for _, list := range b.subs {
		active += len(list)
	}
	b.mu.RUnlock()

	processed := b.processed.Load()
	var avg float64
	if processed > 0 {
		avg = float64(b.procNanos.Load()) / float64(processed) / float64(time.Millisecond)
	}
	return Stats{
		TotalPublished:      b.published.Load(),
		TotalProcessed:      processed,
		ActiveSubscriptions: active,
		ErrorCount:          b.errCount.Load(),
		AvgProcessingMs:     avg,
	}
}

// QueueDepth returns the number of events waiting for a worker.
func (b *Bus) QueueDepth() int { return len(b.queue) }

// InFlight returns the number of deliveries currently executing.
func (b *Bus) InFlight() int { return int(b.inflight.Load()) }

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.queue:
			b.deliver(ev)
		}
	}
}

// deliver fans an event out to matching subscribers. Subscribers run
// sequentially within the worker, so concurrent deliveries never exceed
// the worker count.
func (b *Bus) deliver(ev Event) {
	b.inflight.Add(1)
	start := time.Now()

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.all)+len(b.subs[ev.Type.Key()]))
	for _, sub := range b.subs[ev.Type.Key()] {
		if matches(sub.filters, ev) {
			targets = append(targets, sub)
		}
	}
	for _, sub := range b.all {
		if matches(sub.filters, ev) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.dispatch(sub, ev)
	}

	b.procNanos.Add(time.Since(start).Nanoseconds())
	b.processed.Add(1)
	b.inflight.Add(-1)
}

// dispatch runs one listener under the delivery timeout. The listener
// executes on its own goroutine so a stuck handler can be abandoned; the
// worker itself always moves on within the timeout.
func (b *Bus) dispatch(sub *Subscription, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.DeliveryTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("listener panic: %v", r)
			}
		}()
		errc <- sub.listener.OnEvent(ctx, ev)
	}()

	select {
	case err := <-errc:
		if err != nil {
			b.errCount.Add(1)
			sub.listener.OnError(ev, err)
		}
	case <-ctx.Done():
		b.errCount.Add(1)
		sub.listener.OnError(ev, fmt.Errorf("delivery timed out after %s: %w", b.opts.DeliveryTimeout, ctx.Err()))
	}
}
