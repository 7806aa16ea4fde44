package event

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSchedulerStopped is returned by Submit after Stop has been called.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// ErrNotSchedulable is returned when a synchronous event is submitted;
// synchronous events are the caller's to process inline.
var ErrNotSchedulable = errors.New("synchronous events are processed inline")

// timerEntry is a pending delivery ordered by due time. seq breaks ties
// so simultaneous entries fire in submission order.
type timerEntry struct {
	due   time.Time
	seq   uint64
	sched Scheduled
}

// timerHeap implements heap.Interface ordered by due time (earliest first).
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *timerHeap) Push(x interface{}) {
	*h = append(*h, x.(*timerEntry))
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Scheduler delivers deferred and periodic events onto a Bus at their due
// times. A single goroutine sleeps until the earliest pending entry, fires
// everything due, and re-enqueues periodic entries until their end time.
//
// Thread-safety: all methods are safe for concurrent use.
type Scheduler struct {
	bus *Bus

	mu      sync.Mutex
	heap    timerHeap
	seq     uint64
	started bool
	stopped bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// NewScheduler creates a stopped scheduler publishing onto bus.
func NewScheduler(bus *Bus) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		bus:    bus,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Start launches the timer goroutine. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.run()
}

// Stop halts delivery. Pending entries are dropped. Safe to call more
// than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Submit accepts a scheduled event. Asynchronous entries are published
// immediately; deferred and periodic entries are queued for their due
// time. Synchronous entries are rejected with ErrNotSchedulable.
func (s *Scheduler) Submit(ctx context.Context, sched Scheduled) error {
	if err := sched.Validate(); err != nil {
		return err
	}
	switch sched.Temporal {
	case Synchronous:
		return ErrNotSchedulable
	case Asynchronous:
		return s.bus.Publish(ctx, sched.Event)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	s.seq++
	entry := &timerEntry{
		due:   sched.firstDue(s.now()),
		seq:   s.seq,
		sched: sched,
	}
	heap.Push(&s.heap, entry)
	s.mu.Unlock()

	s.kick()
	return nil
}

// Pending returns the number of queued deliveries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// kick nudges the timer loop to re-read the earliest due time.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration = -1
		if len(s.heap) > 0 {
			wait = time.Until(s.heap[0].due)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		if wait < 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fire()
		}
	}
}

// fire publishes every entry that is due and re-enqueues periodic ones.
func (s *Scheduler) fire() {
	now := s.now()

	s.mu.Lock()
	var due []*timerEntry
	for len(s.heap) > 0 && !s.heap[0].due.After(now) {
		due = append(due, heap.Pop(&s.heap).(*timerEntry))
	}
	s.mu.Unlock()

	for _, entry := range due {
		if err := s.bus.Publish(s.ctx, entry.sched.Event); err != nil {
			// Bus stopped or scheduler canceled; drop the rest.
			return
		}
		if entry.sched.Temporal != Periodic {
			continue
		}
		entry.sched.LastRun = now
		next, ok := entry.sched.nextDue(entry.due, now)
		if !ok {
			continue
		}
		s.mu.Lock()
		if !s.stopped {
			s.seq++
			heap.Push(&s.heap, &timerEntry{due: next, seq: s.seq, sched: entry.sched})
		}
		s.mu.Unlock()
	}
}
