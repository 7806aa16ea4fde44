package event

import (
	"fmt"
	"time"
)

// TemporalType classifies when an event should be delivered.
type TemporalType int

const (
	// Synchronous events are processed inline by the caller.
	Synchronous TemporalType = iota
	// Asynchronous events are published to the bus immediately and
	// processed by a background worker.
	Asynchronous
	// Deferred events are delivered once at a scheduled time.
	Deferred
	// Periodic events are re-delivered on a fixed period until an
	// optional end time passes.
	Periodic
)

func (t TemporalType) String() string {
	switch t {
	case Synchronous:
		return "SYNCHRONOUS"
	case Asynchronous:
		return "ASYNCHRONOUS"
	case Deferred:
		return "DEFERRED"
	case Periodic:
		return "PERIODIC"
	default:
		return fmt.Sprintf("TEMPORAL(%d)", int(t))
	}
}

// Scheduled wraps an Event with delivery timing. Deferred entries carry an
// absolute due time; periodic entries carry a period, an optional start
// time (zero means now), and an optional end cutoff.
type Scheduled struct {
	Event    Event
	Temporal TemporalType
	At       time.Time
	Period   time.Duration
	Start    time.Time
	End      *time.Time
	LastRun  time.Time
}

// Defer schedules ev for one-shot delivery at the given time.
func Defer(ev Event, at time.Time) Scheduled {
	return Scheduled{Event: ev, Temporal: Deferred, At: at}
}

// Every schedules ev for repeated delivery on the given period, starting
// at start (or immediately when start is the zero time).
func Every(ev Event, period time.Duration, start time.Time) Scheduled {
	return Scheduled{Event: ev, Temporal: Periodic, Period: period, Start: start}
}

// Async wraps ev for immediate background delivery.
func Async(ev Event) Scheduled {
	return Scheduled{Event: ev, Temporal: Asynchronous}
}

// WithEnd returns a copy of s that stops repeating after t.
func (s Scheduled) WithEnd(t time.Time) Scheduled {
	end := t
	s.End = &end
	return s
}

// Validate checks the timing fields against the temporal type.
func (s Scheduled) Validate() error {
	switch s.Temporal {
	case Deferred:
		if s.At.IsZero() {
			return fmt.Errorf("deferred event %s has no scheduled time", s.Event.ID)
		}
	case Periodic:
		if s.Period <= 0 {
			return fmt.Errorf("periodic event %s has non-positive period %s", s.Event.ID, s.Period)
		}
		if s.End != nil && !s.Start.IsZero() && s.End.Before(s.Start) {
			return fmt.Errorf("periodic event %s ends before it starts", s.Event.ID)
		}
	}
	return nil
}

// firstDue returns the first delivery time for s relative to now.
func (s Scheduled) firstDue(now time.Time) time.Time {
	switch s.Temporal {
	case Deferred:
		return s.At
	case Periodic:
		if s.Start.IsZero() || s.Start.Before(now) {
			return now
		}
		return s.Start
	default:
		return now
	}
}

// nextDue returns the delivery time after prev, advancing past now so a
// slow consumer skips missed occurrences instead of bursting. The second
// return is false when the schedule is exhausted.
func (s Scheduled) nextDue(prev, now time.Time) (time.Time, bool) {
	if s.Temporal != Periodic {
		return time.Time{}, false
	}
	next := prev.Add(s.Period)
	for !next.After(now) {
		next = next.Add(s.Period)
	}
	if s.End != nil && next.After(*s.End) {
		return time.Time{}, false
	}
	return next, true
}
