package emit

import "sync"

// BufferedEmitter retains events in memory, keyed by instance, for later
// inspection. Intended for tests, debugging, and lightweight dashboards;
// memory grows with event volume until Clear is called.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter narrows History queries. Zero-valued fields do not
// filter; set fields combine with AND.
type HistoryFilter struct {
	StateID string
	Msg     string
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event under its instance id.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
}

// History returns the stored events for an instance in emission order.
// The returned slice is a copy.
func (b *BufferedEmitter) History(instanceID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[instanceID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the stored events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(instanceID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.events[instanceID] {
		if filter.StateID != "" && ev.StateID != filter.StateID {
			continue
		}
		if filter.Msg != "" && ev.Msg != filter.Msg {
			continue
		}
		out = append(out, ev)
	}
	if out == nil {
		out = []Event{}
	}
	return out
}

// Count returns the number of stored events for an instance.
func (b *BufferedEmitter) Count(instanceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events[instanceID])
}

// Clear drops stored events for one instance, or for all instances when
// instanceID is empty.
func (b *BufferedEmitter) Clear(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if instanceID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, instanceID)
}
