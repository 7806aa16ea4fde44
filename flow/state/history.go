package state

import "time"

// HistoryEntry records one state transition of an instance. Entries are
// append-only; the store returns them in ascending timestamp order.
type HistoryEntry struct {
	// ContextID identifies the instance that transitioned.
	ContextID string `json:"contextId"`

	// FromStateID is empty for the transition into the initial state.
	FromStateID string `json:"fromStateId,omitempty"`

	ToStateID string `json:"toStateId"`

	// EventID is empty for forced transitions (admin, timeout).
	EventID string `json:"eventId,omitempty"`

	// Reason annotates forced transitions ("timeout", "admin", ...).
	Reason string `json:"reason,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
