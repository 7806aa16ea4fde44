package state

import "time"

// Snapshot is a durable point-in-time copy of a context. The embedded
// context is deep-copied at creation, so later instance activity never
// shows through a stored snapshot.
type Snapshot struct {
	SnapshotID  string         `json:"snapshotId"`
	ContextID   string         `json:"contextId"`
	Timestamp   time.Time      `json:"timestamp"`
	Description string         `json:"description,omitempty"`
	Context     *Context       `json:"context"`
	Meta        map[string]any `json:"meta,omitempty"`
}
