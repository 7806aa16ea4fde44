// Package state holds the per-instance execution context and the values
// derived from it: step results, state-history entries, and snapshots.
//
// A Context is treated as immutable once observed. Every update method
// returns a fresh *Context with the changed field replaced; the engine
// never mutates a context it has already handed out or persisted.
package state

import (
	"time"

	"github.com/stateflow-io/stateflow-go/flow/event"
)

// DefaultRecentEventLimit bounds Context.RecentEvents when no explicit
// limit is configured.
const DefaultRecentEventLimit = 100

// Reserved metadata keys. Keys starting with "_" belong to the engine;
// handlers should treat them as read-only.
const (
	// MetaWorkflowID records which workflow definition the instance runs.
	MetaWorkflowID = "workflowId"
	// MetaPausedAt is set (RFC 3339) when the instance enters a
	// pause-on-enter state. Its presence classifies the instance as paused.
	MetaPausedAt = "_pausedAt"
	// MetaPausedState is the id of the state the instance paused in.
	MetaPausedState = "_pausedState"
	// MetaPauseTimeout is the pause expiry in seconds; -1 disables it.
	MetaPauseTimeout = "_pauseTimeout"
	// MetaBranch tags the context copy a parallel branch executes with.
	MetaBranch = "_branch"
)

// Context is the durable environment of one workflow instance: its local
// and global key/value state, the most recent events applied to it, and
// engine metadata.
//
// Fields are exported for serialization; callers must not mutate them in
// place. Use the With*/Merge* methods, which return an updated copy.
type Context struct {
	ID             string         `json:"id"`
	CurrentStateID string         `json:"currentStateId"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastUpdatedAt  time.Time      `json:"lastUpdatedAt"`
	Local          map[string]any `json:"localState"`
	Global         map[string]any `json:"globalState"`
	RecentEvents   []event.Event  `json:"recentEvents,omitempty"`
	Metadata       map[string]any `json:"metadata"`
}

// New creates a context for a fresh instance. The initial data becomes the
// local state; global state and metadata start empty.
func New(id string, initial map[string]any) *Context {
	now := time.Now().UTC()
	return &Context{
		ID:            id,
		CreatedAt:     now,
		LastUpdatedAt: now,
		Local:         copyMap(initial),
		Global:        make(map[string]any),
		Metadata:      make(map[string]any),
	}
}

// Clone returns a copy of c with freshly allocated top-level maps and
// event slice. Values inside the maps are shared; use DeepCopy when full
// isolation is required (snapshots, parallel branches).
func (c *Context) Clone() *Context {
	out := *c
	out.Local = copyMap(c.Local)
	out.Global = copyMap(c.Global)
	out.Metadata = copyMap(c.Metadata)
	if c.RecentEvents != nil {
		out.RecentEvents = make([]event.Event, len(c.RecentEvents))
		copy(out.RecentEvents, c.RecentEvents)
	}
	return &out
}

// WithCurrentState returns a copy of c positioned at the given state.
func (c *Context) WithCurrentState(stateID string) *Context {
	out := c.Clone()
	out.CurrentStateID = stateID
	out.LastUpdatedAt = time.Now().UTC()
	return out
}

// MergeLocal returns a copy of c with data merged into the local state.
// Existing keys are overwritten; a nil or empty map is a no-op copy.
func (c *Context) MergeLocal(data map[string]any) *Context {
	out := c.Clone()
	for k, v := range data {
		out.Local[k] = v
	}
	out.LastUpdatedAt = time.Now().UTC()
	return out
}

// MergeGlobal returns a copy of c with data merged into the global state.
func (c *Context) MergeGlobal(data map[string]any) *Context {
	out := c.Clone()
	for k, v := range data {
		out.Global[k] = v
	}
	out.LastUpdatedAt = time.Now().UTC()
	return out
}

// WithMeta returns a copy of c with the metadata key set.
func (c *Context) WithMeta(key string, value any) *Context {
	out := c.Clone()
	out.Metadata[key] = value
	out.LastUpdatedAt = time.Now().UTC()
	return out
}

// WithoutMeta returns a copy of c with the given metadata keys removed.
func (c *Context) WithoutMeta(keys ...string) *Context {
	out := c.Clone()
	for _, k := range keys {
		delete(out.Metadata, k)
	}
	out.LastUpdatedAt = time.Now().UTC()
	return out
}

// WithEvent returns a copy of c with ev appended to RecentEvents, newest
// last. When the sequence exceeds limit the oldest entries are dropped.
// A non-positive limit selects DefaultRecentEventLimit.
func (c *Context) WithEvent(ev event.Event, limit int) *Context {
	if limit <= 0 {
		limit = DefaultRecentEventLimit
	}
	out := c.Clone()
	out.RecentEvents = append(out.RecentEvents, ev)
	if n := len(out.RecentEvents); n > limit {
		out.RecentEvents = out.RecentEvents[n-limit:]
	}
	out.LastUpdatedAt = time.Now().UTC()
	return out
}

// Touch returns a copy of c with a refreshed LastUpdatedAt.
func (c *Context) Touch() *Context {
	out := c.Clone()
	out.LastUpdatedAt = time.Now().UTC()
	return out
}

// LocalValue returns the local-state entry for key.
func (c *Context) LocalValue(key string) (any, bool) {
	v, ok := c.Local[key]
	return v, ok
}

// LocalString returns the local-state entry for key when it is a string.
func (c *Context) LocalString(key string) (string, bool) {
	s, ok := c.Local[key].(string)
	return s, ok
}

// LocalInt returns the local-state entry for key coerced to int64.
// JSON decoding yields float64 for numbers, so both forms are accepted.
func (c *Context) LocalInt(key string) (int64, bool) {
	return asInt(c.Local[key])
}

// LocalBool returns the local-state entry for key when it is a bool.
func (c *Context) LocalBool(key string) (bool, bool) {
	b, ok := c.Local[key].(bool)
	return b, ok
}

// LocalFloat returns the local-state entry for key coerced to float64.
func (c *Context) LocalFloat(key string) (float64, bool) {
	return asFloat(c.Local[key])
}

// GlobalValue returns the global-state entry for key.
func (c *Context) GlobalValue(key string) (any, bool) {
	v, ok := c.Global[key]
	return v, ok
}

// GlobalString returns the global-state entry for key when it is a string.
func (c *Context) GlobalString(key string) (string, bool) {
	s, ok := c.Global[key].(string)
	return s, ok
}

// Meta returns the metadata entry for key.
func (c *Context) Meta(key string) (any, bool) {
	v, ok := c.Metadata[key]
	return v, ok
}

// MetaString returns the metadata entry for key when it is a string.
func (c *Context) MetaString(key string) (string, bool) {
	s, ok := c.Metadata[key].(string)
	return s, ok
}

// MetaInt returns the metadata entry for key coerced to int64.
func (c *Context) MetaInt(key string) (int64, bool) {
	return asInt(c.Metadata[key])
}

// WorkflowID returns the workflow the instance is bound to, or "".
func (c *Context) WorkflowID() string {
	s, _ := c.MetaString(MetaWorkflowID)
	return s
}

// Paused reports whether the pause marker is present.
func (c *Context) Paused() bool {
	_, ok := c.Metadata[MetaPausedAt]
	return ok
}

// PausedAt returns the parsed pause timestamp when the instance is paused.
func (c *Context) PausedAt() (time.Time, bool) {
	s, ok := c.MetaString(MetaPausedAt)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
