// Package event defines the event model for stateflow: typed, prioritized
// payload-carrying events, the bus that delivers them to subscribers, and
// the scheduler that handles deferred and periodic delivery.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders events relative to one another. Higher priorities win
// when several transitions or branches compete for the same event.
type Priority int

const (
	Lowest Priority = iota
	Low
	Normal
	High
	Highest
)

// String returns the uppercase name used in logs and serialized documents.
func (p Priority) String() string {
	switch p {
	case Lowest:
		return "LOWEST"
	case Low:
		return "LOW"
	case Normal:
		return "NORMAL"
	case High:
		return "HIGH"
	case Highest:
		return "HIGHEST"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return p >= Lowest && p <= Highest
}

// Type identifies a class of events by namespace, name, and optional
// version. Two types match when namespace and name agree; version is
// informational and does not participate in routing.
type Type struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
}

// NewType creates an event type in the given namespace.
func NewType(namespace, name string) Type {
	return Type{Namespace: namespace, Name: name}
}

// WithVersion returns a copy of t carrying the given version string.
func (t Type) WithVersion(version string) Type {
	t.Version = version
	return t
}

// Key returns the routing key "namespace/name".
func (t Type) Key() string {
	return t.Namespace + "/" + t.Name
}

// Matches reports whether t and other share a namespace and name.
func (t Type) Matches(other Type) bool {
	return t.Namespace == other.Namespace && t.Name == other.Name
}

func (t Type) String() string {
	if t.Version == "" {
		return t.Key()
	}
	return t.Key() + "@" + t.Version
}

// Event is a single occurrence flowing through the engine. Events are
// value objects: constructors and the With* methods copy their inputs,
// and an event must not be mutated after it has been published.
type Event struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Source      string            `json:"source,omitempty"`
	Priority    Priority          `json:"priority"`
	Payload     map[string]any    `json:"payload,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// New creates an event of the given type with a generated unique id,
// the current timestamp, and Normal priority.
func New(t Type, name string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Name:      name,
		Timestamp: time.Now().UTC(),
		Priority:  Normal,
	}
}

// WithID returns a copy of e with the given id. Useful for replaying
// persisted events; fresh events should keep the generated id.
func (e Event) WithID(id string) Event {
	e.ID = id
	return e
}

// WithPriority returns a copy of e at the given priority.
func (e Event) WithPriority(p Priority) Event {
	e.Priority = p
	return e
}

// WithSource returns a copy of e attributed to the given source.
func (e Event) WithSource(source string) Event {
	e.Source = source
	return e
}

// WithDescription returns a copy of e with a human-readable description.
func (e Event) WithDescription(d string) Event {
	e.Description = d
	return e
}

// WithPayload returns a copy of e carrying a copy of the given payload.
func (e Event) WithPayload(payload map[string]any) Event {
	e.Payload = copyPayload(payload)
	return e
}

// WithMetadata returns a copy of e with the metadata key set.
func (e Event) WithMetadata(key, value string) Event {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

// PayloadValue returns the payload entry for key.
func (e Event) PayloadValue(key string) (any, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// PayloadString returns the payload entry for key when it is a string.
func (e Event) PayloadString(key string) (string, bool) {
	s, ok := e.Payload[key].(string)
	return s, ok
}

// Meta returns the metadata entry for key.
func (e Event) Meta(key string) (string, bool) {
	v, ok := e.Metadata[key]
	return v, ok
}

// Clone returns a deep copy of e with independently owned maps.
func (e Event) Clone() Event {
	e.Payload = copyPayload(e.Payload)
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

func (e Event) String() string {
	return fmt.Sprintf("%s[%s] %s", e.Type, e.Priority, e.Name)
}

func copyPayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
