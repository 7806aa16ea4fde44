package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// Row codecs shared by the SQL adapters. Complex fields are serialized
// as JSON strings; timestamps as fixed-width RFC 3339 text so lexical
// order is chronological order.

// sqlTimeLayout pads nanoseconds to nine digits; RFC3339Nano would trim
// trailing zeros and break lexical ordering at second boundaries.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type contextRow struct {
	id             string
	currentStateID string
	createdAt      string
	lastUpdatedAt  string
	localJSON      string
	globalJSON     string
	metadataJSON   string
}

func encodeContext(sc *state.Context) (contextRow, error) {
	localJSON, err := json.Marshal(orEmpty(sc.Local))
	if err != nil {
		return contextRow{}, fmt.Errorf("failed to marshal local state: %w", err)
	}
	globalJSON, err := json.Marshal(orEmpty(sc.Global))
	if err != nil {
		return contextRow{}, fmt.Errorf("failed to marshal global state: %w", err)
	}
	metaJSON, err := json.Marshal(orEmpty(sc.Metadata))
	if err != nil {
		return contextRow{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return contextRow{
		id:             sc.ID,
		currentStateID: sc.CurrentStateID,
		createdAt:      sc.CreatedAt.UTC().Format(sqlTimeLayout),
		lastUpdatedAt:  sc.LastUpdatedAt.UTC().Format(sqlTimeLayout),
		localJSON:      string(localJSON),
		globalJSON:     string(globalJSON),
		metadataJSON:   string(metaJSON),
	}, nil
}

func (r contextRow) decode() (*state.Context, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, r.lastUpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_updated_at: %w", err)
	}
	sc := &state.Context{
		ID:             r.id,
		CurrentStateID: r.currentStateID,
		CreatedAt:      createdAt,
		LastUpdatedAt:  updatedAt,
	}
	if err := json.Unmarshal([]byte(r.localJSON), &sc.Local); err != nil {
		return nil, fmt.Errorf("failed to unmarshal local state: %w", err)
	}
	if err := json.Unmarshal([]byte(r.globalJSON), &sc.Global); err != nil {
		return nil, fmt.Errorf("failed to unmarshal global state: %w", err)
	}
	if err := json.Unmarshal([]byte(r.metadataJSON), &sc.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return sc, nil
}

func encodeEvent(ev event.Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	return string(data), nil
}

func decodeEvent(data string) (event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return event.Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return ev, nil
}

type snapshotRow struct {
	snapshotID     string
	contextID      string
	timestamp      string
	description    string
	currentStateID string
	localJSON      string
	globalJSON     string
	metadataJSON   string
	eventsJSON     string
	ctxCreatedAt   string
	ctxUpdatedAt   string
	snapMetaJSON   sql.NullString
}

func encodeSnapshot(snap *state.Snapshot) (snapshotRow, error) {
	if snap.Context == nil {
		return snapshotRow{}, fmt.Errorf("snapshot %s has no embedded context", snap.SnapshotID)
	}
	cr, err := encodeContext(snap.Context)
	if err != nil {
		return snapshotRow{}, err
	}
	events := snap.Context.RecentEvents
	if events == nil {
		events = []event.Event{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return snapshotRow{}, fmt.Errorf("failed to marshal recent events: %w", err)
	}
	row := snapshotRow{
		snapshotID:     snap.SnapshotID,
		contextID:      snap.ContextID,
		timestamp:      snap.Timestamp.UTC().Format(sqlTimeLayout),
		description:    snap.Description,
		currentStateID: cr.currentStateID,
		localJSON:      cr.localJSON,
		globalJSON:     cr.globalJSON,
		metadataJSON:   cr.metadataJSON,
		eventsJSON:     string(eventsJSON),
		ctxCreatedAt:   cr.createdAt,
		ctxUpdatedAt:   cr.lastUpdatedAt,
	}
	if len(snap.Meta) > 0 {
		metaJSON, err := json.Marshal(snap.Meta)
		if err != nil {
			return snapshotRow{}, fmt.Errorf("failed to marshal snapshot metadata: %w", err)
		}
		row.snapMetaJSON = sql.NullString{String: string(metaJSON), Valid: true}
	}
	return row, nil
}

func (r snapshotRow) decode() (*state.Snapshot, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.timestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot timestamp: %w", err)
	}
	inner, err := contextRow{
		id:             r.contextID,
		currentStateID: r.currentStateID,
		createdAt:      r.ctxCreatedAt,
		lastUpdatedAt:  r.ctxUpdatedAt,
		localJSON:      r.localJSON,
		globalJSON:     r.globalJSON,
		metadataJSON:   r.metadataJSON,
	}.decode()
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(r.eventsJSON), &inner.RecentEvents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recent events: %w", err)
	}
	snap := &state.Snapshot{
		SnapshotID:  r.snapshotID,
		ContextID:   r.contextID,
		Timestamp:   ts,
		Description: r.description,
		Context:     inner,
	}
	if r.snapMetaJSON.Valid {
		if err := json.Unmarshal([]byte(r.snapMetaJSON.String), &snap.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot metadata: %w", err)
		}
	}
	return snap, nil
}

// orEmpty keeps nil maps out of the serialized form so columns always
// hold a JSON object.
func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// nullIfEmpty maps "" to SQL NULL for nullable text columns.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
