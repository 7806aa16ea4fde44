package state

import (
	"testing"
	"time"

	"github.com/stateflow-io/stateflow-go/flow/event"
)

func TestNewContext(t *testing.T) {
	sc := New("inst-1", map[string]any{"email": "u@e"})

	if sc.ID != "inst-1" {
		t.Errorf("ID = %q, want inst-1", sc.ID)
	}
	if sc.CurrentStateID != "" {
		t.Errorf("CurrentStateID = %q, want empty", sc.CurrentStateID)
	}
	if v, _ := sc.LocalString("email"); v != "u@e" {
		t.Errorf("local email = %q, want u@e", v)
	}
	if sc.CreatedAt.IsZero() || sc.LastUpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
	if sc.Global == nil || sc.Metadata == nil {
		t.Error("global and metadata maps should be allocated")
	}
}

func TestContextCopyOnWrite(t *testing.T) {
	base := New("inst-1", map[string]any{"a": 1})

	t.Run("WithCurrentState", func(t *testing.T) {
		next := base.WithCurrentState("validate")
		if base.CurrentStateID != "" {
			t.Error("original mutated by WithCurrentState")
		}
		if next.CurrentStateID != "validate" {
			t.Errorf("next state = %q, want validate", next.CurrentStateID)
		}
	})

	t.Run("MergeLocal", func(t *testing.T) {
		next := base.MergeLocal(map[string]any{"b": 2})
		if _, ok := base.Local["b"]; ok {
			t.Error("original local state mutated by MergeLocal")
		}
		if v, _ := next.LocalInt("b"); v != 2 {
			t.Errorf("merged b = %d, want 2", v)
		}
		if v, _ := next.LocalInt("a"); v != 1 {
			t.Errorf("existing a = %d, want 1", v)
		}
	})

	t.Run("WithMeta and WithoutMeta", func(t *testing.T) {
		next := base.WithMeta(MetaPausedAt, "2026-01-01T00:00:00Z")
		if base.Paused() {
			t.Error("original gained pause marker")
		}
		if !next.Paused() {
			t.Error("copy should carry pause marker")
		}
		cleared := next.WithoutMeta(MetaPausedAt, MetaPausedState, MetaPauseTimeout)
		if cleared.Paused() {
			t.Error("WithoutMeta should remove the pause marker")
		}
		if !next.Paused() {
			t.Error("WithoutMeta mutated its receiver")
		}
	})

	t.Run("MergeGlobal", func(t *testing.T) {
		next := base.MergeGlobal(map[string]any{"tenant": "acme"})
		if _, ok := base.Global["tenant"]; ok {
			t.Error("original global state mutated")
		}
		if v, _ := next.GlobalString("tenant"); v != "acme" {
			t.Errorf("global tenant = %q, want acme", v)
		}
	})
}

func TestContextWithEventBound(t *testing.T) {
	sc := New("inst-1", nil)
	limit := 3
	for i := 0; i < 5; i++ {
		ev := event.New(event.NewType("t", "e"), "e")
		sc = sc.WithEvent(ev, limit)
	}
	if len(sc.RecentEvents) != limit {
		t.Fatalf("recent events = %d, want %d", len(sc.RecentEvents), limit)
	}

	// Newest last: appending one more drops the oldest.
	marker := event.New(event.NewType("t", "marker"), "marker")
	sc = sc.WithEvent(marker, limit)
	last := sc.RecentEvents[len(sc.RecentEvents)-1]
	if last.ID != marker.ID {
		t.Error("newest event should be last")
	}
}

func TestContextWithEventDefaultLimit(t *testing.T) {
	sc := New("inst-1", nil)
	for i := 0; i < DefaultRecentEventLimit+10; i++ {
		sc = sc.WithEvent(event.New(event.NewType("t", "e"), "e"), 0)
	}
	if len(sc.RecentEvents) != DefaultRecentEventLimit {
		t.Errorf("recent events = %d, want default %d", len(sc.RecentEvents), DefaultRecentEventLimit)
	}
}

func TestContextTypedLookups(t *testing.T) {
	sc := New("inst-1", map[string]any{
		"name":  "u",
		"count": float64(7), // JSON numbers decode as float64
		"ok":    true,
		"ratio": 0.5,
	})

	if v, ok := sc.LocalString("name"); !ok || v != "u" {
		t.Errorf("LocalString = %q/%v", v, ok)
	}
	if v, ok := sc.LocalInt("count"); !ok || v != 7 {
		t.Errorf("LocalInt = %d/%v", v, ok)
	}
	if v, ok := sc.LocalBool("ok"); !ok || !v {
		t.Errorf("LocalBool = %v/%v", v, ok)
	}
	if v, ok := sc.LocalFloat("ratio"); !ok || v != 0.5 {
		t.Errorf("LocalFloat = %f/%v", v, ok)
	}
	if _, ok := sc.LocalString("missing"); ok {
		t.Error("missing key should not resolve")
	}
	if _, ok := sc.LocalInt("name"); ok {
		t.Error("string should not coerce to int")
	}
}

func TestContextPausedAt(t *testing.T) {
	sc := New("inst-1", nil)
	if _, ok := sc.PausedAt(); ok {
		t.Error("fresh context should not be paused")
	}

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sc = sc.WithMeta(MetaPausedAt, ts.Format(time.RFC3339Nano))
	got, ok := sc.PausedAt()
	if !ok {
		t.Fatal("PausedAt should parse the marker")
	}
	if !got.Equal(ts) {
		t.Errorf("PausedAt = %v, want %v", got, ts)
	}

	sc = sc.WithMeta(MetaPausedAt, "not-a-time")
	if _, ok := sc.PausedAt(); ok {
		t.Error("malformed marker should not parse")
	}
}

func TestContextWorkflowID(t *testing.T) {
	sc := New("inst-1", nil).WithMeta(MetaWorkflowID, "orders")
	if got := sc.WorkflowID(); got != "orders" {
		t.Errorf("WorkflowID = %q, want orders", got)
	}
	if got := New("inst-2", nil).WorkflowID(); got != "" {
		t.Errorf("unset WorkflowID = %q, want empty", got)
	}
}

func TestDeepCopyIsolation(t *testing.T) {
	sc := New("inst-1", map[string]any{
		"nested": map[string]any{"k": "v"},
	})
	sc = sc.WithEvent(event.New(event.NewType("t", "e"), "e"), 10)

	cp, err := DeepCopy(sc)
	if err != nil {
		t.Fatalf("DeepCopy: %v", err)
	}

	// Mutating a nested map in the copy must not show through.
	cp.Local["nested"].(map[string]any)["k"] = "changed"
	if sc.Local["nested"].(map[string]any)["k"] != "v" {
		t.Error("nested value shared between original and deep copy")
	}
	if cp.ID != sc.ID || cp.CurrentStateID != sc.CurrentStateID {
		t.Error("deep copy changed identity fields")
	}
	if len(cp.RecentEvents) != len(sc.RecentEvents) {
		t.Errorf("deep copy events = %d, want %d", len(cp.RecentEvents), len(sc.RecentEvents))
	}
}

func TestDeepCopyNil(t *testing.T) {
	cp, err := DeepCopy(nil)
	if err != nil || cp != nil {
		t.Errorf("DeepCopy(nil) = %v, %v; want nil, nil", cp, err)
	}
}

func TestStepResult(t *testing.T) {
	ok := OK(map[string]any{"stored": true})
	if !ok.Success || ok.FailureMessage() != "" {
		t.Error("OK result misreports")
	}
	if v, found := ok.Value("stored"); !found || v != true {
		t.Error("Value should find stored")
	}

	fail := Fail(errInvalid)
	if fail.Success {
		t.Error("Fail result reports success")
	}
	if fail.FailureMessage() != "invalid" {
		t.Errorf("FailureMessage = %q, want invalid", fail.FailureMessage())
	}

	augmented := ok.WithValue("extra", 1)
	if _, found := ok.Value("extra"); found {
		t.Error("WithValue mutated its receiver")
	}
	if v, found := augmented.Value("extra"); !found || v != 1 {
		t.Error("WithValue should set the key on the copy")
	}
}
