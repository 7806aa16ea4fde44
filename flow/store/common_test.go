package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// storeScenario opens one adapter for a contract subtest. MySQL and
// Redis run only when their endpoints are configured:
//
//	TEST_MYSQL_DSN  e.g. "flow:flow@tcp(127.0.0.1:3306)/flow_test?parseTime=true"
//	TEST_REDIS_ADDR e.g. "127.0.0.1:6379"
type storeScenario struct {
	name string
	open func(t *testing.T) Store

	// concurrentReads is false for SQLite, which runs on a single
	// connection: a read outside an open transaction queues behind it
	// instead of observing committed state.
	concurrentReads bool
}

func storeScenarios() []storeScenario {
	return []storeScenario{
		{
			name: "Memory",
			open: func(t *testing.T) Store {
				st := NewMemoryStore()
				t.Cleanup(func() { st.Close() })
				return st
			},
			concurrentReads: true,
		},
		{
			name: "SQLite",
			open: func(t *testing.T) Store {
				st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "flow.db"))
				if err != nil {
					t.Fatalf("failed to create sqlite store: %v", err)
				}
				t.Cleanup(func() { st.Close() })
				return st
			},
		},
		{
			name: "MySQL",
			open: func(t *testing.T) Store {
				dsn := os.Getenv("TEST_MYSQL_DSN")
				if dsn == "" {
					t.Skip("skipping MySQL: TEST_MYSQL_DSN not set")
				}
				st, err := NewMySQLStore(dsn)
				if err != nil {
					t.Fatalf("failed to create mysql store: %v", err)
				}
				t.Cleanup(func() { st.Close() })
				return st
			},
			concurrentReads: true,
		},
		{
			name: "Redis",
			open: func(t *testing.T) Store {
				addr := os.Getenv("TEST_REDIS_ADDR")
				if addr == "" {
					t.Skip("skipping Redis: TEST_REDIS_ADDR not set")
				}
				st, err := NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}))
				if err != nil {
					t.Fatalf("failed to create redis store: %v", err)
				}
				t.Cleanup(func() { st.Close() })
				return st
			},
			concurrentReads: true,
		},
	}
}

// testContext builds a context with representative local, global, and
// metadata values. Numeric fixtures are float64 so JSON round-trips
// compare cleanly across adapters.
func testContext(id string) *state.Context {
	return state.New(id, map[string]any{
		"sku":   "A-100",
		"count": 3.0,
		"nested": map[string]any{
			"ok": true,
		},
	}).
		WithCurrentState("review").
		WithMeta("workflowId", "orders").
		MergeGlobal(map[string]any{"region": "eu-west"})
}

func testEvent(name string) event.Event {
	return event.New(event.NewType("order", name), name).
		WithPayload(map[string]any{"step": name})
}

func TestStoreContract(t *testing.T) {
	for _, sc := range storeScenarios() {
		sc := sc
		t.Run(sc.name, func(t *testing.T) {
			t.Run("SaveLoadContext", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()
				id := uuid.NewString()
				orig := testContext(id)

				if err := st.SaveContext(ctx, orig); err != nil {
					t.Fatalf("SaveContext failed: %v", err)
				}
				got, err := st.LoadContext(ctx, id)
				if err != nil {
					t.Fatalf("LoadContext failed: %v", err)
				}
				if got.ID != id {
					t.Errorf("ID = %q, want %q", got.ID, id)
				}
				if got.CurrentStateID != "review" {
					t.Errorf("CurrentStateID = %q, want review", got.CurrentStateID)
				}
				if !got.CreatedAt.Equal(orig.CreatedAt) {
					t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, orig.CreatedAt)
				}
				if !got.LastUpdatedAt.Equal(orig.LastUpdatedAt) {
					t.Errorf("LastUpdatedAt = %v, want %v", got.LastUpdatedAt, orig.LastUpdatedAt)
				}
				if v, _ := got.LocalString("sku"); v != "A-100" {
					t.Errorf("local sku = %q, want A-100", v)
				}
				if v, _ := got.LocalFloat("count"); v != 3.0 {
					t.Errorf("local count = %v, want 3", v)
				}
				if v, _ := got.GlobalString("region"); v != "eu-west" {
					t.Errorf("global region = %q, want eu-west", v)
				}
				if v, _ := got.MetaString("workflowId"); v != "orders" {
					t.Errorf("meta workflowId = %q, want orders", v)
				}
			})

			t.Run("LoadMissing", func(t *testing.T) {
				st := sc.open(t)
				if _, err := st.LoadContext(context.Background(), uuid.NewString()); !errors.Is(err, ErrNotFound) {
					t.Errorf("LoadContext(missing) error = %v, want ErrNotFound", err)
				}
			})

			t.Run("UpsertContext", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()
				id := uuid.NewString()
				orig := testContext(id)
				if err := st.SaveContext(ctx, orig); err != nil {
					t.Fatalf("SaveContext failed: %v", err)
				}

				moved := orig.WithCurrentState("shipped").MergeLocal(map[string]any{"count": 4.0})
				if err := st.SaveContext(ctx, moved); err != nil {
					t.Fatalf("SaveContext(update) failed: %v", err)
				}
				got, err := st.LoadContext(ctx, id)
				if err != nil {
					t.Fatalf("LoadContext failed: %v", err)
				}
				if got.CurrentStateID != "shipped" {
					t.Errorf("CurrentStateID = %q, want shipped", got.CurrentStateID)
				}
				if v, _ := got.LocalFloat("count"); v != 4.0 {
					t.Errorf("local count = %v, want 4", v)
				}
			})

			t.Run("EventLog", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()
				id := uuid.NewString()
				if err := st.SaveContext(ctx, testContext(id)); err != nil {
					t.Fatalf("SaveContext failed: %v", err)
				}

				names := []string{"created", "approved", "shipped"}
				want := make([]event.Event, 0, len(names))
				for _, n := range names {
					ev := testEvent(n)
					want = append(want, ev)
					if err := st.SaveEvent(ctx, id, ev); err != nil {
						t.Fatalf("SaveEvent(%s) failed: %v", n, err)
					}
				}

				got, err := st.EventHistory(ctx, id)
				if err != nil {
					t.Fatalf("EventHistory failed: %v", err)
				}
				if len(got) != len(want) {
					t.Fatalf("EventHistory len = %d, want %d", len(got), len(want))
				}
				for i := range want {
					if got[i].ID != want[i].ID {
						t.Errorf("event[%d].ID = %q, want %q", i, got[i].ID, want[i].ID)
					}
					if got[i].Type != want[i].Type {
						t.Errorf("event[%d].Type = %v, want %v", i, got[i].Type, want[i].Type)
					}
					if !got[i].Timestamp.Equal(want[i].Timestamp) {
						t.Errorf("event[%d].Timestamp = %v, want %v", i, got[i].Timestamp, want[i].Timestamp)
					}
					if v, _ := got[i].PayloadString("step"); v != names[i] {
						t.Errorf("event[%d] payload step = %q, want %q", i, v, names[i])
					}
				}

				empty, err := st.EventHistory(ctx, uuid.NewString())
				if err != nil {
					t.Fatalf("EventHistory(unknown) failed: %v", err)
				}
				if len(empty) != 0 {
					t.Errorf("EventHistory(unknown) len = %d, want 0", len(empty))
				}
			})

			t.Run("StateHistoryAscending", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()
				id := uuid.NewString()
				if err := st.SaveContext(ctx, testContext(id)); err != nil {
					t.Fatalf("SaveContext failed: %v", err)
				}

				base := time.Now().UTC()
				entries := []state.HistoryEntry{
					{ContextID: id, ToStateID: "created", Timestamp: base},
					{ContextID: id, FromStateID: "created", ToStateID: "review", EventID: "ev-1", Timestamp: base.Add(time.Second)},
					{ContextID: id, FromStateID: "review", ToStateID: "done", Reason: "timeout", Timestamp: base.Add(2 * time.Second)},
				}
				for i, entry := range entries {
					if err := st.SaveStateHistory(ctx, entry); err != nil {
						t.Fatalf("SaveStateHistory[%d] failed: %v", i, err)
					}
				}

				got, err := st.StateHistory(ctx, id)
				if err != nil {
					t.Fatalf("StateHistory failed: %v", err)
				}
				if len(got) != len(entries) {
					t.Fatalf("StateHistory len = %d, want %d", len(got), len(entries))
				}
				for i := range entries {
					if got[i].FromStateID != entries[i].FromStateID || got[i].ToStateID != entries[i].ToStateID {
						t.Errorf("history[%d] = %s->%s, want %s->%s",
							i, got[i].FromStateID, got[i].ToStateID, entries[i].FromStateID, entries[i].ToStateID)
					}
					if !got[i].Timestamp.Equal(entries[i].Timestamp) {
						t.Errorf("history[%d].Timestamp = %v, want %v", i, got[i].Timestamp, entries[i].Timestamp)
					}
				}
				if got[0].FromStateID != "" {
					t.Errorf("initial entry FromStateID = %q, want empty", got[0].FromStateID)
				}
				if got[2].Reason != "timeout" {
					t.Errorf("history[2].Reason = %q, want timeout", got[2].Reason)
				}
				if got[2].EventID != "" {
					t.Errorf("forced entry EventID = %q, want empty", got[2].EventID)
				}
			})

			t.Run("FindPaused", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()
				pausedID := uuid.NewString()
				runningID := uuid.NewString()

				paused := testContext(pausedID).
					WithMeta(state.MetaPausedAt, time.Now().UTC().Format(time.RFC3339Nano)).
					WithMeta(state.MetaPausedState, "review")
				if err := st.SaveContext(ctx, paused); err != nil {
					t.Fatalf("SaveContext(paused) failed: %v", err)
				}
				if err := st.SaveContext(ctx, testContext(runningID)); err != nil {
					t.Fatalf("SaveContext(running) failed: %v", err)
				}

				ids, err := st.FindPausedInstances(ctx)
				if err != nil {
					t.Fatalf("FindPausedInstances failed: %v", err)
				}
				found := map[string]bool{}
				for _, id := range ids {
					found[id] = true
				}
				if !found[pausedID] {
					t.Errorf("paused instance %s missing from %v", pausedID, ids)
				}
				if found[runningID] {
					t.Errorf("running instance %s reported paused", runningID)
				}

				resumed := paused.WithoutMeta(state.MetaPausedAt, state.MetaPausedState)
				if err := st.SaveContext(ctx, resumed); err != nil {
					t.Fatalf("SaveContext(resumed) failed: %v", err)
				}
				ids, err = st.FindPausedInstances(ctx)
				if err != nil {
					t.Fatalf("FindPausedInstances after resume failed: %v", err)
				}
				for _, id := range ids {
					if id == pausedID {
						t.Errorf("instance %s still reported paused after marker cleared", pausedID)
					}
				}
			})

			t.Run("Snapshots", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()
				id := uuid.NewString()
				if err := st.SaveContext(ctx, testContext(id)); err != nil {
					t.Fatalf("SaveContext failed: %v", err)
				}

				base := time.Now().UTC()
				snapIDs := make([]string, 3)
				for i := 0; i < 3; i++ {
					snapIDs[i] = uuid.NewString()
					snap := &state.Snapshot{
						SnapshotID:  snapIDs[i],
						ContextID:   id,
						Timestamp:   base.Add(time.Duration(i) * time.Second),
						Description: "checkpoint",
						Context:     testContext(id),
						Meta:        map[string]any{"seq": float64(i)},
					}
					if err := st.PutSnapshot(ctx, snap); err != nil {
						t.Fatalf("PutSnapshot[%d] failed: %v", i, err)
					}
				}

				snaps, err := st.ListSnapshots(ctx, id)
				if err != nil {
					t.Fatalf("ListSnapshots failed: %v", err)
				}
				if len(snaps) != 3 {
					t.Fatalf("ListSnapshots len = %d, want 3", len(snaps))
				}
				for i := 1; i < len(snaps); i++ {
					if snaps[i].Timestamp.Before(snaps[i-1].Timestamp) {
						t.Errorf("snapshots out of order at %d: %v before %v", i, snaps[i].Timestamp, snaps[i-1].Timestamp)
					}
				}
				if snaps[0].SnapshotID != snapIDs[0] {
					t.Errorf("oldest snapshot = %s, want %s", snaps[0].SnapshotID, snapIDs[0])
				}

				loaded, err := st.LoadSnapshot(ctx, snapIDs[1])
				if err != nil {
					t.Fatalf("LoadSnapshot failed: %v", err)
				}
				if loaded.ContextID != id || loaded.Description != "checkpoint" {
					t.Errorf("snapshot = {%s %s}, want {%s checkpoint}", loaded.ContextID, loaded.Description, id)
				}
				if loaded.Context == nil || loaded.Context.CurrentStateID != "review" {
					t.Errorf("snapshot context not preserved: %+v", loaded.Context)
				}
				if v, ok := loaded.Meta["seq"]; !ok || v != 1.0 {
					t.Errorf("snapshot meta seq = %v, want 1", v)
				}

				byTime, err := LoadSnapshotByTime(ctx, st, id, base.Add(1500*time.Millisecond))
				if err != nil {
					t.Fatalf("LoadSnapshotByTime failed: %v", err)
				}
				if byTime.SnapshotID != snapIDs[1] {
					t.Errorf("LoadSnapshotByTime = %s, want %s", byTime.SnapshotID, snapIDs[1])
				}
				if _, err := LoadSnapshotByTime(ctx, st, id, base.Add(-time.Second)); !errors.Is(err, ErrNotFound) {
					t.Errorf("LoadSnapshotByTime(before all) error = %v, want ErrNotFound", err)
				}

				if err := st.DeleteSnapshot(ctx, snapIDs[0]); err != nil {
					t.Fatalf("DeleteSnapshot failed: %v", err)
				}
				if _, err := st.LoadSnapshot(ctx, snapIDs[0]); !errors.Is(err, ErrNotFound) {
					t.Errorf("LoadSnapshot(deleted) error = %v, want ErrNotFound", err)
				}
				if err := st.DeleteSnapshot(ctx, uuid.NewString()); err != nil {
					t.Errorf("DeleteSnapshot(unknown) = %v, want nil", err)
				}
				snaps, err = st.ListSnapshots(ctx, id)
				if err != nil {
					t.Fatalf("ListSnapshots after delete failed: %v", err)
				}
				if len(snaps) != 2 {
					t.Errorf("ListSnapshots len after delete = %d, want 2", len(snaps))
				}
			})

			t.Run("RollbackToSnapshot", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()
				id := uuid.NewString()
				if err := st.SaveContext(ctx, testContext(id)); err != nil {
					t.Fatalf("SaveContext failed: %v", err)
				}

				snap, err := CreateSnapshot(ctx, st, id, "before changes")
				if err != nil {
					t.Fatalf("CreateSnapshot failed: %v", err)
				}
				if snap.SnapshotID == "" || snap.ContextID != id {
					t.Fatalf("snapshot = %+v, want context id %s", snap, id)
				}

				cur, err := st.LoadContext(ctx, id)
				if err != nil {
					t.Fatalf("LoadContext failed: %v", err)
				}
				moved := cur.WithCurrentState("shipped").MergeLocal(map[string]any{"count": 9.0})
				if err := st.SaveContext(ctx, moved); err != nil {
					t.Fatalf("SaveContext(moved) failed: %v", err)
				}

				restored, err := RollbackToSnapshot(ctx, st, snap.SnapshotID)
				if err != nil {
					t.Fatalf("RollbackToSnapshot failed: %v", err)
				}
				if restored.CurrentStateID != "review" {
					t.Errorf("restored state = %q, want review", restored.CurrentStateID)
				}
				if v, _ := restored.LocalFloat("count"); v != 3.0 {
					t.Errorf("restored count = %v, want 3", v)
				}

				got, err := st.LoadContext(ctx, id)
				if err != nil {
					t.Fatalf("LoadContext after rollback failed: %v", err)
				}
				if got.CurrentStateID != "review" {
					t.Errorf("stored state after rollback = %q, want review", got.CurrentStateID)
				}

				snaps, err := st.ListSnapshots(ctx, id)
				if err != nil {
					t.Fatalf("ListSnapshots failed: %v", err)
				}
				if len(snaps) != 2 {
					t.Fatalf("ListSnapshots len = %d, want 2 (original + pre-rollback)", len(snaps))
				}
				if snaps[1].Description != "pre-rollback" {
					t.Errorf("newest snapshot description = %q, want pre-rollback", snaps[1].Description)
				}
				if snaps[1].Context == nil || snaps[1].Context.CurrentStateID != "shipped" {
					t.Errorf("pre-rollback snapshot should capture the moved context")
				}
			})

			t.Run("DeleteCascade", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()
				id := uuid.NewString()
				if err := st.SaveContext(ctx, testContext(id)); err != nil {
					t.Fatalf("SaveContext failed: %v", err)
				}
				if err := st.SaveEvent(ctx, id, testEvent("created")); err != nil {
					t.Fatalf("SaveEvent failed: %v", err)
				}
				if err := st.SaveStateHistory(ctx, state.HistoryEntry{ContextID: id, ToStateID: "review", Timestamp: time.Now().UTC()}); err != nil {
					t.Fatalf("SaveStateHistory failed: %v", err)
				}
				snap, err := CreateSnapshot(ctx, st, id, "pre-delete")
				if err != nil {
					t.Fatalf("CreateSnapshot failed: %v", err)
				}

				if err := st.DeleteContext(ctx, id); err != nil {
					t.Fatalf("DeleteContext failed: %v", err)
				}
				if _, err := st.LoadContext(ctx, id); !errors.Is(err, ErrNotFound) {
					t.Errorf("LoadContext after delete = %v, want ErrNotFound", err)
				}
				events, err := st.EventHistory(ctx, id)
				if err != nil || len(events) != 0 {
					t.Errorf("EventHistory after delete = %d events, err %v; want 0, nil", len(events), err)
				}
				hist, err := st.StateHistory(ctx, id)
				if err != nil || len(hist) != 0 {
					t.Errorf("StateHistory after delete = %d entries, err %v; want 0, nil", len(hist), err)
				}
				if _, err := st.LoadSnapshot(ctx, snap.SnapshotID); !errors.Is(err, ErrNotFound) {
					t.Errorf("LoadSnapshot after cascade = %v, want ErrNotFound", err)
				}
				if err := st.DeleteContext(ctx, uuid.NewString()); err != nil {
					t.Errorf("DeleteContext(unknown) = %v, want nil", err)
				}
			})

			t.Run("TransactionCommit", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()
				id := uuid.NewString()
				ev := testEvent("created")

				txCtx, err := st.Begin(ctx)
				if err != nil {
					t.Fatalf("Begin failed: %v", err)
				}
				if err := st.SaveContext(txCtx, testContext(id)); err != nil {
					t.Fatalf("SaveContext in tx failed: %v", err)
				}
				if err := st.SaveEvent(txCtx, id, ev); err != nil {
					t.Fatalf("SaveEvent in tx failed: %v", err)
				}
				if err := st.SaveStateHistory(txCtx, state.HistoryEntry{ContextID: id, ToStateID: "review", Timestamp: time.Now().UTC()}); err != nil {
					t.Fatalf("SaveStateHistory in tx failed: %v", err)
				}

				// Reads through the transaction scope see its writes.
				got, err := st.LoadContext(txCtx, id)
				if err != nil {
					t.Fatalf("LoadContext in tx failed: %v", err)
				}
				if got.CurrentStateID != "review" {
					t.Errorf("in-tx CurrentStateID = %q, want review", got.CurrentStateID)
				}
				events, err := st.EventHistory(txCtx, id)
				if err != nil || len(events) != 1 {
					t.Fatalf("in-tx EventHistory = %d events, err %v; want 1, nil", len(events), err)
				}

				// Outside the transaction nothing is visible yet.
				if sc.concurrentReads {
					if _, err := st.LoadContext(ctx, id); !errors.Is(err, ErrNotFound) {
						t.Errorf("pre-commit LoadContext = %v, want ErrNotFound", err)
					}
				}

				if err := st.Commit(txCtx); err != nil {
					t.Fatalf("Commit failed: %v", err)
				}
				got, err = st.LoadContext(ctx, id)
				if err != nil {
					t.Fatalf("post-commit LoadContext failed: %v", err)
				}
				if got.CurrentStateID != "review" {
					t.Errorf("post-commit CurrentStateID = %q, want review", got.CurrentStateID)
				}
				events, err = st.EventHistory(ctx, id)
				if err != nil || len(events) != 1 {
					t.Errorf("post-commit EventHistory = %d events, err %v; want 1, nil", len(events), err)
				}
				hist, err := st.StateHistory(ctx, id)
				if err != nil || len(hist) != 1 {
					t.Errorf("post-commit StateHistory = %d entries, err %v; want 1, nil", len(hist), err)
				}
			})

			t.Run("TransactionRollback", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()
				id := uuid.NewString()

				txCtx, err := st.Begin(ctx)
				if err != nil {
					t.Fatalf("Begin failed: %v", err)
				}
				if err := st.SaveContext(txCtx, testContext(id)); err != nil {
					t.Fatalf("SaveContext in tx failed: %v", err)
				}
				if err := st.SaveEvent(txCtx, id, testEvent("created")); err != nil {
					t.Fatalf("SaveEvent in tx failed: %v", err)
				}
				if err := st.Rollback(txCtx); err != nil {
					t.Fatalf("Rollback failed: %v", err)
				}

				if _, err := st.LoadContext(ctx, id); !errors.Is(err, ErrNotFound) {
					t.Errorf("post-rollback LoadContext = %v, want ErrNotFound", err)
				}
				events, err := st.EventHistory(ctx, id)
				if err != nil || len(events) != 0 {
					t.Errorf("post-rollback EventHistory = %d events, err %v; want 0, nil", len(events), err)
				}
				if err := st.Commit(txCtx); err == nil {
					t.Error("Commit after Rollback should fail")
				}
			})

			t.Run("TransactionScope", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()

				if err := st.Commit(ctx); !errors.Is(err, ErrTxNotFound) {
					t.Errorf("Commit without tx = %v, want ErrTxNotFound", err)
				}
				if err := st.Rollback(ctx); !errors.Is(err, ErrTxNotFound) {
					t.Errorf("Rollback without tx = %v, want ErrTxNotFound", err)
				}

				txCtx, err := st.Begin(ctx)
				if err != nil {
					t.Fatalf("Begin failed: %v", err)
				}
				if _, err := st.Begin(txCtx); err == nil {
					t.Error("nested Begin should fail")
				}
				if err := st.Rollback(txCtx); err != nil {
					t.Errorf("Rollback failed: %v", err)
				}
			})

			t.Run("ExportImport", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()
				id := uuid.NewString()
				if err := st.SaveContext(ctx, testContext(id)); err != nil {
					t.Fatalf("SaveContext failed: %v", err)
				}
				if err := st.SaveEvent(ctx, id, testEvent("created")); err != nil {
					t.Fatalf("SaveEvent failed: %v", err)
				}
				if err := st.SaveStateHistory(ctx, state.HistoryEntry{ContextID: id, ToStateID: "review", Timestamp: time.Now().UTC()}); err != nil {
					t.Fatalf("SaveStateHistory failed: %v", err)
				}
				if _, err := CreateSnapshot(ctx, st, id, "export me"); err != nil {
					t.Fatalf("CreateSnapshot failed: %v", err)
				}

				exp, err := Export(ctx, st, id)
				if err != nil {
					t.Fatalf("Export failed: %v", err)
				}
				if exp.Version != ExportVersion || exp.SourceInstance != id {
					t.Errorf("export header = {%s %s}, want {%s %s}", exp.Version, exp.SourceInstance, ExportVersion, id)
				}
				if len(exp.Events) != 1 || len(exp.History) != 1 || len(exp.Snapshots) != 1 {
					t.Fatalf("export carries %d/%d/%d events/history/snapshots, want 1/1/1",
						len(exp.Events), len(exp.History), len(exp.Snapshots))
				}

				targetID := uuid.NewString()
				imported, err := Import(ctx, st, exp, targetID)
				if err != nil {
					t.Fatalf("Import failed: %v", err)
				}
				if imported.ID != targetID {
					t.Errorf("imported ID = %q, want %q", imported.ID, targetID)
				}
				if imported.CurrentStateID != "review" {
					t.Errorf("imported state = %q, want review", imported.CurrentStateID)
				}
				events, err := st.EventHistory(ctx, targetID)
				if err != nil || len(events) != 1 {
					t.Errorf("imported EventHistory = %d events, err %v; want 1, nil", len(events), err)
				}
				snaps, err := st.ListSnapshots(ctx, targetID)
				if err != nil || len(snaps) != 1 {
					t.Fatalf("imported ListSnapshots = %d, err %v; want 1, nil", len(snaps), err)
				}
				if snaps[0].SnapshotID == exp.Snapshots[0].SnapshotID {
					t.Error("imported snapshot kept the source id; want a regenerated one")
				}
				if snaps[0].Context == nil || snaps[0].Context.ID != targetID {
					t.Error("imported snapshot context should be rewritten to the target id")
				}

				if _, err := Import(ctx, st, exp, id); !errors.Is(err, ErrExists) {
					t.Errorf("Import over existing = %v, want ErrExists", err)
				}
			})

			t.Run("ValidateRepairStored", func(t *testing.T) {
				st := sc.open(t)
				ctx := context.Background()
				id := uuid.NewString()
				broken := testContext(id).WithCurrentState("bad state!")
				if err := st.SaveContext(ctx, broken); err != nil {
					t.Fatalf("SaveContext failed: %v", err)
				}

				res, err := ValidateStored(ctx, st, id)
				if err != nil {
					t.Fatalf("ValidateStored failed: %v", err)
				}
				if len(res.Issues) == 0 {
					t.Error("malformed state id should produce a finding")
				}
				if !res.Repairable() {
					t.Errorf("findings should be repairable: %+v", res.Issues)
				}

				repaired, res, err := RepairStored(ctx, st, id)
				if err != nil {
					t.Fatalf("RepairStored failed: %v", err)
				}
				if repaired.CurrentStateID != "bad_state_" {
					t.Errorf("repaired state = %q, want bad_state_", repaired.CurrentStateID)
				}
				if len(res.Issues) != 0 {
					t.Errorf("repaired context should be clean, issues: %+v", res.Issues)
				}
				got, err := st.LoadContext(ctx, id)
				if err != nil {
					t.Fatalf("LoadContext failed: %v", err)
				}
				if got.CurrentStateID != "bad_state_" {
					t.Errorf("persisted state = %q, want bad_state_", got.CurrentStateID)
				}
			})

			t.Run("Ping", func(t *testing.T) {
				st := sc.open(t)
				if err := st.Ping(context.Background()); err != nil {
					t.Errorf("Ping failed: %v", err)
				}
			})

			t.Run("Closed", func(t *testing.T) {
				st := sc.open(t)
				if err := st.Close(); err != nil {
					t.Fatalf("Close failed: %v", err)
				}
				if _, err := st.LoadContext(context.Background(), "x"); !errors.Is(err, ErrClosed) {
					t.Errorf("LoadContext after Close = %v, want ErrClosed", err)
				}
				if err := st.SaveContext(context.Background(), testContext("x")); !errors.Is(err, ErrClosed) {
					t.Errorf("SaveContext after Close = %v, want ErrClosed", err)
				}
				if err := st.Close(); err != nil {
					t.Errorf("second Close = %v, want nil", err)
				}
			})
		})
	}
}

// TestStoreEnumerationOrder pins the ordering contracts on fresh
// stores, where the full result set is under the test's control.
func TestStoreEnumerationOrder(t *testing.T) {
	fresh := []storeScenario{storeScenarios()[0], storeScenarios()[1]}
	for _, sc := range fresh {
		sc := sc
		t.Run(sc.name, func(t *testing.T) {
			st := sc.open(t)
			ctx := context.Background()

			base := time.Now().UTC()
			mk := func(id string, off time.Duration) *state.Context {
				c := state.New(id, nil)
				c.CreatedAt = base.Add(-time.Hour)
				c.LastUpdatedAt = base.Add(off)
				return c.Clone()
			}
			for _, c := range []*state.Context{
				mk("old", -2*time.Minute),
				mk("mid", -time.Minute),
				mk("new", 0),
			} {
				if err := st.SaveContext(ctx, c); err != nil {
					t.Fatalf("SaveContext(%s) failed: %v", c.ID, err)
				}
			}

			ids, err := st.ListContextIDs(ctx)
			if err != nil {
				t.Fatalf("ListContextIDs failed: %v", err)
			}
			want := []string{"new", "mid", "old"}
			if len(ids) != len(want) {
				t.Fatalf("ListContextIDs = %v, want %v", ids, want)
			}
			for i := range want {
				if ids[i] != want[i] {
					t.Errorf("ListContextIDs[%d] = %q, want %q", i, ids[i], want[i])
				}
			}
		})
	}
}
