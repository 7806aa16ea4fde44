package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/stateflow-io/stateflow-go/flow/event"
	"github.com/stateflow-io/stateflow-go/flow/state"
)

// redisKeyPrefix namespaces every key this store touches.
const redisKeyPrefix = "stateflow:"

const (
	redisIDsKey    = redisKeyPrefix + "ctxids"
	redisPausedKey = redisKeyPrefix + "paused"
)

func redisCtxKey(id string) string    { return redisKeyPrefix + "ctx:" + id }
func redisEventsKey(id string) string { return redisKeyPrefix + "events:" + id }
func redisHistKey(id string) string   { return redisKeyPrefix + "hist:" + id }
func redisSnapKey(id string) string   { return redisKeyPrefix + "snap:" + id }
func redisSnapsKey(cid string) string { return redisKeyPrefix + "snaps:" + cid }

// RedisStore is the Redis-backed Store implementation.
//
// Contexts and snapshots are stored as JSON strings, event and history
// logs as lists. Two indexes are maintained alongside: a sorted set of
// instance ids scored by last update time, and a set of paused
// instance ids. Designed for deployments that already run Redis and
// want fast shared persistence without a relational database;
// durability follows the Redis server's own persistence configuration.
//
// Transactions are journaled: writes inside a transaction queue up and
// apply at Commit through a single MULTI/EXEC pipeline, so the batch
// applies atomically. Reads inside the transaction see the journal;
// enumeration methods see committed state only.
//
// Keys (all under "stateflow:"):
//   - ctx:<id>       context JSON
//   - events:<id>    event log (list)
//   - hist:<id>      transition log (list)
//   - snap:<id>      snapshot JSON
//   - snaps:<ctxID>  snapshot ids (sorted set scored by creation time)
//   - ctxids         instance ids (sorted set scored by update time)
//   - paused         paused instance ids (set)
type RedisStore struct {
	client *redis.Client
	mu     sync.RWMutex
	closed bool
}

type redisTxKey struct{}

func redisTxFrom(ctx context.Context) *journalTx {
	tx, _ := ctx.Value(redisTxKey{}).(*journalTx)
	return tx
}

// NewRedisStore wraps an existing client and verifies the connection.
// The store takes ownership of the client; Close closes it.
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) check() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// Begin starts a journaled transaction.
func (r *RedisStore) Begin(ctx context.Context) (context.Context, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if redisTxFrom(ctx) != nil {
		return nil, fmt.Errorf("transaction already in progress")
	}
	return context.WithValue(ctx, redisTxKey{}, &journalTx{}), nil
}

// Commit replays the journal into one MULTI/EXEC pipeline.
func (r *RedisStore) Commit(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	tx := redisTxFrom(ctx)
	if tx == nil {
		return ErrTxNotFound
	}
	ops, err := tx.take()
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	pipe := r.client.TxPipeline()
	// Snapshot ids queued earlier in the batch, so a later context
	// deletion in the same transaction cascades to them too.
	queued := make(map[string][]string)
	for _, op := range ops {
		if err := r.applyOp(ctx, pipe, op, queued); err != nil {
			return err
		}
	}
	if pipe.Len() == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the journal.
func (r *RedisStore) Rollback(ctx context.Context) error {
	tx := redisTxFrom(ctx)
	if tx == nil {
		return ErrTxNotFound
	}
	_, err := tx.take()
	return err
}

// write queues op on tx when ctx carries one, otherwise applies it
// immediately through its own pipeline so multi-key ops stay atomic.
func (r *RedisStore) write(ctx context.Context, op journalOp) error {
	if tx := redisTxFrom(ctx); tx != nil {
		return tx.add(op)
	}
	pipe := r.client.TxPipeline()
	if err := r.applyOp(ctx, pipe, op, nil); err != nil {
		return err
	}
	if pipe.Len() == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to %s: %w", opLabel(op.kind), err)
	}
	return nil
}

func opLabel(k opKind) string {
	switch k {
	case opSaveContext:
		return "save context"
	case opDeleteContext:
		return "delete context"
	case opSaveEvent:
		return "save event"
	case opSaveHistory:
		return "save state history"
	case opPutSnapshot:
		return "save snapshot"
	case opDeleteSnapshot:
		return "delete snapshot"
	}
	return "apply write"
}

// applyOp queues the commands for one journal op on pipe. Cascading
// deletes need the current index contents, which are read directly
// against committed state plus the queued map.
func (r *RedisStore) applyOp(ctx context.Context, pipe redis.Pipeliner, op journalOp, queued map[string][]string) error {
	switch op.kind {
	case opSaveContext:
		doc, err := json.Marshal(op.context)
		if err != nil {
			return fmt.Errorf("failed to encode context: %w", err)
		}
		pipe.Set(ctx, redisCtxKey(op.contextID), doc, 0)
		pipe.ZAdd(ctx, redisIDsKey, redis.Z{
			Score:  float64(op.context.LastUpdatedAt.UnixNano()),
			Member: op.contextID,
		})
		if op.context.Paused() {
			pipe.SAdd(ctx, redisPausedKey, op.contextID)
		} else {
			pipe.SRem(ctx, redisPausedKey, op.contextID)
		}

	case opDeleteContext:
		snapIDs, err := r.client.ZRange(ctx, redisSnapsKey(op.contextID), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("failed to list snapshots for delete: %w", err)
		}
		snapIDs = append(snapIDs, queued[op.contextID]...)
		keys := []string{
			redisCtxKey(op.contextID),
			redisEventsKey(op.contextID),
			redisHistKey(op.contextID),
			redisSnapsKey(op.contextID),
		}
		for _, id := range snapIDs {
			keys = append(keys, redisSnapKey(id))
		}
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, redisIDsKey, op.contextID)
		pipe.SRem(ctx, redisPausedKey, op.contextID)

	case opSaveEvent:
		doc, err := encodeEvent(op.event)
		if err != nil {
			return err
		}
		pipe.RPush(ctx, redisEventsKey(op.contextID), doc)

	case opSaveHistory:
		doc, err := json.Marshal(op.history)
		if err != nil {
			return fmt.Errorf("failed to encode history entry: %w", err)
		}
		pipe.RPush(ctx, redisHistKey(op.contextID), doc)

	case opPutSnapshot:
		doc, err := json.Marshal(op.snapshot)
		if err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
		pipe.Set(ctx, redisSnapKey(op.snapshot.SnapshotID), doc, 0)
		pipe.ZAdd(ctx, redisSnapsKey(op.snapshot.ContextID), redis.Z{
			Score:  float64(op.snapshot.Timestamp.UnixNano()),
			Member: op.snapshot.SnapshotID,
		})
		if queued != nil {
			queued[op.snapshot.ContextID] = append(queued[op.snapshot.ContextID], op.snapshot.SnapshotID)
		}

	case opDeleteSnapshot:
		owner, ok, err := r.snapshotOwner(ctx, op.snapshotID, queued)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		pipe.Del(ctx, redisSnapKey(op.snapshotID))
		pipe.ZRem(ctx, redisSnapsKey(owner), op.snapshotID)
	}
	return nil
}

// snapshotOwner resolves the context id a snapshot belongs to, checking
// committed state first and then snapshots queued earlier in the batch.
func (r *RedisStore) snapshotOwner(ctx context.Context, snapshotID string, queued map[string][]string) (string, bool, error) {
	data, err := r.client.Get(ctx, redisSnapKey(snapshotID)).Result()
	switch {
	case err == nil:
		var snap state.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return "", false, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		return snap.ContextID, true, nil
	case errors.Is(err, redis.Nil):
		for cid, ids := range queued {
			for _, id := range ids {
				if id == snapshotID {
					return cid, true, nil
				}
			}
		}
		return "", false, nil
	default:
		return "", false, fmt.Errorf("failed to load snapshot for delete: %w", err)
	}
}

// SaveContext upserts the context document and refreshes both indexes.
func (r *RedisStore) SaveContext(ctx context.Context, sc *state.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	if sc == nil || sc.ID == "" {
		return fmt.Errorf("context must have an id")
	}
	return r.write(ctx, journalOp{kind: opSaveContext, contextID: sc.ID, context: sc.Clone()})
}

// LoadContext retrieves a context document, consulting the transaction
// journal first so a transaction reads its own writes.
func (r *RedisStore) LoadContext(ctx context.Context, contextID string) (*state.Context, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if tx := redisTxFrom(ctx); tx != nil {
		if sc, deleted, ok := tx.overlayContext(contextID); ok {
			if deleted {
				return nil, ErrNotFound
			}
			return sc, nil
		}
	}

	data, err := r.client.Get(ctx, redisCtxKey(contextID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}
	var sc state.Context
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return nil, fmt.Errorf("failed to decode context: %w", err)
	}
	return &sc, nil
}

// DeleteContext removes the context document, its logs, its snapshots,
// and both index entries.
func (r *RedisStore) DeleteContext(ctx context.Context, contextID string) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.write(ctx, journalOp{kind: opDeleteContext, contextID: contextID})
}

// ListContextIDs returns committed instance ids, most recently updated
// first.
func (r *RedisStore) ListContextIDs(ctx context.Context) ([]string, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	zs, err := r.client.ZRangeWithScores(ctx, redisIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list contexts: %w", err)
	}
	sort.SliceStable(zs, func(i, j int) bool {
		if zs[i].Score != zs[j].Score {
			return zs[i].Score > zs[j].Score
		}
		return fmt.Sprint(zs[i].Member) < fmt.Sprint(zs[j].Member)
	})
	ids := make([]string, 0, len(zs))
	for _, z := range zs {
		ids = append(ids, fmt.Sprint(z.Member))
	}
	return ids, nil
}

// FindPausedInstances returns the paused-id index, sorted by id.
func (r *RedisStore) FindPausedInstances(ctx context.Context) ([]string, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	ids, err := r.client.SMembers(ctx, redisPausedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find paused instances: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveEvent appends an event to the instance's log.
func (r *RedisStore) SaveEvent(ctx context.Context, contextID string, ev event.Event) error {
	if err := r.check(); err != nil {
		return err
	}
	if contextID == "" {
		return fmt.Errorf("event needs a context id")
	}
	return r.write(ctx, journalOp{kind: opSaveEvent, contextID: contextID, event: ev.Clone()})
}

// EventHistory returns the event log, overlaying journal appends when
// called inside a transaction.
func (r *RedisStore) EventHistory(ctx context.Context, contextID string) ([]event.Event, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	docs, err := r.client.LRange(ctx, redisEventsKey(contextID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query event history: %w", err)
	}
	var events []event.Event
	for _, doc := range docs {
		ev, err := decodeEvent(doc)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if tx := redisTxFrom(ctx); tx != nil {
		events = tx.overlayEvents(contextID, events)
	}
	return events, nil
}

// SaveStateHistory appends a transition record.
func (r *RedisStore) SaveStateHistory(ctx context.Context, entry state.HistoryEntry) error {
	if err := r.check(); err != nil {
		return err
	}
	if entry.ContextID == "" {
		return fmt.Errorf("history entry needs a context id")
	}
	return r.write(ctx, journalOp{kind: opSaveHistory, contextID: entry.ContextID, history: entry})
}

// StateHistory returns transition records, overlaying journal appends
// when called inside a transaction.
func (r *RedisStore) StateHistory(ctx context.Context, contextID string) ([]state.HistoryEntry, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	docs, err := r.client.LRange(ctx, redisHistKey(contextID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query state history: %w", err)
	}
	var entries []state.HistoryEntry
	for _, doc := range docs {
		var entry state.HistoryEntry
		if err := json.Unmarshal([]byte(doc), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if tx := redisTxFrom(ctx); tx != nil {
		entries = tx.overlayHistory(contextID, entries)
	}
	return entries, nil
}

// PutSnapshot upserts the snapshot document and its index entry.
func (r *RedisStore) PutSnapshot(ctx context.Context, snap *state.Snapshot) error {
	if err := r.check(); err != nil {
		return err
	}
	if snap == nil || snap.SnapshotID == "" || snap.ContextID == "" {
		return fmt.Errorf("snapshot needs snapshot and context ids")
	}
	return r.write(ctx, journalOp{kind: opPutSnapshot, snapshot: cloneSnapshot(snap)})
}

// LoadSnapshot retrieves a snapshot by id, checking the journal first.
func (r *RedisStore) LoadSnapshot(ctx context.Context, snapshotID string) (*state.Snapshot, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if tx := redisTxFrom(ctx); tx != nil {
		if snap, deleted, ok := tx.overlaySnapshot(snapshotID); ok {
			if deleted {
				return nil, ErrNotFound
			}
			return snap, nil
		}
	}

	data, err := r.client.Get(ctx, redisSnapKey(snapshotID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	var snap state.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// ListSnapshots returns an instance's snapshots oldest first, including
// journal writes when called inside a transaction.
func (r *RedisStore) ListSnapshots(ctx context.Context, contextID string) ([]state.Snapshot, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	snapIDs, err := r.client.ZRange(ctx, redisSnapsKey(contextID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var snaps []state.Snapshot
	if len(snapIDs) > 0 {
		keys := make([]string, len(snapIDs))
		for i, id := range snapIDs {
			keys[i] = redisSnapKey(id)
		}
		vals, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshots: %w", err)
		}
		for _, v := range vals {
			doc, ok := v.(string)
			if !ok {
				continue
			}
			var snap state.Snapshot
			if err := json.Unmarshal([]byte(doc), &snap); err != nil {
				return nil, fmt.Errorf("failed to decode snapshot: %w", err)
			}
			snaps = append(snaps, snap)
		}
	}

	if tx := redisTxFrom(ctx); tx != nil {
		snaps = tx.overlaySnapshots(contextID, snaps)
	}

	sort.SliceStable(snaps, func(i, j int) bool {
		if !snaps[i].Timestamp.Equal(snaps[j].Timestamp) {
			return snaps[i].Timestamp.Before(snaps[j].Timestamp)
		}
		return snaps[i].SnapshotID < snaps[j].SnapshotID
	})
	return snaps, nil
}

// DeleteSnapshot removes a snapshot document and its index entry;
// unknown ids are a no-op.
func (r *RedisStore) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.write(ctx, journalOp{kind: opDeleteSnapshot, snapshotID: snapshotID})
}

// Ping verifies the server connection is alive.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the underlying client. Journaled transactions hold no
// server resources, so there is nothing else to release. Calling Close
// multiple times is safe.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
