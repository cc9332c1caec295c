// Package redis implements history.Store on Redis so the terminal-task
// audit trail survives node restarts. Entries are stored as Hashes with
// a Set index for enumeration.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := historyredis.New(client)
//	if err := store.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hivemesh/fabric"
	"github.com/hivemesh/fabric/history"
	"github.com/hivemesh/fabric/id"
	"github.com/hivemesh/fabric/task"
)

var _ history.Store = (*Store)(nil)

const keyPrefix = "fabric:history:"

// entryKey returns the Hash key for one entry: fabric:history:entry:{id}
func entryKey(entryID string) string { return keyPrefix + "entry:" + entryID }

// idsKey is the Set tracking all entry IDs for enumeration.
const idsKey = keyPrefix + "ids"

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store persists history entries in Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// New creates a Redis-backed history store. The caller owns the Redis
// client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Append records a new entry.
func (s *Store) Append(ctx context.Context, e *history.Entry) error {
	eID := e.ID.String()
	m, err := entryToMap(e)
	if err != nil {
		return fmt.Errorf("fabric/redis: encode history entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, entryKey(eID), m)
	pipe.SAdd(ctx, idsKey, eID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fabric/redis: append history: %w", err)
	}
	return nil
}

// List returns entries matching opts, oldest first.
func (s *Store) List(ctx context.Context, opts history.ListOpts) ([]*history.Entry, error) {
	ids, err := s.client.SMembers(ctx, idsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("fabric/redis: list history: %w", err)
	}

	entries := make([]*history.Entry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, entryKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToEntry(vals)
		if convErr != nil {
			continue
		}
		if opts.TaskType != "" && e.Task.Type != opts.TaskType {
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RecordedAt.Equal(entries[j].RecordedAt) {
			return entries[i].ID.String() < entries[j].ID.String()
		}
		return entries[i].RecordedAt.Before(entries[j].RecordedAt)
	})

	if opts.Offset >= len(entries) {
		return nil, nil
	}
	entries = entries[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// Get retrieves one entry by ID.
func (s *Store) Get(ctx context.Context, entryID id.HistoryID) (*history.Entry, error) {
	vals, err := s.client.HGetAll(ctx, entryKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("fabric/redis: get history: %w", err)
	}
	if len(vals) == 0 {
		return nil, fabric.ErrHistoryNotFound
	}
	return mapToEntry(vals)
}

// MarkReplayed stamps an entry's ReplayedAt.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.HistoryID) error {
	key := entryKey(entryID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("fabric/redis: mark replayed exists: %w", err)
	}
	if exists == 0 {
		return fabric.ErrHistoryNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"replayed_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("fabric/redis: mark replayed: %w", err)
	}
	return nil
}

// Purge removes entries recorded before the given time.
func (s *Store) Purge(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, idsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("fabric/redis: purge history smembers: %w", err)
	}

	purged := 0
	for _, eID := range ids {
		key := entryKey(eID)
		recordedStr, getErr := s.client.HGet(ctx, key, "recorded_at").Result()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				continue
			}
			return purged, fmt.Errorf("fabric/redis: purge history get: %w", getErr)
		}

		recordedAt, _ := time.Parse(time.RFC3339Nano, recordedStr)
		if recordedAt.Before(before) {
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, key)
			pipe.SRem(ctx, idsKey, eID)
			if _, pErr := pipe.Exec(ctx); pErr != nil {
				return purged, fmt.Errorf("fabric/redis: purge history del: %w", pErr)
			}
			purged++
		}
	}
	return purged, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	count, err := s.client.SCard(ctx, idsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("fabric/redis: count history: %w", err)
	}
	return int(count), nil
}

// ── helpers ──

func entryToMap(e *history.Entry) (map[string]interface{}, error) {
	snapshot, err := json.Marshal(e.Task)
	if err != nil {
		return nil, err
	}
	m := map[string]interface{}{
		"id":          e.ID.String(),
		"task":        string(snapshot),
		"task_type":   e.Task.Type,
		"reason":      e.Reason,
		"recorded_at": e.RecordedAt.Format(time.RFC3339Nano),
	}
	if e.ReplayedAt != nil {
		m["replayed_at"] = e.ReplayedAt.Format(time.RFC3339Nano)
	}
	return m, nil
}

func mapToEntry(vals map[string]string) (*history.Entry, error) {
	entryID, err := id.ParseHistoryID(vals["id"])
	if err != nil {
		return nil, fmt.Errorf("fabric/redis: bad history id %q: %w", vals["id"], err)
	}

	var snapshot task.Task
	if err := json.Unmarshal([]byte(vals["task"]), &snapshot); err != nil {
		return nil, fmt.Errorf("fabric/redis: decode history task: %w", err)
	}

	recordedAt, _ := time.Parse(time.RFC3339Nano, vals["recorded_at"])
	e := &history.Entry{
		ID:         entryID,
		Task:       &snapshot,
		Reason:     vals["reason"],
		RecordedAt: recordedAt,
	}
	if raw, ok := vals["replayed_at"]; ok && raw != "" {
		if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			e.ReplayedAt = &t
		}
	}
	return e, nil
}
