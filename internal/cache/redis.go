// Package cache keeps task snapshots in Redis for read-heavy dashboards.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aristath/taskengine/internal/scheduler"
)

const (
	// TaskKeyPrefix prefixes task snapshot keys.
	TaskKeyPrefix = "taskengine:task:"

	defaultTTL = 30 * time.Second

	// maxPutAttempts bounds optimistic retries when writers race on a key.
	maxPutAttempts = 5
)

// Config configures the Redis connection.
type Config struct {
	Addr string
	DB   int
	TTL  time.Duration // Snapshot lifetime (default 30s)
}

// TaskCache caches task snapshots. It is filled on reads and written
// through on every commit; a snapshot never replaces a newer one of the same
// task. Entries expire after TTL.
type TaskCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*TaskCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	log.Printf("Connected to Redis at %s", cfg.Addr)
	return New(rdb, cfg.TTL), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, ttl time.Duration) *TaskCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &TaskCache{rdb: rdb, ttl: ttl}
}

// Key returns the Redis key of a task snapshot.
func Key(id int64) string {
	return TaskKeyPrefix + strconv.FormatInt(id, 10)
}

// entry is the stored form of a snapshot. Task.Version is not part of the
// task's JSON, so it is carried alongside.
type entry struct {
	Version int            `json:"version"`
	Task    scheduler.Task `json:"task"`
}

// Get returns a cached task. A miss is (Task{}, false, nil).
func (c *TaskCache) Get(ctx context.Context, id int64) (scheduler.Task, bool, error) {
	val, err := c.rdb.Get(ctx, Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return scheduler.Task{}, false, nil
	}
	if err != nil {
		return scheduler.Task{}, false, fmt.Errorf("reading task %d from cache: %w", id, err)
	}

	var e entry
	if err := json.Unmarshal(val, &e); err != nil {
		return scheduler.Task{}, false, fmt.Errorf("decoding cached task %d: %w", id, err)
	}
	e.Task.Version = e.Version
	return e.Task, true, nil
}

// Put stores a task snapshot unless the cache already holds the same or a
// later version. The check and the write run in one WATCH transaction.
func (c *TaskCache) Put(ctx context.Context, task scheduler.Task) error {
	data, err := json.Marshal(entry{Version: task.Version, Task: task})
	if err != nil {
		return fmt.Errorf("encoding task %d: %w", task.ID, err)
	}
	key := Key(task.ID)

	txf := func(tx *redis.Tx) error {
		cached, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && !supersedes(task, cached) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxPutAttempts; i++ {
		err = c.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("caching task %d: %w", task.ID, err)
	}
	return nil
}

// supersedes reports whether task should replace the cached entry. An entry
// left by an earlier incarnation of the id, or one that does not decode, is
// always replaced.
func supersedes(task scheduler.Task, cached []byte) bool {
	var e entry
	if err := json.Unmarshal(cached, &e); err != nil {
		return true
	}
	if !e.Task.CreatedAt.Equal(task.CreatedAt) {
		return true
	}
	return task.Version > e.Version
}

// Close closes the Redis client.
func (c *TaskCache) Close() error {
	return c.rdb.Close()
}
