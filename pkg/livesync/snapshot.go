package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshotter persists the processed-key cache as {key: lastSeenMillis}.
type Snapshotter interface {
	Load(ctx context.Context) (map[string]int64, error)
	Save(ctx context.Context, entries map[string]int64) error
}

// FileSnapshotter keeps the snapshot in a JSON file.
type FileSnapshotter struct {
	Path string
}

// Load reads the snapshot; a missing file is an empty cache.
func (f *FileSnapshotter) Load(_ context.Context) (map[string]int64, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	out := map[string]int64{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return out, nil
}

// Save writes the snapshot through a temp file and rename.
func (f *FileSnapshotter) Save(_ context.Context, entries map[string]int64) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// RedisKeyPrefix namespaces snapshots in a shared Redis.
const RedisKeyPrefix = "livesync:processed:"

// RedisSnapshotter keeps the snapshot as one JSON value in Redis, so several
// client processes of one operator share it.
type RedisSnapshotter struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisSnapshotter stores under livesync:processed:<namespace>. The value
// expires after ttl; zero keeps it forever.
func NewRedisSnapshotter(client redis.Cmdable, namespace string, ttl time.Duration) *RedisSnapshotter {
	return &RedisSnapshotter{client: client, key: RedisKeyPrefix + namespace, ttl: ttl}
}

// Key returns the Redis key in use.
func (r *RedisSnapshotter) Key() string { return r.key }

// Load reads the snapshot; a missing key is an empty cache.
func (r *RedisSnapshotter) Load(ctx context.Context) (map[string]int64, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	out := map[string]int64{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return out, nil
}

// Save replaces the snapshot.
func (r *RedisSnapshotter) Save(ctx context.Context, entries map[string]int64) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}
