package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig contains configuration options for the Redis backend.
type RedisConfig struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "nyuki:events:"
	KeyPrefix string

	// TTL bounds how long records are retained. Default 24h.
	TTL time.Duration
}

// Redis implements Backend on top of Redis. Records live under
// <prefix>rec:<id> with a TTL; a sorted set at <prefix>index keyed by store
// time preserves replay order.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis-backed persistence store.
func NewRedis(config RedisConfig) (*Redis, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "nyuki:events:"
	}
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	return &Redis{
		client: config.Client,
		prefix: config.KeyPrefix,
		ttl:    config.TTL,
	}, nil
}

func (r *Redis) recKey(id string) string { return r.prefix + "rec:" + id }
func (r *Redis) indexKey() string        { return r.prefix + "index" }

func (r *Redis) Store(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recKey(rec.ID), data, r.ttl)
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{
		Score:  float64(rec.StoredAt.UnixNano()),
		Member: rec.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: store %s: %v", ErrBackendUnavailable, rec.ID, err)
	}
	return nil
}

func (r *Redis) MarkStatus(ctx context.Context, id string, status Status) error {
	result := r.client.Get(ctx, r.recKey(id))
	if result.Err() != nil {
		if result.Err() == redis.Nil {
			// Aged out; nothing to update.
			return nil
		}
		return fmt.Errorf("%w: get %s: %v", ErrBackendUnavailable, id, result.Err())
	}

	var rec Record
	if err := json.Unmarshal([]byte(result.Val()), &rec); err != nil {
		return fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	rec.Status = status

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", id, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recKey(id), data, redis.KeepTTL)
	if status == StatusAcked || status == StatusFailed {
		pipe.ZRem(ctx, r.indexKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: update %s: %v", ErrBackendUnavailable, id, err)
	}
	return nil
}

func (r *Redis) Pending(ctx context.Context) ([]Record, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: range index: %v", ErrBackendUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.recKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: fetch records: %v", ErrBackendUnavailable, err)
	}

	var out []Record
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Record expired but index entry survived; drop the stale entry.
			r.client.ZRem(ctx, r.indexKey(), ids[i])
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record %s: %w", ids[i], err)
		}
		if rec.Status == StatusPending || rec.Status == StatusSent {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
