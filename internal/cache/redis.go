package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 500 * time.Millisecond

// tagSetKey namespaces the Redis sets that back the reverse tag index.
func tagSetKey(tag string) string { return "cachetag:" + tag }

// RedisStore is the shared durable tier backed by Redis.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error, so a broken tier reads as a miss.
//   - Set returns nil even on error (silent degradation keeps requests alive).
//   - Delete variants return the underlying error so callers can log it.
//
// Tag invalidation is backed by one Redis set per tag holding member keys.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing Redis client.
func NewRedisStoreFromClient(cli *redis.Client) *RedisStore {
	return &RedisStore{client: cli, queryTimeout: defaultRedisTimeout}
}

// NewRedisStoreFromURL parses redisURL, creates a client, and verifies the
// connection with a PING.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisStore{client: cli, queryTimeout: defaultRedisTimeout}, nil
}

// Get retrieves the value for key. Returns (data, true) on a hit and
// (nil, false) on a miss or any error. Errors are logged at WARN level.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key with ttl and records tag membership.
// Always returns nil — degrade gracefully when Redis is down.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, value, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, tagSetKey(tag), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete removes key. Returns the underlying error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// DeletePrefix removes every key matching prefix* using incremental SCAN so
// large keyspaces don't block the server.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, fmt.Errorf("cache: DEL %s: %w", iter.Val(), err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("cache: SCAN %s*: %w", prefix, err)
	}
	return removed, nil
}

// DeleteTag removes every member of the tag's set, then the set itself.
func (s *RedisStore) DeleteTag(ctx context.Context, tag string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	keys, err := s.client.SMembers(ctx, tagSetKey(tag)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("cache: SMEMBERS %s: %w", tagSetKey(tag), err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("cache: DEL tagged keys: %w", err)
	}
	_ = s.client.Del(ctx, tagSetKey(tag)).Err()

	return len(keys), nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
