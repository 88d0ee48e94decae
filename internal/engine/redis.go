package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "mirror:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key (default: "mirror:").
	Prefix string
	// Timeout bounds each store operation (default: 5s).
	Timeout time.Duration
}

// RedisStore implements Store on Redis so several hosts can share one
// escrow. Each bucket is a hash of JSON values; owners and buckets are
// indexed in sets.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	mu      sync.RWMutex
	closed  bool
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	s := NewRedisStoreFromClient(client, cfg.Prefix)
	if cfg.Timeout > 0 {
		s.timeout = cfg.Timeout
	}

	ctx, cancel := s.ctx()
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. Tests use it with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, timeout: 5 * time.Second}
}

func (r *RedisStore) ownersKey() string {
	return r.prefix + "owners"
}

func (r *RedisStore) bucketsKey(owner string) string {
	return r.prefix + "buckets:" + owner
}

func (r *RedisStore) dataKey(owner, bucket string) string {
	return r.prefix + "data:" + owner + ":" + bucket
}

func (r *RedisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

func (r *RedisStore) Get(owner, bucket, key string) (any, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := r.ctx()
	defer cancel()

	raw, err := r.client.HGet(ctx, r.dataKey(owner, bucket), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, r.missing(ctx, owner, bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	var val any
	if err := json.Unmarshal(raw, &val); err != nil {
		return nil, fmt.Errorf("decode %s/%s/%s: %w", owner, bucket, key, err)
	}
	return val, nil
}

// missing reports which level of the address does not exist.
func (r *RedisStore) missing(ctx context.Context, owner, bucket string) error {
	ok, err := r.client.SIsMember(ctx, r.ownersKey(), owner).Result()
	if err != nil {
		return fmt.Errorf("redis sismember: %w", err)
	}
	if !ok {
		return ErrOwnerNotFound
	}
	ok, err = r.client.SIsMember(ctx, r.bucketsKey(owner), bucket).Result()
	if err != nil {
		return fmt.Errorf("redis sismember: %w", err)
	}
	if !ok {
		return ErrBucketNotFound
	}
	return ErrKeyNotFound
}

func (r *RedisStore) Set(owner, bucket, key string, val any) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("marshal %s/%s/%s: %w", owner, bucket, key, err)
	}
	ctx, cancel := r.ctx()
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.ownersKey(), owner)
	pipe.SAdd(ctx, r.bucketsKey(owner), bucket)
	pipe.HSet(ctx, r.dataKey(owner, bucket), key, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(owner, bucket, key string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.HDel(ctx, r.dataKey(owner, bucket), key).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

func (r *RedisStore) Owners() ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := r.ctx()
	defer cancel()
	list, err := r.client.SMembers(ctx, r.ownersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(list)
	return list, nil
}

func (r *RedisStore) Buckets(owner string) ([]string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := r.ctx()
	defer cancel()
	list, err := r.client.SMembers(ctx, r.bucketsKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(list)
	return list, nil
}

func (r *RedisStore) Bucket(owner, bucket string) (map[string]any, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := r.ctx()
	defer cancel()

	ok, err := r.client.SIsMember(ctx, r.bucketsKey(owner), bucket).Result()
	if err != nil {
		return nil, fmt.Errorf("redis sismember: %w", err)
	}
	if !ok {
		return nil, ErrBucketNotFound
	}
	fields, err := r.client.HGetAll(ctx, r.dataKey(owner, bucket)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make(map[string]any, len(fields))
	for k, raw := range fields {
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			return nil, fmt.Errorf("decode %s/%s/%s: %w", owner, bucket, k, err)
		}
		out[k] = val
	}
	return out, nil
}

// Close closes the underlying client. It is safe to call more than once.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
