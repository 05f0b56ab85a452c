package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithinScript increments KEYS[1] by ARGV[1] unless the result would pass
// ARGV[2]; a counter without expiry gets ARGV[3] milliseconds.
// Returns {applied, value, pttl}.
var incrWithinScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local delta = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
if current + delta > max then
  return {0, current, redis.call("PTTL", KEYS[1])}
end
local value = redis.call("INCRBY", KEYS[1], delta)
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return {1, value, redis.call("PTTL", KEYS[1])}
`)

type RedisClient struct {
	client *redis.Client
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

func NewRedis(opts RedisOptions) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisFromClient wraps an already configured client.
func NewRedisFromClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (r *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return normalizeTTL(ttl)
}

func (r *RedisClient) IncrByIfWithin(ctx context.Context, key string, delta, max int64, ttl time.Duration) (CounterResult, error) {
	res, err := incrWithinScript.Run(ctx, r.client, []string{key}, delta, max, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return CounterResult{}, err
	}
	if len(res) != 3 {
		return CounterResult{}, fmt.Errorf("unexpected reply from counter script: %v", res)
	}

	out := CounterResult{Applied: res[0] == 1, Value: res[1]}
	if res[2] > 0 {
		out.TTL = time.Duration(res[2]) * time.Millisecond
	}
	return out, nil
}

func (r *RedisClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

// PTTL replies -2 for a missing key and -1 for a key without expiry. go-redis
// passes both through as raw durations.
func normalizeTTL(ttl time.Duration) (time.Duration, error) {
	switch ttl {
	case -2:
		return 0, ErrNotFound
	case -1:
		return NoExpiry, nil
	}
	if ttl < 0 {
		return 0, ErrNotFound
	}
	return ttl, nil
}

func parseInt(val string) (int64, error) {
	return strconv.ParseInt(val, 10, 64)
}
