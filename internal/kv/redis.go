package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store over a go-redis client.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: client}
}

// Connect parses a redis:// URL, dials and verifies connectivity.
func Connect(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.rdb.Del(ctx, keys...).Result()
}

func (s *RedisStore) Exists(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.rdb.Exists(ctx, keys...).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.Expire(ctx, key, ttl).Result()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (int64, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis reports the -1/-2 sentinels as raw negative durations.
	if d < 0 {
		return int64(d), nil
	}
	return int64(d / time.Second), nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.rdb.IncrBy(ctx, key, delta).Result()
}

func (s *RedisStore) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.rdb.DecrBy(ctx, key, delta).Result()
}

func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*string, len(vals))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = &str
		}
	}
	return out, nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	return s.rdb.Keys(ctx, pattern).Result()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	return s.rdb.SAdd(ctx, key, toAnySlice(members)...).Result()
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	return s.rdb.SRem(ctx, key, toAnySlice(members)...).Result()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	return s.rdb.LPush(ctx, key, toAnySlice(values)...).Result()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.rdb.LTrim(ctx, key, start, stop).Err()
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

func (s *RedisStore) Pipelined(ctx context.Context, fn func(Pipeline) error) error {
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		return fn(&redisPipeline{p: p})
	})
	return err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

type redisPipeline struct {
	p redis.Pipeliner
}

func (r *redisPipeline) Set(ctx context.Context, key, value string, ttl time.Duration) {
	r.p.Set(ctx, key, value, ttl)
}

func (r *redisPipeline) Del(ctx context.Context, keys ...string) {
	if len(keys) > 0 {
		r.p.Del(ctx, keys...)
	}
}

func (r *redisPipeline) Expire(ctx context.Context, key string, ttl time.Duration) {
	r.p.Expire(ctx, key, ttl)
}

func (r *redisPipeline) SAdd(ctx context.Context, key string, members ...string) {
	r.p.SAdd(ctx, key, toAnySlice(members)...)
}

func (r *redisPipeline) SRem(ctx context.Context, key string, members ...string) {
	r.p.SRem(ctx, key, toAnySlice(members)...)
}

func (r *redisPipeline) LPush(ctx context.Context, key string, values ...string) {
	r.p.LPush(ctx, key, toAnySlice(values)...)
}

func (r *redisPipeline) LTrim(ctx context.Context, key string, start, stop int64) {
	r.p.LTrim(ctx, key, start, stop)
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
