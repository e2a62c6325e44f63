// Package kv abstracts the key-value store backing the auth state layer.
// The Redis implementation is authoritative; the in-memory implementation
// mirrors its TTL semantics for single-process development and tests.
package kv

import (
	"context"
	"time"
)

// TTL sentinel values, matching the Redis TTL command reply.
const (
	TTLMissing  int64 = -2
	TTLNoExpiry int64 = -1
)

// Pipeline queues write commands for a single best-effort batched
// round trip. Queued commands are independent; a failing command does
// not roll back the others.
type Pipeline interface {
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Del(ctx context.Context, keys ...string)
	Expire(ctx context.Context, key string, ttl time.Duration)
	SAdd(ctx context.Context, key string, members ...string)
	SRem(ctx context.Context, key string, members ...string)
	LPush(ctx context.Context, key string, values ...string)
	LTrim(ctx context.Context, key string, start, stop int64)
}

// Store is the narrow contract every component composes. Errors are
// propagated as-is; callers decide fail-open versus fail-closed.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. ttl == 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns remaining seconds, TTLMissing for absent keys and
	// TTLNoExpiry for keys without expiry.
	TTL(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	DecrBy(ctx context.Context, key string, delta int64) (int64, error)
	MGet(ctx context.Context, keys ...string) ([]*string, error)
	// Keys lists keys matching a glob-style pattern. O(keyspace); reserved
	// for admin and maintenance paths.
	Keys(ctx context.Context, pattern string) ([]string, error)
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	LPush(ctx context.Context, key string, values ...string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)
	Pipelined(ctx context.Context, fn func(Pipeline) error) error
	Ping(ctx context.Context) error
	Close() error
}
