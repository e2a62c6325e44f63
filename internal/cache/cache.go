// Package cache is a thin JSON-serializing, prefix-namespaced wrapper
// over the key-value store. Every auth component talks to the store
// through a Service.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apparelcore/authstate/internal/kv"
)

type Service struct {
	store  kv.Store
	prefix string
}

// New builds a Service namespaced under prefix. An empty prefix leaves
// keys untouched.
func New(store kv.Store, prefix string) *Service {
	return &Service{store: store, prefix: prefix}
}

func (s *Service) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *Service) stripPrefix(k string) string {
	if s.prefix == "" {
		return k
	}
	return strings.TrimPrefix(k, s.prefix+":")
}

// Get fetches and JSON-decodes the value under key into T. When T is
// string and the payload is not valid JSON, the raw payload is returned
// as-is; values written by Set with a plain string round-trip this way.
func Get[T any](ctx context.Context, s *Service, key string) (T, bool, error) {
	var zero T
	raw, ok, err := s.store.Get(ctx, s.key(key))
	if err != nil || !ok {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		if sp, isString := any(&v).(*string); isString {
			*sp = raw
			return v, true, nil
		}
		return zero, false, fmt.Errorf("decode cached value %q: %w", key, err)
	}
	return v, true, nil
}

// GetOrSet returns the cached value when present; otherwise it invokes
// fetch, stores the result with ttl and returns it. There is no locking:
// concurrent misses may each invoke fetch. Acceptable for idempotent
// recomputation; do not use for side-effecting fetchers.
func GetOrSet[T any](ctx context.Context, s *Service, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok, err := Get[T](ctx, s, key); err == nil && ok {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	// Best effort: a failed write only costs a recomputation later.
	_ = s.Set(ctx, key, v, ttl)
	return v, nil
}

// Set JSON-serializes value unless it is already a string, and stores it
// with ttl (0 = no expiry).
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := encode(value)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, s.key(key), payload, ttl)
}

func encode(value any) (string, error) {
	if sv, ok := value.(string); ok {
		return sv, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode cache value: %w", err)
	}
	return string(b), nil
}

func (s *Service) Delete(ctx context.Context, keys ...string) (int64, error) {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	return s.store.Del(ctx, full...)
}

func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.store.Exists(ctx, s.key(key))
	return n > 0, err
}

func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.store.Expire(ctx, s.key(key), ttl)
}

func (s *Service) TTL(ctx context.Context, key string) (int64, error) {
	return s.store.TTL(ctx, s.key(key))
}

func (s *Service) Incr(ctx context.Context, key string) (int64, error) {
	return s.store.Incr(ctx, s.key(key))
}

func (s *Service) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.store.IncrBy(ctx, s.key(key), delta)
}

func (s *Service) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.store.DecrBy(ctx, s.key(key), delta)
}

// Keys lists keys matching the glob pattern, with the service prefix
// stripped from the results.
func (s *Service) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.store.Keys(ctx, s.key(pattern))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = s.stripPrefix(k)
	}
	return out, nil
}

// InvalidatePattern deletes all keys matching the glob pattern. Listing
// and deleting are two round trips and deliberately not atomic: keys
// created in between survive. Best effort by contract.
func (s *Service) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	keys, err := s.store.Keys(ctx, s.key(pattern))
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return s.store.Del(ctx, keys...)
}

// GetMany returns the raw payloads for the keys that exist.
func (s *Service) GetMany(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	vals, err := s.store.MGet(ctx, full...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for i, v := range vals {
		if v != nil {
			out[keys[i]] = *v
		}
	}
	return out, nil
}

// SetMany stores every entry with the same ttl in one batched round trip.
func (s *Service) SetMany(ctx context.Context, entries map[string]any, ttl time.Duration) error {
	payloads := make(map[string]string, len(entries))
	for k, v := range entries {
		p, err := encode(v)
		if err != nil {
			return err
		}
		payloads[s.key(k)] = p
	}
	return s.store.Pipelined(ctx, func(p kv.Pipeline) error {
		for k, v := range payloads {
			p.Set(ctx, k, v, ttl)
		}
		return nil
	})
}

func (s *Service) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	return s.store.SAdd(ctx, s.key(key), members...)
}

func (s *Service) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	return s.store.SRem(ctx, s.key(key), members...)
}

func (s *Service) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.store.SMembers(ctx, s.key(key))
}

func (s *Service) LPush(ctx context.Context, key string, values ...string) (int64, error) {
	return s.store.LPush(ctx, s.key(key), values...)
}

func (s *Service) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.store.LRange(ctx, s.key(key), start, stop)
}

func (s *Service) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.store.LTrim(ctx, s.key(key), start, stop)
}

func (s *Service) LLen(ctx context.Context, key string) (int64, error) {
	return s.store.LLen(ctx, s.key(key))
}

// Pipelined exposes batched writes with the service prefix applied.
func (s *Service) Pipelined(ctx context.Context, fn func(kv.Pipeline) error) error {
	return s.store.Pipelined(ctx, func(p kv.Pipeline) error {
		return fn(&prefixedPipeline{inner: p, svc: s})
	})
}

type prefixedPipeline struct {
	inner kv.Pipeline
	svc   *Service
}

func (p *prefixedPipeline) Set(ctx context.Context, key, value string, ttl time.Duration) {
	p.inner.Set(ctx, p.svc.key(key), value, ttl)
}

func (p *prefixedPipeline) Del(ctx context.Context, keys ...string) {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = p.svc.key(k)
	}
	p.inner.Del(ctx, full...)
}

func (p *prefixedPipeline) Expire(ctx context.Context, key string, ttl time.Duration) {
	p.inner.Expire(ctx, p.svc.key(key), ttl)
}

func (p *prefixedPipeline) SAdd(ctx context.Context, key string, members ...string) {
	p.inner.SAdd(ctx, p.svc.key(key), members...)
}

func (p *prefixedPipeline) SRem(ctx context.Context, key string, members ...string) {
	p.inner.SRem(ctx, p.svc.key(key), members...)
}

func (p *prefixedPipeline) LPush(ctx context.Context, key string, values ...string) {
	p.inner.LPush(ctx, p.svc.key(key), values...)
}

func (p *prefixedPipeline) LTrim(ctx context.Context, key string, start, stop int64) {
	p.inner.LTrim(ctx, p.svc.key(key), start, stop)
}
