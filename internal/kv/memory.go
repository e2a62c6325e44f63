package kv

import (
	"context"
	"errors"
	"path"
	"strconv"
	"sync"
	"time"
)

var errWrongType = errors.New("operation against a key holding the wrong kind of value")

type memoryEntry struct {
	str       string
	set       map[string]struct{}
	list      []string
	kind      byte // 's' string, 'e' set, 'l' list
	expiresAt time.Time // zero = no expiry
}

// MemoryStore is the single-process fallback used when no store URL is
// configured or the store is unreachable at startup. TTL semantics mirror
// Redis with expiry checked lazily on access; nothing survives a restart.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*memoryEntry
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*memoryEntry),
		now:  time.Now,
	}
}

// live returns the entry for key, dropping it first if it has expired.
// Callers must hold mu.
func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return "", false, nil
	}
	if e.kind != 's' {
		return "", false, errWrongType
	}
	return e.str, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &memoryEntry{str: value, kind: 's'}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		if s.live(key) != nil {
			delete(s.data, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Exists(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		if s.live(key) != nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return false, nil
	}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	} else {
		delete(s.data, key)
	}
	return true, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return TTLMissing, nil
	}
	if e.expiresAt.IsZero() {
		return TTLNoExpiry, nil
	}
	remaining := e.expiresAt.Sub(s.now())
	// Round up like the Redis TTL reply.
	secs := int64((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs, nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.IncrBy(ctx, key, 1)
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &memoryEntry{kind: 's', str: "0"}
		s.data[key] = e
	}
	if e.kind != 's' {
		return 0, errWrongType
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, errors.New("value is not an integer")
	}
	n += delta
	e.str = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *MemoryStore) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return s.IncrBy(ctx, key, -delta)
}

func (s *MemoryStore) MGet(_ context.Context, keys ...string) ([]*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*string, len(keys))
	for i, key := range keys {
		if e := s.live(key); e != nil && e.kind == 's' {
			v := e.str
			out[i] = &v
		}
	}
	return out, nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key := range s.data {
		if s.live(key) == nil {
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &memoryEntry{kind: 'e', set: make(map[string]struct{})}
		s.data[key] = e
	}
	if e.kind != 'e' {
		return 0, errWrongType
	}
	var added int64
	for _, m := range members {
		if _, ok := e.set[m]; !ok {
			e.set[m] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	if e.kind != 'e' {
		return 0, errWrongType
	}
	var removed int64
	for _, m := range members {
		if _, ok := e.set[m]; ok {
			delete(e.set, m)
			removed++
		}
	}
	if len(e.set) == 0 {
		delete(s.data, key)
	}
	return removed, nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != 'e' {
		return nil, errWrongType
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) LPush(_ context.Context, key string, values ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &memoryEntry{kind: 'l'}
		s.data[key] = e
	}
	if e.kind != 'l' {
		return 0, errWrongType
	}
	for _, v := range values {
		e.list = append([]string{v}, e.list...)
	}
	return int64(len(e.list)), nil
}

func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != 'l' {
		return nil, errWrongType
	}
	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

func (s *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil
	}
	if e.kind != 'l' {
		return errWrongType
	}
	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		delete(s.data, key)
		return nil
	}
	e.list = e.list[start : stop+1]
	return nil
}

func (s *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	if e.kind != 'l' {
		return 0, errWrongType
	}
	return int64(len(e.list)), nil
}

// Pipelined executes commands immediately; batching is a network
// optimization the in-memory store has no use for.
func (s *MemoryStore) Pipelined(ctx context.Context, fn func(Pipeline) error) error {
	return fn(&memoryPipeline{ms: s})
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

type memoryPipeline struct {
	ms *MemoryStore
}

func (p *memoryPipeline) Set(ctx context.Context, key, value string, ttl time.Duration) {
	_ = p.ms.Set(ctx, key, value, ttl)
}

func (p *memoryPipeline) Del(ctx context.Context, keys ...string) {
	_, _ = p.ms.Del(ctx, keys...)
}

func (p *memoryPipeline) Expire(ctx context.Context, key string, ttl time.Duration) {
	_, _ = p.ms.Expire(ctx, key, ttl)
}

func (p *memoryPipeline) SAdd(ctx context.Context, key string, members ...string) {
	_, _ = p.ms.SAdd(ctx, key, members...)
}

func (p *memoryPipeline) SRem(ctx context.Context, key string, members ...string) {
	_, _ = p.ms.SRem(ctx, key, members...)
}

func (p *memoryPipeline) LPush(ctx context.Context, key string, values ...string) {
	_, _ = p.ms.LPush(ctx, key, values...)
}

func (p *memoryPipeline) LTrim(ctx context.Context, key string, start, stop int64) {
	_ = p.ms.LTrim(ctx, key, start, stop)
}
