package kv

import (
	"context"
	"sort"
	"testing"
	"time"
)

func newMemoryStoreAt(t *testing.T, start time.Time) (*MemoryStore, *time.Time) {
	t.Helper()
	now := start
	s := NewMemoryStore()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestMemoryStoreSetGetWithExpiry(t *testing.T) {
	ctx := context.Background()
	s, now := newMemoryStoreAt(t, time.Unix(1000, 0))

	if err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("get before expiry: v=%q ok=%v err=%v", v, ok, err)
	}

	*now = now.Add(time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected key gone at exact expiry instant")
	}
	if ttl, _ := s.TTL(ctx, "k"); ttl != TTLMissing {
		t.Fatalf("ttl after expiry = %d, want %d", ttl, TTLMissing)
	}
}

func TestMemoryStoreTTLSentinels(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemoryStoreAt(t, time.Unix(1000, 0))

	if ttl, _ := s.TTL(ctx, "missing"); ttl != TTLMissing {
		t.Fatalf("missing ttl = %d, want %d", ttl, TTLMissing)
	}
	if err := s.Set(ctx, "forever", "1", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ttl, _ := s.TTL(ctx, "forever"); ttl != TTLNoExpiry {
		t.Fatalf("no-expiry ttl = %d, want %d", ttl, TTLNoExpiry)
	}
	if err := s.Set(ctx, "timed", "1", 90*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ttl, _ := s.TTL(ctx, "timed"); ttl != 90 {
		t.Fatalf("timed ttl = %d, want 90", ttl)
	}
}

func TestMemoryStoreIncrAndCounters(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemoryStoreAt(t, time.Unix(1000, 0))

	for want := int64(1); want <= 3; want++ {
		got, err := s.Incr(ctx, "count")
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("incr = %d, want %d", got, want)
		}
	}
	if got, _ := s.IncrBy(ctx, "count", 10); got != 13 {
		t.Fatalf("incrby = %d, want 13", got)
	}
	if got, _ := s.DecrBy(ctx, "count", 3); got != 10 {
		t.Fatalf("decrby = %d, want 10", got)
	}

	if err := s.Set(ctx, "text", "not-a-number", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.Incr(ctx, "text"); err == nil {
		t.Fatal("expected error incrementing non-integer value")
	}
}

func TestMemoryStoreExpireAndExists(t *testing.T) {
	ctx := context.Background()
	s, now := newMemoryStoreAt(t, time.Unix(1000, 0))

	if ok, _ := s.Expire(ctx, "missing", time.Minute); ok {
		t.Fatal("expire on missing key should report false")
	}
	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ok, _ := s.Expire(ctx, "k", 30*time.Second); !ok {
		t.Fatal("expire on live key should report true")
	}
	*now = now.Add(31 * time.Second)
	if n, _ := s.Exists(ctx, "k"); n != 0 {
		t.Fatal("key should have expired")
	}
}

func TestMemoryStoreKeysGlob(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemoryStoreAt(t, time.Unix(1000, 0))

	for _, k := range []string{"locked:a@x.com", "locked:b@x.com", "failed_login:a@x.com"} {
		if err := s.Set(ctx, k, "1", 0); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}
	keys, err := s.Keys(ctx, "locked:*")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "locked:a@x.com" || keys[1] != "locked:b@x.com" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestMemoryStoreSets(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemoryStoreAt(t, time.Unix(1000, 0))

	if added, _ := s.SAdd(ctx, "set", "a", "b", "a"); added != 2 {
		t.Fatalf("sadd added = %d, want 2", added)
	}
	members, _ := s.SMembers(ctx, "set")
	if len(members) != 2 {
		t.Fatalf("smembers = %v, want 2 members", members)
	}
	if removed, _ := s.SRem(ctx, "set", "a", "zzz"); removed != 1 {
		t.Fatalf("srem removed = %d, want 1", removed)
	}
	if removed, _ := s.SRem(ctx, "set", "b"); removed != 1 {
		t.Fatalf("srem removed = %d, want 1", removed)
	}
	// Empty sets disappear like in Redis.
	if n, _ := s.Exists(ctx, "set"); n != 0 {
		t.Fatal("empty set should not exist")
	}
}

func TestMemoryStoreListRingBuffer(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemoryStoreAt(t, time.Unix(1000, 0))

	for _, v := range []string{"first", "second", "third"} {
		if _, err := s.LPush(ctx, "ring", v); err != nil {
			t.Fatalf("lpush: %v", err)
		}
	}
	got, _ := s.LRange(ctx, "ring", 0, -1)
	if len(got) != 3 || got[0] != "third" || got[2] != "first" {
		t.Fatalf("lrange = %v", got)
	}
	if err := s.LTrim(ctx, "ring", 0, 1); err != nil {
		t.Fatalf("ltrim: %v", err)
	}
	if n, _ := s.LLen(ctx, "ring"); n != 2 {
		t.Fatalf("llen = %d, want 2", n)
	}
	got, _ = s.LRange(ctx, "ring", 0, -1)
	if len(got) != 2 || got[0] != "third" || got[1] != "second" {
		t.Fatalf("lrange after trim = %v", got)
	}
}

func TestMemoryStorePipelineExecutesInOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemoryStoreAt(t, time.Unix(1000, 0))

	err := s.Pipelined(ctx, func(p Pipeline) error {
		p.LPush(ctx, "events", "a", "b", "c")
		p.LTrim(ctx, "events", 0, 1)
		p.Set(ctx, "flag", "1", time.Minute)
		return nil
	})
	if err != nil {
		t.Fatalf("pipelined: %v", err)
	}
	if n, _ := s.LLen(ctx, "events"); n != 2 {
		t.Fatalf("llen = %d, want 2 after trim", n)
	}
	if _, ok, _ := s.Get(ctx, "flag"); !ok {
		t.Fatal("flag should exist")
	}
}

func TestMemoryStoreMGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newMemoryStoreAt(t, time.Unix(1000, 0))

	if err := s.Set(ctx, "a", "1", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "c", "3", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	vals, err := s.MGet(ctx, "a", "b", "c")
	if err != nil {
		t.Fatalf("mget: %v", err)
	}
	if vals[0] == nil || *vals[0] != "1" || vals[1] != nil || vals[2] == nil || *vals[2] != "3" {
		t.Fatalf("unexpected mget result: %v", vals)
	}
}
