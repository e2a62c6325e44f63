// Package lockout tracks failed login attempts per account and locks
// accounts that cross the attempt threshold. Lock state lives entirely
// in the key-value store and self-expires; the event log is a bounded
// diagnostic ring, not a source of truth.
package lockout

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/apparelcore/authstate/internal/cache"
	"github.com/apparelcore/authstate/internal/kv"
	"github.com/apparelcore/authstate/internal/observability"
)

const (
	ActionLocked   = "LOCKED"
	ActionUnlocked = "UNLOCKED"
	ActionCleared  = "CLEARED"

	eventLogKey = "lockout_events"
	eventLogMax = 1000
)

type Config struct {
	MaxAttempts     int
	AttemptWindow   time.Duration
	LockoutDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		AttemptWindow:   15 * time.Minute,
		LockoutDuration: 30 * time.Minute,
	}
}

// Status is returned by every check/record operation. While an account
// is locked, FailedAttempts reports the configured maximum regardless
// of any transient over-count near the threshold.
type Status struct {
	IsLocked          bool       `json:"is_locked"`
	FailedAttempts    int        `json:"failed_attempts"`
	RemainingAttempts int        `json:"remaining_attempts"`
	LockoutExpiresAt  *time.Time `json:"lockout_expires_at,omitempty"`
	CanRetryAt        *time.Time `json:"can_retry_at,omitempty"`
}

type Event struct {
	Email     string    `json:"email"`
	Action    string    `json:"action"`
	Attempts  int       `json:"attempts,omitempty"`
	AdminID   string    `json:"admin_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Stats struct {
	LockedAccounts    int   `json:"locked_accounts"`
	OutstandingFailed int64 `json:"outstanding_failed_attempts"`
	EventLogLength    int64 `json:"event_log_length"`
}

// Tracker is fail-open: a store error during any check/record operation
// is swallowed and reported as "not locked, zero attempts". Blocking
// legitimate users because the store is down costs more than letting an
// attacker take a few extra guesses. UnlockAccount is the one exception
// and surfaces hard failures, since an admin needs to know the unlock
// did not happen.
type Tracker struct {
	cache  *cache.Service
	cfg    Config
	logger *slog.Logger
	mode   kv.FailureMode
}

func New(cacheSvc *cache.Service, cfg Config, logger *slog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = def.AttemptWindow
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = def.LockoutDuration
	}
	return &Tracker{cache: cacheSvc, cfg: cfg, logger: logger, mode: kv.FailOpen}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func attemptKey(email string) string { return "failed_login:" + email }
func lockKey(email string) string    { return "locked:" + email }

// RecordFailedLogin counts one failed attempt against email and returns
// the resulting lock status. While the lock flag is present no new
// failure is counted.
//
// The lock check and the increment are two commands, not one: concurrent
// attempts racing the threshold can record a transient over-count (six
// attempts observed where five lock). Accepted for an anti-brute-force
// control.
func (t *Tracker) RecordFailedLogin(ctx context.Context, email string) Status {
	email = normalizeEmail(email)

	if st, locked := t.lockedStatus(ctx, email); locked {
		return st
	}

	count, err := t.cache.Incr(ctx, attemptKey(email))
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "lockout", "incr_attempts", err)
		return t.unlockedStatus(0)
	}
	if count == 1 {
		if _, err := t.cache.Expire(ctx, attemptKey(email), t.cfg.AttemptWindow); err != nil {
			t.mode.Swallow(ctx, t.logger, "lockout", "expire_attempts", err)
		}
	}

	if count >= int64(t.cfg.MaxAttempts) {
		return t.lock(ctx, email, int(count))
	}
	return t.unlockedStatus(int(count))
}

func (t *Tracker) lock(ctx context.Context, email string, attempts int) Status {
	if err := t.cache.Set(ctx, lockKey(email), "1", t.cfg.LockoutDuration); err != nil {
		t.mode.Swallow(ctx, t.logger, "lockout", "set_lock", err)
		return t.unlockedStatus(0)
	}
	if _, err := t.cache.Delete(ctx, attemptKey(email)); err != nil {
		t.mode.Swallow(ctx, t.logger, "lockout", "del_attempts", err)
	}
	t.appendEvent(ctx, Event{Email: email, Action: ActionLocked, Attempts: attempts, Timestamp: time.Now().UTC()})
	observability.RecordLockoutEvent(ctx, ActionLocked)
	observability.Audit(ctx, "account_locked", "email", email, "attempts", attempts)

	exp := time.Now().Add(t.cfg.LockoutDuration)
	return t.lockedShape(exp)
}

// IsAccountLocked is the read-only variant of RecordFailedLogin; it
// never increments.
func (t *Tracker) IsAccountLocked(ctx context.Context, email string) Status {
	email = normalizeEmail(email)
	if st, locked := t.lockedStatus(ctx, email); locked {
		return st
	}
	count, ok, err := cache.Get[int](ctx, t.cache, attemptKey(email))
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "lockout", "get_attempts", err)
		return t.unlockedStatus(0)
	}
	if !ok {
		count = 0
	}
	return t.unlockedStatus(count)
}

// ClearFailedAttempts removes both the counter and the lock flag after a
// successful login.
func (t *Tracker) ClearFailedAttempts(ctx context.Context, email string) {
	email = normalizeEmail(email)
	prior, _, err := cache.Get[int](ctx, t.cache, attemptKey(email))
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "lockout", "get_attempts", err)
	}
	if _, err := t.cache.Delete(ctx, attemptKey(email), lockKey(email)); err != nil {
		t.mode.Swallow(ctx, t.logger, "lockout", "clear", err)
		return
	}
	if prior > 0 {
		t.appendEvent(ctx, Event{Email: email, Action: ActionCleared, Attempts: prior, Timestamp: time.Now().UTC()})
		observability.RecordLockoutEvent(ctx, ActionCleared)
	}
}

// UnlockAccount is an administrative override. Unlike every other
// operation it propagates store errors: the caller is an admin action
// that must know whether the unlock happened.
func (t *Tracker) UnlockAccount(ctx context.Context, email, adminID string) error {
	email = normalizeEmail(email)
	if _, err := t.cache.Delete(ctx, attemptKey(email), lockKey(email)); err != nil {
		return err
	}
	t.appendEvent(ctx, Event{Email: email, Action: ActionUnlocked, AdminID: adminID, Timestamp: time.Now().UTC()})
	observability.RecordLockoutEvent(ctx, ActionUnlocked)
	observability.Audit(ctx, "account_unlocked", "email", email, "admin_id", adminID)
	return nil
}

// GetLockedAccounts lists the bare emails of currently locked accounts.
func (t *Tracker) GetLockedAccounts(ctx context.Context) ([]string, error) {
	keys, err := t.cache.Keys(ctx, lockKey("*"))
	if err != nil {
		return nil, err
	}
	emails := make([]string, len(keys))
	for i, k := range keys {
		emails[i] = strings.TrimPrefix(k, lockKey(""))
	}
	return emails, nil
}

// GetRecentLockoutEvents returns up to limit events, newest first.
// Entries that fail to decode are skipped; the log is diagnostic.
func (t *Tracker) GetRecentLockoutEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := t.cache.LRange(ctx, eventLogKey, 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			t.logger.DebugContext(ctx, "skipping malformed lockout event", "error", err.Error())
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (t *Tracker) GetLockoutStats(ctx context.Context) (Stats, error) {
	locked, err := t.cache.Keys(ctx, lockKey("*"))
	if err != nil {
		return Stats{}, err
	}
	attemptKeys, err := t.cache.Keys(ctx, attemptKey("*"))
	if err != nil {
		return Stats{}, err
	}
	var outstanding int64
	if len(attemptKeys) > 0 {
		vals, err := t.cache.GetMany(ctx, attemptKeys...)
		if err != nil {
			return Stats{}, err
		}
		for _, v := range vals {
			var n int64
			if err := json.Unmarshal([]byte(v), &n); err == nil {
				outstanding += n
			}
		}
	}
	length, err := t.cache.LLen(ctx, eventLogKey)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		LockedAccounts:    len(locked),
		OutstandingFailed: outstanding,
		EventLogLength:    length,
	}, nil
}

// appendEvent pushes onto the ring and trims it to the newest
// eventLogMax entries in one batched round trip. Best effort.
func (t *Tracker) appendEvent(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	err = t.cache.Pipelined(ctx, func(p kv.Pipeline) error {
		p.LPush(ctx, eventLogKey, string(payload))
		p.LTrim(ctx, eventLogKey, 0, eventLogMax-1)
		return nil
	})
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "lockout", "append_event", err)
	}
}

func (t *Tracker) unlockedStatus(count int) Status {
	remaining := t.cfg.MaxAttempts - count
	if remaining < 0 {
		remaining = 0
	}
	return Status{IsLocked: false, FailedAttempts: count, RemainingAttempts: remaining}
}

func (t *Tracker) lockedShape(expiresAt time.Time) Status {
	return Status{
		IsLocked:          true,
		FailedAttempts:    t.cfg.MaxAttempts,
		RemainingAttempts: 0,
		LockoutExpiresAt:  &expiresAt,
		CanRetryAt:        &expiresAt,
	}
}

// lockedStatus reads the lock flag's TTL. Its presence is authoritative;
// the attempt counter is not consulted while it exists.
func (t *Tracker) lockedStatus(ctx context.Context, email string) (Status, bool) {
	ttl, err := t.cache.TTL(ctx, lockKey(email))
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "lockout", "ttl_lock", err)
		return Status{}, false
	}
	if ttl == kv.TTLMissing {
		return Status{}, false
	}
	exp := time.Now().Add(t.cfg.LockoutDuration)
	if ttl > 0 {
		exp = time.Now().Add(time.Duration(ttl) * time.Second)
	}
	return t.lockedShape(exp), true
}
