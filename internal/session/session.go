// Package session tracks per-session activity with two independent TTL
// clocks: a sliding inactivity timeout reset on every touch, and an
// absolute timeout written once at session creation and never extended.
package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apparelcore/authstate/internal/cache"
	"github.com/apparelcore/authstate/internal/kv"
)

type Config struct {
	InactivityTimeout time.Duration
	AbsoluteTimeout   time.Duration
	WarningThreshold  time.Duration
	SweepInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 30 * time.Minute,
		AbsoluteTimeout:   12 * time.Hour,
		WarningThreshold:  5 * time.Minute,
		SweepInterval:     10 * time.Minute,
	}
}

type Activity struct {
	UserID       string    `json:"user_id"`
	LastActivity time.Time `json:"last_activity"`
	SessionStart time.Time `json:"session_start"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
}

type Metadata struct {
	IPAddress string
	UserAgent string
}

// Status describes a live session. A nil *Status from Check means the
// session is dead and the caller must force re-authentication.
type Status struct {
	IsActive          bool          `json:"is_active"`
	LastActivity      time.Time     `json:"last_activity"`
	TimeUntilTimeout  time.Duration `json:"time_until_timeout"`
	ShouldWarn        bool          `json:"should_warn"`
	AbsoluteTimeoutAt time.Time     `json:"absolute_timeout_at"`
}

type ActiveSession struct {
	SessionID string `json:"session_id"`
	Activity
}

// Tracker is fail-closed-by-absence: a store error on any read path is
// swallowed and the session reads as missing, forcing re-login.
type Tracker struct {
	cache  *cache.Service
	cfg    Config
	logger *slog.Logger
	mode   kv.FailureMode
}

func New(cacheSvc *cache.Service, cfg Config, logger *slog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.AbsoluteTimeout <= 0 {
		cfg.AbsoluteTimeout = def.AbsoluteTimeout
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = def.WarningThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Tracker{cache: cacheSvc, cfg: cfg, logger: logger, mode: kv.FailClosedAbsent}
}

func activityKey(sessionID string) string { return "session_activity:" + sessionID }
func absoluteKey(sessionID string) string { return "session_absolute:" + sessionID }
func dataKey(sessionID string) string     { return "session_data:" + sessionID }

// UpdateSessionActivity records a touch: the activity record is written
// back with the full inactivity TTL (the sliding part), and the absolute
// key is created with its fixed TTL if this is the session's first
// touch. The absolute key is never refreshed afterwards; that is the
// hard ceiling on session lifetime.
func (t *Tracker) UpdateSessionActivity(ctx context.Context, sessionID, userID string, meta *Metadata) {
	now := time.Now().UTC()

	existing, ok, err := cache.Get[Activity](ctx, t.cache, activityKey(sessionID))
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "session", "get_activity", err)
		ok = false
	}

	act := Activity{UserID: userID, LastActivity: now, SessionStart: now}
	if ok {
		act.SessionStart = existing.SessionStart
		act.IPAddress = existing.IPAddress
		act.UserAgent = existing.UserAgent
	} else if meta != nil {
		act.IPAddress = meta.IPAddress
		act.UserAgent = meta.UserAgent
	}

	if err := t.cache.Set(ctx, activityKey(sessionID), act, t.cfg.InactivityTimeout); err != nil {
		t.mode.Swallow(ctx, t.logger, "session", "set_activity", err)
		return
	}

	exists, err := t.cache.Exists(ctx, absoluteKey(sessionID))
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "session", "exists_absolute", err)
		return
	}
	if !exists {
		// Two racing first touches may both write this key; both compute
		// the same TTL, so the ceiling is unaffected.
		if err := t.cache.Set(ctx, absoluteKey(sessionID), userID, t.cfg.AbsoluteTimeout); err != nil {
			t.mode.Swallow(ctx, t.logger, "session", "set_absolute", err)
		}
	}
}

// CheckSessionTimeout reports the session's state. The absolute clock
// wins: once it has run out the session is force-terminated even if the
// activity record is still fresh.
func (t *Tracker) CheckSessionTimeout(ctx context.Context, sessionID string) *Status {
	act, ok, err := cache.Get[Activity](ctx, t.cache, activityKey(sessionID))
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "session", "get_activity", err)
		return nil
	}
	if !ok {
		return nil
	}

	absTTL, err := t.cache.TTL(ctx, absoluteKey(sessionID))
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "session", "ttl_absolute", err)
		return nil
	}
	if absTTL <= 0 {
		t.TerminateSession(ctx, sessionID)
		return nil
	}

	actTTL, err := t.cache.TTL(ctx, activityKey(sessionID))
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "session", "ttl_activity", err)
		return nil
	}
	if actTTL <= 0 {
		return nil
	}

	now := time.Now()
	timeUntil := time.Duration(actTTL) * time.Second
	return &Status{
		IsActive:          true,
		LastActivity:      act.LastActivity,
		TimeUntilTimeout:  timeUntil,
		ShouldWarn:        timeUntil > 0 && timeUntil <= t.cfg.WarningThreshold,
		AbsoluteTimeoutAt: now.Add(time.Duration(absTTL) * time.Second),
	}
}

// TerminateSession deletes all keys for the session, including any
// opaque session-data payload. Idempotent.
func (t *Tracker) TerminateSession(ctx context.Context, sessionID string) {
	if _, err := t.cache.Delete(ctx, activityKey(sessionID), absoluteKey(sessionID), dataKey(sessionID)); err != nil {
		t.mode.Swallow(ctx, t.logger, "session", "terminate", err)
	}
}

// ExtendSession resets only the inactivity TTL; the absolute key is
// untouched. Returns false if the session no longer exists.
func (t *Tracker) ExtendSession(ctx context.Context, sessionID string) bool {
	ok, err := t.cache.Expire(ctx, activityKey(sessionID), t.cfg.InactivityTimeout)
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "session", "extend", err)
		return false
	}
	return ok
}

// GetUserActiveSessions scans every activity key and filters by the
// embedded user id. O(total sessions); fine at expected session counts,
// revisit if the session table grows past tens of thousands.
func (t *Tracker) GetUserActiveSessions(ctx context.Context, userID string) []ActiveSession {
	keys, err := t.cache.Keys(ctx, activityKey("*"))
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "session", "scan", err)
		return nil
	}
	var sessions []ActiveSession
	for _, key := range keys {
		act, ok, err := cache.Get[Activity](ctx, t.cache, key)
		if err != nil || !ok || act.UserID != userID {
			continue
		}
		sessions = append(sessions, ActiveSession{
			SessionID: strings.TrimPrefix(key, activityKey("")),
			Activity:  act,
		})
	}
	return sessions
}

// TerminateAllUserSessions force-terminates every live session belonging
// to userID and returns how many were terminated.
func (t *Tracker) TerminateAllUserSessions(ctx context.Context, userID string) int {
	sessions := t.GetUserActiveSessions(ctx, userID)
	if len(sessions) == 0 {
		return 0
	}
	err := t.cache.Pipelined(ctx, func(p kv.Pipeline) error {
		for _, s := range sessions {
			p.Del(ctx, activityKey(s.SessionID), absoluteKey(s.SessionID), dataKey(s.SessionID))
		}
		return nil
	})
	if err != nil {
		t.mode.Swallow(ctx, t.logger, "session", "terminate_all", err)
		return 0
	}
	return len(sessions)
}

// CleanupExpiredSessions deletes any activity or absolute key whose
// queried TTL is not positive. The store normally expires these on its
// own; the sweep is defensive cleanup for stores that do not reliably
// auto-expire, and it also catches keys written without a TTL.
func (t *Tracker) CleanupExpiredSessions(ctx context.Context) int {
	patterns := []string{activityKey("*"), absoluteKey("*")}
	stale := make([][]string, len(patterns))

	g, gctx := errgroup.WithContext(ctx)
	for i, pattern := range patterns {
		g.Go(func() error {
			keys, err := t.cache.Keys(gctx, pattern)
			if err != nil {
				return err
			}
			for _, key := range keys {
				ttl, err := t.cache.TTL(gctx, key)
				if err != nil {
					return err
				}
				if ttl <= 0 && ttl != kv.TTLMissing {
					stale[i] = append(stale[i], key)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.mode.Swallow(ctx, t.logger, "session", "cleanup_scan", err)
		return 0
	}

	var cleaned int64
	for _, keys := range stale {
		if len(keys) == 0 {
			continue
		}
		n, err := t.cache.Delete(ctx, keys...)
		if err != nil {
			t.mode.Swallow(ctx, t.logger, "session", "cleanup_del", err)
			continue
		}
		cleaned += n
	}
	return int(cleaned)
}
