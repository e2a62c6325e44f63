// Package token issues paired access/refresh tokens and rotates refresh
// tokens on use. Refresh tokens are single-use: rotation revokes the
// presented token, and presenting a token that was already rotated out
// is treated as a replay signal.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/apparelcore/authstate/internal/cache"
	"github.com/apparelcore/authstate/internal/domain"
	"github.com/apparelcore/authstate/internal/kv"
	"github.com/apparelcore/authstate/internal/observability"
)

// Signer issues the short-lived access token. Opaque to this package;
// the production implementation is security.JWTManager.
type Signer interface {
	SignAccessToken(user domain.UserClaims, ttl time.Duration) (string, error)
}

// ClaimsProvider fetches current claims from the authoritative user
// store when a rotation mints a fresh access token.
type ClaimsProvider interface {
	ClaimsForUser(ctx context.Context, userID string) (domain.UserClaims, error)
}

type Config struct {
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	RefreshTokenBytes int
	// TombstoneTTL bounds how long a rotated-out token is remembered for
	// positive reuse detection.
	TombstoneTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		AccessTokenTTL:    15 * time.Minute,
		RefreshTokenTTL:   7 * 24 * time.Hour,
		RefreshTokenBytes: 32,
		TombstoneTTL:      24 * time.Hour,
	}
}

type Pair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Manager is fail-closed-by-absence: any read failure makes the refresh
// token read as invalid, forcing re-authentication. Theft and replay
// responses surface to callers identically to plain invalidity so a
// holder of a stolen token learns nothing from the failure shape.
type Manager struct {
	cache  *cache.Service
	signer Signer
	claims ClaimsProvider
	cfg    Config
	logger *slog.Logger
	mode   kv.FailureMode
}

func New(cacheSvc *cache.Service, signer Signer, claims ClaimsProvider, cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = def.AccessTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = def.RefreshTokenTTL
	}
	if cfg.RefreshTokenBytes <= 0 {
		cfg.RefreshTokenBytes = def.RefreshTokenBytes
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = def.TombstoneTTL
	}
	return &Manager{cache: cacheSvc, signer: signer, claims: claims, cfg: cfg, logger: logger, mode: kv.FailClosedAbsent}
}

func recordKey(token string) string    { return "refresh_token:" + token }
func userSetKey(userID string) string  { return "user_refresh_tokens:" + userID }
func tombstoneKey(token string) string { return "refresh_token_rotated:" + token }

// GenerateTokenPair issues a signed access token and a fresh opaque
// refresh token, records the refresh token and adds it to the user's
// token set. Unlike the check paths, issuance surfaces store errors:
// handing out a refresh token the store never saw would produce tokens
// that silently cannot refresh.
func (m *Manager) GenerateTokenPair(ctx context.Context, user domain.UserClaims, device *domain.DeviceInfo) (*Pair, error) {
	access, err := m.signer.SignAccessToken(user, m.cfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	buf := make([]byte, m.cfg.RefreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	refresh := hex.EncodeToString(buf)

	now := time.Now().UTC()
	rec := domain.RefreshTokenRecord{UserID: user.UserID, CreatedAt: now}
	if device != nil {
		rec.DeviceID = device.DeviceID
		rec.UserAgent = device.UserAgent
		rec.IPAddress = device.IPAddress
	}
	if err := m.cache.Set(ctx, recordKey(refresh), rec, m.cfg.RefreshTokenTTL); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	// Set membership and its TTL refresh ride one batched round trip.
	err = m.cache.Pipelined(ctx, func(p kv.Pipeline) error {
		p.SAdd(ctx, userSetKey(user.UserID), refresh)
		p.Expire(ctx, userSetKey(user.UserID), m.cfg.RefreshTokenTTL)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("track refresh token: %w", err)
	}

	observability.RecordTokenRotation(ctx, "issued")
	return &Pair{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(m.cfg.AccessTokenTTL),
		RefreshToken:     refresh,
		RefreshExpiresAt: now.Add(m.cfg.RefreshTokenTTL),
	}, nil
}

// RefreshAccessToken rotates the presented refresh token. A nil return
// means "re-authenticate" and deliberately does not distinguish expiry,
// revocation, replay or theft response.
func (m *Manager) RefreshAccessToken(ctx context.Context, refreshToken string, device *domain.DeviceInfo) *Pair {
	rec, ok, err := cache.Get[domain.RefreshTokenRecord](ctx, m.cache, recordKey(refreshToken))
	if err != nil {
		m.mode.Swallow(ctx, m.logger, "token", "get_record", err)
		return nil
	}
	if !ok {
		return m.handleUnknownToken(ctx, refreshToken)
	}

	// An absent user agent on either side is not a mismatch: omission
	// is too weak a signal to burn every token the user holds.
	if rec.UserAgent != "" && device != nil && device.UserAgent != "" && device.UserAgent != rec.UserAgent {
		observability.RecordTokenRotation(ctx, "theft_detected")
		observability.Audit(ctx, "refresh_token_theft_response",
			"user_id", rec.UserID,
			"recorded_user_agent", rec.UserAgent,
			"presented_user_agent", device.UserAgent,
		)
		if err := m.RevokeRefreshToken(ctx, refreshToken); err != nil {
			m.mode.Swallow(ctx, m.logger, "token", "revoke_presented", err)
		}
		m.RevokeAllUserTokens(ctx, rec.UserID)
		return nil
	}

	if m.claims == nil {
		m.logger.WarnContext(ctx, "no claims provider wired, refusing rotation", "user_id", rec.UserID)
		observability.RecordTokenRotation(ctx, "invalid")
		return nil
	}
	user, err := m.claims.ClaimsForUser(ctx, rec.UserID)
	if err != nil {
		m.logger.WarnContext(ctx, "claims fetch failed during rotation", "user_id", rec.UserID, "error", err.Error())
		observability.RecordTokenRotation(ctx, "invalid")
		return nil
	}

	pair, err := m.GenerateTokenPair(ctx, user, device)
	if err != nil {
		m.mode.Swallow(ctx, m.logger, "token", "mint_pair", err)
		return nil
	}

	// Tombstone the old token before revoking it so a replay of this
	// token reads as "rotated", not "never existed".
	if err := m.cache.Set(ctx, tombstoneKey(refreshToken), rec.UserID, m.cfg.TombstoneTTL); err != nil {
		m.mode.Swallow(ctx, m.logger, "token", "set_tombstone", err)
	}
	if err := m.RevokeRefreshToken(ctx, refreshToken); err != nil {
		m.mode.Swallow(ctx, m.logger, "token", "revoke_rotated", err)
	}

	observability.RecordTokenRotation(ctx, "rotated")
	return pair
}

// handleUnknownToken distinguishes a token that was rotated out (its
// tombstone is still live — a possible replay attack, answered with
// mass revocation) from one that expired or never existed.
func (m *Manager) handleUnknownToken(ctx context.Context, refreshToken string) *Pair {
	userID, ok, err := cache.Get[string](ctx, m.cache, tombstoneKey(refreshToken))
	if err != nil {
		m.mode.Swallow(ctx, m.logger, "token", "get_tombstone", err)
		return nil
	}
	if !ok {
		observability.RecordTokenRotation(ctx, "invalid")
		return nil
	}
	observability.RecordTokenRotation(ctx, "reuse_detected")
	observability.Audit(ctx, "refresh_token_reuse_response", "user_id", userID)
	m.RevokeAllUserTokens(ctx, userID)
	return nil
}

// RevokeRefreshToken deletes the token record and removes it from its
// user's set. Best effort: if the record is already gone the set
// membership cannot be resolved and is left for the set's own TTL.
func (m *Manager) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	rec, ok, err := cache.Get[domain.RefreshTokenRecord](ctx, m.cache, recordKey(refreshToken))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return m.cache.Pipelined(ctx, func(p kv.Pipeline) error {
		p.Del(ctx, recordKey(refreshToken))
		p.SRem(ctx, userSetKey(rec.UserID), refreshToken)
		return nil
	})
}

// RevokeAllUserTokens deletes every refresh token issued to userID and
// the tracking set itself, batched through the store pipeline. Returns
// how many set members were revoked.
func (m *Manager) RevokeAllUserTokens(ctx context.Context, userID string) int {
	members, err := m.cache.SMembers(ctx, userSetKey(userID))
	if err != nil {
		m.mode.Swallow(ctx, m.logger, "token", "smembers", err)
		return 0
	}
	err = m.cache.Pipelined(ctx, func(p kv.Pipeline) error {
		for _, tok := range members {
			p.Del(ctx, recordKey(tok))
		}
		p.Del(ctx, userSetKey(userID))
		return nil
	})
	if err != nil {
		m.mode.Swallow(ctx, m.logger, "token", "revoke_all", err)
		return 0
	}
	if len(members) > 0 {
		observability.Audit(ctx, "refresh_tokens_mass_revoked", "user_id", userID, "count", len(members))
	}
	return len(members)
}

// GetUserActiveSessions materializes the record behind every live member
// of the user's token set. Stale members whose record already expired
// are silently skipped.
func (m *Manager) GetUserActiveSessions(ctx context.Context, userID string) ([]domain.RefreshTokenRecord, error) {
	members, err := m.cache.SMembers(ctx, userSetKey(userID))
	if err != nil {
		return nil, err
	}
	records := make([]domain.RefreshTokenRecord, 0, len(members))
	for _, tok := range members {
		rec, ok, err := cache.Get[domain.RefreshTokenRecord](ctx, m.cache, recordKey(tok))
		if err != nil || !ok {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ValidateRefreshToken reports whether the token is currently valid.
func (m *Manager) ValidateRefreshToken(ctx context.Context, refreshToken string) bool {
	ok, err := m.cache.Exists(ctx, recordKey(refreshToken))
	if err != nil {
		m.mode.Swallow(ctx, m.logger, "token", "exists", err)
		return false
	}
	return ok
}

// GetRefreshTokenTTL returns the token record's remaining seconds, with
// the store's -2/-1 sentinels passed through.
func (m *Manager) GetRefreshTokenTTL(ctx context.Context, refreshToken string) (int64, error) {
	return m.cache.TTL(ctx, recordKey(refreshToken))
}
