package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/apparelcore/authstate/internal/cache"
	"github.com/apparelcore/authstate/internal/domain"
	"github.com/apparelcore/authstate/internal/kv"
	"github.com/apparelcore/authstate/internal/lockout"
	"github.com/apparelcore/authstate/internal/ratelimit"
	"github.com/apparelcore/authstate/internal/security"
	"github.com/apparelcore/authstate/internal/session"
	"github.com/apparelcore/authstate/internal/token"
)

type fixedClaims struct{}

func (fixedClaims) ClaimsForUser(_ context.Context, userID string) (domain.UserClaims, error) {
	role := "operator"
	if userID == "admin-1" {
		role = "admin"
	}
	return domain.UserClaims{UserID: userID, Email: userID + "@example.com", Role: role}, nil
}

type harness struct {
	server  *miniredis.Miniredis
	handler http.Handler
	jwt     *security.JWTManager
	tokens  *token.Manager
	lockout *lockout.Tracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	store := kv.NewRedisStore(client)
	svc := cache.New(store, "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jwtMgr := security.NewJWTManager("authstate", "apparelcore", "test-secret")
	tokens := token.New(svc, jwtMgr, fixedClaims{}, token.DefaultConfig(), logger)
	locks := lockout.New(svc, lockout.DefaultConfig(), logger)

	handler := New(Dependencies{
		JWTManager: jwtMgr,
		Tokens:     tokens,
		Sessions:   session.New(svc, session.DefaultConfig(), logger),
		Lockout:    locks,
		Limiter:    ratelimit.New(svc, logger),
		Store:      store,
	})
	return &harness{server: server, handler: handler, jwt: jwtMgr, tokens: tokens, lockout: locks}
}

func (h *harness) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("User-Agent", "cli/1.0")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) bearerFor(t *testing.T, userID, role string) string {
	t.Helper()
	raw, err := h.jwt.SignAccessToken(domain.UserClaims{UserID: userID, Role: role}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	if rec := h.do(t, http.MethodGet, "/health/live", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("live: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/health/ready", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready: status = %d", rec.Code)
	}

	h.server.Close()
	if rec := h.do(t, http.MethodGet, "/health/ready", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with store down: status = %d", rec.Code)
	}
}

func TestRefreshEndpointRotates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair, err := h.tokens.GenerateTokenPair(ctx, domain.UserClaims{UserID: "user-1", Role: "operator"}, &domain.DeviceInfo{UserAgent: "cli/1.0"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	rec := h.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data token.Pair `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.RefreshToken == "" || resp.Data.RefreshToken == pair.RefreshToken {
		t.Fatalf("rotation returned %q", resp.Data.RefreshToken)
	}

	// The old token is spent.
	rec = h.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay: status = %d", rec.Code)
	}
}

func TestRefreshEndpointRejectsBadRequests(t *testing.T) {
	h := newHarness(t)

	if rec := h.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": "unknown"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown token: status = %d", rec.Code)
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.lockout.RecordFailedLogin(ctx, "victim@example.com")
	}

	if rec := h.do(t, http.MethodGet, "/api/v1/admin/accounts/locked", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/v1/admin/accounts/locked", h.bearerFor(t, "user-1", "operator"), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("operator: status = %d", rec.Code)
	}

	rec := h.do(t, http.MethodGet, "/api/v1/admin/accounts/locked", h.bearerFor(t, "admin-1", "admin"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data struct {
			LockedAccounts []string `json:"locked_accounts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data.LockedAccounts) != 1 || resp.Data.LockedAccounts[0] != "victim@example.com" {
		t.Fatalf("locked accounts = %v", resp.Data.LockedAccounts)
	}
}

func TestAdminUnlockEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.lockout.RecordFailedLogin(ctx, "victim@example.com")
	}

	rec := h.do(t, http.MethodPost, "/api/v1/admin/accounts/unlock", h.bearerFor(t, "admin-1", "admin"), map[string]string{"email": "victim@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unlock: status = %d body = %s", rec.Code, rec.Body.String())
	}
	if st := h.lockout.IsAccountLocked(ctx, "victim@example.com"); st.IsLocked {
		t.Fatal("account still locked")
	}
}

func TestRefreshEndpointIsRateLimited(t *testing.T) {
	h := newHarness(t)

	var last int
	for i := 0; i < 11; i++ {
		rec := h.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{"refresh_token": "nope"})
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("11th auth request: status = %d, want 429", last)
	}
}
