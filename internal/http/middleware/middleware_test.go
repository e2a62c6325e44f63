package middleware

import (
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
	"github.com/apparelcore/authstate/internal/ratelimit"
	"github.com/apparelcore/authstate/internal/security"
	"github.com/apparelcore/authstate/internal/session"
)

func newCacheForTest(t *testing.T) (*miniredis.Miniredis, *cache.Service) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return server, cache.New(kv.NewRedisStore(client), "")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func signedToken(t *testing.T, mgr *security.JWTManager, user domain.UserClaims) string {
	t.Helper()
	raw, err := mgr.SignAccessToken(user, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

func TestAuthRejectsMissingAndInvalidTokens(t *testing.T) {
	mgr := security.NewJWTManager("authstate", "apparelcore", "test-secret")
	handler := Auth(mgr)(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", rec.Code)
	}
}

func TestAuthAcceptsValidTokenAndExposesClaims(t *testing.T) {
	mgr := security.NewJWTManager("authstate", "apparelcore", "test-secret")

	var seen *security.Claims
	handler := Auth(mgr)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, mgr, domain.UserClaims{UserID: "user-1", Role: "operator"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen == nil || seen.Subject != "user-1" {
		t.Fatalf("claims = %+v", seen)
	}
}

func TestRequireRole(t *testing.T) {
	mgr := security.NewJWTManager("authstate", "apparelcore", "test-secret")
	handler := Auth(mgr)(RequireRole("admin")(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, mgr, domain.UserClaims{UserID: "user-1", Role: "operator"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("operator hitting admin route: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, mgr, domain.UserClaims{UserID: "user-2", Role: "admin"}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: status = %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	_, svc := newCacheForTest(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := ratelimit.New(svc, logger)

	handler := RateLimit(limiter, "test", 2, time.Minute, nil)(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining header = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestSessionActivityMiddleware(t *testing.T) {
	_, svc := newCacheForTest(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := session.New(svc, session.DefaultConfig(), logger)
	jwtMgr := security.NewJWTManager("authstate", "apparelcore", "test-secret")

	handler := Auth(jwtMgr)(SessionActivity(tracker)(okHandler()))
	bearer := "Bearer " + signedToken(t, jwtMgr, domain.UserClaims{UserID: "user-1"})

	// No session header: token-only client, passes through.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", bearer)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("no session header: status = %d", rec.Code)
	}

	// Unknown session id reads as expired.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", bearer)
	req.Header.Set(SessionHeader, "sess-unknown")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown session: status = %d", rec.Code)
	}

	// A live session passes and gets touched.
	tracker.UpdateSessionActivity(req.Context(), "sess-1", "user-1", nil)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", bearer)
	req.Header.Set(SessionHeader, "sess-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("live session: status = %d", rec.Code)
	}
}
