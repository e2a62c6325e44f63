// Package router wires the auth state trackers behind a small HTTP
// facade: token refresh and revocation, session introspection, and the
// admin lockout controls.
package router

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/apparelcore/authstate/internal/domain"
	"github.com/apparelcore/authstate/internal/http/middleware"
	"github.com/apparelcore/authstate/internal/http/response"
	"github.com/apparelcore/authstate/internal/kv"
	"github.com/apparelcore/authstate/internal/lockout"
	"github.com/apparelcore/authstate/internal/ratelimit"
	"github.com/apparelcore/authstate/internal/security"
	"github.com/apparelcore/authstate/internal/session"
	"github.com/apparelcore/authstate/internal/token"
)

type Dependencies struct {
	JWTManager *security.JWTManager
	Tokens     *token.Manager
	Sessions   *session.Tracker
	Lockout    *lockout.Tracker
	Limiter    *ratelimit.Limiter
	Store      kv.Store

	APIRateLimitRPM  int
	AuthRateLimitRPM int
	EnableOTelHTTP   bool
}

func New(dep Dependencies) http.Handler {
	if dep.APIRateLimitRPM <= 0 {
		dep.APIRateLimitRPM = 300
	}
	if dep.AuthRateLimitRPM <= 0 {
		dep.AuthRateLimitRPM = 10
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RateLimit(dep.Limiter, "api", dep.APIRateLimitRPM, time.Minute, middleware.SubjectOrIPKey(dep.JWTManager)))

	authLimiter := middleware.RateLimit(dep.Limiter, "auth", dep.AuthRateLimitRPM, time.Minute, nil)

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := dep.Store.Ping(r.Context()); err != nil {
			response.Error(w, r, http.StatusServiceUnavailable, "STORE_UNREACHABLE", "key-value store is not ready", nil)
			return
		}
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
	})

	h := &handlers{dep: dep}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(authLimiter).Post("/auth/refresh", h.refresh)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(dep.JWTManager))
			r.Use(middleware.SessionActivity(dep.Sessions))

			r.Post("/auth/logout", h.logout)
			r.Get("/me/sessions", h.listSessions)
			r.Delete("/me/sessions/{session_id}", h.revokeSession)
			r.Post("/me/sessions/revoke-others", h.revokeOtherSessions)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRole("admin"))
				r.Get("/accounts/locked", h.listLockedAccounts)
				r.Post("/accounts/unlock", h.unlockAccount)
				r.Get("/lockout/events", h.listLockoutEvents)
				r.Get("/lockout/stats", h.lockoutStats)
			})
		})
	})

	if dep.EnableOTelHTTP {
		return otelhttp.NewHandler(r, "authstate.http")
	}
	return r
}

type handlers struct {
	dep Dependencies
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id,omitempty"`
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "refresh_token is required", nil)
		return
	}
	device := &domain.DeviceInfo{
		DeviceID:  req.DeviceID,
		UserAgent: r.UserAgent(),
		IPAddress: middleware.ClientIPKey(r),
	}
	pair := h.dep.Tokens.RefreshAccessToken(r.Context(), req.RefreshToken, device)
	if pair == nil {
		response.Error(w, r, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token is not valid, re-authenticate", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, pair)
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.RefreshToken != "" {
		if err := h.dep.Tokens.RevokeRefreshToken(r.Context(), req.RefreshToken); err != nil {
			response.Error(w, r, http.StatusInternalServerError, "REVOCATION_FAILED", "could not revoke refresh token", nil)
			return
		}
	}
	if sessionID := r.Header.Get(middleware.SessionHeader); sessionID != "" {
		h.dep.Sessions.TerminateSession(r.Context(), sessionID)
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())

	sessions := h.dep.Sessions.GetUserActiveSessions(r.Context(), claims.Subject)
	devices, err := h.dep.Tokens.GetUserActiveSessions(r.Context(), claims.Subject)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "LISTING_FAILED", "could not list refresh tokens", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{
		"sessions": sessions,
		"devices":  devices,
	})
}

func (h *handlers) revokeSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	sessionID := chi.URLParam(r, "session_id")

	owned := false
	for _, s := range h.dep.Sessions.GetUserActiveSessions(r.Context(), claims.Subject) {
		if s.SessionID == sessionID {
			owned = true
			break
		}
	}
	if !owned {
		response.Error(w, r, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session", nil)
		return
	}
	h.dep.Sessions.TerminateSession(r.Context(), sessionID)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "terminated"})
}

func (h *handlers) revokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	current := r.Header.Get(middleware.SessionHeader)

	terminated := 0
	for _, s := range h.dep.Sessions.GetUserActiveSessions(r.Context(), claims.Subject) {
		if s.SessionID == current {
			continue
		}
		h.dep.Sessions.TerminateSession(r.Context(), s.SessionID)
		terminated++
	}
	response.JSON(w, r, http.StatusOK, map[string]int{"terminated": terminated})
}

func (h *handlers) listLockedAccounts(w http.ResponseWriter, r *http.Request) {
	emails, err := h.dep.Lockout.GetLockedAccounts(r.Context())
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "LISTING_FAILED", "could not list locked accounts", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"locked_accounts": emails})
}

type unlockRequest struct {
	Email string `json:"email"`
}

func (h *handlers) unlockAccount(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())

	var req unlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "email is required", nil)
		return
	}
	if err := h.dep.Lockout.UnlockAccount(r.Context(), req.Email, claims.Subject); err != nil {
		response.Error(w, r, http.StatusInternalServerError, "UNLOCK_FAILED", "could not unlock account", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "unlocked"})
}

func (h *handlers) listLockoutEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.dep.Lockout.GetRecentLockoutEvents(r.Context(), limit)
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "LISTING_FAILED", "could not list lockout events", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"events": events})
}

func (h *handlers) lockoutStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.dep.Lockout.GetLockoutStats(r.Context())
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, "STATS_FAILED", "could not compute lockout stats", nil)
		return
	}
	response.JSON(w, r, http.StatusOK, stats)
}
