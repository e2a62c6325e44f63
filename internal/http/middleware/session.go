package middleware

import (
	"net/http"
	"strconv"

	"github.com/apparelcore/authstate/internal/http/response"
	"github.com/apparelcore/authstate/internal/session"
)

const SessionHeader = "X-Session-Id"

// SessionActivity enforces the session timeout clocks for requests that
// carry a session id and records the touch that slides the inactivity
// window. Requests without the header pass through; short-lived
// token-only clients have no session to track. The session record must
// already exist: the caller (the login flow, via the tracker API)
// creates it before presenting the header, and an unknown id is treated
// as expired rather than implicitly created.
func SessionActivity(tracker *session.Tracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := r.Header.Get(SessionHeader)
			if sessionID == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
				return
			}

			st := tracker.CheckSessionTimeout(r.Context(), sessionID)
			if st == nil {
				response.Error(w, r, http.StatusUnauthorized, "SESSION_EXPIRED", "session expired, re-authenticate", nil)
				return
			}
			if st.ShouldWarn {
				w.Header().Set("X-Session-Expires-In", strconv.Itoa(int(st.TimeUntilTimeout.Seconds())))
			}

			tracker.UpdateSessionActivity(r.Context(), sessionID, claims.Subject, &session.Metadata{
				IPAddress: ClientIPKey(r),
				UserAgent: r.UserAgent(),
			})
			next.ServeHTTP(w, r)
		})
	}
}
