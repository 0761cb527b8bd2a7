package auth

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// RequireSession rejects requests that do not carry a token for the session
// named by the route parameter param. The token is read from the
// Authorization header, or from the "token" query parameter for websocket
// upgrades, which cannot set headers from a browser. A nil TokenService
// disables the check.
func RequireSession(tokens *TokenService, param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if tokens == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := tokenFromRequest(r)
			if raw == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "session token required")
				return
			}

			sessionID, err := tokens.Validate(raw)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid session token")
				return
			}
			if sessionID != chi.URLParam(r, param) {
				writeAuthError(w, http.StatusForbidden, "forbidden", "token does not belong to this session")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func writeAuthError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + kind + `","message":"` + message + `"}` + "\n"))
}
