package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Middleware attaches a Principal to each request. With a nil Authenticator
// every request runs as Anonymous.
type Middleware struct {
	auth *Authenticator
}

func NewMiddleware(auth *Authenticator) *Middleware {
	return &Middleware{auth: auth}
}

func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.auth == nil {
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Anonymous)))
			return
		}

		token := ExtractBearerToken(r)
		if token == "" {
			unauthorized(w, "missing bearer token")
			return
		}

		principal, err := m.auth.Verify(token)
		if err != nil {
			slog.Debug("rejected token", "error", err, "path", r.URL.Path)
			if errors.Is(err, ErrTokenExpired) {
				unauthorized(w, "token expired")
				return
			}
			unauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (m *Middleware) RequirePermission(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				unauthorized(w, "not authenticated")
				return
			}
			if !principal.Can(permission) {
				writeJSONError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSONError(w, http.StatusUnauthorized, message)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "auth_error",
			"code":    status,
		},
	})
}
