package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"delegate-server/internal/domain"
)

// Authenticator resolves the caller of each request from its bearer token.
type Authenticator struct {
	validator TokenValidator
	admins    []string
	logger    *slog.Logger
}

// NewAuthenticator creates an Authenticator. Subjects listed in admins are
// granted the administrative view.
func NewAuthenticator(validator TokenValidator, admins []string, logger *slog.Logger) *Authenticator {
	return &Authenticator{validator: validator, admins: admins, logger: logger.With("component", "auth")}
}

// Middleware rejects requests without a valid bearer token and stores the
// resolved principal in the request context.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}
			claims, err := a.validator.Validate(r.Context(), token)
			if err != nil {
				a.logger.Debug("token rejected", "error", err, "request_id", RequestIDFromContext(r.Context()))
				writeUnauthorized(w, "invalid bearer token")
				return
			}
			if claims.Subject == "" {
				writeUnauthorized(w, "token has no subject")
				return
			}
			p := domain.ContextPrincipal{
				Name:    claims.Subject,
				IsAdmin: slices.Contains(a.admins, claims.Subject),
			}
			next.ServeHTTP(w, r.WithContext(domain.WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin rejects callers without the administrative view.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := domain.PrincipalFromContext(r.Context())
		if !ok || !p.IsAdmin {
			writeJSONError(w, http.StatusForbidden, "administrative access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="delegate"`)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized: "+msg)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": msg,
	})
}
