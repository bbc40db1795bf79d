package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/oakline/concierge/internal/audit"
	"github.com/oakline/concierge/internal/auth"
	"github.com/oakline/concierge/internal/config"
)

// SessionCookie carries the access token for browser clients that cannot
// attach an Authorization header, such as direct navigation after the
// OAuth callback. The bearer header wins when both are present.
const SessionCookie = "concierge_session"

// Authenticate validates the access token, enforces the email whitelist and
// injects the AuthContext. The token comes from the Authorization header or,
// absent that, the session cookie. Missing or invalid credentials are 401;
// a valid identity outside the whitelist is 403 and audited.
func Authenticate(provider auth.TokenProvider, cfg *config.Config, auditor audit.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := extractToken(r)
			if !ok {
				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			claims, err := provider.ValidateToken(token)
			if err != nil {
				slog.Warn("invalid_token", "error", err, "ip", r.RemoteAddr)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			// Whitelist is re-checked on every request, not only at sign-in,
			// so removal takes effect within one token lifetime.
			if !cfg.EmailAllowed(claims.Email) {
				slog.Warn("email_not_allowed", "ip", r.RemoteAddr)
				auditor.Log(r.Context(), audit.Entry{
					UserID:  claims.UserID,
					Action:  audit.ActionSignInDenied,
					IP:      r.RemoteAddr,
					Success: false,
					Error:   "email not in whitelist",
				})
				http.Error(w, "Access not allowed", http.StatusForbidden)
				return
			}

			ac := auth.AuthContext{
				UserID:      claims.UserID,
				Email:       claims.Email,
				DisplayName: claims.DisplayName,
			}
			ctx := context.WithValue(r.Context(), AuthContextKey, ac)
			SetSentryUser(ctx, ac.UserID.String(), r.RemoteAddr)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractToken reads the access token from the Authorization header, falling
// back to the session cookie. A present but malformed header is a hard miss,
// not a fallthrough to the cookie.
func extractToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}
