package middleware

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// SetSentryUser adds the tenant to the Sentry scope. Only the opaque user
// id goes out; email and other PII stay local.
func SetSentryUser(ctx context.Context, userID string, ip string) {
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetUser(sentry.User{ID: userID, IPAddress: ip})
	})
}
