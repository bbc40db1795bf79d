package middleware

import (
	"context"
	"fmt"

	"github.com/oakline/concierge/internal/auth"
	"github.com/oakline/concierge/internal/pii"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// AuthContextKey holds the resolved auth.AuthContext.
	AuthContextKey contextKey = "auth_context"
	// PIIContextKey holds the per-request pii.Context.
	PIIContextKey contextKey = "pii_context"
)

// GetAuthContext extracts the authenticated identity from the context.
// Returns an error if the value is missing or has the wrong type.
func GetAuthContext(ctx context.Context) (auth.AuthContext, error) {
	val := ctx.Value(AuthContextKey)
	if val == nil {
		return auth.AuthContext{}, fmt.Errorf("auth context not found")
	}
	ac, ok := val.(auth.AuthContext)
	if !ok {
		return auth.AuthContext{}, fmt.Errorf("auth context has wrong type: %T", val)
	}
	return ac, nil
}

// MustGetAuthContext extracts the identity and panics if missing.
// Use only below the auth middleware, where it is guaranteed to be set.
func MustGetAuthContext(ctx context.Context) auth.AuthContext {
	ac, err := GetAuthContext(ctx)
	if err != nil {
		panic(fmt.Sprintf("CRITICAL: %v", err))
	}
	return ac
}

// WithPIIContext attaches a per-request masking context.
func WithPIIContext(ctx context.Context, pc *pii.Context) context.Context {
	return context.WithValue(ctx, PIIContextKey, pc)
}

// GetPIIContext extracts the masking context, or nil when the request runs
// outside the PII middleware.
func GetPIIContext(ctx context.Context) *pii.Context {
	pc, _ := ctx.Value(PIIContextKey).(*pii.Context)
	return pc
}
