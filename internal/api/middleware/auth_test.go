package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/concierge/internal/api/middleware"
	"github.com/oakline/concierge/internal/audit"
	"github.com/oakline/concierge/internal/auth"
	"github.com/oakline/concierge/internal/config"
)

func authHarness(t *testing.T) (auth.TokenProvider, http.Handler, *auth.AuthContext) {
	t.Helper()

	provider, err := auth.NewJWTProvider("test-secret-which-is-long-enough", time.Hour)
	require.NoError(t, err)

	cfg := &config.Config{
		Env:           "development",
		AllowedEmails: []string{"alice@example.com"},
	}

	var seen auth.AuthContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := middleware.GetAuthContext(r.Context())
		require.NoError(t, err)
		seen = ac
		w.WriteHeader(http.StatusNoContent)
	})

	return provider, middleware.Authenticate(provider, cfg, audit.Nop{})(next), &seen
}

func TestAuthenticate_BearerHeader(t *testing.T) {
	provider, handler, seen := authHarness(t)

	userID := uuid.New()
	token, err := provider.GenerateAccessToken(userID, "alice@example.com", "Alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, userID, seen.UserID)
}

func TestAuthenticate_SessionCookieFallback(t *testing.T) {
	provider, handler, seen := authHarness(t)

	userID := uuid.New()
	token, err := provider.GenerateAccessToken(userID, "alice@example.com", "Alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: token})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code, "a valid session cookie must authenticate without a header")
	assert.Equal(t, userID, seen.UserID)
}

func TestAuthenticate_MalformedHeaderDoesNotFallBack(t *testing.T) {
	provider, handler, _ := authHarness(t)

	token, err := provider.GenerateAccessToken(uuid.New(), "alice@example.com", "Alice")
	require.NoError(t, err)

	// A broken header is rejected outright even when a good cookie rides
	// along; silently downgrading would mask client bugs.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "NotBearer "+token)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: token})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthenticate_NoCredentials(t *testing.T) {
	_, handler, _ := authHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
