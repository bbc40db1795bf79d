package tokenvault

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/kms"
	"github.com/oakline/concierge/internal/storage"
)

// fakeRefresher counts endpoint hits and returns a canned bundle or error.
type fakeRefresher struct {
	mu      sync.Mutex
	calls   atomic.Int32
	bundle  *Bundle
	err     error
	delayed time.Duration
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*Bundle, error) {
	f.calls.Add(1)
	if f.delayed > 0 {
		time.Sleep(f.delayed)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b := *f.bundle
	return &b, nil
}

func setupTestVault(t *testing.T, refresher Refresher, buffer time.Duration) (*Vault, uuid.UUID) {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	kek := make([]byte, 32)
	gateway, err := kms.NewLocalGateway(hex.EncodeToString(kek))
	require.NoError(t, err)

	_, wrapped, err := gateway.GenerateDEK(ctx)
	require.NoError(t, err)

	userID := uuid.New()
	err = storage.WithoutRLS(ctx, pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, primary_email, display_name, dek_wrapped, created_at, updated_at)
			VALUES ($1, $2, 'Vault Test', $3, NOW(), NOW())
		`, userID, userID.String()+"@test.local", wrapped)
		return err
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = storage.WithoutRLS(context.Background(), pool, func(tx pgx.Tx) error {
			_, _ = tx.Exec(context.Background(), "DELETE FROM user_oauth_tokens WHERE user_id = $1", userID)
			_, err := tx.Exec(context.Background(), "DELETE FROM users WHERE id = $1", userID)
			return err
		})
	})

	keyring := storage.NewKeyring(pool, gateway)
	return New(pool, keyring, refresher, buffer, slog.Default()), userID
}

func TestVault_SaveGetRoundTrip(t *testing.T) {
	vault, userID := setupTestVault(t, &fakeRefresher{}, time.Minute)
	ctx := context.Background()

	in := &Bundle{
		AccessToken:  "ya29.access",
		RefreshToken: "1//refresh",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		Scopes:       []string{"contacts.readonly"},
	}
	require.NoError(t, vault.Save(ctx, userID, "google", in))

	out, err := vault.Get(ctx, userID, "google")
	require.NoError(t, err)
	assert.Equal(t, in.AccessToken, out.AccessToken)
	assert.Equal(t, in.RefreshToken, out.RefreshToken)
	assert.Equal(t, in.Scopes, out.Scopes)
}

func TestVault_StoredTokensAreCiphertext(t *testing.T) {
	vault, userID := setupTestVault(t, &fakeRefresher{}, time.Minute)
	ctx := context.Background()

	require.NoError(t, vault.Save(ctx, userID, "google", &Bundle{
		AccessToken:  "super-secret-access-token",
		RefreshToken: "super-secret-refresh-token",
	}))

	var raw string
	err := storage.WithTenantConn(ctx, vault.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			"SELECT encrypted_tokens FROM user_oauth_tokens WHERE user_id = $1 AND provider = 'google'",
			userID).Scan(&raw)
	})
	require.NoError(t, err)
	assert.Contains(t, raw, "enc:")
	assert.NotContains(t, raw, "super-secret-access-token")
	assert.NotContains(t, raw, "super-secret-refresh-token")
}

func TestVault_RefreshNotNeededOutsideBuffer(t *testing.T) {
	refresher := &fakeRefresher{bundle: &Bundle{AccessToken: "fresh"}}
	vault, userID := setupTestVault(t, refresher, time.Minute)
	ctx := context.Background()

	require.NoError(t, vault.Save(ctx, userID, "google", &Bundle{
		AccessToken:  "still-good",
		RefreshToken: "r",
		ExpiresIn:    3600,
	}))

	token, err := vault.RefreshIfNeeded(ctx, userID, "google")
	require.NoError(t, err)
	assert.Equal(t, "still-good", token)
	assert.EqualValues(t, 0, refresher.calls.Load())
}

func TestVault_RefreshRotatesAndKeepsRefreshToken(t *testing.T) {
	// Provider rotates the access token but omits the refresh token.
	refresher := &fakeRefresher{bundle: &Bundle{AccessToken: "rotated", ExpiresIn: 3600}}
	vault, userID := setupTestVault(t, refresher, time.Minute)
	ctx := context.Background()

	require.NoError(t, vault.Save(ctx, userID, "google", &Bundle{
		AccessToken:  "expiring",
		RefreshToken: "keep-me",
		ExpiresIn:    10, // inside the buffer
	}))

	token, err := vault.RefreshIfNeeded(ctx, userID, "google")
	require.NoError(t, err)
	assert.Equal(t, "rotated", token)
	assert.EqualValues(t, 1, refresher.calls.Load())

	// The old refresh token must survive the rotation.
	out, err := vault.Get(ctx, userID, "google")
	require.NoError(t, err)
	assert.Equal(t, "keep-me", out.RefreshToken)

	// A second call sees the extended expiry and skips the endpoint.
	token, err = vault.RefreshIfNeeded(ctx, userID, "google")
	require.NoError(t, err)
	assert.Equal(t, "rotated", token)
	assert.EqualValues(t, 1, refresher.calls.Load())
}

func TestVault_InvalidGrantInvalidatesRecord(t *testing.T) {
	refresher := &fakeRefresher{err: cerr.ErrTokenRevoked}
	vault, userID := setupTestVault(t, refresher, time.Minute)
	ctx := context.Background()

	require.NoError(t, vault.Save(ctx, userID, "google", &Bundle{
		AccessToken:  "expiring",
		RefreshToken: "revoked-upstream",
		ExpiresIn:    10,
	}))

	_, err := vault.RefreshIfNeeded(ctx, userID, "google")
	require.Error(t, err)
	assert.ErrorIs(t, err, cerr.ErrTokenExpired)

	// The record is flagged invalid, not deleted.
	var isValid bool
	var reason *string
	err = storage.WithTenantConn(ctx, vault.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			"SELECT is_valid, revoke_reason FROM user_oauth_tokens WHERE user_id = $1 AND provider = 'google'",
			userID).Scan(&isValid, &reason)
	})
	require.NoError(t, err)
	assert.False(t, isValid)
	require.NotNil(t, reason)
	assert.Equal(t, "invalid_grant", *reason)

	_, err = vault.Get(ctx, userID, "google")
	assert.ErrorIs(t, err, cerr.ErrNotFound)
}

func TestVault_ConcurrentRefreshSerialized(t *testing.T) {
	refresher := &fakeRefresher{
		bundle:  &Bundle{AccessToken: "rotated", ExpiresIn: 3600},
		delayed: 50 * time.Millisecond,
	}
	vault, userID := setupTestVault(t, refresher, time.Minute)
	ctx := context.Background()

	require.NoError(t, vault.Save(ctx, userID, "google", &Bundle{
		AccessToken:  "expiring",
		RefreshToken: "r",
		ExpiresIn:    10,
	}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := vault.RefreshIfNeeded(ctx, userID, "google")
			assert.NoError(t, err)
			assert.Equal(t, "rotated", token)
		}()
	}
	wg.Wait()

	// Only the first caller hits the endpoint; the rest see the new expiry.
	assert.EqualValues(t, 1, refresher.calls.Load())
}

func TestVault_GetMissingToken(t *testing.T) {
	vault, userID := setupTestVault(t, &fakeRefresher{}, time.Minute)

	_, err := vault.Get(context.Background(), userID, "google")
	assert.ErrorIs(t, err, cerr.ErrNotFound)
}

func TestRefresherError(t *testing.T) {
	// Transient provider failures must not invalidate the record.
	refresher := &fakeRefresher{err: errors.New("upstream 503")}
	vault, userID := setupTestVault(t, refresher, time.Minute)
	ctx := context.Background()

	require.NoError(t, vault.Save(ctx, userID, "google", &Bundle{
		AccessToken:  "expiring",
		RefreshToken: "r",
		ExpiresIn:    10,
	}))

	_, err := vault.RefreshIfNeeded(ctx, userID, "google")
	require.Error(t, err)
	assert.NotErrorIs(t, err, cerr.ErrTokenExpired)

	out, err := vault.Get(ctx, userID, "google")
	require.NoError(t, err)
	assert.Equal(t, "expiring", out.AccessToken)
}

func TestVault_ListConnectedIgnoresExpiry(t *testing.T) {
	vault, userID := setupTestVault(t, &fakeRefresher{}, time.Minute)
	ctx := context.Background()

	// No expiry recorded at all; the tenant is still connected.
	require.NoError(t, vault.Save(ctx, userID, "google", &Bundle{
		AccessToken:  "ya29.immortal",
		RefreshToken: "1//refresh",
	}))
	connected, err := vault.ListConnected(ctx, "google")
	require.NoError(t, err)
	assert.Contains(t, connected, userID)

	// Far from expiry; a refresh-window scan would skip this record.
	require.NoError(t, vault.Save(ctx, userID, "google", &Bundle{
		AccessToken:  "ya29.longlived",
		RefreshToken: "1//refresh",
		ExpiresIn:    30 * 24 * 3600,
	}))
	connected, err = vault.ListConnected(ctx, "google")
	require.NoError(t, err)
	assert.Contains(t, connected, userID)

	expiring, err := vault.ListExpiringSoon(ctx, time.Hour)
	require.NoError(t, err)
	assert.NotContains(t, expiring, ExpiringToken{UserID: userID, Provider: "google"},
		"refresh scan should skip long-lived grants that ListConnected still reports")

	// Invalidated grants drop out.
	require.NoError(t, vault.Invalidate(ctx, userID, "google", "revoked by test"))
	connected, err = vault.ListConnected(ctx, "google")
	require.NoError(t, err)
	assert.NotContains(t, connected, userID)
}
