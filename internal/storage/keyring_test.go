package storage

import (
	"context"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/concierge/internal/kms"
)

func keyringTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database integration test")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	return pool
}

func TestKeyring_CachesWithinTTLAndExpires(t *testing.T) {
	pool := keyringTestPool(t)
	defer pool.Close()
	ctx := context.Background()

	gateway, err := kms.NewLocalGateway(hex.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)

	userID := uuid.New()
	dek1, wrapped1, err := gateway.GenerateDEK(ctx)
	require.NoError(t, err)

	_, err = pool.Exec(ctx,
		"INSERT INTO users (id, primary_email, dek_wrapped) VALUES ($1, $2, $3)",
		userID, userID.String()+"@keyring-test.example.com", wrapped1)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM users WHERE id = $1", userID)
	})

	now := time.Now()
	k := NewKeyring(pool, gateway)
	k.now = func() time.Time { return now }

	got, err := k.DEK(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, dek1, got)

	// Rotate the stored key; within the TTL the cached DEK keeps serving.
	dek2, wrapped2, err := gateway.GenerateDEK(ctx)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "UPDATE users SET dek_wrapped = $2 WHERE id = $1", userID, wrapped2)
	require.NoError(t, err)

	got, err = k.DEK(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, dek1, got, "cached DEK serves inside the TTL window")

	// Past the TTL the entry is evicted and the rotated key is unwrapped.
	now = now.Add(dekCacheTTL + time.Second)
	got, err = k.DEK(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, dek2, got, "expired entry must be refetched and unwrapped")
}

func TestKeyring_UnknownTenant(t *testing.T) {
	pool := keyringTestPool(t)
	defer pool.Close()

	gateway, err := kms.NewLocalGateway(hex.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)

	k := NewKeyring(pool, gateway)
	_, err = k.DEK(context.Background(), uuid.New())
	require.Error(t, err)
}
