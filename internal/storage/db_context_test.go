package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/storage"
)

func setupTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database integration test")
	}

	ctx := context.Background()
	config, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	pool, err := pgxpool.NewWithConfig(ctx, config)
	require.NoError(t, err)
	return pool
}

func TestWithTenantConn_SetsSessionVariable(t *testing.T) {
	pool := setupTestPool(t)
	defer pool.Close()
	ctx := context.Background()

	userID := uuid.New()

	err := storage.WithTenantConn(ctx, pool, userID, func(tx pgx.Tx) error {
		var value string
		err := tx.QueryRow(ctx, "SELECT current_setting('app.current_user_id', true)").Scan(&value)
		require.NoError(t, err)
		assert.Equal(t, userID.String(), value, "Session variable should be set to tenant ID")
		return nil
	})

	require.NoError(t, err)
}

func TestWithTenantConn_RejectsNilTenant(t *testing.T) {
	// No database needed; the guard fires before acquiring a connection.
	err := storage.WithTenantConn(context.Background(), nil, uuid.Nil, func(tx pgx.Tx) error {
		t.Fatal("fn must not be called")
		return nil
	})
	assert.ErrorIs(t, err, cerr.ErrRLSContextMissing)
}

func TestWithTenantConn_RollsBackOnError(t *testing.T) {
	pool := setupTestPool(t)
	defer pool.Close()
	ctx := context.Background()

	userID := uuid.New()

	pool.Exec(ctx, "DROP TABLE IF EXISTS test_rls_rollback")
	pool.Exec(ctx, "CREATE TABLE test_rls_rollback (id UUID PRIMARY KEY)")

	expectedErr := assert.AnError

	err := storage.WithTenantConn(ctx, pool, userID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "INSERT INTO test_rls_rollback (id) VALUES ($1)", uuid.New())
		require.NoError(t, err)
		return expectedErr
	})

	assert.ErrorIs(t, err, expectedErr)

	var count int
	pool.QueryRow(ctx, "SELECT COUNT(*) FROM test_rls_rollback").Scan(&count)
	assert.Equal(t, 0, count, "Insert should have been rolled back")

	pool.Exec(ctx, "DROP TABLE test_rls_rollback")
}

func TestWithTenantConn_CommitsOnSuccess(t *testing.T) {
	pool := setupTestPool(t)
	defer pool.Close()
	ctx := context.Background()

	userID := uuid.New()
	testID := uuid.New()

	pool.Exec(ctx, "DROP TABLE IF EXISTS test_rls_commit")
	pool.Exec(ctx, "CREATE TABLE test_rls_commit (id UUID PRIMARY KEY)")

	err := storage.WithTenantConn(ctx, pool, userID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "INSERT INTO test_rls_commit (id) VALUES ($1)", testID)
		return err
	})

	require.NoError(t, err)

	var foundID uuid.UUID
	err = pool.QueryRow(ctx, "SELECT id FROM test_rls_commit WHERE id = $1", testID).Scan(&foundID)
	require.NoError(t, err)
	assert.Equal(t, testID, foundID)

	pool.Exec(ctx, "DROP TABLE test_rls_commit")
}

func TestWithoutRLS_LeavesVariableUnset(t *testing.T) {
	pool := setupTestPool(t)
	defer pool.Close()
	ctx := context.Background()

	err := storage.WithoutRLS(ctx, pool, func(tx pgx.Tx) error {
		var value string
		err := tx.QueryRow(ctx, "SELECT COALESCE(current_setting('app.current_user_id', true), '')").Scan(&value)
		require.NoError(t, err)
		assert.Empty(t, value, "Session variable should NOT be set in WithoutRLS")
		return nil
	})

	require.NoError(t, err)
}

func TestAssertTenantContext(t *testing.T) {
	pool := setupTestPool(t)
	defer pool.Close()
	ctx := context.Background()

	t.Run("passes inside WithTenantConn", func(t *testing.T) {
		err := storage.WithTenantConn(ctx, pool, uuid.New(), func(tx pgx.Tx) error {
			return storage.AssertTenantContext(ctx, tx)
		})
		require.NoError(t, err)
	})

	t.Run("fails inside WithoutRLS", func(t *testing.T) {
		err := storage.WithoutRLS(ctx, pool, func(tx pgx.Tx) error {
			return storage.AssertTenantContext(ctx, tx)
		})
		assert.ErrorIs(t, err, cerr.ErrRLSContextMissing)
	})
}
