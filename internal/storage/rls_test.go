package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/concierge/internal/storage"
)

// rlsFixture holds two tenants with one person each, inserted as the table
// owner so the rows exist regardless of policy enforcement.
type rlsFixture struct {
	userA, userB     uuid.UUID
	personA, personB uuid.UUID
}

func setupRLSFixture(t *testing.T, pool *pgxpool.Pool) rlsFixture {
	t.Helper()
	ctx := context.Background()

	f := rlsFixture{
		userA: uuid.New(), userB: uuid.New(),
		personA: uuid.New(), personB: uuid.New(),
	}

	for _, u := range []struct {
		id     uuid.UUID
		person uuid.UUID
		name   string
	}{
		{f.userA, f.personA, "Alice"},
		{f.userB, f.personB, "Bob"},
	} {
		_, err := pool.Exec(ctx,
			"INSERT INTO users (id, primary_email, display_name) VALUES ($1, $2, $3)",
			u.id, fmt.Sprintf("%s@rls-test.example.com", u.id), u.name)
		require.NoError(t, err)
		_, err = pool.Exec(ctx,
			"INSERT INTO persons (id, owner_user_id, display_name) VALUES ($1, $2, $3)",
			u.person, u.id, u.name+" Friend")
		require.NoError(t, err)
	}

	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM persons WHERE id = ANY($1)", []uuid.UUID{f.personA, f.personB})
		pool.Exec(ctx, "DELETE FROM users WHERE id = ANY($1)", []uuid.UUID{f.userA, f.userB})
	})
	return f
}

// createRestrictedRole provisions a throwaway non-owner role the way a
// production deployment would, so the policies actually apply inside the
// test transactions.
func createRestrictedRole(t *testing.T, pool *pgxpool.Pool, name string) {
	t.Helper()
	ctx := context.Background()

	pool.Exec(ctx, "DROP OWNED BY "+name)
	pool.Exec(ctx, "DROP ROLE IF EXISTS "+name)
	_, err := pool.Exec(ctx, "CREATE ROLE "+name+" NOLOGIN NOSUPERUSER")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "GRANT USAGE ON SCHEMA public TO "+name)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, "GRANT SELECT ON users, persons TO "+name)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Exec(ctx, "DROP OWNED BY "+name)
		pool.Exec(ctx, "DROP ROLE IF EXISTS "+name)
	})
}

func TestRowPolicies_BindNonOwnerRole(t *testing.T) {
	pool := setupTestPool(t)
	defer pool.Close()
	ctx := context.Background()

	f := setupRLSFixture(t, pool)
	createRestrictedRole(t, pool, "test_tenant_role")

	countPersons := func(tx pgx.Tx) int {
		var n int
		err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM persons WHERE id = ANY($1)",
			[]uuid.UUID{f.personA, f.personB}).Scan(&n)
		require.NoError(t, err)
		return n
	}

	t.Run("no tenant context means no rows", func(t *testing.T) {
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx, "SET LOCAL ROLE test_tenant_role")
		require.NoError(t, err)

		assert.Equal(t, 0, countPersons(tx), "policies must hide every row without app.current_user_id")
	})

	t.Run("tenant context exposes only that tenant", func(t *testing.T) {
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx, "SET LOCAL ROLE test_tenant_role")
		require.NoError(t, err)
		_, err = tx.Exec(ctx, "SELECT set_config('app.current_user_id', $1, true)", f.userA.String())
		require.NoError(t, err)

		assert.Equal(t, 1, countPersons(tx))

		var id uuid.UUID
		err = tx.QueryRow(ctx, "SELECT id FROM persons WHERE id = $1", f.personB).Scan(&id)
		assert.ErrorIs(t, err, pgx.ErrNoRows, "the other tenant's person must be invisible")
	})

	t.Run("owner session keeps full visibility for system paths", func(t *testing.T) {
		err := storage.WithoutRLS(ctx, pool, func(tx pgx.Tx) error {
			assert.Equal(t, 2, countPersons(tx))
			return nil
		})
		require.NoError(t, err)
	})
}

func TestWithTenantConn_EnforcesIsolationUnderTenantRole(t *testing.T) {
	pool := setupTestPool(t)
	defer pool.Close()
	ctx := context.Background()

	f := setupRLSFixture(t, pool)

	// concierge_app is created by migration 000007 with DML grants; this is
	// the exact role production transactions drop to.
	storage.SetTenantRole("concierge_app")
	defer storage.SetTenantRole("")

	t.Run("tenant sees own rows", func(t *testing.T) {
		err := storage.WithTenantConn(ctx, pool, f.userA, func(tx pgx.Tx) error {
			var name string
			return tx.QueryRow(ctx, "SELECT display_name FROM persons WHERE id = $1", f.personA).Scan(&name)
		})
		require.NoError(t, err)
	})

	t.Run("cross-tenant read comes back as no rows", func(t *testing.T) {
		err := storage.WithTenantConn(ctx, pool, f.userA, func(tx pgx.Tx) error {
			var name string
			return tx.QueryRow(ctx, "SELECT display_name FROM persons WHERE id = $1", f.personB).Scan(&name)
		})
		assert.True(t, errors.Is(err, pgx.ErrNoRows), "expected no rows, got %v", err)
	})

	t.Run("cross-tenant insert is rejected", func(t *testing.T) {
		err := storage.WithTenantConn(ctx, pool, f.userA, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx,
				"INSERT INTO persons (id, owner_user_id, display_name) VALUES ($1, $2, $3)",
				uuid.New(), f.userB, "Smuggled")
			return err
		})
		require.Error(t, err, "WITH CHECK must reject rows owned by another tenant")
	})
}
