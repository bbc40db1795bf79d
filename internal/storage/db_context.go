package storage

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakline/concierge/internal/cerr"
)

// tenantRole, when set, is the non-owner database role tenant transactions
// drop to via SET LOCAL ROLE. The session role owns the tables and is
// exempt from their policies, so enforcement requires the drop; without a
// configured role the policies are a no-op and isolation rests on the
// explicit owner predicates every repository query carries.
var tenantRole atomic.Value

// SetTenantRole configures the role WithTenantConn assumes for the duration
// of each tenant transaction. The role must exist (migration 000007 creates
// concierge_app) and must not own the tables or hold BYPASSRLS. Empty
// disables the drop; production deployments set DB_TENANT_ROLE.
func SetTenantRole(role string) {
	tenantRole.Store(role)
}

func currentTenantRole() string {
	if v, ok := tenantRole.Load().(string); ok {
		return v
	}
	return ""
}

// WithTenantConn executes a function within a PostgreSQL transaction with
// the app.current_user_id session variable set for Row Level Security.
//
// Every policy on tenant-owned tables is of the shape
// owner_user_id = current_setting('app.current_user_id')::uuid, so all
// statements issued through fn are confined to the calling tenant. The
// variable is transaction-local (set_config(..., true)) and drops
// automatically when the transaction ends; the connection returns to the
// pool clean.
//
// When a tenant role is configured (SetTenantRole), the transaction also
// drops to that role first, so the policies bind even though the pool's
// session role owns the tables. SET LOCAL reverts on commit or rollback;
// the connection returns to the pool at full privilege.
//
// Background jobs synthesize a tenant id and reuse this same primitive.
// There is no admin bypass reachable from user-facing code.
//
// Example usage:
//
//	err := storage.WithTenantConn(ctx, pool, userID, func(tx pgx.Tx) error {
//	    _, err := tx.Exec(ctx, "INSERT INTO persons (...) VALUES (...)")
//	    return err
//	})
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID, fn func(tx pgx.Tx) error) error {
	if userID == uuid.Nil {
		return fmt.Errorf("%w: nil tenant id", cerr.ErrRLSContextMissing)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // Rollback is safe to call even after Commit

	if role := currentTenantRole(); role != "" {
		// Role names cannot be bound parameters; quote as an identifier.
		_, err = tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{role}.Sanitize())
		if err != nil {
			return fmt.Errorf("failed to assume tenant role: %w", err)
		}
	}

	_, err = tx.Exec(ctx, "SELECT set_config('app.current_user_id', $1, true)", userID.String())
	if err != nil {
		return fmt.Errorf("failed to set tenant context: %w", err)
	}

	if err := fn(tx); err != nil {
		return err // Transaction will rollback via defer
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// WithoutRLS executes a function within a transaction that stays on the
// pool's session role and does not set the tenant session variable. That
// role owns the tables, so it sees every tenant's rows. Intended for
// system-level access only: audit log inserts, identity resolution before
// a tenant exists, and the scheduler's eligibility scans. Application
// logic uses WithTenantConn.
func WithoutRLS(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// AssertTenantContext verifies the session variable is present on the
// transaction. Repositories call this before issuing statements that must
// be RLS-guarded; a missing variable is an implementation bug, surfaced as
// cerr.ErrRLSContextMissing rather than silently returning zero rows.
func AssertTenantContext(ctx context.Context, tx pgx.Tx) error {
	var value string
	err := tx.QueryRow(ctx, "SELECT COALESCE(current_setting('app.current_user_id', true), '')").Scan(&value)
	if err != nil {
		return fmt.Errorf("failed to read tenant context: %w", err)
	}
	if value == "" {
		return cerr.ErrRLSContextMissing
	}
	return nil
}
