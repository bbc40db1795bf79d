// Package syncstate tracks per-(tenant, provider) sync progress: status,
// delta token, failure counters and backoff. The state row doubles as the
// lock that serializes sync attempts.
package syncstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/storage"
)

// Status values for a sync record.
const (
	StatusIdle    = "idle"
	StatusSyncing = "syncing"
	StatusFailed  = "failed"
)

// maxConsecutiveFailures is the saturation point: at this count the record
// flips to failed and stays there until operator/token intervention.
const maxConsecutiveFailures = 5

// ErrAlreadySyncing is returned by Start when another run holds the row.
var ErrAlreadySyncing = errors.New("sync already in progress")

// State mirrors one sync_state row.
type State struct {
	UserID              uuid.UUID
	Provider            string
	Status              string
	DeltaToken          string
	ConsecutiveFailures int
	NextRunAt           time.Time
	LastFullSyncAt      *time.Time
	LastIncrementalAt   *time.Time
	LastError           string
}

// Store persists sync state transitions.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get returns the current record, or cerr.ErrNotFound.
func (s *Store) Get(ctx context.Context, userID uuid.UUID, provider string) (*State, error) {
	var st State
	err := storage.WithTenantConn(ctx, s.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT user_id, provider, status, COALESCE(delta_token, ''), consecutive_failures,
			       next_run_at, last_full_sync_at, last_incremental_sync_at, COALESCE(last_error, '')
			FROM sync_state WHERE user_id = $1 AND provider = $2
		`, userID, provider).Scan(
			&st.UserID, &st.Provider, &st.Status, &st.DeltaToken, &st.ConsecutiveFailures,
			&st.NextRunAt, &st.LastFullSyncAt, &st.LastIncrementalAt, &st.LastError)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cerr.ErrNotFound
		}
		return nil, fmt.Errorf("sync state lookup failed: %w", err)
	}
	return &st, nil
}

// Start transitions an idle or retry-eligible record to syncing. The conditional UPDATE
// inside the transaction is the serialization point: a concurrent run sees
// zero affected rows and backs off with ErrAlreadySyncing.
func (s *Store) Start(ctx context.Context, userID uuid.UUID, provider string) error {
	return storage.WithTenantConn(ctx, s.pool, userID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sync_state SET status = $3, updated_at = NOW()
			WHERE user_id = $1 AND provider = $2 AND status <> $3
		`, userID, provider, StatusSyncing)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		// Either the row is missing (first sync) or someone else holds it.
		var exists bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM sync_state WHERE user_id = $1 AND provider = $2)",
			userID, provider).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrAlreadySyncing
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO sync_state (id, user_id, provider, status, consecutive_failures, next_run_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, NOW(), NOW(), NOW())
		`, uuid.New(), userID, provider, StatusSyncing)
		return err
	})
}

// Complete transitions syncing back to idle: stores the delta token when given,
// resets the failure counter, clears the error, schedules the next run.
// Applying it twice leaves the row in the same final state.
func (s *Store) Complete(ctx context.Context, userID uuid.UUID, provider string, deltaToken *string, added, updated int, isFull bool, nextMinutes int) error {
	column := "last_incremental_sync_at"
	if isFull {
		column = "last_full_sync_at"
	}

	return storage.WithTenantConn(ctx, s.pool, userID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE sync_state SET
				status = $3,
				delta_token = COALESCE($4, delta_token),
				consecutive_failures = 0,
				last_error = NULL,
				next_run_at = NOW() + make_interval(mins => $5),
				%s = NOW(),
				items_added = $6,
				items_updated = $7,
				updated_at = NOW()
			WHERE user_id = $1 AND provider = $2
		`, column), userID, provider, StatusIdle, deltaToken, nextMinutes, added, updated)
		return err
	})
}

// Fail increments the failure counter, records the error and schedules the
// retry with exponential backoff. The record flips to failed once the
// counter saturates; further failures keep counting but stay failed.
func (s *Store) Fail(ctx context.Context, userID uuid.UUID, provider, errorMessage string) error {
	return storage.WithTenantConn(ctx, s.pool, userID, func(tx pgx.Tx) error {
		var n int
		err := tx.QueryRow(ctx,
			"SELECT consecutive_failures FROM sync_state WHERE user_id = $1 AND provider = $2",
			userID, provider).Scan(&n)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return cerr.ErrNotFound
			}
			return err
		}

		n++
		status := StatusIdle
		if n >= maxConsecutiveFailures {
			status = StatusFailed
		}

		_, err = tx.Exec(ctx, `
			UPDATE sync_state SET
				status = $3,
				consecutive_failures = $4,
				last_error = $5,
				next_run_at = NOW() + make_interval(mins => $6),
				updated_at = NOW()
			WHERE user_id = $1 AND provider = $2
		`, userID, provider, status, n, errorMessage, BackoffMinutes(n))
		return err
	})
}

// ListEligible returns (user, provider) pairs ready to sync: not syncing,
// not failed, due, and holding a valid token. System-level scan used by the
// scheduler before it synthesizes per-tenant contexts.
func (s *Store) ListEligible(ctx context.Context, provider string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := storage.WithoutRLS(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT ss.user_id
			FROM sync_state ss
			JOIN user_oauth_tokens t ON t.user_id = ss.user_id AND t.provider = ss.provider AND t.is_valid = TRUE
			WHERE ss.provider = $1
			  AND ss.status NOT IN ($2, $3)
			  AND ss.next_run_at <= NOW()
			ORDER BY ss.next_run_at
		`, provider, StatusSyncing, StatusFailed)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible syncs: %w", err)
	}
	return out, nil
}

// Ensure creates an idle record due immediately if none exists, so a fresh
// tenant becomes eligible for its first sync.
func (s *Store) Ensure(ctx context.Context, userID uuid.UUID, provider string) error {
	return storage.WithTenantConn(ctx, s.pool, userID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO sync_state (id, user_id, provider, status, consecutive_failures, next_run_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, NOW(), NOW(), NOW())
			ON CONFLICT (user_id, provider) DO NOTHING
		`, uuid.New(), userID, provider, StatusIdle)
		return err
	})
}

// BackoffMinutes computes min(5 * 2^n, 24h) for the n-th consecutive
// failure (n >= 1).
func BackoffMinutes(n int) int {
	const maxMinutes = 24 * 60

	minutes := 5
	for i := 0; i < n; i++ {
		minutes *= 2
		if minutes >= maxMinutes {
			return maxMinutes
		}
	}
	return minutes
}
