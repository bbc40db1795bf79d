package profile

import (
	"context"
	"crypto/rand"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/concierge/internal/crypto"
	"github.com/oakline/concierge/internal/storage"
)

type fixedDEK struct{ dek []byte }

func (f fixedDEK) DEK(context.Context, uuid.UUID) ([]byte, error) { return f.dek, nil }

func setupRepo(t *testing.T) (*Repo, *pgxpool.Pool, uuid.UUID) {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	userID := uuid.New()
	err = storage.WithoutRLS(ctx, pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, primary_email, display_name, created_at, updated_at)
			VALUES ($1, $2, 'Profile Test', NOW(), NOW())
		`, userID, userID.String()+"@test.local")
		return err
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = storage.WithoutRLS(context.Background(), pool, func(tx pgx.Tx) error {
			for _, table := range []string{"memories", "interests", "important_dates", "user_tasks"} {
				if _, err := tx.Exec(context.Background(),
					"DELETE FROM "+table+" WHERE user_id = $1", userID); err != nil {
					return err
				}
			}
			_, err := tx.Exec(context.Background(), "DELETE FROM users WHERE id = $1", userID)
			return err
		})
	})

	dek := make([]byte, crypto.DEKSize)
	_, err = rand.Read(dek)
	require.NoError(t, err)

	return NewRepo(pool, fixedDEK{dek: dek}), pool, userID
}

func TestRepo_MemoryUpsertRoundTrip(t *testing.T) {
	repo, pool, userID := setupRepo(t)
	ctx := context.Background()

	_, err := repo.UpsertMemory(ctx, userID, &Memory{
		Category:  "preferences",
		FactKey:   "coffee",
		FactValue: "oat milk flat white",
	})
	require.NoError(t, err)

	// Same key again: updated in place, not duplicated.
	_, err = repo.UpsertMemory(ctx, userID, &Memory{
		Category:  "preferences",
		FactKey:   "coffee",
		FactValue: "double espresso",
	})
	require.NoError(t, err)

	got, err := repo.Memories(ctx, userID, "preferences")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "double espresso", got[0].FactValue)

	// The stored column is ciphertext, never the raw value.
	err = storage.WithoutRLS(ctx, pool, func(tx pgx.Tx) error {
		var sealed string
		if err := tx.QueryRow(ctx,
			"SELECT fact_value_encrypted FROM memories WHERE user_id = $1", userID).Scan(&sealed); err != nil {
			return err
		}
		assert.NotContains(t, sealed, "espresso")
		assert.Contains(t, sealed, "enc:")
		return nil
	})
	require.NoError(t, err)
}

func TestRepo_InterestRoundTrip(t *testing.T) {
	repo, _, userID := setupRepo(t)
	ctx := context.Background()

	_, err := repo.AddInterest(ctx, userID, &Interest{
		Topic:   "cycling",
		Details: "gravel rides on weekends",
	})
	require.NoError(t, err)

	got, err := repo.Interests(ctx, userID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "gravel rides on weekends", got[0].Details)
}

func TestRepo_UpcomingDates(t *testing.T) {
	repo, _, userID := setupRepo(t)
	ctx := context.Background()

	soon := time.Now().UTC().Add(48 * time.Hour)
	_, err := repo.AddImportantDate(ctx, userID, &ImportantDate{
		Title: "dentist",
		Notes: "bring referral",
		Date:  soon,
	})
	require.NoError(t, err)

	farOff := time.Now().UTC().Add(90 * 24 * time.Hour)
	_, err = repo.AddImportantDate(ctx, userID, &ImportantDate{
		Title: "conference",
		Date:  farOff,
	})
	require.NoError(t, err)

	got, err := repo.UpcomingDates(ctx, userID, 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "dentist", got[0].Title)
	assert.Equal(t, "bring referral", got[0].Notes)
}

func TestRepo_TaskLifecycle(t *testing.T) {
	repo, _, userID := setupRepo(t)
	ctx := context.Background()

	task, err := repo.CreateTask(ctx, userID, &Task{
		Title:       "book flights",
		Description: "AMS to NRT in May",
		Payload:     `{"budget": 900}`,
	})
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)

	pending, err := repo.Tasks(ctx, userID, TaskPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "book flights", pending[0].Title)
	assert.Equal(t, `{"budget": 900}`, pending[0].Payload)

	require.NoError(t, repo.CompleteTask(ctx, userID, task.ID, `{"pnr": "XYZ123"}`, false))

	done, err := repo.Tasks(ctx, userID, TaskCompleted)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, `{"pnr": "XYZ123"}`, done[0].Result)
}
