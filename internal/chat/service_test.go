package chat

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/concierge/internal/audit"
	"github.com/oakline/concierge/internal/kms"
	"github.com/oakline/concierge/internal/storage"
)

func setupTestService(t *testing.T, maxPerSession int) (*Service, *Hot, uuid.UUID) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database integration test")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	gateway, err := kms.NewLocalGateway(hex.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)

	userID := uuid.New()
	_, wrapped, err := gateway.GenerateDEK(ctx)
	require.NoError(t, err)
	_, err = pool.Exec(ctx,
		"INSERT INTO users (id, primary_email, dek_wrapped) VALUES ($1, $2, $3)",
		userID, userID.String()+"@chat-test.example.com", wrapped)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM chat_messages WHERE user_id = $1", userID)
		pool.Exec(ctx, "DELETE FROM chat_sessions WHERE user_id = $1", userID)
		pool.Exec(ctx, "DELETE FROM users WHERE id = $1", userID)
	})

	hot, _ := newTestHot(t, maxPerSession)
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	svc := NewService(NewRepo(pool), hot, nil, storage.NewKeyring(pool, gateway), audit.Nop{}, logger)
	return svc, hot, userID
}

func TestService_AppendThenRecentRoundTrip(t *testing.T) {
	svc, _, userID := setupTestService(t, 100)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, userID, "errands")
	require.NoError(t, err)

	_, err = svc.Append(ctx, userID, session.ID, "user", "remind me about the dentist", nil)
	require.NoError(t, err)

	msgs, err := svc.Recent(ctx, userID, session.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "remind me about the dentist", msgs[0].Content)
}

func TestService_RecentRefillsShortHotCache(t *testing.T) {
	svc, hot, userID := setupTestService(t, 100)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, userID, "long chat")
	require.NoError(t, err)

	const total = 12
	for i := 0; i < total; i++ {
		_, err := svc.Append(ctx, userID, session.ID, "user", fmt.Sprintf("message %d", i), nil)
		require.NoError(t, err)
	}

	// Cold cache, small read: the warm tier answers and the cache refills
	// beyond the requested window.
	require.NoError(t, hot.Invalidate(ctx, userID, session.ID))
	first, err := svc.Recent(ctx, userID, session.ID, 5)
	require.NoError(t, err)
	require.Len(t, first, 5)

	// A larger follow-up read must not be capped by the earlier small one.
	second, err := svc.Recent(ctx, userID, session.ID, 10)
	require.NoError(t, err)
	require.Len(t, second, 10)
	assert.Equal(t, fmt.Sprintf("message %d", total-1), second[len(second)-1].Content)
}

func TestService_RecentShortSessionServesEverything(t *testing.T) {
	svc, _, userID := setupTestService(t, 100)
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, userID, "short")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.Append(ctx, userID, session.ID, "user", fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}

	msgs, err := svc.Recent(ctx, userID, session.ID, 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}
