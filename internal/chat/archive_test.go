package chat

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/crypto"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	frozen  map[string]bool // simulates deep archive
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte), frozen: make(map[string]bool)}
}

func (m *memStore) Put(ctx context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen[key] {
		return nil, ErrRestoreNeeded
	}
	body, ok := m.objects[key]
	if !ok {
		return nil, cerr.ErrNotFound
	}
	return body, nil
}

func (m *memStore) Restore(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.frozen, key)
	return nil
}

func testDEK(t *testing.T) []byte {
	t.Helper()
	dek := make([]byte, crypto.DEKSize)
	_, err := rand.Read(dek)
	require.NoError(t, err)
	return dek
}

func TestArchiveKey(t *testing.T) {
	userID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	sessionID := uuid.MustParse("aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	at := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)

	key := ArchiveKey(userID, sessionID, at)
	assert.Equal(t,
		"chat-archive/11111111-2222-3333-4444-555555555555/2026/03/session-aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee.enc.gz",
		key)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	dek := testDEK(t)
	sessionID, userID := uuid.New(), uuid.New()

	payload := ArchivePayload{
		SessionID:    sessionID,
		UserID:       userID,
		ArchivedAt:   time.Now().UTC().Truncate(time.Second),
		MessageCount: 2,
		Messages: []Message{
			{ID: uuid.New(), SessionID: sessionID, Role: "user", Content: "plan a trip to Kyoto 京都"},
			{ID: uuid.New(), SessionID: sessionID, Role: "assistant", Content: "sure thing"},
		},
	}

	body, err := packArchive(dek, payload)
	require.NoError(t, err)

	got, err := unpackArchive(dek, body)
	require.NoError(t, err)
	assert.Equal(t, payload.SessionID, got.SessionID)
	assert.Equal(t, payload.MessageCount, got.MessageCount)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "plan a trip to Kyoto 京都", got.Messages[0].Content)
}

func TestPackArchive_CiphertextUnderGzip(t *testing.T) {
	dek := testDEK(t)
	secret := "the launch code is 0000"

	body, err := packArchive(dek, ArchivePayload{
		SessionID: uuid.New(),
		UserID:    uuid.New(),
		Messages:  []Message{{Content: secret}},
	})
	require.NoError(t, err)

	// Stripping the compression layer must expose only ciphertext.
	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	var inner bytes.Buffer
	_, err = inner.ReadFrom(zr)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(inner.String(), "enc:"))
	assert.NotContains(t, inner.String(), secret)
}

func TestUnpackArchive_WrongKeyFails(t *testing.T) {
	body, err := packArchive(testDEK(t), ArchivePayload{SessionID: uuid.New()})
	require.NoError(t, err)

	_, err = unpackArchive(testDEK(t), body)
	assert.ErrorIs(t, err, cerr.ErrDecryption)
}

func TestMemStore_RestoreFlow(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v")))
	store.frozen["k"] = true

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrRestoreNeeded)

	require.NoError(t, store.Restore(ctx, "k"))
	body, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), body)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, cerr.ErrNotFound)
}

func TestArchiveKey_GroupsByMonth(t *testing.T) {
	userID, sessionID := uuid.New(), uuid.New()

	jan := ArchiveKey(userID, sessionID, time.Date(2025, 1, 31, 23, 59, 0, 0, time.UTC))
	feb := ArchiveKey(userID, sessionID, time.Date(2025, 2, 1, 0, 1, 0, 0, time.UTC))

	assert.Contains(t, jan, fmt.Sprintf("chat-archive/%s/2025/01/", userID))
	assert.Contains(t, feb, fmt.Sprintf("chat-archive/%s/2025/02/", userID))
}
