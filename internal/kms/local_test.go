package kms_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T) *kms.LocalGateway {
	t.Helper()
	kek := make([]byte, 32)
	_, err := rand.Read(kek)
	require.NoError(t, err)

	gw, err := kms.NewLocalGateway(hex.EncodeToString(kek))
	require.NoError(t, err)
	return gw
}

func TestLocalGateway_GenerateAndUnwrap(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	dek, wrapped, err := gw.GenerateDEK(ctx)
	require.NoError(t, err)
	assert.Len(t, dek, 32)
	assert.NotEmpty(t, wrapped)
	// Plaintext key must never appear inside the wrapped blob.
	assert.NotContains(t, string(wrapped), string(dek))

	got, err := gw.UnwrapDEK(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, dek, got)
}

func TestLocalGateway_UnwrapWithWrongKEKFails(t *testing.T) {
	ctx := context.Background()

	_, wrapped, err := newGateway(t).GenerateDEK(ctx)
	require.NoError(t, err)

	_, err = newGateway(t).UnwrapDEK(ctx, wrapped)
	assert.ErrorIs(t, err, cerr.ErrKMSInvalidCiphertext)
}

func TestLocalGateway_UnwrapGarbageFails(t *testing.T) {
	gw := newGateway(t)

	_, err := gw.UnwrapDEK(context.Background(), []byte("short"))
	assert.ErrorIs(t, err, cerr.ErrKMSInvalidCiphertext)
}

func TestNewLocalGateway_RejectsBadKey(t *testing.T) {
	_, err := kms.NewLocalGateway("deadbeef")
	assert.Error(t, err)

	_, err = kms.NewLocalGateway("zz" + hex.EncodeToString(make([]byte, 31)))
	assert.Error(t, err)
}
