package crypto_test

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDEK(t *testing.T) []byte {
	t.Helper()
	dek := make([]byte, crypto.DEKSize)
	_, err := rand.Read(dek)
	require.NoError(t, err)
	return dek
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	dek := testDEK(t)

	cases := []string{
		"hello",
		"",
		"Hello **world** 你好 🎉",
		strings.Repeat("x", 64*1024),
	}

	for _, plaintext := range cases {
		ct, err := crypto.EncryptWithDEK(dek, []byte(plaintext))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(ct, "enc:"))
		assert.NotEqual(t, plaintext, ct)

		got, err := crypto.DecryptWithDEK(dek, ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, string(got))
	}
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	dek := testDEK(t)

	a, err := crypto.EncryptWithDEK(dek, []byte("same plaintext"))
	require.NoError(t, err)
	b, err := crypto.EncryptWithDEK(dek, []byte("same plaintext"))
	require.NoError(t, err)

	// Fresh nonce per call means ciphertexts must differ.
	assert.NotEqual(t, a, b)
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	ct, err := crypto.EncryptWithDEK(testDEK(t), []byte("secret"))
	require.NoError(t, err)

	_, err = crypto.DecryptWithDEK(testDEK(t), ct)
	assert.ErrorIs(t, err, cerr.ErrDecryption)
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	dek := testDEK(t)
	ct, err := crypto.EncryptWithDEK(dek, []byte("secret"))
	require.NoError(t, err)

	// Flip a character in the base64 payload.
	raw := []byte(ct)
	last := len(raw) - 5
	if raw[last] == 'A' {
		raw[last] = 'B'
	} else {
		raw[last] = 'A'
	}

	_, err = crypto.DecryptWithDEK(dek, string(raw))
	assert.ErrorIs(t, err, cerr.ErrDecryption)
}

func TestDecrypt_MissingPrefixFails(t *testing.T) {
	_, err := crypto.DecryptWithDEK(testDEK(t), "plaintext-by-accident")
	assert.ErrorIs(t, err, cerr.ErrDecryption)
}

func TestDecrypt_BadKeyLength(t *testing.T) {
	_, err := crypto.EncryptWithDEK(make([]byte, 16), []byte("x"))
	assert.Error(t, err)
}

func TestDeterministicHash(t *testing.T) {
	a := crypto.DeterministicHash("google|1234567890")
	b := crypto.DeterministicHash("google|1234567890")
	c := crypto.DeterministicHash("google|0987654321")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
