// Package crypto provides authenticated encryption for sensitive tenant data.
// Uses AES-256-GCM with a per-tenant data encryption key (DEK) that callers
// obtain transiently from the KMS gateway; no key material is read from the
// environment or cached here.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/oakline/concierge/internal/cerr"
)

// DEKSize is the required data-encryption-key length (AES-256).
const DEKSize = 32

// EncryptWithDEK encrypts plaintext under the tenant DEK using AES-256-GCM.
//
// - Generates a random nonce per call (nonce reuse breaks GCM entirely)
// - Nonce is prepended to the ciphertext, MAC is appended by GCM
// - Returns base64 prefixed with "enc:" for safe column storage
func EncryptWithDEK(dek []byte, plaintext []byte) (string, error) {
	gcm, err := newGCM(dek)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return "enc:" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptWithDEK decrypts a value produced by EncryptWithDEK.
//
// Returns cerr.ErrDecryption on tampering or key mismatch. Callers must treat
// that as fatal for the operation; decryption failure is never masked as an
// empty value.
func DecryptWithDEK(dek []byte, ciphertextB64 string) ([]byte, error) {
	if len(ciphertextB64) < 4 || ciphertextB64[:4] != "enc:" {
		return nil, fmt.Errorf("%w: missing 'enc:' prefix", cerr.ErrDecryption)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", cerr.ErrDecryption, err)
	}

	gcm, err := newGCM(dek)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", cerr.ErrDecryption)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	// GCM.Open authenticates before decrypting.
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid key or tampered data", cerr.ErrDecryption)
	}

	return plaintext, nil
}

// DeterministicHash returns the hex SHA-256 of s for lookup columns
// (e.g. hashed provider subject). Non-reversible but correlatable across
// rows with equal input; never use it for secrets themselves.
func DeterministicHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newGCM(dek []byte) (cipher.AEAD, error) {
	if len(dek) != DEKSize {
		return nil, fmt.Errorf("dek must be %d bytes, got %d", DEKSize, len(dek))
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM mode: %w", err)
	}

	return gcm, nil
}
