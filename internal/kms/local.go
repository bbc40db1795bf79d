package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/oakline/concierge/internal/cerr"
)

// LocalGateway implements Gateway with an in-process KEK (AES-256-GCM wrap).
// For development and tests only; production deployments use AWSGateway so
// the KEK never exists on the application host.
type LocalGateway struct {
	kek []byte
}

// NewLocalGateway parses a 64-hex-char KEK (32 bytes).
func NewLocalGateway(kekHex string) (*LocalGateway, error) {
	if len(kekHex) != 64 {
		return nil, fmt.Errorf("local kek must be exactly 32 bytes (64 hex characters)")
	}
	kek, err := hex.DecodeString(kekHex)
	if err != nil {
		return nil, fmt.Errorf("invalid local kek format (must be hex): %w", err)
	}
	return &LocalGateway{kek: kek}, nil
}

func (g *LocalGateway) GenerateDEK(ctx context.Context) ([]byte, []byte, error) {
	dek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", cerr.ErrKMSUnavailable, err)
	}

	wrapped, err := g.wrap(dek)
	if err != nil {
		return nil, nil, err
	}
	return dek, wrapped, nil
}

func (g *LocalGateway) UnwrapDEK(ctx context.Context, wrapped []byte) ([]byte, error) {
	gcm, err := g.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(wrapped) < nonceSize {
		return nil, fmt.Errorf("%w: blob too short", cerr.ErrKMSInvalidCiphertext)
	}

	nonce, ciphertext := wrapped[:nonceSize], wrapped[nonceSize:]
	dek, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cerr.ErrKMSInvalidCiphertext, err)
	}
	return dek, nil
}

func (g *LocalGateway) wrap(dek []byte) ([]byte, error) {
	gcm, err := g.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", cerr.ErrKMSUnavailable, err)
	}
	return gcm.Seal(nonce, nonce, dek, nil), nil
}

func (g *LocalGateway) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(g.kek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cerr.ErrKMSUnavailable, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cerr.ErrKMSUnavailable, err)
	}
	return gcm, nil
}
