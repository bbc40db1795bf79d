// Package kms wraps the external key-management service behind two
// operations: generating a per-tenant data encryption key (DEK) and
// unwrapping a stored one. The key-encryption-key never leaves the KMS;
// the wrapped blob is the only form that persists.
package kms

import "context"

// Gateway is the envelope-encryption contract used by the data layer.
//
// GenerateDEK returns the plaintext DEK (32 bytes, transient; callers must
// discard promptly and never log it) together with the wrapped blob to store.
// UnwrapDEK recovers the plaintext DEK from a stored blob.
type Gateway interface {
	GenerateDEK(ctx context.Context) (plaintext []byte, wrapped []byte, err error)
	UnwrapDEK(ctx context.Context, wrapped []byte) ([]byte, error)
}
