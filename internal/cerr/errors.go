// Package cerr defines the stable error kinds surfaced across the
// trust-and-data plane. Handlers and jobs translate these to HTTP status
// codes or retry decisions; everything else wraps them with context.
package cerr

import "errors"

var (
	// Identity failures.
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Token vault failures.
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")

	// KMS failures. All are fatal for the operation; there is no fallback.
	ErrKMSUnavailable      = errors.New("kms unavailable")
	ErrKMSAccessDenied     = errors.New("kms access denied")
	ErrKMSInvalidCiphertext = errors.New("kms invalid ciphertext")

	// ErrDecryption means tampered ciphertext or a wrong key. It is never
	// degraded to an empty value.
	ErrDecryption = errors.New("decryption failed")

	// ErrRLSContextMissing is an implementation bug: a statement reached the
	// database without the tenant session variable set.
	ErrRLSContextMissing = errors.New("rls context missing")

	// ErrSyncConflict marks an irreconcilable attribute conflict during
	// entity resolution. Logged; the sync continues.
	ErrSyncConflict = errors.New("sync conflict")

	// ErrJobTimeout is recorded when a scheduled job exceeds its budget.
	ErrJobTimeout = errors.New("job timeout")

	// ErrNotFound covers tenant-scoped lookups that return no row under RLS.
	// Deliberately indistinguishable from "owned by another tenant".
	ErrNotFound = errors.New("not found")
)
