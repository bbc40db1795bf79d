// Package tokenvault stores third-party OAuth credentials encrypted with
// the tenant DEK. Expiry is kept in clear so refresh candidates can be found
// without decrypting; everything else in the bundle is ciphertext at rest.
package tokenvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/crypto"
	"github.com/oakline/concierge/internal/storage"
)

// Bundle is the token material received from a provider. Stored only as
// ciphertext of the tenant DEK.
type Bundle struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	ExpiresIn    int      `json:"expires_in,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Refresher exchanges a refresh token for a fresh bundle at the provider's
// token endpoint. Implementations return cerr.ErrTokenRevoked for
// irrecoverable provider errors (invalid_grant).
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Bundle, error)
}

// ExpiringToken identifies a token record approaching expiry.
type ExpiringToken struct {
	UserID   uuid.UUID
	Provider string
}

// Vault implements save/get/invalidate/refresh over user_oauth_tokens.
type Vault struct {
	pool      *pgxpool.Pool
	keys      *storage.Keyring
	refresher Refresher
	buffer    time.Duration
	logger    *slog.Logger

	// Serializes refresh per (user, provider); concurrent refreshes waste
	// rotations and risk the provider revoking the older refresh token.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(pool *pgxpool.Pool, keys *storage.Keyring, refresher Refresher, buffer time.Duration, logger *slog.Logger) *Vault {
	if buffer <= 0 {
		buffer = 5 * time.Minute
	}
	return &Vault{
		pool:      pool,
		keys:      keys,
		refresher: refresher,
		buffer:    buffer,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Save encrypts the bundle with the tenant DEK and upserts on
// (user, provider) with validity restored and revoke metadata cleared.
func (v *Vault) Save(ctx context.Context, userID uuid.UUID, provider string, bundle *Bundle) error {
	dek, err := v.keys.DEK(ctx, userID)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to serialize token bundle: %w", err)
	}

	ciphertext, err := crypto.EncryptWithDEK(dek, plaintext)
	if err != nil {
		return err
	}

	var expiresAt *time.Time
	if bundle.ExpiresIn > 0 {
		t := time.Now().UTC().Add(time.Duration(bundle.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	return storage.WithTenantConn(ctx, v.pool, userID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_oauth_tokens
				(id, user_id, provider, encrypted_tokens, expires_at, scopes, is_valid, revoke_reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE, NULL, NOW(), NOW())
			ON CONFLICT (user_id, provider) DO UPDATE SET
				encrypted_tokens = EXCLUDED.encrypted_tokens,
				expires_at       = EXCLUDED.expires_at,
				scopes           = EXCLUDED.scopes,
				is_valid         = TRUE,
				revoke_reason    = NULL,
				updated_at       = NOW()
		`, uuid.New(), userID, provider, ciphertext, expiresAt, bundle.Scopes)
		return err
	})
}

// Get returns the decrypted bundle, or cerr.ErrNotFound when absent or
// invalid. Updates last_used_at.
func (v *Vault) Get(ctx context.Context, userID uuid.UUID, provider string) (*Bundle, error) {
	var ciphertext string
	err := storage.WithTenantConn(ctx, v.pool, userID, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT encrypted_tokens FROM user_oauth_tokens
			WHERE user_id = $1 AND provider = $2 AND is_valid = TRUE
		`, userID, provider).Scan(&ciphertext)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE user_oauth_tokens SET last_used_at = NOW()
			WHERE user_id = $1 AND provider = $2
		`, userID, provider)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cerr.ErrNotFound
		}
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}

	dek, err := v.keys.DEK(ctx, userID)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.DecryptWithDEK(dek, ciphertext)
	if err != nil {
		return nil, err
	}

	var bundle Bundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse token bundle: %w", err)
	}
	return &bundle, nil
}

// Invalidate flips validity off and records the reason. The row is kept for
// audit; nothing is deleted.
func (v *Vault) Invalidate(ctx context.Context, userID uuid.UUID, provider, reason string) error {
	return storage.WithTenantConn(ctx, v.pool, userID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE user_oauth_tokens
			SET is_valid = FALSE, revoke_reason = $3, updated_at = NOW()
			WHERE user_id = $1 AND provider = $2
		`, userID, provider, reason)
		return err
	})
}

// RefreshIfNeeded returns a valid access token, rotating the bundle through
// the provider's token endpoint when expiry falls within the buffer. On an
// irrecoverable provider error the record is invalidated and
// cerr.ErrTokenExpired is returned.
//
// Idempotent under no time progression: a second call inside the buffer
// window returns the rotated token without another endpoint hit.
func (v *Vault) RefreshIfNeeded(ctx context.Context, userID uuid.UUID, provider string) (string, error) {
	lock := v.lockFor(userID, provider)
	lock.Lock()
	defer lock.Unlock()

	var (
		ciphertext string
		expiresAt  *time.Time
	)
	err := storage.WithTenantConn(ctx, v.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT encrypted_tokens, expires_at FROM user_oauth_tokens
			WHERE user_id = $1 AND provider = $2 AND is_valid = TRUE
		`, userID, provider).Scan(&ciphertext, &expiresAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", cerr.ErrTokenExpired
		}
		return "", fmt.Errorf("token lookup failed: %w", err)
	}

	dek, err := v.keys.DEK(ctx, userID)
	if err != nil {
		return "", err
	}

	plaintext, err := crypto.DecryptWithDEK(dek, ciphertext)
	if err != nil {
		return "", err
	}
	var bundle Bundle
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return "", fmt.Errorf("failed to parse token bundle: %w", err)
	}

	// Still comfortably valid; nothing to do.
	if expiresAt == nil || time.Until(*expiresAt) > v.buffer {
		return bundle.AccessToken, nil
	}

	if bundle.RefreshToken == "" {
		_ = v.Invalidate(ctx, userID, provider, "no refresh token")
		return "", cerr.ErrTokenExpired
	}

	fresh, err := v.refresher.Refresh(ctx, bundle.RefreshToken)
	if err != nil {
		if errors.Is(err, cerr.ErrTokenRevoked) {
			if invErr := v.Invalidate(ctx, userID, provider, "invalid_grant"); invErr != nil {
				v.logger.Error("token_invalidate_failed", "error", invErr, "provider", provider)
			}
			return "", fmt.Errorf("%w: %v", cerr.ErrTokenExpired, err)
		}
		return "", err
	}

	// Providers often omit the refresh token on rotation; keep the old one.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = bundle.RefreshToken
	}
	if len(fresh.Scopes) == 0 {
		fresh.Scopes = bundle.Scopes
	}

	if err := v.Save(ctx, userID, provider, fresh); err != nil {
		return "", err
	}

	return fresh.AccessToken, nil
}

// ListExpiringSoon returns (user, provider) pairs whose clear-text expiry
// falls within the buffer. Used by the background refresh job; reads no
// ciphertext.
func (v *Vault) ListExpiringSoon(ctx context.Context, buffer time.Duration) ([]ExpiringToken, error) {
	cutoff := time.Now().UTC().Add(buffer)

	var out []ExpiringToken
	err := storage.WithoutRLS(ctx, v.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT user_id, provider FROM user_oauth_tokens
			WHERE is_valid = TRUE
			  AND expires_at IS NOT NULL
			  AND expires_at <= $1
			ORDER BY expires_at
		`, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var t ExpiringToken
			if err := rows.Scan(&t.UserID, &t.Provider); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring tokens: %w", err)
	}
	return out, nil
}

// ListConnected returns every tenant holding a valid token for the provider,
// regardless of expiry. Long-lived grants and records without an expiry at
// all are included; ListExpiringSoon is only for refresh scheduling.
func (v *Vault) ListConnected(ctx context.Context, provider string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := storage.WithoutRLS(ctx, v.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT user_id FROM user_oauth_tokens
			WHERE provider = $1 AND is_valid = TRUE
			ORDER BY user_id
		`, provider)
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
		return nil, fmt.Errorf("failed to list connected tenants: %w", err)
	}
	return out, nil
}

func (v *Vault) lockFor(userID uuid.UUID, provider string) *sync.Mutex {
	key := userID.String() + "/" + provider
	v.mu.Lock()
	defer v.mu.Unlock()
	if l, ok := v.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	v.locks[key] = l
	return l
}
