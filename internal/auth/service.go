package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/crypto"
	"github.com/oakline/concierge/internal/kms"
	"github.com/oakline/concierge/internal/storage"
)

// AuthContext is the resolved identity attached to every request below the
// auth boundary.
type AuthContext struct {
	UserID      uuid.UUID
	Email       string
	DisplayName string
}

// User is the tenant row as seen by the auth flow.
type User struct {
	ID           uuid.UUID
	PrimaryEmail string
	DisplayName  string
	Timezone     string
	CreatedAt    time.Time
}

// SignInInput carries the provider identity obtained from a federated
// sign-in callback. Subject is the provider's stable subject claim; it is
// stored only as a deterministic hash.
type SignInInput struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
}

// Service resolves federated identities to tenants and provisions new
// tenants on first sign-in (including their DEK and core-user person row).
// It is agnostic of HTTP transport.
type Service struct {
	pool    *pgxpool.Pool
	gateway kms.Gateway
}

func NewService(pool *pgxpool.Pool, gateway kms.Gateway) *Service {
	return &Service{pool: pool, gateway: gateway}
}

// SignIn resolves the identity to an existing tenant or creates one.
// Returns the tenant user and whether it was created in this call.
//
// Creation is a single logical operation: generate the DEK (the wrapped
// blob is the only form persisted), insert the users row, link the
// identity, then add the is_core_user person row under the new tenant's
// RLS context.
func (s *Service) SignIn(ctx context.Context, in SignInInput) (*User, bool, error) {
	if in.Provider == "" || in.Subject == "" || in.Email == "" {
		return nil, false, errors.New("provider, subject and email are required")
	}

	email := strings.ToLower(strings.TrimSpace(in.Email))
	subjectHash := crypto.DeterministicHash(in.Subject)

	// 1. Existing identity?
	user, err := s.lookupByIdentity(ctx, in.Provider, subjectHash)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, cerr.ErrNotFound) {
		return nil, false, err
	}

	// 2. Same email signed in through another provider? Link the identity.
	user, err = s.lookupByEmail(ctx, email)
	if err == nil {
		if linkErr := s.linkIdentity(ctx, user.ID, in.Provider, subjectHash); linkErr != nil {
			return nil, false, linkErr
		}
		return user, false, nil
	}
	if !errors.Is(err, cerr.ErrNotFound) {
		return nil, false, err
	}

	// 3. First sign-in: provision the tenant.
	user, err = s.provision(ctx, in, email, subjectHash)
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// GetUser loads a tenant row under its own RLS context.
func (s *Service) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	var u User
	err := storage.WithTenantConn(ctx, s.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT id, primary_email, COALESCE(display_name, ''), COALESCE(timezone, 'UTC'), created_at
			 FROM users WHERE id = $1`, userID,
		).Scan(&u.ID, &u.PrimaryEmail, &u.DisplayName, &u.Timezone, &u.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cerr.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

// UpdateTimezone stores the tenant timezone (driven by the daily sync job).
func (s *Service) UpdateTimezone(ctx context.Context, userID uuid.UUID, tz string) error {
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return storage.WithTenantConn(ctx, s.pool, userID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "UPDATE users SET timezone = $2, updated_at = NOW() WHERE id = $1", userID, tz)
		return err
	})
}

func (s *Service) lookupByIdentity(ctx context.Context, provider, subjectHash string) (*User, error) {
	var u User
	// Pre-auth lookup: no tenant context exists yet.
	err := storage.WithoutRLS(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT u.id, u.primary_email, COALESCE(u.display_name, ''), COALESCE(u.timezone, 'UTC'), u.created_at
			 FROM user_identities i
			 JOIN users u ON u.id = i.user_id
			 WHERE i.provider = $1 AND i.subject_hash = $2`,
			provider, subjectHash,
		).Scan(&u.ID, &u.PrimaryEmail, &u.DisplayName, &u.Timezone, &u.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cerr.ErrNotFound
		}
		return nil, fmt.Errorf("identity lookup failed: %w", err)
	}
	return &u, nil
}

func (s *Service) lookupByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := storage.WithoutRLS(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT id, primary_email, COALESCE(display_name, ''), COALESCE(timezone, 'UTC'), created_at
			 FROM users WHERE LOWER(primary_email) = $1`, email,
		).Scan(&u.ID, &u.PrimaryEmail, &u.DisplayName, &u.Timezone, &u.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cerr.ErrNotFound
		}
		return nil, fmt.Errorf("email lookup failed: %w", err)
	}
	return &u, nil
}

func (s *Service) linkIdentity(ctx context.Context, userID uuid.UUID, provider, subjectHash string) error {
	return storage.WithoutRLS(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO user_identities (id, user_id, provider, subject_hash, created_at)
			 VALUES ($1, $2, $3, $4, NOW())
			 ON CONFLICT (provider, subject_hash) DO NOTHING`,
			uuid.New(), userID, provider, subjectHash)
		return err
	})
}

func (s *Service) provision(ctx context.Context, in SignInInput, email, subjectHash string) (*User, error) {
	// The plaintext DEK is not needed at provisioning time; discard it
	// immediately and keep only the wrapped blob.
	_, wrapped, err := s.gateway.GenerateDEK(ctx)
	if err != nil {
		return nil, err
	}

	userID := uuid.New()
	now := time.Now().UTC()

	err = storage.WithoutRLS(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (id, primary_email, display_name, dek_wrapped, timezone, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, 'UTC', NOW(), NOW())`,
			userID, email, in.DisplayName, wrapped); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_identities (id, user_id, provider, subject_hash, created_at)
			 VALUES ($1, $2, $3, $4, NOW())`,
			uuid.New(), userID, in.Provider, subjectHash); err != nil {
			return fmt.Errorf("failed to link identity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Core-user person row, owned by the new tenant.
	err = storage.WithTenantConn(ctx, s.pool, userID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO persons (id, owner_user_id, display_name, emails, is_core_user, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, TRUE, NOW(), NOW())`,
			uuid.New(), userID, in.DisplayName, []string{email})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create core person: %w", err)
	}

	return &User{
		ID:           userID,
		PrimaryEmail: email,
		DisplayName:  in.DisplayName,
		Timezone:     "UTC",
		CreatedAt:    now,
	}, nil
}
