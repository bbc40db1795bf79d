package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/kms"
)

// dekCacheTTL bounds how long an unwrapped DEK stays in memory. The cache
// is shared process-wide, so the TTL is what limits key residency and the
// window during which a rotated or revoked KMS key keeps working locally.
const dekCacheTTL = 5 * time.Minute

type cachedDEK struct {
	dek     []byte
	expires time.Time
}

// Keyring resolves tenant DEKs and caches the unwrapped keys in memory with
// a short TTL. The unwrapped DEK never touches a store or a log; the cache
// exists so hot paths unwrap via KMS at most once per tenant per TTL
// window, and the TTL keeps no key resident much longer than a request or
// job run would.
type Keyring struct {
	pool    *pgxpool.Pool
	gateway kms.Gateway
	now     func() time.Time

	mu   sync.Mutex
	deks map[uuid.UUID]cachedDEK
}

func NewKeyring(pool *pgxpool.Pool, gateway kms.Gateway) *Keyring {
	return &Keyring{
		pool:    pool,
		gateway: gateway,
		now:     time.Now,
		deks:    make(map[uuid.UUID]cachedDEK),
	}
}

// DEK returns the tenant's unwrapped data encryption key, fetching the
// wrapped blob from the users row and unwrapping it via the KMS gateway
// when the cached copy is absent or expired.
func (k *Keyring) DEK(ctx context.Context, userID uuid.UUID) ([]byte, error) {
	k.mu.Lock()
	if c, ok := k.deks[userID]; ok && k.now().Before(c.expires) {
		k.mu.Unlock()
		return c.dek, nil
	}
	delete(k.deks, userID)
	k.mu.Unlock()

	var wrapped []byte
	err := WithTenantConn(ctx, k.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, "SELECT dek_wrapped FROM users WHERE id = $1", userID).Scan(&wrapped)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cerr.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load wrapped dek: %w", err)
	}

	dek, err := k.gateway.UnwrapDEK(ctx, wrapped)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.deks[userID] = cachedDEK{dek: dek, expires: k.now().Add(dekCacheTTL)}
	k.mu.Unlock()

	return dek, nil
}
