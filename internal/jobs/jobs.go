// Package jobs wires the recurring background work onto the scheduler:
// contact sync, token refresh, timezone sync and chat archiving. Jobs fan
// out to per-tenant work with bounded parallelism; one tenant failing never
// stops the others.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oakline/concierge/internal/audit"
	"github.com/oakline/concierge/internal/auth"
	"github.com/oakline/concierge/internal/chat"
	"github.com/oakline/concierge/internal/contacts"
	"github.com/oakline/concierge/internal/scheduler"
	"github.com/oakline/concierge/internal/syncstate"
	"github.com/oakline/concierge/internal/tokenvault"
)

// Provider identifiers. The token vault keys on the OAuth provider; the
// sync store keys on the data source within that provider.
const (
	TokenProviderGoogle  = "google"
	SourceGoogleContacts = "google_contacts"
)

// tenantParallelism bounds the per-tenant fan-out within one job run.
const tenantParallelism = 4

// ContactSource pulls changed contact records from the provider. An empty
// delta token requests a full listing; the returned token resumes from
// this point next run.
type ContactSource interface {
	Changes(ctx context.Context, accessToken, deltaToken string) (records []contacts.ProviderContact, nextDelta string, isFull bool, err error)
}

// TimezoneSource reads the tenant's timezone from provider settings.
type TimezoneSource interface {
	Timezone(ctx context.Context, accessToken string) (string, error)
}

// Runner holds the dependencies shared by all background jobs.
type Runner struct {
	Sync      *syncstate.Store
	Resolver  *contacts.Resolver
	Vault     *tokenvault.Vault
	Chat      *chat.Service
	ChatRepo  *chat.Repo
	Auth      *auth.Service
	Contacts  ContactSource
	Timezones TimezoneSource
	Audit     audit.Service
	Logger    *slog.Logger

	RefreshBuffer     time.Duration
	ArchiveWindowDays int
	SyncInterval      time.Duration
}

// Register installs the recurring jobs. Intervals follow the operational
// defaults; per-job timeouts inherit the scheduler default.
func (r *Runner) Register(s *scheduler.Scheduler) error {
	jobs := []scheduler.Job{
		{ID: "contact-sync", Spec: "@every 30m", Run: r.RunContactSync},
		{ID: "token-refresh", Spec: "@every 1h", Run: r.RunTokenRefresh},
		{ID: "timezone-sync", Spec: "0 4 * * *", Run: r.RunTimezoneSync},
		{ID: "chat-archiver", Spec: "0 2 * * 0", Run: r.RunChatArchiver},
	}
	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// RunContactSync fans out to every eligible tenant and drives one sync
// round each through the state machine.
func (r *Runner) RunContactSync(ctx context.Context) error {
	tenants, err := r.Sync.ListEligible(ctx, SourceGoogleContacts)
	if err != nil {
		return err
	}
	if len(tenants) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tenantParallelism)
	for _, userID := range tenants {
		userID := userID
		g.Go(func() error {
			if err := r.syncTenant(gctx, userID); err != nil {
				// Recorded in sync_state by Fail; the run keeps going.
				r.Logger.Error("tenant_sync_failed", "user_id", userID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) syncTenant(ctx context.Context, userID uuid.UUID) error {
	if err := r.Sync.Start(ctx, userID, SourceGoogleContacts); err != nil {
		if errors.Is(err, syncstate.ErrAlreadySyncing) {
			return nil
		}
		return err
	}

	added, updated, err := r.syncTenantLocked(ctx, userID)
	if err != nil {
		if failErr := r.Sync.Fail(ctx, userID, SourceGoogleContacts, err.Error()); failErr != nil {
			r.Logger.Error("sync_fail_record_failed", "user_id", userID, "error", failErr)
		}
		r.Audit.Log(ctx, audit.Entry{
			UserID:       userID,
			Action:       audit.ActionSyncRun,
			ResourceKind: SourceGoogleContacts,
			Success:      false,
			Error:        err.Error(),
		})
		return err
	}

	r.Audit.Log(ctx, audit.Entry{
		UserID:       userID,
		Action:       audit.ActionSyncRun,
		ResourceKind: SourceGoogleContacts,
		Details:      map[string]any{"added": added, "updated": updated},
		Success:      true,
	})
	return nil
}

// syncTenantLocked runs with the state row held in syncing. On success it
// records Complete; the caller handles Fail.
func (r *Runner) syncTenantLocked(ctx context.Context, userID uuid.UUID) (added, updated int, err error) {
	accessToken, err := r.Vault.RefreshIfNeeded(ctx, userID, TokenProviderGoogle)
	if err != nil {
		return 0, 0, err
	}

	state, err := r.Sync.Get(ctx, userID, SourceGoogleContacts)
	if err != nil {
		return 0, 0, err
	}

	records, nextDelta, isFull, err := r.Contacts.Changes(ctx, accessToken, state.DeltaToken)
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return added, updated, ctx.Err()
		}
		out, err := r.Resolver.Resolve(ctx, userID, rec)
		if err != nil {
			if errors.Is(err, contacts.ErrNoContactMethod) {
				r.Logger.Warn("contact_skipped", "user_id", userID, "external_id", rec.ExternalID)
				continue
			}
			return added, updated, err
		}
		if out.Created {
			added++
		} else if out.Updated {
			updated++
		}
	}

	var deltaPtr *string
	if nextDelta != "" {
		deltaPtr = &nextDelta
	}
	nextMinutes := int(r.SyncInterval.Minutes())
	if nextMinutes <= 0 {
		nextMinutes = 30
	}
	return added, updated, r.Sync.Complete(ctx, userID, SourceGoogleContacts, deltaPtr, added, updated, isFull, nextMinutes)
}

// RunTokenRefresh walks tokens approaching expiry and rotates each one.
// Revoked grants invalidate the record; the walk continues.
func (r *Runner) RunTokenRefresh(ctx context.Context) error {
	expiring, err := r.Vault.ListExpiringSoon(ctx, r.RefreshBuffer)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tenantParallelism)
	for _, tok := range expiring {
		tok := tok
		g.Go(func() error {
			if _, err := r.Vault.RefreshIfNeeded(gctx, tok.UserID, tok.Provider); err != nil {
				r.Logger.Warn("background_refresh_failed",
					"user_id", tok.UserID, "provider", tok.Provider, "error", err)
				r.Audit.Log(gctx, audit.Entry{
					UserID:       tok.UserID,
					Action:       audit.ActionTokenRefresh,
					ResourceKind: tok.Provider,
					Success:      false,
					Error:        err.Error(),
				})
				return nil
			}
			r.Audit.Log(gctx, audit.Entry{
				UserID:       tok.UserID,
				Action:       audit.ActionTokenRefresh,
				ResourceKind: tok.Provider,
				Success:      true,
			})
			return nil
		})
	}
	return g.Wait()
}

// RunTimezoneSync updates each connected tenant's timezone from provider
// calendar settings. Every valid grant counts, including tokens far from
// expiry or with no recorded expiry at all.
func (r *Runner) RunTimezoneSync(ctx context.Context) error {
	connected, err := r.Vault.ListConnected(ctx, TokenProviderGoogle)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tenantParallelism)
	for _, userID := range connected {
		userID := userID
		g.Go(func() error {
			accessToken, err := r.Vault.RefreshIfNeeded(gctx, userID, TokenProviderGoogle)
			if err != nil {
				r.Logger.Warn("timezone_sync_token_failed", "user_id", userID, "error", err)
				return nil
			}
			tz, err := r.Timezones.Timezone(gctx, accessToken)
			if err != nil {
				r.Logger.Warn("timezone_fetch_failed", "user_id", userID, "error", err)
				return nil
			}
			if err := r.Auth.UpdateTimezone(gctx, userID, tz); err != nil {
				r.Logger.Warn("timezone_update_failed", "user_id", userID, "tz", tz, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunChatArchiver moves sessions past the archive window to the cold tier,
// tenant by tenant.
func (r *Runner) RunChatArchiver(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -r.ArchiveWindowDays)

	tenants, err := r.ChatRepo.TenantsWithArchivable(ctx, cutoff)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tenantParallelism)
	for _, userID := range tenants {
		userID := userID
		g.Go(func() error {
			archived, err := r.Chat.ArchiveTenant(gctx, userID, cutoff)
			if err != nil {
				r.Logger.Error("tenant_archive_failed",
					"user_id", userID, "archived", archived, "error", err)
				return nil
			}
			if archived > 0 {
				r.Logger.Info("tenant_sessions_archived", "user_id", userID, "count", archived)
			}
			return nil
		})
	}
	return g.Wait()
}
