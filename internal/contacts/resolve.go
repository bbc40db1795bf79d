package contacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/storage"
)

// ProviderContact is one incoming record from a sync source.
type ProviderContact struct {
	Provider     string
	ExternalID   string
	Etag         string
	DisplayName  string
	GivenName    string
	FamilyName   string
	Emails       []string
	Phones       []string
	Organization string
	Title        string
	Birthday     *time.Time
	Deleted      bool
}

// ResolveOutcome reports what the resolver did with one record.
type ResolveOutcome struct {
	PersonID uuid.UUID
	Created  bool
	Updated  bool
	Skipped  bool
}

// ErrNoContactMethod marks records that cannot become a person: without an
// email or phone there is nothing to resolve against later.
var ErrNoContactMethod = errors.New("contact record has no email or phone")

// Resolver maps provider records onto the tenant's persons.
type Resolver struct {
	repo   *Repo
	logger *slog.Logger
}

func NewResolver(repo *Repo, logger *slog.Logger) *Resolver {
	return &Resolver{repo: repo, logger: logger}
}

// Resolve matches one provider record to a person and applies it, all in a
// single tenant transaction. Match order: external-id mapping, then email
// (lowercased), then phone (normalized), then create. Provider values win
// for last-observed fields; protected fields are never overwritten, a
// mismatch there is logged as a sync conflict and the rest proceeds.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID, rec ProviderContact) (ResolveOutcome, error) {
	rec.Emails = normalizeEmails(rec.Emails)
	rec.Phones = normalizePhones(rec.Phones)

	var out ResolveOutcome
	err := storage.WithTenantConn(ctx, r.repo.pool, userID, func(tx pgx.Tx) error {
		personID, found, err := r.match(ctx, tx, userID, rec)
		if err != nil {
			return err
		}

		if !found {
			if rec.Deleted {
				out.Skipped = true
				return nil
			}
			if len(rec.Emails) == 0 && len(rec.Phones) == 0 {
				out.Skipped = true
				return ErrNoContactMethod
			}
			created, err := r.repo.insert(ctx, tx, &Person{
				ID:           uuid.New(),
				OwnerUserID:  userID,
				DisplayName:  displayNameOf(rec),
				GivenName:    rec.GivenName,
				FamilyName:   rec.FamilyName,
				Emails:       rec.Emails,
				Phones:       rec.Phones,
				Organization: rec.Organization,
				Title:        rec.Title,
				Birthday:     rec.Birthday,
			})
			if err != nil {
				return err
			}
			out.PersonID = created.ID
			out.Created = true
			return r.upsertMapping(ctx, tx, userID, created.ID, rec)
		}

		out.PersonID = personID
		if rec.Deleted {
			// Provider-side delete: soft, history kept.
			_, err := tx.Exec(ctx,
				"UPDATE persons SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND owner_user_id = $2 AND deleted_at IS NULL",
				personID, userID)
			if err != nil {
				return err
			}
			out.Updated = true
			return r.upsertMapping(ctx, tx, userID, personID, rec)
		}

		if err := r.apply(ctx, tx, userID, personID, rec); err != nil {
			return err
		}
		out.Updated = true
		return r.upsertMapping(ctx, tx, userID, personID, rec)
	})
	if err != nil {
		if errors.Is(err, ErrNoContactMethod) {
			return out, ErrNoContactMethod
		}
		return out, fmt.Errorf("failed to resolve contact %s/%s: %w", rec.Provider, rec.ExternalID, err)
	}
	return out, nil
}

func (r *Resolver) match(ctx context.Context, tx pgx.Tx, userID uuid.UUID, rec ProviderContact) (uuid.UUID, bool, error) {
	var personID uuid.UUID

	// 1. Existing provider mapping.
	err := tx.QueryRow(ctx,
		"SELECT person_id FROM external_ids WHERE owner_user_id = $1 AND provider = $2 AND external_id = $3",
		userID, rec.Provider, rec.ExternalID).Scan(&personID)
	if err == nil {
		return personID, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, err
	}

	// 2. Email equality.
	if len(rec.Emails) > 0 {
		err = tx.QueryRow(ctx, `
			SELECT id FROM persons
			WHERE owner_user_id = $2 AND deleted_at IS NULL AND emails && $1::text[]
			ORDER BY created_at LIMIT 1
		`, rec.Emails, userID).Scan(&personID)
		if err == nil {
			return personID, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, err
		}
	}

	// 3. Phone equality.
	if len(rec.Phones) > 0 {
		err = tx.QueryRow(ctx, `
			SELECT id FROM persons
			WHERE owner_user_id = $2 AND deleted_at IS NULL AND phones && $1::text[]
			ORDER BY created_at LIMIT 1
		`, rec.Phones, userID).Scan(&personID)
		if err == nil {
			return personID, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, err
		}
	}

	return uuid.Nil, false, nil
}

// apply merges the provider record into the matched person. Names, emails,
// phones, organization and title are last-observed and take the provider
// value. Notes are tenant-authored and birthday, once set, is sticky; a
// differing provider birthday is a conflict, logged and skipped.
func (r *Resolver) apply(ctx context.Context, tx pgx.Tx, userID, personID uuid.UUID, rec ProviderContact) error {
	existing, err := scanPerson(tx.QueryRow(ctx,
		"SELECT"+personColumns+" FROM persons WHERE id = $1 AND owner_user_id = $2",
		personID, userID))
	if err != nil {
		return err
	}

	birthday := existing.Birthday
	if rec.Birthday != nil {
		if existing.Birthday == nil {
			birthday = rec.Birthday
		} else if !sameDate(*existing.Birthday, *rec.Birthday) {
			r.logger.Warn("sync_conflict",
				"error", cerr.ErrSyncConflict,
				"person_id", personID,
				"provider", rec.Provider,
				"field", "birthday")
		}
	}

	displayName := existing.DisplayName
	if n := displayNameOf(rec); n != "" {
		displayName = n
	}

	_, err = tx.Exec(ctx, `
		UPDATE persons SET
			display_name = $2, given_name = $3, family_name = $4,
			emails = $5, phones = $6, organization = $7, title = $8,
			birthday = $9, deleted_at = NULL, updated_at = NOW()
		WHERE id = $1 AND owner_user_id = $10
	`, personID, displayName, pickLast(rec.GivenName, existing.GivenName),
		pickLast(rec.FamilyName, existing.FamilyName),
		union(existing.Emails, rec.Emails), union(existing.Phones, rec.Phones),
		pickLast(rec.Organization, existing.Organization), pickLast(rec.Title, existing.Title),
		birthday, userID)
	return err
}

func (r *Resolver) upsertMapping(ctx context.Context, tx pgx.Tx, userID, personID uuid.UUID, rec ProviderContact) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO external_ids (id, owner_user_id, person_id, provider, external_id, etag, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (owner_user_id, provider, external_id) DO UPDATE
		SET person_id = EXCLUDED.person_id, etag = EXCLUDED.etag, last_synced_at = NOW()
	`, uuid.New(), userID, personID, rec.Provider, rec.ExternalID, rec.Etag)
	return err
}

func displayNameOf(rec ProviderContact) string {
	if rec.DisplayName != "" {
		return rec.DisplayName
	}
	switch {
	case rec.GivenName != "" && rec.FamilyName != "":
		return rec.GivenName + " " + rec.FamilyName
	case rec.GivenName != "":
		return rec.GivenName
	case rec.FamilyName != "":
		return rec.FamilyName
	case len(rec.Emails) > 0:
		return rec.Emails[0]
	case len(rec.Phones) > 0:
		return rec.Phones[0]
	}
	return ""
}

// pickLast prefers the incoming provider value, keeping the stored one only
// when the provider sent nothing.
func pickLast(incoming, existing string) string {
	if incoming != "" {
		return incoming
	}
	return existing
}

// union merges two normalized lists preserving existing order.
func union(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, lists := range [][]string{existing, incoming} {
		for _, v := range lists {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
