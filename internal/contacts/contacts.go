// Package contacts stores the tenant's people graph: persons, their
// relationships to the core user, and the external-id mappings that tie
// persons to provider records.
package contacts

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
	"github.com/oakline/concierge/internal/storage"
)

// Person is one row in persons. Free-text columns are visible only to the
// owning tenant via row policies; nothing here is ciphertext.
type Person struct {
	ID           uuid.UUID
	OwnerUserID  uuid.UUID
	DisplayName  string
	GivenName    string
	FamilyName   string
	Emails       []string
	Phones       []string
	Organization string
	Title        string
	Notes        string
	Birthday     *time.Time
	IsCoreUser   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// Relationship links a person to the core user ("spouse", "colleague", ...).
// Ending a relationship sets EndedAt; the row stays for history.
type Relationship struct {
	ID           uuid.UUID
	OwnerUserID  uuid.UUID
	PersonID     uuid.UUID
	RelationType string
	Notes        string
	StartedAt    *time.Time
	EndedAt      *time.Time
	CreatedAt    time.Time
}

// Repo is the RLS-scoped persons store. Every method takes the tenant id
// and opens its own scoped transaction.
type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

const personColumns = `
	id, owner_user_id, display_name, COALESCE(given_name, ''), COALESCE(family_name, ''),
	emails, phones, COALESCE(organization, ''), COALESCE(title, ''), COALESCE(notes, ''),
	birthday, is_core_user, created_at, updated_at, deleted_at`

func scanPerson(row pgx.Row) (*Person, error) {
	var p Person
	err := row.Scan(&p.ID, &p.OwnerUserID, &p.DisplayName, &p.GivenName, &p.FamilyName,
		&p.Emails, &p.Phones, &p.Organization, &p.Title, &p.Notes,
		&p.Birthday, &p.IsCoreUser, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cerr.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Create inserts a person for the tenant. Emails are lowercased and phones
// normalized before storage so resolution matches stay exact.
func (r *Repo) Create(ctx context.Context, userID uuid.UUID, p *Person) (*Person, error) {
	p.ID = uuid.New()
	p.OwnerUserID = userID
	p.Emails = normalizeEmails(p.Emails)
	p.Phones = normalizePhones(p.Phones)

	var created *Person
	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		var err error
		created, err = r.insert(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create person: %w", err)
	}
	return created, nil
}

func (r *Repo) insert(ctx context.Context, tx pgx.Tx, p *Person) (*Person, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO persons
			(id, owner_user_id, display_name, given_name, family_name, emails, phones,
			 organization, title, notes, birthday, is_core_user, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING`+personColumns,
		p.ID, p.OwnerUserID, p.DisplayName, p.GivenName, p.FamilyName, p.Emails, p.Phones,
		p.Organization, p.Title, p.Notes, p.Birthday, p.IsCoreUser)
	return scanPerson(row)
}

// Get returns a person by id. Rows owned by another tenant are invisible
// here, so "wrong tenant" and "missing" both come back as ErrNotFound.
func (r *Repo) Get(ctx context.Context, userID, personID uuid.UUID) (*Person, error) {
	var p *Person
	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		var err error
		p, err = scanPerson(tx.QueryRow(ctx,
			"SELECT"+personColumns+" FROM persons WHERE id = $1 AND owner_user_id = $2 AND deleted_at IS NULL",
			personID, userID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// List returns the tenant's non-deleted persons ordered by display name.
func (r *Repo) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Person, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var out []*Person
	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			"SELECT"+personColumns+` FROM persons
			 WHERE owner_user_id = $3 AND deleted_at IS NULL
			 ORDER BY display_name, id LIMIT $1 OFFSET $2`, limit, offset, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanPerson(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list persons: %w", err)
	}
	return out, nil
}

// Search matches the generated tsvector over names, organization and
// notes. Prefix matching on the last term gives as-you-type behavior.
func (r *Repo) Search(ctx context.Context, userID uuid.UUID, query string, limit int) ([]*Person, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	tsquery := strings.Join(terms, " & ") + ":*"

	var out []*Person
	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			"SELECT"+personColumns+` FROM persons
			 WHERE owner_user_id = $3 AND deleted_at IS NULL AND search @@ to_tsquery('simple', $1)
			 ORDER BY display_name, id LIMIT $2`, tsquery, limit, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanPerson(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search persons: %w", err)
	}
	return out, nil
}

// CoreUser returns the tenant's own person row.
func (r *Repo) CoreUser(ctx context.Context, userID uuid.UUID) (*Person, error) {
	var p *Person
	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		var err error
		p, err = scanPerson(tx.QueryRow(ctx,
			"SELECT"+personColumns+" FROM persons WHERE owner_user_id = $1 AND is_core_user = TRUE AND deleted_at IS NULL",
			userID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Update overwrites the editable fields of a person.
func (r *Repo) Update(ctx context.Context, userID uuid.UUID, p *Person) (*Person, error) {
	p.Emails = normalizeEmails(p.Emails)
	p.Phones = normalizePhones(p.Phones)

	var updated *Person
	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE persons SET
				display_name = $2, given_name = $3, family_name = $4, emails = $5, phones = $6,
				organization = $7, title = $8, notes = $9, birthday = $10, updated_at = NOW()
			WHERE id = $1 AND owner_user_id = $11 AND deleted_at IS NULL
			RETURNING`+personColumns,
			p.ID, p.DisplayName, p.GivenName, p.FamilyName, p.Emails, p.Phones,
			p.Organization, p.Title, p.Notes, p.Birthday, userID)
		var err error
		updated, err = scanPerson(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SoftDelete marks a person deleted and ends any open relationships.
// History stays queryable; the person just disappears from listings.
func (r *Repo) SoftDelete(ctx context.Context, userID, personID uuid.UUID) error {
	return storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE persons SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND owner_user_id = $2 AND deleted_at IS NULL",
			personID, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return cerr.ErrNotFound
		}
		_, err = tx.Exec(ctx,
			"UPDATE relationships SET ended_at = NOW() WHERE person_id = $1 AND owner_user_id = $2 AND ended_at IS NULL",
			personID, userID)
		return err
	})
}

// AddRelationship records a relationship between the core user and a person.
func (r *Repo) AddRelationship(ctx context.Context, userID uuid.UUID, rel *Relationship) (*Relationship, error) {
	rel.ID = uuid.New()
	rel.OwnerUserID = userID

	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO relationships (id, owner_user_id, person_id, relation_type, notes, started_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			RETURNING created_at
		`, rel.ID, rel.OwnerUserID, rel.PersonID, rel.RelationType, rel.Notes, rel.StartedAt).
			Scan(&rel.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add relationship: %w", err)
	}
	return rel, nil
}

// EndRelationship sets ended_at; the row is kept.
func (r *Repo) EndRelationship(ctx context.Context, userID, relationshipID uuid.UUID) error {
	return storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE relationships SET ended_at = NOW() WHERE id = $1 AND owner_user_id = $2 AND ended_at IS NULL",
			relationshipID, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return cerr.ErrNotFound
		}
		return nil
	})
}

// ListRelationships returns the person's relationships, open ones first.
func (r *Repo) ListRelationships(ctx context.Context, userID, personID uuid.UUID) ([]*Relationship, error) {
	var out []*Relationship
	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, owner_user_id, person_id, relation_type, COALESCE(notes, ''), started_at, ended_at, created_at
			FROM relationships WHERE person_id = $1 AND owner_user_id = $2
			ORDER BY (ended_at IS NULL) DESC, created_at
		`, personID, userID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rel Relationship
			if err := rows.Scan(&rel.ID, &rel.OwnerUserID, &rel.PersonID, &rel.RelationType,
				&rel.Notes, &rel.StartedAt, &rel.EndedAt, &rel.CreatedAt); err != nil {
				return err
			}
			out = append(out, &rel)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	return out, nil
}

func normalizeEmails(emails []string) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

func normalizePhones(phones []string) []string {
	out := make([]string, 0, len(phones))
	for _, p := range phones {
		if n := NormalizePhone(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// NormalizePhone reduces a phone number to digits with an optional leading
// plus. Bare ten-digit NANP numbers get a country code so provider formats
// and user-typed formats compare equal.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" || s == "+" {
		return ""
	}
	if !strings.HasPrefix(s, "+") {
		if len(s) == 10 {
			s = "1" + s
		}
		s = "+" + s
	}
	return s
}
