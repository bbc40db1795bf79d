package contacts

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakline/concierge/internal/storage"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"555-123-4567", "+15551234567"},
		{"(555) 123-4567", "+15551234567"},
		{"+31 20 123 4567", "+31201234567"},
		{"+1 555.123.4567", "+15551234567"},
		{"12345", "+12345"},
		{"", ""},
		{"ext.", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizePhone(tc.in), "input %q", tc.in)
	}
}

func TestDisplayNameOf(t *testing.T) {
	assert.Equal(t, "Alice B", displayNameOf(ProviderContact{DisplayName: "Alice B"}))
	assert.Equal(t, "Alice Smith", displayNameOf(ProviderContact{GivenName: "Alice", FamilyName: "Smith"}))
	assert.Equal(t, "a@example.com", displayNameOf(ProviderContact{Emails: []string{"a@example.com"}}))
	assert.Equal(t, "+15551234567", displayNameOf(ProviderContact{Phones: []string{"+15551234567"}}))
	assert.Equal(t, "", displayNameOf(ProviderContact{}))
}

func TestUnion(t *testing.T) {
	got := union([]string{"a@x.com", "b@x.com"}, []string{"b@x.com", "c@x.com"})
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, got)
}

func TestPickLast(t *testing.T) {
	assert.Equal(t, "new", pickLast("new", "old"))
	assert.Equal(t, "old", pickLast("", "old"))
}

func setupResolver(t *testing.T) (*Resolver, *Repo, uuid.UUID) {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	userID := uuid.New()
	err = storage.WithoutRLS(ctx, pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, primary_email, display_name, created_at, updated_at)
			VALUES ($1, $2, 'Resolver Test', NOW(), NOW())
		`, userID, userID.String()+"@test.local")
		return err
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = storage.WithoutRLS(context.Background(), pool, func(tx pgx.Tx) error {
			for _, table := range []string{"external_ids", "relationships", "persons"} {
				if _, err := tx.Exec(context.Background(),
					"DELETE FROM "+table+" WHERE owner_user_id = $1", userID); err != nil {
					return err
				}
			}
			_, err := tx.Exec(context.Background(), "DELETE FROM users WHERE id = $1", userID)
			return err
		})
	})

	repo := NewRepo(pool)
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	return NewResolver(repo, logger), repo, userID
}

func TestResolver_CreatesThenMatchesByExternalID(t *testing.T) {
	resolver, _, userID := setupResolver(t)
	ctx := context.Background()

	rec := ProviderContact{
		Provider:   "google_contacts",
		ExternalID: "people/c100",
		GivenName:  "Bram",
		FamilyName: "de Vries",
		Emails:     []string{"Bram@Example.com"},
	}

	out, err := resolver.Resolve(ctx, userID, rec)
	require.NoError(t, err)
	assert.True(t, out.Created)

	// Same external id again: matched, not duplicated.
	rec.Organization = "Acme"
	again, err := resolver.Resolve(ctx, userID, rec)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.True(t, again.Updated)
	assert.Equal(t, out.PersonID, again.PersonID)
}

func TestResolver_MatchesByEmailAndLinksMapping(t *testing.T) {
	resolver, repo, userID := setupResolver(t)
	ctx := context.Background()

	existing, err := repo.Create(ctx, userID, &Person{
		DisplayName: "Carla",
		Emails:      []string{"carla@example.com"},
	})
	require.NoError(t, err)

	out, err := resolver.Resolve(ctx, userID, ProviderContact{
		Provider:   "google_contacts",
		ExternalID: "people/c200",
		Emails:     []string{"CARLA@example.com"},
		GivenName:  "Carla",
		FamilyName: "Jansen",
	})
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.Equal(t, existing.ID, out.PersonID)

	got, err := repo.Get(ctx, userID, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jansen", got.FamilyName, "provider wins last-observed fields")
}

func TestResolver_MatchesByNormalizedPhone(t *testing.T) {
	resolver, repo, userID := setupResolver(t)
	ctx := context.Background()

	existing, err := repo.Create(ctx, userID, &Person{
		DisplayName: "Daan",
		Phones:      []string{"(555) 867-5309"},
	})
	require.NoError(t, err)

	out, err := resolver.Resolve(ctx, userID, ProviderContact{
		Provider:   "google_contacts",
		ExternalID: "people/c300",
		Phones:     []string{"+1 555-867-5309"},
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, out.PersonID)
}

func TestResolver_RejectsRecordWithoutContactMethod(t *testing.T) {
	resolver, _, userID := setupResolver(t)

	out, err := resolver.Resolve(context.Background(), userID, ProviderContact{
		Provider:    "google_contacts",
		ExternalID:  "people/c400",
		DisplayName: "Nameless",
	})
	assert.ErrorIs(t, err, ErrNoContactMethod)
	assert.True(t, out.Skipped)
}

func TestResolver_BirthdayIsSticky(t *testing.T) {
	resolver, repo, userID := setupResolver(t)
	ctx := context.Background()

	set := time.Date(1987, 4, 12, 0, 0, 0, 0, time.UTC)
	existing, err := repo.Create(ctx, userID, &Person{
		DisplayName: "Eva",
		Emails:      []string{"eva@example.com"},
		Birthday:    &set,
	})
	require.NoError(t, err)

	other := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = resolver.Resolve(ctx, userID, ProviderContact{
		Provider:   "google_contacts",
		ExternalID: "people/c500",
		Emails:     []string{"eva@example.com"},
		Birthday:   &other,
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, userID, existing.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Birthday)
	assert.Equal(t, set.Year(), got.Birthday.Year(), "conflicting birthday is not overwritten")
}

func TestResolver_ProviderDeleteIsSoft(t *testing.T) {
	resolver, repo, userID := setupResolver(t)
	ctx := context.Background()

	out, err := resolver.Resolve(ctx, userID, ProviderContact{
		Provider:   "google_contacts",
		ExternalID: "people/c600",
		Emails:     []string{"gone@example.com"},
	})
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, userID, ProviderContact{
		Provider:   "google_contacts",
		ExternalID: "people/c600",
		Deleted:    true,
	})
	require.NoError(t, err)

	_, err = repo.Get(ctx, userID, out.PersonID)
	assert.Error(t, err, "soft-deleted person is hidden from reads")
}

func TestRepo_SoftDeleteEndsRelationships(t *testing.T) {
	_, repo, userID := setupResolver(t)
	ctx := context.Background()

	p, err := repo.Create(ctx, userID, &Person{
		DisplayName: "Fred",
		Emails:      []string{"fred@example.com"},
	})
	require.NoError(t, err)

	rel, err := repo.AddRelationship(ctx, userID, &Relationship{
		PersonID:     p.ID,
		RelationType: "colleague",
	})
	require.NoError(t, err)

	require.NoError(t, repo.SoftDelete(ctx, userID, p.ID))

	rels, err := repo.ListRelationships(ctx, userID, p.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, rel.ID, rels[0].ID)
	assert.NotNil(t, rels[0].EndedAt)
}
