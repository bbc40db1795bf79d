// Package profile stores what the assistant knows about the tenant:
// memories, interests, important dates and tasks. Sensitive columns are
// ciphertext under the tenant DEK; metadata stays queryable in clear.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/crypto"
	"github.com/oakline/concierge/internal/storage"
)

// DEKSource resolves the tenant's unwrapped data key.
type DEKSource interface {
	DEK(ctx context.Context, userID uuid.UUID) ([]byte, error)
}

// Memory is one remembered fact, keyed by category + fact key.
type Memory struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Category  string
	FactKey   string
	FactValue string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Interest is a topic the tenant cares about.
type Interest struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Topic     string
	Details   string
	CreatedAt time.Time
}

// ImportantDate is a birthday, anniversary or one-off date, optionally tied
// to a person.
type ImportantDate struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	PersonID  *uuid.UUID
	Title     string
	Notes     string
	Date      time.Time
	Recurring bool
	CreatedAt time.Time
}

// Task status values.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Task is a unit of delegated work with its payload and result sealed.
type Task struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Title       string
	Description string
	Payload     string
	Result      string
	Status      string
	DueAt       *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repo is the RLS-scoped profile store.
type Repo struct {
	pool *pgxpool.Pool
	keys DEKSource
}

func NewRepo(pool *pgxpool.Pool, keys DEKSource) *Repo {
	return &Repo{pool: pool, keys: keys}
}

// UpsertMemory seals the fact value and upserts on (category, fact key).
func (r *Repo) UpsertMemory(ctx context.Context, userID uuid.UUID, m *Memory) (*Memory, error) {
	dek, err := r.keys.DEK(ctx, userID)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.EncryptWithDEK(dek, []byte(m.FactValue))
	if err != nil {
		return nil, err
	}

	m.UserID = userID
	err = storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO memories (id, user_id, category, fact_key, fact_value_encrypted, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			ON CONFLICT (user_id, category, fact_key) DO UPDATE
			SET fact_value_encrypted = EXCLUDED.fact_value_encrypted, updated_at = NOW()
			RETURNING id, created_at, updated_at
		`, uuid.New(), userID, m.Category, m.FactKey, sealed).
			Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert memory: %w", err)
	}
	return m, nil
}

// Memories returns all remembered facts in a category, decrypted.
func (r *Repo) Memories(ctx context.Context, userID uuid.UUID, category string) ([]Memory, error) {
	dek, err := r.keys.DEK(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out []Memory
	err = storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, user_id, category, fact_key, fact_value_encrypted, created_at, updated_at
			FROM memories WHERE user_id = $2 AND category = $1 ORDER BY fact_key
		`, category, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m Memory
			var sealed string
			if err := rows.Scan(&m.ID, &m.UserID, &m.Category, &m.FactKey, &sealed, &m.CreatedAt, &m.UpdatedAt); err != nil {
				return err
			}
			m.FactValue = sealed
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}

	for i := range out {
		value, err := crypto.DecryptWithDEK(dek, out[i].FactValue)
		if err != nil {
			return nil, fmt.Errorf("memory %s: %w", out[i].ID, err)
		}
		out[i].FactValue = string(value)
	}
	return out, nil
}

// DeleteMemory removes one fact.
func (r *Repo) DeleteMemory(ctx context.Context, userID, memoryID uuid.UUID) error {
	return storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM memories WHERE id = $1 AND user_id = $2", memoryID, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return cerr.ErrNotFound
		}
		return nil
	})
}

// AddInterest seals the details and inserts.
func (r *Repo) AddInterest(ctx context.Context, userID uuid.UUID, in *Interest) (*Interest, error) {
	dek, err := r.keys.DEK(ctx, userID)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.EncryptWithDEK(dek, []byte(in.Details))
	if err != nil {
		return nil, err
	}

	in.ID = uuid.New()
	in.UserID = userID
	err = storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO interests (id, user_id, topic, details_encrypted, created_at)
			VALUES ($1, $2, $3, $4, NOW()) RETURNING created_at
		`, in.ID, in.UserID, in.Topic, sealed).Scan(&in.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add interest: %w", err)
	}
	return in, nil
}

// Interests lists the tenant's interests, decrypted.
func (r *Repo) Interests(ctx context.Context, userID uuid.UUID) ([]Interest, error) {
	dek, err := r.keys.DEK(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out []Interest
	err = storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			"SELECT id, user_id, topic, details_encrypted, created_at FROM interests WHERE user_id = $1 ORDER BY topic",
			userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var in Interest
			if err := rows.Scan(&in.ID, &in.UserID, &in.Topic, &in.Details, &in.CreatedAt); err != nil {
				return err
			}
			out = append(out, in)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list interests: %w", err)
	}

	for i := range out {
		details, err := crypto.DecryptWithDEK(dek, out[i].Details)
		if err != nil {
			return nil, fmt.Errorf("interest %s: %w", out[i].ID, err)
		}
		out[i].Details = string(details)
	}
	return out, nil
}

// AddImportantDate seals title and notes and inserts.
func (r *Repo) AddImportantDate(ctx context.Context, userID uuid.UUID, d *ImportantDate) (*ImportantDate, error) {
	dek, err := r.keys.DEK(ctx, userID)
	if err != nil {
		return nil, err
	}
	title, err := crypto.EncryptWithDEK(dek, []byte(d.Title))
	if err != nil {
		return nil, err
	}
	notes, err := crypto.EncryptWithDEK(dek, []byte(d.Notes))
	if err != nil {
		return nil, err
	}

	d.ID = uuid.New()
	d.UserID = userID
	err = storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO important_dates (id, user_id, person_id, title_encrypted, notes_encrypted, date, recurring, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW()) RETURNING created_at
		`, d.ID, d.UserID, d.PersonID, title, notes, d.Date, d.Recurring).Scan(&d.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add important date: %w", err)
	}
	return d, nil
}

// UpcomingDates returns dates within the window, decrypted. Recurring dates
// match on month and day regardless of year.
func (r *Repo) UpcomingDates(ctx context.Context, userID uuid.UUID, within time.Duration) ([]ImportantDate, error) {
	dek, err := r.keys.DEK(ctx, userID)
	if err != nil {
		return nil, err
	}
	until := time.Now().UTC().Add(within)

	var out []ImportantDate
	err = storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, user_id, person_id, title_encrypted, notes_encrypted, date, recurring, created_at
			FROM important_dates
			WHERE user_id = $2
			  AND ((recurring = FALSE AND date BETWEEN NOW() AND $1)
			   OR (recurring = TRUE AND (
					make_date(EXTRACT(YEAR FROM NOW())::int, EXTRACT(MONTH FROM date)::int, EXTRACT(DAY FROM date)::int)
					BETWEEN CURRENT_DATE AND $1::date)))
			ORDER BY date
		`, until, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d ImportantDate
			if err := rows.Scan(&d.ID, &d.UserID, &d.PersonID, &d.Title, &d.Notes, &d.Date, &d.Recurring, &d.CreatedAt); err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming dates: %w", err)
	}

	for i := range out {
		title, err := crypto.DecryptWithDEK(dek, out[i].Title)
		if err != nil {
			return nil, fmt.Errorf("important date %s: %w", out[i].ID, err)
		}
		notes, err := crypto.DecryptWithDEK(dek, out[i].Notes)
		if err != nil {
			return nil, fmt.Errorf("important date %s: %w", out[i].ID, err)
		}
		out[i].Title, out[i].Notes = string(title), string(notes)
	}
	return out, nil
}

// CreateTask seals all four payload columns and inserts as pending.
func (r *Repo) CreateTask(ctx context.Context, userID uuid.UUID, t *Task) (*Task, error) {
	dek, err := r.keys.DEK(ctx, userID)
	if err != nil {
		return nil, err
	}

	sealed := make([]string, 4)
	for i, plain := range []string{t.Title, t.Description, t.Payload, t.Result} {
		if sealed[i], err = crypto.EncryptWithDEK(dek, []byte(plain)); err != nil {
			return nil, err
		}
	}

	t.ID = uuid.New()
	t.UserID = userID
	t.Status = TaskPending
	err = storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO user_tasks
				(id, user_id, title_encrypted, description_encrypted, payload_encrypted, result_encrypted, status, due_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
			RETURNING created_at, updated_at
		`, t.ID, t.UserID, sealed[0], sealed[1], sealed[2], sealed[3], t.Status, t.DueAt).
			Scan(&t.CreatedAt, &t.UpdatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return t, nil
}

// CompleteTask seals the result and moves the task to a terminal status.
func (r *Repo) CompleteTask(ctx context.Context, userID, taskID uuid.UUID, result string, failed bool) error {
	dek, err := r.keys.DEK(ctx, userID)
	if err != nil {
		return err
	}
	sealed, err := crypto.EncryptWithDEK(dek, []byte(result))
	if err != nil {
		return err
	}

	status := TaskCompleted
	if failed {
		status = TaskFailed
	}
	return storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE user_tasks SET result_encrypted = $2, status = $3, updated_at = NOW()
			WHERE id = $1 AND user_id = $4
		`, taskID, sealed, status, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return cerr.ErrNotFound
		}
		return nil
	})
}

// Tasks lists tasks by status, decrypted.
func (r *Repo) Tasks(ctx context.Context, userID uuid.UUID, status string) ([]Task, error) {
	dek, err := r.keys.DEK(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out []Task
	err = storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, user_id, title_encrypted, description_encrypted, payload_encrypted, result_encrypted,
			       status, due_at, created_at, updated_at
			FROM user_tasks WHERE user_id = $2 AND status = $1 ORDER BY created_at
		`, status, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t Task
			if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Payload, &t.Result,
				&t.Status, &t.DueAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	for i := range out {
		t := &out[i]
		for _, field := range []*string{&t.Title, &t.Description, &t.Payload, &t.Result} {
			plain, err := crypto.DecryptWithDEK(dek, *field)
			if err != nil {
				return nil, fmt.Errorf("task %s: %w", t.ID, err)
			}
			*field = string(plain)
		}
	}
	return out, nil
}
