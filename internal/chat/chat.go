// Package chat implements the tiered conversation store: a Redis hot tier
// for recent sessions, the relational warm tier as record of truth with
// ciphertext bodies, and an object-store cold tier for archived sessions.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakline/concierge/internal/cerr"
	"github.com/oakline/concierge/internal/crypto"
	"github.com/oakline/concierge/internal/storage"
)

// Session status values.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// Session is chat_sessions metadata. Nothing in it is ciphertext.
type Session struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Title         string
	Status        string
	MessageCount  int
	LastMessageAt *time.Time
	ArchiveKey    string
	CreatedAt     time.Time
}

// Message is one chat message. Content and ToolCalls travel decrypted in
// memory; the warm tier stores only their ciphertext.
type Message struct {
	ID        uuid.UUID       `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	UserID    uuid.UUID       `json:"-"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Repo is the warm tier. All writes land here first; hot and cold tiers are
// derived from it.
type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// CreateSession opens a new active session for the tenant.
func (r *Repo) CreateSession(ctx context.Context, userID uuid.UUID, title string) (*Session, error) {
	s := &Session{
		ID:     uuid.New(),
		UserID: userID,
		Title:  title,
		Status: SessionActive,
	}
	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO chat_sessions (id, user_id, title, status, message_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, NOW(), NOW())
			RETURNING created_at
		`, s.ID, s.UserID, s.Title, s.Status).Scan(&s.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat session: %w", err)
	}
	return s, nil
}

// GetSession returns session metadata, or ErrNotFound under RLS.
func (r *Repo) GetSession(ctx context.Context, userID, sessionID uuid.UUID) (*Session, error) {
	var s Session
	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT id, user_id, COALESCE(title, ''), status, message_count, last_message_at, COALESCE(archive_key, ''), created_at
			FROM chat_sessions WHERE id = $1 AND user_id = $2
		`, sessionID, userID).Scan(&s.ID, &s.UserID, &s.Title, &s.Status, &s.MessageCount,
			&s.LastMessageAt, &s.ArchiveKey, &s.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cerr.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat session: %w", err)
	}
	return &s, nil
}

// ListSessions returns the tenant's sessions, most recent activity first.
func (r *Repo) ListSessions(ctx context.Context, userID uuid.UUID, limit int) ([]*Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []*Session
	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, user_id, COALESCE(title, ''), status, message_count, last_message_at, COALESCE(archive_key, ''), created_at
			FROM chat_sessions WHERE user_id = $2
			ORDER BY COALESCE(last_message_at, created_at) DESC LIMIT $1
		`, limit, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s Session
			if err := rows.Scan(&s.ID, &s.UserID, &s.Title, &s.Status, &s.MessageCount,
				&s.LastMessageAt, &s.ArchiveKey, &s.CreatedAt); err != nil {
				return err
			}
			out = append(out, &s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	return out, nil
}

// AppendMessage encrypts the body and tool calls with the tenant DEK and
// inserts them in one transaction with the session counters. The insert
// recomputes last_message_at, which serializes concurrent appenders.
func (r *Repo) AppendMessage(ctx context.Context, userID uuid.UUID, dek []byte, m *Message) (*Message, error) {
	contentEnc, err := crypto.EncryptWithDEK(dek, []byte(m.Content))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message: %w", err)
	}
	var toolCallsEnc *string
	if len(m.ToolCalls) > 0 {
		enc, err := crypto.EncryptWithDEK(dek, m.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt tool calls: %w", err)
		}
		toolCallsEnc = &enc
	}

	m.ID = uuid.New()
	m.UserID = userID
	err = storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO chat_messages (id, session_id, user_id, role, content_encrypted, tool_calls_encrypted, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			RETURNING created_at
		`, m.ID, m.SessionID, m.UserID, m.Role, contentEnc, toolCallsEnc).Scan(&m.CreatedAt); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE chat_sessions SET message_count = message_count + 1, last_message_at = $2, updated_at = NOW()
			WHERE id = $1 AND user_id = $3
		`, m.SessionID, m.CreatedAt, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return cerr.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return m, nil
}

// RecentMessages reads the newest messages from the warm tier and decrypts
// them, oldest first.
func (r *Repo) RecentMessages(ctx context.Context, userID, sessionID uuid.UUID, dek []byte, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	type encRow struct {
		msg      Message
		content  string
		tool     *string
	}
	var encrypted []encRow

	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, session_id, user_id, role, content_encrypted, tool_calls_encrypted, created_at
			FROM chat_messages WHERE session_id = $1 AND user_id = $3
			ORDER BY created_at DESC, id DESC LIMIT $2
		`, sessionID, limit, userID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var row encRow
			if err := rows.Scan(&row.msg.ID, &row.msg.SessionID, &row.msg.UserID,
				&row.msg.Role, &row.content, &row.tool, &row.msg.CreatedAt); err != nil {
				return err
			}
			encrypted = append(encrypted, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	// Decrypt outside the transaction; ciphertext failures abort the read,
	// never degrade to an empty body.
	out := make([]Message, 0, len(encrypted))
	for i := len(encrypted) - 1; i >= 0; i-- {
		row := encrypted[i]
		content, err := crypto.DecryptWithDEK(dek, row.content)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", row.msg.ID, err)
		}
		row.msg.Content = string(content)
		if row.tool != nil {
			tool, err := crypto.DecryptWithDEK(dek, *row.tool)
			if err != nil {
				return nil, fmt.Errorf("message %s tool calls: %w", row.msg.ID, err)
			}
			row.msg.ToolCalls = json.RawMessage(tool)
		}
		out = append(out, row.msg)
	}
	return out, nil
}

// AllMessages streams the full session for archiving, oldest first.
func (r *Repo) AllMessages(ctx context.Context, userID, sessionID uuid.UUID, dek []byte) ([]Message, error) {
	msgs, err := r.RecentMessages(ctx, userID, sessionID, dek, 1<<30)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListArchivable returns active sessions with no activity since the cutoff.
func (r *Repo) ListArchivable(ctx context.Context, userID uuid.UUID, cutoff time.Time) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM chat_sessions
			WHERE user_id = $3 AND status = $1 AND last_message_at IS NOT NULL AND last_message_at < $2
		`, SessionActive, cutoff, userID)
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
		return nil, fmt.Errorf("failed to list archivable sessions: %w", err)
	}
	return out, nil
}

// TenantsWithArchivable is the system-level scan the archive job fans out
// from before synthesizing per-tenant contexts.
func (r *Repo) TenantsWithArchivable(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := storage.WithoutRLS(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT DISTINCT user_id FROM chat_sessions
			WHERE status = $1 AND last_message_at IS NOT NULL AND last_message_at < $2
		`, SessionActive, cutoff)
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
		return nil, fmt.Errorf("failed to scan for archivable tenants: %w", err)
	}
	return out, nil
}

// MarkArchived flips the session to archived and records the object key.
// Message rows are kept; pruning is a deployment policy, not done here.
func (r *Repo) MarkArchived(ctx context.Context, userID, sessionID uuid.UUID, objectKey string) error {
	return storage.WithTenantConn(ctx, r.pool, userID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE chat_sessions SET status = $2, archive_key = $3, updated_at = NOW()
			WHERE id = $1 AND user_id = $4
		`, sessionID, SessionArchived, objectKey, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return cerr.ErrNotFound
		}
		return nil
	})
}
