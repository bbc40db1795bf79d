package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oakline/concierge/internal/audit"
)

// DEKSource resolves the tenant's unwrapped data key. Satisfied by
// storage.Keyring.
type DEKSource interface {
	DEK(ctx context.Context, userID uuid.UUID) ([]byte, error)
}

// Service drives the three tiers. Warm is authoritative; hot accelerates
// reads, cold holds sessions past the archive window.
type Service struct {
	repo   *Repo
	hot    *Hot
	cold   ObjectStore
	keys   DEKSource
	audit  audit.Service
	logger *slog.Logger
}

func NewService(repo *Repo, hot *Hot, cold ObjectStore, keys DEKSource, auditor audit.Service, logger *slog.Logger) *Service {
	return &Service{repo: repo, hot: hot, cold: cold, keys: keys, audit: auditor, logger: logger}
}

// CreateSession opens an active session.
func (s *Service) CreateSession(ctx context.Context, userID uuid.UUID, title string) (*Session, error) {
	return s.repo.CreateSession(ctx, userID, title)
}

// ListSessions lists session metadata, newest activity first.
func (s *Service) ListSessions(ctx context.Context, userID uuid.UUID, limit int) ([]*Session, error) {
	return s.repo.ListSessions(ctx, userID, limit)
}

func (s *Service) GetSession(ctx context.Context, userID, sessionID uuid.UUID) (*Session, error) {
	return s.repo.GetSession(ctx, userID, sessionID)
}

// Append encrypts and stores a message in the warm tier, then pushes it to
// the hot tier. A hot-tier failure logs and moves on; the warm write
// already succeeded and readers fall back to it.
func (s *Service) Append(ctx context.Context, userID, sessionID uuid.UUID, role, content string, toolCalls json.RawMessage) (*Message, error) {
	dek, err := s.keys.DEK(ctx, userID)
	if err != nil {
		return nil, err
	}

	m, err := s.repo.AppendMessage(ctx, userID, dek, &Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		ToolCalls: toolCalls,
	})
	if err != nil {
		return nil, err
	}

	if s.hot != nil {
		if err := s.hot.Push(ctx, *m); err != nil {
			s.logger.Warn("hot_tier_push_failed", "session_id", sessionID, "error", err)
		}
	}
	return m, nil
}

// Recent serves reads hot-first. The hot answer counts only when it fully
// satisfies the limit; a partially warmed cache (a smaller earlier read, or
// eviction) would otherwise silently truncate the history. Shortfalls fall
// through to the warm tier, which refills the cache up to its cap.
func (s *Service) Recent(ctx context.Context, userID, sessionID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	if s.hot != nil {
		msgs, hit, err := s.hot.Recent(ctx, userID, sessionID, limit)
		if err != nil {
			s.logger.Warn("hot_tier_read_failed", "session_id", sessionID, "error", err)
		} else if hit && len(msgs) >= limit {
			return msgs, nil
		}
	}

	dek, err := s.keys.DEK(ctx, userID)
	if err != nil {
		return nil, err
	}

	fetch := limit
	if s.hot != nil && s.hot.Cap() > fetch {
		fetch = s.hot.Cap()
	}
	msgs, err := s.repo.RecentMessages(ctx, userID, sessionID, dek, fetch)
	if err != nil {
		return nil, err
	}

	if s.hot != nil && len(msgs) > 0 {
		if err := s.hot.Fill(ctx, userID, sessionID, msgs); err != nil {
			s.logger.Warn("hot_tier_fill_failed", "session_id", sessionID, "error", err)
		}
	}

	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// ArchiveSession moves one session to the cold tier: pull all messages from
// warm, package, encrypt with the DEK, compress, upload under the dated
// key, then mark the session archived and drop it from the hot tier.
func (s *Service) ArchiveSession(ctx context.Context, userID, sessionID uuid.UUID) (string, error) {
	dek, err := s.keys.DEK(ctx, userID)
	if err != nil {
		return "", err
	}

	msgs, err := s.repo.AllMessages(ctx, userID, sessionID, dek)
	if err != nil {
		return "", err
	}

	archivedAt := time.Now().UTC()
	body, err := packArchive(dek, ArchivePayload{
		SessionID:    sessionID,
		UserID:       userID,
		ArchivedAt:   archivedAt,
		MessageCount: len(msgs),
		Messages:     msgs,
	})
	if err != nil {
		return "", err
	}

	key := ArchiveKey(userID, sessionID, archivedAt)
	if err := s.cold.Put(ctx, key, body); err != nil {
		return "", err
	}

	if err := s.repo.MarkArchived(ctx, userID, sessionID, key); err != nil {
		return "", fmt.Errorf("archived object %s uploaded but session not marked: %w", key, err)
	}

	if s.hot != nil {
		if err := s.hot.Invalidate(ctx, userID, sessionID); err != nil {
			s.logger.Warn("hot_tier_invalidate_failed", "session_id", sessionID, "error", err)
		}
	}

	s.audit.Log(ctx, audit.Entry{
		UserID:       userID,
		Action:       audit.ActionChatArchive,
		ResourceKind: "chat_session",
		ResourceID:   sessionID.String(),
		Details:      map[string]any{"message_count": len(msgs), "object_key": key},
		Success:      true,
	})
	return key, nil
}

// ArchiveTenant archives every eligible session for one tenant. Per-session
// failures are collected, not fatal for the remaining sessions.
func (s *Service) ArchiveTenant(ctx context.Context, userID uuid.UUID, cutoff time.Time) (int, error) {
	sessions, err := s.repo.ListArchivable(ctx, userID, cutoff)
	if err != nil {
		return 0, err
	}

	archived := 0
	var firstErr error
	for _, sessionID := range sessions {
		if ctx.Err() != nil {
			return archived, ctx.Err()
		}
		if _, err := s.ArchiveSession(ctx, userID, sessionID); err != nil {
			s.logger.Error("session_archive_failed", "user_id", userID, "session_id", sessionID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		archived++
	}
	return archived, firstErr
}

// ReadArchive fetches and unseals an archived session. ErrRestoreNeeded
// surfaces unchanged so the caller can initiate a restore.
func (s *Service) ReadArchive(ctx context.Context, userID uuid.UUID, key string) (*ArchivePayload, error) {
	body, err := s.cold.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	dek, err := s.keys.DEK(ctx, userID)
	if err != nil {
		return nil, err
	}
	return unpackArchive(dek, body)
}

// RequestRestore kicks off the async deep-archive retrieval.
func (s *Service) RequestRestore(ctx context.Context, key string) error {
	return s.cold.Restore(ctx, key)
}
