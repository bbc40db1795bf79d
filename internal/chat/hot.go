package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Hot is the Redis tier: recent messages per session in a sorted set scored
// by message timestamp. Keys are tenant-prefixed; entries store decrypted
// bodies because the tier is deployment-local. Everything here is
// best-effort; callers treat misses and errors the same.
type Hot struct {
	rdb    *redis.Client
	ttl    time.Duration
	cap    int
	logger *slog.Logger
}

func NewHot(rdb *redis.Client, windowDays, maxPerSession int, logger *slog.Logger) *Hot {
	if windowDays <= 0 {
		windowDays = 7
	}
	if maxPerSession <= 0 {
		maxPerSession = 100
	}
	return &Hot{
		rdb:    rdb,
		ttl:    time.Duration(windowDays) * 24 * time.Hour,
		cap:    maxPerSession,
		logger: logger,
	}
}

// Cap is the per-session entry limit.
func (h *Hot) Cap() int { return h.cap }

func hotKey(userID, sessionID uuid.UUID) string {
	return fmt.Sprintf("chat:%s:session:%s:messages", userID, sessionID)
}

// Push appends one message, trims to the cap by dropping the oldest scores
// and refreshes the TTL.
func (h *Hot) Push(ctx context.Context, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal hot message: %w", err)
	}
	key := hotKey(m.UserID, m.SessionID)

	pipe := h.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(m.CreatedAt.UnixNano()), Member: payload})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-(h.cap + 1)))
	pipe.Expire(ctx, key, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hot tier push failed: %w", err)
	}
	return nil
}

// Recent returns up to limit newest messages in chronological order. The
// second return reports whether the tier had anything at all.
func (h *Hot) Recent(ctx context.Context, userID, sessionID uuid.UUID, limit int) ([]Message, bool, error) {
	if limit <= 0 || limit > h.cap {
		limit = h.cap
	}

	raw, err := h.rdb.ZRange(ctx, hotKey(userID, sessionID), int64(-limit), -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("hot tier read failed: %w", err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}

	out := make([]Message, 0, len(raw))
	for _, member := range raw {
		var m Message
		if err := json.Unmarshal([]byte(member), &m); err != nil {
			// A corrupt member poisons the whole key; drop it and miss.
			h.logger.Warn("hot_tier_corrupt_member", "session_id", sessionID, "error", err)
			_ = h.Invalidate(ctx, userID, sessionID)
			return nil, false, nil
		}
		m.UserID = userID
		out = append(out, m)
	}
	return out, true, nil
}

// Fill repopulates the set after a warm-tier read.
func (h *Hot) Fill(ctx context.Context, userID, sessionID uuid.UUID, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	members := make([]redis.Z, 0, len(msgs))
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal hot message: %w", err)
		}
		members = append(members, redis.Z{Score: float64(m.CreatedAt.UnixNano()), Member: payload})
	}

	key := hotKey(userID, sessionID)
	pipe := h.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, members...)
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-(h.cap + 1)))
	pipe.Expire(ctx, key, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hot tier fill failed: %w", err)
	}
	return nil
}

// Invalidate drops the session's cached messages.
func (h *Hot) Invalidate(ctx context.Context, userID, sessionID uuid.UUID) error {
	return h.rdb.Del(ctx, hotKey(userID, sessionID)).Err()
}
