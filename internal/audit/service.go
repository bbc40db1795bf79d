package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oakline/concierge/internal/storage"
)

const (
	defaultBatchSize    = 64
	defaultFlushEvery   = 2 * time.Second
	defaultBufferDepth  = 1024
)

// DBLogger implements Service with batched writes to audit_log and
// pii_audit_log. Entries are buffered on a channel and flushed by a single
// background goroutine on size or interval; a full buffer drops the entry
// with a warning rather than blocking the request.
//
// Inserts use WithoutRLS: audit rows must land regardless of the tenant
// context of the failing operation.
type DBLogger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	entries chan Entry
	pii     chan PIIEntry
	done    chan struct{}
	wg      sync.WaitGroup

	// test hooks; default to the DB flushers
	flushEntries func(ctx context.Context, batch []Entry) error
	flushPII     func(ctx context.Context, batch []PIIEntry) error
}

func NewDBLogger(pool *pgxpool.Pool, logger *slog.Logger) *DBLogger {
	l := &DBLogger{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, defaultBufferDepth),
		pii:     make(chan PIIEntry, defaultBufferDepth),
		done:    make(chan struct{}),
	}
	l.flushEntries = l.insertEntries
	l.flushPII = l.insertPII

	l.wg.Add(1)
	go l.run()
	return l
}

// Log enqueues an entry. Never blocks and never fails the caller.
func (l *DBLogger) Log(ctx context.Context, entry Entry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	select {
	case l.entries <- entry:
	default:
		l.logger.Warn("audit_buffer_full", "action", entry.Action)
	}
}

// LogPII enqueues a counts-only masking audit row.
func (l *DBLogger) LogPII(ctx context.Context, entry PIIEntry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	select {
	case l.pii <- entry:
	default:
		l.logger.Warn("pii_audit_buffer_full", "endpoint", entry.Endpoint)
	}
}

// Close drains the buffers and stops the flusher.
func (l *DBLogger) Close(ctx context.Context) error {
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *DBLogger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(defaultFlushEvery)
	defer ticker.Stop()

	var (
		entryBatch []Entry
		piiBatch   []PIIEntry
	)

	flush := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if len(entryBatch) > 0 {
			if err := l.flushEntries(ctx, entryBatch); err != nil {
				l.logger.Error("audit_flush_failed", "error", err, "dropped", len(entryBatch))
			}
			entryBatch = entryBatch[:0]
		}
		if len(piiBatch) > 0 {
			if err := l.flushPII(ctx, piiBatch); err != nil {
				l.logger.Error("pii_audit_flush_failed", "error", err, "dropped", len(piiBatch))
			}
			piiBatch = piiBatch[:0]
		}
	}

	for {
		select {
		case e := <-l.entries:
			entryBatch = append(entryBatch, e)
			if len(entryBatch) >= defaultBatchSize {
				flush()
			}
		case p := <-l.pii:
			piiBatch = append(piiBatch, p)
			if len(piiBatch) >= defaultBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			// Drain what is already buffered, then final flush.
			for {
				select {
				case e := <-l.entries:
					entryBatch = append(entryBatch, e)
				case p := <-l.pii:
					piiBatch = append(piiBatch, p)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *DBLogger) insertEntries(ctx context.Context, batch []Entry) error {
	return storage.WithoutRLS(ctx, l.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, e := range batch {
			details, err := json.Marshal(e.Details)
			if err != nil {
				l.logger.Error("audit_details_marshal_failed", "error", err)
				details = []byte("{}")
			}
			b.Queue(`
				INSERT INTO audit_log
					(id, user_id, session_id, action, resource_kind, resource_id, details, ip_address, user_agent, request_id, success, error, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			`, uuid.New(), nullable(e.UserID), nullable(e.SessionID), string(e.Action),
				e.ResourceKind, e.ResourceID, details, e.IP, e.UserAgent, e.RequestID,
				e.Success, e.Error, e.OccurredAt)
		}
		return tx.SendBatch(ctx, b).Close()
	})
}

func (l *DBLogger) insertPII(ctx context.Context, batch []PIIEntry) error {
	return storage.WithoutRLS(ctx, l.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, e := range batch {
			counts, err := json.Marshal(e.Counts)
			if err != nil {
				l.logger.Error("pii_counts_marshal_failed", "error", err)
				counts = []byte("{}")
			}
			b.Queue(`
				INSERT INTO pii_audit_log
					(id, user_id, request_id, endpoint, tool_name, mode, counts, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, uuid.New(), nullable(e.UserID), e.RequestID, e.Endpoint, e.ToolName,
				string(e.Mode), counts, e.OccurredAt)
		}
		return tx.SendBatch(ctx, b).Close()
	})
}

// nullable maps uuid.Nil to SQL NULL for the pre-auth rows.
func nullable(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
