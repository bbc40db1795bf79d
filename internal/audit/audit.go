package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/oakline/concierge/internal/pii"
)

// Action defines the category of an audit log entry.
type Action string

const (
	ActionSignIn        Action = "SIGN_IN"
	ActionSignInDenied  Action = "SIGN_IN_DENIED"
	ActionDataAccess    Action = "DATA_ACCESS"
	ActionDataWrite     Action = "DATA_WRITE"
	ActionTokenRefresh  Action = "TOKEN_REFRESH"
	ActionTokenRevoked  Action = "TOKEN_REVOKED"
	ActionPIIResolution Action = "PII_RESOLUTION"
	ActionChatArchive   Action = "CHAT_ARCHIVE"
	ActionSyncRun       Action = "SYNC_RUN"
)

// Entry is one append-only audit row. Details must never contain sensitive
// values; callers pass ids and counts only.
type Entry struct {
	UserID       uuid.UUID // uuid.Nil for pre-auth events
	SessionID    uuid.UUID
	Action       Action
	ResourceKind string
	ResourceID   string
	Details      map[string]any
	IP           string
	UserAgent    string
	RequestID    string
	Success      bool
	Error        string
	OccurredAt   time.Time
}

// PIIEntry is one counts-only row for the pii_audit_log table. It stores
// per-type counts, never original values nor placeholder mappings.
type PIIEntry struct {
	UserID     uuid.UUID
	RequestID  string
	Endpoint   string
	ToolName   string
	Mode       pii.Mode
	Counts     map[pii.Type]int
	OccurredAt time.Time
}

// Service is the contract for recording security events. Implementations
// must never fail the enclosing request: errors are logged and dropped.
type Service interface {
	Log(ctx context.Context, entry Entry)
	LogPII(ctx context.Context, entry PIIEntry)
	Close(ctx context.Context) error
}

// Nop discards everything; for tests.
type Nop struct{}

func (Nop) Log(context.Context, Entry)       {}
func (Nop) LogPII(context.Context, PIIEntry) {}
func (Nop) Close(context.Context) error      { return nil }
