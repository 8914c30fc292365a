// Package storage defines the durable log store boundary: session metadata
// snapshots and the append-only per-session event journal. The journal is
// the source of truth for replay and state reconstruction.
package storage

import (
	"context"
	"time"

	apperrors "github.com/symposium-ai/symposium/internal/platform/errors"
	"github.com/symposium-ai/symposium/internal/services/control/domain/event"
	"github.com/symposium-ai/symposium/internal/services/control/domain/session"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such entity"
// states and transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrConflict indicates a write raced with another writer on the same record.
var ErrConflict = apperrors.New(apperrors.CodeConflict, "record was modified concurrently")

// UpdateStatus carries a lock-guarded partial update of session metadata.
// Nil pointer fields are left unchanged.
type UpdateStatus struct {
	Status               session.Status
	Phase                *string
	RoundNumber          *int
	SubProblemIndex      *int
	PendingClarification *string // JSON payload; empty string clears the marker
	KilledBy             *string
	KillReason           *string
	UpdatedAt            time.Time
	StartedAt            *time.Time
	PausedAt             *time.Time
	KilledAt             *time.Time
	ShutdownAt           *time.Time
}

// SessionStore owns the durable session metadata snapshot.
type SessionStore interface {
	// PutSession stores a full session record, replacing any previous one.
	PutSession(ctx context.Context, s session.Session) error
	// GetSession retrieves a session by id. Returns ErrNotFound when absent.
	GetSession(ctx context.Context, id string) (session.Session, error)
	// UpdateSessionStatus applies a partial metadata update.
	// Returns ErrNotFound when the session does not exist.
	UpdateSessionStatus(ctx context.Context, id string, update UpdateStatus) error
	// ListSessionsByStatus returns sessions currently in the given status.
	ListSessionsByStatus(ctx context.Context, status session.Status, limit int) ([]session.Session, error)
}

// EventStore owns the append-only event journal.
type EventStore interface {
	// AppendEvent atomically appends an event and returns it with its
	// sequence number assigned (starting at 1, strictly increasing per session).
	AppendEvent(ctx context.Context, evt event.Event) (event.Event, error)
	// ListEvents returns events with seq greater than afterSeq, ordered by
	// seq ascending, up to limit.
	ListEvents(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]event.Event, error)
	// GetLatestEventSeq returns the latest sequence number for a session.
	// Returns 0 if no events exist.
	GetLatestEventSeq(ctx context.Context, sessionID string) (uint64, error)
	// FindLatestEventByType returns the most recent event of the given type.
	// Returns ErrNotFound when no such event exists.
	FindLatestEventByType(ctx context.Context, sessionID string, eventType event.Type) (event.Event, error)
}

// Store is the composite durable log store boundary.
type Store interface {
	SessionStore
	EventStore
	Close() error
}
