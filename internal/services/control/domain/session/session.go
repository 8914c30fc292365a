// Package session defines the deliberation session record and its status
// lifecycle. Sessions are mutated only through the lifecycle manager's
// transition methods so the running-registration invariant holds.
package session

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/symposium-ai/symposium/internal/platform/errors"
	"github.com/symposium-ai/symposium/internal/services/control/domain/state"
)

// Status describes the lifecycle of a deliberation session.
type Status int

const (
	// StatusUnspecified represents an invalid session status value.
	StatusUnspecified Status = iota
	// StatusCreated indicates the session was accepted but is not executing.
	StatusCreated
	// StatusRunning indicates the session is registered as active work.
	StatusRunning
	// StatusPaused indicates execution stopped awaiting external input.
	StatusPaused
	// StatusCompleted indicates execution finished with a synthesized result.
	StatusCompleted
	// StatusFailed indicates execution finished without a result.
	StatusFailed
	// StatusKilled indicates execution was stopped by a user or admin.
	StatusKilled
	// StatusShutdown indicates execution was stopped by process shutdown.
	StatusShutdown
)

// PhaseClarificationNeeded marks a session blocked on a clarifying question.
const PhaseClarificationNeeded = "clarification_needed"

// Session captures the durable metadata for one deliberation session.
type Session struct {
	ID                   string
	OwnerID              string
	Status               Status
	Phase                string
	RoundNumber          int
	SubProblemIndex      int
	PendingClarification *state.Clarification
	KilledBy             string
	KillReason           string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	StartedAt            *time.Time
	PausedAt             *time.Time
	KilledAt             *time.Time
	ShutdownAt           *time.Time
}

// CreateInput carries the caller-supplied fields for a new session.
type CreateInput struct {
	ID      string
	OwnerID string
}

// Create validates input and returns a new session in the created status.
func Create(in CreateInput, now func() time.Time) (Session, error) {
	if now == nil {
		now = time.Now
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return Session{}, apperrors.New(apperrors.CodeSessionEmptyID, "session id is required")
	}
	owner := strings.TrimSpace(in.OwnerID)
	if owner == "" {
		return Session{}, apperrors.New(apperrors.CodeSessionEmptyOwner, "session owner is required")
	}
	createdAt := now().UTC()
	return Session{
		ID:        id,
		OwnerID:   owner,
		Status:    StatusCreated,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// TransitionStatus applies a status transition and updates timestamps.
func TransitionStatus(s Session, target Status, now func() time.Time) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if !IsTransitionAllowed(s.Status, target) {
		fromStatus := StatusLabel(s.Status)
		toStatus := StatusLabel(target)
		return Session{}, apperrors.WithMetadata(
			apperrors.CodeInvalidStatusTransition,
			fmt.Sprintf("session status transition not allowed: %s -> %s", fromStatus, toStatus),
			map[string]string{"FromStatus": fromStatus, "ToStatus": toStatus},
		)
	}

	updated := s
	updated.Status = target
	updatedAt := now().UTC()
	updated.UpdatedAt = updatedAt
	switch target {
	case StatusRunning:
		if updated.StartedAt == nil {
			updated.StartedAt = &updatedAt
		}
	case StatusPaused:
		updated.PausedAt = &updatedAt
	case StatusKilled:
		updated.KilledAt = &updatedAt
	case StatusShutdown:
		updated.ShutdownAt = &updatedAt
	}
	return updated, nil
}

// IsTransitionAllowed reports whether a status transition is permitted.
// Paused and failed sessions may re-enter running (resume and retry); every
// other non-running state is terminal for this subsystem.
func IsTransitionAllowed(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusPaused || to == StatusCompleted || to == StatusFailed ||
			to == StatusKilled || to == StatusShutdown
	case StatusPaused, StatusFailed:
		return to == StatusRunning
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are permitted from status.
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusKilled, StatusShutdown:
		return true
	default:
		return false
	}
}

// StatusLabel returns a stable label for a session status.
func StatusLabel(status Status) string {
	switch status {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusKilled:
		return "killed"
	case StatusShutdown:
		return "shutdown"
	default:
		return "unspecified"
	}
}

// StatusFromLabel parses a string label into a Status.
// It trims whitespace and matches case-insensitively.
func StatusFromLabel(value string) (Status, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return StatusUnspecified, fmt.Errorf("session status is required")
	}
	switch strings.ToLower(trimmed) {
	case "created":
		return StatusCreated, nil
	case "running":
		return StatusRunning, nil
	case "paused":
		return StatusPaused, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	case "killed":
		return StatusKilled, nil
	case "shutdown":
		return StatusShutdown, nil
	default:
		return StatusUnspecified, fmt.Errorf("unknown session status: %s", trimmed)
	}
}
