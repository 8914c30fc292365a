package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	apperrors "github.com/symposium-ai/symposium/internal/platform/errors"
	"github.com/symposium-ai/symposium/internal/services/control/domain/event"
	"github.com/symposium-ai/symposium/internal/services/control/domain/session"
	"github.com/symposium-ai/symposium/internal/services/control/domain/state"
	"github.com/symposium-ai/symposium/internal/services/control/faststore"
	"github.com/symposium-ai/symposium/internal/services/control/storage"
)

// ErrUnrecoverable indicates a session whose execution state cannot be
// rebuilt: it is not in a resumable status, or the journal is missing the
// decomposition needed to restart it.
var ErrUnrecoverable = apperrors.New(apperrors.CodeUnrecoverable, "session state cannot be reconstructed")

// Source reports where a restored state came from.
type Source string

const (
	// SourceFast means the snapshot came straight from the fast store.
	SourceFast Source = "fast"
	// SourceReconstructed means the snapshot was rebuilt from the durable journal.
	SourceReconstructed Source = "reconstructed"
)

// Recovery restores session execution state, preferring the fast store
// snapshot and falling back to journal reconstruction when the snapshot is
// missing, corrupted, or the fast store is down.
type Recovery struct {
	durable   storage.Store
	snapshots *Store
}

// NewRecovery creates a Recovery over the durable store and snapshot store.
func NewRecovery(durable storage.Store, snapshots *Store) *Recovery {
	return &Recovery{durable: durable, snapshots: snapshots}
}

// Restore returns the execution state for sessionID and where it came
// from. Fast store failures of any kind degrade to reconstruction; only a
// reconstruction failure is returned to the caller.
func (r *Recovery) Restore(ctx context.Context, sessionID string, allowFailed bool) (state.State, Source, error) {
	snap, err := r.snapshots.Load(ctx, sessionID)
	if err == nil {
		return snap.State, SourceFast, nil
	}

	switch {
	case errors.Is(err, faststore.ErrNotFound):
		log.Printf("checkpoint restore falling back to journal session_id=%s reason=snapshot_missing", sessionID)
	case errors.Is(err, ErrCorrupted):
		log.Printf("checkpoint restore falling back to journal session_id=%s reason=snapshot_corrupted", sessionID)
	default:
		log.Printf("checkpoint restore falling back to journal session_id=%s reason=fast_store_error error=%v", sessionID, err)
	}

	st, err := r.Reconstruct(ctx, sessionID, allowFailed)
	if err != nil {
		return state.State{}, "", err
	}
	return st, SourceReconstructed, nil
}

// Reconstruct rebuilds execution state from the durable record and the
// event journal. Only paused sessions awaiting a clarification and, when
// allowFailed is set, failed sessions are eligible; anything else returns
// ErrUnrecoverable. The rebuilt state resumes at the recorded sub-problem
// boundary; round results inside the interrupted sub-problem are not
// recovered.
func (r *Recovery) Reconstruct(ctx context.Context, sessionID string, allowFailed bool) (state.State, error) {
	record, err := r.durable.GetSession(ctx, sessionID)
	if err != nil {
		return state.State{}, fmt.Errorf("load session record: %w", err)
	}

	awaiting := record.PendingClarification != nil || record.Phase == session.PhaseClarificationNeeded
	switch {
	case record.Status == session.StatusPaused && awaiting:
	case record.Status == session.StatusFailed && allowFailed:
	default:
		return state.State{}, apperrors.WithMetadata(
			apperrors.CodeUnrecoverable,
			fmt.Sprintf("session in status %q is not reconstructable", session.StatusLabel(record.Status)),
			map[string]string{"SessionID": sessionID, "Status": session.StatusLabel(record.Status)},
		)
	}

	decomposition, err := r.loadDecomposition(ctx, sessionID)
	if err != nil {
		return state.State{}, err
	}

	st := state.State{
		SessionID:       sessionID,
		Decomposition:   decomposition,
		RoundNumber:     record.RoundNumber,
		SubProblemIndex: record.SubProblemIndex,
		ShouldStop:      true,
	}

	if record.Status == session.StatusPaused {
		st.StopReason = state.StopReasonClarificationNeeded
		pending, err := r.loadPendingClarification(ctx, record)
		if err != nil {
			return state.State{}, err
		}
		st.PendingClarification = pending
	} else {
		st.StopReason = session.StatusLabel(session.StatusFailed)
	}
	return st, nil
}

func (r *Recovery) loadDecomposition(ctx context.Context, sessionID string) ([]state.SubProblem, error) {
	evt, err := r.durable.FindLatestEventByType(ctx, sessionID, event.TypeDecomposition)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.WithMetadata(
				apperrors.CodeUnrecoverable,
				"journal has no decomposition event",
				map[string]string{"SessionID": sessionID},
			)
		}
		return nil, fmt.Errorf("find decomposition event: %w", err)
	}

	var payload event.DecompositionPayload
	if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnrecoverable, "decomposition event payload does not decode", err)
	}
	if len(payload.SubProblems) == 0 {
		return nil, apperrors.WithMetadata(
			apperrors.CodeUnrecoverable,
			"decomposition event has no sub-problems",
			map[string]string{"SessionID": sessionID},
		)
	}
	return payload.SubProblems, nil
}

// loadPendingClarification prefers the question on the session record and
// falls back to the latest clarification_request journal event. A paused
// session with no recoverable question cannot be resumed.
func (r *Recovery) loadPendingClarification(ctx context.Context, record session.Session) (*state.Clarification, error) {
	if record.PendingClarification != nil {
		pending := *record.PendingClarification
		return &pending, nil
	}

	evt, err := r.durable.FindLatestEventByType(ctx, record.ID, event.TypeClarificationRequest)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.WithMetadata(
				apperrors.CodeUnrecoverable,
				"paused session has no recoverable clarification question",
				map[string]string{"SessionID": record.ID},
			)
		}
		return nil, fmt.Errorf("find clarification event: %w", err)
	}

	var payload event.ClarificationRequestPayload
	if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnrecoverable, "clarification event payload does not decode", err)
	}
	return &state.Clarification{Question: payload.Question}, nil
}
