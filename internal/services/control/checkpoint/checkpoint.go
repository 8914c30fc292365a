// Package checkpoint persists deliberation execution state in the fast
// store and rebuilds it from the durable journal when the fast copy is
// lost. Saves are read-merge-write so a partial state from the engine
// never erases fields an earlier save already captured.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/symposium-ai/symposium/internal/platform/errors"
	"github.com/symposium-ai/symposium/internal/services/control/domain/state"
	"github.com/symposium-ai/symposium/internal/services/control/faststore"
)

const (
	sessionKeyPrefix = "symposium:checkpoint:session:"

	// Checkpoints outlive any single deliberation run but are not kept
	// forever; the durable journal covers anything older.
	snapshotTTL = 24 * time.Hour
)

// ErrCorrupted indicates a stored snapshot that cannot be trusted: it
// failed to decode or lost its decomposition. Callers should fall back to
// journal reconstruction.
var ErrCorrupted = apperrors.New(apperrors.CodeCheckpointCorrupted, "checkpoint snapshot is corrupted")

// SessionKey returns the fast store key holding a session's snapshot.
func SessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// Snapshot is the envelope written to the fast store.
type Snapshot struct {
	State   state.State `json:"state"`
	AsNode  string      `json:"as_node,omitempty"`
	SavedAt time.Time   `json:"saved_at"`
}

// Store reads and writes session snapshots in the fast store.
type Store struct {
	fast faststore.Store
	node string
	now  func() time.Time
}

// NewStore creates a checkpoint store. node identifies the writing process
// in saved snapshots and may be empty.
func NewStore(fast faststore.Store, node string) *Store {
	return &Store{fast: fast, node: node, now: time.Now}
}

// Save writes a snapshot for st.SessionID, merging over any existing
// snapshot so that a sparse state never clears fields a prior save
// recorded. The merged snapshot is written in a single store call.
func (s *Store) Save(ctx context.Context, st state.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sessionID := strings.TrimSpace(st.SessionID)
	if sessionID == "" {
		return apperrors.New(apperrors.CodeSessionEmptyID, "checkpoint state has no session id")
	}

	existing, err := s.Load(ctx, sessionID)
	switch {
	case err == nil:
		st = merge(existing.State, st)
	case errors.Is(err, faststore.ErrNotFound), errors.Is(err, ErrCorrupted):
		// First save, or the old snapshot is unusable anyway.
	default:
		return fmt.Errorf("load checkpoint before save: %w", err)
	}

	snap := Snapshot{State: st, AsNode: s.node, SavedAt: s.now().UTC()}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode checkpoint snapshot: %w", err)
	}
	if err := s.fast.Set(ctx, SessionKey(sessionID), payload, snapshotTTL); err != nil {
		return fmt.Errorf("write checkpoint snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot for sessionID. It returns
// faststore.ErrNotFound when no snapshot exists and ErrCorrupted when the
// stored bytes do not decode into a usable state.
func (s *Store) Load(ctx context.Context, sessionID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	payload, err := s.fast.Get(ctx, SessionKey(sessionID))
	if err != nil {
		if errors.Is(err, faststore.ErrNotFound) {
			return Snapshot{}, err
		}
		return Snapshot{}, fmt.Errorf("read checkpoint snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, apperrors.Wrap(apperrors.CodeCheckpointCorrupted, "checkpoint snapshot is corrupted", err)
	}
	// A snapshot without its decomposition cannot resume the session; the
	// decomposition is written on the very first save.
	if !snap.State.HasDecomposition() {
		return Snapshot{}, ErrCorrupted
	}
	if snap.State.SessionID == "" {
		snap.State.SessionID = sessionID
	}
	return snap, nil
}

// InjectAnswer resolves the pending clarification with answer: the
// clarification moves to the answered list and the pending marker clears,
// in one snapshot write. Returns the updated state.
func (s *Store) InjectAnswer(ctx context.Context, sessionID, answer string) (state.State, error) {
	snap, err := s.Load(ctx, sessionID)
	if err != nil {
		return state.State{}, err
	}
	if snap.State.PendingClarification == nil {
		return state.State{}, apperrors.WithMetadata(
			apperrors.CodeConflict,
			"session has no pending clarification",
			map[string]string{"SessionID": sessionID},
		)
	}

	answered := *snap.State.PendingClarification
	answered.Answer = answer
	st := snap.State
	st.AnsweredClarifications = append(st.AnsweredClarifications, answered)
	st.PendingClarification = nil
	st.ShouldStop = false
	st.StopReason = ""

	next := Snapshot{State: st, AsNode: s.node, SavedAt: s.now().UTC()}
	payload, err := json.Marshal(next)
	if err != nil {
		return state.State{}, fmt.Errorf("encode checkpoint snapshot: %w", err)
	}
	if err := s.fast.Set(ctx, SessionKey(sessionID), payload, snapshotTTL); err != nil {
		return state.State{}, fmt.Errorf("write checkpoint snapshot: %w", err)
	}
	return st, nil
}

// Delete removes the snapshot for sessionID. Missing snapshots are fine.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.fast.Delete(ctx, SessionKey(sessionID)); err != nil {
		return fmt.Errorf("delete checkpoint snapshot: %w", err)
	}
	return nil
}

// merge overlays incoming on top of existing, keeping existing values for
// fields the incoming state does not carry. Progress counters and flags
// always come from the incoming state; the engine owns those.
func merge(existing, incoming state.State) state.State {
	merged := incoming
	if len(merged.Decomposition) == 0 {
		merged.Decomposition = existing.Decomposition
	}
	if len(merged.RoundResults) == 0 {
		merged.RoundResults = existing.RoundResults
	}
	if merged.PendingClarification == nil {
		merged.PendingClarification = existing.PendingClarification
	}
	if len(merged.AnsweredClarifications) == 0 {
		merged.AnsweredClarifications = existing.AnsweredClarifications
	}
	if merged.Synthesis == "" {
		merged.Synthesis = existing.Synthesis
	}
	return merged
}
