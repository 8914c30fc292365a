// Package lifecycle owns the execution of deliberation sessions: starting
// work, tracking what is running, stopping it on request, and recording
// how each run ended. Status writes go through the distributed lock so
// concurrent controls on the same session serialize.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	apperrors "github.com/symposium-ai/symposium/internal/platform/errors"
	"github.com/symposium-ai/symposium/internal/services/control/checkpoint"
	"github.com/symposium-ai/symposium/internal/services/control/domain/event"
	"github.com/symposium-ai/symposium/internal/services/control/domain/session"
	"github.com/symposium-ai/symposium/internal/services/control/domain/state"
	"github.com/symposium-ai/symposium/internal/services/control/lock"
	"github.com/symposium-ai/symposium/internal/services/control/storage"
)

const (
	statusLockTimeout = 5 * time.Second
	statusLockTTL     = 30 * time.Second

	// finalizeTimeout bounds the durable writes after a run ends; the run
	// context is usually already cancelled by then.
	finalizeTimeout = 10 * time.Second
)

// Work is one unit of deliberation execution. It runs until it produces an
// outcome or ctx is cancelled; everything it needs beyond cancellation is
// captured at construction.
type Work func(ctx context.Context) state.Outcome

// Authorizer answers whether a caller may use admin controls.
type Authorizer interface {
	IsAdmin(ctx context.Context, callerID string) (bool, error)
}

// Events appends terminal events so watch streams end when a run does.
type Events interface {
	Publish(ctx context.Context, sessionID string, eventType event.Type, payload []byte) (event.Event, error)
}

// Manager runs sessions and tracks them while they run.
type Manager struct {
	durable     storage.Store
	checkpoints *checkpoint.Store
	locks       *lock.Service
	auth        Authorizer
	events      Events
	now         func() time.Time

	mu       sync.Mutex
	running  map[string]*execution
	draining bool
}

type execution struct {
	record session.Session
	cancel context.CancelFunc
	done   chan struct{}

	// Cancellation intent, set before cancel is called. First writer wins.
	intentMu  sync.Mutex
	cancelTo  session.Status
	cancelBy  string
	cancelWhy string
}

func (e *execution) markCancel(to session.Status, by, why string) {
	e.intentMu.Lock()
	defer e.intentMu.Unlock()
	if e.cancelTo != session.StatusUnspecified {
		return
	}
	e.cancelTo = to
	e.cancelBy = by
	e.cancelWhy = why
}

func (e *execution) cancelIntent() (session.Status, string, string) {
	e.intentMu.Lock()
	defer e.intentMu.Unlock()
	return e.cancelTo, e.cancelBy, e.cancelWhy
}

// NewManager creates a session lifecycle manager.
func NewManager(durable storage.Store, checkpoints *checkpoint.Store, locks *lock.Service, auth Authorizer, events Events) *Manager {
	return &Manager{
		durable:     durable,
		checkpoints: checkpoints,
		locks:       locks,
		auth:        auth,
		events:      events,
		now:         time.Now,
		running:     map[string]*execution{},
	}
}

// Start registers sessionID as running and launches work in a goroutine.
// A missing durable record is created; an existing one must belong to
// ownerID and be in a status that may re-enter running. A session that is
// already tracked is a conflict.
func (m *Manager) Start(ctx context.Context, sessionID, ownerID string, work Work) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return apperrors.New(apperrors.CodeSessionEmptyID, "session id is required")
	}
	if work == nil {
		return fmt.Errorf("start session %s: work is nil", sessionID)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec := &execution{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		cancel()
		return apperrors.New(apperrors.CodeConflict, "lifecycle manager is shutting down")
	}
	if _, exists := m.running[sessionID]; exists {
		m.mu.Unlock()
		cancel()
		return apperrors.WithMetadata(
			apperrors.CodeConflict,
			"session is already running",
			map[string]string{"SessionID": sessionID},
		)
	}
	m.running[sessionID] = exec
	m.mu.Unlock()

	record, err := m.registerRunning(ctx, sessionID, ownerID)
	if err != nil {
		m.untrack(sessionID)
		cancel()
		close(exec.done)
		return err
	}

	m.mu.Lock()
	exec.record = record
	m.mu.Unlock()

	go m.run(runCtx, exec, work)
	return nil
}

// registerRunning persists the running transition under the session status
// lock and returns the running record.
func (m *Manager) registerRunning(ctx context.Context, sessionID, ownerID string) (session.Session, error) {
	var record session.Session
	err := m.locks.WithLock(ctx, lock.SessionStatusKey(sessionID), statusLockTimeout, statusLockTTL, func(ctx context.Context) error {
		existing, err := m.durable.GetSession(ctx, sessionID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("load session: %w", err)
			}
			existing, err = session.Create(session.CreateInput{ID: sessionID, OwnerID: ownerID}, m.now)
			if err != nil {
				return err
			}
		}
		if existing.OwnerID != ownerID {
			return apperrors.WithMetadata(
				apperrors.CodePermissionDenied,
				"session belongs to another owner",
				map[string]string{"SessionID": sessionID},
			)
		}

		running, err := session.TransitionStatus(existing, session.StatusRunning, m.now)
		if err != nil {
			return err
		}
		// Re-entering running means the blocking question was resolved.
		running.Phase = ""
		running.PendingClarification = nil
		if err := m.durable.PutSession(ctx, running); err != nil {
			return fmt.Errorf("persist running session: %w", err)
		}
		record = running
		return nil
	})
	if err != nil {
		return session.Session{}, fmt.Errorf("start session %s: %w", sessionID, err)
	}
	return record, nil
}

// Kill cancels a running session on behalf of its owner. It reports false
// with no side effects when the session is not tracked, and a permission
// error when requesterID does not own it. On success it waits for the run
// goroutine to finish finalizing.
func (m *Manager) Kill(ctx context.Context, sessionID, requesterID, reason string) (bool, error) {
	return m.kill(ctx, sessionID, requesterID, reason, false)
}

// AdminKill is Kill without the ownership check. The authorizer must
// confirm adminID holds admin privilege.
func (m *Manager) AdminKill(ctx context.Context, sessionID, adminID, reason string) (bool, error) {
	if err := m.requireAdmin(ctx, adminID); err != nil {
		return false, err
	}
	return m.kill(ctx, sessionID, adminID, reason, true)
}

// AdminKillAll kills every tracked session and returns how many kill calls
// succeeded. Per-session failures are logged and skipped.
func (m *Manager) AdminKillAll(ctx context.Context, adminID, reason string) (int, error) {
	if err := m.requireAdmin(ctx, adminID); err != nil {
		return 0, err
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	killed := 0
	for _, id := range ids {
		ok, err := m.kill(ctx, id, adminID, reason, true)
		if err != nil {
			log.Printf("admin kill-all skipping session session_id=%s err=%v", id, err)
			continue
		}
		if ok {
			killed++
		}
	}
	return killed, nil
}

func (m *Manager) requireAdmin(ctx context.Context, callerID string) error {
	isAdmin, err := m.auth.IsAdmin(ctx, callerID)
	if err != nil {
		return fmt.Errorf("authorize admin %s: %w", callerID, err)
	}
	if !isAdmin {
		return apperrors.WithMetadata(
			apperrors.CodeAdminRequired,
			"caller does not hold admin privilege",
			map[string]string{"CallerID": callerID},
		)
	}
	return nil
}

func (m *Manager) kill(ctx context.Context, sessionID, requesterID, reason string, admin bool) (bool, error) {
	m.mu.Lock()
	exec, tracked := m.running[sessionID]
	if !tracked {
		m.mu.Unlock()
		return false, nil
	}
	if !admin && exec.record.OwnerID != requesterID {
		m.mu.Unlock()
		return false, apperrors.WithMetadata(
			apperrors.CodePermissionDenied,
			"only the session owner may kill it",
			map[string]string{"SessionID": sessionID},
		)
	}
	m.mu.Unlock()

	exec.markCancel(session.StatusKilled, requesterID, reason)
	exec.cancel()

	select {
	case <-exec.done:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Shutdown cancels every tracked session and waits up to grace for their
// goroutines to finalize. Sessions still running after grace are marked
// shutdown with best-effort writes. Idempotent; with nothing tracked it
// returns almost immediately.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) {
	m.mu.Lock()
	m.draining = true
	type entry struct {
		id   string
		exec *execution
	}
	entries := make([]entry, 0, len(m.running))
	for id, exec := range m.running {
		entries = append(entries, entry{id: id, exec: exec})
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.exec.markCancel(session.StatusShutdown, "", "process shutdown")
		e.exec.cancel()
	}

	expired := false
	deadline := time.After(grace)
	for _, e := range entries {
		if !expired {
			select {
			case <-e.exec.done:
				continue
			case <-deadline:
				expired = true
			case <-ctx.Done():
				expired = true
			}
		}
		m.forceShutdown(e.id, e.exec)
	}
}

// forceShutdown claims a session whose goroutine did not finish in time
// and records the shutdown status itself.
func (m *Manager) forceShutdown(sessionID string, exec *execution) {
	if !m.untrack(sessionID) {
		return // the run goroutine finalized it after all
	}
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := m.writeFinalStatus(ctx, exec.record, session.StatusShutdown, "", "process shutdown"); err != nil {
		log.Printf("shutdown status write failed session_id=%s err=%v", sessionID, err)
	}
}

// Tracked returns the ids of currently tracked sessions.
func (m *Manager) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) untrack(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, tracked := m.running[sessionID]; !tracked {
		return false
	}
	delete(m.running, sessionID)
	return true
}

// run executes work and finalizes the session when it ends. Exactly one of
// the run goroutine and a forced shutdown finalizes a session; whoever
// untracks it first wins.
func (m *Manager) run(ctx context.Context, exec *execution, work Work) {
	defer close(exec.done)

	outcome, panicErr := await(ctx, work)

	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if !m.untrack(exec.record.ID) {
		return
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		m.finalizeCancelled(finCtx, exec)
	case panicErr != nil:
		m.finalizeFailed(finCtx, exec.record, nil, panicErr)
	default:
		m.finalizeOutcome(finCtx, exec.record, outcome)
	}
}

// await runs work, converting a panic into an error instead of taking the
// process down with one session.
func await(ctx context.Context, work Work) (outcome state.Outcome, panicErr error) {
	defer func() {
		if r := recover(); r != nil {
			panicErr = fmt.Errorf("session work panicked: %v", r)
		}
	}()
	return work(ctx), nil
}

// finalizeOutcome classifies a normal return. A pending clarification
// always classifies as paused, whatever else the outcome carries; a
// completed outcome needs a non-empty artifact to count.
func (m *Manager) finalizeOutcome(ctx context.Context, record session.Session, outcome state.Outcome) {
	st := outcome.State
	pending := outcome.Clarification
	if pending == nil && st != nil {
		pending = st.PendingClarification
	}
	awaiting := outcome.Kind == state.OutcomePaused || pending != nil ||
		(st != nil && st.AwaitingClarification())

	artifact := strings.TrimSpace(outcome.Artifact)
	if artifact == "" && st != nil {
		artifact = strings.TrimSpace(st.Synthesis)
	}

	switch {
	case awaiting:
		m.finalizePaused(ctx, record, st, pending)
	case outcome.Kind == state.OutcomeCompleted && artifact != "":
		m.finalizeCompleted(ctx, record, artifact)
	default:
		err := outcome.Err
		if err == nil {
			err = fmt.Errorf("session ended without a result")
		}
		m.finalizeFailed(ctx, record, st, err)
	}
}

func (m *Manager) finalizePaused(ctx context.Context, record session.Session, st *state.State, pending *state.Clarification) {
	if st != nil {
		if st.PendingClarification == nil {
			st.PendingClarification = pending
		}
		if err := m.checkpoints.Save(ctx, *st); err != nil {
			log.Printf("pause checkpoint save failed session_id=%s err=%v", record.ID, err)
		}
	}

	err := m.locks.WithLock(ctx, lock.SessionStatusKey(record.ID), statusLockTimeout, statusLockTTL, func(ctx context.Context) error {
		paused, err := session.TransitionStatus(record, session.StatusPaused, m.now)
		if err != nil {
			return err
		}
		update := storage.UpdateStatus{
			Status:    session.StatusPaused,
			Phase:     ptr(session.PhaseClarificationNeeded),
			UpdatedAt: paused.UpdatedAt,
			PausedAt:  paused.PausedAt,
		}
		if pending != nil {
			payload, err := json.Marshal(pending)
			if err != nil {
				return fmt.Errorf("encode pending clarification: %w", err)
			}
			update.PendingClarification = ptr(string(payload))
		}
		if st != nil {
			update.RoundNumber = ptr(st.RoundNumber)
			update.SubProblemIndex = ptr(st.SubProblemIndex)
		}
		return m.durable.UpdateSessionStatus(ctx, record.ID, update)
	})
	if err != nil {
		log.Printf("pause status write failed session_id=%s err=%v", record.ID, err)
	}
}

func (m *Manager) finalizeCompleted(ctx context.Context, record session.Session, artifact string) {
	err := m.locks.WithLock(ctx, lock.SessionStatusKey(record.ID), statusLockTimeout, statusLockTTL, func(ctx context.Context) error {
		completed, err := session.TransitionStatus(record, session.StatusCompleted, m.now)
		if err != nil {
			return err
		}
		return m.durable.UpdateSessionStatus(ctx, record.ID, storage.UpdateStatus{
			Status:    session.StatusCompleted,
			UpdatedAt: completed.UpdatedAt,
		})
	})
	if err != nil {
		log.Printf("complete status write failed session_id=%s err=%v", record.ID, err)
	}

	if err := m.checkpoints.Delete(ctx, record.ID); err != nil {
		log.Printf("checkpoint delete failed session_id=%s err=%v", record.ID, err)
	}
	m.publishTerminal(ctx, record.ID, event.TypeComplete, event.CompletePayload{Synthesis: artifact})
}

func (m *Manager) finalizeFailed(ctx context.Context, record session.Session, st *state.State, cause error) {
	if st != nil {
		if err := m.checkpoints.Save(ctx, *st); err != nil {
			log.Printf("failure checkpoint save failed session_id=%s err=%v", record.ID, err)
		}
	}

	err := m.locks.WithLock(ctx, lock.SessionStatusKey(record.ID), statusLockTimeout, statusLockTTL, func(ctx context.Context) error {
		failed, err := session.TransitionStatus(record, session.StatusFailed, m.now)
		if err != nil {
			return err
		}
		return m.durable.UpdateSessionStatus(ctx, record.ID, storage.UpdateStatus{
			Status:    session.StatusFailed,
			UpdatedAt: failed.UpdatedAt,
		})
	})
	if err != nil {
		log.Printf("failure status write failed session_id=%s err=%v", record.ID, err)
	}

	m.publishTerminal(ctx, record.ID, event.TypeError, event.ErrorPayload{Error: cause.Error()})
}

func (m *Manager) finalizeCancelled(ctx context.Context, exec *execution) {
	to, by, why := exec.cancelIntent()
	if to == session.StatusUnspecified {
		to, why = session.StatusShutdown, "run context cancelled"
	}

	if err := m.writeFinalStatus(ctx, exec.record, to, by, why); err != nil {
		log.Printf("cancel status write failed session_id=%s err=%v", exec.record.ID, err)
	}
	m.publishTerminal(ctx, exec.record.ID, event.TypeError, event.ErrorPayload{
		Error: fmt.Sprintf("session %s: %s", session.StatusLabel(to), why),
	})
}

func (m *Manager) writeFinalStatus(ctx context.Context, record session.Session, to session.Status, by, why string) error {
	return m.locks.WithLock(ctx, lock.SessionStatusKey(record.ID), statusLockTimeout, statusLockTTL, func(ctx context.Context) error {
		final, err := session.TransitionStatus(record, to, m.now)
		if err != nil {
			return err
		}
		update := storage.UpdateStatus{
			Status:     to,
			UpdatedAt:  final.UpdatedAt,
			KilledAt:   final.KilledAt,
			ShutdownAt: final.ShutdownAt,
		}
		if to == session.StatusKilled {
			update.KilledBy = ptr(by)
			update.KillReason = ptr(why)
		}
		return m.durable.UpdateSessionStatus(ctx, record.ID, update)
	})
}

func (m *Manager) publishTerminal(ctx context.Context, sessionID string, eventType event.Type, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Printf("terminal event encode failed session_id=%s type=%s err=%v", sessionID, eventType, err)
		return
	}
	if _, err := m.events.Publish(ctx, sessionID, eventType, encoded); err != nil {
		log.Printf("terminal event publish failed session_id=%s type=%s err=%v", sessionID, eventType, err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
