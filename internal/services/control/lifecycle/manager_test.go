package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/symposium-ai/symposium/internal/platform/errors"
	"github.com/symposium-ai/symposium/internal/services/control/checkpoint"
	"github.com/symposium-ai/symposium/internal/services/control/domain/event"
	"github.com/symposium-ai/symposium/internal/services/control/domain/session"
	"github.com/symposium-ai/symposium/internal/services/control/domain/state"
	"github.com/symposium-ai/symposium/internal/services/control/faststore/memory"
	"github.com/symposium-ai/symposium/internal/services/control/lock"
	"github.com/symposium-ai/symposium/internal/services/control/storage/sqlite"
)

type staticAuth map[string]bool

func (a staticAuth) IsAdmin(_ context.Context, callerID string) (bool, error) {
	return a[callerID], nil
}

type recordingEvents struct {
	mu        sync.Mutex
	published []event.Event
}

func (r *recordingEvents) Publish(_ context.Context, sessionID string, eventType event.Type, payload []byte) (event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt := event.Event{
		SessionID:   sessionID,
		Seq:         uint64(len(r.published) + 1),
		Type:        eventType,
		PayloadJSON: payload,
		Timestamp:   time.Now(),
	}
	r.published = append(r.published, evt)
	return evt, nil
}

func (r *recordingEvents) byType(eventType event.Type) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, evt := range r.published {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type managerFixture struct {
	manager     *Manager
	durable     *sqlite.Store
	checkpoints *checkpoint.Store
	events      *recordingEvents
}

func newTestManager(t *testing.T) managerFixture {
	t.Helper()
	durable, err := sqlite.Open(filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatalf("open durable store: %v", err)
	}
	t.Cleanup(func() {
		if err := durable.Close(); err != nil {
			t.Fatalf("close durable store: %v", err)
		}
	})
	fast := memory.New()
	t.Cleanup(func() {
		if err := fast.Close(); err != nil {
			t.Fatalf("close fast store: %v", err)
		}
	})

	checkpoints := checkpoint.NewStore(fast, "node-1")
	events := &recordingEvents{}
	manager := NewManager(durable, checkpoints, lock.NewService(fast), staticAuth{"admin-1": true}, events)
	return managerFixture{manager: manager, durable: durable, checkpoints: checkpoints, events: events}
}

func waitForStatus(t *testing.T, durable *sqlite.Store, sessionID string, want session.Status) session.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, err := durable.GetSession(context.Background(), sessionID)
		if err == nil && record.Status == want {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	record, err := durable.GetSession(context.Background(), sessionID)
	t.Fatalf("session %s never reached status %s (last: %+v, err: %v)",
		sessionID, session.StatusLabel(want), record, err)
	return session.Session{}
}

// blockUntilCancelled returns work that waits for cancellation, then
// reports the given outcome.
func blockUntilCancelled(outcome state.Outcome) Work {
	return func(ctx context.Context) state.Outcome {
		<-ctx.Done()
		return outcome
	}
}

func TestStartPersistsRunningSession(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	release := make(chan struct{})
	err := fx.manager.Start(ctx, "sess-1", "user-1", func(ctx context.Context) state.Outcome {
		<-release
		return state.Completed(nil, "verdict")
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	record := waitForStatus(t, fx.durable, "sess-1", session.StatusRunning)
	if record.OwnerID != "user-1" {
		t.Errorf("owner = %q, want %q", record.OwnerID, "user-1")
	}
	if record.StartedAt == nil {
		t.Error("started at should be set")
	}

	close(release)
	waitForStatus(t, fx.durable, "sess-1", session.StatusCompleted)
}

func TestStartConflictsWhenAlreadyTracked(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	if err := fx.manager.Start(ctx, "sess-1", "user-1", blockUntilCancelled(state.Outcome{})); err != nil {
		t.Fatalf("first start: %v", err)
	}
	err := fx.manager.Start(ctx, "sess-1", "user-1", blockUntilCancelled(state.Outcome{}))
	if !errors.Is(err, apperrors.New(apperrors.CodeConflict, "")) {
		t.Fatalf("second start error = %v, want conflict", err)
	}

	fx.manager.Shutdown(ctx, time.Second)
}

func TestStartResumesPausedSession(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	seedErr := fx.durable.PutSession(ctx, session.Session{
		ID:                   "sess-1",
		OwnerID:              "user-1",
		Status:               session.StatusPaused,
		Phase:                session.PhaseClarificationNeeded,
		PendingClarification: &state.Clarification{Question: "scope?"},
		CreatedAt:            now,
		UpdatedAt:            now,
	})
	if seedErr != nil {
		t.Fatalf("seed paused session: %v", seedErr)
	}

	if err := fx.manager.Start(ctx, "sess-1", "user-2", blockUntilCancelled(state.Outcome{})); err == nil {
		t.Fatal("start by non-owner should fail")
	} else if !errors.Is(err, apperrors.New(apperrors.CodePermissionDenied, "")) {
		t.Fatalf("non-owner start error = %v, want permission denied", err)
	}

	if err := fx.manager.Start(ctx, "sess-1", "user-1", blockUntilCancelled(state.Outcome{})); err != nil {
		t.Fatalf("owner resume: %v", err)
	}
	record := waitForStatus(t, fx.durable, "sess-1", session.StatusRunning)
	if record.PendingClarification != nil || record.Phase != "" {
		t.Errorf("resume should clear the clarification marker: phase=%q pending=%+v", record.Phase, record.PendingClarification)
	}

	fx.manager.Shutdown(ctx, time.Second)
}

func TestStartRejectsCompletedSession(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	if err := fx.durable.PutSession(ctx, session.Session{
		ID: "sess-1", OwnerID: "user-1", Status: session.StatusCompleted,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed completed session: %v", err)
	}

	err := fx.manager.Start(ctx, "sess-1", "user-1", blockUntilCancelled(state.Outcome{}))
	if !errors.Is(err, apperrors.New(apperrors.CodeInvalidStatusTransition, "")) {
		t.Fatalf("start completed session error = %v, want invalid transition", err)
	}
	if tracked := fx.manager.Tracked(); len(tracked) != 0 {
		t.Errorf("failed start left sessions tracked: %v", tracked)
	}
}

func TestClarificationOutcomePausesNeverCompletes(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	// The outcome carries both a synthesis and a pending question; the
	// question wins and the session must not complete.
	st := &state.State{
		SessionID:            "sess-1",
		Decomposition:        []state.SubProblem{{Index: 0, Title: "framing"}},
		RoundNumber:          2,
		SubProblemIndex:      0,
		Synthesis:            "premature verdict",
		PendingClarification: &state.Clarification{Question: "which audience?"},
	}
	err := fx.manager.Start(ctx, "sess-1", "user-1", func(ctx context.Context) state.Outcome {
		return state.Paused(st, state.StopReasonClarificationNeeded, st.PendingClarification)
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	record := waitForStatus(t, fx.durable, "sess-1", session.StatusPaused)
	if record.Phase != session.PhaseClarificationNeeded {
		t.Errorf("phase = %q, want %q", record.Phase, session.PhaseClarificationNeeded)
	}
	if record.PendingClarification == nil || record.PendingClarification.Question != "which audience?" {
		t.Errorf("pending clarification = %+v", record.PendingClarification)
	}
	if record.RoundNumber != 2 {
		t.Errorf("round number = %d, want 2", record.RoundNumber)
	}

	snap, err := fx.checkpoints.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load checkpoint after pause: %v", err)
	}
	if snap.State.PendingClarification == nil {
		t.Error("pause checkpoint lost the pending clarification")
	}
	if got := fx.events.byType(event.TypeComplete); len(got) != 0 {
		t.Errorf("paused session published complete events: %v", got)
	}
}

func TestCompletedOutcomePublishesCompleteEvent(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	err := fx.manager.Start(ctx, "sess-1", "user-1", func(ctx context.Context) state.Outcome {
		return state.Completed(&state.State{
			SessionID:     "sess-1",
			Decomposition: []state.SubProblem{{Index: 0, Title: "framing"}},
			Synthesis:     "final verdict",
		}, "final verdict")
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForStatus(t, fx.durable, "sess-1", session.StatusCompleted)
	if got := fx.events.byType(event.TypeComplete); len(got) != 1 {
		t.Fatalf("complete events = %d, want 1", len(got))
	}
}

func TestCompletedOutcomeWithoutArtifactFails(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	err := fx.manager.Start(ctx, "sess-1", "user-1", func(ctx context.Context) state.Outcome {
		return state.Completed(nil, "   ")
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForStatus(t, fx.durable, "sess-1", session.StatusFailed)
	if got := fx.events.byType(event.TypeError); len(got) != 1 {
		t.Fatalf("error events = %d, want 1", len(got))
	}
}

func TestPanickingWorkFailsSession(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	err := fx.manager.Start(ctx, "sess-1", "user-1", func(ctx context.Context) state.Outcome {
		panic("agent meltdown")
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForStatus(t, fx.durable, "sess-1", session.StatusFailed)
	if got := fx.events.byType(event.TypeError); len(got) != 1 {
		t.Fatalf("error events = %d, want 1", len(got))
	}
}

func TestKillByOwner(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	if err := fx.manager.Start(ctx, "sess-1", "user-1", blockUntilCancelled(state.Outcome{})); err != nil {
		t.Fatalf("start: %v", err)
	}

	killed, err := fx.manager.Kill(ctx, "sess-1", "user-1", "changed my mind")
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !killed {
		t.Fatal("kill should report true for a tracked session")
	}

	record := waitForStatus(t, fx.durable, "sess-1", session.StatusKilled)
	if record.KilledBy != "user-1" || record.KillReason != "changed my mind" {
		t.Errorf("kill attribution = (%q, %q)", record.KilledBy, record.KillReason)
	}
	if record.KilledAt == nil {
		t.Error("killed at should be set")
	}
	if tracked := fx.manager.Tracked(); len(tracked) != 0 {
		t.Errorf("killed session still tracked: %v", tracked)
	}
}

func TestKillByNonOwnerIsDenied(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	if err := fx.manager.Start(ctx, "sess-1", "user-1", blockUntilCancelled(state.Outcome{})); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := fx.manager.Kill(ctx, "sess-1", "user-2", "not mine")
	if !errors.Is(err, apperrors.New(apperrors.CodePermissionDenied, "")) {
		t.Fatalf("non-owner kill error = %v, want permission denied", err)
	}

	// No side effects: the session is still tracked and still running.
	if tracked := fx.manager.Tracked(); len(tracked) != 1 {
		t.Errorf("tracked = %v, want the running session", tracked)
	}
	record, err := fx.durable.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if record.Status != session.StatusRunning {
		t.Errorf("status = %s, want running", session.StatusLabel(record.Status))
	}

	fx.manager.Shutdown(ctx, time.Second)
}

func TestKillUntrackedSession(t *testing.T) {
	fx := newTestManager(t)

	killed, err := fx.manager.Kill(context.Background(), "ghost", "user-1", "reason")
	if err != nil {
		t.Fatalf("kill untracked: %v", err)
	}
	if killed {
		t.Fatal("kill of an untracked session should report false")
	}
}

func TestAdminKillRequiresPrivilege(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	if err := fx.manager.Start(ctx, "sess-1", "user-1", blockUntilCancelled(state.Outcome{})); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := fx.manager.AdminKill(ctx, "sess-1", "user-2", "drive-by")
	if !errors.Is(err, apperrors.New(apperrors.CodeAdminRequired, "")) {
		t.Fatalf("non-admin kill error = %v, want admin required", err)
	}

	killed, err := fx.manager.AdminKill(ctx, "sess-1", "admin-1", "policy violation")
	if err != nil {
		t.Fatalf("admin kill: %v", err)
	}
	if !killed {
		t.Fatal("admin kill should succeed without ownership")
	}
	record := waitForStatus(t, fx.durable, "sess-1", session.StatusKilled)
	if record.KilledBy != "admin-1" {
		t.Errorf("killed by = %q, want admin-1", record.KilledBy)
	}
}

func TestAdminKillAllCountsEverySession(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("sess-%d", i)
		var work Work
		if i < 2 {
			// Work that panics on cancellation must still count as killed.
			work = func(ctx context.Context) state.Outcome {
				<-ctx.Done()
				panic("cancelled mid-round")
			}
		} else {
			work = blockUntilCancelled(state.Outcome{})
		}
		if err := fx.manager.Start(ctx, id, "user-1", work); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	count, err := fx.manager.AdminKillAll(ctx, "admin-1", "maintenance window")
	if err != nil {
		t.Fatalf("admin kill-all: %v", err)
	}
	if count != 5 {
		t.Fatalf("killed count = %d, want 5", count)
	}
	for i := 0; i < 5; i++ {
		waitForStatus(t, fx.durable, fmt.Sprintf("sess-%d", i), session.StatusKilled)
	}
	if tracked := fx.manager.Tracked(); len(tracked) != 0 {
		t.Errorf("sessions still tracked after kill-all: %v", tracked)
	}
}

func TestAdminKillAllRequiresPrivilege(t *testing.T) {
	fx := newTestManager(t)

	_, err := fx.manager.AdminKillAll(context.Background(), "user-1", "nope")
	if !errors.Is(err, apperrors.New(apperrors.CodeAdminRequired, "")) {
		t.Fatalf("non-admin kill-all error = %v, want admin required", err)
	}
}

func TestShutdownIsBoundedByGrace(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	// Work that ignores cancellation entirely.
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	err := fx.manager.Start(ctx, "sess-stuck", "user-1", func(ctx context.Context) state.Outcome {
		<-release
		return state.Outcome{}
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	fx.manager.Shutdown(ctx, 100*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("shutdown took %v, want bounded by grace", elapsed)
	}

	record := waitForStatus(t, fx.durable, "sess-stuck", session.StatusShutdown)
	if record.ShutdownAt == nil {
		t.Error("shutdown at should be set")
	}
	if tracked := fx.manager.Tracked(); len(tracked) != 0 {
		t.Errorf("sessions still tracked after shutdown: %v", tracked)
	}
}

func TestShutdownRejectsNewStarts(t *testing.T) {
	fx := newTestManager(t)
	ctx := context.Background()

	fx.manager.Shutdown(ctx, time.Second)

	err := fx.manager.Start(ctx, "sess-1", "user-1", blockUntilCancelled(state.Outcome{}))
	if !errors.Is(err, apperrors.New(apperrors.CodeConflict, "")) {
		t.Fatalf("start during drain error = %v, want conflict", err)
	}
}
