package app

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/symposium-ai/symposium/internal/platform/errors"
	"github.com/symposium-ai/symposium/internal/services/control/domain/event"
	"github.com/symposium-ai/symposium/internal/services/control/domain/session"
	"github.com/symposium-ai/symposium/internal/services/control/domain/state"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	runtime, err := NewRuntime(context.Background(), RuntimeConfig{
		DBPath: filepath.Join(t.TempDir(), "control.db"),
		Node:   "test-node",
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() {
		if err := runtime.Close(); err != nil {
			t.Fatalf("close runtime: %v", err)
		}
	})
	return runtime
}

func waitForStatus(t *testing.T, runtime *Runtime, sessionID string, want session.Status) session.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, err := runtime.GetSession(context.Background(), sessionID)
		if err == nil && record.Status == want {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached status %s", sessionID, session.StatusLabel(want))
	return session.Session{}
}

// pauseForClarification is a unit of work that journals its decomposition,
// checkpoints, and stops to ask a question.
func pauseForClarification(runtime *Runtime, sessionID, question string) func(context.Context) state.Outcome {
	return func(ctx context.Context) state.Outcome {
		st := state.State{
			SessionID:     sessionID,
			Decomposition: []state.SubProblem{{Index: 0, Title: "framing"}},
			RoundNumber:   1,
		}
		payload, err := json.Marshal(event.DecompositionPayload{SubProblems: st.Decomposition})
		if err != nil {
			return state.Failed(&st, err)
		}
		if _, err := runtime.Publisher().Publish(ctx, sessionID, event.TypeDecomposition, payload); err != nil {
			return state.Failed(&st, err)
		}

		clarification := &state.Clarification{Question: question}
		st.PendingClarification = clarification
		st.ShouldStop = true
		st.StopReason = state.StopReasonClarificationNeeded
		if err := runtime.Checkpoints().Save(ctx, st); err != nil {
			return state.Failed(&st, err)
		}
		return state.Paused(&st, state.StopReasonClarificationNeeded, clarification)
	}
}

func TestPauseAnswerResumeComplete(t *testing.T) {
	runtime := newTestRuntime(t)
	ctx := context.Background()

	err := runtime.StartSession(ctx, "sess-1", "user-1", pauseForClarification(runtime, "sess-1", "which audience?"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	record := waitForStatus(t, runtime, "sess-1", session.StatusPaused)
	if record.PendingClarification == nil {
		t.Fatal("paused session lost its pending clarification")
	}

	answered, err := runtime.SubmitAnswer(ctx, "sess-1", "user-1", "engineers")
	if err != nil {
		t.Fatalf("submit answer: %v", err)
	}
	if answered.PendingClarification != nil {
		t.Error("answer should clear the pending clarification")
	}

	// Resume: the work reads the answer out of the checkpoint and finishes.
	err = runtime.StartSession(ctx, "sess-1", "user-1", func(ctx context.Context) state.Outcome {
		snap, err := runtime.Checkpoints().Load(ctx, "sess-1")
		if err != nil {
			return state.Failed(nil, err)
		}
		if len(snap.State.AnsweredClarifications) != 1 || snap.State.AnsweredClarifications[0].Answer != "engineers" {
			return state.Failed(&snap.State, errors.New("answer missing from checkpoint"))
		}
		st := snap.State
		st.Synthesis = "ship it"
		return state.Completed(&st, "ship it")
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitForStatus(t, runtime, "sess-1", session.StatusCompleted)

	events, err := runtime.Sessions().ListEvents(ctx, "sess-1", 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != event.TypeComplete {
		t.Errorf("last journal event = %s, want complete", last.Type)
	}
}

func TestStartNewSessionGeneratesID(t *testing.T) {
	runtime := newTestRuntime(t)
	ctx := context.Background()

	sessionID, err := runtime.StartNewSession(ctx, "user-1", func(ctx context.Context) state.Outcome {
		return state.Completed(nil, "quick verdict")
	})
	if err != nil {
		t.Fatalf("start new session: %v", err)
	}
	if len(sessionID) != 26 {
		t.Fatalf("session id = %q, want 26 characters", sessionID)
	}

	record := waitForStatus(t, runtime, sessionID, session.StatusCompleted)
	if record.OwnerID != "user-1" {
		t.Errorf("owner = %q, want user-1", record.OwnerID)
	}
}

func TestSubmitAnswerRequiresOwner(t *testing.T) {
	runtime := newTestRuntime(t)
	ctx := context.Background()

	if err := runtime.StartSession(ctx, "sess-1", "user-1", pauseForClarification(runtime, "sess-1", "scope?")); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, runtime, "sess-1", session.StatusPaused)

	_, err := runtime.SubmitAnswer(ctx, "sess-1", "user-2", "not mine")
	if !errors.Is(err, apperrors.New(apperrors.CodePermissionDenied, "")) {
		t.Fatalf("non-owner answer error = %v, want permission denied", err)
	}
}

func TestSubmitAnswerSurvivesCheckpointLoss(t *testing.T) {
	runtime := newTestRuntime(t)
	ctx := context.Background()

	if err := runtime.StartSession(ctx, "sess-1", "user-1", pauseForClarification(runtime, "sess-1", "deadline?")); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, runtime, "sess-1", session.StatusPaused)

	// Simulate a fast-store wipe between pause and answer.
	if err := runtime.Checkpoints().Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("drop checkpoint: %v", err)
	}

	answered, err := runtime.SubmitAnswer(ctx, "sess-1", "user-1", "friday")
	if err != nil {
		t.Fatalf("submit answer after checkpoint loss: %v", err)
	}
	if len(answered.AnsweredClarifications) != 1 || answered.AnsweredClarifications[0].Answer != "friday" {
		t.Fatalf("answered clarifications = %+v", answered.AnsweredClarifications)
	}
	if len(answered.Decomposition) != 1 {
		t.Fatalf("reconstruction lost the decomposition: %+v", answered.Decomposition)
	}

	// The answered state was saved back, so a resume reads it normally.
	snap, err := runtime.Checkpoints().Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load checkpoint after answer: %v", err)
	}
	if len(snap.State.AnsweredClarifications) != 1 {
		t.Fatalf("saved state = %+v", snap.State)
	}
}
