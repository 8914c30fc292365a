// Package state defines the execution-state snapshot the control plane
// checkpoints and the tagged outcome a unit of work reports on completion.
// The reasoning content inside these structures is opaque to the control
// plane; it is transported and checkpointed, never interpreted.
package state

import "strings"

// StopReasonClarificationNeeded marks execution stopped to ask the user a question.
const StopReasonClarificationNeeded = "clarification_needed"

// SubProblem is one entry of a problem decomposition.
type SubProblem struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// RoundResult carries the opaque payload produced by one discussion round.
type RoundResult struct {
	SubProblemIndex int    `json:"sub_problem_index"`
	RoundNumber     int    `json:"round_number"`
	PayloadJSON     []byte `json:"payload_json,omitempty"`
}

// Clarification is a question payload currently blocking progress.
type Clarification struct {
	Question string `json:"question"`
	Answer   string `json:"answer,omitempty"`
}

// State is the full execution-state snapshot for one session.
type State struct {
	SessionID            string         `json:"session_id"`
	Decomposition        []SubProblem   `json:"decomposition"`
	RoundResults         []RoundResult  `json:"round_results,omitempty"`
	RoundNumber          int            `json:"round_number"`
	SubProblemIndex      int            `json:"sub_problem_index"`
	ShouldStop           bool           `json:"should_stop"`
	StopReason           string         `json:"stop_reason,omitempty"`
	PendingClarification *Clarification `json:"pending_clarification,omitempty"`
	// AnsweredClarifications keeps resolved questions so the engine can read
	// answers after the pending marker is cleared.
	AnsweredClarifications []Clarification `json:"answered_clarifications,omitempty"`
	Synthesis              string          `json:"synthesis,omitempty"`
}

// AwaitingClarification reports whether the state is blocked on an
// unanswered clarifying question.
func (s State) AwaitingClarification() bool {
	if s.PendingClarification != nil && s.PendingClarification.Answer == "" {
		return true
	}
	return s.StopReason == StopReasonClarificationNeeded
}

// HasDecomposition reports whether the decomposition sub-structure is intact.
// An empty decomposition on a previously-saved state is corruption, not
// "no sub-problems".
func (s State) HasDecomposition() bool {
	return len(s.Decomposition) > 0
}

// HasSynthesis reports whether a synthesized terminal artifact is present.
func (s State) HasSynthesis() bool {
	return strings.TrimSpace(s.Synthesis) != ""
}

// OutcomeKind tags the closed set of results a unit of work can end with.
type OutcomeKind int

const (
	// OutcomeUnspecified represents an invalid outcome value.
	OutcomeUnspecified OutcomeKind = iota
	// OutcomeCompleted indicates execution produced a synthesized result.
	OutcomeCompleted
	// OutcomePaused indicates execution stopped awaiting external input.
	OutcomePaused
	// OutcomeFailed indicates execution finished without a result.
	OutcomeFailed
)

// Outcome is the tagged result a unit of work returns, replacing runtime
// inspection of an untyped result bag.
type Outcome struct {
	Kind          OutcomeKind
	State         *State
	Artifact      string
	Reason        string
	Clarification *Clarification
	Err           error
}

// Completed builds a completed outcome carrying the terminal artifact.
func Completed(st *State, artifact string) Outcome {
	return Outcome{Kind: OutcomeCompleted, State: st, Artifact: artifact}
}

// Paused builds a paused outcome carrying the blocking clarification.
func Paused(st *State, reason string, clarification *Clarification) Outcome {
	return Outcome{Kind: OutcomePaused, State: st, Reason: reason, Clarification: clarification}
}

// Failed builds a failed outcome wrapping the execution error.
func Failed(st *State, err error) Outcome {
	return Outcome{Kind: OutcomeFailed, State: st, Err: err}
}
