// Package event defines the immutable progress events appended to the
// durable journal and mirrored over the fast store's pub/sub channels.
package event

import (
	"time"

	"github.com/symposium-ai/symposium/internal/services/control/domain/state"
)

// Type identifies the kind of progress event.
type Type string

const (
	// TypeDecomposition records the problem decomposition produced at session start.
	TypeDecomposition Type = "decomposition"
	// TypeRoundResult records one discussion round's opaque payload.
	TypeRoundResult Type = "round_result"
	// TypeClarificationRequest records a question posed to the user.
	TypeClarificationRequest Type = "clarification_request"
	// TypeSynthesis records an intermediate synthesis payload.
	TypeSynthesis Type = "synthesis"
	// TypeComplete terminates a watch stream: the session finished with a result.
	TypeComplete Type = "complete"
	// TypeError terminates a watch stream: the session finished with an error.
	TypeError Type = "error"
)

// Event is one immutable journal entry. Seq starts at 1 and is strictly
// increasing per session; it is assigned by the durable store on append.
type Event struct {
	SessionID   string    `json:"session_id"`
	Seq         uint64    `json:"seq"`
	Type        Type      `json:"type"`
	PayloadJSON []byte    `json:"payload_json,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// IsTerminal reports whether the event type ends a watch stream.
func (t Type) IsTerminal() bool {
	return t == TypeComplete || t == TypeError
}

// DecompositionPayload is the well-known payload of a decomposition event.
// Recovery parses it to rebuild lost execution state from the journal.
type DecompositionPayload struct {
	SubProblems []state.SubProblem `json:"sub_problems"`
}

// ClarificationRequestPayload is the well-known payload of a
// clarification_request event.
type ClarificationRequestPayload struct {
	Question string `json:"question"`
}

// CompletePayload is the payload of a complete event.
type CompletePayload struct {
	Synthesis string `json:"synthesis"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Error string `json:"error"`
}
