package turn

import (
	"time"

	"github.com/ent0n29/chatrelay/internal/llm"
	"github.com/ent0n29/chatrelay/internal/relay"
)

// State tracks a turn's progress.
type State string

const (
	StateIdle          State = "idle"
	StateContextLoaded State = "context_loaded"
	StateRelaying      State = "relaying"
	StateCompleted     State = "completed"
	StateAborted       State = "aborted"
)

// Warning codes carried to clients when a completed turn was not fully saved.
const (
	WarnContextNotSaved = "context_not_saved"
	WarnHistoryNotSaved = "history_not_saved"
)

// Outcome is the final report of one turn.
type Outcome struct {
	SessionID  string
	TurnID     string
	State      State
	Completion llm.Completion
	Timestamp  time.Time
	// Err is the upstream or cancellation cause of an aborted turn.
	Err error
	// ContextErr and HistoryErr are independent write failures of a
	// completed turn.
	ContextErr error
	HistoryErr error
}

func (o Outcome) Completed() bool { return o.State == StateCompleted }

func (o Outcome) Warnings() []string {
	var out []string
	if o.ContextErr != nil {
		out = append(out, WarnContextNotSaved)
	}
	if o.HistoryErr != nil {
		out = append(out, WarnHistoryNotSaved)
	}
	return out
}

// Stream is an in-flight streaming turn.
type Stream struct {
	sessionID string
	turnID    string

	deltas  chan relay.Delta
	done    chan struct{}
	cancel  func(error)
	outcome Outcome
}

func (s *Stream) SessionID() string { return s.sessionID }
func (s *Stream) TurnID() string    { return s.turnID }

// Deltas yields relayed deltas. It closes once the turn is committed or
// abandoned.
func (s *Stream) Deltas() <-chan relay.Delta { return s.deltas }

// Outcome waits for the turn to finish.
func (s *Stream) Outcome() Outcome {
	<-s.done
	return s.outcome
}

// Cancel abandons the turn. Nothing is written to context or history.
func (s *Stream) Cancel() {
	s.cancel(relay.ErrStreamClosed)
}

// Close cancels the turn if it is still running and waits for it to end.
func (s *Stream) Close() Outcome {
	s.Cancel()
	return s.Outcome()
}
