package link

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State of a link session.
type State int

const (
	StateIdle State = iota
	StateSending
	StateAwaitingResponse
	StateRetrying
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateRetrying:
		return "retrying"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

var validTransitions = map[State][]State{
	StateIdle:             {StateSending, StateFailed},
	StateSending:          {StateAwaitingResponse, StateSuccess, StateFailed},
	StateAwaitingResponse: {StateSuccess, StateRetrying, StateFailed},
	StateRetrying:         {StateSending, StateFailed},
}

// Session is one request/response exchange with a single target. It is
// created for one command and discarded once it reaches a terminal state.
type Session struct {
	ID       uuid.UUID
	Command  string
	Target   byte
	State    State
	Attempts int
	LastSent []byte
	Timeout  time.Duration
	Started  time.Time
	// History lists every state entered, Idle first.
	History []State
}

func newSession(command string, target byte, timeout time.Duration) *Session {
	return &Session{
		ID:      uuid.New(),
		Command: command,
		Target:  target,
		State:   StateIdle,
		Timeout: timeout,
		Started: time.Now(),
		History: []State{StateIdle},
	}
}

func (s *Session) transition(to State) error {
	for _, allowed := range validTransitions[s.State] {
		if allowed == to {
			s.State = to
			s.History = append(s.History, to)
			return nil
		}
	}
	return fmt.Errorf("session %s: invalid transition %s -> %s", s.ID, s.State, to)
}

// Retries returns the number of re-sends performed.
func (s *Session) Retries() int {
	if s.Attempts == 0 {
		return 0
	}
	return s.Attempts - 1
}
