package upload

import (
	"fmt"
	"time"
)

// State of an upload session. Sessions move strictly forward; a session
// never regresses.
type State string

const (
	StateInitiated  State = "INITIATED"
	StateAppending  State = "APPENDING"
	StateFinalizing State = "FINALIZING"
	StateProcessing State = "PROCESSING"
	StateReady      State = "READY"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// transitions is the total transition relation. FAILED is reachable from
// every non-terminal state.
var transitions = map[State][]State{
	StateInitiated:  {StateAppending, StateFailed},
	StateAppending:  {StateFinalizing, StateFailed},
	StateFinalizing: {StateProcessing, StateReady, StateFailed},
	StateProcessing: {StateProcessing, StateReady, StateFailed},
}

// Session tracks one asset's upload. It is created per asset, held only in
// memory, and discarded on a terminal state.
type Session struct {
	MediaID    string
	BytesSent  int64
	TotalBytes int64
	ChunkIndex int
	NextCheck  time.Time

	state State
}

func newSession(totalBytes int64) *Session {
	return &Session{TotalBytes: totalBytes, state: StateInitiated}
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// advance moves the session to the next state, rejecting any transition the
// relation does not allow.
func (s *Session) advance(to State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal upload session transition %s -> %s", s.state, to)
}
