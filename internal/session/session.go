// Package session tracks the lifecycle state of one inbound call and mirrors
// it into a key-value store for operational visibility.
//
// The [Session] state machine is the authority on which transitions are legal;
// the KV mirror is observability only and never consulted for decisions.
package session

import (
	"fmt"
	"sync"
	"time"
)

// State is a call lifecycle state.
type State string

const (
	StateConnected    State = "connected"
	StateGreeting     State = "greeting"
	StateListening    State = "listening"
	StateProcessing   State = "processing"
	StateSpeaking     State = "speaking"
	StateTransferring State = "transferring"
	StateEnded        State = "ended"
)

// legalTransitions enumerates the allowed state edges. Ended is reachable
// from every state (hangup or fatal error) and is handled separately in
// Transition.
var legalTransitions = map[State][]State{
	StateConnected:  {StateGreeting},
	StateGreeting:   {StateListening},
	StateListening:  {StateProcessing},
	StateProcessing: {StateSpeaking},
	StateSpeaking:   {StateListening, StateTransferring},
}

// Session is the in-process state of one call. All methods are safe for
// concurrent use; the ingress and dialogue loops of a call share one Session.
type Session struct {
	mu sync.Mutex

	callID              string
	state               State
	startedAt           time.Time
	lastActivityAt      time.Time
	consecutiveTimeouts int
}

// New creates a Session in [StateConnected].
func New(callID string) *Session {
	now := time.Now()
	return &Session{
		callID:         callID,
		state:          StateConnected,
		startedAt:      now,
		lastActivityAt: now,
	}
}

// CallID returns the call UUID from the Identify frame.
func (s *Session) CallID() string { return s.callID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to a new state. An illegal edge is a
// programming error in the pipeline and aborts the call; it is never
// silently absorbed.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to == StateEnded {
		s.state = StateEnded
		return nil
	}
	if s.state == StateEnded {
		return fmt.Errorf("session %s: transition %s -> %s: call already ended", s.callID, s.state, to)
	}
	for _, allowed := range legalTransitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("session %s: illegal transition %s -> %s", s.callID, s.state, to)
}

// Touch records inbound activity (any interim or final transcript) and
// resets the consecutive silence-timeout counter.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now()
	s.consecutiveTimeouts = 0
}

// RecordTimeout increments the consecutive silence-timeout counter and
// returns the new count.
func (s *Session) RecordTimeout() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveTimeouts++
	return s.consecutiveTimeouts
}

// StartedAt returns when the call connected.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// LastActivityAt returns the time of the most recent caller activity.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// Snapshot captures the session for the KV mirror.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CallID:              s.callID,
		State:               s.state,
		StartedAt:           s.startedAt,
		LastActivityAt:      s.lastActivityAt,
		ConsecutiveTimeouts: s.consecutiveTimeouts,
	}
}
