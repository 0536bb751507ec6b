package registration

import (
	"sync"
	"time"
)

// Step is where a subscriber is in the registration dialogue.
type Step int

const (
	StepIdle Step = iota
	StepAwaitingUnit
	StepAwaitingDate
	StepAwaitingHour
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepAwaitingUnit:
		return "awaiting_unit"
	case StepAwaitingDate:
		return "awaiting_date"
	case StepAwaitingHour:
		return "awaiting_hour"
	default:
		return "unknown"
	}
}

// session holds the partial answers of one registration attempt. All
// fields are guarded by mu; gone is set once the session was replaced,
// cancelled or committed.
type session struct {
	mu   sync.Mutex
	step Step
	unit int
	date time.Time
	gone bool
}

// Sessions is the in-memory dialogue state, one entry per subscriber.
// The map lock is held only for lookups; each session has its own lock so
// subscribers never wait on each other.
type Sessions struct {
	mu sync.Mutex
	m  map[string]*session
}

func NewSessions() *Sessions { return &Sessions{m: map[string]*session{}} }

func (s *Sessions) get(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[id]
}

func (s *Sessions) put(id string, sess *session) {
	s.mu.Lock()
	s.m[id] = sess
	s.mu.Unlock()
}

// remove deletes id only if it still maps to sess.
func (s *Sessions) remove(id string, sess *session) {
	s.mu.Lock()
	if s.m[id] == sess {
		delete(s.m, id)
	}
	s.mu.Unlock()
}

// Len is the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Step reports where id currently is; StepIdle when there is no session.
func (s *Sessions) Step(id string) Step {
	sess := s.get(id)
	if sess == nil {
		return StepIdle
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.gone {
		return StepIdle
	}
	return sess.step
}
