package captcha

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// FailAction is the policy applied when max attempts are exceeded.
type FailAction string

const (
	FailDisconnect FailAction = "disconnect"
	FailShadowLurk FailAction = "shadow_lurk"
)

// ParseFailAction maps a config string to a FailAction, defaulting to
// disconnect.
func ParseFailAction(s string) FailAction {
	if s == string(FailShadowLurk) {
		return FailShadowLurk
	}
	return FailDisconnect
}

// Registration is the handshake context captured when the captcha is
// dispatched, replayed when it completes.
type Registration struct {
	Name      string
	Pubkey    string // empty for ephemeral identities
	Ephemeral bool
}

// Pending is one outstanding captcha bound to a session.
type Pending struct {
	ID           string
	SessionID    string
	Question     Question
	Registration Registration
	Attempts     int
	ExpiresAt    time.Time
}

// Outcome classifies an answer attempt.
type Outcome int

const (
	OutcomeNotFound Outcome = iota
	OutcomeExpired
	OutcomeCorrect
	OutcomeWrong    // attempts remain
	OutcomeExceeded // max attempts reached, apply fail action
)

// Store tracks pending captchas per session.
type Store struct {
	mu          sync.Mutex
	byID        map[string]*Pending
	bySession   map[string]string
	ttl         time.Duration
	maxAttempts int
}

// NewStore creates a pending-captcha store.
func NewStore(ttl time.Duration, maxAttempts int) *Store {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Store{
		byID:        make(map[string]*Pending),
		bySession:   make(map[string]string),
		ttl:         ttl,
		maxAttempts: maxAttempts,
	}
}

// Dispatch registers a captcha for the session, replacing any prior one.
func (s *Store) Dispatch(sessionID string, q Question, reg Registration, now time.Time) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.bySession[sessionID]; ok {
		delete(s.byID, old)
	}
	p := &Pending{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Question:     q,
		Registration: reg,
		ExpiresAt:    now.Add(s.ttl),
	}
	s.byID[p.ID] = p
	s.bySession[sessionID] = p.ID
	return p
}

// AttemptsLeft reports remaining attempts for a pending captcha.
func (s *Store) AttemptsLeft(captchaID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[captchaID]
	if !ok {
		return 0
	}
	return s.maxAttempts - p.Attempts
}

// Attempt evaluates one answer. Correct, exceeded, and expired outcomes
// consume the entry; a wrong answer with attempts remaining leaves it
// pending. The registration context and remaining attempts accompany the
// outcome.
func (s *Store) Attempt(captchaID, sessionID, answer string, now time.Time) (Outcome, *Pending, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[captchaID]
	if !ok || p.SessionID != sessionID {
		return OutcomeNotFound, nil, 0
	}
	if !now.Before(p.ExpiresAt) {
		s.removeLocked(p)
		return OutcomeExpired, p, 0
	}

	if Validate(p.Question, answer) {
		s.removeLocked(p)
		return OutcomeCorrect, p, s.maxAttempts - p.Attempts
	}

	p.Attempts++
	left := s.maxAttempts - p.Attempts
	if left <= 0 {
		s.removeLocked(p)
		return OutcomeExceeded, p, 0
	}
	return OutcomeWrong, p, left
}

// DropSession clears any captcha bound to a closing session.
func (s *Store) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.bySession[sessionID]; ok {
		if p := s.byID[id]; p != nil {
			s.removeLocked(p)
		}
	}
}

// Len reports outstanding captchas.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *Store) removeLocked(p *Pending) {
	delete(s.byID, p.ID)
	delete(s.bySession, p.SessionID)
}
