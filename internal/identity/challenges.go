package identity

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrChallengePending  = errors.New("session already has a pending challenge")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrWrongSession      = errors.New("challenge belongs to another session")
)

// PendingChallenge binds a nonce to one session's identify attempt.
type PendingChallenge struct {
	ID        string
	SessionID string
	Name      string
	Pubkey    string
	Nonce     string
	ExpiresAt time.Time
}

// ChallengeStore tracks outstanding proof-of-key challenges. Entries are
// removed on success, failure, expiry, or session close.
type ChallengeStore struct {
	mu        sync.Mutex
	byID      map[string]*PendingChallenge
	bySession map[string]string
	ttl       time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewChallengeStore creates a store issuing challenges valid for ttl.
func NewChallengeStore(ttl time.Duration) *ChallengeStore {
	return &ChallengeStore{
		byID:      make(map[string]*PendingChallenge),
		bySession: make(map[string]string),
		ttl:       ttl,
		stop:      make(chan struct{}),
	}
}

// Create allocates a challenge for the session. One pending challenge per
// session; a second IDENTIFY while one is outstanding is a protocol misuse.
func (s *ChallengeStore) Create(sessionID, name, pubkey string, now time.Time) (*PendingChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.bySession[sessionID]; ok {
		if ch := s.byID[id]; ch != nil && now.Before(ch.ExpiresAt) {
			return nil, ErrChallengePending
		}
		delete(s.byID, id)
		delete(s.bySession, sessionID)
	}

	ch := &PendingChallenge{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		Pubkey:    pubkey,
		Nonce:     NewNonce(),
		ExpiresAt: now.Add(s.ttl),
	}
	s.byID[ch.ID] = ch
	s.bySession[sessionID] = ch.ID
	return ch, nil
}

// Take removes and returns the challenge if it belongs to the session and has
// not expired. A challenge expiring exactly at now is already expired.
func (s *ChallengeStore) Take(challengeID, sessionID string, now time.Time) (*PendingChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.byID[challengeID]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	if ch.SessionID != sessionID {
		return nil, ErrWrongSession
	}
	delete(s.byID, challengeID)
	delete(s.bySession, sessionID)
	if !now.Before(ch.ExpiresAt) {
		return nil, ErrChallengeExpired
	}
	return ch, nil
}

// DropSession clears any challenge bound to a closing session.
func (s *ChallengeStore) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.bySession[sessionID]; ok {
		delete(s.byID, id)
		delete(s.bySession, sessionID)
	}
}

// Len reports the number of outstanding challenges.
func (s *ChallengeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// StartSweeper evicts expired challenges in the background until Stop.
func (s *ChallengeStore) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.sweep(time.Now()); n > 0 {
					slog.Debug("expired identity challenges evicted", "count", n)
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweeper.
func (s *ChallengeStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *ChallengeStore) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, ch := range s.byID {
		if !now.Before(ch.ExpiresAt) {
			delete(s.byID, id)
			delete(s.bySession, ch.SessionID)
			n++
		}
	}
	return n
}
