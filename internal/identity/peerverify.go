package identity

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrVerifyNotFound = errors.New("verification request not found")
	ErrVerifyExpired  = errors.New("verification request expired")
)

// PendingVerify is one outstanding peer-verification request from one agent
// to another.
type PendingVerify struct {
	ID        string
	From      string
	Target    string
	Nonce     string
	ExpiresAt time.Time
}

// PeerVerifyStore tracks VERIFY_REQUEST nonces awaiting a signed response.
type PeerVerifyStore struct {
	mu   sync.Mutex
	byID map[string]*PendingVerify
	ttl  time.Duration
}

// NewPeerVerifyStore creates a store whose requests expire after ttl.
func NewPeerVerifyStore(ttl time.Duration) *PeerVerifyStore {
	return &PeerVerifyStore{byID: make(map[string]*PendingVerify), ttl: ttl}
}

// Create registers a request from one agent targeting another with the
// challenger-chosen nonce.
func (s *PeerVerifyStore) Create(from, target, nonce string, now time.Time) *PendingVerify {
	s.mu.Lock()
	defer s.mu.Unlock()
	pv := &PendingVerify{
		ID:        uuid.NewString(),
		From:      from,
		Target:    target,
		Nonce:     nonce,
		ExpiresAt: now.Add(s.ttl),
	}
	s.byID[pv.ID] = pv
	return pv
}

// Take removes and returns a request by id, checking expiry.
func (s *PeerVerifyStore) Take(id string, now time.Time) (*PendingVerify, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pv, ok := s.byID[id]
	if !ok {
		return nil, ErrVerifyNotFound
	}
	delete(s.byID, id)
	if !now.Before(pv.ExpiresAt) {
		return nil, ErrVerifyExpired
	}
	return pv, nil
}

// TakeByResponse matches a VERIFY_RESPONSE that carries no request id: the
// responder and the echoed nonce identify the request.
func (s *PeerVerifyStore) TakeByResponse(target, nonce string, now time.Time) (*PendingVerify, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pv := range s.byID {
		if pv.Target == target && pv.Nonce == nonce {
			delete(s.byID, id)
			if !now.Before(pv.ExpiresAt) {
				return nil, ErrVerifyExpired
			}
			return pv, nil
		}
	}
	return nil, ErrVerifyNotFound
}

// DropAgent clears requests involving a departing agent and returns them so
// the caller can notify counterparties.
func (s *PeerVerifyStore) DropAgent(agentID string) []*PendingVerify {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []*PendingVerify
	for id, pv := range s.byID {
		if pv.From == agentID || pv.Target == agentID {
			dropped = append(dropped, pv)
			delete(s.byID, id)
		}
	}
	return dropped
}

// Len reports outstanding requests.
func (s *PeerVerifyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
