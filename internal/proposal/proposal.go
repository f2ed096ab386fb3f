// Package proposal holds the deal lifecycle: pending offers, acceptance
// with stakes, completion, disputes and expiry. The store owns only the
// state machine; signature checks and reputation calls happen in the
// handlers, which re-validate state here after any suspension.
package proposal

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentchat/server/internal/protocol"
)

var (
	ErrNotFound = errors.New("proposal not found")
	ErrExists   = errors.New("proposal already exists")
	ErrNotParty = errors.New("agent is not a party to the proposal")
	ErrBadState = errors.New("proposal is not in the required state")
	ErrExpired  = errors.New("proposal has expired")
)

// Proposal is a deal between two agents.
type Proposal struct {
	ID               string
	From             string
	To               string
	Task             string // stored post-redaction
	Amount           float64
	Currency         string
	PaymentCode      string
	EloStakeProposer int
	EloStakeAcceptor int
	ExpiresAt        int64 // epoch ms
	Signature        string
	Status           string
	StakesEscrowed   bool
	DisputeID        string
	CreatedAt        int64
	UpdatedAt        int64
}

// Party reports whether the agent is one of the two principals.
func (p *Proposal) Party(agentID string) bool {
	return agentID == p.From || agentID == p.To
}

// Counterparty returns the other principal.
func (p *Proposal) Counterparty(agentID string) string {
	if agentID == p.From {
		return p.To
	}
	return p.From
}

// View renders the wire shape.
func (p *Proposal) View() protocol.ProposalView {
	return protocol.ProposalView{
		ID:               p.ID,
		From:             p.From,
		To:               p.To,
		Task:             p.Task,
		Amount:           p.Amount,
		Currency:         p.Currency,
		PaymentCode:      p.PaymentCode,
		EloStakeProposer: p.EloStakeProposer,
		EloStakeAcceptor: p.EloStakeAcceptor,
		ExpiresAt:        p.ExpiresAt,
		Status:           p.Status,
		CreatedAt:        p.CreatedAt,
	}
}

// Store owns every proposal for the process lifetime.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*Proposal
}

func NewStore() *Store {
	return &Store{byID: make(map[string]*Proposal)}
}

// Create records a new pending proposal.
func (s *Store) Create(p Proposal, nowMs int64) error {
	if p.ID == "" || p.From == "" || p.To == "" {
		return fmt.Errorf("%w: missing id or parties", ErrBadState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; ok {
		return ErrExists
	}
	p.Status = protocol.ProposalPending
	p.CreatedAt = nowMs
	p.UpdatedAt = nowMs
	s.byID[p.ID] = &p
	return nil
}

// Get returns a copy.
func (s *Store) Get(id string) (Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	return *p, nil
}

// expireLocked flips a stale pending proposal in place.
func expireLocked(p *Proposal, nowMs int64) bool {
	if p.Status == protocol.ProposalPending && p.ExpiresAt > 0 && nowMs >= p.ExpiresAt {
		p.Status = protocol.ProposalExpired
		p.UpdatedAt = nowMs
		return true
	}
	return false
}

// Accept moves pending -> accepted for the addressed party, recording the
// acceptor's stake. A stale pending proposal expires instead, even if the
// sweeper has not reached it yet.
func (s *Store) Accept(id, acceptor string, acceptorStake int, nowMs int64) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	if p.To != acceptor {
		return *p, ErrNotParty
	}
	if expireLocked(p, nowMs) {
		return *p, ErrExpired
	}
	if p.Status != protocol.ProposalPending {
		return *p, fmt.Errorf("%w: %s", ErrBadState, p.Status)
	}
	p.Status = protocol.ProposalAccepted
	p.EloStakeAcceptor = acceptorStake
	p.UpdatedAt = nowMs
	return *p, nil
}

// SetEscrowed records whether the escrow opened after acceptance.
func (s *Store) SetEscrowed(id string, escrowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byID[id]; ok {
		p.StakesEscrowed = escrowed
	}
}

// Reject moves pending -> rejected. Only the addressed party may reject.
func (s *Store) Reject(id, rejector string, nowMs int64) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	if p.To != rejector {
		return *p, ErrNotParty
	}
	if expireLocked(p, nowMs) {
		return *p, ErrExpired
	}
	if p.Status != protocol.ProposalPending {
		return *p, fmt.Errorf("%w: %s", ErrBadState, p.Status)
	}
	p.Status = protocol.ProposalRejected
	p.UpdatedAt = nowMs
	return *p, nil
}

// Complete moves accepted -> completed. Either party may report completion;
// settlement favors whoever does.
func (s *Store) Complete(id, completer string, nowMs int64) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	if !p.Party(completer) {
		return *p, ErrNotParty
	}
	if p.Status != protocol.ProposalAccepted {
		return *p, fmt.Errorf("%w: %s", ErrBadState, p.Status)
	}
	p.Status = protocol.ProposalCompleted
	p.UpdatedAt = nowMs
	return *p, nil
}

// MarkDisputed moves accepted -> disputed and links the dispute.
func (s *Store) MarkDisputed(id, disputant, disputeID string, nowMs int64) (Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	if !p.Party(disputant) {
		return *p, ErrNotParty
	}
	if p.Status != protocol.ProposalAccepted {
		return *p, fmt.Errorf("%w: %s", ErrBadState, p.Status)
	}
	p.Status = protocol.ProposalDisputed
	p.DisputeID = disputeID
	p.UpdatedAt = nowMs
	return *p, nil
}

// SweepExpired expires every stale pending proposal and returns copies for
// notification.
func (s *Store) SweepExpired(nowMs int64) []Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Proposal
	for _, p := range s.byID {
		if expireLocked(p, nowMs) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByAgent returns copies of every proposal the agent is party to,
// newest first.
func (s *Store) ListByAgent(agentID string) []Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Proposal
	for _, p := range s.byID {
		if p.Party(agentID) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CountByStatus reports proposal counts for the stats surface.
func (s *Store) CountByStatus() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, p := range s.byID {
		out[p.Status]++
	}
	return out
}

// RenameParty rewrites an agent id across all proposals on identity
// migration.
func (s *Store) RenameParty(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byID {
		if p.From == oldID {
			p.From = newID
		}
		if p.To == oldID {
			p.To = newID
		}
	}
}

// Len reports the number of proposals held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
