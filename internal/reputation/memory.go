package reputation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the default backend: a mutex-guarded ledger suitable for
// single-process deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	ratings map[string]*Rating
	escrows map[string]*Escrow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ratings: make(map[string]*Rating),
		escrows: make(map[string]*Escrow),
	}
}

// Seed installs a standing directly, for boot fixtures and tests.
func (s *MemoryStore) Seed(agentID string, rating, transactions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings[agentID] = &Rating{Rating: rating, Transactions: transactions}
}

func (s *MemoryStore) ensureLocked(agentID string) *Rating {
	r, ok := s.ratings[agentID]
	if !ok {
		r = &Rating{Rating: DefaultRating}
		s.ratings[agentID] = r
	}
	return r
}

func (s *MemoryStore) GetRating(_ context.Context, agentID string) (Rating, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.ratings[agentID]; ok {
		return *r, nil
	}
	return Rating{Rating: DefaultRating}, nil
}

func (s *MemoryStore) CanStake(ctx context.Context, agentID string, amount int) (StakeCheck, error) {
	r, err := s.GetRating(ctx, agentID)
	if err != nil {
		return StakeCheck{}, err
	}
	return checkStake(r.Rating, amount), nil
}

func (s *MemoryStore) CreateEscrow(_ context.Context, proposalID string, proposer, acceptor EscrowSide, expiresAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.escrows[proposalID]; ok && e.Status == EscrowOpen {
		return ErrEscrowExists
	}
	s.escrows[proposalID] = &Escrow{
		ProposalID: proposalID,
		Proposer:   proposer,
		Acceptor:   acceptor,
		ExpiresAt:  expiresAtMs,
		Status:     EscrowOpen,
		CreatedAt:  time.Now().UnixMilli(),
	}
	return nil
}

// Escrow returns a copy of the escrow record, if any.
func (s *MemoryStore) Escrow(proposalID string) (Escrow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[proposalID]
	if !ok {
		return Escrow{}, false
	}
	return *e, true
}

func (s *MemoryStore) releaseLocked(proposalID string) {
	if e, ok := s.escrows[proposalID]; ok {
		e.Status = EscrowReleased
	}
}

func (s *MemoryStore) applyLocked(agentID string, delta int) {
	r := s.ensureLocked(agentID)
	r.Rating += delta
	if r.Rating < 0 {
		r.Rating = 0
	}
}

func (s *MemoryStore) ProcessCompletion(_ context.Context, c Completion) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deltas := CompletionDeltas(c)
	for agent, d := range deltas {
		s.applyLocked(agent, d)
	}
	s.ensureLocked(c.Completer).Transactions++
	s.ensureLocked(c.Counterparty).Transactions++
	s.releaseLocked(c.ProposalID)
	return deltas, nil
}

func (s *MemoryStore) ProcessDispute(_ context.Context, d Dispute) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(d.ProposalID)
	return map[string]int{d.Disputant: 0, d.Respondent: 0}, nil
}

func (s *MemoryStore) ApplyVerdictSettlement(_ context.Context, st Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for agent, d := range st.Deltas {
		s.applyLocked(agent, d)
	}
	for _, p := range st.Parties {
		s.ensureLocked(p).Transactions++
	}
	s.releaseLocked(st.ProposalID)
	return nil
}

func (s *MemoryStore) MigrateAgentID(_ context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.ratings[oldID]; ok {
		s.ratings[newID] = r
		delete(s.ratings, oldID)
	}
	for _, e := range s.escrows {
		if e.Proposer.AgentID == oldID {
			e.Proposer.AgentID = newID
		}
		if e.Acceptor.AgentID == oldID {
			e.Acceptor.AgentID = newID
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
