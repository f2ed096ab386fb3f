package arbitration

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/server/internal/identity"
	"github.com/agentchat/server/internal/protocol"
)

// Timeouts parameterize the phase deadlines.
type Timeouts struct {
	Reveal   time.Duration
	Response time.Duration
	Evidence time.Duration
	Vote     time.Duration
}

// DefaultTimeouts returns the stock deadline configuration.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Reveal:   5 * time.Minute,
		Response: 10 * time.Minute,
		Evidence: 30 * time.Minute,
		Vote:     30 * time.Minute,
	}
}

// Store owns all disputes plus the per-dispute locks that serialize the
// reveal and decline sequences.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*Dispute
	byProposal map[string]string // proposal id -> live dispute id
	locks      map[string]*sync.Mutex
	timeouts   Timeouts
}

func NewStore(timeouts Timeouts) *Store {
	return &Store{
		byID:       make(map[string]*Dispute),
		byProposal: make(map[string]string),
		locks:      make(map[string]*sync.Mutex),
		timeouts:   timeouts,
	}
}

// Lock acquires the dispute's mutex and returns the unlock. Hold it across
// any sequence that leaves the store for a rating lookup.
func (s *Store) Lock(disputeID string) func() {
	s.mu.Lock()
	m, ok := s.locks[disputeID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[disputeID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Get returns a deep-enough copy for read-only use.
func (s *Store) Get(id string) (Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return copyDispute(d), nil
}

func copyDispute(d *Dispute) Dispute {
	out := *d
	out.Panel = append([]Slot(nil), d.Panel...)
	out.Declined = append([]string(nil), d.Declined...)
	out.Evidence = make(map[string]*Bundle, len(d.Evidence))
	for k, v := range d.Evidence {
		b := *v
		b.Items = append([]string(nil), v.Items...)
		out.Evidence[k] = &b
	}
	if d.Tally != nil {
		out.Tally = make(map[string]int, len(d.Tally))
		for k, v := range d.Tally {
			out.Tally[k] = v
		}
	}
	return out
}

// FileIntent records a commitment and opens the reveal window. One live
// dispute per proposal.
func (s *Store) FileIntent(proposalID, disputant, respondent, reason, commitment string, nowMs int64) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if liveID, ok := s.byProposal[proposalID]; ok {
		if live, exists := s.byID[liveID]; exists && !live.Terminal() {
			return Dispute{}, ErrActiveDispute
		}
	}

	d := &Dispute{
		ID:             "disp-" + uuid.NewString(),
		ProposalID:     proposalID,
		Disputant:      disputant,
		Respondent:     respondent,
		Reason:         reason,
		Commitment:     commitment,
		ServerNonce:    identity.NewNonce(),
		Phase:          PhaseRevealPending,
		Evidence:       make(map[string]*Bundle),
		RevealDeadline: nowMs + s.timeouts.Reveal.Milliseconds(),
		CreatedAt:      nowMs,
	}
	s.byID[d.ID] = d
	s.byProposal[proposalID] = d.ID
	return copyDispute(d), nil
}

// Reveal verifies the commitment preimage. The phase stays reveal_pending;
// the caller seats the panel (or falls back) under the same dispute lock.
func (s *Store) Reveal(id, disputant, nonce string, nowMs int64) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	if d.Disputant != disputant {
		return copyDispute(d), ErrNotParty
	}
	if d.Phase != PhaseRevealPending || d.RevealedNonce != "" {
		return copyDispute(d), fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	if nowMs >= d.RevealDeadline {
		return copyDispute(d), ErrDeadlinePassed
	}
	if protocol.CommitmentHash(nonce, d.Reason) != d.Commitment {
		return copyDispute(d), ErrCommitmentMismatch
	}
	d.RevealedNonce = nonce
	return copyDispute(d), nil
}

// SeatPanel installs the drawn arbiters and opens the response window.
func (s *Store) SeatPanel(id string, arbiters []string, nowMs int64) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	if d.Phase != PhaseRevealPending || d.RevealedNonce == "" {
		return copyDispute(d), fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	d.Panel = make([]Slot, 0, len(arbiters))
	for _, a := range arbiters {
		d.Panel = append(d.Panel, Slot{AgentID: a, Status: SlotPending})
	}
	d.Phase = PhaseArbiterResponse
	d.ResponseDeadline = nowMs + s.timeouts.Response.Milliseconds()
	return copyDispute(d), nil
}

// Fallback abandons the panel path. Both parties keep their stakes; the
// caller notifies them.
func (s *Store) Fallback(id string, nowMs int64) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	if d.Terminal() {
		return copyDispute(d), fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	d.Phase = PhaseFallback
	d.ResolvedAt = nowMs
	return copyDispute(d), nil
}

// AcceptSlot moves the arbiter's seat to accepted. When the last seat
// accepts, the dispute advances to evidence and the deadline starts.
func (s *Store) AcceptSlot(id, arbiter string, nowMs int64) (Dispute, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return Dispute{}, false, ErrNotFound
	}
	if d.Phase != PhaseArbiterResponse {
		return copyDispute(d), false, fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	sl := d.slot(arbiter)
	if sl == nil {
		return copyDispute(d), false, ErrNotArbiter
	}
	if sl.Status != SlotPending {
		return copyDispute(d), false, fmt.Errorf("%w: slot is %s", ErrBadPhase, sl.Status)
	}
	sl.Status = SlotAccepted

	allAccepted := true
	for _, slot := range d.Panel {
		if slot.Status != SlotAccepted {
			allAccepted = false
			break
		}
	}
	if allAccepted {
		d.Phase = PhaseEvidence
		d.EvidenceDeadline = nowMs + s.timeouts.Evidence.Milliseconds()
	}
	return copyDispute(d), allAccepted, nil
}

// DeclineSlot marks the seat declined and records the decliner. The caller
// draws a replacement (or falls back) under the dispute lock.
func (s *Store) DeclineSlot(id, arbiter string) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	if d.Phase != PhaseArbiterResponse {
		return copyDispute(d), fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	sl := d.slot(arbiter)
	if sl == nil {
		return copyDispute(d), ErrNotArbiter
	}
	if sl.Status != SlotPending {
		return copyDispute(d), fmt.Errorf("%w: slot is %s", ErrBadPhase, sl.Status)
	}
	sl.Status = SlotDeclined
	d.Declined = append(d.Declined, arbiter)
	return copyDispute(d), nil
}

// ReplaceSlot seats a replacement in the declined arbiter's chair.
func (s *Store) ReplaceSlot(id, decliner, replacement string, nowMs int64) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	if d.Phase != PhaseArbiterResponse {
		return copyDispute(d), fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	if d.ReplacementRounds >= MaxReplacementRounds {
		return copyDispute(d), ErrReplacementExhausted
	}
	for i := range d.Panel {
		if d.Panel[i].AgentID == decliner && d.Panel[i].Status == SlotDeclined {
			d.Panel[i] = Slot{AgentID: replacement, Status: SlotPending}
			d.ReplacementRounds++
			return copyDispute(d), nil
		}
	}
	return copyDispute(d), ErrNotArbiter
}

// SubmitEvidence records one bundle per party during the evidence window.
// Returns whether both parties have now filed.
func (s *Store) SubmitEvidence(id, party string, items []string, statement string, nowMs int64) (Dispute, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return Dispute{}, false, ErrNotFound
	}
	if !d.Party(party) {
		return copyDispute(d), false, ErrNotParty
	}
	if d.Phase != PhaseEvidence {
		return copyDispute(d), false, fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	if nowMs >= d.EvidenceDeadline {
		return copyDispute(d), false, ErrDeadlinePassed
	}
	if _, dup := d.Evidence[party]; dup {
		return copyDispute(d), false, ErrEvidenceFinal
	}
	d.Evidence[party] = &Bundle{
		Items:       append([]string(nil), items...),
		Statement:   statement,
		SubmittedAt: nowMs,
	}

	both := len(d.Evidence) == 2
	if both {
		d.Phase = PhaseDeliberation
		d.VoteDeadline = nowMs + s.timeouts.Vote.Milliseconds()
	}
	return copyDispute(d), both, nil
}

// CloseEvidence moves to deliberation at the evidence deadline with
// whatever bundles exist.
func (s *Store) CloseEvidence(id string, nowMs int64) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	if d.Phase != PhaseEvidence {
		return copyDispute(d), fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	d.Phase = PhaseDeliberation
	d.VoteDeadline = nowMs + s.timeouts.Vote.Milliseconds()
	return copyDispute(d), nil
}

// Vote records a secret ballot. Returns whether every live seat has voted.
func (s *Store) Vote(id, arbiter, verdict, reasoning string, nowMs int64) (Dispute, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return Dispute{}, false, ErrNotFound
	}
	if d.Phase != PhaseDeliberation {
		return copyDispute(d), false, fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}
	if nowMs >= d.VoteDeadline {
		return copyDispute(d), false, ErrDeadlinePassed
	}
	sl := d.slot(arbiter)
	if sl == nil {
		return copyDispute(d), false, ErrNotArbiter
	}
	switch sl.Status {
	case SlotVoted:
		return copyDispute(d), false, ErrAlreadyVoted
	case SlotAccepted:
	default:
		return copyDispute(d), false, ErrSlotNotAccepted
	}
	sl.Status = SlotVoted
	sl.Vote = verdict
	sl.Reasoning = reasoning
	sl.VotedAt = nowMs

	all := true
	for _, slot := range d.Panel {
		if slot.Status == SlotAccepted || slot.Status == SlotPending {
			all = false
			break
		}
	}
	return copyDispute(d), all, nil
}

// Resolve computes the majority verdict over cast ballots, forfeiting any
// seat that never voted. Ties resolve to split.
func (s *Store) Resolve(id string, nowMs int64) (Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	if d.Phase != PhaseDeliberation {
		return copyDispute(d), fmt.Errorf("%w: %s", ErrBadPhase, d.Phase)
	}

	tally := make(map[string]int)
	for i := range d.Panel {
		switch d.Panel[i].Status {
		case SlotVoted:
			tally[d.Panel[i].Vote]++
		case SlotAccepted, SlotPending:
			d.Panel[i].Status = SlotForfeited
		}
	}
	d.Tally = tally
	d.Verdict = majority(tally)
	d.Phase = PhaseResolved
	d.ResolvedAt = nowMs
	return copyDispute(d), nil
}

// majority picks the verdict with the strictly largest ballot count; any
// tie, including zero ballots, resolves to split.
func majority(tally map[string]int) string {
	best, bestCount, tie := "", -1, false
	for verdict, n := range tally {
		switch {
		case n > bestCount:
			best, bestCount, tie = verdict, n, false
		case n == bestCount:
			tie = true
		}
	}
	if best == "" || tie {
		return protocol.VerdictSplit
	}
	return best
}

// ActivePanelCount reports how many live panels the agent currently sits
// on, for the eligibility check.
func (s *Store) ActivePanelCount(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, d := range s.byID {
		if d.Terminal() {
			continue
		}
		for _, slot := range d.Panel {
			if slot.AgentID == agentID && slot.Status != SlotDeclined && slot.Status != SlotForfeited {
				count++
				break
			}
		}
	}
	return count
}

// CountByPhase reports dispute counts for the stats surface.
func (s *Store) CountByPhase() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, d := range s.byID {
		out[d.Phase]++
	}
	return out
}

// Rename rewrites an agent id across parties and panels on identity
// migration.
func (s *Store) Rename(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.byID {
		if d.Disputant == oldID {
			d.Disputant = newID
		}
		if d.Respondent == oldID {
			d.Respondent = newID
		}
		for i := range d.Panel {
			if d.Panel[i].AgentID == oldID {
				d.Panel[i].AgentID = newID
			}
		}
		if b, ok := d.Evidence[oldID]; ok {
			delete(d.Evidence, oldID)
			d.Evidence[newID] = b
		}
	}
}
