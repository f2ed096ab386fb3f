package handlers

import (
	"errors"
	"sort"

	"github.com/agentchat/server/internal/arbitration"
	"github.com/agentchat/server/internal/evidence"
	"github.com/agentchat/server/internal/fabric"
	"github.com/agentchat/server/internal/hooks"
	"github.com/agentchat/server/internal/proposal"
	"github.com/agentchat/server/internal/protocol"
	"github.com/agentchat/server/internal/redact"
	"github.com/agentchat/server/internal/reputation"
)

func revealTimerKey(id string) string   { return "dispute-reveal-" + id }
func responseTimerKey(id string) string { return "dispute-response-" + id }
func evidenceTimerKey(id string) string { return "dispute-evidence-" + id }
func voteTimerKey(id string) string     { return "dispute-vote-" + id }

// sendDisputeErr maps arbitration store errors onto protocol codes.
func (r *Router) sendDisputeErr(s *fabric.Session, err error) {
	switch {
	case errors.Is(err, arbitration.ErrNotFound):
		r.sendErr(s, protocol.ErrDisputeNotFound, "no such dispute")
	case errors.Is(err, arbitration.ErrNotParty):
		r.sendErr(s, protocol.ErrDisputeNotParty, "not a party to this dispute")
	case errors.Is(err, arbitration.ErrNotArbiter):
		r.sendErr(s, protocol.ErrDisputeNotArbiter, "not on this panel")
	case errors.Is(err, arbitration.ErrCommitmentMismatch):
		r.sendErr(s, protocol.ErrCommitmentMismatch, "reveal does not match the commitment")
	case errors.Is(err, arbitration.ErrDeadlinePassed):
		r.sendErr(s, protocol.ErrDeadlinePassed, "deadline has passed")
	case errors.Is(err, arbitration.ErrAlreadyVoted):
		r.sendErr(s, protocol.ErrInvalidMsg, "ballot already cast")
	case errors.Is(err, arbitration.ErrSlotNotAccepted):
		r.sendErr(s, protocol.ErrInvalidMsg, "seat not accepted")
	case errors.Is(err, arbitration.ErrEvidenceFinal):
		r.sendErr(s, protocol.ErrInvalidMsg, "evidence already submitted")
	case errors.Is(err, arbitration.ErrBadPhase):
		r.sendErr(s, protocol.ErrInvalidMsg, "dispute is not in the right phase")
	default:
		r.sendErr(s, protocol.ErrInvalidMsg, err.Error())
	}
}

// handleDisputeIntent files a commitment against an accepted proposal. The
// signature covers the commitment, never the reason, and the reason is kept
// exactly as sent so the reveal hash can be checked against it.
func (r *Router) handleDisputeIntent(s *fabric.Session, f *protocol.ClientFrame) {
	ag, ok := r.requirePersistent(s)
	if !ok {
		return
	}
	now := r.nowMs()
	p, ok := r.loadProposalForParty(s, f.ProposalID, ag.ID)
	if !ok {
		return
	}
	if p.Status != protocol.ProposalAccepted {
		r.sendErr(s, protocol.ErrInvalidProposal, "only accepted proposals can be disputed")
		return
	}
	if f.Commitment == "" {
		r.sendErr(s, protocol.ErrInvalidMsg, "commitment is required")
		return
	}
	if !r.verifySigned(s, ag, protocol.DisputeIntentPayload(p.ID, ag.ID, f.Commitment), f.Signature) {
		return
	}

	respondent := p.Counterparty(ag.ID)
	d, err := r.disputes.FileIntent(p.ID, ag.ID, respondent, f.Reason, f.Commitment, now)
	if err != nil {
		if errors.Is(err, arbitration.ErrActiveDispute) {
			r.sendErr(s, protocol.ErrDisputeExists, "proposal already has an active dispute")
			return
		}
		r.sendDisputeErr(s, err)
		return
	}
	if _, err := r.proposals.MarkDisputed(p.ID, ag.ID, d.ID, now); err != nil {
		// The proposal left accepted state between the check and the mark.
		_, _ = r.disputes.Fallback(d.ID, now)
		r.sendErr(s, protocol.ErrInvalidProposal, "proposal is no longer accepted")
		return
	}
	r.metrics.RecordProposal(protocol.ProposalDisputed)
	r.vault.Append(nil, evidence.RecordFiled, d.ID, p.ID, ag.ID, map[string]any{
		"commitment": f.Commitment,
	})

	r.timers.Schedule(revealTimerKey(d.ID), r.opts.Timeouts.Reveal, func() {
		r.revealDeadline(d.ID)
	})

	r.send(s, protocol.TypeDisputeIntentAck, &protocol.DisputeIntentAck{
		Type:           protocol.TypeDisputeIntentAck,
		DisputeID:      d.ID,
		ProposalID:     p.ID,
		ServerNonce:    d.ServerNonce,
		RevealDeadline: d.RevealDeadline,
	})
	reason, _ := redact.Scrub(d.Reason)
	r.fanOutcome(protocol.TypeDispute, p, &protocol.ProposalOutcome{
		ProposalID: p.ID,
		By:         ag.ID,
		Status:     protocol.ProposalDisputed,
		Reason:     reason,
	})
	r.logger.Printf("dispute %s filed on %s by %s", d.ID, p.ID, ag.ID)
}

// handleDisputeReveal opens the commitment and, when it checks out, draws
// the panel from the seeded pool.
func (r *Router) handleDisputeReveal(s *fabric.Session, f *protocol.ClientFrame) {
	ag, ok := r.requirePersistent(s)
	if !ok {
		return
	}
	if !r.verifySigned(s, ag, protocol.DisputeRevealPayload(f.DisputeID, ag.ID, f.Nonce), f.Signature) {
		return
	}
	now := r.nowMs()

	unlock := r.disputes.Lock(f.DisputeID)
	defer unlock()

	d, err := r.disputes.Reveal(f.DisputeID, ag.ID, f.Nonce, now)
	if err != nil {
		r.sendDisputeErr(s, err)
		return
	}
	r.timers.Cancel(revealTimerKey(d.ID))
	r.vault.Append(nil, evidence.RecordRevealed, d.ID, d.ProposalID, ag.ID, map[string]any{
		"nonce": f.Nonce,
	})
	r.metrics.RecordPhaseDuration(arbitration.PhaseRevealPending, float64(now-d.CreatedAt)/1000)

	seed := protocol.DrawSeed(d.ServerNonce, f.Nonce)
	pool := r.arbiterPool(d.Disputant, d.Respondent, nil)
	arbiters, enough := arbitration.SelectPanel(pool, seed, arbitration.PanelSize)
	if !enough {
		r.failDisputeLocked(d.ID, "insufficient arbiter pool", now)
		return
	}
	seated, err := r.disputes.SeatPanel(d.ID, arbiters, now)
	if err != nil {
		r.sendDisputeErr(s, err)
		return
	}
	r.vault.Append(nil, evidence.RecordPanel, d.ID, d.ProposalID, "", map[string]any{
		"arbiters": arbiters,
		"seed":     seed,
	})
	r.timers.Schedule(responseTimerKey(d.ID), r.opts.Timeouts.Response, func() {
		r.responseDeadline(d.ID)
	})

	formed := &protocol.PanelFormed{
		Type:       protocol.TypePanelFormed,
		DisputeID:  seated.ID,
		ProposalID: seated.ProposalID,
		Arbiters:   arbiters,
		Phase:      seated.Phase,
	}
	r.sendToAgent(seated.Disputant, protocol.TypePanelFormed, formed)
	r.sendToAgent(seated.Respondent, protocol.TypePanelFormed, formed)
	summons := &protocol.ArbiterAssigned{
		Type:             protocol.TypeArbiterAssigned,
		DisputeID:        seated.ID,
		ProposalID:       seated.ProposalID,
		Disputant:        seated.Disputant,
		Respondent:       seated.Respondent,
		ResponseDeadline: seated.ResponseDeadline,
	}
	for _, a := range arbiters {
		r.sendToAgent(a, protocol.TypeArbiterAssigned, summons)
	}
	r.logger.Printf("dispute %s: panel %v seated", seated.ID, arbiters)
}

// arbiterPool snapshots the online persistent agents as panel candidates.
func (r *Router) arbiterPool(disputant, respondent string, excluded map[string]bool) []arbitration.Candidate {
	ctx, cancel := r.repCtx()
	defer cancel()
	sessions := r.hub.AuthenticatedSessions()
	candidates := make([]arbitration.Candidate, 0, len(sessions))
	for _, sess := range sessions {
		a := sess.Agent()
		if !a.Persistent {
			continue
		}
		rt, err := r.rep.GetRating(ctx, a.ID)
		if err != nil {
			r.logger.Printf("rating lookup for %s: %v", a.ID, err)
			continue
		}
		candidates = append(candidates, arbitration.Candidate{
			AgentID:      a.ID,
			Rating:       rt.Rating,
			Transactions: rt.Transactions,
			Online:       true,
			Persistent:   true,
			ActivePanels: r.disputes.ActivePanelCount(a.ID),
		})
	}
	return arbitration.FilterPool(candidates, disputant, respondent, excluded)
}

// handleArbiterAccept seats the arbiter; the last acceptance opens the
// evidence window.
func (r *Router) handleArbiterAccept(s *fabric.Session, f *protocol.ClientFrame) {
	ag, ok := r.requirePersistent(s)
	if !ok {
		return
	}
	if !r.verifySigned(s, ag, protocol.ArbiterAcceptPayload(f.DisputeID, ag.ID), f.Signature) {
		return
	}
	now := r.nowMs()

	unlock := r.disputes.Lock(f.DisputeID)
	defer unlock()

	d, all, err := r.disputes.AcceptSlot(f.DisputeID, ag.ID, now)
	if err != nil {
		r.sendDisputeErr(s, err)
		return
	}
	r.vault.Append(nil, evidence.RecordAccepted, d.ID, d.ProposalID, ag.ID, nil)
	if !all {
		return
	}

	r.timers.Cancel(responseTimerKey(d.ID))
	r.timers.Schedule(evidenceTimerKey(d.ID), r.opts.Timeouts.Evidence, func() {
		r.evidenceDeadline(d.ID)
	})
	r.metrics.RecordPhaseDuration(arbitration.PhaseArbiterResponse,
		phaseSeconds(d.ResponseDeadline, r.opts.Timeouts.Response.Milliseconds(), now))

	opened := &protocol.PanelFormed{
		Type:       protocol.TypePanelFormed,
		DisputeID:  d.ID,
		ProposalID: d.ProposalID,
		Arbiters:   d.PanelAgents(),
		Phase:      d.Phase,
	}
	for _, id := range d.Participants() {
		r.sendToAgent(id, protocol.TypePanelFormed, opened)
	}
	r.logger.Printf("dispute %s: evidence window open", d.ID)
}

// handleArbiterDecline vacates the seat and draws a replacement, excluding
// everyone already summoned.
func (r *Router) handleArbiterDecline(s *fabric.Session, f *protocol.ClientFrame) {
	ag, ok := r.requirePersistent(s)
	if !ok {
		return
	}
	if !r.verifySigned(s, ag, protocol.ArbiterDeclinePayload(f.DisputeID, ag.ID), f.Signature) {
		return
	}
	now := r.nowMs()

	unlock := r.disputes.Lock(f.DisputeID)
	defer unlock()

	d, err := r.disputes.DeclineSlot(f.DisputeID, ag.ID)
	if err != nil {
		r.sendDisputeErr(s, err)
		return
	}
	r.vault.Append(nil, evidence.RecordDeclined, d.ID, d.ProposalID, ag.ID, nil)

	excluded := make(map[string]bool, len(d.Panel)+len(d.Declined))
	for _, slot := range d.Panel {
		excluded[slot.AgentID] = true
	}
	for _, id := range d.Declined {
		excluded[id] = true
	}
	pool := r.arbiterPool(d.Disputant, d.Respondent, excluded)
	seed := protocol.DrawSeed(d.ServerNonce, d.RevealedNonce) + int64(len(d.Declined))
	picked, enough := arbitration.SelectPanel(pool, seed, 1)
	if !enough {
		r.failDisputeLocked(d.ID, "insufficient arbiter pool", now)
		return
	}

	replaced, err := r.disputes.ReplaceSlot(d.ID, ag.ID, picked[0], now)
	if err != nil {
		if errors.Is(err, arbitration.ErrReplacementExhausted) {
			r.failDisputeLocked(d.ID, "replacement rounds exhausted", now)
			return
		}
		r.sendDisputeErr(s, err)
		return
	}
	r.vault.Append(nil, evidence.RecordReplaced, d.ID, d.ProposalID, ag.ID, map[string]any{
		"replacement": picked[0],
	})
	r.sendToAgent(picked[0], protocol.TypeArbiterAssigned, &protocol.ArbiterAssigned{
		Type:             protocol.TypeArbiterAssigned,
		DisputeID:        replaced.ID,
		ProposalID:       replaced.ProposalID,
		Disputant:        replaced.Disputant,
		Respondent:       replaced.Respondent,
		ResponseDeadline: replaced.ResponseDeadline,
	})
	r.logger.Printf("dispute %s: %s declined, %s summoned", d.ID, ag.ID, picked[0])
}

// handleEvidence records one party's bundle. The signature covers the bundle
// as sent; items and statement are scrubbed before they are stored or shown.
func (r *Router) handleEvidence(s *fabric.Session, f *protocol.ClientFrame) {
	ag, ok := r.requirePersistent(s)
	if !ok {
		return
	}
	if !r.verifySigned(s, ag, protocol.EvidencePayload(f.DisputeID, ag.ID, f.Items, f.Statement), f.Signature) {
		return
	}
	now := r.nowMs()

	items := make([]string, len(f.Items))
	for i, item := range f.Items {
		items[i], _ = redact.Scrub(item)
	}
	statement, _ := redact.Scrub(f.Statement)

	unlock := r.disputes.Lock(f.DisputeID)
	defer unlock()

	d, both, err := r.disputes.SubmitEvidence(f.DisputeID, ag.ID, items, statement, now)
	if err != nil {
		r.sendDisputeErr(s, err)
		return
	}
	r.vault.Append(nil, evidence.RecordSubmission, d.ID, d.ProposalID, ag.ID, map[string]any{
		"items":     items,
		"statement": statement,
	})
	r.send(s, protocol.TypeEvidenceAck, &protocol.EvidenceAck{
		Type:      protocol.TypeEvidenceAck,
		DisputeID: d.ID,
		Deadline:  d.EvidenceDeadline,
	})
	if both {
		r.timers.Cancel(evidenceTimerKey(d.ID))
		r.openDeliberationLocked(d, now)
	}
}

// handleArbiterVote casts a ballot; the final one resolves the case.
func (r *Router) handleArbiterVote(s *fabric.Session, f *protocol.ClientFrame) {
	ag, ok := r.requirePersistent(s)
	if !ok {
		return
	}
	if !protocol.ValidVerdict(f.Vote) {
		r.sendErr(s, protocol.ErrInvalidMsg, "vote must be for_disputant or for_respondent")
		return
	}
	if !r.verifySigned(s, ag, protocol.ArbiterVotePayload(f.DisputeID, ag.ID, f.Vote), f.Signature) {
		return
	}
	now := r.nowMs()

	unlock := r.disputes.Lock(f.DisputeID)
	defer unlock()

	d, all, err := r.disputes.Vote(f.DisputeID, ag.ID, f.Vote, f.Reasoning, now)
	if err != nil {
		r.sendDisputeErr(s, err)
		return
	}
	r.vault.Append(nil, evidence.RecordVote, d.ID, d.ProposalID, ag.ID, map[string]any{
		"vote":      f.Vote,
		"reasoning": f.Reasoning,
	})
	if all {
		r.timers.Cancel(voteTimerKey(d.ID))
		r.resolveLocked(d.ID, now)
	}
}

// openDeliberationLocked hands the case file to the panel and arms the vote
// deadline. Caller holds the dispute lock.
func (r *Router) openDeliberationLocked(d arbitration.Dispute, now int64) {
	reason, _ := redact.Scrub(d.Reason)
	views := make([]protocol.EvidenceView, 0, len(d.Evidence))
	for _, party := range []string{d.Disputant, d.Respondent} {
		if b, ok := d.Evidence[party]; ok {
			views = append(views, protocol.EvidenceView{
				Party:     party,
				Items:     b.Items,
				Statement: b.Statement,
			})
		}
	}
	ready := &protocol.CaseReady{
		Type:         protocol.TypeCaseReady,
		DisputeID:    d.ID,
		ProposalID:   d.ProposalID,
		Reason:       reason,
		Evidence:     views,
		VoteDeadline: d.VoteDeadline,
	}
	for _, a := range d.PanelAgents() {
		r.sendToAgent(a, protocol.TypeCaseReady, ready)
	}
	r.timers.Schedule(voteTimerKey(d.ID), r.opts.Timeouts.Vote, func() {
		r.voteDeadline(d.ID)
	})
	r.metrics.RecordPhaseDuration(arbitration.PhaseEvidence,
		phaseSeconds(d.EvidenceDeadline, r.opts.Timeouts.Evidence.Milliseconds(), now))
	r.logger.Printf("dispute %s: deliberation open", d.ID)
}

// resolveLocked tallies, settles and reports the verdict. Caller holds the
// dispute lock.
func (r *Router) resolveLocked(id string, now int64) {
	d, err := r.disputes.Resolve(id, now)
	if err != nil {
		r.logger.Printf("resolve %s: %v", id, err)
		return
	}
	r.vault.Append(nil, evidence.RecordVerdict, d.ID, d.ProposalID, "", map[string]any{
		"verdict": d.Verdict,
		"tally":   d.Tally,
		"parties": sortedParties(d),
	})
	r.metrics.RecordDisputeOutcome(verdictOutcome(d.Verdict))
	r.metrics.RecordPhaseDuration(arbitration.PhaseDeliberation,
		phaseSeconds(d.VoteDeadline, r.opts.Timeouts.Vote.Milliseconds(), now))

	p, perr := r.proposals.Get(d.ProposalID)
	if perr != nil {
		r.logger.Printf("resolve %s: proposal %s missing", d.ID, d.ProposalID)
		return
	}
	disputantStake, respondentStake := p.EloStakeProposer, p.EloStakeAcceptor
	if d.Disputant == p.To {
		disputantStake, respondentStake = respondentStake, disputantStake
	}
	settlement := arbitration.ComputeSettlement(&d, disputantStake, respondentStake, p.StakesEscrowed)

	ctx, cancel := r.repCtx()
	defer cancel()
	ratingChanges := settlement.Deltas
	if err := r.rep.ApplyVerdictSettlement(ctx, settlement); err != nil {
		r.logger.Printf("verdict settlement for %s: %v", d.ID, err)
		ratingChanges = nil
	} else {
		r.hooks.Emit(hooks.EventVerdictSettled, map[string]interface{}{
			"dispute_id":  d.ID,
			"proposal_id": d.ProposalID,
			"verdict":     d.Verdict,
			"deltas":      settlement.Deltas,
		})
		r.refreshRatingGauges(settlement.Parties...)
	}

	verdict := &protocol.Verdict{
		Type:      protocol.TypeVerdict,
		DisputeID: d.ID,
		Verdict:   d.Verdict,
		Tally:     d.Tally,
	}
	settled := &protocol.SettlementComplete{
		Type:          protocol.TypeSettlementComplete,
		DisputeID:     d.ID,
		ProposalID:    d.ProposalID,
		Verdict:       d.Verdict,
		RatingChanges: ratingChanges,
	}
	for _, id := range d.Participants() {
		r.sendToAgent(id, protocol.TypeVerdict, verdict)
		r.sendToAgent(id, protocol.TypeSettlementComplete, settled)
	}
	r.logger.Printf("dispute %s resolved: %s", d.ID, d.Verdict)
}

// failDisputeLocked drops the case to fallback: stakes go home, ratings
// hold. Caller holds the dispute lock.
func (r *Router) failDisputeLocked(id, reason string, now int64) {
	d, err := r.disputes.Fallback(id, now)
	if err != nil {
		r.logger.Printf("fallback %s: %v", id, err)
		return
	}
	r.vault.Append(nil, evidence.RecordFallback, d.ID, d.ProposalID, "", map[string]any{
		"reason": reason,
	})
	r.metrics.RecordDisputeOutcome("fallback")

	if p, err := r.proposals.Get(d.ProposalID); err == nil && p.StakesEscrowed {
		ctx, cancel := r.repCtx()
		if _, err := r.rep.ProcessDispute(ctx, reputation.Dispute{
			ProposalID: d.ProposalID,
			Disputant:  d.Disputant,
			Respondent: d.Respondent,
		}); err != nil {
			r.logger.Printf("fallback escrow release for %s: %v", d.ID, err)
		} else {
			r.hooks.Emit(hooks.EventDisputeSettled, map[string]interface{}{
				"dispute_id":  d.ID,
				"proposal_id": d.ProposalID,
				"fallback":    true,
			})
		}
		cancel()
	}

	notice := &protocol.DisputeFallback{
		Type:      protocol.TypeDisputeFallback,
		DisputeID: d.ID,
		Reason:    reason,
	}
	for _, id := range d.Participants() {
		r.sendToAgent(id, protocol.TypeDisputeFallback, notice)
	}
	r.logger.Printf("dispute %s fell back: %s", d.ID, reason)
}

// Deadline timers. Each re-checks phase under the dispute lock, so a frame
// that raced the timer wins harmlessly.

func (r *Router) revealDeadline(id string) {
	unlock := r.disputes.Lock(id)
	defer unlock()
	now := r.nowMs()
	d, err := r.disputes.Get(id)
	if err != nil || d.Phase != arbitration.PhaseRevealPending || d.RevealedNonce != "" {
		return
	}
	if now < d.RevealDeadline {
		return
	}
	r.failDisputeLocked(id, "reveal window expired", now)
}

func (r *Router) responseDeadline(id string) {
	unlock := r.disputes.Lock(id)
	defer unlock()
	now := r.nowMs()
	d, err := r.disputes.Get(id)
	if err != nil || d.Phase != arbitration.PhaseArbiterResponse {
		return
	}
	if now < d.ResponseDeadline {
		return
	}
	r.failDisputeLocked(id, "panel response window expired", now)
}

func (r *Router) evidenceDeadline(id string) {
	unlock := r.disputes.Lock(id)
	defer unlock()
	now := r.nowMs()
	d, err := r.disputes.Get(id)
	if err != nil || d.Phase != arbitration.PhaseEvidence {
		return
	}
	if now < d.EvidenceDeadline {
		return
	}
	closed, err := r.disputes.CloseEvidence(id, now)
	if err != nil {
		r.logger.Printf("close evidence %s: %v", id, err)
		return
	}
	r.openDeliberationLocked(closed, now)
}

func (r *Router) voteDeadline(id string) {
	unlock := r.disputes.Lock(id)
	defer unlock()
	now := r.nowMs()
	d, err := r.disputes.Get(id)
	if err != nil || d.Phase != arbitration.PhaseDeliberation {
		return
	}
	if now < d.VoteDeadline {
		return
	}
	r.resolveLocked(id, now)
}

// verdictOutcome maps a verdict token to its metrics label.
func verdictOutcome(verdict string) string {
	switch verdict {
	case protocol.VerdictForDisputant:
		return "disputant"
	case protocol.VerdictForRespondent:
		return "respondent"
	default:
		return "split"
	}
}

// phaseSeconds recovers a phase duration from its deadline: the phase began
// at deadline minus the configured window.
func phaseSeconds(deadlineMs, windowMs, nowMs int64) float64 {
	start := deadlineMs - windowMs
	if start <= 0 || nowMs < start {
		return 0
	}
	return float64(nowMs-start) / 1000
}

// sortedParties returns the two principals in a stable order for display.
func sortedParties(d arbitration.Dispute) []string {
	parties := []string{d.Disputant, d.Respondent}
	sort.Strings(parties)
	return parties
}
