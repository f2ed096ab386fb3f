package handlers

import (
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/agentchat/server/internal/fabric"
	"github.com/agentchat/server/internal/hooks"
	"github.com/agentchat/server/internal/identity"
	"github.com/agentchat/server/internal/proposal"
	"github.com/agentchat/server/internal/protocol"
	"github.com/agentchat/server/internal/redact"
	"github.com/agentchat/server/internal/reputation"
)

// requirePersistent rejects signed operations from ephemeral identities.
func (r *Router) requirePersistent(s *fabric.Session) (fabric.Agent, bool) {
	ag := s.Agent()
	if !ag.Persistent {
		r.sendErr(s, protocol.ErrSignatureRequired, "operation requires a persistent identity")
		return ag, false
	}
	return ag, true
}

// verifySigned checks a detached signature over the canonical payload. The
// payload must be built from the fields exactly as the client sent them.
func (r *Router) verifySigned(s *fabric.Session, ag fabric.Agent, payload, signature string) bool {
	ok, err := identity.VerifyDetached(ag.PubKey, payload, signature)
	if err != nil || !ok {
		r.logger.Printf("signature rejected for %s", ag.ID)
		r.sendErr(s, protocol.ErrVerificationFailed, "signature does not verify")
		return false
	}
	return true
}

// loadProposalForParty fetches a proposal and checks the caller is a party.
func (r *Router) loadProposalForParty(s *fabric.Session, id, agentID string) (proposal.Proposal, bool) {
	p, err := r.proposals.Get(id)
	if err != nil {
		r.sendErr(s, protocol.ErrProposalNotFound, "no such proposal")
		return proposal.Proposal{}, false
	}
	if !p.Party(agentID) {
		r.sendErr(s, protocol.ErrNotProposalParty, "not a party to this proposal")
		return proposal.Proposal{}, false
	}
	return p, true
}

// fanOutcome reports a lifecycle transition to both parties under the
// operation's own token.
func (r *Router) fanOutcome(frameType string, p proposal.Proposal, outcome *protocol.ProposalOutcome) {
	outcome.Type = frameType
	r.sendToAgent(p.From, frameType, outcome)
	r.sendToAgent(p.To, frameType, outcome)
}

// handleProposal validates, verifies and records a new proposal, then
// forwards it to the target and echoes it to the proposer.
func (r *Router) handleProposal(s *fabric.Session, f *protocol.ClientFrame) {
	ag, ok := r.requirePersistent(s)
	if !ok {
		return
	}
	now := r.nowMs()

	if !strings.HasPrefix(f.To, protocol.AgentPrefix) {
		r.sendErr(s, protocol.ErrInvalidProposal, "to must name an @agent")
		return
	}
	target, online := r.hub.Agent(f.To)
	if !online {
		r.sendErr(s, protocol.ErrAgentNotFound, "target is not online")
		return
	}
	if !target.Agent().Persistent {
		r.sendErr(s, protocol.ErrInvalidProposal, "target has no persistent identity")
		return
	}
	if strings.TrimSpace(f.Task) == "" {
		r.sendErr(s, protocol.ErrInvalidProposal, "task is required")
		return
	}
	if f.Amount < 0 || f.EloStake < 0 {
		r.sendErr(s, protocol.ErrInvalidProposal, "amount and elo_stake must not be negative")
		return
	}
	expiresAt := f.ExpiresAt
	if expiresAt == 0 {
		expiresAt = now + r.opts.ProposalTTLMs
	}
	if expiresAt <= now {
		r.sendErr(s, protocol.ErrInvalidProposal, "expires_at is in the past")
		return
	}

	// The payload binds the fields as transmitted, including a zero
	// expires_at when the client left the deadline to the server.
	payload := protocol.ProposalPayload(ag.ID, f.To, f.Task, f.Amount, f.Currency, f.PaymentCode, f.EloStake, f.ExpiresAt)
	if !r.verifySigned(s, ag, payload, f.Signature) {
		return
	}

	if f.EloStake > 0 {
		ctx, cancel := r.repCtx()
		chk, err := r.rep.CanStake(ctx, ag.ID, f.EloStake)
		cancel()
		if err != nil {
			r.logger.Printf("stake pre-flight for %s: %v", ag.ID, err)
		} else if !chk.OK {
			r.sendErr(s, protocol.ErrInsufficientRep, chk.Reason)
			return
		}
	}

	task, _ := redact.Scrub(f.Task)
	p := proposal.Proposal{
		ID:               "prop-" + uuid.NewString(),
		From:             ag.ID,
		To:               f.To,
		Task:             task,
		Amount:           f.Amount,
		Currency:         f.Currency,
		PaymentCode:      f.PaymentCode,
		EloStakeProposer: f.EloStake,
		ExpiresAt:        expiresAt,
		Signature:        f.Signature,
	}
	if err := r.proposals.Create(p, now); err != nil {
		r.sendErr(s, protocol.ErrInvalidProposal, err.Error())
		return
	}
	r.metrics.RecordProposal(protocol.ProposalPending)

	stored, err := r.proposals.Get(p.ID)
	if err != nil {
		return
	}
	notice := &protocol.ProposalNotice{
		Type:      protocol.TypeProposal,
		Proposal:  stored.View(),
		Signature: f.Signature,
	}
	r.sendToAgent(f.To, protocol.TypeProposal, notice)
	r.send(s, protocol.TypeProposal, notice)
	r.logger.Printf("proposal %s: %s -> %s", p.ID, ag.ID, f.To)
}

// handleAccept moves a pending proposal to accepted, checking both parties'
// stakes and opening the escrow. Escrow failure leaves the proposal accepted
// with stakes_escrowed=false.
func (r *Router) handleAccept(s *fabric.Session, f *protocol.ClientFrame) {
	ag, ok := r.requirePersistent(s)
	if !ok {
		return
	}
	now := r.nowMs()
	p, ok := r.loadProposalForParty(s, f.ProposalID, ag.ID)
	if !ok {
		return
	}
	if p.To != ag.ID {
		r.sendErr(s, protocol.ErrNotProposalParty, "only the addressee may accept")
		return
	}
	if !r.verifySigned(s, ag, protocol.AcceptPayload(p.ID, ag.ID, f.EloStake), f.Signature) {
		return
	}
	if f.EloStake < 0 {
		r.sendErr(s, protocol.ErrInvalidProposal, "elo_stake must not be negative")
		return
	}

	// Both sides must clear the rating floor before anything is locked. A
	// backend outage skips the pre-flight; the escrow step decides then.
	ctx, cancel := r.repCtx()
	defer cancel()
	for _, side := range []reputation.EscrowSide{
		{AgentID: p.From, Stake: p.EloStakeProposer},
		{AgentID: ag.ID, Stake: f.EloStake},
	} {
		if side.Stake == 0 {
			continue
		}
		chk, err := r.rep.CanStake(ctx, side.AgentID, side.Stake)
		if err != nil {
			r.logger.Printf("stake pre-flight for %s: %v", side.AgentID, err)
			continue
		}
		if !chk.OK {
			r.sendErr(s, protocol.ErrInsufficientRep, side.AgentID+": "+chk.Reason)
			return
		}
	}

	accepted, err := r.proposals.Accept(p.ID, ag.ID, f.EloStake, now)
	if err != nil {
		switch {
		case errors.Is(err, proposal.ErrExpired):
			r.notifyExpired([]proposal.Proposal{mustGet(r.proposals, p.ID)})
			r.sendErr(s, protocol.ErrInvalidProposal, "proposal has expired")
		case errors.Is(err, proposal.ErrBadState):
			r.sendErr(s, protocol.ErrInvalidProposal, "proposal is not pending")
		default:
			r.sendErr(s, protocol.ErrInvalidProposal, err.Error())
		}
		return
	}

	escrowed := false
	if accepted.EloStakeProposer > 0 || accepted.EloStakeAcceptor > 0 {
		err := r.rep.CreateEscrow(ctx, accepted.ID,
			reputation.EscrowSide{AgentID: accepted.From, Stake: accepted.EloStakeProposer},
			reputation.EscrowSide{AgentID: accepted.To, Stake: accepted.EloStakeAcceptor},
			accepted.ExpiresAt,
		)
		if err != nil {
			r.logger.Printf("escrow for %s: %v", accepted.ID, err)
		} else {
			escrowed = true
			r.hooks.Emit(hooks.EventCreated, map[string]interface{}{
				"proposal_id":    accepted.ID,
				"proposer":       accepted.From,
				"acceptor":       accepted.To,
				"proposer_stake": accepted.EloStakeProposer,
				"acceptor_stake": accepted.EloStakeAcceptor,
			})
		}
		r.proposals.SetEscrowed(accepted.ID, escrowed)
	}
	r.metrics.RecordProposal(protocol.ProposalAccepted)

	r.fanOutcome(protocol.TypeAccept, accepted, &protocol.ProposalOutcome{
		ProposalID:     accepted.ID,
		By:             ag.ID,
		Status:         protocol.ProposalAccepted,
		StakesEscrowed: escrowed,
	})
	r.logger.Printf("proposal %s accepted by %s (escrowed=%v)", accepted.ID, ag.ID, escrowed)
}

// handleReject declines a pending proposal.
func (r *Router) handleReject(s *fabric.Session, f *protocol.ClientFrame) {
	ag, ok := r.requirePersistent(s)
	if !ok {
		return
	}
	now := r.nowMs()
	p, ok := r.loadProposalForParty(s, f.ProposalID, ag.ID)
	if !ok {
		return
	}
	if p.To != ag.ID {
		r.sendErr(s, protocol.ErrNotProposalParty, "only the addressee may reject")
		return
	}
	if !r.verifySigned(s, ag, protocol.RejectPayload(p.ID, ag.ID, f.Reason), f.Signature) {
		return
	}

	rejected, err := r.proposals.Reject(p.ID, ag.ID, now)
	if err != nil {
		switch {
		case errors.Is(err, proposal.ErrExpired):
			r.notifyExpired([]proposal.Proposal{mustGet(r.proposals, p.ID)})
			r.sendErr(s, protocol.ErrInvalidProposal, "proposal has expired")
		case errors.Is(err, proposal.ErrBadState):
			r.sendErr(s, protocol.ErrInvalidProposal, "proposal is not pending")
		default:
			r.sendErr(s, protocol.ErrInvalidProposal, err.Error())
		}
		return
	}
	r.metrics.RecordProposal(protocol.ProposalRejected)

	reason, _ := redact.Scrub(f.Reason)
	r.fanOutcome(protocol.TypeReject, rejected, &protocol.ProposalOutcome{
		ProposalID: rejected.ID,
		By:         ag.ID,
		Status:     protocol.ProposalRejected,
		Reason:     reason,
	})
}

// handleComplete settles an accepted proposal: the completer takes the
// counterparty's stake, or the base reward when nothing was staked.
func (r *Router) handleComplete(s *fabric.Session, f *protocol.ClientFrame) {
	ag, ok := r.requirePersistent(s)
	if !ok {
		return
	}
	now := r.nowMs()
	p, ok := r.loadProposalForParty(s, f.ProposalID, ag.ID)
	if !ok {
		return
	}
	if !r.verifySigned(s, ag, protocol.CompletePayload(p.ID, ag.ID), f.Signature) {
		return
	}

	completed, err := r.proposals.Complete(p.ID, ag.ID, now)
	if err != nil {
		if errors.Is(err, proposal.ErrBadState) {
			r.sendErr(s, protocol.ErrInvalidProposal, "only accepted proposals can be completed")
		} else {
			r.sendErr(s, protocol.ErrInvalidProposal, err.Error())
		}
		return
	}
	r.metrics.RecordProposal(protocol.ProposalCompleted)

	completerStake, counterStake := completed.EloStakeProposer, completed.EloStakeAcceptor
	if ag.ID == completed.To {
		completerStake, counterStake = counterStake, completerStake
	}
	counterparty := completed.Counterparty(ag.ID)

	ctx, cancel := r.repCtx()
	defer cancel()
	deltas, err := r.rep.ProcessCompletion(ctx, reputation.Completion{
		ProposalID:        completed.ID,
		Completer:         ag.ID,
		Counterparty:      counterparty,
		Amount:            completed.Amount,
		CompleterStake:    completerStake,
		CounterpartyStake: counterStake,
	})
	if err != nil {
		// The proposal stays completed; clients see null rating_changes.
		r.logger.Printf("completion settlement for %s: %v", completed.ID, err)
		deltas = nil
	} else {
		r.hooks.Emit(hooks.EventCompletionSettled, map[string]interface{}{
			"proposal_id": completed.ID,
			"completer":   ag.ID,
			"deltas":      deltas,
		})
		r.refreshRatingGauges(ag.ID, counterparty)
	}

	r.fanOutcome(protocol.TypeComplete, completed, &protocol.ProposalOutcome{
		ProposalID:     completed.ID,
		By:             ag.ID,
		Status:         protocol.ProposalCompleted,
		StakesEscrowed: completed.StakesEscrowed,
		RatingChanges:  deltas,
	})
	r.logger.Printf("proposal %s completed by %s", completed.ID, ag.ID)
}

// handleDispute is the immediate dispute path: the escrow is released, both
// stakes return home, ratings hold. The panel path starts at DISPUTE_INTENT.
func (r *Router) handleDispute(s *fabric.Session, f *protocol.ClientFrame) {
	ag, ok := r.requirePersistent(s)
	if !ok {
		return
	}
	now := r.nowMs()
	p, ok := r.loadProposalForParty(s, f.ProposalID, ag.ID)
	if !ok {
		return
	}
	if !r.verifySigned(s, ag, protocol.DisputePayload(p.ID, ag.ID, f.Reason), f.Signature) {
		return
	}

	disputed, err := r.proposals.MarkDisputed(p.ID, ag.ID, "", now)
	if err != nil {
		if errors.Is(err, proposal.ErrBadState) {
			r.sendErr(s, protocol.ErrInvalidProposal, "only accepted proposals can be disputed")
		} else {
			r.sendErr(s, protocol.ErrInvalidProposal, err.Error())
		}
		return
	}
	r.metrics.RecordProposal(protocol.ProposalDisputed)

	respondent := disputed.Counterparty(ag.ID)
	ctx, cancel := r.repCtx()
	defer cancel()
	deltas, err := r.rep.ProcessDispute(ctx, reputation.Dispute{
		ProposalID: disputed.ID,
		Disputant:  ag.ID,
		Respondent: respondent,
	})
	if err != nil {
		r.logger.Printf("dispute settlement for %s: %v", disputed.ID, err)
		deltas = nil
	} else {
		r.hooks.Emit(hooks.EventDisputeSettled, map[string]interface{}{
			"proposal_id": disputed.ID,
			"disputant":   ag.ID,
			"respondent":  respondent,
		})
	}

	reason, _ := redact.Scrub(f.Reason)
	r.fanOutcome(protocol.TypeDispute, disputed, &protocol.ProposalOutcome{
		ProposalID:    disputed.ID,
		By:            ag.ID,
		Status:        protocol.ProposalDisputed,
		Reason:        reason,
		RatingChanges: deltas,
	})
	r.logger.Printf("proposal %s disputed by %s", disputed.ID, ag.ID)
}

// NotifyExpired is the sweeper callback: each newly expired proposal is
// reported to both parties.
func (r *Router) NotifyExpired(expired []proposal.Proposal) {
	r.notifyExpired(expired)
}

func (r *Router) notifyExpired(expired []proposal.Proposal) {
	for _, p := range expired {
		if p.Status != protocol.ProposalExpired {
			continue
		}
		r.metrics.RecordProposal(protocol.ProposalExpired)
		r.fanOutcome(protocol.TypeProposal, p, &protocol.ProposalOutcome{
			ProposalID: p.ID,
			By:         protocol.ServerAgentID,
			Status:     protocol.ProposalExpired,
		})
	}
}

// mustGet refetches a proposal after a state transition; the zero value is
// returned if it vanished.
func mustGet(store *proposal.Store, id string) proposal.Proposal {
	p, _ := store.Get(id)
	return p
}
