package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/server/internal/hooks"
	"github.com/agentchat/server/internal/protocol"
	"github.com/agentchat/server/internal/reputation"
)

// propose files a signed proposal from one client to another and returns its
// id, draining the notice and echo frames.
func (e *env) propose(t *testing.T, from, to *client, task string, stake int) string {
	t.Helper()
	payload := protocol.ProposalPayload(from.id, to.id, task, 0, "", "", stake, 0)
	e.send(from.sess, &protocol.ClientFrame{
		Type:      protocol.TypeProposal,
		To:        to.id,
		Task:      task,
		EloStake:  stake,
		Signature: from.kp.Sign(payload),
	})
	var notice protocol.ProposalNotice
	nextAs(t, to.sess, protocol.TypeProposal, &notice)
	nextAs(t, from.sess, protocol.TypeProposal, nil)
	return notice.Proposal.ID
}

// accept moves a proposal to accepted with the acceptor's stake, returning
// the acceptor's outcome frame and draining the proposer's copy.
func (e *env) accept(t *testing.T, from, to *client, propID string, stake int) protocol.ProposalOutcome {
	t.Helper()
	e.send(to.sess, &protocol.ClientFrame{
		Type:       protocol.TypeAccept,
		ProposalID: propID,
		EloStake:   stake,
		Signature:  to.kp.Sign(protocol.AcceptPayload(propID, to.id, stake)),
	})
	var out protocol.ProposalOutcome
	nextAs(t, to.sess, protocol.TypeAccept, &out)
	nextAs(t, from.sess, protocol.TypeAccept, nil)
	return out
}

func (e *env) rating(t *testing.T, agentID string) reputation.Rating {
	t.Helper()
	rt, err := e.rep.GetRating(context.Background(), agentID)
	require.NoError(t, err)
	return rt
}

func TestProposalLifecycleWithStakes(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")

	payload := protocol.ProposalPayload(alice.id, bob.id, "summarize the standup", 0, "", "", 50, 0)
	e.send(alice.sess, &protocol.ClientFrame{
		Type:      protocol.TypeProposal,
		To:        bob.id,
		Task:      "summarize the standup",
		EloStake:  50,
		Signature: alice.kp.Sign(payload),
	})

	var notice protocol.ProposalNotice
	nextAs(t, bob.sess, protocol.TypeProposal, &notice)
	assert.Equal(t, alice.id, notice.Proposal.From)
	assert.Equal(t, bob.id, notice.Proposal.To)
	assert.Equal(t, "summarize the standup", notice.Proposal.Task)
	assert.Equal(t, protocol.ProposalPending, notice.Proposal.Status)
	assert.Equal(t, 50, notice.Proposal.EloStakeProposer)
	assert.Equal(t, baseMs+24*time.Hour.Milliseconds(), notice.Proposal.ExpiresAt, "ttl applies when expires_at is omitted")
	assert.Equal(t, alice.kp.Sign(payload), notice.Signature, "target can re-verify the proposer's signature")

	var echo protocol.ProposalNotice
	nextAs(t, alice.sess, protocol.TypeProposal, &echo)
	assert.Equal(t, notice.Proposal.ID, echo.Proposal.ID)

	propID := notice.Proposal.ID
	out := e.accept(t, alice, bob, propID, 30)
	assert.Equal(t, protocol.ProposalAccepted, out.Status)
	assert.Equal(t, bob.id, out.By)
	assert.True(t, out.StakesEscrowed)

	esc, ok := e.rep.Escrow(propID)
	require.True(t, ok)
	assert.Equal(t, reputation.EscrowOpen, esc.Status)
	assert.Equal(t, reputation.EscrowSide{AgentID: alice.id, Stake: 50}, esc.Proposer)
	assert.Equal(t, reputation.EscrowSide{AgentID: bob.id, Stake: 30}, esc.Acceptor)

	e.send(alice.sess, &protocol.ClientFrame{
		Type:       protocol.TypeComplete,
		ProposalID: propID,
		Signature:  alice.kp.Sign(protocol.CompletePayload(propID, alice.id)),
	})
	var done protocol.ProposalOutcome
	nextAs(t, alice.sess, protocol.TypeComplete, &done)
	assert.Equal(t, protocol.ProposalCompleted, done.Status)
	assert.Equal(t, alice.id, done.By)
	assert.True(t, done.StakesEscrowed)
	assert.Equal(t, map[string]int{alice.id: 30, bob.id: -30}, done.RatingChanges,
		"completer takes the counterparty's stake")
	nextAs(t, bob.sess, protocol.TypeComplete, nil)

	assert.Equal(t, 1030, e.rating(t, alice.id).Rating)
	assert.Equal(t, 970, e.rating(t, bob.id).Rating)
	assert.Equal(t, 1, e.rating(t, alice.id).Transactions)
	assert.Equal(t, 1, e.rating(t, bob.id).Transactions)

	esc, _ = e.rep.Escrow(propID)
	assert.Equal(t, reputation.EscrowReleased, esc.Status)
	assert.Equal(t, []hooks.Event{hooks.EventCreated, hooks.EventCompletionSettled}, e.emitted.seen())
}

func TestProposalRequiresPersistentIdentity(t *testing.T) {
	e := newEnv(t)
	bob := e.connect(t, "bob")

	eph := e.open(t)
	e.ephemeral(t, eph, "scout")
	e.send(eph, &protocol.ClientFrame{Type: protocol.TypeProposal, To: bob.id, Task: "anything"})
	ef := wantErr(t, eph, protocol.ErrSignatureRequired)
	assert.Equal(t, "operation requires a persistent identity", ef.Message)
}

func TestProposalValidation(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")

	eph := e.open(t)
	ephID := e.ephemeral(t, eph, "scout")

	cases := []struct {
		name    string
		frame   protocol.ClientFrame
		code    string
		message string
	}{
		{
			name:    "target must be an agent ref",
			frame:   protocol.ClientFrame{To: "#general", Task: "x"},
			code:    protocol.ErrInvalidProposal,
			message: "to must name an @agent",
		},
		{
			name:    "target offline",
			frame:   protocol.ClientFrame{To: "@0000000000000000", Task: "x"},
			code:    protocol.ErrAgentNotFound,
			message: "target is not online",
		},
		{
			name:    "target ephemeral",
			frame:   protocol.ClientFrame{To: ephID, Task: "x"},
			code:    protocol.ErrInvalidProposal,
			message: "target has no persistent identity",
		},
		{
			name:    "task required",
			frame:   protocol.ClientFrame{To: bob.id, Task: "   "},
			code:    protocol.ErrInvalidProposal,
			message: "task is required",
		},
		{
			name:    "negative amount",
			frame:   protocol.ClientFrame{To: bob.id, Task: "x", Amount: -1},
			code:    protocol.ErrInvalidProposal,
			message: "amount and elo_stake must not be negative",
		},
		{
			name:    "expiry in the past",
			frame:   protocol.ClientFrame{To: bob.id, Task: "x", ExpiresAt: baseMs - 1},
			code:    protocol.ErrInvalidProposal,
			message: "expires_at is in the past",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := tc.frame
			f.Type = protocol.TypeProposal
			e.send(alice.sess, &f)
			ef := wantErr(t, alice.sess, tc.code)
			assert.Equal(t, tc.message, ef.Message)
		})
	}
}

func TestProposalBadSignature(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")

	e.send(alice.sess, &protocol.ClientFrame{
		Type:      protocol.TypeProposal,
		To:        bob.id,
		Task:      "shady work",
		Signature: alice.kp.Sign("some other payload"),
	})
	wantErr(t, alice.sess, protocol.ErrVerificationFailed)
	noFrame(t, bob.sess)
}

func TestProposalStakeBreachesFloor(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")

	payload := protocol.ProposalPayload(alice.id, bob.id, "big bet", 0, "", "", 950, 0)
	e.send(alice.sess, &protocol.ClientFrame{
		Type:      protocol.TypeProposal,
		To:        bob.id,
		Task:      "big bet",
		EloStake:  950,
		Signature: alice.kp.Sign(payload),
	})
	ef := wantErr(t, alice.sess, protocol.ErrInsufficientRep)
	assert.Equal(t, "stake would breach rating floor", ef.Message)
	noFrame(t, bob.sess)
}

func TestAcceptOnlyByAddressee(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	carol := e.connect(t, "carol")
	propID := e.propose(t, alice, bob, "review my PR", 0)

	e.send(alice.sess, &protocol.ClientFrame{
		Type:       protocol.TypeAccept,
		ProposalID: propID,
		Signature:  alice.kp.Sign(protocol.AcceptPayload(propID, alice.id, 0)),
	})
	ef := wantErr(t, alice.sess, protocol.ErrNotProposalParty)
	assert.Equal(t, "only the addressee may accept", ef.Message)

	e.send(carol.sess, &protocol.ClientFrame{
		Type:       protocol.TypeAccept,
		ProposalID: propID,
		Signature:  carol.kp.Sign(protocol.AcceptPayload(propID, carol.id, 0)),
	})
	wantErr(t, carol.sess, protocol.ErrNotProposalParty)

	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeAccept, ProposalID: "prop-missing"})
	wantErr(t, bob.sess, protocol.ErrProposalNotFound)
}

func TestAcceptStakePreflightCoversBothSides(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	propID := e.propose(t, alice, bob, "stretch goal", 200)

	// The proposer's rating dropped below its stake between filing and
	// acceptance; nothing may be locked.
	e.rep.Seed(alice.id, 250, 0)

	e.send(bob.sess, &protocol.ClientFrame{
		Type:       protocol.TypeAccept,
		ProposalID: propID,
		EloStake:   10,
		Signature:  bob.kp.Sign(protocol.AcceptPayload(propID, bob.id, 10)),
	})
	ef := wantErr(t, bob.sess, protocol.ErrInsufficientRep)
	assert.Equal(t, alice.id+": stake would breach rating floor", ef.Message)

	p, err := e.Proposals.Get(propID)
	require.NoError(t, err)
	assert.Equal(t, protocol.ProposalPending, p.Status, "failed pre-flight leaves the proposal pending")
}

func TestAcceptAtExpiryNotifiesBothParties(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")

	expires := e.clock.nowMs() + 5_000
	payload := protocol.ProposalPayload(alice.id, bob.id, "quick one", 0, "", "", 0, expires)
	e.send(alice.sess, &protocol.ClientFrame{
		Type:      protocol.TypeProposal,
		To:        bob.id,
		Task:      "quick one",
		ExpiresAt: expires,
		Signature: alice.kp.Sign(payload),
	})
	var notice protocol.ProposalNotice
	nextAs(t, bob.sess, protocol.TypeProposal, &notice)
	nextAs(t, alice.sess, protocol.TypeProposal, nil)

	// The deadline itself is already too late.
	e.clock.advance(5 * time.Second)
	e.send(bob.sess, &protocol.ClientFrame{
		Type:       protocol.TypeAccept,
		ProposalID: notice.Proposal.ID,
		Signature:  bob.kp.Sign(protocol.AcceptPayload(notice.Proposal.ID, bob.id, 0)),
	})

	var expiredOut protocol.ProposalOutcome
	nextAs(t, bob.sess, protocol.TypeProposal, &expiredOut)
	assert.Equal(t, protocol.ProposalExpired, expiredOut.Status)
	assert.Equal(t, protocol.ServerAgentID, expiredOut.By)
	ef := wantErr(t, bob.sess, protocol.ErrInvalidProposal)
	assert.Equal(t, "proposal has expired", ef.Message)

	nextAs(t, alice.sess, protocol.TypeProposal, &expiredOut)
	assert.Equal(t, protocol.ProposalExpired, expiredOut.Status)
}

func TestRejectWithReason(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	propID := e.propose(t, alice, bob, "midnight deploy", 0)

	e.send(bob.sess, &protocol.ClientFrame{
		Type:       protocol.TypeReject,
		ProposalID: propID,
		Reason:     "not on a Friday",
		Signature:  bob.kp.Sign(protocol.RejectPayload(propID, bob.id, "not on a Friday")),
	})

	var out protocol.ProposalOutcome
	nextAs(t, bob.sess, protocol.TypeReject, &out)
	assert.Equal(t, protocol.ProposalRejected, out.Status)
	assert.Equal(t, "not on a Friday", out.Reason)
	nextAs(t, alice.sess, protocol.TypeReject, &out)
	assert.Equal(t, protocol.ProposalRejected, out.Status)

	// The proposal is settled; acceptance is no longer possible.
	e.send(bob.sess, &protocol.ClientFrame{
		Type:       protocol.TypeAccept,
		ProposalID: propID,
		Signature:  bob.kp.Sign(protocol.AcceptPayload(propID, bob.id, 0)),
	})
	ef := wantErr(t, bob.sess, protocol.ErrInvalidProposal)
	assert.Equal(t, "proposal is not pending", ef.Message)
}

func TestCompleteRequiresAcceptedState(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	propID := e.propose(t, alice, bob, "draft the doc", 0)

	e.send(alice.sess, &protocol.ClientFrame{
		Type:       protocol.TypeComplete,
		ProposalID: propID,
		Signature:  alice.kp.Sign(protocol.CompletePayload(propID, alice.id)),
	})
	ef := wantErr(t, alice.sess, protocol.ErrInvalidProposal)
	assert.Equal(t, "only accepted proposals can be completed", ef.Message)
}

func TestCompleteByAcceptorTakesProposerStake(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	propID := e.propose(t, alice, bob, "label the dataset", 50)
	e.accept(t, alice, bob, propID, 0)

	e.send(bob.sess, &protocol.ClientFrame{
		Type:       protocol.TypeComplete,
		ProposalID: propID,
		Signature:  bob.kp.Sign(protocol.CompletePayload(propID, bob.id)),
	})
	var out protocol.ProposalOutcome
	nextAs(t, bob.sess, protocol.TypeComplete, &out)
	assert.Equal(t, map[string]int{bob.id: 50, alice.id: -50}, out.RatingChanges)
	nextAs(t, alice.sess, protocol.TypeComplete, nil)

	assert.Equal(t, 950, e.rating(t, alice.id).Rating)
	assert.Equal(t, 1050, e.rating(t, bob.id).Rating)
}

func TestCompletionWithoutStakesMintsReward(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	propID := e.propose(t, alice, bob, "pair for an hour", 0)

	out := e.accept(t, alice, bob, propID, 0)
	assert.False(t, out.StakesEscrowed)
	_, ok := e.rep.Escrow(propID)
	assert.False(t, ok, "no escrow opens when nothing is staked")

	e.send(bob.sess, &protocol.ClientFrame{
		Type:       protocol.TypeComplete,
		ProposalID: propID,
		Signature:  bob.kp.Sign(protocol.CompletePayload(propID, bob.id)),
	})
	var done protocol.ProposalOutcome
	nextAs(t, bob.sess, protocol.TypeComplete, &done)
	assert.Equal(t, map[string]int{bob.id: 10, alice.id: 0}, done.RatingChanges)
	nextAs(t, alice.sess, protocol.TypeComplete, nil)

	assert.Equal(t, 1010, e.rating(t, bob.id).Rating)
	assert.Equal(t, 1000, e.rating(t, alice.id).Rating)
}

func TestImmediateDisputeReturnsStakes(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	propID := e.propose(t, alice, bob, "flaky job", 40)
	e.accept(t, alice, bob, propID, 40)

	e.send(bob.sess, &protocol.ClientFrame{
		Type:       protocol.TypeDispute,
		ProposalID: propID,
		Reason:     "deliverable never arrived",
		Signature:  bob.kp.Sign(protocol.DisputePayload(propID, bob.id, "deliverable never arrived")),
	})

	var out protocol.ProposalOutcome
	nextAs(t, bob.sess, protocol.TypeDispute, &out)
	assert.Equal(t, protocol.ProposalDisputed, out.Status)
	assert.Equal(t, "deliverable never arrived", out.Reason)
	assert.Equal(t, map[string]int{alice.id: 0, bob.id: 0}, out.RatingChanges, "immediate path holds ratings")
	nextAs(t, alice.sess, protocol.TypeDispute, nil)

	assert.Equal(t, 1000, e.rating(t, alice.id).Rating)
	assert.Equal(t, 1000, e.rating(t, bob.id).Rating)
	esc, ok := e.rep.Escrow(propID)
	require.True(t, ok)
	assert.Equal(t, reputation.EscrowReleased, esc.Status)
	assert.Contains(t, e.emitted.seen(), hooks.EventDisputeSettled)
}

func TestExpirySweepNotifiesParties(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")

	expires := e.clock.nowMs() + 1_000
	payload := protocol.ProposalPayload(alice.id, bob.id, "ticking", 0, "", "", 0, expires)
	e.send(alice.sess, &protocol.ClientFrame{
		Type:      protocol.TypeProposal,
		To:        bob.id,
		Task:      "ticking",
		ExpiresAt: expires,
		Signature: alice.kp.Sign(payload),
	})
	var notice protocol.ProposalNotice
	nextAs(t, bob.sess, protocol.TypeProposal, &notice)
	nextAs(t, alice.sess, protocol.TypeProposal, nil)

	e.clock.advance(time.Second)
	e.router.NotifyExpired(e.Proposals.SweepExpired(e.clock.nowMs()))

	for _, s := range []*client{alice, bob} {
		var out protocol.ProposalOutcome
		nextAs(t, s.sess, protocol.TypeProposal, &out)
		assert.Equal(t, protocol.ProposalExpired, out.Status)
		assert.Equal(t, protocol.ServerAgentID, out.By)
		assert.Equal(t, notice.Proposal.ID, out.ProposalID)
	}

	p, err := e.Proposals.Get(notice.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.ProposalExpired, p.Status)
}
