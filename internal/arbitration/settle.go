package arbitration

import (
	"github.com/agentchat/server/internal/protocol"
	"github.com/agentchat/server/internal/reputation"
)

// ComputeSettlement turns a resolved dispute into the ledger deltas. The
// losing party's stake moves to the winner; a split returns both stakes
// untouched. Arbiters who voted with the final verdict earn the reward,
// dissenters break even, and forfeited seats lose the arbiter stake.
// Every participant gets an entry, zero or not, so downstream sinks see
// the full cast.
func ComputeSettlement(d *Dispute, disputantStake, respondentStake int, stakesEscrowed bool) reputation.Settlement {
	deltas := map[string]int{
		d.Disputant:  0,
		d.Respondent: 0,
	}

	if stakesEscrowed {
		switch d.Verdict {
		case protocol.VerdictForDisputant:
			deltas[d.Disputant] = respondentStake
			deltas[d.Respondent] = -respondentStake
		case protocol.VerdictForRespondent:
			deltas[d.Respondent] = disputantStake
			deltas[d.Disputant] = -disputantStake
		}
	}

	for _, slot := range d.Panel {
		switch slot.Status {
		case SlotVoted:
			if slot.Vote == d.Verdict {
				deltas[slot.AgentID] = ArbiterReward
			} else {
				deltas[slot.AgentID] = 0
			}
		case SlotForfeited:
			deltas[slot.AgentID] = -ArbiterStake
		}
	}

	return reputation.Settlement{
		DisputeID:  d.ID,
		ProposalID: d.ProposalID,
		Verdict:    d.Verdict,
		Deltas:     deltas,
		Parties:    []string{d.Disputant, d.Respondent},
	}
}
