// Package arbitration runs the commit-reveal dispute panel protocol: intent
// filing with a hash commitment, reveal verification, deterministic seeded
// panel selection over an eligibility pool, evidence collection, secret
// ballots and verdict settlement.
//
// The store owns dispute state and per-dispute locks. The two sequences
// that span an asynchronous rating lookup — reveal -> pool -> seat and
// decline -> pool -> replace — must run entirely under Lock(disputeID);
// every transition re-validates phase so a stale caller fails cleanly.
package arbitration

import "errors"

// Panel parameters. PanelSize must stay odd so a full ballot cannot tie.
const (
	PanelSize            = 3
	MinArbiterRating     = 1200
	MinArbiterTxns       = 10
	ArbiterStake         = 100
	ArbiterReward        = 15
	ArbiterRatingFloor   = 100
	MaxActivePanels      = 3
	MaxReplacementRounds = 3
)

// Dispute phases.
const (
	PhaseRevealPending   = "reveal_pending"
	PhaseArbiterResponse = "arbiter_response"
	PhaseEvidence        = "evidence"
	PhaseDeliberation    = "deliberation"
	PhaseResolved        = "resolved"
	PhaseFallback        = "fallback"
)

// Arbiter slot statuses.
const (
	SlotPending   = "pending"
	SlotAccepted  = "accepted"
	SlotVoted     = "voted"
	SlotDeclined  = "declined"
	SlotForfeited = "forfeited"
)

var (
	ErrNotFound             = errors.New("dispute not found")
	ErrActiveDispute        = errors.New("proposal already has an active dispute")
	ErrNotParty             = errors.New("agent is not a dispute party")
	ErrNotArbiter           = errors.New("agent is not on the panel")
	ErrBadPhase             = errors.New("dispute is not in the required phase")
	ErrCommitmentMismatch   = errors.New("reveal does not match commitment")
	ErrDeadlinePassed       = errors.New("dispute deadline has passed")
	ErrAlreadyVoted         = errors.New("arbiter has already voted")
	ErrSlotNotAccepted      = errors.New("arbiter has not accepted the seat")
	ErrEvidenceFinal        = errors.New("evidence already submitted")
	ErrReplacementExhausted = errors.New("replacement rounds exhausted")
)

// Slot is one seat on the panel.
type Slot struct {
	AgentID   string
	Status    string
	Vote      string
	Reasoning string
	VotedAt   int64
}

// Bundle is one party's evidence packet.
type Bundle struct {
	Items       []string
	Statement   string
	SubmittedAt int64
}

// Dispute is the full case record.
type Dispute struct {
	ID            string
	ProposalID    string
	Disputant     string
	Respondent    string
	Reason        string // exactly as committed; scrub before display
	Commitment    string
	ServerNonce   string
	RevealedNonce string
	Phase         string

	Panel             []Slot
	Declined          []string
	ReplacementRounds int

	Evidence map[string]*Bundle // party -> bundle
	Verdict  string
	Tally    map[string]int

	RevealDeadline   int64
	ResponseDeadline int64
	EvidenceDeadline int64
	VoteDeadline     int64

	CreatedAt  int64
	ResolvedAt int64
}

// Terminal reports whether the dispute has reached a final phase.
func (d *Dispute) Terminal() bool {
	return d.Phase == PhaseResolved || d.Phase == PhaseFallback
}

// Party reports whether the agent is a principal.
func (d *Dispute) Party(agentID string) bool {
	return agentID == d.Disputant || agentID == d.Respondent
}

// slot returns the live seat for the agent, skipping declined history.
func (d *Dispute) slot(agentID string) *Slot {
	for i := range d.Panel {
		if d.Panel[i].AgentID == agentID && d.Panel[i].Status != SlotDeclined {
			return &d.Panel[i]
		}
	}
	return nil
}

// PanelAgents lists the current seat holders.
func (d *Dispute) PanelAgents() []string {
	out := make([]string, 0, len(d.Panel))
	for _, s := range d.Panel {
		if s.Status != SlotDeclined {
			out = append(out, s.AgentID)
		}
	}
	return out
}

// Participants lists both parties and every current arbiter, for fan-out.
func (d *Dispute) Participants() []string {
	out := []string{d.Disputant, d.Respondent}
	return append(out, d.PanelAgents()...)
}
