// Package reputation defines the rating ledger contract the proposal and
// arbitration engines settle against, plus the backends that implement it.
//
// Ratings are integer points; stakes are denominated in the same points.
// Settlement keeps staked exchanges zero-sum: the completing or winning
// party takes the counterparty's stake, stakes come home on a split, and
// unstaked completions mint a small fixed reward so new agents can climb.
package reputation

import (
	"context"
	"errors"
)

const (
	// DefaultRating is the neutral score assigned on first contact.
	DefaultRating = 1000

	// RatingFloor is the minimum rating a stake may leave behind.
	RatingFloor = 100

	// CompletionReward is minted to the completing party when neither side
	// staked.
	CompletionReward = 10
)

// Escrow statuses.
const (
	EscrowOpen     = "open"
	EscrowReleased = "released"
)

var (
	ErrEscrowExists   = errors.New("escrow already open for proposal")
	ErrEscrowNotFound = errors.New("escrow not found")
)

// Rating is the public standing of an agent.
type Rating struct {
	Rating       int
	Transactions int
}

// StakeCheck is the verdict of a staking pre-flight.
type StakeCheck struct {
	OK     bool
	Reason string
}

// EscrowSide is one party's position in an escrow.
type EscrowSide struct {
	AgentID string
	Stake   int
}

// Escrow holds both parties' stakes pending a proposal outcome.
type Escrow struct {
	ProposalID string
	Proposer   EscrowSide
	Acceptor   EscrowSide
	ExpiresAt  int64 // epoch ms
	Status     string
	CreatedAt  int64 // epoch ms
}

// Completion describes a completed proposal for settlement.
type Completion struct {
	ProposalID        string
	Completer         string
	Counterparty      string
	Amount            float64
	CompleterStake    int
	CounterpartyStake int
}

// Dispute describes the immediate (no-panel) dispute settlement path.
type Dispute struct {
	ProposalID string
	Disputant  string
	Respondent string
}

// Settlement carries a resolved dispute's rating deltas. Deltas cover both
// parties and every arbiter; Parties lists the two principals whose
// transaction counts advance.
type Settlement struct {
	DisputeID  string
	ProposalID string
	Verdict    string
	Deltas     map[string]int
	Parties    []string
}

// Store is the ledger contract. Implementations must tolerate unknown
// agents by treating them as DefaultRating with zero transactions.
type Store interface {
	// GetRating returns the agent's standing, defaulting for unknowns.
	GetRating(ctx context.Context, agentID string) (Rating, error)

	// CanStake checks whether the agent can lock the given points without
	// breaching the rating floor.
	CanStake(ctx context.Context, agentID string, amount int) (StakeCheck, error)

	// CreateEscrow opens an escrow for an accepted proposal. At most one
	// escrow per proposal.
	CreateEscrow(ctx context.Context, proposalID string, proposer, acceptor EscrowSide, expiresAtMs int64) error

	// ProcessCompletion settles a completed proposal and returns the rating
	// deltas applied, keyed by agent id.
	ProcessCompletion(ctx context.Context, c Completion) (map[string]int, error)

	// ProcessDispute settles a dispute on the immediate path: the escrow is
	// released, both stakes return, ratings hold.
	ProcessDispute(ctx context.Context, d Dispute) (map[string]int, error)

	// ApplyVerdictSettlement applies a resolved dispute's deltas and
	// releases the escrow.
	ApplyVerdictSettlement(ctx context.Context, s Settlement) error

	// MigrateAgentID moves an agent's standing and escrow positions to a
	// new id.
	MigrateAgentID(ctx context.Context, oldID, newID string) error

	Close() error
}

// CompletionDeltas is the shared settlement rule: the completer takes the
// counterparty's stake; with nothing at stake the completer earns the base
// reward.
func CompletionDeltas(c Completion) map[string]int {
	if c.CounterpartyStake > 0 {
		return map[string]int{
			c.Completer:    c.CounterpartyStake,
			c.Counterparty: -c.CounterpartyStake,
		}
	}
	return map[string]int{
		c.Completer:    CompletionReward,
		c.Counterparty: 0,
	}
}

// checkStake is the backend-independent part of CanStake.
func checkStake(rating, amount int) StakeCheck {
	switch {
	case amount < 0:
		return StakeCheck{OK: false, Reason: "negative stake"}
	case amount == 0:
		return StakeCheck{OK: true}
	case rating-amount < RatingFloor:
		return StakeCheck{OK: false, Reason: "stake would breach rating floor"}
	default:
		return StakeCheck{OK: true}
	}
}
