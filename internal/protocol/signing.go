package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
)

// Canonical signing payloads. Every signed operation signs the UTF-8 bytes of
// "<OP>|<field1>|<field2>|..." with no trailing whitespace; signatures are
// detached ed25519, base64-encoded on the wire. Both sides must build the
// exact same string, so the field order here is part of the protocol.

// AuthPayload is signed to answer a CHALLENGE.
func AuthPayload(nonce, challengeID string, timestamp int64) string {
	return "auth|" + nonce + "|" + challengeID + "|" + strconv.FormatInt(timestamp, 10)
}

// ProposalPayload is signed by the proposer.
func ProposalPayload(from, to, task string, amount float64, currency, paymentCode string, eloStake int, expiresAt int64) string {
	return strings.Join([]string{
		TypeProposal,
		from,
		to,
		task,
		strconv.FormatFloat(amount, 'f', -1, 64),
		currency,
		paymentCode,
		strconv.Itoa(eloStake),
		strconv.FormatInt(expiresAt, 10),
	}, "|")
}

// AcceptPayload is signed by the acceptor.
func AcceptPayload(proposalID, acceptor string, eloStake int) string {
	return TypeAccept + "|" + proposalID + "|" + acceptor + "|" + strconv.Itoa(eloStake)
}

// RejectPayload is signed by the rejecting party.
func RejectPayload(proposalID, agent, reason string) string {
	return TypeReject + "|" + proposalID + "|" + agent + "|" + reason
}

// CompletePayload is signed by the party marking completion.
func CompletePayload(proposalID, agent string) string {
	return TypeComplete + "|" + proposalID + "|" + agent
}

// DisputePayload is signed on the legacy single-shot dispute path.
func DisputePayload(proposalID, agent, reason string) string {
	return TypeDispute + "|" + proposalID + "|" + agent + "|" + reason
}

// DisputeIntentPayload is signed over the commitment, not the reason, so the
// filing leaks nothing before reveal.
func DisputeIntentPayload(proposalID, agent, commitment string) string {
	return TypeDisputeIntent + "|" + proposalID + "|" + agent + "|" + commitment
}

// DisputeRevealPayload is signed by the disputant when opening the commitment.
func DisputeRevealPayload(disputeID, agent, nonce string) string {
	return TypeDisputeReveal + "|" + disputeID + "|" + agent + "|" + nonce
}

// EvidencePayload is signed over the submitted bundle. Items are joined with
// ";;" in submission order.
func EvidencePayload(disputeID, agent string, items []string, statement string) string {
	return TypeEvidence + "|" + disputeID + "|" + agent + "|" + strings.Join(items, ";;") + "|" + statement
}

// ArbiterAcceptPayload is signed by a summoned arbiter taking a seat.
func ArbiterAcceptPayload(disputeID, agent string) string {
	return TypeArbiterAccept + "|" + disputeID + "|" + agent
}

// ArbiterDeclinePayload is signed by a summoned arbiter stepping aside.
func ArbiterDeclinePayload(disputeID, agent string) string {
	return TypeArbiterDecline + "|" + disputeID + "|" + agent
}

// ArbiterVotePayload is signed over the ballot.
func ArbiterVotePayload(disputeID, agent, vote string) string {
	return TypeArbiterVote + "|" + disputeID + "|" + agent + "|" + vote
}

// VerifyResponsePayload is the string a peer signs to answer VERIFY_REQUEST:
// exactly the challenger's nonce.
func VerifyResponsePayload(nonce string) string { return nonce }

// CommitmentHash is H(nonce || reason): the dispute-intent commitment,
// lowercase hex SHA-256 over the direct concatenation.
func CommitmentHash(nonce, reason string) string {
	sum := sha256.Sum256([]byte(nonce + reason))
	return hex.EncodeToString(sum[:])
}

// DrawSeed derives the deterministic panel-draw seed from the server nonce
// and the disputant's revealed nonce: the first 8 bytes, big-endian, of
// SHA-256(serverNonce || disputantNonce). Reproducible across
// implementations by construction.
func DrawSeed(serverNonce, disputantNonce string) int64 {
	sum := sha256.Sum256([]byte(serverNonce + disputantNonce))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
