package sdk

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// Message type tokens. The wire protocol is one JSON object per websocket
// text frame with a required "type" field; agent references begin with "@",
// channel references with "#", timestamps are Unix milliseconds.
const (
	TypeIdentify        = "IDENTIFY"
	TypeVerifyIdentity  = "VERIFY_IDENTITY"
	TypeCaptchaResponse = "CAPTCHA_RESPONSE"
	TypeMsg             = "MSG"
	TypeJoin            = "JOIN"
	TypeLeave           = "LEAVE"
	TypeListChannels    = "LIST_CHANNELS"
	TypeListAgents      = "LIST_AGENTS"
	TypeCreateChannel   = "CREATE_CHANNEL"
	TypeInvite          = "INVITE"
	TypeSetNick         = "SET_NICK"
	TypeSetPresence     = "SET_PRESENCE"
	TypeRegisterSkills  = "REGISTER_SKILLS"
	TypeSearchSkills    = "SEARCH_SKILLS"
	TypeProposal        = "PROPOSAL"
	TypeAccept          = "ACCEPT"
	TypeReject          = "REJECT"
	TypeComplete        = "COMPLETE"
	TypeDispute         = "DISPUTE"
	TypeDisputeIntent   = "DISPUTE_INTENT"
	TypeDisputeReveal   = "DISPUTE_REVEAL"
	TypeEvidence        = "EVIDENCE"
	TypeArbiterAccept   = "ARBITER_ACCEPT"
	TypeArbiterDecline  = "ARBITER_DECLINE"
	TypeArbiterVote     = "ARBITER_VOTE"
	TypeVerifyRequest   = "VERIFY_REQUEST"
	TypeVerifyResponse  = "VERIFY_RESPONSE"

	TypeChallenge          = "CHALLENGE"
	TypeWelcome            = "WELCOME"
	TypeCaptchaChallenge   = "CAPTCHA_CHALLENGE"
	TypeJoined             = "JOINED"
	TypeLeft               = "LEFT"
	TypeAgentJoined        = "AGENT_JOINED"
	TypeAgentLeft          = "AGENT_LEFT"
	TypeChannels           = "CHANNELS"
	TypeAgents             = "AGENTS"
	TypeInvited            = "INVITED"
	TypePresenceChanged    = "PRESENCE_CHANGED"
	TypeNickChanged        = "NICK_CHANGED"
	TypeSessionDisplaced   = "SESSION_DISPLACED"
	TypeKicked             = "KICKED"
	TypeBanned             = "BANNED"
	TypeSkillsRegistered   = "SKILLS_REGISTERED"
	TypeSkillsResults      = "SKILLS_RESULTS"
	TypeDisputeIntentAck   = "DISPUTE_INTENT_ACK"
	TypeEvidenceAck        = "EVIDENCE_ACK"
	TypePanelFormed        = "PANEL_FORMED"
	TypeArbiterAssigned    = "ARBITER_ASSIGNED"
	TypeCaseReady          = "CASE_READY"
	TypeVerdict            = "VERDICT"
	TypeDisputeFallback    = "DISPUTE_FALLBACK"
	TypeSettlementComplete = "SETTLEMENT_COMPLETE"
	TypeVerifySuccess      = "VERIFY_SUCCESS"
	TypeVerifyFailed       = "VERIFY_FAILED"
	TypeMotdUpdate         = "MOTD_UPDATE"
	TypeError              = "ERROR"
)

// Presence states an agent may advertise.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// Verdict ballots an arbiter may cast.
const (
	VerdictForDisputant  = "for_disputant"
	VerdictForRespondent = "for_respondent"
)

// Event is one server frame delivered after the handshake. Decode into the
// typed struct matching Type, or into your own shape.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the frame body into v.
func (e *Event) Decode(v any) error { return json.Unmarshal(e.Raw, v) }

// ----------------------------------------------------------------
// server frames
// ----------------------------------------------------------------

// Welcome completes the handshake. Lurk means the server holds this identity
// read-only until LurkUntil.
type Welcome struct {
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	Ephemeral bool   `json:"ephemeral"`
	Verified  bool   `json:"verified"`
	Lurk      bool   `json:"lurk"`
	LurkUntil int64  `json:"lurk_until"`
	Motd      string `json:"motd"`
}

// Challenge asks a keyed identity to prove key possession.
type Challenge struct {
	ChallengeID string `json:"challenge_id"`
	Nonce       string `json:"nonce"`
	ExpiresAt   int64  `json:"expires_at"`
}

// CaptchaChallenge interposes a question before the handshake completes.
type CaptchaChallenge struct {
	CaptchaID    string `json:"captcha_id"`
	Question     string `json:"question"`
	ExpiresAt    int64  `json:"expires_at"`
	AttemptsLeft int    `json:"attempts_left"`
}

// Msg is a routed chat message, channel or direct. Replay marks ring history
// delivered on join.
type Msg struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	FromName  string `json:"from_name"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Replay    bool   `json:"replay"`
}

// Joined confirms a JOIN and carries the member list.
type Joined struct {
	Channel string   `json:"channel"`
	Members []string `json:"members"`
}

// ChannelInfo is one row of a CHANNELS listing.
type ChannelInfo struct {
	Name         string `json:"name"`
	Members      int    `json:"members"`
	InviteOnly   bool   `json:"invite_only"`
	VerifiedOnly bool   `json:"verified_only"`
}

// Channels answers ListChannels.
type Channels struct {
	Channels []ChannelInfo `json:"channels"`
}

// AgentInfo is one row of an AGENTS listing.
type AgentInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Presence string `json:"presence"`
	Status   string `json:"status"`
	Verified bool   `json:"verified"`
}

// Agents answers ListAgents.
type Agents struct {
	Channel string      `json:"channel"`
	Agents  []AgentInfo `json:"agents"`
}

// ProposalView is the wire form of a proposal.
type ProposalView struct {
	ID               string  `json:"id"`
	From             string  `json:"from"`
	To               string  `json:"to"`
	Task             string  `json:"task"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency"`
	PaymentCode      string  `json:"payment_code"`
	EloStakeProposer int     `json:"elo_stake_proposer"`
	EloStakeAcceptor int     `json:"elo_stake_acceptor"`
	ExpiresAt        int64   `json:"expires_at"`
	Status           string  `json:"status"`
	CreatedAt        int64   `json:"created_at"`
}

// ProposalNotice forwards a new proposal.
type ProposalNotice struct {
	Proposal  ProposalView `json:"proposal"`
	Signature string       `json:"signature"`
}

// ProposalOutcome reports an accept/reject/complete/dispute transition.
type ProposalOutcome struct {
	ProposalID     string         `json:"proposal_id"`
	By             string         `json:"by"`
	Status         string         `json:"status"`
	Reason         string         `json:"reason"`
	StakesEscrowed bool           `json:"stakes_escrowed"`
	RatingChanges  map[string]int `json:"rating_changes"`
}

// VerifyRequestNotice relays a peer verification challenge; answer it with
// RespondVerify.
type VerifyRequestNotice struct {
	RequestID string `json:"request_id"`
	From      string `json:"from"`
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"expires_at"`
}

// ErrorFrame is the server's rejection of an operation.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ----------------------------------------------------------------
// canonical signing payloads
// ----------------------------------------------------------------

// Signed operations sign the UTF-8 bytes of "<OP>|<field1>|<field2>|...";
// the exact field order is part of the protocol, so these builders must stay
// in lockstep with the server.

func authPayload(nonce, challengeID string, timestamp int64) string {
	return "auth|" + nonce + "|" + challengeID + "|" + strconv.FormatInt(timestamp, 10)
}

func proposalPayload(from, to, task string, amount float64, currency, paymentCode string, eloStake int, expiresAt int64) string {
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

func acceptPayload(proposalID, acceptor string, eloStake int) string {
	return TypeAccept + "|" + proposalID + "|" + acceptor + "|" + strconv.Itoa(eloStake)
}

func rejectPayload(proposalID, agent, reason string) string {
	return TypeReject + "|" + proposalID + "|" + agent + "|" + reason
}

func completePayload(proposalID, agent string) string {
	return TypeComplete + "|" + proposalID + "|" + agent
}

func disputePayload(proposalID, agent, reason string) string {
	return TypeDispute + "|" + proposalID + "|" + agent + "|" + reason
}

func disputeIntentPayload(proposalID, agent, commitment string) string {
	return TypeDisputeIntent + "|" + proposalID + "|" + agent + "|" + commitment
}

func disputeRevealPayload(disputeID, agent, nonce string) string {
	return TypeDisputeReveal + "|" + disputeID + "|" + agent + "|" + nonce
}

func evidencePayload(disputeID, agent string, items []string, statement string) string {
	return TypeEvidence + "|" + disputeID + "|" + agent + "|" + strings.Join(items, ";;") + "|" + statement
}

func arbiterAcceptPayload(disputeID, agent string) string {
	return TypeArbiterAccept + "|" + disputeID + "|" + agent
}

func arbiterDeclinePayload(disputeID, agent string) string {
	return TypeArbiterDecline + "|" + disputeID + "|" + agent
}

func arbiterVotePayload(disputeID, agent, vote string) string {
	return TypeArbiterVote + "|" + disputeID + "|" + agent + "|" + vote
}

// CommitmentHash builds the dispute-intent commitment H(nonce || reason):
// lowercase hex SHA-256 over the direct concatenation. Keep the nonce secret
// until DisputeReveal.
func CommitmentHash(nonce, reason string) string {
	sum := sha256.Sum256([]byte(nonce + reason))
	return hex.EncodeToString(sum[:])
}
