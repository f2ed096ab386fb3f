package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxFrameBytes is the largest frame the codec will decode.
const MaxFrameBytes = 512 * 1024

// ============================================================================
// INBOUND FRAMES
// ============================================================================

// ClientFrame is the decoded form of any client → server frame. The field set
// is the union over all client message types; handlers read only the fields
// their type defines and validate the rest away.
type ClientFrame struct {
	Type string `json:"type"`

	// IDENTIFY
	Name   string `json:"name,omitempty"`
	Pubkey string `json:"pubkey,omitempty"`

	// VERIFY_IDENTITY and all signed operations
	ChallengeID string `json:"challenge_id,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`

	// CAPTCHA_RESPONSE
	CaptchaID string `json:"captcha_id,omitempty"`
	Answer    string `json:"answer,omitempty"`

	// MSG
	To      string `json:"to,omitempty"`
	Content string `json:"content,omitempty"`

	// JOIN / LEAVE / CREATE_CHANNEL / INVITE
	Channel      string `json:"channel,omitempty"`
	InviteOnly   bool   `json:"invite_only,omitempty"`
	VerifiedOnly bool   `json:"verified_only,omitempty"`
	Agent        string `json:"agent,omitempty"`

	// SET_NICK / SET_PRESENCE
	Nick     string `json:"nick,omitempty"`
	Presence string `json:"presence,omitempty"`
	Status   string `json:"status,omitempty"`

	// REGISTER_SKILLS / SEARCH_SKILLS
	Skills []string `json:"skills,omitempty"`
	Query  string   `json:"query,omitempty"`

	// Proposal lifecycle
	ProposalID  string  `json:"proposal_id,omitempty"`
	Task        string  `json:"task,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	PaymentCode string  `json:"payment_code,omitempty"`
	EloStake    int     `json:"elo_stake,omitempty"`
	ExpiresAt   int64   `json:"expires_at,omitempty"`
	Reason      string  `json:"reason,omitempty"`

	// Arbitration
	DisputeID  string   `json:"dispute_id,omitempty"`
	Commitment string   `json:"commitment,omitempty"`
	Nonce      string   `json:"nonce,omitempty"`
	Items      []string `json:"items,omitempty"`
	Statement  string   `json:"statement,omitempty"`
	Vote       string   `json:"vote,omitempty"`
	Reasoning  string   `json:"reasoning,omitempty"`

	// Peer verification
	RequestID string `json:"request_id,omitempty"`

	// ADMIN_*
	AdminKey   string `json:"admin_key,omitempty"`
	Key        string `json:"key,omitempty"`
	Note       string `json:"note,omitempty"`
	Motd       string `json:"motd,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// DecodeClientFrame parses one inbound frame and validates its type token.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	if !IsClientType(f.Type) {
		return nil, fmt.Errorf("unknown message type %q", f.Type)
	}
	return &f, nil
}

// Encode serializes any outbound frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// MustEncode is Encode for frames built from internal state, where a marshal
// failure is a programming error.
func MustEncode(v any) []byte {
	data, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return data
}

// ============================================================================
// OUTBOUND FRAMES
// ============================================================================

// Challenge asks a persistent identity to prove key possession.
type Challenge struct {
	Type        string `json:"type"`
	ChallengeID string `json:"challenge_id"`
	Nonce       string `json:"nonce"`
	ExpiresAt   int64  `json:"expires_at"`
}

func NewChallenge(id, nonce string, expiresAt int64) *Challenge {
	return &Challenge{Type: TypeChallenge, ChallengeID: id, Nonce: nonce, ExpiresAt: expiresAt}
}

// Welcome completes a handshake.
type Welcome struct {
	Type      string `json:"type"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	Verified  bool   `json:"verified,omitempty"`
	Lurk      bool   `json:"lurk"`
	LurkUntil int64  `json:"lurk_until,omitempty"`
	Motd      string `json:"motd,omitempty"`
}

// CaptchaChallenge carries a pending captcha question.
type CaptchaChallenge struct {
	Type         string `json:"type"`
	CaptchaID    string `json:"captcha_id"`
	Question     string `json:"question"`
	ExpiresAt    int64  `json:"expires_at"`
	AttemptsLeft int    `json:"attempts_left"`
}

// Msg is a routed chat message, channel or direct.
type Msg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	From      string `json:"from"`
	FromName  string `json:"from_name,omitempty"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Replay    bool   `json:"replay,omitempty"`
}

// Joined confirms a JOIN and carries the full member list.
type Joined struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Members []string `json:"members"`
}

// Left confirms a LEAVE.
type Left struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// AgentJoined is broadcast to existing members on a first join.
type AgentJoined struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Agent   string `json:"agent"`
	Name    string `json:"name,omitempty"`
}

// AgentLeft is broadcast to remaining members.
type AgentLeft struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Agent   string `json:"agent"`
	Name    string `json:"name,omitempty"`
}

// ChannelInfo is one row of a CHANNELS listing.
type ChannelInfo struct {
	Name         string `json:"name"`
	Members      int    `json:"members"`
	InviteOnly   bool   `json:"invite_only,omitempty"`
	VerifiedOnly bool   `json:"verified_only,omitempty"`
}

// Channels answers LIST_CHANNELS.
type Channels struct {
	Type     string        `json:"type"`
	Channels []ChannelInfo `json:"channels"`
}

// AgentInfo is one row of an AGENTS listing.
type AgentInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Presence string `json:"presence"`
	Status   string `json:"status,omitempty"`
	Verified bool   `json:"verified,omitempty"`
}

// Agents answers LIST_AGENTS.
type Agents struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Agents  []AgentInfo `json:"agents"`
}

// Invited notifies an online agent of a channel invitation.
type Invited struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	By      string `json:"by"`
}

// PresenceChanged fans out a presence update.
type PresenceChanged struct {
	Type     string `json:"type"`
	Agent    string `json:"agent"`
	Presence string `json:"presence"`
	Status   string `json:"status,omitempty"`
}

// NickChanged fans out a rename.
type NickChanged struct {
	Type    string `json:"type"`
	Agent   string `json:"agent"`
	OldNick string `json:"old_nick"`
	NewNick string `json:"new_nick"`
}

// SessionDisplaced tells the losing session its id was re-bound elsewhere.
type SessionDisplaced struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Kicked precedes an admin-forced close.
type Kicked struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Banned precedes a ban close.
type Banned struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// SkillsRegistered acknowledges REGISTER_SKILLS.
type SkillsRegistered struct {
	Type   string   `json:"type"`
	Agent  string   `json:"agent"`
	Skills []string `json:"skills"`
}

// SkillMatch is one SEARCH_SKILLS hit.
type SkillMatch struct {
	Agent  string   `json:"agent"`
	Name   string   `json:"name,omitempty"`
	Skills []string `json:"skills"`
	Online bool     `json:"online"`
}

// SkillsResults answers SEARCH_SKILLS.
type SkillsResults struct {
	Type    string       `json:"type"`
	Query   string       `json:"query"`
	Matches []SkillMatch `json:"matches"`
}

// MotdUpdate fans out a new message of the day.
type MotdUpdate struct {
	Type string `json:"type"`
	Motd string `json:"motd"`
}

// AdminResult reports the outcome of an ADMIN_* operation.
type AdminResult struct {
	Type   string          `json:"type"`
	Op     string          `json:"op"`
	OK     bool            `json:"ok"`
	Detail string          `json:"detail,omitempty"`
	List   json.RawMessage `json:"list,omitempty"`
}

// ============================================================================
// PROPOSAL FRAMES
// ============================================================================

// ProposalView is the wire form of a proposal, embedded in lifecycle frames.
type ProposalView struct {
	ID               string  `json:"id"`
	From             string  `json:"from"`
	To               string  `json:"to"`
	Task             string  `json:"task"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency"`
	PaymentCode      string  `json:"payment_code,omitempty"`
	EloStakeProposer int     `json:"elo_stake_proposer,omitempty"`
	EloStakeAcceptor int     `json:"elo_stake_acceptor,omitempty"`
	ExpiresAt        int64   `json:"expires_at"`
	Status           string  `json:"status"`
	CreatedAt        int64   `json:"created_at"`
}

// ProposalNotice forwards a new proposal to its target and echoes it to the
// proposer.
type ProposalNotice struct {
	Type      string       `json:"type"`
	Proposal  ProposalView `json:"proposal"`
	Signature string       `json:"signature,omitempty"`
}

// ProposalOutcome reports an ACCEPT/REJECT/COMPLETE/DISPUTE transition to both
// parties. RatingChanges is null when reputation settlement failed or does
// not apply.
type ProposalOutcome struct {
	Type           string         `json:"type"`
	ProposalID     string         `json:"proposal_id"`
	By             string         `json:"by"`
	Status         string         `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	StakesEscrowed bool           `json:"stakes_escrowed,omitempty"`
	RatingChanges  map[string]int `json:"rating_changes"`
}

// ============================================================================
// ARBITRATION FRAMES
// ============================================================================

// DisputeIntentAck returns the server nonce binding a commit-reveal filing.
type DisputeIntentAck struct {
	Type           string `json:"type"`
	DisputeID      string `json:"dispute_id"`
	ProposalID     string `json:"proposal_id"`
	ServerNonce    string `json:"server_nonce"`
	RevealDeadline int64  `json:"reveal_deadline"`
}

// PanelFormed tells both parties their panel is seated.
type PanelFormed struct {
	Type       string   `json:"type"`
	DisputeID  string   `json:"dispute_id"`
	ProposalID string   `json:"proposal_id"`
	Arbiters   []string `json:"arbiters"`
	Phase      string   `json:"phase"`
}

// ArbiterAssigned summons one arbiter to a case.
type ArbiterAssigned struct {
	Type             string `json:"type"`
	DisputeID        string `json:"dispute_id"`
	ProposalID       string `json:"proposal_id"`
	Disputant        string `json:"disputant"`
	Respondent       string `json:"respondent"`
	ResponseDeadline int64  `json:"response_deadline"`
}

// EvidenceAck confirms one party's evidence bundle.
type EvidenceAck struct {
	Type      string `json:"type"`
	DisputeID string `json:"dispute_id"`
	Deadline  int64  `json:"deadline"`
}

// EvidenceView is one party's submitted bundle as shown to arbiters.
type EvidenceView struct {
	Party     string   `json:"party"`
	Items     []string `json:"items"`
	Statement string   `json:"statement,omitempty"`
}

// CaseReady delivers the finalized case file to arbiters for deliberation.
type CaseReady struct {
	Type         string         `json:"type"`
	DisputeID    string         `json:"dispute_id"`
	ProposalID   string         `json:"proposal_id"`
	Reason       string         `json:"reason"`
	Evidence     []EvidenceView `json:"evidence"`
	VoteDeadline int64          `json:"vote_deadline"`
}

// Verdict announces the panel outcome.
type Verdict struct {
	Type      string         `json:"type"`
	DisputeID string         `json:"dispute_id"`
	Verdict   string         `json:"verdict"`
	Tally     map[string]int `json:"tally"`
}

// DisputeFallback reports that no panel could be held.
type DisputeFallback struct {
	Type      string `json:"type"`
	DisputeID string `json:"dispute_id"`
	Reason    string `json:"reason"`
}

// SettlementComplete reports applied rating deltas after a verdict or a
// legacy dispute settlement.
type SettlementComplete struct {
	Type          string         `json:"type"`
	DisputeID     string         `json:"dispute_id,omitempty"`
	ProposalID    string         `json:"proposal_id"`
	Verdict       string         `json:"verdict,omitempty"`
	RatingChanges map[string]int `json:"rating_changes"`
}

// ============================================================================
// PEER VERIFICATION FRAMES
// ============================================================================

// VerifyRequestNotice forwards a peer-verification request to its target.
type VerifyRequestNotice struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	From      string `json:"from"`
	Nonce     string `json:"nonce"`
	ExpiresAt int64  `json:"expires_at"`
}

// VerifySuccess reports a verified peer, carrying its public key.
type VerifySuccess struct {
	Type   string `json:"type"`
	Agent  string `json:"agent"`
	Pubkey string `json:"pubkey"`
}

// VerifyFailed reports a failed or expired peer verification.
type VerifyFailed struct {
	Type   string `json:"type"`
	Agent  string `json:"agent"`
	Reason string `json:"reason"`
}
