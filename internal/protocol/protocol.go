// Package protocol is the single source of truth for the agentchat wire
// protocol: message type tokens, frame codec, error codes, canonical signing
// payloads, and the inline callback marker syntax.
//
// Each wire record is one JSON object per text frame with a required "type"
// field drawn from the fixed vocabulary below. Agent references begin with
// "@", channel references with "#". Timestamps are integer milliseconds since
// the Unix epoch. All ids are opaque strings.
package protocol

// ============================================================================
// MESSAGE TYPE VOCABULARY
// ============================================================================

// Client → server message types.
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
	TypeAdminApprove    = "ADMIN_APPROVE"
	TypeAdminRevoke     = "ADMIN_REVOKE"
	TypeAdminList       = "ADMIN_LIST"
	TypeAdminKick       = "ADMIN_KICK"
	TypeAdminBan        = "ADMIN_BAN"
	TypeAdminUnban      = "ADMIN_UNBAN"
	TypeAdminVerify     = "ADMIN_VERIFY"
	TypeAdminMotd       = "ADMIN_MOTD"
	TypeAdminOpenWindow = "ADMIN_OPEN_WINDOW"
)

// Server → client message types. MSG, PROPOSAL, ACCEPT, REJECT, COMPLETE,
// DISPUTE and VERIFY_REQUEST are bidirectional: the server forwards them to
// the counterparty under the same token.
const (
	TypeChallenge          = "CHALLENGE"
	TypeWelcome            = "WELCOME"
	TypeJoined             = "JOINED"
	TypeLeft               = "LEFT"
	TypeAgentJoined        = "AGENT_JOINED"
	TypeAgentLeft          = "AGENT_LEFT"
	TypeChannels           = "CHANNELS"
	TypeAgents             = "AGENTS"
	TypeCaptchaChallenge   = "CAPTCHA_CHALLENGE"
	TypePresenceChanged    = "PRESENCE_CHANGED"
	TypeNickChanged        = "NICK_CHANGED"
	TypeSessionDisplaced   = "SESSION_DISPLACED"
	TypeKicked             = "KICKED"
	TypeBanned             = "BANNED"
	TypeInvited            = "INVITED"
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
	TypeAdminResult        = "ADMIN_RESULT"
	TypeError              = "ERROR"
)

// Reference prefixes.
const (
	AgentPrefix   = "@"
	ChannelPrefix = "#"
)

// ServerAgentID is the synthetic sender of server-originated channel notices.
const ServerAgentID = "@server"

// Presence states an agent may advertise.
const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// Verdict values for arbitration votes and outcomes.
const (
	VerdictForDisputant  = "for_disputant"
	VerdictForRespondent = "for_respondent"
	VerdictSplit         = "split"
)

// Proposal statuses on the wire.
const (
	ProposalPending   = "pending"
	ProposalAccepted  = "accepted"
	ProposalRejected  = "rejected"
	ProposalCompleted = "completed"
	ProposalDisputed  = "disputed"
	ProposalExpired   = "expired"
)

// clientTypes is the set of tokens the server accepts from clients.
var clientTypes = map[string]bool{
	TypeIdentify:        true,
	TypeVerifyIdentity:  true,
	TypeCaptchaResponse: true,
	TypeMsg:             true,
	TypeJoin:            true,
	TypeLeave:           true,
	TypeListChannels:    true,
	TypeListAgents:      true,
	TypeCreateChannel:   true,
	TypeInvite:          true,
	TypeSetNick:         true,
	TypeSetPresence:     true,
	TypeRegisterSkills:  true,
	TypeSearchSkills:    true,
	TypeProposal:        true,
	TypeAccept:          true,
	TypeReject:          true,
	TypeComplete:        true,
	TypeDispute:         true,
	TypeDisputeIntent:   true,
	TypeDisputeReveal:   true,
	TypeEvidence:        true,
	TypeArbiterAccept:   true,
	TypeArbiterDecline:  true,
	TypeArbiterVote:     true,
	TypeVerifyRequest:   true,
	TypeVerifyResponse:  true,
	TypeAdminApprove:    true,
	TypeAdminRevoke:     true,
	TypeAdminList:       true,
	TypeAdminKick:       true,
	TypeAdminBan:        true,
	TypeAdminUnban:      true,
	TypeAdminVerify:     true,
	TypeAdminMotd:       true,
	TypeAdminOpenWindow: true,
}

// IsClientType reports whether the token is a valid client → server type.
func IsClientType(t string) bool { return clientTypes[t] }

// IsAdminType reports whether the token is one of the ADMIN_* operations.
func IsAdminType(t string) bool {
	switch t {
	case TypeAdminApprove, TypeAdminRevoke, TypeAdminList, TypeAdminKick,
		TypeAdminBan, TypeAdminUnban, TypeAdminVerify, TypeAdminMotd,
		TypeAdminOpenWindow:
		return true
	}
	return false
}

// ValidPresence reports whether p is a recognized presence state.
func ValidPresence(p string) bool {
	switch p {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return true
	}
	return false
}

// ValidVerdict reports whether v is a castable arbiter vote. Split is a
// computed outcome, never a ballot.
func ValidVerdict(v string) bool {
	return v == VerdictForDisputant || v == VerdictForRespondent
}
