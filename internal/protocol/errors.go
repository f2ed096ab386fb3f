package protocol

// Error codes carried in {type: ERROR, code, message} frames. The taxonomy is
// fixed; handlers must not invent codes outside this list.
const (
	ErrAuthRequired        = "AUTH_REQUIRED"
	ErrInvalidMsg          = "INVALID_MSG"
	ErrNotAllowed          = "NOT_ALLOWED"
	ErrVerificationExpired = "VERIFICATION_EXPIRED"
	ErrVerificationFailed  = "VERIFICATION_FAILED"
	ErrCaptchaFailed       = "CAPTCHA_FAILED"
	ErrCaptchaExpired      = "CAPTCHA_EXPIRED"
	ErrLurkMode            = "LURK_MODE"
	ErrRateLimited         = "RATE_LIMITED"
	ErrChannelNotFound     = "CHANNEL_NOT_FOUND"
	ErrChannelExists       = "CHANNEL_EXISTS"
	ErrNotInvited          = "NOT_INVITED"
	ErrInvalidName         = "INVALID_NAME"
	ErrAgentNotFound       = "AGENT_NOT_FOUND"
	ErrNoPubkey            = "NO_PUBKEY"
	ErrSignatureRequired   = "SIGNATURE_REQUIRED"
	ErrProposalNotFound    = "PROPOSAL_NOT_FOUND"
	ErrInvalidProposal     = "INVALID_PROPOSAL"
	ErrNotProposalParty    = "NOT_PROPOSAL_PARTY"
	ErrInsufficientRep     = "INSUFFICIENT_REPUTATION"
	ErrDisputeNotFound     = "DISPUTE_NOT_FOUND"
	ErrDisputeExists       = "DISPUTE_ALREADY_EXISTS"
	ErrDisputeNotParty     = "DISPUTE_NOT_PARTY"
	ErrDisputeNotArbiter   = "DISPUTE_NOT_ARBITER"
	ErrCommitmentMismatch  = "DISPUTE_COMMITMENT_MISMATCH"
	ErrDeadlinePassed      = "DISPUTE_DEADLINE_PASSED"
	ErrBanned              = "BANNED"
	ErrServerShutdown      = "SERVER_SHUTDOWN"
)

// ErrorFrame is the uniform error reply. It never closes the connection by
// itself; fatal handshake failures and bans close separately.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an ERROR frame for the given code.
func NewError(code, message string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Code: code, Message: message}
}
