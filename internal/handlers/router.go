// Package handlers implements the protocol state machine: one Router decodes
// client frames, enforces the auth/captcha/lurk gates, and drives the
// identity, channel, proposal and arbitration stores. The hub serializes
// frames per connection, so handlers only synchronize around shared stores.
package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentchat/server/internal/arbitration"
	"github.com/agentchat/server/internal/captcha"
	"github.com/agentchat/server/internal/channel"
	"github.com/agentchat/server/internal/database"
	"github.com/agentchat/server/internal/evidence"
	"github.com/agentchat/server/internal/fabric"
	"github.com/agentchat/server/internal/hooks"
	"github.com/agentchat/server/internal/identity"
	"github.com/agentchat/server/internal/metrics"
	"github.com/agentchat/server/internal/proposal"
	"github.com/agentchat/server/internal/protocol"
	"github.com/agentchat/server/internal/reputation"
	"github.com/agentchat/server/internal/roster"
	"github.com/agentchat/server/internal/skills"
	"github.com/agentchat/server/internal/timers"
)

// repCallTimeout bounds every reputation backend call made from a handler.
const repCallTimeout = 5 * time.Second

var errBadMigration = errors.New("migration requires two distinct @agent ids")

// Options are the tunable policy knobs, mapped from config by the caller.
// Zero values select the stock defaults.
type Options struct {
	MsgGapMs  int64
	NickGapMs int64
	Motd      string

	AllowlistOnly bool

	CaptchaEnabled         bool
	CaptchaDifficulty      captcha.Difficulty
	CaptchaFailAction      captcha.FailAction
	CaptchaSkipAllowlisted bool
	CaptchaTTL             time.Duration

	VerifyTTL     time.Duration
	ProposalTTLMs int64
	Timeouts      arbitration.Timeouts

	AdminKey     string
	AdminKeyHash string
}

func (o *Options) normalize() {
	if o.MsgGapMs <= 0 {
		o.MsgGapMs = 1000
	}
	if o.NickGapMs <= 0 {
		o.NickGapMs = 30_000
	}
	if o.CaptchaTTL <= 0 {
		o.CaptchaTTL = 2 * time.Minute
	}
	if o.VerifyTTL <= 0 {
		o.VerifyTTL = 2 * time.Minute
	}
	if o.ProposalTTLMs <= 0 {
		o.ProposalTTLMs = (24 * time.Hour).Milliseconds()
	}
	if o.Timeouts == (arbitration.Timeouts{}) {
		o.Timeouts = arbitration.DefaultTimeouts()
	}
}

// Deps collects every store the router drives. Profiles may be nil; Hooks,
// Metrics and Vault must not be.
type Deps struct {
	Hub        *fabric.Hub
	Challenges *identity.ChallengeStore
	FirstSeen  *identity.FirstSeenLedger
	PeerVerify *identity.PeerVerifyStore
	Captchas   *captcha.Store
	CaptchaGen *captcha.Generator
	Roster     *roster.Roster
	Skills     *skills.Registry
	Channels   *channel.Store
	Proposals  *proposal.Store
	Disputes   *arbitration.Store
	Reputation reputation.Store
	Vault      *evidence.Vault
	Hooks      hooks.Emitter
	Timers     *timers.Store
	Metrics    *metrics.Metrics
	Inbox      *fabric.Inbox
	Profiles   *database.SupabaseClient

	Options Options
}

type handlerFunc func(*fabric.Session, *protocol.ClientFrame)

// Router dispatches decoded frames to per-operation handlers. It implements
// fabric.Handler.
type Router struct {
	hub        *fabric.Hub
	challenges *identity.ChallengeStore
	firstSeen  *identity.FirstSeenLedger
	peerVerify *identity.PeerVerifyStore
	captchas   *captcha.Store
	captchaGen *captcha.Generator
	captchaMu  sync.Mutex // Generator's rng is not goroutine safe
	roster     *roster.Roster
	skills     *skills.Registry
	channels   *channel.Store
	proposals  *proposal.Store
	disputes   *arbitration.Store
	rep        reputation.Store
	vault      *evidence.Vault
	hooks      hooks.Emitter
	timers     *timers.Store
	metrics    *metrics.Metrics
	inbox      *fabric.Inbox
	profiles   *database.SupabaseClient

	opts Options

	motdMu sync.RWMutex
	motd   string

	dispatch map[string]handlerFunc
	now      func() time.Time
	logger   *log.Logger
}

// New wires a Router over its stores.
func New(deps Deps) *Router {
	deps.Options.normalize()
	r := &Router{
		hub:        deps.Hub,
		challenges: deps.Challenges,
		firstSeen:  deps.FirstSeen,
		peerVerify: deps.PeerVerify,
		captchas:   deps.Captchas,
		captchaGen: deps.CaptchaGen,
		roster:     deps.Roster,
		skills:     deps.Skills,
		channels:   deps.Channels,
		proposals:  deps.Proposals,
		disputes:   deps.Disputes,
		rep:        deps.Reputation,
		vault:      deps.Vault,
		hooks:      deps.Hooks,
		timers:     deps.Timers,
		metrics:    deps.Metrics,
		inbox:      deps.Inbox,
		profiles:   deps.Profiles,
		opts:       deps.Options,
		motd:       deps.Options.Motd,
		now:        time.Now,
		logger:     log.New(log.Writer(), "[Router] ", log.LstdFlags),
	}
	r.dispatch = map[string]handlerFunc{
		protocol.TypeIdentify:        r.handleIdentify,
		protocol.TypeVerifyIdentity:  r.handleVerifyIdentity,
		protocol.TypeCaptchaResponse: r.handleCaptchaResponse,
		protocol.TypeMsg:             r.handleMsg,
		protocol.TypeJoin:            r.handleJoin,
		protocol.TypeLeave:           r.handleLeave,
		protocol.TypeListChannels:    r.handleListChannels,
		protocol.TypeListAgents:      r.handleListAgents,
		protocol.TypeCreateChannel:   r.handleCreateChannel,
		protocol.TypeInvite:          r.handleInvite,
		protocol.TypeSetNick:         r.handleSetNick,
		protocol.TypeSetPresence:     r.handleSetPresence,
		protocol.TypeRegisterSkills:  r.handleRegisterSkills,
		protocol.TypeSearchSkills:    r.handleSearchSkills,
		protocol.TypeProposal:        r.handleProposal,
		protocol.TypeAccept:          r.handleAccept,
		protocol.TypeReject:          r.handleReject,
		protocol.TypeComplete:        r.handleComplete,
		protocol.TypeDispute:         r.handleDispute,
		protocol.TypeDisputeIntent:   r.handleDisputeIntent,
		protocol.TypeDisputeReveal:   r.handleDisputeReveal,
		protocol.TypeEvidence:        r.handleEvidence,
		protocol.TypeArbiterAccept:   r.handleArbiterAccept,
		protocol.TypeArbiterDecline:  r.handleArbiterDecline,
		protocol.TypeArbiterVote:     r.handleArbiterVote,
		protocol.TypeVerifyRequest:   r.handleVerifyRequest,
		protocol.TypeVerifyResponse:  r.handleVerifyResponse,
		protocol.TypeAdminApprove:    r.handleAdmin,
		protocol.TypeAdminRevoke:     r.handleAdmin,
		protocol.TypeAdminList:       r.handleAdmin,
		protocol.TypeAdminKick:       r.handleAdmin,
		protocol.TypeAdminBan:        r.handleAdmin,
		protocol.TypeAdminUnban:      r.handleAdmin,
		protocol.TypeAdminVerify:     r.handleAdmin,
		protocol.TypeAdminMotd:       r.handleAdmin,
		protocol.TypeAdminOpenWindow: r.handleAdmin,
	}
	return r
}

// preAuth lists the frame types accepted before IDENTIFY completes. Admin
// operations carry their own key, so the websocket identity is irrelevant.
var preAuth = map[string]bool{
	protocol.TypeIdentify:        true,
	protocol.TypeVerifyIdentity:  true,
	protocol.TypeCaptchaResponse: true,
	protocol.TypeListChannels:    true,
}

// HandleFrame decodes and dispatches one client frame.
func (r *Router) HandleFrame(s *fabric.Session, raw []byte) {
	f, err := protocol.DecodeClientFrame(raw)
	if err != nil {
		r.metrics.RecordInbound("malformed", len(raw))
		r.sendErr(s, protocol.ErrInvalidMsg, err.Error())
		return
	}
	r.metrics.RecordInbound(f.Type, len(raw))

	if !s.Authenticated() && !preAuth[f.Type] && !protocol.IsAdminType(f.Type) {
		r.sendErr(s, protocol.ErrAuthRequired, "identify first")
		return
	}
	r.dispatch[f.Type](s, f)
}

// HandleDisconnect tears down per-session and, when the session still owns
// its agent id, per-agent state. A displaced session skips agent teardown:
// the successor owns the channels and pending verifications now.
func (r *Router) HandleDisconnect(s *fabric.Session) {
	r.challenges.DropSession(s.ID)
	r.captchas.DropSession(s.ID)

	if !s.Authenticated() {
		return
	}
	ag := s.Agent()
	if !r.hub.Owns(s, ag.ID) {
		return
	}
	r.metrics.RecordConnection("closed")

	for _, name := range r.channels.RemoveAgent(ag.ID) {
		members, err := r.channels.Members(name)
		if err != nil {
			continue
		}
		r.fanOut(members, protocol.TypeAgentLeft, &protocol.AgentLeft{
			Type:    protocol.TypeAgentLeft,
			Channel: name,
			Agent:   ag.ID,
			Name:    ag.Name,
		})
	}

	for _, pv := range r.peerVerify.DropAgent(ag.ID) {
		r.timers.Cancel(verifyTimerKey(pv.ID))
		if pv.Target == ag.ID {
			r.sendToAgent(pv.From, protocol.TypeVerifyFailed, &protocol.VerifyFailed{
				Type:   protocol.TypeVerifyFailed,
				Agent:  ag.ID,
				Reason: "agent disconnected",
			})
		}
	}
	r.logger.Printf("agent %s disconnected", ag.ID)
}

// MigrateAgent renames an agent id across every store, preserving rating,
// skills, memberships and open proposals or disputes. A live session bound
// to the old id is re-bound. Exposed through the admin HTTP surface only.
func (r *Router) MigrateAgent(ctx context.Context, oldID, newID string) error {
	if !strings.HasPrefix(oldID, protocol.AgentPrefix) || !strings.HasPrefix(newID, protocol.AgentPrefix) || oldID == newID {
		return errBadMigration
	}
	if err := r.skills.Rename(oldID, newID); err != nil {
		r.logger.Printf("migrate %s -> %s: skills rename: %v", oldID, newID, err)
	}
	r.channels.RenameMember(oldID, newID)
	r.proposals.RenameParty(oldID, newID)
	r.disputes.Rename(oldID, newID)
	if err := r.rep.MigrateAgentID(ctx, oldID, newID); err != nil {
		return err
	}
	if sess, ok := r.hub.Agent(oldID); ok {
		r.hub.ReleaseAgent(sess, oldID)
		r.hub.BindAgent(sess, newID)
		sess.UpdateAgent(func(a *fabric.Agent) { a.ID = newID })
	}
	r.logger.Printf("migrated agent %s -> %s", oldID, newID)
	return nil
}

// Motd returns the current message of the day.
func (r *Router) Motd() string {
	r.motdMu.RLock()
	defer r.motdMu.RUnlock()
	return r.motd
}

// SetMotd replaces the message of the day.
func (r *Router) SetMotd(motd string) {
	r.motdMu.Lock()
	defer r.motdMu.Unlock()
	r.motd = motd
}

// ============================================================================
// SEND HELPERS
// ============================================================================

// send encodes v and enqueues it on one session.
func (r *Router) send(s *fabric.Session, frameType string, v any) {
	frame := protocol.MustEncode(v)
	if s.Enqueue(frame) {
		r.metrics.RecordOutbound(frameType, len(frame))
	}
}

// sendErr replies with a uniform ERROR frame.
func (r *Router) sendErr(s *fabric.Session, code, message string) {
	r.metrics.RecordProtocolError(code)
	r.send(s, protocol.TypeError, protocol.NewError(code, message))
}

// sendToAgent delivers to a live agent session, false when offline.
func (r *Router) sendToAgent(agentID, frameType string, v any) bool {
	frame := protocol.MustEncode(v)
	if r.hub.SendToAgent(agentID, frame) {
		r.metrics.RecordOutbound(frameType, len(frame))
		return true
	}
	return false
}

// fanOut encodes once and delivers to every listed agent.
func (r *Router) fanOut(agentIDs []string, frameType string, v any) int {
	frame := protocol.MustEncode(v)
	sent := r.hub.SendToAgents(agentIDs, frame)
	r.metrics.RecordFanOut(frameType, len(frame), sent)
	return sent
}

// repCtx bounds one reputation backend call.
func (r *Router) repCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), repCallTimeout)
}

// AdminAuthorized reports whether key unlocks the admin surface. The HTTP
// sidecar checks against the same configuration as the websocket admin ops.
func (r *Router) AdminAuthorized(key string) bool {
	return r.adminAuthorized(key)
}

// adminAuthorized checks the admin key. A configured bcrypt hash wins over a
// plaintext key; with neither set, admin operations are disabled.
func (r *Router) adminAuthorized(key string) bool {
	if key == "" {
		return false
	}
	if r.opts.AdminKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(r.opts.AdminKeyHash), []byte(key)) == nil
	}
	if r.opts.AdminKey != "" {
		return subtle.ConstantTimeCompare([]byte(r.opts.AdminKey), []byte(key)) == 1
	}
	return false
}

// refreshRatingGauges best-effort reads the new ratings after a settlement.
func (r *Router) refreshRatingGauges(agentIDs ...string) {
	ctx, cancel := r.repCtx()
	defer cancel()
	for _, id := range agentIDs {
		rt, err := r.rep.GetRating(ctx, id)
		if err != nil {
			continue
		}
		r.metrics.SetAgentRating(id, rt.Rating)
	}
}

func (r *Router) nowMs() int64 { return r.now().UnixMilli() }

// exclude returns ids without the given member.
func exclude(ids []string, member string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != member {
			out = append(out, id)
		}
	}
	return out
}
