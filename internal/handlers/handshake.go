package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/agentchat/server/internal/captcha"
	"github.com/agentchat/server/internal/database"
	"github.com/agentchat/server/internal/fabric"
	"github.com/agentchat/server/internal/identity"
	"github.com/agentchat/server/internal/protocol"
)

func captchaTimerKey(captchaID string) string { return "captcha-" + captchaID }

// handleIdentify starts a handshake: key-less frames register an ephemeral
// identity, keyed frames get a signature challenge first.
func (r *Router) handleIdentify(s *fabric.Session, f *protocol.ClientFrame) {
	if s.Authenticated() {
		r.sendErr(s, protocol.ErrInvalidMsg, "already identified")
		return
	}
	if s.CaptchaID() != "" {
		r.sendErr(s, protocol.ErrInvalidMsg, "answer the pending captcha first")
		return
	}
	name := strings.TrimSpace(f.Name)

	if f.Pubkey == "" {
		if r.opts.AllowlistOnly {
			r.sendErr(s, protocol.ErrNotAllowed, "server requires an allowlisted key")
			return
		}
		if r.opts.CaptchaEnabled {
			r.dispatchCaptcha(s, captcha.Registration{Name: name, Ephemeral: true})
			return
		}
		r.completeEphemeral(s, name)
		return
	}

	if _, err := identity.ParsePublicKey(f.Pubkey); err != nil {
		r.sendErr(s, protocol.ErrInvalidMsg, "malformed public key")
		return
	}
	if r.roster.Ban.Contains(f.Pubkey) {
		r.sendErr(s, protocol.ErrBanned, "key is banned")
		s.Close()
		return
	}
	if r.opts.AllowlistOnly && !r.roster.Allow.Contains(f.Pubkey) {
		r.sendErr(s, protocol.ErrNotAllowed, "key is not allowlisted")
		return
	}

	ch, err := r.challenges.Create(s.ID, name, f.Pubkey, r.now())
	if err != nil {
		r.sendErr(s, protocol.ErrInvalidMsg, "challenge already pending")
		return
	}
	r.send(s, protocol.TypeChallenge, protocol.NewChallenge(ch.ID, ch.Nonce, ch.ExpiresAt.UnixMilli()))
}

// handleVerifyIdentity checks the challenge signature, then either finishes
// registration or interposes a captcha.
func (r *Router) handleVerifyIdentity(s *fabric.Session, f *protocol.ClientFrame) {
	if s.Authenticated() {
		r.sendErr(s, protocol.ErrInvalidMsg, "already identified")
		return
	}
	ch, err := r.challenges.Take(f.ChallengeID, s.ID, r.now())
	if err != nil {
		if errors.Is(err, identity.ErrChallengeExpired) {
			r.sendErr(s, protocol.ErrVerificationExpired, "challenge expired, identify again")
			return
		}
		r.sendErr(s, protocol.ErrVerificationFailed, "no matching challenge")
		return
	}

	payload := protocol.AuthPayload(ch.Nonce, ch.ID, f.Timestamp)
	ok, err := identity.VerifyDetached(ch.Pubkey, payload, f.Signature)
	if err != nil || !ok {
		r.logger.Printf("challenge %s: signature rejected for session %s", ch.ID, s.ID)
		r.sendErr(s, protocol.ErrVerificationFailed, "signature does not verify")
		return
	}

	if r.captchaRequired(ch.Pubkey) {
		r.dispatchCaptcha(s, captcha.Registration{Name: ch.Name, Pubkey: ch.Pubkey})
		return
	}
	r.completePersistent(s, ch.Name, ch.Pubkey, false)
}

// handleCaptchaResponse grades an answer and applies the fail policy when
// attempts run out.
func (r *Router) handleCaptchaResponse(s *fabric.Session, f *protocol.ClientFrame) {
	if s.Authenticated() {
		r.sendErr(s, protocol.ErrInvalidMsg, "already identified")
		return
	}
	id := f.CaptchaID
	if id == "" {
		id = s.CaptchaID()
	}
	outcome, pending, left := r.captchas.Attempt(id, s.ID, f.Answer, r.now())
	switch outcome {
	case captcha.OutcomeNotFound:
		r.sendErr(s, protocol.ErrInvalidMsg, "no pending captcha")
	case captcha.OutcomeExpired:
		s.ClearCaptcha()
		r.timers.Cancel(captchaTimerKey(id))
		r.sendErr(s, protocol.ErrCaptchaExpired, "captcha expired")
		s.Close()
	case captcha.OutcomeWrong:
		r.sendErr(s, protocol.ErrCaptchaFailed, "wrong answer")
		r.send(s, protocol.TypeCaptchaChallenge, &protocol.CaptchaChallenge{
			Type:         protocol.TypeCaptchaChallenge,
			CaptchaID:    id,
			Question:     pending.Question.Text,
			ExpiresAt:    pending.ExpiresAt.UnixMilli(),
			AttemptsLeft: left,
		})
	case captcha.OutcomeExceeded:
		s.ClearCaptcha()
		r.timers.Cancel(captchaTimerKey(id))
		if r.opts.CaptchaFailAction == captcha.FailShadowLurk {
			r.logger.Printf("session %s exhausted captcha attempts, shadow-lurking", s.ID)
			r.completeRegistration(s, pending.Registration, true)
			return
		}
		r.sendErr(s, protocol.ErrCaptchaFailed, "captcha attempts exhausted")
		s.Close()
	case captcha.OutcomeCorrect:
		s.ClearCaptcha()
		r.timers.Cancel(captchaTimerKey(id))
		r.completeRegistration(s, pending.Registration, false)
	}
}

// captchaRequired applies the skip-allowlisted carve-out.
func (r *Router) captchaRequired(pubkey string) bool {
	if !r.opts.CaptchaEnabled {
		return false
	}
	if r.opts.CaptchaSkipAllowlisted && pubkey != "" && r.roster.Allow.Contains(pubkey) {
		return false
	}
	return true
}

// dispatchCaptcha issues a question and arms the expiry timer. An abandoned
// captcha closes the session when it times out.
func (r *Router) dispatchCaptcha(s *fabric.Session, reg captcha.Registration) {
	r.captchaMu.Lock()
	q := r.captchaGen.Generate(r.opts.CaptchaDifficulty)
	r.captchaMu.Unlock()

	p := r.captchas.Dispatch(s.ID, q, reg, r.now())
	s.SetCaptcha(p.ID)
	r.timers.Schedule(captchaTimerKey(p.ID), r.opts.CaptchaTTL, func() {
		if s.Authenticated() || s.CaptchaID() != p.ID {
			return
		}
		s.ClearCaptcha()
		r.sendErr(s, protocol.ErrCaptchaExpired, "captcha expired")
		s.Close()
	})
	r.send(s, protocol.TypeCaptchaChallenge, &protocol.CaptchaChallenge{
		Type:         protocol.TypeCaptchaChallenge,
		CaptchaID:    p.ID,
		Question:     q.Text,
		ExpiresAt:    p.ExpiresAt.UnixMilli(),
		AttemptsLeft: r.captchas.AttemptsLeft(p.ID),
	})
}

// completeRegistration finishes a captcha-gated handshake.
func (r *Router) completeRegistration(s *fabric.Session, reg captcha.Registration, shadowLurk bool) {
	if reg.Ephemeral {
		r.completeEphemeral(s, reg.Name)
		return
	}
	r.completePersistent(s, reg.Name, reg.Pubkey, shadowLurk)
}

// completeEphemeral registers a key-less identity: random id, permanent lurk.
func (r *Router) completeEphemeral(s *fabric.Session, name string) {
	id := identity.NewEphemeralID()
	if name == "" {
		name = strings.TrimPrefix(id, protocol.AgentPrefix)
	}
	now := r.nowMs()
	r.hub.BindAgent(s, id)
	s.SetAgent(fabric.Agent{
		ID:          id,
		Name:        name,
		Persistent:  false,
		Lurking:     true,
		Presence:    protocol.PresenceOnline,
		ConnectedAt: now,
	})
	r.metrics.RecordConnection("accepted")
	r.send(s, protocol.TypeWelcome, &protocol.Welcome{
		Type:      protocol.TypeWelcome,
		AgentID:   id,
		Name:      name,
		Ephemeral: true,
		Lurk:      true,
		Motd:      r.Motd(),
	})
	r.logger.Printf("ephemeral agent %s connected from %s", id, s.RemoteAddr)
}

// completePersistent registers a key-proven identity, applying the ban list,
// the first-seen lurk window and single-session displacement.
func (r *Router) completePersistent(s *fabric.Session, name, pubkey string, shadowLurk bool) {
	id, err := identity.DeriveAgentID(pubkey)
	if err != nil {
		r.sendErr(s, protocol.ErrVerificationFailed, "malformed public key")
		return
	}
	if r.roster.Ban.Contains(pubkey) || r.roster.Ban.Contains(id) {
		r.sendErr(s, protocol.ErrBanned, "identity is banned")
		s.Close()
		return
	}
	now := r.nowMs()
	r.firstSeen.Observe(pubkey, now)
	lurking := r.firstSeen.IsLurking(pubkey, now)
	lurkUntil := int64(0)
	if lurking {
		lurkUntil = r.firstSeen.LurkUntil(pubkey)
	}
	if shadowLurk {
		lurking = true
		lurkUntil = 0
	}
	verified := r.roster.Allow.Contains(pubkey)
	if name == "" {
		name = strings.TrimPrefix(id, protocol.AgentPrefix)
	}

	if displaced := r.hub.BindAgent(s, id); displaced != nil && displaced != s {
		displaced.CloseWithFrame(protocol.MustEncode(&protocol.SessionDisplaced{
			Type:    protocol.TypeSessionDisplaced,
			Message: "identity reconnected elsewhere",
		}))
		r.metrics.RecordConnection("displaced")
		r.logger.Printf("agent %s displaced an earlier session", id)
	}

	s.SetAgent(fabric.Agent{
		ID:          id,
		Name:        name,
		PubKey:      pubkey,
		Persistent:  true,
		Verified:    verified,
		Lurking:     lurking,
		LurkUntil:   lurkUntil,
		Presence:    protocol.PresenceOnline,
		ConnectedAt: now,
	})
	r.metrics.RecordConnection("accepted")

	welcome := &protocol.Welcome{
		Type:     protocol.TypeWelcome,
		AgentID:  id,
		Name:     name,
		Verified: verified,
		Lurk:     lurking,
		Motd:     r.Motd(),
	}
	if lurking && lurkUntil > 0 {
		welcome.LurkUntil = lurkUntil
	}
	r.send(s, protocol.TypeWelcome, welcome)
	r.saveProfile(id, pubkey, verified)
	r.logger.Printf("agent %s connected from %s", id, s.RemoteAddr)
}

// saveProfile persists the agent profile off the hot path. Best effort: chat
// state never depends on the profile table.
func (r *Router) saveProfile(agentID, pubkey string, verified bool) {
	if r.profiles == nil {
		return
	}
	go func() {
		now := time.Now().UTC().Format(time.RFC3339)
		err := r.profiles.SaveAgentProfile(&database.AgentProfileRow{
			AgentID:      agentID,
			PublicKey:    pubkey,
			Verified:     verified,
			RegisteredAt: now,
			LastSeenAt:   now,
		})
		if err != nil {
			r.logger.Printf("profile save for %s: %v", agentID, err)
		}
	}()
}
