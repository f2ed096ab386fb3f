package handlers

import (
	"errors"
	"strings"

	"github.com/agentchat/server/internal/fabric"
	"github.com/agentchat/server/internal/identity"
	"github.com/agentchat/server/internal/protocol"
)

func verifyTimerKey(id string) string { return "verify-" + id }

// handleVerifyRequest relays a nonce challenge from one agent to another. The
// requester learns the outcome either way: VERIFY_SUCCESS with the peer's
// public key, or VERIFY_FAILED on a bad response, a timeout, or a disconnect.
func (r *Router) handleVerifyRequest(s *fabric.Session, f *protocol.ClientFrame) {
	ag := s.Agent()
	if !strings.HasPrefix(f.Agent, protocol.AgentPrefix) {
		r.sendErr(s, protocol.ErrInvalidMsg, "agent must be an @id")
		return
	}
	if f.Agent == ag.ID {
		r.sendErr(s, protocol.ErrInvalidMsg, "cannot verify yourself")
		return
	}
	if f.Nonce == "" {
		r.sendErr(s, protocol.ErrInvalidMsg, "nonce is required")
		return
	}
	target, online := r.hub.Agent(f.Agent)
	if !online {
		r.sendErr(s, protocol.ErrAgentNotFound, "agent is not online")
		return
	}
	if !target.Agent().Persistent {
		r.sendErr(s, protocol.ErrNoPubkey, "agent has no public key to verify")
		return
	}

	pv := r.peerVerify.Create(ag.ID, f.Agent, f.Nonce, r.now())
	r.timers.Schedule(verifyTimerKey(pv.ID), r.opts.VerifyTTL, func() {
		// Claim the request; a response that raced the timer already took it.
		if _, err := r.peerVerify.Take(pv.ID, r.now()); errors.Is(err, identity.ErrVerifyNotFound) {
			return
		}
		r.sendToAgent(pv.From, protocol.TypeVerifyFailed, &protocol.VerifyFailed{
			Type:   protocol.TypeVerifyFailed,
			Agent:  pv.Target,
			Reason: "verification timed out",
		})
	})

	r.sendToAgent(f.Agent, protocol.TypeVerifyRequest, &protocol.VerifyRequestNotice{
		Type:      protocol.TypeVerifyRequest,
		RequestID: pv.ID,
		From:      ag.ID,
		Nonce:     pv.Nonce,
		ExpiresAt: pv.ExpiresAt.UnixMilli(),
	})
	r.logger.Printf("verify request %s: %s -> %s", pv.ID, ag.ID, f.Agent)
}

// handleVerifyResponse closes a peer verification: the responder signs the
// challenger's nonce with its bound key. The requester is told the outcome;
// the responder only hears back when its response was unusable.
func (r *Router) handleVerifyResponse(s *fabric.Session, f *protocol.ClientFrame) {
	ag, ok := r.requirePersistent(s)
	if !ok {
		return
	}

	var (
		pv  *identity.PendingVerify
		err error
	)
	if f.RequestID != "" {
		pv, err = r.peerVerify.Take(f.RequestID, r.now())
	} else {
		pv, err = r.peerVerify.TakeByResponse(ag.ID, f.Nonce, r.now())
	}
	if err != nil {
		if errors.Is(err, identity.ErrVerifyExpired) {
			r.sendErr(s, protocol.ErrVerificationExpired, "verification request expired")
			return
		}
		r.sendErr(s, protocol.ErrVerificationFailed, "no matching verification request")
		return
	}
	r.timers.Cancel(verifyTimerKey(pv.ID))

	fail := func(reason string) {
		r.sendToAgent(pv.From, protocol.TypeVerifyFailed, &protocol.VerifyFailed{
			Type:   protocol.TypeVerifyFailed,
			Agent:  pv.Target,
			Reason: reason,
		})
		r.sendErr(s, protocol.ErrVerificationFailed, reason)
	}

	if pv.Target != ag.ID {
		fail("response from the wrong agent")
		return
	}
	if f.Nonce != pv.Nonce {
		fail("nonce does not match the request")
		return
	}
	verified, err := identity.VerifyDetached(ag.PubKey, protocol.VerifyResponsePayload(pv.Nonce), f.Signature)
	if err != nil || !verified {
		r.logger.Printf("verify request %s: signature rejected for %s", pv.ID, ag.ID)
		fail("signature does not verify")
		return
	}

	r.sendToAgent(pv.From, protocol.TypeVerifySuccess, &protocol.VerifySuccess{
		Type:   protocol.TypeVerifySuccess,
		Agent:  ag.ID,
		Pubkey: ag.PubKey,
	})
	r.logger.Printf("verify request %s: %s verified by %s", pv.ID, ag.ID, pv.From)
}
