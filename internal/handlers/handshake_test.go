package handlers

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/server/internal/captcha"
	"github.com/agentchat/server/internal/fabric"
	"github.com/agentchat/server/internal/protocol"
)

// solveCaptcha computes the answer to a generated arithmetic question.
func solveCaptcha(t *testing.T, question string) string {
	t.Helper()
	var a, b, c int
	switch {
	case scanq(question, "What is %d + %d * %d?", &c, &a, &b):
		return strconv.Itoa(c + a*b)
	case scanq(question, "What is %d * %d + %d?", &a, &b, &c):
		return strconv.Itoa(a*b + c)
	case scanq(question, "What is %d + %d?", &a, &b):
		return strconv.Itoa(a + b)
	case scanq(question, "What is %d - %d?", &a, &b):
		return strconv.Itoa(a - b)
	case scanq(question, "What is %d * %d?", &a, &b):
		return strconv.Itoa(a * b)
	}
	t.Fatalf("unrecognized captcha question %q", question)
	return ""
}

func scanq(s, format string, args ...any) bool {
	n, err := fmt.Sscanf(s, format, args...)
	return err == nil && n == len(args)
}

// answerCaptcha reads the pending CAPTCHA_CHALLENGE and answers it correctly.
func (e *env) answerCaptcha(t *testing.T, s *fabric.Session) {
	t.Helper()
	var cc protocol.CaptchaChallenge
	nextAs(t, s, protocol.TypeCaptchaChallenge, &cc)
	e.send(s, &protocol.ClientFrame{
		Type:      protocol.TypeCaptchaResponse,
		CaptchaID: cc.CaptchaID,
		Answer:    solveCaptcha(t, cc.Question),
	})
}

func TestEphemeralIdentify(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "scout"})
	var w protocol.Welcome
	nextAs(t, s, protocol.TypeWelcome, &w)

	assert.True(t, strings.HasPrefix(w.AgentID, "@"))
	assert.Len(t, w.AgentID, 9)
	assert.Equal(t, "scout", w.Name)
	assert.True(t, w.Ephemeral)
	assert.True(t, w.Lurk, "ephemeral identities always lurk")
	assert.Zero(t, w.LurkUntil)
}

func TestEphemeralIdentifyDefaultsName(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify})
	var w protocol.Welcome
	nextAs(t, s, protocol.TypeWelcome, &w)
	assert.Equal(t, strings.TrimPrefix(w.AgentID, "@"), w.Name)
}

func TestIdentifyTwiceRejected(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)
	e.ephemeral(t, s, "scout")

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "again"})
	ef := wantErr(t, s, protocol.ErrInvalidMsg)
	assert.Equal(t, "already identified", ef.Message)
}

func TestPersistentHandshake(t *testing.T) {
	e := newEnv(t)
	kp := genKey(t)
	s := e.open(t)

	w := e.persistent(t, s, kp, "alice")
	assert.Equal(t, kp.AgentID(), w.AgentID)
	assert.Equal(t, "alice", w.Name)
	assert.False(t, w.Ephemeral)
	assert.False(t, w.Verified)
	assert.False(t, w.Lurk, "no lurk window configured")
	assert.True(t, s.Authenticated())

	ag := s.Agent()
	assert.True(t, ag.Persistent)
	assert.Equal(t, kp.PublicKeyBase64(), ag.PubKey)
}

func TestHandshakeBadSignature(t *testing.T) {
	e := newEnv(t)
	kp := genKey(t)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "alice", Pubkey: kp.PublicKeyBase64()})
	var ch protocol.Challenge
	nextAs(t, s, protocol.TypeChallenge, &ch)

	ts := e.clock.nowMs()
	e.send(s, &protocol.ClientFrame{
		Type:        protocol.TypeVerifyIdentity,
		ChallengeID: ch.ChallengeID,
		Timestamp:   ts,
		Signature:   kp.Sign("not the challenge payload"),
	})
	ef := wantErr(t, s, protocol.ErrVerificationFailed)
	assert.Equal(t, "signature does not verify", ef.Message)

	// The challenge was consumed; replaying it finds nothing.
	e.send(s, &protocol.ClientFrame{
		Type:        protocol.TypeVerifyIdentity,
		ChallengeID: ch.ChallengeID,
		Timestamp:   ts,
		Signature:   kp.Sign(protocol.AuthPayload(ch.Nonce, ch.ChallengeID, ts)),
	})
	ef = wantErr(t, s, protocol.ErrVerificationFailed)
	assert.Equal(t, "no matching challenge", ef.Message)

	// A fresh handshake still works on the same session.
	w := e.persistent(t, s, kp, "alice")
	assert.Equal(t, kp.AgentID(), w.AgentID)
}

func TestChallengeExpiresAtDeadline(t *testing.T) {
	e := newEnv(t)
	kp := genKey(t)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Pubkey: kp.PublicKeyBase64()})
	var ch protocol.Challenge
	nextAs(t, s, protocol.TypeChallenge, &ch)

	e.clock.advance(challengeTTL)

	ts := e.clock.nowMs()
	e.send(s, &protocol.ClientFrame{
		Type:        protocol.TypeVerifyIdentity,
		ChallengeID: ch.ChallengeID,
		Timestamp:   ts,
		Signature:   kp.Sign(protocol.AuthPayload(ch.Nonce, ch.ChallengeID, ts)),
	})
	ef := wantErr(t, s, protocol.ErrVerificationExpired)
	assert.Equal(t, "challenge expired, identify again", ef.Message)

	w := e.persistent(t, s, kp, "alice")
	assert.Equal(t, kp.AgentID(), w.AgentID)
}

func TestChallengeBoundToSession(t *testing.T) {
	e := newEnv(t)
	kp := genKey(t)

	s1 := e.open(t)
	e.send(s1, &protocol.ClientFrame{Type: protocol.TypeIdentify, Pubkey: kp.PublicKeyBase64()})
	var ch protocol.Challenge
	nextAs(t, s1, protocol.TypeChallenge, &ch)

	s2 := e.open(t)
	ts := e.clock.nowMs()
	e.send(s2, &protocol.ClientFrame{
		Type:        protocol.TypeVerifyIdentity,
		ChallengeID: ch.ChallengeID,
		Timestamp:   ts,
		Signature:   kp.Sign(protocol.AuthPayload(ch.Nonce, ch.ChallengeID, ts)),
	})
	wantErr(t, s2, protocol.ErrVerificationFailed)
}

func TestIdentifyWhileChallengePending(t *testing.T) {
	e := newEnv(t)
	kp := genKey(t)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Pubkey: kp.PublicKeyBase64()})
	nextAs(t, s, protocol.TypeChallenge, nil)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Pubkey: kp.PublicKeyBase64()})
	ef := wantErr(t, s, protocol.ErrInvalidMsg)
	assert.Equal(t, "challenge already pending", ef.Message)
}

func TestIdentifyMalformedPubkey(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Pubkey: "!!not-base64!!"})
	ef := wantErr(t, s, protocol.ErrInvalidMsg)
	assert.Equal(t, "malformed public key", ef.Message)
}

func TestLurkWindowOnFirstSight(t *testing.T) {
	e := newEnvOpts(t, Options{}, time.Hour)
	kp := genKey(t)
	s := e.open(t)

	w := e.persistent(t, s, kp, "alice")
	assert.True(t, w.Lurk)
	assert.Equal(t, baseMs+time.Hour.Milliseconds(), w.LurkUntil)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	drain(s)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "hello?"})
	ef := wantErr(t, s, protocol.ErrLurkMode)
	assert.Equal(t, "lurk window active, read-only for now", ef.Message)

	// Once the window lapses the gate clears itself on the next send.
	e.clock.advance(time.Hour)
	e.send(s, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "hello!"})
	var msg protocol.Msg
	nextAs(t, s, protocol.TypeMsg, &msg)
	assert.Equal(t, "hello!", msg.Content)
	assert.False(t, s.Agent().Lurking)

	// A reconnect of the now-aged key is not lurking at all.
	s2 := e.open(t)
	w2 := e.persistent(t, s2, kp, "alice")
	assert.False(t, w2.Lurk)
}

func TestAllowlistOnlyMode(t *testing.T) {
	e := newEnvOpts(t, Options{AllowlistOnly: true}, 0)

	anon := e.open(t)
	e.send(anon, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "drifter"})
	wantErr(t, anon, protocol.ErrNotAllowed)

	outsider := genKey(t)
	s := e.open(t)
	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Pubkey: outsider.PublicKeyBase64()})
	wantErr(t, s, protocol.ErrNotAllowed)

	member := genKey(t)
	_, err := e.Roster.Allow.Add(member.PublicKeyBase64(), "ops approved", e.clock.nowMs())
	require.NoError(t, err)

	s2 := e.open(t)
	w := e.persistent(t, s2, member, "insider")
	assert.True(t, w.Verified, "allowlisted keys connect verified")
}

func TestBannedKeyRejectedAtIdentify(t *testing.T) {
	e := newEnv(t)
	kp := genKey(t)
	_, err := e.Roster.Ban.Add(kp.PublicKeyBase64(), "spam", e.clock.nowMs())
	require.NoError(t, err)

	s := e.open(t)
	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Pubkey: kp.PublicKeyBase64()})
	ef := wantErr(t, s, protocol.ErrBanned)
	assert.Equal(t, "key is banned", ef.Message)
	assert.True(t, closed(s))
}

func TestBannedAgentIDRejectedAtCompletion(t *testing.T) {
	e := newEnv(t)
	kp := genKey(t)
	_, err := e.Roster.Ban.Add(kp.AgentID(), "spam", e.clock.nowMs())
	require.NoError(t, err)

	s := e.open(t)
	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Pubkey: kp.PublicKeyBase64()})
	var ch protocol.Challenge
	nextAs(t, s, protocol.TypeChallenge, &ch)

	ts := e.clock.nowMs()
	e.send(s, &protocol.ClientFrame{
		Type:        protocol.TypeVerifyIdentity,
		ChallengeID: ch.ChallengeID,
		Timestamp:   ts,
		Signature:   kp.Sign(protocol.AuthPayload(ch.Nonce, ch.ChallengeID, ts)),
	})
	ef := wantErr(t, s, protocol.ErrBanned)
	assert.Equal(t, "identity is banned", ef.Message)
	assert.True(t, closed(s))
}

func TestCaptchaGatesPersistentHandshake(t *testing.T) {
	e := newEnvOpts(t, Options{CaptchaEnabled: true}, 0)
	kp := genKey(t)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "alice", Pubkey: kp.PublicKeyBase64()})
	var ch protocol.Challenge
	nextAs(t, s, protocol.TypeChallenge, &ch)

	ts := e.clock.nowMs()
	e.send(s, &protocol.ClientFrame{
		Type:        protocol.TypeVerifyIdentity,
		ChallengeID: ch.ChallengeID,
		Timestamp:   ts,
		Signature:   kp.Sign(protocol.AuthPayload(ch.Nonce, ch.ChallengeID, ts)),
	})

	var cc protocol.CaptchaChallenge
	nextAs(t, s, protocol.TypeCaptchaChallenge, &cc)
	assert.Equal(t, 3, cc.AttemptsLeft)
	require.NotEmpty(t, cc.Question)

	e.send(s, &protocol.ClientFrame{
		Type:      protocol.TypeCaptchaResponse,
		CaptchaID: cc.CaptchaID,
		Answer:    solveCaptcha(t, cc.Question),
	})
	var w protocol.Welcome
	nextAs(t, s, protocol.TypeWelcome, &w)
	assert.Equal(t, kp.AgentID(), w.AgentID)
	assert.False(t, w.Lurk)
}

func TestCaptchaGatesEphemeralHandshake(t *testing.T) {
	e := newEnvOpts(t, Options{CaptchaEnabled: true}, 0)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "scout"})
	e.answerCaptcha(t, s)

	var w protocol.Welcome
	nextAs(t, s, protocol.TypeWelcome, &w)
	assert.True(t, w.Ephemeral)
	assert.Equal(t, "scout", w.Name)
}

func TestCaptchaResponseWithoutID(t *testing.T) {
	// The session's pending captcha is implied when captcha_id is omitted.
	e := newEnvOpts(t, Options{CaptchaEnabled: true}, 0)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "scout"})
	var cc protocol.CaptchaChallenge
	nextAs(t, s, protocol.TypeCaptchaChallenge, &cc)

	e.send(s, &protocol.ClientFrame{
		Type:   protocol.TypeCaptchaResponse,
		Answer: solveCaptcha(t, cc.Question),
	})
	nextAs(t, s, protocol.TypeWelcome, nil)
}

func TestCaptchaWrongAnswerRetries(t *testing.T) {
	e := newEnvOpts(t, Options{CaptchaEnabled: true}, 0)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "scout"})
	var cc protocol.CaptchaChallenge
	nextAs(t, s, protocol.TypeCaptchaChallenge, &cc)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeCaptchaResponse, CaptchaID: cc.CaptchaID, Answer: "999999"})
	ef := wantErr(t, s, protocol.ErrCaptchaFailed)
	assert.Equal(t, "wrong answer", ef.Message)

	var retry protocol.CaptchaChallenge
	nextAs(t, s, protocol.TypeCaptchaChallenge, &retry)
	assert.Equal(t, cc.CaptchaID, retry.CaptchaID)
	assert.Equal(t, 2, retry.AttemptsLeft)

	e.send(s, &protocol.ClientFrame{
		Type:      protocol.TypeCaptchaResponse,
		CaptchaID: cc.CaptchaID,
		Answer:    solveCaptcha(t, retry.Question),
	})
	nextAs(t, s, protocol.TypeWelcome, nil)
}

func TestCaptchaAttemptsExhaustedCloses(t *testing.T) {
	e := newEnvOpts(t, Options{CaptchaEnabled: true}, 0)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "scout"})
	var cc protocol.CaptchaChallenge
	nextAs(t, s, protocol.TypeCaptchaChallenge, &cc)

	for i := 0; i < 2; i++ {
		e.send(s, &protocol.ClientFrame{Type: protocol.TypeCaptchaResponse, CaptchaID: cc.CaptchaID, Answer: "999999"})
		wantErr(t, s, protocol.ErrCaptchaFailed)
		nextAs(t, s, protocol.TypeCaptchaChallenge, nil)
	}

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeCaptchaResponse, CaptchaID: cc.CaptchaID, Answer: "999999"})
	ef := wantErr(t, s, protocol.ErrCaptchaFailed)
	assert.Equal(t, "captcha attempts exhausted", ef.Message)
	assert.True(t, closed(s))
	assert.False(t, s.Authenticated())
}

func TestCaptchaExhaustionShadowLurks(t *testing.T) {
	e := newEnvOpts(t, Options{
		CaptchaEnabled:    true,
		CaptchaFailAction: captcha.FailShadowLurk,
	}, 0)
	kp := genKey(t)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "alice", Pubkey: kp.PublicKeyBase64()})
	var ch protocol.Challenge
	nextAs(t, s, protocol.TypeChallenge, &ch)
	ts := e.clock.nowMs()
	e.send(s, &protocol.ClientFrame{
		Type:        protocol.TypeVerifyIdentity,
		ChallengeID: ch.ChallengeID,
		Timestamp:   ts,
		Signature:   kp.Sign(protocol.AuthPayload(ch.Nonce, ch.ChallengeID, ts)),
	})
	var cc protocol.CaptchaChallenge
	nextAs(t, s, protocol.TypeCaptchaChallenge, &cc)

	for i := 0; i < 2; i++ {
		e.send(s, &protocol.ClientFrame{Type: protocol.TypeCaptchaResponse, CaptchaID: cc.CaptchaID, Answer: "999999"})
		wantErr(t, s, protocol.ErrCaptchaFailed)
		nextAs(t, s, protocol.TypeCaptchaChallenge, nil)
	}
	e.send(s, &protocol.ClientFrame{Type: protocol.TypeCaptchaResponse, CaptchaID: cc.CaptchaID, Answer: "999999"})

	// Shadow lurk admits the agent read-only instead of disconnecting.
	var w protocol.Welcome
	nextAs(t, s, protocol.TypeWelcome, &w)
	assert.True(t, w.Lurk)
	assert.Zero(t, w.LurkUntil, "shadow lurk has no expiry")
	assert.False(t, closed(s))

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	drain(s)
	e.send(s, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "hi"})
	wantErr(t, s, protocol.ErrLurkMode)
}

func TestCaptchaExpires(t *testing.T) {
	e := newEnvOpts(t, Options{CaptchaEnabled: true}, 0)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "scout"})
	var cc protocol.CaptchaChallenge
	nextAs(t, s, protocol.TypeCaptchaChallenge, &cc)

	e.clock.advance(2 * time.Minute)
	e.send(s, &protocol.ClientFrame{
		Type:      protocol.TypeCaptchaResponse,
		CaptchaID: cc.CaptchaID,
		Answer:    solveCaptcha(t, cc.Question),
	})
	ef := wantErr(t, s, protocol.ErrCaptchaExpired)
	assert.Equal(t, "captcha expired", ef.Message)
	assert.True(t, closed(s))
}

func TestCaptchaSkipsAllowlistedKeys(t *testing.T) {
	e := newEnvOpts(t, Options{
		CaptchaEnabled:         true,
		CaptchaSkipAllowlisted: true,
	}, 0)
	kp := genKey(t)
	_, err := e.Roster.Allow.Add(kp.PublicKeyBase64(), "trusted", e.clock.nowMs())
	require.NoError(t, err)

	s := e.open(t)
	w := e.persistent(t, s, kp, "alice")
	assert.True(t, w.Verified)
}

func TestIdentifyDuringPendingCaptcha(t *testing.T) {
	e := newEnvOpts(t, Options{CaptchaEnabled: true}, 0)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "scout"})
	nextAs(t, s, protocol.TypeCaptchaChallenge, nil)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "scout"})
	ef := wantErr(t, s, protocol.ErrInvalidMsg)
	assert.Equal(t, "answer the pending captcha first", ef.Message)
}

func TestWelcomeCarriesMotd(t *testing.T) {
	e := newEnvOpts(t, Options{Motd: "be kind to your fellow agents"}, 0)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: "scout"})
	var w protocol.Welcome
	nextAs(t, s, protocol.TypeWelcome, &w)
	assert.Equal(t, "be kind to your fellow agents", w.Motd)
}
