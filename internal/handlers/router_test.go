package handlers

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/server/internal/arbitration"
	"github.com/agentchat/server/internal/captcha"
	"github.com/agentchat/server/internal/channel"
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

const baseMs = int64(1_700_000_000_000)

// challengeTTL is the handshake challenge lifetime every test env uses.
const challengeTTL = time.Minute

// testClock is a hand-wound clock. The router reads it through its now
// field, so tests advance time without sleeping.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.UnixMilli(baseMs)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *testClock) nowMs() int64 {
	return c.now().UnixMilli()
}

// captureHooks records emitted lifecycle events for assertions.
type captureHooks struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (c *captureHooks) Emit(event hooks.Event, _ map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureHooks) Shutdown() {}

func (c *captureHooks) seen() []hooks.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]hooks.Event, len(c.events))
	copy(out, c.events)
	return out
}

// env wires a Router over real stores and in-process sessions.
type env struct {
	Deps
	router  *Router
	clock   *testClock
	rep     *reputation.MemoryStore
	emitted *captureHooks
}

func newEnv(t *testing.T) *env {
	return newEnvOpts(t, Options{}, 0)
}

// newEnvOpts builds a router harness. lurkWindow is the first-seen lurk
// window applied to new persistent keys; zero disables lurking for them.
func newEnvOpts(t *testing.T, opts Options, lurkWindow time.Duration) *env {
	t.Helper()

	dir := t.TempDir()
	clock := newTestClock()

	firstSeen, err := identity.LoadFirstSeen(filepath.Join(dir, "first_seen.json"), lurkWindow)
	require.NoError(t, err)
	ros, err := roster.LoadRoster(dir)
	require.NoError(t, err)
	reg, err := skills.LoadRegistry(filepath.Join(dir, "skills.json"))
	require.NoError(t, err)

	channels := channel.NewStore(16, 0)
	channels.EnsureDefaults(clock.nowMs(), "#general", "#random")

	emitted := &captureHooks{}
	met := metrics.NewMetricsWith(prometheus.NewRegistry())
	rep := reputation.NewMemoryStore()
	tm := timers.NewStore()
	challenges := identity.NewChallengeStore(challengeTTL)

	deps := Deps{
		Hub:        fabric.NewHub(),
		Challenges: challenges,
		FirstSeen:  firstSeen,
		PeerVerify: identity.NewPeerVerifyStore(2 * time.Minute),
		Captchas:   captcha.NewStore(2*time.Minute, 3),
		CaptchaGen: captcha.NewGenerator(42),
		Roster:     ros,
		Skills:     reg,
		Channels:   channels,
		Proposals:  proposal.NewStore(),
		Disputes:   arbitration.NewStore(arbitration.DefaultTimeouts()),
		Reputation: rep,
		Vault:      evidence.NewVault(nil),
		Hooks:      hooks.Multi{emitted, met.EventSink()},
		Timers:     tm,
		Metrics:    met,
		Inbox:      fabric.NewInbox(filepath.Join(dir, "inbox.jsonl"), 100),
		Options:    opts,
	}

	r := New(deps)
	r.now = clock.now
	deps.Hub.SetHandler(r)

	t.Cleanup(tm.Shutdown)
	t.Cleanup(challenges.Stop)

	return &env{Deps: deps, router: r, clock: clock, rep: rep, emitted: emitted}
}

func (e *env) open(t *testing.T) *fabric.Session {
	t.Helper()
	s, ok := e.Hub.OpenInProc("127.0.0.1:52000")
	require.True(t, ok, "hub refused in-process session")
	return s
}

func (e *env) send(s *fabric.Session, f *protocol.ClientFrame) {
	e.router.HandleFrame(s, protocol.MustEncode(f))
}

func (e *env) sendRaw(s *fabric.Session, raw string) {
	e.router.HandleFrame(s, []byte(raw))
}

// ephemeral completes a key-less handshake and returns the assigned id.
func (e *env) ephemeral(t *testing.T, s *fabric.Session, name string) string {
	t.Helper()
	e.send(s, &protocol.ClientFrame{Type: protocol.TypeIdentify, Name: name})
	var w protocol.Welcome
	nextAs(t, s, protocol.TypeWelcome, &w)
	require.True(t, w.Ephemeral)
	return w.AgentID
}

// persistent walks the challenge handshake for the keypair and returns the
// welcome frame.
func (e *env) persistent(t *testing.T, s *fabric.Session, kp *identity.Keypair, name string) protocol.Welcome {
	t.Helper()
	e.send(s, &protocol.ClientFrame{
		Type:   protocol.TypeIdentify,
		Name:   name,
		Pubkey: kp.PublicKeyBase64(),
	})
	var ch protocol.Challenge
	nextAs(t, s, protocol.TypeChallenge, &ch)

	ts := e.clock.nowMs()
	e.send(s, &protocol.ClientFrame{
		Type:        protocol.TypeVerifyIdentity,
		ChallengeID: ch.ChallengeID,
		Timestamp:   ts,
		Signature:   kp.Sign(protocol.AuthPayload(ch.Nonce, ch.ChallengeID, ts)),
	})
	var w protocol.Welcome
	nextAs(t, s, protocol.TypeWelcome, &w)
	return w
}

// client bundles a keypair with its live session.
type client struct {
	kp   *identity.Keypair
	sess *fabric.Session
	id   string
}

// connect opens a session and completes a persistent handshake.
func (e *env) connect(t *testing.T, name string) *client {
	t.Helper()
	kp := genKey(t)
	s := e.open(t)
	w := e.persistent(t, s, kp, name)
	require.Equal(t, kp.AgentID(), w.AgentID)
	return &client{kp: kp, sess: s, id: w.AgentID}
}

func genKey(t *testing.T) *identity.Keypair {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

// nextAs pops the session's oldest queued frame, asserts its type token and
// decodes it into out. Pass nil to discard the body.
func nextAs(t *testing.T, s *fabric.Session, wantType string, out any) {
	t.Helper()
	raw := s.NextFrame()
	require.NotNil(t, raw, "expected a %s frame, queue empty", wantType)
	var head struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(raw, &head))
	require.Equal(t, wantType, head.Type, "frame: %s", raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out))
	}
}

// wantErr asserts the next queued frame is an ERROR carrying code.
func wantErr(t *testing.T, s *fabric.Session, code string) protocol.ErrorFrame {
	t.Helper()
	var ef protocol.ErrorFrame
	nextAs(t, s, protocol.TypeError, &ef)
	require.Equal(t, code, ef.Code, "error message: %s", ef.Message)
	return ef
}

func noFrame(t *testing.T, s *fabric.Session, notes ...string) {
	t.Helper()
	if raw := s.NextFrame(); raw != nil {
		t.Fatalf("unexpected frame queued: %s %s", raw, strings.Join(notes, " "))
	}
}

func drain(s *fabric.Session) {
	for s.NextFrame() != nil {
	}
}

func closed(s *fabric.Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func TestUnauthenticatedFramesRejected(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "hi"})
	ef := wantErr(t, s, protocol.ErrAuthRequired)
	assert.Equal(t, "identify first", ef.Message)

	e.send(s, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	wantErr(t, s, protocol.ErrAuthRequired)
}

func TestListChannelsAllowedBeforeIdentify(t *testing.T) {
	e := newEnv(t)

	member := e.connect(t, "member")
	e.send(member.sess, &protocol.ClientFrame{
		Type:       protocol.TypeCreateChannel,
		Channel:    "#private",
		InviteOnly: true,
	})
	nextAs(t, member.sess, protocol.TypeJoined, nil)

	anon := e.open(t)
	e.send(anon, &protocol.ClientFrame{Type: protocol.TypeListChannels})
	var chans protocol.Channels
	nextAs(t, anon, protocol.TypeChannels, &chans)

	names := make([]string, 0, len(chans.Channels))
	for _, c := range chans.Channels {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "#general")
	assert.NotContains(t, names, "#private", "invite-only channels stay hidden pre-auth")

	e.send(member.sess, &protocol.ClientFrame{Type: protocol.TypeListChannels})
	nextAs(t, member.sess, protocol.TypeChannels, &chans)
	names = names[:0]
	for _, c := range chans.Channels {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "#private")
}

func TestMalformedFramesRejected(t *testing.T) {
	e := newEnv(t)
	s := e.open(t)

	e.sendRaw(s, `{"type":`)
	wantErr(t, s, protocol.ErrInvalidMsg)

	e.sendRaw(s, `{"content":"no type"}`)
	wantErr(t, s, protocol.ErrInvalidMsg)

	e.sendRaw(s, `{"type":"BOGUS"}`)
	wantErr(t, s, protocol.ErrInvalidMsg)

	big := make([]byte, protocol.MaxFrameBytes+1)
	e.router.HandleFrame(s, big)
	wantErr(t, s, protocol.ErrInvalidMsg)
}

func TestSessionDisplacement(t *testing.T) {
	e := newEnv(t)
	kp := genKey(t)

	s1 := e.open(t)
	w1 := e.persistent(t, s1, kp, "alice")
	e.send(s1, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	nextAs(t, s1, protocol.TypeJoined, nil)
	drain(s1)

	s2 := e.open(t)
	w2 := e.persistent(t, s2, kp, "alice")
	assert.Equal(t, w1.AgentID, w2.AgentID)

	var sd protocol.SessionDisplaced
	nextAs(t, s1, protocol.TypeSessionDisplaced, &sd)
	assert.Equal(t, "identity reconnected elsewhere", sd.Message)
	assert.True(t, closed(s1), "displaced session should be closed")

	got, ok := e.Hub.Agent(w1.AgentID)
	require.True(t, ok)
	assert.Same(t, s2, got)

	// Tearing down the displaced socket must not evict the new session's
	// binding or channel membership.
	e.Hub.CloseInProc(s1)
	_, ok = e.Hub.Agent(w1.AgentID)
	assert.True(t, ok)
	assert.True(t, e.Channels.IsMember("#general", w1.AgentID))

	e.send(s2, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "still here"})
	var msg protocol.Msg
	nextAs(t, s2, protocol.TypeMsg, &msg)
	assert.Equal(t, "still here", msg.Content)
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	drain(alice.sess)
	drain(bob.sess)

	e.Hub.CloseInProc(bob.sess)

	var left protocol.AgentLeft
	nextAs(t, alice.sess, protocol.TypeAgentLeft, &left)
	assert.Equal(t, "#general", left.Channel)
	assert.Equal(t, bob.id, left.Agent)

	assert.False(t, e.Channels.IsMember("#general", bob.id))
	_, ok := e.Hub.Agent(bob.id)
	assert.False(t, ok)
}

func TestMigrateAgentRewritesState(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	drain(alice.sess)
	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeRegisterSkills, Skills: []string{"rust"}})
	drain(alice.sess)

	const newID = "@feedfacefeedface"
	require.NoError(t, e.router.MigrateAgent(context.Background(), alice.id, newID))

	assert.False(t, e.Channels.IsMember("#general", alice.id))
	assert.True(t, e.Channels.IsMember("#general", newID))
	assert.Equal(t, []string{"rust"}, e.Skills.Get(newID))

	got, ok := e.Hub.Agent(newID)
	require.True(t, ok)
	assert.Same(t, alice.sess, got)
	assert.Equal(t, newID, alice.sess.AgentID())
}

func TestMigrateAgentRejectsBadIDs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	assert.Error(t, e.router.MigrateAgent(ctx, "alice", "@feedfacefeedface"))
	assert.Error(t, e.router.MigrateAgent(ctx, "@feedfacefeedface", "plain"))
	assert.Error(t, e.router.MigrateAgent(ctx, "@same", "@same"))
}
