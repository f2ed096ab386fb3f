package handlers

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentchat/server/internal/protocol"
)

// join puts the client in a channel and drains every queue it touched.
func (e *env) join(t *testing.T, c *client, ch string, others ...*client) {
	t.Helper()
	e.send(c.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: ch})
	nextAs(t, c.sess, protocol.TypeJoined, nil)
	drain(c.sess)
	for _, o := range others {
		drain(o.sess)
	}
}

func TestChannelMessageFansOutToMembers(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, alice, "#general")
	e.join(t, bob, "#general", alice)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "morning"})

	var got protocol.Msg
	nextAs(t, bob.sess, protocol.TypeMsg, &got)
	assert.Equal(t, alice.id, got.From)
	assert.Equal(t, "alice", got.FromName)
	assert.Equal(t, "#general", got.To)
	assert.Equal(t, "morning", got.Content)
	assert.Equal(t, e.clock.nowMs(), got.Timestamp)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Replay)

	// The sender is a member too and receives its own copy.
	var echo protocol.Msg
	nextAs(t, alice.sess, protocol.TypeMsg, &echo)
	assert.Equal(t, got.ID, echo.ID)

	assert.Equal(t, 1, e.Inbox.Lines(), "delivered message mirrors to the inbox")
}

func TestJoinGreetsFirstTimers(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	var joined protocol.Joined
	nextAs(t, alice.sess, protocol.TypeJoined, &joined)
	assert.Equal(t, "#general", joined.Channel)
	assert.Equal(t, []string{alice.id}, joined.Members)

	var welcome protocol.Msg
	nextAs(t, alice.sess, protocol.TypeMsg, &welcome)
	assert.Equal(t, protocol.ServerAgentID, welcome.From)
	assert.Equal(t, "Welcome to #general, alice!", welcome.Content)
}

func TestRejoinIsIdempotent(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, alice, "#general")
	e.join(t, bob, "#general", alice)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	var joined protocol.Joined
	nextAs(t, alice.sess, protocol.TypeJoined, &joined)
	assert.ElementsMatch(t, []string{alice.id, bob.id}, joined.Members)
	noFrame(t, alice.sess, "no welcome notice on a rejoin")
	noFrame(t, bob.sess, "members are not re-notified on a rejoin")
}

func TestJoinAnnouncesToExistingMembers(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, alice, "#general")

	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	var aj protocol.AgentJoined
	nextAs(t, alice.sess, protocol.TypeAgentJoined, &aj)
	assert.Equal(t, bob.id, aj.Agent)
	assert.Equal(t, "bob", aj.Name)
	assert.Equal(t, "#general", aj.Channel)
}

func TestJoinValidation(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "general"})
	ef := wantErr(t, alice.sess, protocol.ErrInvalidName)
	assert.Equal(t, "channel names look like #general", ef.Message)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#nowhere"})
	wantErr(t, alice.sess, protocol.ErrChannelNotFound)
}

func TestJoinReplaysRecentMessages(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	e.join(t, alice, "#general")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "first"})
	e.clock.advance(time.Second)
	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "second"})
	drain(alice.sess)

	bob := e.connect(t, "bob")
	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	nextAs(t, bob.sess, protocol.TypeJoined, nil)

	var r1, r2 protocol.Msg
	nextAs(t, bob.sess, protocol.TypeMsg, &r1)
	nextAs(t, bob.sess, protocol.TypeMsg, &r2)
	assert.Equal(t, "first", r1.Content)
	assert.True(t, r1.Replay)
	assert.Equal(t, "second", r2.Content)
	assert.True(t, r2.Replay)

	var welcome protocol.Msg
	nextAs(t, bob.sess, protocol.TypeMsg, &welcome)
	assert.Equal(t, protocol.ServerAgentID, welcome.From)
}

func TestLeaveIsIdempotent(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, alice, "#general")
	e.join(t, bob, "#general", alice)

	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeLeave, Channel: "#general"})
	nextAs(t, bob.sess, protocol.TypeLeft, nil)

	var left protocol.AgentLeft
	nextAs(t, alice.sess, protocol.TypeAgentLeft, &left)
	assert.Equal(t, bob.id, left.Agent)

	// Leaving again still acks but tells nobody.
	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeLeave, Channel: "#general"})
	nextAs(t, bob.sess, protocol.TypeLeft, nil)
	noFrame(t, alice.sess)
}

func TestDirectMessage(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: bob.id, Content: "psst"})

	var got protocol.Msg
	nextAs(t, bob.sess, protocol.TypeMsg, &got)
	assert.Equal(t, alice.id, got.From)
	assert.Equal(t, bob.id, got.To)
	assert.Equal(t, "psst", got.Content)

	var echo protocol.Msg
	nextAs(t, alice.sess, protocol.TypeMsg, &echo)
	assert.Equal(t, got.ID, echo.ID, "sender gets an echo copy")
}

func TestDirectMessageToSelfDeliversOnce(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: alice.id, Content: "note to self"})
	nextAs(t, alice.sess, protocol.TypeMsg, nil)
	noFrame(t, alice.sess)
}

func TestDirectMessageToOfflineAgent(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "@0000000000000000", Content: "hello?"})
	ef := wantErr(t, alice.sess, protocol.ErrAgentNotFound)
	assert.Equal(t, "agent is not online", ef.Message)
}

func TestMessageValidation(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	e.join(t, alice, "#general")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general"})
	wantErr(t, alice.sess, protocol.ErrInvalidMsg)

	e.clock.advance(time.Second)
	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, Content: "dangling"})
	wantErr(t, alice.sess, protocol.ErrInvalidMsg)

	e.clock.advance(time.Second)
	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "bob", Content: "no prefix"})
	ef := wantErr(t, alice.sess, protocol.ErrInvalidMsg)
	assert.Equal(t, "to must name a #channel or an @agent", ef.Message)
}

func TestChannelMessageRequiresMembership(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "drive-by"})
	ef := wantErr(t, alice.sess, protocol.ErrNotInvited)
	assert.Equal(t, "join the channel first", ef.Message)

	e.clock.advance(time.Second)
	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#nowhere", Content: "void"})
	wantErr(t, alice.sess, protocol.ErrChannelNotFound)
}

func TestMessageRateLimitBoundary(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	e.join(t, alice, "#general")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "one"})
	nextAs(t, alice.sess, protocol.TypeMsg, nil)

	e.clock.advance(999 * time.Millisecond)
	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "two"})
	ef := wantErr(t, alice.sess, protocol.ErrRateLimited)
	assert.Equal(t, "sending too fast", ef.Message)

	e.clock.advance(1 * time.Millisecond)
	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "three"})
	nextAs(t, alice.sess, protocol.TypeMsg, nil)

	// The rejected attempt must not have advanced the window.
	e.clock.advance(999 * time.Millisecond)
	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "four"})
	wantErr(t, alice.sess, protocol.ErrRateLimited)
}

func TestEphemeralAgentsReadButCannotSend(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	e.join(t, alice, "#general")

	eph := e.open(t)
	e.ephemeral(t, eph, "scout")
	e.send(eph, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	nextAs(t, eph, protocol.TypeJoined, nil)
	drain(eph)
	drain(alice.sess)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "welcome newcomers"})
	var got protocol.Msg
	nextAs(t, eph, protocol.TypeMsg, &got)
	assert.Equal(t, "welcome newcomers", got.Content)

	e.send(eph, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "can I talk?"})
	ef := wantErr(t, eph, protocol.ErrLurkMode)
	assert.Equal(t, "lurk window active, read-only for now", ef.Message)
}

func TestOpenWindowLiftsLurkGate(t *testing.T) {
	e := newEnv(t)
	eph := e.open(t)
	e.ephemeral(t, eph, "scout")
	e.send(eph, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#general"})
	drain(eph)

	e.FirstSeen.SetOpenWindow(e.clock.nowMs() + time.Minute.Milliseconds())
	e.send(eph, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "speaking up"})
	var got protocol.Msg
	nextAs(t, eph, protocol.TypeMsg, &got)
	assert.Equal(t, "speaking up", got.Content)

	// Window closed again: the gate snaps back.
	e.clock.advance(2 * time.Minute)
	e.send(eph, &protocol.ClientFrame{Type: protocol.TypeMsg, To: "#general", Content: "still here?"})
	wantErr(t, eph, protocol.ErrLurkMode)
}

func TestSecretsAreRedacted(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	e.join(t, alice, "#general")

	e.send(alice.sess, &protocol.ClientFrame{
		Type:    protocol.TypeMsg,
		To:      "#general",
		Content: "use sk-abcdefghijklmnopqrstuvwxyz123456 for the demo",
	})
	var got protocol.Msg
	nextAs(t, alice.sess, protocol.TypeMsg, &got)
	assert.Equal(t, "use [REDACTED] for the demo", got.Content)
	assert.NotContains(t, got.Content, "sk-")
}

func TestCallbackMarkerSchedulesReminder(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	e.join(t, alice, "#general")

	e.send(alice.sess, &protocol.ClientFrame{
		Type:    protocol.TypeMsg,
		To:      "#general",
		Content: "@@cb:1s@@check the build",
	})
	noFrame(t, alice.sess, "marker-only messages deliver nothing immediately")

	var got protocol.Msg
	require.Eventually(t, func() bool {
		raw := alice.sess.NextFrame()
		if raw == nil {
			return false
		}
		if err := json.Unmarshal(raw, &got); err != nil {
			return false
		}
		return got.From == protocol.ServerAgentID
	}, 3*time.Second, 20*time.Millisecond, "callback never fired")
	assert.Equal(t, "check the build", got.Content)
	assert.Equal(t, alice.id, got.To)
}

func TestCreateChannel(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeCreateChannel, Channel: "#ops"})
	var joined protocol.Joined
	nextAs(t, alice.sess, protocol.TypeJoined, &joined)
	assert.Equal(t, []string{alice.id}, joined.Members)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeCreateChannel, Channel: "#ops"})
	wantErr(t, alice.sess, protocol.ErrChannelExists)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeCreateChannel, Channel: "#Bad Name"})
	wantErr(t, alice.sess, protocol.ErrInvalidName)
}

func TestInviteOnlyChannelFlow(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeCreateChannel, Channel: "#sig", InviteOnly: true})
	nextAs(t, alice.sess, protocol.TypeJoined, nil)

	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#sig"})
	ef := wantErr(t, bob.sess, protocol.ErrNotInvited)
	assert.Equal(t, "channel is restricted", ef.Message)

	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeInvite, Channel: "#sig", Agent: alice.id})
	wantErr(t, bob.sess, protocol.ErrNotInvited)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeInvite, Channel: "#sig", Agent: bob.id})
	var inv protocol.Invited
	nextAs(t, bob.sess, protocol.TypeInvited, &inv)
	assert.Equal(t, "#sig", inv.Channel)
	assert.Equal(t, alice.id, inv.By)

	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#sig"})
	var joined protocol.Joined
	nextAs(t, bob.sess, protocol.TypeJoined, &joined)
	assert.ElementsMatch(t, []string{alice.id, bob.id}, joined.Members)
}

func TestInviteValidation(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	e.join(t, alice, "#general")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeInvite, Channel: "#general", Agent: "bob"})
	ef := wantErr(t, alice.sess, protocol.ErrInvalidMsg)
	assert.Equal(t, "agent must be an @id", ef.Message)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeInvite, Channel: "#nowhere", Agent: "@feedfacefeedface"})
	wantErr(t, alice.sess, protocol.ErrChannelNotFound)
}

func TestVerifiedOnlyChannel(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeCreateChannel, Channel: "#vetted", VerifiedOnly: true})
	nextAs(t, alice.sess, protocol.TypeJoined, nil)

	bob := e.connect(t, "bob")
	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#vetted"})
	wantErr(t, bob.sess, protocol.ErrNotInvited)

	carolKey := genKey(t)
	_, err := e.Roster.Allow.Add(carolKey.PublicKeyBase64(), "vouched", e.clock.nowMs())
	require.NoError(t, err)
	carolSess := e.open(t)
	w := e.persistent(t, carolSess, carolKey, "carol")
	require.True(t, w.Verified)

	e.send(carolSess, &protocol.ClientFrame{Type: protocol.TypeJoin, Channel: "#vetted"})
	nextAs(t, carolSess, protocol.TypeJoined, nil)
}

func TestSetNick(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, alice, "#general")
	e.join(t, bob, "#general", alice)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSetNick, Nick: "alice-prime"})

	var fromPeer, own protocol.NickChanged
	nextAs(t, bob.sess, protocol.TypeNickChanged, &fromPeer)
	nextAs(t, alice.sess, protocol.TypeNickChanged, &own)
	assert.Equal(t, "alice", fromPeer.OldNick)
	assert.Equal(t, "alice-prime", fromPeer.NewNick)
	assert.Equal(t, alice.id, fromPeer.Agent)
	assert.Equal(t, fromPeer, own)
	assert.Equal(t, "alice-prime", alice.sess.Agent().Name)
}

func TestSetNickValidation(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSetNick, Nick: "   "})
	wantErr(t, alice.sess, protocol.ErrInvalidName)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSetNick, Nick: strings.Repeat("x", 65)})
	wantErr(t, alice.sess, protocol.ErrInvalidName)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSetNick, Nick: "Admin"})
	ef := wantErr(t, alice.sess, protocol.ErrInvalidName)
	assert.Equal(t, "nick is reserved", ef.Message)
}

func TestSetNickRateLimited(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSetNick, Nick: "first"})
	nextAs(t, alice.sess, protocol.TypeNickChanged, nil)

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSetNick, Nick: "second"})
	ef := wantErr(t, alice.sess, protocol.ErrRateLimited)
	assert.Equal(t, "nick changed too recently", ef.Message)

	e.clock.advance(30 * time.Second)
	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSetNick, Nick: "second"})
	nextAs(t, alice.sess, protocol.TypeNickChanged, nil)
}

func TestSetPresenceFansOutOnce(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	for _, ch := range []string{"#general", "#random"} {
		e.join(t, alice, ch, bob)
		e.join(t, bob, ch, alice)
	}

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSetPresence, Presence: "away", Status: "lunch"})

	var pc protocol.PresenceChanged
	nextAs(t, bob.sess, protocol.TypePresenceChanged, &pc)
	assert.Equal(t, alice.id, pc.Agent)
	assert.Equal(t, "away", pc.Presence)
	assert.Equal(t, "lunch", pc.Status)
	noFrame(t, bob.sess, "shared channels must not duplicate the notice")
	noFrame(t, alice.sess)
}

func TestSetPresenceValidation(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")

	e.send(alice.sess, &protocol.ClientFrame{Type: protocol.TypeSetPresence, Presence: "vacationing"})
	wantErr(t, alice.sess, protocol.ErrInvalidMsg)
}

func TestListAgents(t *testing.T) {
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, alice, "#general")

	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeListAgents})
	var all protocol.Agents
	nextAs(t, bob.sess, protocol.TypeAgents, &all)
	require.Len(t, all.Agents, 2)

	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeListAgents, Channel: "#general"})
	var members protocol.Agents
	nextAs(t, bob.sess, protocol.TypeAgents, &members)
	require.Len(t, members.Agents, 1)
	assert.Equal(t, alice.id, members.Agents[0].ID)
	assert.Equal(t, protocol.PresenceOnline, members.Agents[0].Presence)

	e.send(bob.sess, &protocol.ClientFrame{Type: protocol.TypeListAgents, Channel: "#nowhere"})
	wantErr(t, bob.sess, protocol.ErrChannelNotFound)
}
