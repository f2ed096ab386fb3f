package handlers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/server/internal/channel"
	"github.com/agentchat/server/internal/fabric"
	"github.com/agentchat/server/internal/protocol"
	"github.com/agentchat/server/internal/redact"
)

// reservedNicks can never be claimed; matched case-insensitively.
var reservedNicks = map[string]bool{
	"server":    true,
	"admin":     true,
	"system":    true,
	"moderator": true,
	"root":      true,
}

// handleMsg routes one message to a channel or an agent, applying the lurk
// gate, the rate limit, redaction and callback extraction in that order.
func (r *Router) handleMsg(s *fabric.Session, f *protocol.ClientFrame) {
	ag := s.Agent()
	now := r.nowMs()

	if ag.Lurking && r.firstSeen.OpenWindowUntil() <= now {
		if ag.LurkUntil != 0 && now >= ag.LurkUntil {
			s.UpdateAgent(func(a *fabric.Agent) { a.Lurking = false })
		} else {
			r.sendErr(s, protocol.ErrLurkMode, "lurk window active, read-only for now")
			return
		}
	}
	if !s.AllowMessage(now, r.opts.MsgGapMs) {
		r.metrics.RecordRateLimited("msg")
		r.sendErr(s, protocol.ErrRateLimited, "sending too fast")
		return
	}
	if f.To == "" || f.Content == "" {
		r.sendErr(s, protocol.ErrInvalidMsg, "to and content are required")
		return
	}

	content, fired := redact.Scrub(f.Content)
	if len(fired) > 0 {
		r.logger.Printf("redacted %s content: %s", ag.ID, strings.Join(fired, ", "))
	}
	stripped, callbacks := protocol.ExtractCallbacks(content)
	for _, cb := range callbacks {
		r.scheduleCallback(ag.ID, cb)
	}
	if stripped == "" {
		// The message was only callback markers; nothing to deliver now.
		return
	}

	msg := protocol.Msg{
		Type:      protocol.TypeMsg,
		ID:        uuid.NewString(),
		From:      ag.ID,
		FromName:  ag.Name,
		To:        f.To,
		Content:   stripped,
		Timestamp: now,
	}

	switch {
	case strings.HasPrefix(f.To, protocol.ChannelPrefix):
		if !r.channels.IsMember(f.To, ag.ID) {
			if !r.channels.Exists(f.To) {
				r.sendErr(s, protocol.ErrChannelNotFound, "no such channel")
			} else {
				r.sendErr(s, protocol.ErrNotInvited, "join the channel first")
			}
			return
		}
		r.channels.Append(f.To, msg, now)
		members, err := r.channels.Members(f.To)
		if err != nil {
			return
		}
		r.fanOut(members, protocol.TypeMsg, &msg)
		r.inboxAppend(&msg)

	case strings.HasPrefix(f.To, protocol.AgentPrefix):
		if _, ok := r.hub.Agent(f.To); !ok {
			r.sendErr(s, protocol.ErrAgentNotFound, "agent is not online")
			return
		}
		r.sendToAgent(f.To, protocol.TypeMsg, &msg)
		if f.To != ag.ID {
			r.send(s, protocol.TypeMsg, &msg)
		}
		r.inboxAppend(&msg)

	default:
		r.sendErr(s, protocol.ErrInvalidMsg, "to must name a #channel or an @agent")
	}
}

// scheduleCallback arms a timer that delivers the payload back to the sender
// as a server notice. An offline sender at fire time loses the callback.
func (r *Router) scheduleCallback(agentID string, cb protocol.Callback) {
	key := "cb-" + uuid.NewString()
	r.timers.Schedule(key, time.Duration(cb.DelaySeconds)*time.Second, func() {
		msg := protocol.Msg{
			Type:      protocol.TypeMsg,
			ID:        uuid.NewString(),
			From:      protocol.ServerAgentID,
			FromName:  "server",
			To:        agentID,
			Content:   cb.Payload,
			Timestamp: r.nowMs(),
		}
		r.sendToAgent(agentID, protocol.TypeMsg, &msg)
	})
}

// inboxAppend mirrors a delivered message to the file inbox, best effort.
func (r *Router) inboxAppend(msg *protocol.Msg) {
	if r.inbox == nil {
		return
	}
	if err := r.inbox.Append(msg); err != nil {
		r.logger.Printf("inbox append: %v", err)
	}
}

// handleJoin adds the agent to a channel. First joins broadcast AGENT_JOINED
// to the existing members; the joiner always gets JOINED, the replay ring,
// and on a first join a welcome notice.
func (r *Router) handleJoin(s *fabric.Session, f *protocol.ClientFrame) {
	ag := s.Agent()
	now := r.nowMs()
	if !channel.ValidName(f.Channel) {
		r.sendErr(s, protocol.ErrInvalidName, "channel names look like #general")
		return
	}
	res, err := r.channels.Join(f.Channel, ag.ID, ag.Verified, now)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrNotFound):
			r.sendErr(s, protocol.ErrChannelNotFound, "no such channel")
		case errors.Is(err, channel.ErrVerifiedOnly), errors.Is(err, channel.ErrNotInvited):
			r.sendErr(s, protocol.ErrNotInvited, "channel is restricted")
		default:
			r.sendErr(s, protocol.ErrInvalidMsg, err.Error())
		}
		return
	}

	if !res.AlreadyMember {
		r.fanOut(exclude(res.Members, ag.ID), protocol.TypeAgentJoined, &protocol.AgentJoined{
			Type:    protocol.TypeAgentJoined,
			Channel: f.Channel,
			Agent:   ag.ID,
			Name:    ag.Name,
		})
	}
	r.send(s, protocol.TypeJoined, &protocol.Joined{
		Type:    protocol.TypeJoined,
		Channel: f.Channel,
		Members: res.Members,
	})
	for _, m := range res.Replay {
		r.send(s, protocol.TypeMsg, &m)
	}
	if !res.AlreadyMember {
		r.send(s, protocol.TypeMsg, &protocol.Msg{
			Type:      protocol.TypeMsg,
			ID:        uuid.NewString(),
			From:      protocol.ServerAgentID,
			FromName:  "server",
			To:        f.Channel,
			Content:   fmt.Sprintf("Welcome to %s, %s!", f.Channel, ag.Name),
			Timestamp: now,
		})
	}
}

// handleLeave removes the agent. Leaving is idempotent: LEFT is acked even
// when the agent was not a member.
func (r *Router) handleLeave(s *fabric.Session, f *protocol.ClientFrame) {
	ag := s.Agent()
	removed := r.channels.Leave(f.Channel, ag.ID)
	r.send(s, protocol.TypeLeft, &protocol.Left{Type: protocol.TypeLeft, Channel: f.Channel})
	if !removed {
		return
	}
	members, err := r.channels.Members(f.Channel)
	if err != nil {
		return
	}
	r.fanOut(members, protocol.TypeAgentLeft, &protocol.AgentLeft{
		Type:    protocol.TypeAgentLeft,
		Channel: f.Channel,
		Agent:   ag.ID,
		Name:    ag.Name,
	})
}

// handleListChannels answers with the channel directory. Unauthenticated
// sessions get the public view, without invite-only channels.
func (r *Router) handleListChannels(s *fabric.Session, _ *protocol.ClientFrame) {
	r.send(s, protocol.TypeChannels, &protocol.Channels{
		Type:     protocol.TypeChannels,
		Channels: r.channels.List(!s.Authenticated()),
	})
}

// handleListAgents lists a channel's members, or every online agent when no
// channel is named.
func (r *Router) handleListAgents(s *fabric.Session, f *protocol.ClientFrame) {
	if f.Channel == "" {
		sessions := r.hub.AuthenticatedSessions()
		infos := make([]protocol.AgentInfo, 0, len(sessions))
		for _, sess := range sessions {
			a := sess.Agent()
			infos = append(infos, protocol.AgentInfo{
				ID:       a.ID,
				Name:     a.Name,
				Presence: a.Presence,
				Status:   a.Status,
				Verified: a.Verified,
			})
		}
		r.send(s, protocol.TypeAgents, &protocol.Agents{Type: protocol.TypeAgents, Agents: infos})
		return
	}

	members, err := r.channels.Members(f.Channel)
	if err != nil {
		r.sendErr(s, protocol.ErrChannelNotFound, "no such channel")
		return
	}
	infos := make([]protocol.AgentInfo, 0, len(members))
	for _, id := range members {
		if sess, ok := r.hub.Agent(id); ok {
			a := sess.Agent()
			infos = append(infos, protocol.AgentInfo{
				ID:       a.ID,
				Name:     a.Name,
				Presence: a.Presence,
				Status:   a.Status,
				Verified: a.Verified,
			})
			continue
		}
		infos = append(infos, protocol.AgentInfo{ID: id, Presence: protocol.PresenceOffline})
	}
	r.send(s, protocol.TypeAgents, &protocol.Agents{
		Type:    protocol.TypeAgents,
		Channel: f.Channel,
		Agents:  infos,
	})
}

// handleCreateChannel creates a channel with the caller as first member.
func (r *Router) handleCreateChannel(s *fabric.Session, f *protocol.ClientFrame) {
	ag := s.Agent()
	now := r.nowMs()
	err := r.channels.Create(f.Channel, ag.ID, f.InviteOnly, f.VerifiedOnly, now)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrInvalidName):
			r.sendErr(s, protocol.ErrInvalidName, "channel names look like #general")
		case errors.Is(err, channel.ErrExists):
			r.sendErr(s, protocol.ErrChannelExists, "channel already exists")
		case errors.Is(err, channel.ErrTooMany):
			r.sendErr(s, protocol.ErrNotAllowed, "channel limit reached")
		default:
			r.sendErr(s, protocol.ErrInvalidMsg, err.Error())
		}
		return
	}
	r.send(s, protocol.TypeJoined, &protocol.Joined{
		Type:    protocol.TypeJoined,
		Channel: f.Channel,
		Members: []string{ag.ID},
	})
	r.logger.Printf("channel %s created by %s", f.Channel, ag.ID)
}

// handleInvite marks the target invitable and pings it when online.
func (r *Router) handleInvite(s *fabric.Session, f *protocol.ClientFrame) {
	ag := s.Agent()
	if !strings.HasPrefix(f.Agent, protocol.AgentPrefix) {
		r.sendErr(s, protocol.ErrInvalidMsg, "agent must be an @id")
		return
	}
	err := r.channels.Invite(f.Channel, ag.ID, f.Agent)
	if err != nil {
		switch {
		case errors.Is(err, channel.ErrNotFound):
			r.sendErr(s, protocol.ErrChannelNotFound, "no such channel")
		case errors.Is(err, channel.ErrNotMember):
			r.sendErr(s, protocol.ErrNotInvited, "only members may invite")
		default:
			r.sendErr(s, protocol.ErrInvalidMsg, err.Error())
		}
		return
	}
	r.sendToAgent(f.Agent, protocol.TypeInvited, &protocol.Invited{
		Type:    protocol.TypeInvited,
		Channel: f.Channel,
		By:      ag.ID,
	})
}

// handleSetNick renames the agent, fanning NICK_CHANGED to everyone sharing
// a channel with it, plus the agent itself.
func (r *Router) handleSetNick(s *fabric.Session, f *protocol.ClientFrame) {
	ag := s.Agent()
	now := r.nowMs()
	nick := strings.TrimSpace(f.Nick)
	if nick == "" || len(nick) > 64 {
		r.sendErr(s, protocol.ErrInvalidName, "nick must be 1-64 characters")
		return
	}
	if reservedNicks[strings.ToLower(nick)] {
		r.sendErr(s, protocol.ErrInvalidName, "nick is reserved")
		return
	}
	if !s.AllowNickChange(now, r.opts.NickGapMs) {
		r.metrics.RecordRateLimited("nick")
		r.sendErr(s, protocol.ErrRateLimited, "nick changed too recently")
		return
	}
	old := ag.Name
	s.UpdateAgent(func(a *fabric.Agent) { a.Name = nick })

	change := &protocol.NickChanged{
		Type:    protocol.TypeNickChanged,
		Agent:   ag.ID,
		OldNick: old,
		NewNick: nick,
	}
	r.fanOut(r.channels.UnionMembers(ag.ID), protocol.TypeNickChanged, change)
	r.send(s, protocol.TypeNickChanged, change)
}

// handleSetPresence updates presence and fans PRESENCE_CHANGED exactly once
// to each agent sharing at least one channel.
func (r *Router) handleSetPresence(s *fabric.Session, f *protocol.ClientFrame) {
	ag := s.Agent()
	if !protocol.ValidPresence(f.Presence) {
		r.sendErr(s, protocol.ErrInvalidMsg, "presence must be online, away or offline")
		return
	}
	s.UpdateAgent(func(a *fabric.Agent) {
		a.Presence = f.Presence
		a.Status = f.Status
	})
	r.fanOut(r.channels.UnionMembers(ag.ID), protocol.TypePresenceChanged, &protocol.PresenceChanged{
		Type:     protocol.TypePresenceChanged,
		Agent:    ag.ID,
		Presence: f.Presence,
		Status:   f.Status,
	})
}
