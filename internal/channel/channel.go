// Package channel implements named broadcast groups: member and invite sets,
// invite-only and verified-only gates, a capped ring of recent messages for
// replay, and last-activity tracking. Channels live for the process lifetime.
package channel

import (
	"errors"
	"regexp"
	"sort"
	"sync"

	"github.com/agentchat/server/internal/protocol"
)

var (
	ErrNotFound     = errors.New("channel not found")
	ErrExists       = errors.New("channel already exists")
	ErrInvalidName  = errors.New("invalid channel name")
	ErrNotInvited   = errors.New("not invited")
	ErrVerifiedOnly = errors.New("verified agents only")
	ErrNotMember    = errors.New("not a member")
	ErrTooMany      = errors.New("channel limit reached")
)

var namePattern = regexp.MustCompile(`^#[a-z0-9][a-z0-9_-]{0,62}$`)

// ValidName reports whether name is a well-formed channel reference.
func ValidName(name string) bool { return namePattern.MatchString(name) }

type channel struct {
	name         string
	inviteOnly   bool
	verifiedOnly bool
	members      map[string]bool
	invited      map[string]bool

	// replay ring
	ring  []protocol.Msg
	start int
	count int

	lastActivity int64
}

func (c *channel) memberList() []string {
	out := make([]string, 0, len(c.members))
	for m := range c.members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (c *channel) appendRing(msg protocol.Msg) {
	if len(c.ring) == 0 {
		return
	}
	idx := (c.start + c.count) % len(c.ring)
	if c.count == len(c.ring) {
		c.start = (c.start + 1) % len(c.ring)
		c.count--
	}
	c.ring[idx] = msg
	c.count++
}

func (c *channel) replay() []protocol.Msg {
	out := make([]protocol.Msg, 0, c.count)
	for i := 0; i < c.count; i++ {
		m := c.ring[(c.start+i)%len(c.ring)]
		m.Replay = true
		out = append(out, m)
	}
	return out
}

// JoinResult reports what a join did and what the joiner should receive.
type JoinResult struct {
	AlreadyMember bool
	Members       []string
	Replay        []protocol.Msg
}

// Store owns every channel.
type Store struct {
	mu          sync.RWMutex
	channels    map[string]*channel
	ringSize    int
	maxChannels int
}

// NewStore creates a store with the given replay ring capacity and channel
// cap (0 means unlimited).
func NewStore(ringSize, maxChannels int) *Store {
	if ringSize < 0 {
		ringSize = 0
	}
	return &Store{
		channels:    make(map[string]*channel),
		ringSize:    ringSize,
		maxChannels: maxChannels,
	}
}

// Create adds a channel. A non-empty creator is seeded as first member and
// invitee, so invite-only channels are reachable by their maker.
func (s *Store) Create(name, creator string, inviteOnly, verifiedOnly bool, nowMs int64) error {
	if !ValidName(name) {
		return ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; ok {
		return ErrExists
	}
	if s.maxChannels > 0 && len(s.channels) >= s.maxChannels {
		return ErrTooMany
	}
	c := &channel{
		name:         name,
		inviteOnly:   inviteOnly,
		verifiedOnly: verifiedOnly,
		members:      make(map[string]bool),
		invited:      make(map[string]bool),
		ring:         make([]protocol.Msg, s.ringSize),
		lastActivity: nowMs,
	}
	if creator != "" {
		c.members[creator] = true
		c.invited[creator] = true
	}
	s.channels[name] = c
	return nil
}

// EnsureDefaults creates the given public channels if absent.
func (s *Store) EnsureDefaults(nowMs int64, names ...string) {
	for _, n := range names {
		_ = s.Create(n, "", false, false, nowMs)
	}
}

// Exists reports channel presence.
func (s *Store) Exists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[name]
	return ok
}

// Join adds the agent, enforcing the verified-only and invite-only gates.
// Re-joining is detected and returns AlreadyMember with the same view.
func (s *Store) Join(name, agentID string, verified bool, nowMs int64) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[name]
	if !ok {
		return JoinResult{}, ErrNotFound
	}
	if c.verifiedOnly && !verified {
		return JoinResult{}, ErrVerifiedOnly
	}
	if c.inviteOnly && !c.members[agentID] && !c.invited[agentID] {
		return JoinResult{}, ErrNotInvited
	}

	already := c.members[agentID]
	c.members[agentID] = true
	c.lastActivity = nowMs
	return JoinResult{
		AlreadyMember: already,
		Members:       c.memberList(),
		Replay:        c.replay(),
	}, nil
}

// Leave removes the agent. Absent channels and non-members are no-ops.
func (s *Store) Leave(name, agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[name]
	if !ok || !c.members[agentID] {
		return false
	}
	delete(c.members, agentID)
	return true
}

// Invite marks the target invitable. The inviter must be a member.
func (s *Store) Invite(name, by, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[name]
	if !ok {
		return ErrNotFound
	}
	if !c.members[by] {
		return ErrNotMember
	}
	c.invited[target] = true
	return nil
}

// IsMember reports membership.
func (s *Store) IsMember(name, agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[name]
	return ok && c.members[agentID]
}

// Members returns the sorted member list.
func (s *Store) Members(name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[name]
	if !ok {
		return nil, ErrNotFound
	}
	return c.memberList(), nil
}

// Append records a delivered message in the replay ring and bumps
// last-activity. The caller must already have routed the message.
func (s *Store) Append(name string, msg protocol.Msg, nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[name]
	if !ok {
		return
	}
	c.appendRing(msg)
	c.lastActivity = nowMs
}

// Replay returns the ring contents in insertion order, flagged as replays.
func (s *Store) Replay(name string) []protocol.Msg {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[name]
	if !ok {
		return nil
	}
	return c.replay()
}

// List describes channels for LIST_CHANNELS. When publicOnly is set,
// invite-only channels are omitted (the unauthenticated view).
func (s *Store) List(publicOnly bool) []protocol.ChannelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.ChannelInfo, 0, len(s.channels))
	for _, c := range s.channels {
		if publicOnly && c.inviteOnly {
			continue
		}
		out = append(out, protocol.ChannelInfo{
			Name:         c.name,
			Members:      len(c.members),
			InviteOnly:   c.inviteOnly,
			VerifiedOnly: c.verifiedOnly,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChannelsOf returns the names of every channel the agent belongs to.
func (s *Store) ChannelsOf(agentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name, c := range s.channels {
		if c.members[agentID] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// UnionMembers returns every distinct member across the agent's channels,
// excluding the agent itself: the PRESENCE_CHANGED audience.
func (s *Store) UnionMembers(agentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, c := range s.channels {
		if !c.members[agentID] {
			continue
		}
		for m := range c.members {
			if m != agentID {
				seen[m] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// RemoveAgent drops the agent from every channel, returning the channels
// that lost it so the caller can broadcast AGENT_LEFT.
func (s *Store) RemoveAgent(agentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, c := range s.channels {
		if c.members[agentID] {
			delete(c.members, agentID)
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RenameMember rewrites an agent id in member and invite sets, used on
// identity migration.
func (s *Store) RenameMember(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		if c.members[oldID] {
			delete(c.members, oldID)
			c.members[newID] = true
		}
		if c.invited[oldID] {
			delete(c.invited, oldID)
			c.invited[newID] = true
		}
	}
}

// LastActivity returns the channel's last-activity timestamp in epoch ms.
func (s *Store) LastActivity(name string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[name]
	if !ok {
		return 0
	}
	return c.lastActivity
}
