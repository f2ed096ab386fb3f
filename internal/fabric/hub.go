// Package fabric owns the connection layer: the session hub, the WebSocket
// pumps, and the file inbox external consumers tail. Protocol semantics live
// in the handlers package; fabric only moves frames.
package fabric

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Handler is the protocol layer the hub dispatches into. HandleFrame runs
// on the session's read goroutine, so per-session handling is serialized.
type Handler interface {
	HandleFrame(s *Session, raw []byte)
	HandleDisconnect(s *Session)
}

// Counters track hub traffic. All fields are atomic; they are read under
// RLock-free paths.
type Counters struct {
	SessionsTotal   atomic.Int64
	FramesRouted    atomic.Int64
	FramesDropped   atomic.Int64
	SessionsEvicted atomic.Int64
}

// Hub tracks every live session twice: by session id, and by agent id once
// the session authenticates. The two maps mutate together or not at all.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session // session id -> session
	agents   map[string]*Session // agent id -> authenticated session

	handler  Handler
	counters Counters
	public   bool
	started  time.Time
	closed   bool

	logger *log.Logger
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		agents:   make(map[string]*Session),
		started:  time.Now(),
		logger:   log.New(log.Writer(), "[Hub] ", log.LstdFlags),
	}
}

// SetHandler installs the protocol dispatcher. Must be called before the
// hub accepts connections.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

// SetPublic controls whether non-localhost clients may connect.
func (h *Hub) SetPublic(public bool) {
	h.public = public
}

func (h *Hub) register(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s.ID] = s
	h.counters.SessionsTotal.Add(1)
	return true
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID)
	// Drop the agent binding only if this session still owns it; a
	// displaced session must not evict its displacer.
	if aid := s.AgentID(); aid != "" && h.agents[aid] == s {
		delete(h.agents, aid)
	}
}

// BindAgent claims the agent id for the session and returns any prior
// session holding it, which the caller displaces.
func (h *Hub) BindAgent(s *Session, agentID string) (displaced *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.agents[agentID]; ok && prev != s {
		displaced = prev
	}
	h.agents[agentID] = s
	return displaced
}

// ReleaseAgent unbinds the id if the session still owns it.
func (h *Hub) ReleaseAgent(s *Session, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.agents[agentID] == s {
		delete(h.agents, agentID)
	}
}

// Agent resolves a live authenticated session by agent id.
func (h *Hub) Agent(agentID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.agents[agentID]
	return s, ok
}

// Owns reports whether the session is the current holder of the agent id.
func (h *Hub) Owns(s *Session, agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.agents[agentID] == s
}

// SendToAgent enqueues one frame for a live agent. False when the agent is
// offline or its buffer is full.
func (h *Hub) SendToAgent(agentID string, frame []byte) bool {
	s, ok := h.Agent(agentID)
	if !ok {
		return false
	}
	return h.deliver(s, frame)
}

// SendToAgents fans a frame out to each listed agent once. The caller is
// responsible for de-duplicating the list.
func (h *Hub) SendToAgents(agentIDs []string, frame []byte) int {
	sent := 0
	for _, id := range agentIDs {
		if h.SendToAgent(id, frame) {
			sent++
		}
	}
	return sent
}

// Broadcast sends a frame to every authenticated session.
func (h *Hub) Broadcast(frame []byte) int {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.agents))
	for _, s := range h.agents {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if h.deliver(s, frame) {
			sent++
		}
	}
	return sent
}

func (h *Hub) deliver(s *Session, frame []byte) bool {
	if s.Enqueue(frame) {
		h.counters.FramesRouted.Add(1)
		return true
	}
	h.counters.FramesDropped.Add(1)
	h.logger.Printf("Send buffer full for session %s, dropping frame", s.ID)
	return false
}

// AuthenticatedSessions snapshots the live agent sessions.
func (h *Hub) AuthenticatedSessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.agents))
	for _, s := range h.agents {
		out = append(out, s)
	}
	return out
}

// SessionCount reports open connections; AgentCount reports bound ids.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) AgentCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.agents)
}

// Counters exposes the traffic counters for the stats surface.
func (h *Hub) Counters() *Counters {
	return &h.counters
}

// Uptime reports time since the hub started.
func (h *Hub) Uptime() time.Duration {
	return time.Since(h.started)
}

// Shutdown stops accepting sessions and closes every live one, flushing
// the given frame first when non-nil.
func (h *Hub) Shutdown(frame []byte) {
	h.mu.Lock()
	h.closed = true
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if frame != nil {
			s.CloseWithFrame(frame)
		} else {
			s.Close()
		}
	}
	h.logger.Printf("Hub shut down, closed %d sessions", len(targets))
}
