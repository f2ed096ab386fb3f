package fabric

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Agent is the identity state a session accretes as it authenticates.
// Copies are handed out; the canonical value lives behind the session mutex.
type Agent struct {
	ID          string
	Name        string
	PubKey      string
	Persistent  bool
	Verified    bool
	Lurking     bool
	LurkUntil   int64 // epoch ms; 0 means indefinite
	Presence    string
	Status      string
	ConnectedAt int64
}

// Session is one WebSocket connection. The read pump is the only goroutine
// that dispatches frames, the write pump the only one that touches the wire
// for writes, and everything else goes through the send channel.
type Session struct {
	ID         string
	RemoteAddr string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	agent         Agent
	authenticated bool
	captchaID     string
	lastMsgMs     int64
	lastNickMs    int64
}

func newSession(hub *Hub, conn *websocket.Conn, remoteAddr string) *Session {
	return &Session{
		ID:         uuid.NewString(),
		RemoteAddr: remoteAddr,
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}
}

// Enqueue queues a frame for the write pump without blocking. False means
// the buffer is full or the session is closing.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Close tears the session down once. Safe from any goroutine.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// CloseWithFrame queues a final frame, then closes. The write pump drains
// the send buffer before the close handshake, so delivery is best-effort
// but ordered.
func (s *Session) CloseWithFrame(frame []byte) {
	s.Enqueue(frame)
	s.Close()
}

// Done exposes the teardown signal for goroutines tied to the session.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Agent returns a copy of the current identity state.
func (s *Session) Agent() Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// AgentID is empty until the session authenticates.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authenticated {
		return ""
	}
	return s.agent.ID
}

// Authenticated reports whether identity has been established.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// SetAgent installs identity state and marks the session authenticated.
func (s *Session) SetAgent(a Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agent = a
	s.authenticated = true
}

// UpdateAgent mutates identity state in place under the session lock.
func (s *Session) UpdateAgent(fn func(a *Agent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.agent)
}

// SetCaptcha stores the pending captcha id gating this session.
func (s *Session) SetCaptcha(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captchaID = id
}

// CaptchaID returns the pending captcha id, empty when none.
func (s *Session) CaptchaID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captchaID
}

// ClearCaptcha lifts the captcha gate.
func (s *Session) ClearCaptcha() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captchaID = ""
}

// AllowMessage enforces the minimum gap between chat messages. It is a
// check-and-set: an accepted message advances the clock, a rejected one
// does not.
func (s *Session) AllowMessage(nowMs, gapMs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastMsgMs != 0 && nowMs-s.lastMsgMs < gapMs {
		return false
	}
	s.lastMsgMs = nowMs
	return true
}

// AllowNickChange enforces the cooldown between nickname changes.
func (s *Session) AllowNickChange(nowMs, gapMs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastNickMs != 0 && nowMs-s.lastNickMs < gapMs {
		return false
	}
	s.lastNickMs = nowMs
	return true
}
