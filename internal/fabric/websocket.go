package fabric

import (
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer stays alive. Pings go out every
	// pingPeriod, so a dead connection is reaped after three missed pongs.
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second

	// maxMsgSize caps inbound frames at 512KB.
	maxMsgSize = 512 * 1024

	// sendBuffer is the per-session outbound channel depth.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

// buildCheckOrigin admits non-browser clients (no Origin header), honors
// AGENTCHAT_ALLOWED_ORIGINS as a comma-separated allowlist, and allows
// everything when AGENTCHAT_ENV=development. Otherwise the origin host must
// match the request host.
func buildCheckOrigin() func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if os.Getenv("AGENTCHAT_ENV") == "development" {
			return true
		}
		if allowedRaw := os.Getenv("AGENTCHAT_ALLOWED_ORIGINS"); allowedRaw != "" {
			for _, allowed := range strings.Split(allowedRaw, ",") {
				if strings.EqualFold(strings.TrimSpace(allowed), origin) {
					return true
				}
			}
			return false
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// ServeWS upgrades an HTTP request into a session and starts its pumps.
// Unless the hub is public, only loopback clients may connect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.handler == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	if !h.public && !isLoopback(r.RemoteAddr) {
		http.Error(w, "server is not public", http.StatusForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	s := newSession(h, conn, r.RemoteAddr)
	if !h.register(s) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	h.logger.Printf("Session %s connected from %s", s.ID, s.RemoteAddr)

	// Two goroutines with clear ownership: writePump owns all writes to
	// conn (frames, pings, close), readPump owns all reads.
	go s.writePump()
	go s.readPump()
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// onDisconnect runs protocol cleanup before the registry forgets the
// session, so the handler can still resolve hub state for it.
func (h *Hub) onDisconnect(s *Session) {
	if h.handler != nil {
		h.handler.HandleDisconnect(s)
	}
	h.unregister(s)
	h.logger.Printf("Session %s disconnected", s.ID)
}

// readPump reads frames and dispatches them inline, so a session's
// handlers run strictly in arrival order. This is the only goroutine that
// calls conn.ReadMessage.
func (s *Session) readPump() {
	defer func() {
		s.Close()
		s.hub.onDisconnect(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.hub.logger.Printf("Session %s read error: %v", s.ID, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.hub.handler.HandleFrame(s, raw)
	}
}

// writePump serializes all writes to the connection: queued frames,
// keepalive pings, and the close handshake. On teardown it drains the send
// buffer first, so a final notice (eviction, shutdown) still reaches the
// peer before the close frame.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.hub.logger.Printf("Write failed for session %s: %v", s.ID, err)
				return
			}
			// Drain whatever queued while we were writing.
			n := len(s.send)
			for i := 0; i < n; i++ {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					s.hub.logger.Printf("Batch write failed for session %s: %v", s.ID, err)
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			for {
				select {
				case frame := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if s.conn.WriteMessage(websocket.TextMessage, frame) != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
