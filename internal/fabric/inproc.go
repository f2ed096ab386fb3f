package fabric

// In-process sessions back the protocol test suites and the load
// generator's dry-run mode: they register like a real connection but have
// no pumps, so queued frames stay in the send buffer until read back with
// NextFrame.

// OpenInProc registers a session with no underlying connection. The caller
// drives it by handing frames to the hub's handler and draining the send
// buffer.
func (h *Hub) OpenInProc(remoteAddr string) (*Session, bool) {
	s := newSession(h, nil, remoteAddr)
	if !h.register(s) {
		return nil, false
	}
	return s, true
}

// NextFrame pops the oldest queued outbound frame, nil when the buffer is
// empty. Only meaningful for in-process sessions; a pumped session races
// its write pump for the channel.
func (s *Session) NextFrame() []byte {
	select {
	case frame := <-s.send:
		return frame
	default:
		return nil
	}
}

// CloseInProc tears down an in-process session the way readPump would:
// close, protocol cleanup, then registry removal.
func (h *Hub) CloseInProc(s *Session) {
	s.Close()
	h.onDisconnect(s)
}
