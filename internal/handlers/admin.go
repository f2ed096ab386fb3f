package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentchat/server/internal/fabric"
	"github.com/agentchat/server/internal/protocol"
	"github.com/agentchat/server/internal/roster"
)

// defaultOpenWindowMs is the open-window duration when the operator names none.
const defaultOpenWindowMs = int64(time.Hour / time.Millisecond)

// handleAdmin gates every ADMIN_* operation on the admin key, then applies
// it. These run on any session, authenticated or not: the key is the
// authority, not the websocket identity.
func (r *Router) handleAdmin(s *fabric.Session, f *protocol.ClientFrame) {
	if !r.adminAuthorized(f.AdminKey) {
		r.sendErr(s, protocol.ErrAuthRequired, "admin key rejected")
		return
	}

	ok, detail, list := r.applyAdmin(f)
	r.send(s, protocol.TypeAdminResult, &protocol.AdminResult{
		Type:   protocol.TypeAdminResult,
		Op:     f.Type,
		OK:     ok,
		Detail: detail,
		List:   list,
	})
	r.logger.Printf("admin %s from %s: ok=%v %s", f.Type, s.RemoteAddr, ok, detail)
}

func (r *Router) applyAdmin(f *protocol.ClientFrame) (ok bool, detail string, list json.RawMessage) {
	now := r.nowMs()
	switch f.Type {
	case protocol.TypeAdminApprove:
		if f.Key == "" {
			return false, "key is required", nil
		}
		added, err := r.roster.Allow.Add(f.Key, f.Note, now)
		if err != nil {
			return false, fmt.Sprintf("allowlist save failed: %v", err), nil
		}
		if !added {
			return true, "already allowlisted", nil
		}
		return true, "allowlisted", nil

	case protocol.TypeAdminRevoke:
		if f.Key == "" {
			return false, "key is required", nil
		}
		removed, err := r.roster.Allow.Remove(f.Key)
		if err != nil {
			return false, fmt.Sprintf("allowlist save failed: %v", err), nil
		}
		if !removed {
			return false, "not on the allowlist", nil
		}
		return true, "revoked", nil

	case protocol.TypeAdminList:
		snapshot := struct {
			Allowlist map[string]roster.Entry `json:"allowlist"`
			Banlist   map[string]roster.Entry `json:"banlist"`
		}{
			Allowlist: r.roster.Allow.Snapshot(),
			Banlist:   r.roster.Ban.Snapshot(),
		}
		data, err := json.Marshal(snapshot)
		if err != nil {
			return false, err.Error(), nil
		}
		return true, "", data

	case protocol.TypeAdminKick:
		target, online := r.hub.Agent(f.Agent)
		if !online {
			return false, "agent is not online", nil
		}
		target.CloseWithFrame(protocol.MustEncode(&protocol.Kicked{
			Type:   protocol.TypeKicked,
			Reason: f.Note,
		}))
		return true, "kicked " + f.Agent, nil

	case protocol.TypeAdminBan:
		key := f.Key
		if key == "" {
			key = f.Agent
		}
		if key == "" {
			return false, "key or agent is required", nil
		}
		if _, err := r.roster.Ban.Add(key, f.Note, now); err != nil {
			return false, fmt.Sprintf("banlist save failed: %v", err), nil
		}
		banned := protocol.MustEncode(&protocol.Banned{
			Type:   protocol.TypeBanned,
			Reason: f.Note,
		})
		closed := 0
		for _, sess := range r.hub.AuthenticatedSessions() {
			a := sess.Agent()
			if a.ID == key || (a.PubKey != "" && a.PubKey == key) {
				sess.CloseWithFrame(banned)
				closed++
			}
		}
		if closed > 0 {
			return true, fmt.Sprintf("banned, closed %d session(s)", closed), nil
		}
		return true, "banned", nil

	case protocol.TypeAdminUnban:
		key := f.Key
		if key == "" {
			key = f.Agent
		}
		removed, err := r.roster.Ban.Remove(key)
		if err != nil {
			return false, fmt.Sprintf("banlist save failed: %v", err), nil
		}
		if !removed {
			return false, "not on the banlist", nil
		}
		return true, "unbanned", nil

	case protocol.TypeAdminVerify:
		target, online := r.hub.Agent(f.Agent)
		if !online {
			return false, "agent is not online", nil
		}
		var verified bool
		target.UpdateAgent(func(a *fabric.Agent) {
			a.Verified = !a.Verified
			verified = a.Verified
		})
		if verified {
			return true, f.Agent + " verified", nil
		}
		return true, f.Agent + " unverified", nil

	case protocol.TypeAdminMotd:
		r.SetMotd(f.Motd)
		sent := r.hub.Broadcast(protocol.MustEncode(&protocol.MotdUpdate{
			Type: protocol.TypeMotdUpdate,
			Motd: f.Motd,
		}))
		return true, fmt.Sprintf("motd delivered to %d agent(s)", sent), nil

	case protocol.TypeAdminOpenWindow:
		duration := f.DurationMs
		if duration <= 0 {
			duration = defaultOpenWindowMs
		}
		until := now + duration
		r.firstSeen.SetOpenWindow(until)
		return true, fmt.Sprintf("lurk window open until %d", until), nil
	}
	return false, "unknown admin operation", nil
}
