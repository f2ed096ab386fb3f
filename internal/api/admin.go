package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentchat/server/internal/protocol"
)

// migrateTimeout bounds the cross-store rename, which may touch a remote
// reputation backend.
const migrateTimeout = 10 * time.Second

// MigrateRequest renames an agent id across every store.
type MigrateRequest struct {
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
}

// adminKeyOK gates the admin endpoints on the same key configuration the
// websocket admin ops use.
func (s *Server) adminKeyOK(w http.ResponseWriter, r *http.Request) bool {
	if s.router.AdminAuthorized(r.Header.Get("X-Admin-Key")) {
		return true
	}
	http.Error(w, "admin key rejected", http.StatusUnauthorized)
	return false
}

// POST /api/v1/admin/migrate
func (s *Server) handleAdminMigrate(w http.ResponseWriter, r *http.Request) {
	if !s.adminKeyOK(w, r) {
		return
	}
	var req MigrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid Payload", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), migrateTimeout)
	defer cancel()
	if err := s.router.MigrateAgent(ctx, req.OldID, req.NewID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "migrated",
		"old_id": req.OldID,
		"new_id": req.NewID,
	})
}

// POST /api/v1/admin/motd
func (s *Server) handleAdminMotd(w http.ResponseWriter, r *http.Request) {
	if !s.adminKeyOK(w, r) {
		return
	}
	var req struct {
		Motd string `json:"motd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid Payload", http.StatusBadRequest)
		return
	}
	s.router.SetMotd(req.Motd)
	sent := s.hub.Broadcast(protocol.MustEncode(&protocol.MotdUpdate{
		Type: protocol.TypeMotdUpdate,
		Motd: req.Motd,
	}))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "updated",
		"delivered": sent,
	})
}
