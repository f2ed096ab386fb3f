package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentchat/server/internal/protocol"
)

// repReadTimeout bounds reputation lookups made on behalf of HTTP callers.
const repReadTimeout = 5 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(s.hub.Uptime().Seconds()),
		"sessions":       s.hub.SessionCount(),
		"agents":         s.hub.AgentCount(),
	})
}

// GET /api/v1/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	c := s.hub.Counters()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":   int64(s.hub.Uptime().Seconds()),
		"sessions":         s.hub.SessionCount(),
		"agents":           s.hub.AgentCount(),
		"sessions_total":   c.SessionsTotal.Load(),
		"sessions_evicted": c.SessionsEvicted.Load(),
		"frames_routed":    c.FramesRouted.Load(),
		"frames_dropped":   c.FramesDropped.Load(),
		"channels":         len(s.channels.List(false)),
		"proposals":        s.proposals.CountByStatus(),
		"disputes":         s.disputes.CountByPhase(),
		"evidence":         s.vault.Stats(),
	})
}

// GET /api/v1/agents
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	sessions := s.hub.AuthenticatedSessions()
	agents := make([]protocol.AgentInfo, 0, len(sessions))
	for _, sess := range sessions {
		a := sess.Agent()
		agents = append(agents, protocol.AgentInfo{
			ID:       a.ID,
			Name:     a.Name,
			Presence: a.Presence,
			Status:   a.Status,
			Verified: a.Verified,
		})
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

// GET /api/v1/channels
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	// Operators see invite-only channels too; the websocket listing does not.
	channels := s.channels.List(false)
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": channels,
		"count":    len(channels),
	})
}

// GET /api/v1/reputation/{agent_id}
func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	if !strings.HasPrefix(agentID, protocol.AgentPrefix) {
		http.Error(w, "agent_id must name an @agent", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repReadTimeout)
	defer cancel()
	rating, err := s.rep.GetRating(ctx, agentID)
	if err != nil {
		http.Error(w, "reputation backend unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":     agentID,
		"rating":       rating.Rating,
		"transactions": rating.Transactions,
	})
}
