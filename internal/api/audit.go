package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agentchat/server/internal/evidence"
)

// GET /api/v1/disputes/{dispute_id}/audit
func (s *Server) handleAuditChain(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["dispute_id"]
	records := s.vault.Chain(id)
	if len(records) == 0 {
		http.Error(w, "no audit chain for that dispute", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dispute_id": id,
		"records":    records,
		"count":      len(records),
	})
}

// GET /api/v1/disputes/{dispute_id}/audit/validate
func (s *Server) handleAuditValidate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["dispute_id"]
	valid, brokenAt, err := s.vault.Validate(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dispute_id": id,
		"valid":      valid,
		"broken_at":  brokenAt,
	})
}

// GET /api/v1/audit/records?dispute=&agent=&type=&since_ms=&until_ms=&limit=
func (s *Server) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	q := evidence.Query{
		DisputeID: qs.Get("dispute"),
		AgentID:   qs.Get("agent"),
		Type:      qs.Get("type"),
		SinceMs:   parseMs(qs.Get("since_ms")),
		UntilMs:   parseMs(qs.Get("until_ms")),
	}
	if limit := qs.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	records := s.vault.Find(q)
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// parseMs reads an epoch-ms query value, zero when absent or malformed.
func parseMs(v string) int64 {
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return ms
}
