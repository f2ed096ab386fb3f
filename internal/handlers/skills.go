package handlers

import (
	"github.com/agentchat/server/internal/fabric"
	"github.com/agentchat/server/internal/protocol"
)

// handleRegisterSkills replaces the agent's advertised skill set. An empty
// list clears it.
func (r *Router) handleRegisterSkills(s *fabric.Session, f *protocol.ClientFrame) {
	ag := s.Agent()
	cleaned, err := r.skills.Register(ag.ID, f.Skills)
	if err != nil {
		// The in-memory registry is updated even when persistence fails.
		r.logger.Printf("skills save for %s: %v", ag.ID, err)
	}
	r.send(s, protocol.TypeSkillsRegistered, &protocol.SkillsRegistered{
		Type:   protocol.TypeSkillsRegistered,
		Agent:  ag.ID,
		Skills: cleaned,
	})
}

// handleSearchSkills substring-matches the registry and decorates hits with
// live presence.
func (r *Router) handleSearchSkills(s *fabric.Session, f *protocol.ClientFrame) {
	if f.Query == "" {
		r.sendErr(s, protocol.ErrInvalidMsg, "query is required")
		return
	}
	matches := r.skills.Search(f.Query)
	out := make([]protocol.SkillMatch, 0, len(matches))
	for _, m := range matches {
		hit := protocol.SkillMatch{Agent: m.AgentID, Skills: m.Skills}
		if sess, ok := r.hub.Agent(m.AgentID); ok {
			hit.Online = true
			hit.Name = sess.Agent().Name
		}
		out = append(out, hit)
	}
	r.send(s, protocol.TypeSkillsResults, &protocol.SkillsResults{
		Type:    protocol.TypeSkillsResults,
		Query:   f.Query,
		Matches: out,
	})
}
