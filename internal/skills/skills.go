// Package skills keeps the per-agent skill registry used by REGISTER_SKILLS
// and SEARCH_SKILLS, persisted as JSON.
package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MaxSkillsPerAgent caps a single registration.
const MaxSkillsPerAgent = 50

// Registry maps agent ids to their advertised skill list.
type Registry struct {
	mu     sync.Mutex
	path   string
	skills map[string][]string
}

// Match is one search hit.
type Match struct {
	AgentID string
	Skills  []string
}

// LoadRegistry opens (or initializes) the registry at path.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, skills: make(map[string][]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read skills registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.skills); err != nil {
		return nil, fmt.Errorf("parse skills registry %s: %w", path, err)
	}
	return r, nil
}

// Register replaces the agent's skill list. Skills are lowercased, trimmed,
// deduplicated, and capped at MaxSkillsPerAgent.
func (r *Registry) Register(agentID string, skills []string) ([]string, error) {
	cleaned := make([]string, 0, len(skills))
	seen := make(map[string]bool, len(skills))
	for _, s := range skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		cleaned = append(cleaned, s)
		if len(cleaned) == MaxSkillsPerAgent {
			break
		}
	}
	sort.Strings(cleaned)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(cleaned) == 0 {
		delete(r.skills, agentID)
	} else {
		r.skills[agentID] = cleaned
	}
	return cleaned, r.saveLocked()
}

// Get returns the agent's skills, nil when unregistered.
func (r *Registry) Get(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	skills := r.skills[agentID]
	out := make([]string, len(skills))
	copy(out, skills)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Search returns agents whose skills contain the query substring,
// case-insensitively, ordered by agent id for stable replies.
func (r *Registry) Search(query string) []Match {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var matches []Match
	for agent, list := range r.skills {
		for _, s := range list {
			if strings.Contains(s, q) {
				cp := make([]string, len(list))
				copy(cp, list)
				matches = append(matches, Match{AgentID: agent, Skills: cp})
				break
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].AgentID < matches[j].AgentID })
	return matches
}

// Rename moves a registration to a new agent id, used when an identity
// migrates.
func (r *Registry) Rename(oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, ok := r.skills[oldID]
	if !ok {
		return nil
	}
	delete(r.skills, oldID)
	r.skills[newID] = list
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(r.skills, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
