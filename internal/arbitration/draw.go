package arbitration

import (
	"math/rand"
	"sort"
)

// Candidate is an agent considered for a panel seat, snapshotted at draw
// time.
type Candidate struct {
	AgentID      string
	Rating       int
	Transactions int
	Online       bool
	Persistent   bool
	ActivePanels int
}

// Eligible reports whether the candidate may sit on a panel for the given
// parties.
func Eligible(c Candidate, disputant, respondent string) bool {
	if c.AgentID == disputant || c.AgentID == respondent {
		return false
	}
	if !c.Persistent || !c.Online {
		return false
	}
	if c.Rating < MinArbiterRating || c.Transactions < MinArbiterTxns {
		return false
	}
	return c.ActivePanels < MaxActivePanels
}

// FilterPool keeps the eligible candidates, skipping any agent in exclude
// (current panelists and past decliners on a replacement draw).
func FilterPool(candidates []Candidate, disputant, respondent string, exclude map[string]bool) []Candidate {
	pool := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if exclude[c.AgentID] {
			continue
		}
		if Eligible(c, disputant, respondent) {
			pool = append(pool, c)
		}
	}
	return pool
}

// SelectPanel draws n distinct arbiters from the pool. The pool is sorted
// by agent id before the shuffle, so the result depends only on the pool
// membership and the seed; both parties can verify it after the reveal.
// Returns false when the pool is too small.
func SelectPanel(pool []Candidate, seed int64, n int) ([]string, bool) {
	if len(pool) < n {
		return nil, false
	}
	ids := make([]string, len(pool))
	for i, c := range pool {
		ids[i] = c.AgentID
	}
	sort.Strings(ids)

	r := rand.New(rand.NewSource(seed))
	for i := 0; i < n; i++ {
		j := i + r.Intn(len(ids)-i)
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids[:n], true
}
