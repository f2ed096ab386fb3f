// Package evidence keeps a tamper-evident audit trail of every dispute.
// Records are hash-chained per dispute so a verdict can always be traced
// back through reveals, seatings, and ballots without trusting the store.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Record types, one per dispute lifecycle event.
const (
	RecordFiled      = "DISPUTE_FILED"
	RecordRevealed   = "COMMIT_REVEALED"
	RecordPanel      = "PANEL_SEATED"
	RecordAccepted   = "SLOT_ACCEPTED"
	RecordDeclined   = "SLOT_DECLINED"
	RecordReplaced   = "SLOT_REPLACED"
	RecordSubmission = "EVIDENCE_SUBMITTED"
	RecordVote       = "VOTE_CAST"
	RecordVerdict    = "VERDICT"
	RecordFallback   = "FALLBACK"
)

const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is one immutable audit entry.
type Record struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	DisputeID  string         `json:"dispute_id"`
	ProposalID string         `json:"proposal_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Timestamp  int64          `json:"timestamp"`

	Hash     string `json:"hash"`
	PrevHash string `json:"previous_hash"`
}

// ComputeHash hashes the canonical JSON form with the hash field cleared.
// Map keys marshal sorted, so the digest is stable.
func (r *Record) ComputeHash() string {
	clone := *r
	clone.Hash = ""
	data, _ := json.Marshal(clone)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the record's own hash.
func (r *Record) Verify() bool {
	return r.Hash == r.ComputeHash()
}

// Chain is the linked record sequence for one dispute.
type Chain struct {
	DisputeID string
	Records   []*Record
	LastHash  string
	UpdatedAt time.Time
}

func newChain(disputeID string) *Chain {
	return &Chain{
		DisputeID: disputeID,
		LastHash:  genesisHash,
		UpdatedAt: time.Now(),
	}
}

func (c *Chain) append(r *Record) {
	r.PrevHash = c.LastHash
	r.Hash = r.ComputeHash()
	c.Records = append(c.Records, r)
	c.LastHash = r.Hash
	c.UpdatedAt = time.Now()
}

// Validate walks the chain, returning the index of the first broken link,
// or -1 when intact.
func (c *Chain) Validate() (bool, int) {
	prev := genesisHash
	for i, r := range c.Records {
		if !r.Verify() || r.PrevHash != prev {
			return false, i
		}
		prev = r.Hash
	}
	return true, -1
}

// Archiver persists records outside the process. Archive failures must not
// block the in-memory chain.
type Archiver interface {
	SaveRecord(ctx context.Context, r *Record) error
	LoadChain(ctx context.Context, disputeID string) ([]*Record, error)
}

// Vault owns every dispute chain plus the per-agent index.
type Vault struct {
	mu         sync.RWMutex
	chains     map[string]*Chain
	agentIndex map[string][]string // agent id -> record ids
	archiver   Archiver
	seq        int64
	logger     *log.Logger
}

func NewVault(archiver Archiver) *Vault {
	return &Vault{
		chains:     make(map[string]*Chain),
		agentIndex: make(map[string][]string),
		archiver:   archiver,
		logger:     log.New(log.Writer(), "[EvidenceVault] ", log.LstdFlags),
	}
}

// Append stamps and chains the record. The archiver write is best-effort.
func (v *Vault) Append(ctx context.Context, recordType, disputeID, proposalID, agentID string, detail map[string]any) *Record {
	v.mu.Lock()
	v.seq++
	r := &Record{
		ID:         fmt.Sprintf("ev-%s-%d", disputeID, v.seq),
		Type:       recordType,
		DisputeID:  disputeID,
		ProposalID: proposalID,
		AgentID:    agentID,
		Detail:     detail,
		Timestamp:  time.Now().UnixMilli(),
	}

	chain, ok := v.chains[disputeID]
	if !ok {
		chain = newChain(disputeID)
		v.chains[disputeID] = chain
	}
	chain.append(r)
	if agentID != "" {
		v.agentIndex[agentID] = append(v.agentIndex[agentID], r.ID)
	}
	v.mu.Unlock()

	if v.archiver != nil {
		if err := v.archiver.SaveRecord(ctx, r); err != nil {
			v.logger.Printf("Failed to archive record %s: %v", r.ID, err)
		}
	}
	return r
}

// Chain returns a copy of the dispute's records in order.
func (v *Vault) Chain(disputeID string) []*Record {
	v.mu.RLock()
	defer v.mu.RUnlock()
	chain, ok := v.chains[disputeID]
	if !ok {
		return nil
	}
	out := make([]*Record, len(chain.Records))
	for i, r := range chain.Records {
		clone := *r
		out[i] = &clone
	}
	return out
}

// Validate checks one dispute's chain integrity.
func (v *Vault) Validate(disputeID string) (bool, int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	chain, ok := v.chains[disputeID]
	if !ok {
		return false, -1, fmt.Errorf("no audit chain for dispute %s", disputeID)
	}
	valid, at := chain.Validate()
	return valid, at, nil
}

// Query filters records across chains.
type Query struct {
	DisputeID string
	AgentID   string
	Type      string
	SinceMs   int64
	UntilMs   int64
	Limit     int
}

// Find returns matching records, oldest first within each chain.
func (v *Vault) Find(q Query) []*Record {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []*Record
	for id, chain := range v.chains {
		if q.DisputeID != "" && id != q.DisputeID {
			continue
		}
		for _, r := range chain.Records {
			if q.AgentID != "" && r.AgentID != q.AgentID {
				continue
			}
			if q.Type != "" && r.Type != q.Type {
				continue
			}
			if q.SinceMs > 0 && r.Timestamp < q.SinceMs {
				continue
			}
			if q.UntilMs > 0 && r.Timestamp > q.UntilMs {
				continue
			}
			clone := *r
			out = append(out, &clone)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out
			}
		}
	}
	return out
}

// Stats reports vault sizes for the stats surface.
func (v *Vault) Stats() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()

	total := 0
	for _, chain := range v.chains {
		total += len(chain.Records)
	}
	return map[string]any{
		"chains":        len(v.chains),
		"total_records": total,
		"agents":        len(v.agentIndex),
	}
}
