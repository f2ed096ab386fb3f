package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/agentchat/server/internal/database"
)

// SupabaseArchiver persists audit records to Supabase (PostgreSQL). Archive
// failures degrade gracefully; the in-memory chain stays authoritative.
type SupabaseArchiver struct {
	client *database.SupabaseClient
	logger *log.Logger
}

func NewSupabaseArchiver(client *database.SupabaseClient) *SupabaseArchiver {
	return &SupabaseArchiver{
		client: client,
		logger: log.New(log.Writer(), "[Archive:Supabase] ", log.LstdFlags),
	}
}

// auditRow is the dispute_audit table shape.
type auditRow struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	DisputeID    string `json:"dispute_id"`
	ProposalID   string `json:"proposal_id"`
	AgentID      string `json:"agent_id"`
	Hash         string `json:"hash"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	CreatedAt    string `json:"created_at"`
}

// SaveRecord writes one record to the dispute_audit table.
func (a *SupabaseArchiver) SaveRecord(_ context.Context, r *Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	row := auditRow{
		ID:           r.ID,
		Type:         r.Type,
		DisputeID:    r.DisputeID,
		ProposalID:   r.ProposalID,
		AgentID:      r.AgentID,
		Hash:         r.Hash,
		PreviousHash: r.PrevHash,
		Payload:      string(payload),
		CreatedAt:    time.UnixMilli(r.Timestamp).UTC().Format(time.RFC3339),
	}

	if err := a.client.InsertRow("dispute_audit", row); err != nil {
		return fmt.Errorf("save audit record: %w", err)
	}
	return nil
}

// LoadChain reads a dispute's records back, skipping rows that no longer
// unmarshal.
func (a *SupabaseArchiver) LoadChain(_ context.Context, disputeID string) ([]*Record, error) {
	var rows []auditRow
	if err := a.client.QueryRows("dispute_audit", "payload", "dispute_id", disputeID, &rows); err != nil {
		return nil, fmt.Errorf("load audit chain: %w", err)
	}

	records := make([]*Record, 0, len(rows))
	for _, row := range rows {
		var r Record
		if err := json.Unmarshal([]byte(row.Payload), &r); err != nil {
			a.logger.Printf("Skipping corrupt record: %v", err)
			continue
		}
		records = append(records, &r)
	}
	return records, nil
}
