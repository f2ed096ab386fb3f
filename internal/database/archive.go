package database

import (
	"context"
	"fmt"
	"sort"

	"github.com/agentchat/server/internal/evidence"
)

// EvidenceArchive implements evidence.Archiver over the evidence_records
// table: insert-only, one row per chained record, so the off-box copy can
// be re-validated independently of the in-memory vault.
type EvidenceArchive struct {
	client *SupabaseClient
	table  string
}

func NewEvidenceArchive(client *SupabaseClient) *EvidenceArchive {
	return &EvidenceArchive{client: client, table: "evidence_records"}
}

type evidenceRow struct {
	RecordID   string `json:"record_id"`
	RecordType string `json:"record_type"`
	DisputeID  string `json:"dispute_id"`
	ProposalID string `json:"proposal_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	Detail     any    `json:"detail,omitempty"`
	Timestamp  int64  `json:"timestamp_ms"`
	Hash       string `json:"hash"`
	PrevHash   string `json:"previous_hash"`
}

// SaveRecord archives one record. The vault treats failures as best-effort,
// so this never blocks dispute progress.
func (a *EvidenceArchive) SaveRecord(_ context.Context, r *evidence.Record) error {
	return a.client.InsertRow(a.table, &evidenceRow{
		RecordID:   r.ID,
		RecordType: r.Type,
		DisputeID:  r.DisputeID,
		ProposalID: r.ProposalID,
		AgentID:    r.AgentID,
		Detail:     r.Detail,
		Timestamp:  r.Timestamp,
		Hash:       r.Hash,
		PrevHash:   r.PrevHash,
	})
}

// LoadChain reads a dispute's archived records, oldest first.
func (a *EvidenceArchive) LoadChain(_ context.Context, disputeID string) ([]*evidence.Record, error) {
	var rows []evidenceRow
	if err := a.client.QueryRows(a.table, "*", "dispute_id", disputeID, &rows); err != nil {
		return nil, fmt.Errorf("query %s: %w", a.table, err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })
	out := make([]*evidence.Record, 0, len(rows))
	for _, row := range rows {
		detail, _ := row.Detail.(map[string]any)
		out = append(out, &evidence.Record{
			ID:         row.RecordID,
			Type:       row.RecordType,
			DisputeID:  row.DisputeID,
			ProposalID: row.ProposalID,
			AgentID:    row.AgentID,
			Detail:     detail,
			Timestamp:  row.Timestamp,
			Hash:       row.Hash,
			PrevHash:   row.PrevHash,
		})
	}
	return out, nil
}
