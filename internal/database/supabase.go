// Package database wraps the Supabase client used for durable archival.
// The server runs fully in-memory; Supabase is the optional system of
// record for audit chains and persistent agent profiles.
package database

import (
	"fmt"
	"os"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseClient wraps the Supabase Go client.
type SupabaseClient struct {
	client *supabase.Client
}

// NewSupabaseClient builds a client from SUPABASE_URL and
// SUPABASE_SERVICE_KEY.
func NewSupabaseClient() (*SupabaseClient, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	return NewSupabaseClientWith(url, key)
}

// NewSupabaseClientWith builds a client from explicit credentials.
func NewSupabaseClientWith(url, key string) (*SupabaseClient, error) {
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseClient{client: client}, nil
}

// InsertRow inserts a single row into any table.
func (sc *SupabaseClient) InsertRow(table string, row interface{}) error {
	_, _, err := sc.client.From(table).Insert(row, false, "", "", "").Execute()
	return err
}

// UpsertRow inserts or updates a row keyed on the conflict column.
func (sc *SupabaseClient) UpsertRow(table, onConflict string, row interface{}) error {
	_, _, err := sc.client.From(table).Upsert(row, onConflict, "", "").Execute()
	return err
}

// QueryRows reads rows from a table filtered by a single column.
func (sc *SupabaseClient) QueryRows(table, selectCols, filterCol, filterVal string, dest interface{}) error {
	_, err := sc.client.From(table).
		Select(selectCols, "", false).
		Eq(filterCol, filterVal).
		ExecuteTo(dest)
	return err
}

// AgentProfileRow is the agent_profiles table shape. Persistent identities
// are archived here so a redeploy does not lose name claims.
type AgentProfileRow struct {
	AgentID      string `json:"agent_id"`
	PublicKey    string `json:"public_key"`
	Verified     bool   `json:"verified"`
	RegisteredAt string `json:"registered_at"`
	LastSeenAt   string `json:"last_seen_at,omitempty"`
}

// SaveAgentProfile upserts a persistent agent's profile.
func (sc *SupabaseClient) SaveAgentProfile(row *AgentProfileRow) error {
	return sc.UpsertRow("agent_profiles", "agent_id", row)
}

// GetAgentProfile loads one profile, nil when absent.
func (sc *SupabaseClient) GetAgentProfile(agentID string) (*AgentProfileRow, error) {
	var rows []AgentProfileRow
	if err := sc.QueryRows("agent_profiles", "*", "agent_id", agentID, &rows); err != nil {
		return nil, fmt.Errorf("query agent_profiles: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
