package evidence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendChainsRecords(t *testing.T) {
	v := NewVault(nil)

	first := v.Append(context.Background(), RecordFiled, "disp-1", "prop-1", "alice", map[string]any{"reason_len": 24})
	second := v.Append(context.Background(), RecordRevealed, "disp-1", "prop-1", "alice", nil)
	third := v.Append(context.Background(), RecordPanel, "disp-1", "prop-1", "", map[string]any{"panel": []string{"a", "b", "c"}})

	chain := v.Chain("disp-1")
	require.Len(t, chain, 3)
	assert.Equal(t, genesisHash, chain[0].PrevHash)
	assert.Equal(t, first.Hash, chain[1].PrevHash)
	assert.Equal(t, second.Hash, chain[2].PrevHash)
	assert.Equal(t, third.Hash, chain[2].Hash)

	valid, at, err := v.Validate("disp-1")
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, -1, at)
}

func TestValidateDetectsTamper(t *testing.T) {
	v := NewVault(nil)
	v.Append(context.Background(), RecordFiled, "disp-1", "prop-1", "alice", nil)
	v.Append(context.Background(), RecordRevealed, "disp-1", "prop-1", "alice", nil)
	v.Append(context.Background(), RecordVerdict, "disp-1", "prop-1", "", map[string]any{"verdict": "disputant"})

	// Rewrite history on the middle record.
	v.chains["disp-1"].Records[1].AgentID = "mallory"

	valid, at, err := v.Validate("disp-1")
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, 1, at)
}

func TestValidateUnknownDispute(t *testing.T) {
	v := NewVault(nil)
	_, _, err := v.Validate("disp-unknown")
	assert.Error(t, err)
}

func TestChainReturnsCopies(t *testing.T) {
	v := NewVault(nil)
	v.Append(context.Background(), RecordFiled, "disp-1", "prop-1", "alice", nil)

	got := v.Chain("disp-1")
	got[0].AgentID = "tampered"

	valid, _, err := v.Validate("disp-1")
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Nil(t, v.Chain("disp-missing"))
}

func TestFindFilters(t *testing.T) {
	v := NewVault(nil)
	v.Append(context.Background(), RecordFiled, "disp-1", "prop-1", "alice", nil)
	v.Append(context.Background(), RecordVote, "disp-1", "prop-1", "arb-1", nil)
	v.Append(context.Background(), RecordVote, "disp-1", "prop-1", "arb-2", nil)
	v.Append(context.Background(), RecordFiled, "disp-2", "prop-2", "bob", nil)

	votes := v.Find(Query{DisputeID: "disp-1", Type: RecordVote})
	assert.Len(t, votes, 2)

	byAgent := v.Find(Query{AgentID: "arb-1"})
	require.Len(t, byAgent, 1)
	assert.Equal(t, RecordVote, byAgent[0].Type)

	limited := v.Find(Query{DisputeID: "disp-1", Limit: 1})
	assert.Len(t, limited, 1)

	future := v.Find(Query{SinceMs: 1 << 62})
	assert.Empty(t, future)
}

type failingArchiver struct{ calls int }

func (f *failingArchiver) SaveRecord(context.Context, *Record) error {
	f.calls++
	return errors.New("supabase down")
}

func (f *failingArchiver) LoadChain(context.Context, string) ([]*Record, error) {
	return nil, errors.New("supabase down")
}

func TestArchiverFailureIsNonFatal(t *testing.T) {
	arch := &failingArchiver{}
	v := NewVault(arch)

	r := v.Append(context.Background(), RecordFiled, "disp-1", "prop-1", "alice", nil)
	require.NotNil(t, r)
	assert.Equal(t, 1, arch.calls)

	valid, _, err := v.Validate("disp-1")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestRecordVerify(t *testing.T) {
	r := &Record{
		ID:        "ev-1",
		Type:      RecordFiled,
		DisputeID: "disp-1",
		Timestamp: 1000,
	}
	r.Hash = r.ComputeHash()
	assert.True(t, r.Verify())

	r.Detail = map[string]any{"edited": true}
	assert.False(t, r.Verify())
}

func TestStats(t *testing.T) {
	v := NewVault(nil)
	v.Append(context.Background(), RecordFiled, "disp-1", "prop-1", "alice", nil)
	v.Append(context.Background(), RecordFiled, "disp-2", "prop-2", "bob", nil)

	stats := v.Stats()
	assert.Equal(t, 2, stats["chains"])
	assert.Equal(t, 2, stats["total_records"])
	assert.Equal(t, 2, stats["agents"])
}
