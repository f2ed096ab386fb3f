package reputation

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client)
}

func TestRedisGetRatingDefaults(t *testing.T) {
	s := newTestRedisStore(t)
	r, err := s.GetRating(context.Background(), "@nobody")
	require.NoError(t, err)
	assert.Equal(t, DefaultRating, r.Rating)
	assert.Zero(t, r.Transactions)
}

func TestRedisCompletionRoundTrip(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateEscrow(ctx, "prop-1",
		EscrowSide{AgentID: "@a", Stake: 50},
		EscrowSide{AgentID: "@b", Stake: 50}, 12345))
	assert.ErrorIs(t, s.CreateEscrow(ctx, "prop-1",
		EscrowSide{AgentID: "@a", Stake: 50},
		EscrowSide{AgentID: "@b", Stake: 50}, 12345), ErrEscrowExists)

	deltas, err := s.ProcessCompletion(ctx, Completion{
		ProposalID:        "prop-1",
		Completer:         "@b",
		Counterparty:      "@a",
		CompleterStake:    50,
		CounterpartyStake: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"@b": 50, "@a": -50}, deltas)

	ra, err := s.GetRating(ctx, "@a")
	require.NoError(t, err)
	rb, err := s.GetRating(ctx, "@b")
	require.NoError(t, err)
	assert.Equal(t, DefaultRating-50, ra.Rating)
	assert.Equal(t, DefaultRating+50, rb.Rating)
	assert.Equal(t, 1, ra.Transactions)
	assert.Equal(t, 1, rb.Transactions)
}

func TestRedisVerdictSettlementAndClamp(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateEscrow(ctx, "prop-2",
		EscrowSide{AgentID: "@d", Stake: 40},
		EscrowSide{AgentID: "@r", Stake: 40}, 0))

	err := s.ApplyVerdictSettlement(ctx, Settlement{
		DisputeID:  "disp-1",
		ProposalID: "prop-2",
		Verdict:    "for_respondent",
		Deltas: map[string]int{
			"@d":    -40,
			"@r":    40,
			"@arb1": -2000, // clamps to zero
		},
		Parties: []string{"@d", "@r"},
	})
	require.NoError(t, err)

	rd, _ := s.GetRating(ctx, "@d")
	rr, _ := s.GetRating(ctx, "@r")
	arb, _ := s.GetRating(ctx, "@arb1")
	assert.Equal(t, DefaultRating-40, rd.Rating)
	assert.Equal(t, DefaultRating+40, rr.Rating)
	assert.Equal(t, 0, arb.Rating)
	assert.Equal(t, 1, rd.Transactions)
}

func TestRedisDisputeReleasesEscrow(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateEscrow(ctx, "prop-3",
		EscrowSide{AgentID: "@d", Stake: 10},
		EscrowSide{AgentID: "@r", Stake: 10}, 0))

	deltas, err := s.ProcessDispute(ctx, Dispute{ProposalID: "prop-3", Disputant: "@d", Respondent: "@r"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"@d": 0, "@r": 0}, deltas)

	// A released escrow can be reopened (dispute concluded the proposal).
	assert.NoError(t, s.CreateEscrow(ctx, "prop-3",
		EscrowSide{AgentID: "@d", Stake: 5},
		EscrowSide{AgentID: "@r", Stake: 5}, 0))
}

func TestRedisMigrateAgentID(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	// Give @old a standing by settling something.
	_, err := s.ProcessCompletion(ctx, Completion{
		ProposalID:   "prop-4",
		Completer:    "@old",
		Counterparty: "@peer",
	})
	require.NoError(t, err)
	require.NoError(t, s.CreateEscrow(ctx, "prop-5",
		EscrowSide{AgentID: "@old", Stake: 1},
		EscrowSide{AgentID: "@peer", Stake: 1}, 0))

	require.NoError(t, s.MigrateAgentID(ctx, "@old", "@new"))

	rNew, err := s.GetRating(ctx, "@new")
	require.NoError(t, err)
	assert.Equal(t, DefaultRating+CompletionReward, rNew.Rating)
	assert.Equal(t, 1, rNew.Transactions)

	rOld, err := s.GetRating(ctx, "@old")
	require.NoError(t, err)
	assert.Equal(t, DefaultRating, rOld.Rating)

	assert.NoError(t, s.MigrateAgentID(ctx, "@ghost", "@x"), "unknown id migrates as a no-op")
}

func TestRedisCanStake(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	chk, err := s.CanStake(ctx, "@new", DefaultRating-RatingFloor)
	require.NoError(t, err)
	assert.True(t, chk.OK)

	chk, err = s.CanStake(ctx, "@new", DefaultRating-RatingFloor+1)
	require.NoError(t, err)
	assert.False(t, chk.OK)
}
