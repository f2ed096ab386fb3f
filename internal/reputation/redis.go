package reputation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the ledger in Redis hashes so several server instances
// can settle against the same ratings.
//
// Keys:
//
//	rep:agent:<id>      hash {rating, transactions}
//	rep:escrow:<propID> hash {proposer, proposer_stake, acceptor, acceptor_stake, expires_at, status, created_at}
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings the target before returning.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client, used by tests.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func agentKey(agentID string) string     { return "rep:agent:" + agentID }
func escrowKey(proposalID string) string { return "rep:escrow:" + proposalID }

// ensure initializes the agent hash with neutral values if absent.
func (s *RedisStore) ensure(ctx context.Context, agentID string) error {
	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, agentKey(agentID), "rating", DefaultRating)
	pipe.HSetNX(ctx, agentKey(agentID), "transactions", 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetRating(ctx context.Context, agentID string) (Rating, error) {
	vals, err := s.client.HGetAll(ctx, agentKey(agentID)).Result()
	if err != nil {
		return Rating{}, fmt.Errorf("failed to read rating: %w", err)
	}
	if len(vals) == 0 {
		return Rating{Rating: DefaultRating}, nil
	}
	var r Rating
	if _, err := fmt.Sscanf(vals["rating"], "%d", &r.Rating); err != nil {
		return Rating{}, fmt.Errorf("corrupt rating for %s: %w", agentID, err)
	}
	if v, ok := vals["transactions"]; ok {
		fmt.Sscanf(v, "%d", &r.Transactions)
	}
	return r, nil
}

func (s *RedisStore) CanStake(ctx context.Context, agentID string, amount int) (StakeCheck, error) {
	r, err := s.GetRating(ctx, agentID)
	if err != nil {
		return StakeCheck{}, err
	}
	return checkStake(r.Rating, amount), nil
}

func (s *RedisStore) CreateEscrow(ctx context.Context, proposalID string, proposer, acceptor EscrowSide, expiresAtMs int64) error {
	key := escrowKey(proposalID)
	status, err := s.client.HGet(ctx, key, "status").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read escrow: %w", err)
	}
	if status == EscrowOpen {
		return ErrEscrowExists
	}
	err = s.client.HSet(ctx, key,
		"proposer", proposer.AgentID,
		"proposer_stake", proposer.Stake,
		"acceptor", acceptor.AgentID,
		"acceptor_stake", acceptor.Stake,
		"expires_at", expiresAtMs,
		"status", EscrowOpen,
		"created_at", time.Now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to open escrow: %w", err)
	}
	return nil
}

// applyDeltas increments ratings and optionally transaction counts in one
// pipeline, clamping negatives afterwards.
func (s *RedisStore) applyDeltas(ctx context.Context, deltas map[string]int, parties []string, releaseProposal string) error {
	for agent := range deltas {
		if err := s.ensure(ctx, agent); err != nil {
			return err
		}
	}
	for _, p := range parties {
		if err := s.ensure(ctx, p); err != nil {
			return err
		}
	}

	pipe := s.client.TxPipeline()
	for agent, d := range deltas {
		if d != 0 {
			pipe.HIncrBy(ctx, agentKey(agent), "rating", int64(d))
		}
	}
	for _, p := range parties {
		pipe.HIncrBy(ctx, agentKey(p), "transactions", 1)
	}
	if releaseProposal != "" {
		pipe.HSet(ctx, escrowKey(releaseProposal), "status", EscrowReleased)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to apply deltas: %w", err)
	}

	// Clamp below-zero ratings. Racy only against concurrent settlements of
	// the same agent, which the callers serialize.
	for agent, d := range deltas {
		if d >= 0 {
			continue
		}
		v, err := s.client.HGet(ctx, agentKey(agent), "rating").Int()
		if err == nil && v < 0 {
			s.client.HSet(ctx, agentKey(agent), "rating", 0)
		}
	}
	return nil
}

func (s *RedisStore) ProcessCompletion(ctx context.Context, c Completion) (map[string]int, error) {
	deltas := CompletionDeltas(c)
	if err := s.applyDeltas(ctx, deltas, []string{c.Completer, c.Counterparty}, c.ProposalID); err != nil {
		return nil, err
	}
	return deltas, nil
}

func (s *RedisStore) ProcessDispute(ctx context.Context, d Dispute) (map[string]int, error) {
	if err := s.client.HSet(ctx, escrowKey(d.ProposalID), "status", EscrowReleased).Err(); err != nil {
		return nil, fmt.Errorf("failed to release escrow: %w", err)
	}
	return map[string]int{d.Disputant: 0, d.Respondent: 0}, nil
}

func (s *RedisStore) ApplyVerdictSettlement(ctx context.Context, st Settlement) error {
	return s.applyDeltas(ctx, st.Deltas, st.Parties, st.ProposalID)
}

func (s *RedisStore) MigrateAgentID(ctx context.Context, oldID, newID string) error {
	exists, err := s.client.Exists(ctx, agentKey(oldID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check old id: %w", err)
	}
	if exists == 0 {
		return nil
	}
	if err := s.client.Rename(ctx, agentKey(oldID), agentKey(newID)).Err(); err != nil {
		return fmt.Errorf("failed to migrate rating: %w", err)
	}

	// Rewrite escrow sides that still reference the old id.
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "rep:escrow:*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan escrows: %w", err)
		}
		for _, key := range keys {
			vals, err := s.client.HGetAll(ctx, key).Result()
			if err != nil {
				continue
			}
			if vals["proposer"] == oldID {
				s.client.HSet(ctx, key, "proposer", newID)
			}
			if vals["acceptor"] == oldID {
				s.client.HSet(ctx, key, "acceptor", newID)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
