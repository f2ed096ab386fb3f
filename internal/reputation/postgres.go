package reputation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore backs the ledger with Postgres for durable deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the DSN and verifies connectivity.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS agent_ratings (
	agent_id     TEXT PRIMARY KEY,
	rating       BIGINT NOT NULL,
	transactions BIGINT NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS escrows (
	proposal_id    TEXT PRIMARY KEY,
	proposer       TEXT NOT NULL,
	proposer_stake BIGINT NOT NULL,
	acceptor       TEXT NOT NULL,
	acceptor_stake BIGINT NOT NULL,
	expires_at_ms  BIGINT NOT NULL,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRating(ctx context.Context, agentID string) (Rating, error) {
	var r Rating
	err := s.db.QueryRowContext(ctx,
		`SELECT rating, transactions FROM agent_ratings WHERE agent_id = $1`,
		agentID).Scan(&r.Rating, &r.Transactions)
	if err == sql.ErrNoRows {
		return Rating{Rating: DefaultRating}, nil
	}
	if err != nil {
		return Rating{}, fmt.Errorf("failed to read rating: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) CanStake(ctx context.Context, agentID string, amount int) (StakeCheck, error) {
	r, err := s.GetRating(ctx, agentID)
	if err != nil {
		return StakeCheck{}, err
	}
	return checkStake(r.Rating, amount), nil
}

func (s *PostgresStore) CreateEscrow(ctx context.Context, proposalID string, proposer, acceptor EscrowSide, expiresAtMs int64) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO escrows (proposal_id, proposer, proposer_stake, acceptor, acceptor_stake, expires_at_ms, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (proposal_id) DO UPDATE
SET proposer = EXCLUDED.proposer, proposer_stake = EXCLUDED.proposer_stake,
    acceptor = EXCLUDED.acceptor, acceptor_stake = EXCLUDED.acceptor_stake,
    expires_at_ms = EXCLUDED.expires_at_ms, status = EXCLUDED.status
WHERE escrows.status <> $8`,
		proposalID, proposer.AgentID, proposer.Stake, acceptor.AgentID, acceptor.Stake,
		expiresAtMs, EscrowOpen, EscrowOpen)
	if err != nil {
		return fmt.Errorf("failed to open escrow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEscrowExists
	}
	return nil
}

// applyTx runs deltas, transaction bumps and the escrow release in one
// database transaction.
func (s *PostgresStore) applyTx(ctx context.Context, deltas map[string]int, parties []string, releaseProposal string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin settlement: %w", err)
	}
	defer tx.Rollback()

	const upsertDelta = `
INSERT INTO agent_ratings (agent_id, rating, transactions, updated_at)
VALUES ($1, GREATEST($2 + $3, 0), 0, now())
ON CONFLICT (agent_id) DO UPDATE
SET rating = GREATEST(agent_ratings.rating + $3, 0), updated_at = now()`
	for agent, d := range deltas {
		if _, err := tx.ExecContext(ctx, upsertDelta, agent, DefaultRating, d); err != nil {
			return fmt.Errorf("failed to apply delta for %s: %w", agent, err)
		}
	}

	const bumpTx = `
INSERT INTO agent_ratings (agent_id, rating, transactions, updated_at)
VALUES ($1, $2, 1, now())
ON CONFLICT (agent_id) DO UPDATE
SET transactions = agent_ratings.transactions + 1, updated_at = now()`
	for _, p := range parties {
		if _, err := tx.ExecContext(ctx, bumpTx, p, DefaultRating); err != nil {
			return fmt.Errorf("failed to bump transactions for %s: %w", p, err)
		}
	}

	if releaseProposal != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE escrows SET status = $1 WHERE proposal_id = $2`,
			EscrowReleased, releaseProposal); err != nil {
			return fmt.Errorf("failed to release escrow: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

func (s *PostgresStore) ProcessCompletion(ctx context.Context, c Completion) (map[string]int, error) {
	deltas := CompletionDeltas(c)
	if err := s.applyTx(ctx, deltas, []string{c.Completer, c.Counterparty}, c.ProposalID); err != nil {
		return nil, err
	}
	return deltas, nil
}

func (s *PostgresStore) ProcessDispute(ctx context.Context, d Dispute) (map[string]int, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE escrows SET status = $1 WHERE proposal_id = $2`,
		EscrowReleased, d.ProposalID); err != nil {
		return nil, fmt.Errorf("failed to release escrow: %w", err)
	}
	return map[string]int{d.Disputant: 0, d.Respondent: 0}, nil
}

func (s *PostgresStore) ApplyVerdictSettlement(ctx context.Context, st Settlement) error {
	return s.applyTx(ctx, st.Deltas, st.Parties, st.ProposalID)
}

func (s *PostgresStore) MigrateAgentID(ctx context.Context, oldID, newID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_ratings SET agent_id = $1, updated_at = now() WHERE agent_id = $2`,
		newID, oldID); err != nil {
		return fmt.Errorf("failed to migrate rating: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE escrows SET proposer = $1 WHERE proposer = $2`, newID, oldID); err != nil {
		return fmt.Errorf("failed to migrate proposer side: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE escrows SET acceptor = $1 WHERE acceptor = $2`, newID, oldID); err != nil {
		return fmt.Errorf("failed to migrate acceptor side: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
