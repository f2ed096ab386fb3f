package reputation

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// SpannerStore backs the ledger with Cloud Spanner.
//
// Tables:
//
//	AgentRatings (AgentID STRING PK, Rating INT64, Transactions INT64, UpdatedAt TIMESTAMP)
//	Escrows      (ProposalID STRING PK, Proposer STRING, ProposerStake INT64,
//	              Acceptor STRING, AcceptorStake INT64, ExpiresAtMs INT64,
//	              Status STRING, CreatedAt TIMESTAMP)
type SpannerStore struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerStore creates a Store backed by Spanner.
func NewSpannerStore(project, instance, dbName string) (*SpannerStore, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}
	return &SpannerStore{
		client: client,
		logger: log.New(log.Writer(), "[SpannerStore] ", log.LstdFlags),
	}, nil
}

// GetRating uses a stale read (15-second staleness) for performance; rating
// reads gate nothing that settlement doesn't re-check transactionally.
func (ss *SpannerStore) GetRating(ctx context.Context, agentID string) (Rating, error) {
	roTx := ss.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	row, err := roTx.ReadRow(ctx, "AgentRatings", spanner.Key{agentID}, []string{"Rating", "Transactions"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return Rating{Rating: DefaultRating}, nil
		}
		return Rating{}, err
	}

	var rating, transactions int64
	if err := row.Columns(&rating, &transactions); err != nil {
		return Rating{}, err
	}
	return Rating{Rating: int(rating), Transactions: int(transactions)}, nil
}

func (ss *SpannerStore) CanStake(ctx context.Context, agentID string, amount int) (StakeCheck, error) {
	r, err := ss.GetRating(ctx, agentID)
	if err != nil {
		return StakeCheck{}, err
	}
	return checkStake(r.Rating, amount), nil
}

func (ss *SpannerStore) CreateEscrow(ctx context.Context, proposalID string, proposer, acceptor EscrowSide, expiresAtMs int64) error {
	_, err := ss.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, "Escrows", spanner.Key{proposalID}, []string{"Status"})
		if err == nil {
			var status string
			if err := row.Columns(&status); err != nil {
				return err
			}
			if status == EscrowOpen {
				return ErrEscrowExists
			}
		} else if spanner.ErrCode(err) != codes.NotFound {
			return err
		}

		m := spanner.InsertOrUpdate("Escrows",
			[]string{"ProposalID", "Proposer", "ProposerStake", "Acceptor", "AcceptorStake", "ExpiresAtMs", "Status", "CreatedAt"},
			[]interface{}{proposalID, proposer.AgentID, int64(proposer.Stake), acceptor.AgentID, int64(acceptor.Stake), expiresAtMs, EscrowOpen, spanner.CommitTimestamp},
		)
		return txn.BufferWrite([]*spanner.Mutation{m})
	})
	return err
}

// applySettlement runs deltas, transaction bumps and escrow release in one
// read-write transaction.
func (ss *SpannerStore) applySettlement(ctx context.Context, deltas map[string]int, parties []string, releaseProposal string) error {
	bump := make(map[string]bool, len(parties))
	for _, p := range parties {
		bump[p] = true
	}
	touched := make(map[string]bool, len(deltas)+len(parties))
	for a := range deltas {
		touched[a] = true
	}
	for _, p := range parties {
		touched[p] = true
	}

	_, err := ss.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var muts []*spanner.Mutation
		for agent := range touched {
			rating := int64(DefaultRating)
			transactions := int64(0)
			row, err := txn.ReadRow(ctx, "AgentRatings", spanner.Key{agent}, []string{"Rating", "Transactions"})
			if err == nil {
				if err := row.Columns(&rating, &transactions); err != nil {
					return err
				}
			} else if spanner.ErrCode(err) != codes.NotFound {
				return err
			}

			rating += int64(deltas[agent])
			if rating < 0 {
				rating = 0
			}
			if bump[agent] {
				transactions++
			}
			muts = append(muts, spanner.InsertOrUpdate("AgentRatings",
				[]string{"AgentID", "Rating", "Transactions", "UpdatedAt"},
				[]interface{}{agent, rating, transactions, spanner.CommitTimestamp},
			))
		}

		if releaseProposal != "" {
			muts = append(muts, spanner.Update("Escrows",
				[]string{"ProposalID", "Status"},
				[]interface{}{releaseProposal, EscrowReleased},
			))
		}
		return txn.BufferWrite(muts)
	})
	return err
}

func (ss *SpannerStore) ProcessCompletion(ctx context.Context, c Completion) (map[string]int, error) {
	deltas := CompletionDeltas(c)
	if err := ss.applySettlement(ctx, deltas, []string{c.Completer, c.Counterparty}, c.ProposalID); err != nil {
		return nil, err
	}
	ss.logger.Printf("settled completion %s", c.ProposalID)
	return deltas, nil
}

func (ss *SpannerStore) ProcessDispute(ctx context.Context, d Dispute) (map[string]int, error) {
	_, err := ss.client.Apply(ctx, []*spanner.Mutation{
		spanner.Update("Escrows",
			[]string{"ProposalID", "Status"},
			[]interface{}{d.ProposalID, EscrowReleased},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to release escrow: %w", err)
	}
	return map[string]int{d.Disputant: 0, d.Respondent: 0}, nil
}

func (ss *SpannerStore) ApplyVerdictSettlement(ctx context.Context, st Settlement) error {
	return ss.applySettlement(ctx, st.Deltas, st.Parties, st.ProposalID)
}

func (ss *SpannerStore) MigrateAgentID(ctx context.Context, oldID, newID string) error {
	_, err := ss.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		var muts []*spanner.Mutation

		row, err := txn.ReadRow(ctx, "AgentRatings", spanner.Key{oldID}, []string{"Rating", "Transactions"})
		if err == nil {
			var rating, transactions int64
			if err := row.Columns(&rating, &transactions); err != nil {
				return err
			}
			muts = append(muts,
				spanner.Delete("AgentRatings", spanner.Key{oldID}),
				spanner.InsertOrUpdate("AgentRatings",
					[]string{"AgentID", "Rating", "Transactions", "UpdatedAt"},
					[]interface{}{newID, rating, transactions, spanner.CommitTimestamp},
				),
			)
		} else if spanner.ErrCode(err) != codes.NotFound {
			return err
		}

		stmt := spanner.Statement{
			SQL:    `SELECT ProposalID, Proposer, Acceptor FROM Escrows WHERE Proposer = @id OR Acceptor = @id`,
			Params: map[string]interface{}{"id": oldID},
		}
		iter := txn.Query(ctx, stmt)
		defer iter.Stop()
		for {
			row, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return err
			}
			var proposalID, proposer, acceptor string
			if err := row.Columns(&proposalID, &proposer, &acceptor); err != nil {
				return err
			}
			if proposer == oldID {
				proposer = newID
			}
			if acceptor == oldID {
				acceptor = newID
			}
			muts = append(muts, spanner.Update("Escrows",
				[]string{"ProposalID", "Proposer", "Acceptor"},
				[]interface{}{proposalID, proposer, acceptor},
			))
		}
		if len(muts) == 0 {
			return nil
		}
		return txn.BufferWrite(muts)
	})
	if err == nil {
		ss.logger.Printf("migrated %s -> %s", oldID, newID)
	}
	return err
}

func (ss *SpannerStore) Close() error {
	ss.client.Close()
	return nil
}
