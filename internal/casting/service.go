// Package casting implements the vote-casting pipeline: eligibility
// checks, the uniqueness-constrained vote insert, transaction record
// minting, atomic tally increments and the voter profile flag.
package casting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/electra/electra/internal/chain"
	"github.com/electra/electra/internal/ledger"
)

// DefaultTimeout bounds a single cast end to end. A timeout surfaces as
// a retryable storage error; duplication and eligibility verdicts are
// final.
const DefaultTimeout = 10 * time.Second

// Receipt is handed back to the voter after a successful cast. The same
// values are stored in the transaction record.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber int64  `json:"block_number"`
}

type Service struct {
	store   ledger.Store
	blocks  *chain.BlockCounter
	clock   chain.Clock
	timeout time.Duration
	logger  *slog.Logger
}

func NewService(store ledger.Store, blocks *chain.BlockCounter, clock chain.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = chain.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		blocks:  blocks,
		clock:   clock,
		timeout: DefaultTimeout,
		logger:  logger,
	}
}

// SetTimeout overrides the per-cast deadline.
func (s *Service) SetTimeout(d time.Duration) {
	s.timeout = d
}

// CastVote validates eligibility, writes the vote under the
// (election_id, voter_id) uniqueness constraint, mints the transaction
// record and advances both tally counters, all in one storage
// transaction. Exactly one concurrent cast per (voter, election) can
// succeed; the rest fail with ledger.ErrDuplicateVote.
func (s *Service) CastVote(ctx context.Context, voterID string, electionID, candidateID uuid.UUID) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	profile, err := s.store.GetProfileByUser(ctx, voterID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("voter %s: %w", voterID, ledger.ErrNotEligible)
		}
		return nil, err
	}
	if !profile.Approved {
		return nil, fmt.Errorf("voter %s not approved: %w", voterID, ledger.ErrNotEligible)
	}

	election, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("election %s: %w", electionID, ledger.ErrNotEligible)
		}
		return nil, err
	}
	if election.Status != ledger.ElectionActive {
		return nil, fmt.Errorf("election %s is %s: %w", electionID, election.Status, ledger.ErrNotEligible)
	}

	candidate, err := s.store.GetCandidate(ctx, candidateID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("candidate %s: %w", candidateID, ledger.ErrCandidateMismatch)
		}
		return nil, err
	}
	if candidate.ElectionID != electionID {
		return nil, fmt.Errorf("candidate %s: %w", candidateID, ledger.ErrCandidateMismatch)
	}

	txHash, err := chain.MintTxHash()
	if err != nil {
		return nil, fmt.Errorf("failed to mint tx hash: %w", err)
	}
	voterHash, err := chain.MintVoterHash()
	if err != nil {
		return nil, fmt.Errorf("failed to mint voter hash: %w", err)
	}
	blockNumber := s.blocks.Next()
	now := s.clock.Now()

	vote := &ledger.Vote{
		ID:          uuid.New(),
		ElectionID:  electionID,
		CandidateID: candidateID,
		VoterID:     voterID,
		VoterHash:   voterHash,
		TxHash:      txHash,
		BlockNumber: blockNumber,
		Status:      ledger.VotePending,
		CreatedAt:   now,
	}

	payload, err := json.Marshal(map[string]string{
		"election_id":  electionID.String(),
		"candidate_id": candidateID.String(),
		"voter_hash":   voterHash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	record := &ledger.ChainTransaction{
		TxHash:        txHash,
		BlockNumber:   blockNumber,
		Kind:          ledger.TxVote,
		Payload:       payload,
		Confirmations: chain.ConfirmationSeed,
		CreatedAt:     now,
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}

	// Once the uniqueness insert has been attempted the cast runs to
	// completion; a client disconnect must not leave partial state.
	ctx = context.WithoutCancel(ctx)
	defer tx.Rollback(ctx)

	if err := tx.InsertVote(ctx, vote); err != nil {
		if errors.Is(err, ledger.ErrDuplicateVote) {
			return nil, fmt.Errorf("voter %s in election %s: %w", voterID, electionID, ledger.ErrDuplicateVote)
		}
		return nil, err
	}
	if err := tx.InsertChainTransaction(ctx, record); err != nil {
		return nil, err
	}
	if err := tx.IncrementTally(ctx, electionID, candidateID); err != nil {
		return nil, err
	}
	if err := tx.MarkVoted(ctx, voterID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("vote cast",
		"election_id", electionID,
		"candidate_id", candidateID,
		"tx_hash", txHash,
		"block_number", blockNumber,
	)

	return &Receipt{TxHash: txHash, BlockNumber: blockNumber}, nil
}
