package casting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/electra/electra/internal/chain"
	"github.com/electra/electra/internal/ledger"
)

// CreateElection registers a new election and mints its audit record.
func (s *Service) CreateElection(ctx context.Context, title, description string, startAt, endAt time.Time) (*ledger.Election, error) {
	election := &ledger.Election{
		ID:          uuid.New(),
		Title:       title,
		Description: description,
		StartAt:     startAt,
		EndAt:       endAt,
		Status:      ledger.ElectionUpcoming,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.CreateElection(ctx, election); err != nil {
		return nil, err
	}

	if err := s.recordAdminEvent(ctx, ledger.TxElectionCreated, map[string]string{
		"election_id": election.ID.String(),
		"title":       title,
	}); err != nil {
		s.logger.Warn("failed to record election audit entry", "election_id", election.ID, "error", err)
	}

	return election, nil
}

// AddCandidate adds a candidate to an election that has not completed.
func (s *Service) AddCandidate(ctx context.Context, electionID uuid.UUID, name, party, bio string) (*ledger.Candidate, error) {
	election, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if election.Status == ledger.ElectionCompleted {
		return nil, fmt.Errorf("election %s: %w", electionID, ledger.ErrCompletedElection)
	}

	candidate := &ledger.Candidate{
		ID:         uuid.New(),
		ElectionID: electionID,
		Name:       name,
		Party:      party,
		Bio:        bio,
	}
	if err := s.store.AddCandidate(ctx, candidate); err != nil {
		return nil, err
	}

	if err := s.recordAdminEvent(ctx, ledger.TxCandidateAdded, map[string]string{
		"election_id":  electionID.String(),
		"candidate_id": candidate.ID.String(),
		"name":         name,
	}); err != nil {
		s.logger.Warn("failed to record candidate audit entry", "candidate_id", candidate.ID, "error", err)
	}

	return candidate, nil
}

func (s *Service) recordAdminEvent(ctx context.Context, kind ledger.TransactionKind, fields map[string]string) error {
	txHash, err := chain.MintTxHash()
	if err != nil {
		return fmt.Errorf("failed to mint tx hash: %w", err)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	return s.store.RecordChainTransaction(ctx, &ledger.ChainTransaction{
		TxHash:        txHash,
		BlockNumber:   s.blocks.Next(),
		Kind:          kind,
		Payload:       payload,
		Confirmations: chain.ConfirmationSeed,
		CreatedAt:     s.clock.Now(),
	})
}
