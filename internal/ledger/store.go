package ledger

import (
	"context"

	"github.com/google/uuid"
)

// Store is the source of truth for elections, candidates, votes,
// transaction records and notification logs. The PostgreSQL
// implementation is authoritative in production; the in-memory
// implementation backs tests and local development with the same
// semantics, including the vote uniqueness constraint and atomic
// counter increments.
type Store interface {
	CreateElection(ctx context.Context, e *Election) error
	GetElection(ctx context.Context, id uuid.UUID) (*Election, error)
	ListElectionsByStatus(ctx context.Context, status ElectionStatus) ([]*Election, error)
	// UpdateElectionStatus enforces the one-way lifecycle: a completed
	// election returns ErrCompletedElection for any further transition.
	UpdateElectionStatus(ctx context.Context, id uuid.UUID, status ElectionStatus) error

	AddCandidate(ctx context.Context, c *Candidate) error
	GetCandidate(ctx context.Context, id uuid.UUID) (*Candidate, error)
	// ListCandidates returns the election's candidates ordered by
	// descending vote_count.
	ListCandidates(ctx context.Context, electionID uuid.UUID) ([]*Candidate, error)

	CreateProfile(ctx context.Context, p *Profile) error
	GetProfileByUser(ctx context.Context, userID string) (*Profile, error)
	CountApprovedVoters(ctx context.Context) (int, error)
	ListApprovedVoters(ctx context.Context) ([]*Profile, error)

	// Begin opens the write transaction a vote cast runs in. Everything
	// between Begin and Commit lands atomically or not at all.
	Begin(ctx context.Context) (Tx, error)

	GetVote(ctx context.Context, electionID uuid.UUID, voterID string) (*Vote, error)
	CountVotes(ctx context.Context, electionID uuid.UUID) (int64, error)

	GetChainTransaction(ctx context.Context, txHash string) (*ChainTransaction, error)
	// RecordChainTransaction inserts a standalone audit record for an
	// administrative event. Vote records go through Tx instead so they
	// commit atomically with the vote row.
	RecordChainTransaction(ctx context.Context, t *ChainTransaction) error
	// AdvanceConfirmations bumps every transaction below max by one and
	// reports how many rows moved. Confirmations never decrease.
	AdvanceConfirmations(ctx context.Context, max int) (int64, error)
	// ConfirmVotes flips pending votes whose transaction has reached
	// minConfirmations to confirmed.
	ConfirmVotes(ctx context.Context, minConfirmations int) (int64, error)

	AppendNotificationLog(ctx context.Context, entry *NotificationLog) error
	// LastNotification returns the most recent log entry for the
	// (election, kind) pair, or nil when none exists.
	LastNotification(ctx context.Context, electionID uuid.UUID, kind NotificationKind) (*NotificationLog, error)
	ListNotificationLogs(ctx context.Context, electionID uuid.UUID) ([]*NotificationLog, error)
}

// Tx is the unit of work for a single vote cast. InsertVote surfaces the
// uniqueness constraint as ErrDuplicateVote; IncrementTally must be an
// atomic storage-side increment, never a read-modify-write in the caller.
type Tx interface {
	InsertVote(ctx context.Context, v *Vote) error
	InsertChainTransaction(ctx context.Context, t *ChainTransaction) error
	IncrementTally(ctx context.Context, electionID, candidateID uuid.UUID) error
	MarkVoted(ctx context.Context, voterID string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
