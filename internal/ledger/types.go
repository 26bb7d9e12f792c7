package ledger

import (
	"time"

	"github.com/google/uuid"
)

type ElectionStatus string

const (
	ElectionUpcoming  ElectionStatus = "upcoming"
	ElectionActive    ElectionStatus = "active"
	ElectionCompleted ElectionStatus = "completed"
)

type VoteStatus string

const (
	VotePending   VoteStatus = "pending"
	VoteConfirmed VoteStatus = "confirmed"
	VoteRejected  VoteStatus = "rejected"
)

type TransactionKind string

const (
	TxVote            TransactionKind = "vote"
	TxElectionCreated TransactionKind = "election_created"
	TxCandidateAdded  TransactionKind = "candidate_added"
)

type NotificationKind string

const (
	NotifyDeadline24h NotificationKind = "deadline_reminder_24h"
	NotifyDeadline2h  NotificationKind = "deadline_reminder_2h"
	NotifyLowTurnout  NotificationKind = "low_turnout_auto"
	NotifyResults     NotificationKind = "results"
)

type NotificationStatus string

const (
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

type Election struct {
	ID          uuid.UUID      `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	StartAt     time.Time      `json:"start_at"`
	EndAt       time.Time      `json:"end_at"`
	Status      ElectionStatus `json:"status"`
	TotalVotes  int64          `json:"total_votes"`
	CreatedAt   time.Time      `json:"created_at"`
}

type Candidate struct {
	ID         uuid.UUID `json:"id"`
	ElectionID uuid.UUID `json:"election_id"`
	Name       string    `json:"name"`
	Party      string    `json:"party"`
	Bio        string    `json:"bio"`
	VoteCount  int64     `json:"vote_count"`
}

// Profile is the voter registry entry. HasVoted means "voted in at least
// one election"; per-election eligibility is enforced by the uniqueness
// constraint on votes(election_id, voter_id), never by this flag.
type Profile struct {
	ID       uuid.UUID `json:"id"`
	UserID   string    `json:"user_id"`
	FullName string    `json:"full_name"`
	Email    string    `json:"email"`
	Approved bool      `json:"approved"`
	HasVoted bool      `json:"has_voted"`
}

type Vote struct {
	ID          uuid.UUID  `json:"id"`
	ElectionID  uuid.UUID  `json:"election_id"`
	CandidateID uuid.UUID  `json:"candidate_id"`
	VoterID     string     `json:"voter_id"`
	VoterHash   string     `json:"voter_hash"`
	TxHash      string     `json:"tx_hash"`
	BlockNumber int64      `json:"block_number"`
	Status      VoteStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ChainTransaction is the audit record minted alongside a vote or an
// administrative event. The hash and block number are opaque correlation
// identifiers, not outputs of a consensus protocol.
type ChainTransaction struct {
	TxHash        string          `json:"tx_hash"`
	BlockNumber   int64           `json:"block_number"`
	Kind          TransactionKind `json:"kind"`
	Payload       []byte          `json:"payload"`
	Confirmations int             `json:"confirmations"`
	CreatedAt     time.Time       `json:"created_at"`
}

type NotificationLog struct {
	ID            uuid.UUID          `json:"id"`
	ElectionID    uuid.UUID          `json:"election_id"`
	Recipient     string             `json:"recipient"`
	RecipientName string             `json:"recipient_name"`
	Kind          NotificationKind   `json:"kind"`
	Status        NotificationStatus `json:"status"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	SentAt        time.Time          `json:"sent_at"`
}
