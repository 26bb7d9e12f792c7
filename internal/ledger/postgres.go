package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) Close() {
	s.pool.Close()
}

// storageErr classifies a driver error: constraint violations keep their
// specific sentinel, everything else is surfaced as a transient,
// retryable storage failure.
func storageErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateVote
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}

func (s *Postgres) CreateElection(ctx context.Context, e *Election) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO elections (id, title, description, start_at, end_at, status, total_votes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.Title, e.Description, e.StartAt, e.EndAt, e.Status, e.TotalVotes, e.CreatedAt)
	if err != nil {
		return storageErr("insert election", err)
	}
	return nil
}

func (s *Postgres) GetElection(ctx context.Context, id uuid.UUID) (*Election, error) {
	var e Election
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, description, start_at, end_at, status, total_votes, created_at
		FROM elections WHERE id = $1
	`, id).Scan(&e.ID, &e.Title, &e.Description, &e.StartAt, &e.EndAt, &e.Status, &e.TotalVotes, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("election %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get election", err)
	}
	return &e, nil
}

func (s *Postgres) ListElectionsByStatus(ctx context.Context, status ElectionStatus) ([]*Election, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, description, start_at, end_at, status, total_votes, created_at
		FROM elections WHERE status = $1 ORDER BY end_at
	`, status)
	if err != nil {
		return nil, storageErr("list elections", err)
	}
	defer rows.Close()

	var elections []*Election
	for rows.Next() {
		var e Election
		if err := rows.Scan(&e.ID, &e.Title, &e.Description, &e.StartAt, &e.EndAt, &e.Status, &e.TotalVotes, &e.CreatedAt); err != nil {
			return nil, storageErr("scan election", err)
		}
		elections = append(elections, &e)
	}
	return elections, rows.Err()
}

func (s *Postgres) UpdateElectionStatus(ctx context.Context, id uuid.UUID, status ElectionStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE elections SET status = $2 WHERE id = $1 AND status <> 'completed'
	`, id, status)
	if err != nil {
		return storageErr("update election status", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetElection(ctx, id); err != nil {
			return err
		}
		return ErrCompletedElection
	}
	return nil
}

func (s *Postgres) AddCandidate(ctx context.Context, c *Candidate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO candidates (id, election_id, name, party, bio, vote_count)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.ElectionID, c.Name, c.Party, c.Bio, c.VoteCount)
	if err != nil {
		return storageErr("insert candidate", err)
	}
	return nil
}

func (s *Postgres) GetCandidate(ctx context.Context, id uuid.UUID) (*Candidate, error) {
	var c Candidate
	err := s.pool.QueryRow(ctx, `
		SELECT id, election_id, name, party, bio, vote_count FROM candidates WHERE id = $1
	`, id).Scan(&c.ID, &c.ElectionID, &c.Name, &c.Party, &c.Bio, &c.VoteCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("candidate %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get candidate", err)
	}
	return &c, nil
}

func (s *Postgres) ListCandidates(ctx context.Context, electionID uuid.UUID) ([]*Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, election_id, name, party, bio, vote_count
		FROM candidates WHERE election_id = $1 ORDER BY vote_count DESC, name
	`, electionID)
	if err != nil {
		return nil, storageErr("list candidates", err)
	}
	defer rows.Close()

	var candidates []*Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.ElectionID, &c.Name, &c.Party, &c.Bio, &c.VoteCount); err != nil {
			return nil, storageErr("scan candidate", err)
		}
		candidates = append(candidates, &c)
	}
	return candidates, rows.Err()
}

func (s *Postgres) CreateProfile(ctx context.Context, p *Profile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (id, user_id, full_name, email, approved, has_voted)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.UserID, p.FullName, p.Email, p.Approved, p.HasVoted)
	if err != nil {
		return storageErr("insert profile", err)
	}
	return nil
}

func (s *Postgres) GetProfileByUser(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, full_name, email, approved, has_voted FROM profiles WHERE user_id = $1
	`, userID).Scan(&p.ID, &p.UserID, &p.FullName, &p.Email, &p.Approved, &p.HasVoted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get profile", err)
	}
	return &p, nil
}

func (s *Postgres) CountApprovedVoters(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM profiles WHERE approved`).Scan(&count)
	if err != nil {
		return 0, storageErr("count approved voters", err)
	}
	return count, nil
}

func (s *Postgres) ListApprovedVoters(ctx context.Context) ([]*Profile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, full_name, email, approved, has_voted
		FROM profiles WHERE approved ORDER BY full_name
	`)
	if err != nil {
		return nil, storageErr("list approved voters", err)
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.UserID, &p.FullName, &p.Email, &p.Approved, &p.HasVoted); err != nil {
			return nil, storageErr("scan profile", err)
		}
		profiles = append(profiles, &p)
	}
	return profiles, rows.Err()
}

func (s *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *Postgres) GetVote(ctx context.Context, electionID uuid.UUID, voterID string) (*Vote, error) {
	var v Vote
	err := s.pool.QueryRow(ctx, `
		SELECT id, election_id, candidate_id, voter_id, voter_hash, tx_hash, block_number, status, created_at
		FROM votes WHERE election_id = $1 AND voter_id = $2
	`, electionID, voterID).Scan(&v.ID, &v.ElectionID, &v.CandidateID, &v.VoterID, &v.VoterHash, &v.TxHash, &v.BlockNumber, &v.Status, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("vote: %w", ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get vote", err)
	}
	return &v, nil
}

func (s *Postgres) CountVotes(ctx context.Context, electionID uuid.UUID) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM votes WHERE election_id = $1`, electionID).Scan(&count)
	if err != nil {
		return 0, storageErr("count votes", err)
	}
	return count, nil
}

func (s *Postgres) GetChainTransaction(ctx context.Context, txHash string) (*ChainTransaction, error) {
	var t ChainTransaction
	err := s.pool.QueryRow(ctx, `
		SELECT tx_hash, block_number, kind, payload, confirmations, created_at
		FROM blockchain_transactions WHERE tx_hash = $1
	`, txHash).Scan(&t.TxHash, &t.BlockNumber, &t.Kind, &t.Payload, &t.Confirmations, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", txHash, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get transaction", err)
	}
	return &t, nil
}

func (s *Postgres) RecordChainTransaction(ctx context.Context, t *ChainTransaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blockchain_transactions (tx_hash, block_number, kind, payload, confirmations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.TxHash, t.BlockNumber, t.Kind, t.Payload, t.Confirmations, t.CreatedAt)
	if err != nil {
		return storageErr("record transaction", err)
	}
	return nil
}

func (s *Postgres) AdvanceConfirmations(ctx context.Context, max int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE blockchain_transactions SET confirmations = confirmations + 1 WHERE confirmations < $1
	`, max)
	if err != nil {
		return 0, storageErr("advance confirmations", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) ConfirmVotes(ctx context.Context, minConfirmations int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE votes SET status = 'confirmed'
		WHERE status = 'pending' AND tx_hash IN (
			SELECT tx_hash FROM blockchain_transactions WHERE confirmations >= $1
		)
	`, minConfirmations)
	if err != nil {
		return 0, storageErr("confirm votes", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) AppendNotificationLog(ctx context.Context, entry *NotificationLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_logs (id, election_id, recipient, recipient_name, kind, status, error_message, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.ElectionID, entry.Recipient, entry.RecipientName, entry.Kind, entry.Status, entry.ErrorMessage, entry.SentAt)
	if err != nil {
		return storageErr("append notification log", err)
	}
	return nil
}

func (s *Postgres) LastNotification(ctx context.Context, electionID uuid.UUID, kind NotificationKind) (*NotificationLog, error) {
	var entry NotificationLog
	err := s.pool.QueryRow(ctx, `
		SELECT id, election_id, recipient, recipient_name, kind, status, error_message, sent_at
		FROM notification_logs WHERE election_id = $1 AND kind = $2
		ORDER BY sent_at DESC LIMIT 1
	`, electionID, kind).Scan(&entry.ID, &entry.ElectionID, &entry.Recipient, &entry.RecipientName, &entry.Kind, &entry.Status, &entry.ErrorMessage, &entry.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("last notification", err)
	}
	return &entry, nil
}

func (s *Postgres) ListNotificationLogs(ctx context.Context, electionID uuid.UUID) ([]*NotificationLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, election_id, recipient, recipient_name, kind, status, error_message, sent_at
		FROM notification_logs WHERE election_id = $1 ORDER BY sent_at
	`, electionID)
	if err != nil {
		return nil, storageErr("list notification logs", err)
	}
	defer rows.Close()

	var entries []*NotificationLog
	for rows.Next() {
		var entry NotificationLog
		if err := rows.Scan(&entry.ID, &entry.ElectionID, &entry.Recipient, &entry.RecipientName, &entry.Kind, &entry.Status, &entry.ErrorMessage, &entry.SentAt); err != nil {
			return nil, storageErr("scan notification log", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertVote(ctx context.Context, v *Vote) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO votes (id, election_id, candidate_id, voter_id, voter_hash, tx_hash, block_number, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, v.ID, v.ElectionID, v.CandidateID, v.VoterID, v.VoterHash, v.TxHash, v.BlockNumber, v.Status, v.CreatedAt)
	if err != nil {
		return storageErr("insert vote", err)
	}
	return nil
}

func (t *pgTx) InsertChainTransaction(ctx context.Context, ct *ChainTransaction) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO blockchain_transactions (tx_hash, block_number, kind, payload, confirmations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ct.TxHash, ct.BlockNumber, ct.Kind, ct.Payload, ct.Confirmations, ct.CreatedAt)
	if err != nil {
		return storageErr("insert transaction", err)
	}
	return nil
}

// IncrementTally is a storage-side atomic increment. Reading the counter
// and writing count+1 from the application loses updates under
// concurrent casts.
func (t *pgTx) IncrementTally(ctx context.Context, electionID, candidateID uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `
		UPDATE candidates SET vote_count = vote_count + 1 WHERE id = $1
	`, candidateID); err != nil {
		return storageErr("increment candidate tally", err)
	}
	if _, err := t.tx.Exec(ctx, `
		UPDATE elections SET total_votes = total_votes + 1 WHERE id = $1
	`, electionID); err != nil {
		return storageErr("increment election tally", err)
	}
	return nil
}

func (t *pgTx) MarkVoted(ctx context.Context, voterID string) error {
	if _, err := t.tx.Exec(ctx, `
		UPDATE profiles SET has_voted = TRUE WHERE user_id = $1
	`, voterID); err != nil {
		return storageErr("mark voted", err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return storageErr("rollback", err)
	}
	return nil
}
