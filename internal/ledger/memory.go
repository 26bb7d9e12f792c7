package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChangeFunc receives a committed row mutation. The in-memory store uses
// it to feed the tally change bus in tests and local development, where
// no logical-replication stream exists. Row values are strings, matching
// the text tuples the replication client decodes.
type ChangeFunc func(table, op string, row map[string]any)

// Memory is a mutex-guarded Store with the same observable semantics as
// the PostgreSQL implementation: the (election_id, voter_id) uniqueness
// constraint, atomic tally increments, append-only notification logs.
type Memory struct {
	mu sync.Mutex

	elections  map[uuid.UUID]*Election
	candidates map[uuid.UUID]*Candidate
	profiles   map[string]*Profile
	votes      map[uuid.UUID]*Vote
	voteKeys   map[string]uuid.UUID
	chainTxs   map[string]*ChainTransaction
	logs       []*NotificationLog

	notify ChangeFunc
}

func NewMemory() *Memory {
	return &Memory{
		elections:  make(map[uuid.UUID]*Election),
		candidates: make(map[uuid.UUID]*Candidate),
		profiles:   make(map[string]*Profile),
		votes:      make(map[uuid.UUID]*Vote),
		voteKeys:   make(map[string]uuid.UUID),
		chainTxs:   make(map[string]*ChainTransaction),
	}
}

// OnChange registers the committed-mutation callback. Must be set before
// the store is shared between goroutines.
func (m *Memory) OnChange(fn ChangeFunc) {
	m.notify = fn
}

func voteKey(electionID uuid.UUID, voterID string) string {
	return electionID.String() + ":" + voterID
}

func (m *Memory) emit(table, op string, row map[string]any) {
	if m.notify != nil {
		m.notify(table, op, row)
	}
}

func electionRow(e *Election) map[string]any {
	return map[string]any{
		"id":          e.ID.String(),
		"title":       e.Title,
		"status":      string(e.Status),
		"total_votes": strconv.FormatInt(e.TotalVotes, 10),
		"end_at":      e.EndAt.Format(time.RFC3339),
	}
}

func candidateRow(c *Candidate) map[string]any {
	return map[string]any{
		"id":          c.ID.String(),
		"election_id": c.ElectionID.String(),
		"name":        c.Name,
		"party":       c.Party,
		"vote_count":  strconv.FormatInt(c.VoteCount, 10),
	}
}

func voteRow(v *Vote) map[string]any {
	return map[string]any{
		"id":          v.ID.String(),
		"election_id": v.ElectionID.String(),
		"voter_hash":  v.VoterHash,
		"tx_hash":     v.TxHash,
		"status":      string(v.Status),
	}
}

func (m *Memory) CreateElection(_ context.Context, e *Election) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.elections[e.ID] = &cp
	m.emit("elections", "insert", electionRow(&cp))
	return nil
}

func (m *Memory) GetElection(_ context.Context, id uuid.UUID) (*Election, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.elections[id]
	if !ok {
		return nil, fmt.Errorf("election %s: %w", id, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) ListElectionsByStatus(_ context.Context, status ElectionStatus) ([]*Election, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var elections []*Election
	for _, e := range m.elections {
		if e.Status == status {
			cp := *e
			elections = append(elections, &cp)
		}
	}
	sort.Slice(elections, func(i, j int) bool {
		return elections[i].EndAt.Before(elections[j].EndAt)
	})
	return elections, nil
}

func (m *Memory) UpdateElectionStatus(_ context.Context, id uuid.UUID, status ElectionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.elections[id]
	if !ok {
		return fmt.Errorf("election %s: %w", id, ErrNotFound)
	}
	if e.Status == ElectionCompleted {
		return ErrCompletedElection
	}
	e.Status = status
	m.emit("elections", "update", electionRow(e))
	return nil
}

func (m *Memory) AddCandidate(_ context.Context, c *Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.candidates[c.ID] = &cp
	m.emit("candidates", "insert", candidateRow(&cp))
	return nil
}

func (m *Memory) GetCandidate(_ context.Context, id uuid.UUID) (*Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.candidates[id]
	if !ok {
		return nil, fmt.Errorf("candidate %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) ListCandidates(_ context.Context, electionID uuid.UUID) ([]*Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*Candidate
	for _, c := range m.candidates {
		if c.ElectionID == electionID {
			cp := *c
			candidates = append(candidates, &cp)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].VoteCount != candidates[j].VoteCount {
			return candidates[i].VoteCount > candidates[j].VoteCount
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates, nil
}

func (m *Memory) CreateProfile(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	m.profiles[p.UserID] = &cp
	return nil
}

func (m *Memory) GetProfileByUser(_ context.Context, userID string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) CountApprovedVoters(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, p := range m.profiles {
		if p.Approved {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ListApprovedVoters(_ context.Context) ([]*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var profiles []*Profile
	for _, p := range m.profiles {
		if p.Approved {
			cp := *p
			profiles = append(profiles, &cp)
		}
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].FullName < profiles[j].FullName
	})
	return profiles, nil
}

// Begin takes the store lock for the duration of the transaction, so a
// cast is serialized against every other write, mirroring the row-level
// guarantees of the PostgreSQL backend.
func (m *Memory) Begin(_ context.Context) (Tx, error) {
	m.mu.Lock()
	return &memTx{store: m}, nil
}

func (m *Memory) GetVote(_ context.Context, electionID uuid.UUID, voterID string) (*Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.voteKeys[voteKey(electionID, voterID)]
	if !ok {
		return nil, fmt.Errorf("vote: %w", ErrNotFound)
	}
	cp := *m.votes[id]
	return &cp, nil
}

func (m *Memory) CountVotes(_ context.Context, electionID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, v := range m.votes {
		if v.ElectionID == electionID {
			count++
		}
	}
	return count, nil
}

func (m *Memory) GetChainTransaction(_ context.Context, txHash string) (*ChainTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.chainTxs[txHash]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", txHash, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) RecordChainTransaction(_ context.Context, t *ChainTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.chainTxs[t.TxHash] = &cp
	return nil
}

func (m *Memory) AdvanceConfirmations(_ context.Context, max int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var advanced int64
	for _, t := range m.chainTxs {
		if t.Confirmations < max {
			t.Confirmations++
			advanced++
		}
	}
	return advanced, nil
}

func (m *Memory) ConfirmVotes(_ context.Context, minConfirmations int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var confirmed int64
	for _, v := range m.votes {
		if v.Status != VotePending {
			continue
		}
		t, ok := m.chainTxs[v.TxHash]
		if ok && t.Confirmations >= minConfirmations {
			v.Status = VoteConfirmed
			confirmed++
			m.emit("votes", "update", voteRow(v))
		}
	}
	return confirmed, nil
}

func (m *Memory) AppendNotificationLog(_ context.Context, entry *NotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.logs = append(m.logs, &cp)
	return nil
}

func (m *Memory) LastNotification(_ context.Context, electionID uuid.UUID, kind NotificationKind) (*NotificationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last *NotificationLog
	for _, entry := range m.logs {
		if entry.ElectionID != electionID || entry.Kind != kind {
			continue
		}
		if last == nil || entry.SentAt.After(last.SentAt) {
			last = entry
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (m *Memory) ListNotificationLogs(_ context.Context, electionID uuid.UUID) ([]*NotificationLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []*NotificationLog
	for _, entry := range m.logs {
		if entry.ElectionID == electionID {
			cp := *entry
			entries = append(entries, &cp)
		}
	}
	return entries, nil
}

// memTx stages writes and applies them on Commit, all under the store
// lock taken by Begin. InsertVote checks the uniqueness constraint at
// insert time, like the database does.
type memTx struct {
	store *Memory
	done  bool

	votes      []*Vote
	chainTxs   []*ChainTransaction
	increments [][2]uuid.UUID
	voted      []string
}

func (t *memTx) InsertVote(_ context.Context, v *Vote) error {
	key := voteKey(v.ElectionID, v.VoterID)
	if _, exists := t.store.voteKeys[key]; exists {
		return ErrDuplicateVote
	}
	for _, staged := range t.votes {
		if voteKey(staged.ElectionID, staged.VoterID) == key {
			return ErrDuplicateVote
		}
	}
	cp := *v
	t.votes = append(t.votes, &cp)
	return nil
}

func (t *memTx) InsertChainTransaction(_ context.Context, ct *ChainTransaction) error {
	cp := *ct
	t.chainTxs = append(t.chainTxs, &cp)
	return nil
}

func (t *memTx) IncrementTally(_ context.Context, electionID, candidateID uuid.UUID) error {
	t.increments = append(t.increments, [2]uuid.UUID{electionID, candidateID})
	return nil
}

func (t *memTx) MarkVoted(_ context.Context, voterID string) error {
	t.voted = append(t.voted, voterID)
	return nil
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	m := t.store
	defer m.mu.Unlock()

	for _, v := range t.votes {
		m.votes[v.ID] = v
		m.voteKeys[voteKey(v.ElectionID, v.VoterID)] = v.ID
		m.emit("votes", "insert", voteRow(v))
	}
	for _, ct := range t.chainTxs {
		m.chainTxs[ct.TxHash] = ct
	}
	for _, inc := range t.increments {
		if c, ok := m.candidates[inc[1]]; ok {
			c.VoteCount++
			m.emit("candidates", "update", candidateRow(c))
		}
		if e, ok := m.elections[inc[0]]; ok {
			e.TotalVotes++
			m.emit("elections", "update", electionRow(e))
		}
	}
	for _, voterID := range t.voted {
		if p, ok := m.profiles[voterID]; ok {
			p.HasVoted = true
		}
	}
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}
