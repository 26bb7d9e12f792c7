package casting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/electra/electra/internal/chain"
	"github.com/electra/electra/internal/ledger"
)

type fixture struct {
	store   *ledger.Memory
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemory()
	return &fixture{
		store:   store,
		service: NewService(store, chain.NewBlockCounter(0), chain.SystemClock(), nil),
	}
}

func (f *fixture) addVoter(t *testing.T, userID string, approved bool) {
	t.Helper()
	err := f.store.CreateProfile(context.Background(), &ledger.Profile{
		ID:       uuid.New(),
		UserID:   userID,
		FullName: "Voter " + userID,
		Email:    userID + "@example.com",
		Approved: approved,
	})
	if err != nil {
		t.Fatalf("CreateProfile failed: %v", err)
	}
}

func (f *fixture) addElection(t *testing.T, status ledger.ElectionStatus) *ledger.Election {
	t.Helper()
	e := &ledger.Election{
		ID:        uuid.New(),
		Title:     "City Council",
		StartAt:   time.Now().Add(-time.Hour),
		EndAt:     time.Now().Add(24 * time.Hour),
		Status:    status,
		CreatedAt: time.Now(),
	}
	if err := f.store.CreateElection(context.Background(), e); err != nil {
		t.Fatalf("CreateElection failed: %v", err)
	}
	return e
}

func (f *fixture) addCandidate(t *testing.T, electionID uuid.UUID, name string) *ledger.Candidate {
	t.Helper()
	c := &ledger.Candidate{ID: uuid.New(), ElectionID: electionID, Name: name}
	if err := f.store.AddCandidate(context.Background(), c); err != nil {
		t.Fatalf("AddCandidate failed: %v", err)
	}
	return c
}

func TestCastVoteReceiptRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.addVoter(t, "voter-1", true)
	e := f.addElection(t, ledger.ElectionActive)
	c := f.addCandidate(t, e.ID, "Alice")

	ctx := context.Background()
	receipt, err := f.service.CastVote(ctx, "voter-1", e.ID, c.ID)
	if err != nil {
		t.Fatalf("CastVote failed: %v", err)
	}

	if len(receipt.TxHash) != chain.TxHashLen {
		t.Errorf("expected %d-char tx hash, got %d", chain.TxHashLen, len(receipt.TxHash))
	}
	if receipt.BlockNumber <= 0 {
		t.Errorf("expected positive block number, got %d", receipt.BlockNumber)
	}

	// The receipt must match the stored transaction record exactly.
	record, err := f.store.GetChainTransaction(ctx, receipt.TxHash)
	if err != nil {
		t.Fatalf("GetChainTransaction failed: %v", err)
	}
	if record.BlockNumber != receipt.BlockNumber {
		t.Errorf("receipt block %d != stored block %d", receipt.BlockNumber, record.BlockNumber)
	}
	if record.Kind != ledger.TxVote {
		t.Errorf("expected vote record, got %s", record.Kind)
	}
	if record.Confirmations != chain.ConfirmationSeed {
		t.Errorf("expected confirmation seed %d, got %d", chain.ConfirmationSeed, record.Confirmations)
	}

	vote, err := f.store.GetVote(ctx, e.ID, "voter-1")
	if err != nil {
		t.Fatalf("GetVote failed: %v", err)
	}
	if vote.TxHash != receipt.TxHash {
		t.Error("vote row does not reference the receipt transaction")
	}
	if len(vote.VoterHash) != chain.VoterHashLen {
		t.Errorf("expected %d-char voter hash, got %d", chain.VoterHashLen, len(vote.VoterHash))
	}

	profile, _ := f.store.GetProfileByUser(ctx, "voter-1")
	if !profile.HasVoted {
		t.Error("expected has_voted flag set")
	}
}

func TestCastVoteConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	f.addVoter(t, "voter-1", true)
	e := f.addElection(t, ledger.ElectionActive)
	c := f.addCandidate(t, e.ID, "Alice")

	const attempts = 25
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.CastVote(context.Background(), "voter-1", e.ID, c.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, duplicates := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrDuplicateVote):
			duplicates++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if succeeded != 1 {
		t.Errorf("expected exactly 1 successful cast, got %d", succeeded)
	}
	if duplicates != attempts-1 {
		t.Errorf("expected %d duplicate failures, got %d", attempts-1, duplicates)
	}

	count, _ := f.store.CountVotes(context.Background(), e.ID)
	if count != 1 {
		t.Errorf("expected 1 vote row, got %d", count)
	}

	election, _ := f.store.GetElection(context.Background(), e.ID)
	if election.TotalVotes != 1 {
		t.Errorf("expected total_votes=1, got %d", election.TotalVotes)
	}
}

func TestCastVoteTallyInvariant(t *testing.T) {
	f := newFixture(t)
	e := f.addElection(t, ledger.ElectionActive)
	alice := f.addCandidate(t, e.ID, "Alice")
	bob := f.addCandidate(t, e.ID, "Bob")

	const voters = 40
	for i := 0; i < voters; i++ {
		f.addVoter(t, fmt.Sprintf("voter-%d", i), true)
	}

	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			candidate := alice.ID
			if n%2 == 0 {
				candidate = bob.ID
			}
			if _, err := f.service.CastVote(context.Background(), fmt.Sprintf("voter-%d", n), e.ID, candidate); err != nil {
				t.Errorf("cast %d failed: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	ctx := context.Background()
	election, _ := f.store.GetElection(ctx, e.ID)
	candidates, _ := f.store.ListCandidates(ctx, e.ID)

	var sum int64
	for _, c := range candidates {
		sum += c.VoteCount
	}
	if election.TotalVotes != sum {
		t.Errorf("total_votes=%d but candidate sum=%d", election.TotalVotes, sum)
	}
	if election.TotalVotes != voters {
		t.Errorf("expected %d votes, got %d", voters, election.TotalVotes)
	}
}

func TestCastVoteNotApproved(t *testing.T) {
	f := newFixture(t)
	f.addVoter(t, "voter-1", false)
	e := f.addElection(t, ledger.ElectionActive)
	c := f.addCandidate(t, e.ID, "Alice")

	_, err := f.service.CastVote(context.Background(), "voter-1", e.ID, c.ID)
	if !errors.Is(err, ledger.ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}

	count, _ := f.store.CountVotes(context.Background(), e.ID)
	if count != 0 {
		t.Errorf("expected no vote rows, got %d", count)
	}
}

func TestCastVoteInactiveElection(t *testing.T) {
	for _, status := range []ledger.ElectionStatus{ledger.ElectionUpcoming, ledger.ElectionCompleted} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			f.addVoter(t, "voter-1", true)
			e := f.addElection(t, status)
			c := f.addCandidate(t, e.ID, "Alice")

			receipt, err := f.service.CastVote(context.Background(), "voter-1", e.ID, c.ID)
			if !errors.Is(err, ledger.ErrNotEligible) {
				t.Fatalf("expected ErrNotEligible, got %v", err)
			}
			if receipt != nil {
				t.Error("expected no receipt")
			}

			count, _ := f.store.CountVotes(context.Background(), e.ID)
			if count != 0 {
				t.Errorf("expected no vote rows, got %d", count)
			}
		})
	}
}

func TestCastVoteCandidateMismatch(t *testing.T) {
	f := newFixture(t)
	f.addVoter(t, "voter-1", true)
	e1 := f.addElection(t, ledger.ElectionActive)
	e2 := f.addElection(t, ledger.ElectionActive)
	other := f.addCandidate(t, e2.ID, "Bob")

	_, err := f.service.CastVote(context.Background(), "voter-1", e1.ID, other.ID)
	if !errors.Is(err, ledger.ErrCandidateMismatch) {
		t.Fatalf("expected ErrCandidateMismatch, got %v", err)
	}

	count, _ := f.store.CountVotes(context.Background(), e1.ID)
	if count != 0 {
		t.Errorf("expected no vote rows, got %d", count)
	}
}

func TestCastVoteUnknownVoter(t *testing.T) {
	f := newFixture(t)
	e := f.addElection(t, ledger.ElectionActive)
	c := f.addCandidate(t, e.ID, "Alice")

	_, err := f.service.CastVote(context.Background(), "ghost", e.ID, c.ID)
	if !errors.Is(err, ledger.ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
}

func TestCreateElectionMintsAuditRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.service.CreateElection(ctx, "Budget Vote", "annual budget", time.Now(), time.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("CreateElection failed: %v", err)
	}
	if e.Status != ledger.ElectionUpcoming {
		t.Errorf("expected upcoming status, got %s", e.Status)
	}

	stored, err := f.store.GetElection(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetElection failed: %v", err)
	}
	if stored.Title != "Budget Vote" {
		t.Errorf("unexpected title %q", stored.Title)
	}
}

func TestAddCandidateToCompletedElection(t *testing.T) {
	f := newFixture(t)
	e := f.addElection(t, ledger.ElectionCompleted)

	_, err := f.service.AddCandidate(context.Background(), e.ID, "Carol", "", "")
	if !errors.Is(err, ledger.ErrCompletedElection) {
		t.Fatalf("expected ErrCompletedElection, got %v", err)
	}
}
