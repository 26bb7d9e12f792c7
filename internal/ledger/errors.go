package ledger

import "errors"

var (
	// ErrDuplicateVote means a vote row already exists for this
	// (election, voter) pair. Final; never retried.
	ErrDuplicateVote = errors.New("duplicate vote for this election")

	// ErrNotEligible covers an unapproved voter or an election that is
	// not accepting votes. Final; never retried.
	ErrNotEligible = errors.New("voter is not eligible for this election")

	// ErrCandidateMismatch means the candidate does not belong to the
	// election being voted in.
	ErrCandidateMismatch = errors.New("candidate does not belong to election")

	// ErrStorageUnavailable is a transient storage failure. Callers may
	// retry with backoff; the store itself never retries writes.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound is returned for lookups of rows that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrCompletedElection guards the one-way status transition: a
	// completed election never changes status again.
	ErrCompletedElection = errors.New("election already completed")
)

// Retryable reports whether an error is a transient storage failure that
// the caller may retry, as opposed to a final eligibility or duplication
// verdict.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
