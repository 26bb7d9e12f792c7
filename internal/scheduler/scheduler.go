// Package scheduler evaluates active elections on an interval and
// decides which reminder or alert batches should fire. The notification
// log is both audit trail and dedup oracle: the cooldown lookup runs
// immediately before every dispatch, never cached from an earlier tick,
// so overlapping scheduler runs cannot double-send.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/electra/electra/internal/chain"
	"github.com/electra/electra/internal/dispatch"
	"github.com/electra/electra/internal/ledger"
)

const (
	// Deadline reminder windows are half-open: a reminder fires once
	// when time remaining falls inside (low, high].
	reminder24Low  = 22 * time.Hour
	reminder24High = 24 * time.Hour
	reminder2High  = 2 * time.Hour

	// Low-turnout alerts fire below the threshold inside the final
	// 12 hours.
	turnoutWindow    = 12 * time.Hour
	turnoutThreshold = 0.30

	reminderCooldown = 3 * time.Hour
	turnoutCooldown  = 6 * time.Hour

	// DefaultInterval is how often the evaluation loop runs.
	DefaultInterval = 5 * time.Minute

	sweepTimeout = 30 * time.Second
)

// SweepReport summarizes one evaluation pass.
type SweepReport struct {
	Elections int `json:"elections"`
	Batches   int `json:"batches"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

type Scheduler struct {
	store      ledger.Store
	dispatcher *dispatch.Dispatcher
	clock      chain.Clock
	interval   time.Duration
	logger     *slog.Logger
}

func New(store ledger.Store, dispatcher *dispatch.Dispatcher, clock chain.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = chain.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		clock:      clock,
		interval:   DefaultInterval,
		logger:     logger,
	}
}

// SetInterval overrides the evaluation interval.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.interval = d
}

// Run evaluates on the configured interval until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
			sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
			if _, err := s.Sweep(sweepCtx); err != nil {
				s.logger.Error("notification sweep failed", "error", err)
			}
			cancel()
		}
	}
}

// Sweep runs one evaluation over every active election. Completed
// elections never appear; an election that completes mid-evaluation is
// simply absent from the next listing.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepReport, error) {
	now := s.clock.Now()

	elections, err := s.store.ListElectionsByStatus(ctx, ledger.ElectionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active elections: %w", err)
	}

	voters, err := s.store.ListApprovedVoters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved voters: %w", err)
	}

	report := &SweepReport{Elections: len(elections)}

	for _, election := range elections {
		remaining := election.EndAt.Sub(now)

		for _, kind := range s.dueKinds(election, remaining, len(voters)) {
			fired, sent, failed, err := s.fire(ctx, election, kind, voters, now)
			if err != nil {
				s.logger.Error("failed to evaluate notification",
					"election_id", election.ID, "kind", string(kind), "error", err)
				continue
			}
			if fired {
				report.Batches++
				report.Sent += sent
				report.Failed += failed
			}
		}
	}

	return report, nil
}

// dueKinds decides which message classes are inside their window for
// this election right now.
func (s *Scheduler) dueKinds(e *ledger.Election, remaining time.Duration, approvedVoters int) []ledger.NotificationKind {
	var due []ledger.NotificationKind

	if remaining > reminder24Low && remaining <= reminder24High {
		due = append(due, ledger.NotifyDeadline24h)
	}
	if remaining > 0 && remaining <= reminder2High {
		due = append(due, ledger.NotifyDeadline2h)
	}
	if remaining > 0 && remaining <= turnoutWindow && s.turnout(e, approvedVoters) < turnoutThreshold {
		due = append(due, ledger.NotifyLowTurnout)
	}

	return due
}

// turnout is total votes over approved voters; zero approved voters
// counts as 0% rather than dividing by zero.
func (s *Scheduler) turnout(e *ledger.Election, approvedVoters int) float64 {
	if approvedVoters == 0 {
		return 0
	}
	return float64(e.TotalVotes) / float64(approvedVoters)
}

// fire performs the dedup check and, if clear, dispatches the batch.
// The check runs here, immediately before dispatch, because overlapping
// scheduler invocations share only the notification log as their guard.
func (s *Scheduler) fire(ctx context.Context, e *ledger.Election, kind ledger.NotificationKind, voters []*ledger.Profile, now time.Time) (bool, int, int, error) {
	cooldown := reminderCooldown
	if kind == ledger.NotifyLowTurnout {
		cooldown = turnoutCooldown
	}

	last, err := s.store.LastNotification(ctx, e.ID, kind)
	if err != nil {
		return false, 0, 0, err
	}
	if last != nil && now.Sub(last.SentAt) < cooldown {
		return false, 0, 0, nil
	}

	msgs := make([]dispatch.Message, 0, len(voters))
	for _, voter := range voters {
		msgs = append(msgs, s.compose(e, kind, voter))
	}

	sent, failed := s.dispatcher.SendBatch(ctx, e.ID, kind, msgs)
	s.logger.Info("notification batch dispatched",
		"election_id", e.ID, "kind", string(kind), "sent", sent, "failed", failed)
	return true, sent, failed, nil
}

func (s *Scheduler) compose(e *ledger.Election, kind ledger.NotificationKind, voter *ledger.Profile) dispatch.Message {
	deadline := humanize.Time(e.EndAt)

	msg := dispatch.Message{
		Recipient:     voter.Email,
		RecipientName: voter.FullName,
	}

	switch kind {
	case ledger.NotifyDeadline24h:
		msg.Subject = fmt.Sprintf("Voting for %q closes in about a day", e.Title)
		msg.Body = fmt.Sprintf("Hi %s, voting for %q closes %s. Cast your vote if you haven't yet.",
			voter.FullName, e.Title, deadline)
	case ledger.NotifyDeadline2h:
		msg.Subject = fmt.Sprintf("Last call: voting for %q closes soon", e.Title)
		msg.Body = fmt.Sprintf("Hi %s, voting for %q closes %s. This is the final reminder.",
			voter.FullName, e.Title, deadline)
	case ledger.NotifyLowTurnout:
		msg.Subject = fmt.Sprintf("Turnout for %q is low", e.Title)
		msg.Body = fmt.Sprintf("Hi %s, turnout for %q is still low and voting closes %s. Every vote counts.",
			voter.FullName, e.Title, deadline)
	default:
		msg.Subject = e.Title
		msg.Body = fmt.Sprintf("Update for election %q.", e.Title)
	}

	return msg
}
