package chain

import (
	"context"
	"log/slog"
	"time"
)

// ConfirmationStore is the slice of the ledger the ticker touches.
type ConfirmationStore interface {
	AdvanceConfirmations(ctx context.Context, max int) (int64, error)
	ConfirmVotes(ctx context.Context, minConfirmations int) (int64, error)
}

// ConfirmationTicker periodically advances transaction confirmations and
// flips pending votes to confirmed once their transaction has settled.
// It replaces the implicit wall-clock timers of the original design with
// an injectable clock.
type ConfirmationTicker struct {
	store    ConfirmationStore
	clock    Clock
	interval time.Duration
	minConf  int
	logger   *slog.Logger
}

func NewConfirmationTicker(store ConfirmationStore, clock Clock, interval time.Duration, minConf int, logger *slog.Logger) *ConfirmationTicker {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfirmationTicker{
		store:    store,
		clock:    clock,
		interval: interval,
		minConf:  minConf,
		logger:   logger,
	}
}

// Run ticks until the context is cancelled.
func (ct *ConfirmationTicker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ct.clock.After(ct.interval):
			ct.Tick(ctx)
		}
	}
}

// Tick performs one confirmation pass.
func (ct *ConfirmationTicker) Tick(ctx context.Context) {
	advanced, err := ct.store.AdvanceConfirmations(ctx, MaxConfirmations)
	if err != nil {
		ct.logger.Error("failed to advance confirmations", "error", err)
		return
	}

	confirmed, err := ct.store.ConfirmVotes(ctx, ct.minConf)
	if err != nil {
		ct.logger.Error("failed to confirm votes", "error", err)
		return
	}

	if advanced > 0 || confirmed > 0 {
		ct.logger.Debug("confirmation pass", "advanced", advanced, "votes_confirmed", confirmed)
	}
}
