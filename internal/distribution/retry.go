package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/replypay/replypay/internal/escrow"
)

// Scheduler periodically re-attempts distribution for transactions whose
// transfer failed after a successful capture. Capture is never repeated:
// the engine's status guard routes these straight to the transfer phase.
type Scheduler struct {
	engine    *Engine
	store     escrow.Store
	batchSize int
	pause     time.Duration // between transactions, to respect processor rate limits
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// SweepStats tallies one retry sweep for the audit trail.
type SweepStats struct {
	Attempted    int `json:"attempted"`
	Released     int `json:"released"`
	StillFailed  int `json:"stillFailed"`
	PendingSetup int `json:"pendingSetup"`
	Skipped      int `json:"skipped"` // claimed or completed by another worker
}

// NewScheduler creates a transfer retry scheduler.
func NewScheduler(engine *Engine, store escrow.Store, batchSize int, pause, interval time.Duration, logger *slog.Logger) *Scheduler {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Scheduler{
		engine:    engine,
		store:     store,
		batchSize: batchSize,
		pause:     pause,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the scheduler loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the retry loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in retry scheduler", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("retry sweep failed", "error", err)
	}
}

// Sweep retries one batch of failed transfers, oldest first, and logs the
// tally as an audit entry. Transactions that keep failing stay visible in
// transfer_failed and in this log line; there is no unbounded silent retry.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepStats, error) {
	batch, err := s.store.ListByStatusOldest(ctx, escrow.StatusTransferFailed, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed transfers: %w", err)
	}
	if len(batch) == 0 {
		return &SweepStats{}, nil
	}

	stats := &SweepStats{}
	for i, txn := range batch {
		if i > 0 && s.pause > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(s.pause):
			}
		}

		stats.Attempted++
		result, err := s.engine.Distribute(ctx, txn.ID)
		switch {
		case err != nil:
			stats.StillFailed++
			s.logger.Warn("transfer retry failed",
				"transactionId", txn.ID, "error", err)
		case result.Outcome == OutcomeReleased:
			stats.Released++
		case result.Outcome == OutcomePendingSetup:
			stats.PendingSetup++
		case result.Outcome == OutcomeNoop:
			stats.Skipped++
		}
	}

	// Audit entry: the operator-facing record of what automated retry did.
	s.logger.Info("transfer retry sweep complete",
		"attempted", stats.Attempted,
		"released", stats.Released,
		"stillFailed", stats.StillFailed,
		"pendingSetup", stats.PendingSetup,
		"skipped", stats.Skipped,
	)
	return stats, nil
}
