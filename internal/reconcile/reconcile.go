// Package reconcile aligns local transaction status with processor facts.
//
// The target failure mode is a crash between a successful transfer and the
// local status write: the processor knows the transfer happened, the ledger
// does not. The sweep queries the processor for each such transaction and
// converges the local row to what already happened. It never initiates new
// financial side effects, which makes it safe to run at any frequency and
// to re-run after a crash mid-pass.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/replypay/replypay/internal/escrow"
	"github.com/replypay/replypay/internal/payment"
	"github.com/replypay/replypay/internal/traces"
)

const sweepBatchSize = 100

// RunResult summarizes one reconciliation pass.
type RunResult struct {
	Checked  int `json:"checked"`
	Released int `json:"released"`
	Refunded int `json:"refunded"`
	Errors   int `json:"errors"`
}

// Scanner repairs drift between the ledger and the processor.
type Scanner struct {
	store    escrow.Store
	gateway  payment.Gateway
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewScanner creates a reconciliation scanner.
func NewScanner(store escrow.Store, gateway payment.Gateway, interval time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{
		store:    store,
		gateway:  gateway,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Scanner) Running() bool {
	return s.running.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
func (s *Scanner) Start(ctx context.Context) {
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
			s.safeRun(ctx)
		}
	}
}

// Stop signals the scanner to stop.
func (s *Scanner) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scanner) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in reconciliation scanner", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := s.Run(ctx); err != nil {
		s.logger.Warn("reconciliation run failed", "error", err)
	}
}

// Run performs one reconciliation pass. Every transaction with a transfer
// reference but a non-released status is checked against the processor:
// a reversed transfer means the money went back (refunded), an intact one
// means the payout stands (released).
func (s *Scanner) Run(ctx context.Context) (*RunResult, error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.Run")
	defer span.End()

	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	stuck, err := s.store.ListUnsettledTransfers(ctx, sweepBatchSize)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list unsettled transfers: %w", err)
	}
	reconcileDriftRows.Set(float64(len(stuck)))

	result := &RunResult{}
	for _, txn := range stuck {
		result.Checked++

		state, err := s.gateway.GetTransfer(ctx, txn.TransferRef)
		if err != nil {
			// Unknown outcome; leave the row for the next pass.
			reconcileErrors.Inc()
			result.Errors++
			s.logger.Warn("transfer lookup failed",
				"transactionId", txn.ID, "transferRef", txn.TransferRef, "error", err)
			continue
		}

		target := escrow.StatusReleased
		if state.Reversed {
			target = escrow.StatusRefunded
		}

		err = s.store.UpdateStatus(ctx, txn.ID, txn.Status, target, escrow.Update{})
		if err == escrow.ErrStatusConflict {
			// Another worker moved the row since we listed it. Its new state
			// is at least as fresh as ours.
			continue
		}
		if err != nil {
			reconcileErrors.Inc()
			result.Errors++
			s.logger.Warn("failed to repair transaction status",
				"transactionId", txn.ID, "target", target, "error", err)
			continue
		}

		reconcileRepairs.WithLabelValues(string(target)).Inc()
		if target == escrow.StatusReleased {
			result.Released++
		} else {
			result.Refunded++
		}
		s.logger.Info("repaired drifted transaction",
			"transactionId", txn.ID,
			"from", txn.Status,
			"to", target,
			"transferRef", txn.TransferRef,
		)
	}

	if result.Checked > 0 {
		s.logger.Info("reconciliation pass complete",
			"checked", result.Checked,
			"released", result.Released,
			"refunded", result.Refunded,
			"errors", result.Errors,
		)
	}
	return result, nil
}
