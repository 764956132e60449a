// Package timeout closes held transactions whose response deadline passed.
//
// The sweep is the refund path of the escrow lifecycle: it cancels the
// held authorization at the processor, which returns the funds to the
// sender. One deliberate exception softens the deadline: a response that
// arrived shortly after it (inside the grace window) is still honored and
// routed to distribution, because response detection has its own latency.
package timeout

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/replypay/replypay/internal/escrow"
	"github.com/replypay/replypay/internal/metrics"
	"github.com/replypay/replypay/internal/money"
	"github.com/replypay/replypay/internal/notify"
	"github.com/replypay/replypay/internal/payment"
	"github.com/replypay/replypay/internal/traces"
)

const sweepBatchSize = 100

// Scanner finds and closes overdue held transactions.
type Scanner struct {
	store       escrow.Store
	responses   escrow.ResponseReader
	gateway     payment.Gateway
	distribute  func(ctx context.Context, txnID string) error
	notifier    notify.Notifier
	gracePeriod time.Duration
	overdueSkip time.Duration
	interval    time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// Config bundles the scanner's tunables.
type Config struct {
	GracePeriod time.Duration // late responses within this window still count
	OverdueSkip time.Duration // ignore rows overdue by less than this
	Interval    time.Duration
}

// NewScanner creates a timeout scanner. distribute is invoked for grace-path
// transactions and must be the distribution engine's Distribute.
func NewScanner(store escrow.Store, responses escrow.ResponseReader, gateway payment.Gateway,
	distribute func(ctx context.Context, txnID string) error, notifier notify.Notifier,
	cfg Config, logger *slog.Logger) *Scanner {
	return &Scanner{
		store:       store,
		responses:   responses,
		gateway:     gateway,
		distribute:  distribute,
		notifier:    notifier,
		gracePeriod: cfg.GracePeriod,
		overdueSkip: cfg.OverdueSkip,
		interval:    cfg.Interval,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Scanner) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			s.safeSweep(ctx)
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

func (s *Scanner) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in timeout scanner", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx, time.Now().UTC())
}

// Sweep processes all held transactions overdue at the given instant.
// Each transaction goes down either the grace path or the refund path,
// never both; the store's compare-and-set decides races with the on-demand
// response trigger.
func (s *Scanner) Sweep(ctx context.Context, now time.Time) {
	ctx, span := traces.StartSpan(ctx, "timeout.Sweep")
	defer span.End()

	expired, err := s.store.ListExpired(ctx, now, sweepBatchSize)
	if err != nil {
		s.logger.Warn("failed to list expired transactions", "error", err)
		return
	}

	for _, txn := range expired {
		// Freshly overdue rows may just be clock skew between us and the
		// writer that stamped expires_at. Leave them for the next sweep.
		if now.Sub(txn.ExpiresAt) < s.overdueSkip {
			continue
		}

		responded, err := s.respondedInTime(ctx, txn)
		if err != nil {
			// Can't tell; refunding on a read failure could burn a
			// legitimate response. Leave the row for the next sweep.
			s.logger.Warn("failed to read response record",
				"messageId", txn.MessageID, "error", err)
			continue
		}
		if responded {
			metrics.GraceReleasesTotal.Inc()
			if err := s.distribute(ctx, txn.ID); err != nil {
				s.logger.Warn("grace-period distribution failed",
					"transactionId", txn.ID, "error", err)
			} else {
				s.logger.Info("late response honored within grace window",
					"transactionId", txn.ID, "messageId", txn.MessageID)
			}
			continue
		}

		s.refund(ctx, txn)
	}
}

// respondedInTime reports whether a response exists and landed before the
// deadline or within the grace window after it.
func (s *Scanner) respondedInTime(ctx context.Context, txn *escrow.Transaction) (bool, error) {
	resp, err := s.responses.GetResponse(ctx, txn.MessageID)
	if err != nil {
		return false, err
	}
	if !resp.HasResponse || resp.RespondedAt == nil {
		return false, nil
	}
	return resp.RespondedAt.Before(txn.ExpiresAt.Add(s.gracePeriod)), nil
}

// refund cancels the held authorization and marks the transaction refunded.
// The processor-side cancel is what returns the funds; there is no separate
// local fund movement.
func (s *Scanner) refund(ctx context.Context, txn *escrow.Transaction) {
	// Claim first so a concurrent distribution cannot capture an
	// authorization we are about to cancel.
	if err := s.store.UpdateStatus(ctx, txn.ID, escrow.StatusHeld, escrow.StatusProcessing, escrow.Update{}); err != nil {
		if err != escrow.ErrStatusConflict {
			s.logger.Warn("failed to claim expired transaction", "transactionId", txn.ID, "error", err)
		}
		return
	}

	if err := s.gateway.Cancel(ctx, txn.PaymentIntentRef); err != nil {
		metrics.RefundsTotal.WithLabelValues("error").Inc()
		// Unknown or failed cancel: put the row back so the next sweep
		// retries. The selection criteria still match.
		if revertErr := s.store.UpdateStatus(ctx, txn.ID, escrow.StatusProcessing, escrow.StatusHeld, escrow.Update{}); revertErr != nil {
			s.logger.Error("CRITICAL: cancel failed and claim revert failed; transaction stuck in processing",
				"transactionId", txn.ID, "cancelError", err, "revertError", revertErr)
		}
		s.logger.Warn("failed to cancel authorization, will retry next sweep",
			"transactionId", txn.ID, "error", err)
		return
	}

	if err := s.store.UpdateStatus(ctx, txn.ID, escrow.StatusProcessing, escrow.StatusRefunded, escrow.Update{}); err != nil {
		// The cancel went through; only the local status lags. Retry once,
		// then leave a loud record.
		if retryErr := s.store.UpdateStatus(ctx, txn.ID, escrow.StatusProcessing, escrow.StatusRefunded, escrow.Update{}); retryErr != nil {
			s.logger.Error("CRITICAL: authorization cancelled but refund not persisted",
				"transactionId", txn.ID, "error", retryErr)
			return
		}
	}

	metrics.RefundsTotal.WithLabelValues("ok").Inc()
	metrics.HeldToOutcomeDuration.Observe(time.Since(txn.CreatedAt).Seconds())

	// Notifications after the transition committed; their failure never
	// affects the refund.
	s.notifier.NotifyRefund(txn.ID, txn.AmountMinor, "response deadline passed")
	s.logger.Info("refunded expired transaction",
		"transactionId", txn.ID,
		"messageId", txn.MessageID,
		"amount", money.Format(txn.AmountMinor),
	)
}
