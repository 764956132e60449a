// Package distribution settles escrow transactions once a response arrives.
//
// A settlement run captures the held authorization, splits the amount
// between payee and platform, and transfers the payee share. Each step
// claims the transaction with a compare-and-set, so concurrent runs for the
// same transaction (response trigger, retry sweep, timeout grace path)
// resolve to exactly one worker doing the money movement.
package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/replypay/replypay/internal/escrow"
	"github.com/replypay/replypay/internal/metrics"
	"github.com/replypay/replypay/internal/money"
	"github.com/replypay/replypay/internal/notify"
	"github.com/replypay/replypay/internal/payment"
	"github.com/replypay/replypay/internal/traces"
)

// Outcome classifies a settlement run.
type Outcome string

const (
	// OutcomeReleased means the payee share was transferred and the
	// transaction reached its terminal released status.
	OutcomeReleased Outcome = "released"
	// OutcomePendingSetup means funds are captured but the recipient has
	// not completed payout setup; a later event re-invokes distribution.
	OutcomePendingSetup Outcome = "pending_setup"
	// OutcomeNoop means another worker already handled the transaction.
	OutcomeNoop Outcome = "noop"
)

// Result describes a completed settlement run.
type Result struct {
	Outcome       Outcome             `json:"outcome"`
	Transaction   *escrow.Transaction `json:"transaction,omitempty"`
	PayeeMinor    int64               `json:"payeeMinor,omitempty"`
	PlatformMinor int64               `json:"platformMinor,omitempty"`
}

// Engine performs distribution runs.
type Engine struct {
	store     escrow.Store
	gateway   payment.Gateway
	directory payment.Directory
	notifier  notify.Notifier
	payeeBps  int64
	logger    *slog.Logger
}

// NewEngine creates a distribution engine.
func NewEngine(store escrow.Store, gateway payment.Gateway, directory payment.Directory,
	notifier notify.Notifier, payeeBps int64, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		gateway:   gateway,
		directory: directory,
		notifier:  notifier,
		payeeBps:  payeeBps,
		logger:    logger,
	}
}

// DistributeByMessage settles the transaction linked to a message. This is
// the entry point for the response-detection trigger.
func (e *Engine) DistributeByMessage(ctx context.Context, messageID string) (*Result, error) {
	txn, err := e.store.GetByMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return e.Distribute(ctx, txn.ID)
}

// Distribute settles a single transaction. Safe to invoke repeatedly and
// concurrently for the same ID: runs that find the transaction already
// claimed or completed return an OutcomeNoop result with zero processor
// calls.
func (e *Engine) Distribute(ctx context.Context, txnID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "distribution.Distribute", traces.TransactionID(txnID))
	defer span.End()

	txn, err := e.store.Get(ctx, txnID)
	if err != nil {
		return nil, err
	}

	switch txn.Status {
	case escrow.StatusHeld:
		// Claim, then capture. The claim is what prevents a concurrent
		// timeout refund from cancelling an authorization we are capturing.
		if err := e.store.UpdateStatus(ctx, txn.ID, escrow.StatusHeld, escrow.StatusProcessing, escrow.Update{}); err != nil {
			return e.noop(txn, err)
		}
		if err := e.gateway.Capture(ctx, txn.PaymentIntentRef); err != nil {
			metrics.CapturesTotal.WithLabelValues("error").Inc()
			// No funds moved (or outcome unknown): release the claim so the
			// next trigger or sweep can try again.
			if revertErr := e.store.UpdateStatus(ctx, txn.ID, escrow.StatusProcessing, escrow.StatusHeld, escrow.Update{}); revertErr != nil {
				e.logger.Error("CRITICAL: capture failed and claim revert failed; transaction stuck in processing",
					"transactionId", txn.ID, "captureError", err, "revertError", revertErr)
			}
			return nil, fmt.Errorf("failed to capture authorization: %w", err)
		}
		metrics.CapturesTotal.WithLabelValues("ok").Inc()

	case escrow.StatusTransferFailed, escrow.StatusPendingPayeeSetup:
		// Re-invocation after a capture that already succeeded: claim and
		// go straight to the transfer phase. Capture is never attempted
		// twice for a transaction.
		if err := e.store.UpdateStatus(ctx, txn.ID, txn.Status, escrow.StatusProcessing, escrow.Update{}); err != nil {
			return e.noop(txn, err)
		}

	default:
		// Terminal or claimed by another worker.
		return e.noop(txn, nil)
	}

	return e.settle(ctx, txn)
}

// settle runs the payout phase. The caller holds the processing claim and
// the full amount is captured in platform custody.
func (e *Engine) settle(ctx context.Context, txn *escrow.Transaction) (*Result, error) {
	account, err := e.directory.PayoutAccount(ctx, txn.RecipientID)
	if err != nil {
		e.failTransfer(ctx, txn, fmt.Errorf("payout account lookup: %w", err))
		return nil, fmt.Errorf("failed to resolve payout account: %w", err)
	}

	if !account.Ready {
		if err := e.store.UpdateStatus(ctx, txn.ID, escrow.StatusProcessing, escrow.StatusPendingPayeeSetup, escrow.Update{}); err != nil {
			return e.noop(txn, err)
		}
		metrics.DistributionsTotal.WithLabelValues(string(OutcomePendingSetup)).Inc()
		e.notifier.NotifyPayoutSetupPending(txn.ID, txn.RecipientID, txn.AmountMinor)
		e.logger.Info("distribution waiting on payout setup",
			"transactionId", txn.ID, "recipientId", txn.RecipientID, "amount", money.Format(txn.AmountMinor))
		return &Result{Outcome: OutcomePendingSetup, Transaction: txn}, nil
	}

	payee, platform := money.Split(txn.AmountMinor, e.payeeBps)

	var transferRef string
	if payee > 0 {
		// The key makes a re-issued transfer resolve to the same processor
		// transfer, so a retry after an outcome-unknown failure cannot pay
		// the recipient twice.
		transferRef, err = e.gateway.Transfer(ctx, account.Destination, payee, "transfer-"+txn.ID, map[string]string{
			"transaction_id": txn.ID,
			"message_id":     txn.MessageID,
		})
		if err != nil {
			metrics.TransfersTotal.WithLabelValues("error").Inc()
			e.failTransfer(ctx, txn, err)
			return nil, fmt.Errorf("failed to transfer payee share: %w", err)
		}
		metrics.TransfersTotal.WithLabelValues("ok").Inc()

		// Record the reference before the terminal write. If the release
		// below is lost, the row stays processing with the ref set and the
		// reconciliation sweep converges it.
		if err := e.store.UpdateStatus(ctx, txn.ID, escrow.StatusProcessing, escrow.StatusProcessing, escrow.Update{TransferRef: transferRef}); err != nil {
			e.logger.Warn("transfer reference not recorded ahead of release",
				"transactionId", txn.ID, "transferRef", transferRef, "error", err)
		}
	}

	upd := escrow.Update{TransferRef: transferRef}
	if err := e.store.UpdateStatus(ctx, txn.ID, escrow.StatusProcessing, escrow.StatusReleased, upd); err != nil {
		// Funds moved but the terminal write failed. Retry once; the
		// reference recorded above keeps the row visible to reconciliation
		// either way.
		if retryErr := e.store.UpdateStatus(ctx, txn.ID, escrow.StatusProcessing, escrow.StatusReleased, upd); retryErr != nil {
			e.logger.Error("CRITICAL: payee transfer created but release not persisted",
				"transactionId", txn.ID, "transferRef", transferRef, "error", retryErr)
			return nil, fmt.Errorf("transfer %s created but status update failed: %w", transferRef, retryErr)
		}
	}

	metrics.DistributionsTotal.WithLabelValues(string(OutcomeReleased)).Inc()
	metrics.HeldToOutcomeDuration.Observe(timeSince(txn))
	e.notifier.NotifyTransferSucceeded(txn.ID, txn.RecipientID, payee)
	e.logger.Info("distribution released",
		"transactionId", txn.ID,
		"payeeShare", money.Format(payee),
		"platformShare", money.Format(platform),
		"transferRef", transferRef,
	)

	return &Result{
		Outcome:       OutcomeReleased,
		Transaction:   txn,
		PayeeMinor:    payee,
		PlatformMinor: platform,
	}, nil
}

// failTransfer parks a claimed transaction in transfer_failed so the retry
// sweep picks it up. Capture already succeeded, so held would be wrong and
// refunding would strand captured funds.
func (e *Engine) failTransfer(ctx context.Context, txn *escrow.Transaction, cause error) {
	if err := e.store.UpdateStatus(ctx, txn.ID, escrow.StatusProcessing, escrow.StatusTransferFailed, escrow.Update{}); err != nil {
		e.logger.Error("CRITICAL: transfer failed and status update failed",
			"transactionId", txn.ID, "transferError", cause, "updateError", err)
		return
	}
	e.logger.Warn("transfer failed, queued for retry", "transactionId", txn.ID, "error", cause)
}

func timeSince(txn *escrow.Transaction) float64 {
	return time.Since(txn.CreatedAt).Seconds()
}

func (e *Engine) noop(txn *escrow.Transaction, casErr error) (*Result, error) {
	if casErr != nil && casErr != escrow.ErrStatusConflict {
		return nil, casErr
	}
	metrics.DistributionsTotal.WithLabelValues(string(OutcomeNoop)).Inc()
	return &Result{Outcome: OutcomeNoop, Transaction: txn}, nil
}
