// Package escrow holds the ledger of paid-message transactions.
//
// Flow:
//  1. Sender pays for a message → funds authorized, transaction created as held
//  2. Recipient responds before the deadline → distribution captures and pays out
//  3. Deadline passes with no response → timeout sweep cancels the hold (refund)
//  4. Transfer fails after capture → retry sweep re-attempts distribution
//  5. Local state lags the processor → reconciliation sweep converges it
//
// Every transition out of a status is a compare-and-set on the status the
// caller expects to find. Two workers racing on the same transaction resolve
// to exactly one winner; the loser observes ErrStatusConflict and no-ops.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/replypay/replypay/internal/idgen"
)

var (
	ErrNotFound         = errors.New("escrow transaction not found")
	ErrStatusConflict   = errors.New("escrow transaction status changed concurrently")
	ErrDuplicateMessage = errors.New("message already has an escrow transaction")
	ErrInvalidAmount    = errors.New("invalid amount")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusHeld              Status = "held"                // Funds authorized, waiting for a response
	StatusProcessing        Status = "processing"          // Claimed by a worker mid-transition
	StatusReleased          Status = "released"            // Response arrived, payee share transferred
	StatusRefunded          Status = "refunded"            // Deadline lapsed, authorization cancelled
	StatusPendingPayeeSetup Status = "pending_payee_setup" // Captured, waiting on payout-method setup
	StatusTransferFailed    Status = "transfer_failed"     // Captured, transfer rejected; retryable
)

// Terminal returns true if the status is final. A transaction reaches at
// most one of the terminal states, and never leaves it.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Transaction is the persisted record of funds held against a paid message.
type Transaction struct {
	ID               string    `json:"id"`
	MessageID        string    `json:"messageId"`
	AmountMinor      int64     `json:"amountMinor"` // full escrowed amount in minor units
	RecipientID      string    `json:"recipientId"`
	SenderContact    string    `json:"senderContact,omitempty"`
	PaymentIntentRef string    `json:"paymentIntentRef"`
	TransferRef      string    `json:"transferRef,omitempty"` // set iff a transfer was created at the processor
	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Update carries the optional fields a status transition may persist.
type Update struct {
	TransferRef string // persisted when non-empty
}

// Tally is a count/amount pair for aggregate queries.
type Tally struct {
	Count       int   `json:"count"`
	AmountMinor int64 `json:"amountMinor"`
}

// Store persists escrow transactions.
//
// UpdateStatus is the only mutation after Create. It atomically moves a
// transaction from expected to next, returning ErrStatusConflict when the
// row is no longer in expected — callers treat that as "already handled".
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByMessage(ctx context.Context, messageID string) (*Transaction, error)
	UpdateStatus(ctx context.Context, id string, expected, next Status, upd Update) error

	// ListExpired returns held transactions whose deadline passed before the
	// given instant, for the timeout sweep.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	// ListByStatusOldest returns transactions in a status, oldest first.
	ListByStatusOldest(ctx context.Context, status Status, limit int) ([]*Transaction, error)
	// ListUnsettledTransfers returns transactions that have a transfer
	// reference but are not released — local state lagging processor fact.
	ListUnsettledTransfers(ctx context.Context, limit int) ([]*Transaction, error)

	// Read-only aggregates for the health report.
	StatusTotals(ctx context.Context, since time.Time) (map[Status]Tally, error)
	TallyNearTimeout(ctx context.Context, from, until time.Time) (Tally, error)
	TallyByStatus(ctx context.Context, status Status) (Tally, error)
}

// Response is the response-detection collaborator's record for a message.
type Response struct {
	MessageID   string     `json:"messageId"`
	HasResponse bool       `json:"hasResponse"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`
}

// ResponseReader reads response records owned by the response-detection
// collaborator. A missing record means no response, not an error.
type ResponseReader interface {
	GetResponse(ctx context.Context, messageID string) (*Response, error)
}

// Authorizer places and releases holds on the sender's payment method.
// These are the only gateway operations the checkout entry point needs.
type Authorizer interface {
	Authorize(ctx context.Context, amountMinor int64, metadata map[string]string) (intentRef string, err error)
	Cancel(ctx context.Context, intentRef string) error
}

// HoldRequest contains the parameters for creating a held transaction.
type HoldRequest struct {
	MessageID     string `json:"messageId" binding:"required"`
	AmountMinor   int64  `json:"amountMinor" binding:"required"`
	RecipientID   string `json:"recipientId" binding:"required"`
	SenderContact string `json:"senderContact"`
}

// Service implements the checkout-facing entry points of the ledger.
// The lifecycle transitions live in the distribution, timeout, and
// reconcile packages; this service only creates and reads.
type Service struct {
	store      Store
	authorizer Authorizer
	deadline   time.Duration
}

// NewService creates an escrow ledger service.
func NewService(store Store, authorizer Authorizer, deadline time.Duration) *Service {
	return &Service{store: store, authorizer: authorizer, deadline: deadline}
}

// Hold authorizes the sender's payment and records a held transaction.
// The recipient's response deadline starts now.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (*Transaction, error) {
	if req.AmountMinor <= 0 {
		return nil, ErrInvalidAmount
	}

	if existing, err := s.store.GetByMessage(ctx, req.MessageID); err == nil && existing != nil {
		return nil, ErrDuplicateMessage
	}

	now := time.Now().UTC()
	txn := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		MessageID:     req.MessageID,
		AmountMinor:   req.AmountMinor,
		RecipientID:   req.RecipientID,
		SenderContact: req.SenderContact,
		Status:        StatusHeld,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.deadline),
		UpdatedAt:     now,
	}

	intentRef, err := s.authorizer.Authorize(ctx, txn.AmountMinor, map[string]string{
		"transaction_id": txn.ID,
		"message_id":     txn.MessageID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to authorize payment: %w", err)
	}
	txn.PaymentIntentRef = intentRef

	if err := s.store.Create(ctx, txn); err != nil {
		// Best-effort release of the hold if the record never existed.
		_ = s.authorizer.Cancel(ctx, intentRef)
		return nil, fmt.Errorf("failed to create escrow transaction: %w", err)
	}

	return txn, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetByMessage returns the transaction linked to a message.
func (s *Service) GetByMessage(ctx context.Context, messageID string) (*Transaction, error) {
	return s.store.GetByMessage(ctx, messageID)
}
