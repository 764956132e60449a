// Package payment abstracts the external payment processor.
//
// The processor is a black box exposing authorize, capture, transfer,
// cancel, and transfer-lookup. Every call can fail or time out independently
// of whether the underlying side effect occurred; callers must treat a
// transient error as "outcome unknown" and rely on the reconciliation sweep,
// never on blind re-execution of a money-moving call.
package payment

import (
	"context"
	"errors"
	"fmt"
)

// Error describes a failed processor call.
//
// Transient errors (network failure, timeout, processor 5xx) mean the
// outcome is unknown. Non-transient errors are confirmed rejections: the
// processor received the request and said no.
type Error struct {
	Op        string // "authorize", "capture", "transfer", "cancel", "get_transfer"
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "declined"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("payment %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a processor error with unknown outcome.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Transient
}

// TransferState is the processor's current view of a transfer.
type TransferState struct {
	Reversed bool `json:"reversed"`
}

// Gateway is the full processor surface used by the escrow core.
type Gateway interface {
	// Authorize places a hold for the amount and returns the intent reference.
	Authorize(ctx context.Context, amountMinor int64, metadata map[string]string) (string, error)
	// Capture converts a held authorization into funds in platform custody.
	Capture(ctx context.Context, intentRef string) error
	// Transfer moves funds from platform custody to a payout destination.
	// The idempotency key deduplicates re-issued calls at the processor:
	// a retry after a transient failure with the same key returns the
	// original transfer instead of creating a second one.
	Transfer(ctx context.Context, destination string, amountMinor int64, idempotencyKey string, metadata map[string]string) (string, error)
	// Cancel releases a held authorization back to the sender.
	Cancel(ctx context.Context, intentRef string) error
	// GetTransfer reports the processor's current state for a transfer.
	GetTransfer(ctx context.Context, transferRef string) (*TransferState, error)
}

// PayoutAccount is a recipient's payout destination as the processor sees it.
type PayoutAccount struct {
	RecipientID string `json:"recipientId"`
	Destination string `json:"destination"`
	Ready       bool   `json:"ready"` // payout-method setup complete
}

// Directory answers whether a recipient can receive transfers yet.
type Directory interface {
	PayoutAccount(ctx context.Context, recipientID string) (*PayoutAccount, error)
}
