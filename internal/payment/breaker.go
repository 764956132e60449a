package payment

import (
	"context"
	"errors"

	"github.com/replypay/replypay/internal/circuitbreaker"
)

// ErrCircuitOpen is returned when the processor circuit is open for an
// operation. It is always wrapped as transient: the outcome is unknown only
// in the sense that the call was never made.
var ErrCircuitOpen = errors.New("payment processor circuit open")

// BreakerGateway wraps a Gateway with a per-operation circuit breaker.
// A processor outage trips the circuit for the failing operation; sweeps
// then fail fast instead of stacking timeouts against a dead endpoint.
// Confirmed declines do not count as failures, only transient errors do.
type BreakerGateway struct {
	inner   Gateway
	breaker *circuitbreaker.Breaker
}

// NewBreakerGateway wraps gateway with a circuit breaker.
func NewBreakerGateway(gateway Gateway, breaker *circuitbreaker.Breaker) *BreakerGateway {
	return &BreakerGateway{inner: gateway, breaker: breaker}
}

func (g *BreakerGateway) call(op string, fn func() error) error {
	if !g.breaker.Allow(op) {
		return &Error{Op: op, Transient: true, Err: ErrCircuitOpen}
	}
	err := fn()
	if IsTransient(err) {
		g.breaker.RecordFailure(op)
		return err
	}
	g.breaker.RecordSuccess(op)
	return err
}

func (g *BreakerGateway) Authorize(ctx context.Context, amountMinor int64, metadata map[string]string) (string, error) {
	var ref string
	err := g.call("authorize", func() (err error) {
		ref, err = g.inner.Authorize(ctx, amountMinor, metadata)
		return err
	})
	return ref, err
}

func (g *BreakerGateway) Capture(ctx context.Context, intentRef string) error {
	return g.call("capture", func() error {
		return g.inner.Capture(ctx, intentRef)
	})
}

func (g *BreakerGateway) Transfer(ctx context.Context, destination string, amountMinor int64, idempotencyKey string, metadata map[string]string) (string, error) {
	var ref string
	err := g.call("transfer", func() (err error) {
		ref, err = g.inner.Transfer(ctx, destination, amountMinor, idempotencyKey, metadata)
		return err
	})
	return ref, err
}

func (g *BreakerGateway) Cancel(ctx context.Context, intentRef string) error {
	return g.call("cancel", func() error {
		return g.inner.Cancel(ctx, intentRef)
	})
}

func (g *BreakerGateway) GetTransfer(ctx context.Context, transferRef string) (*TransferState, error) {
	var state *TransferState
	err := g.call("get_transfer", func() (err error) {
		state, err = g.inner.GetTransfer(ctx, transferRef)
		return err
	})
	return state, err
}

var _ Gateway = (*BreakerGateway)(nil)
