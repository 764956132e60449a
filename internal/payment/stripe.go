package payment

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeGateway implements Gateway against the Stripe API.
//
// Authorizations are manual-capture PaymentIntents; payouts are Connect
// transfers to the recipient's connected account.
type StripeGateway struct {
	api      *client.API
	currency string
	timeout  time.Duration
}

// NewStripeGateway creates a Stripe-backed gateway. Every call gets a
// bounded deadline so a hung processor request cannot stall a sweep.
func NewStripeGateway(secretKey string, timeout time.Duration) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &StripeGateway{api: api, currency: string(stripe.CurrencyUSD), timeout: timeout}
}

func (g *StripeGateway) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

func (g *StripeGateway) Authorize(ctx context.Context, amountMinor int64, metadata map[string]string) (string, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(amountMinor),
		Currency:      stripe.String(g.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return "", wrapStripeErr("authorize", err)
	}
	return pi.ID, nil
}

func (g *StripeGateway) Capture(ctx context.Context, intentRef string) error {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	params := &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{Context: ctx},
	}
	if _, err := g.api.PaymentIntents.Capture(intentRef, params); err != nil {
		return wrapStripeErr("capture", err)
	}
	return nil
}

func (g *StripeGateway) Transfer(ctx context.Context, destination string, amountMinor int64, idempotencyKey string, metadata map[string]string) (string, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	params := &stripe.TransferParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(amountMinor),
		Currency:    stripe.String(g.currency),
		Destination: stripe.String(destination),
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return "", wrapStripeErr("transfer", err)
	}
	return tr.ID, nil
}

func (g *StripeGateway) Cancel(ctx context.Context, intentRef string) error {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	params := &stripe.PaymentIntentCancelParams{
		Params: stripe.Params{Context: ctx},
	}
	if _, err := g.api.PaymentIntents.Cancel(intentRef, params); err != nil {
		return wrapStripeErr("cancel", err)
	}
	return nil
}

func (g *StripeGateway) GetTransfer(ctx context.Context, transferRef string) (*TransferState, error) {
	ctx, cancel := g.callCtx(ctx)
	defer cancel()

	params := &stripe.TransferParams{
		Params: stripe.Params{Context: ctx},
	}
	tr, err := g.api.Transfers.Get(transferRef, params)
	if err != nil {
		return nil, wrapStripeErr("get_transfer", err)
	}
	return &TransferState{Reversed: tr.Reversed}, nil
}

// wrapStripeErr classifies a stripe-go error into the package taxonomy.
// Connection-level failures and processor 5xx responses are transient:
// the request may or may not have been applied.
func wrapStripeErr(op string, err error) error {
	transient := false

	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		switch sErr.Type {
		case stripe.ErrorTypeAPI:
			transient = true
		default:
			transient = sErr.HTTPStatusCode >= 500 || sErr.HTTPStatusCode == 429
		}
	} else {
		// No structured response at all: network error or timeout.
		transient = true
	}

	return &Error{Op: op, Transient: transient, Err: err}
}

// StripeDirectory resolves recipients to their Stripe connected account.
// Recipient IDs are connected account IDs; setup is complete once Stripe
// enables payouts for the account.
type StripeDirectory struct {
	api     *client.API
	timeout time.Duration
}

// NewStripeDirectory creates a Stripe Connect payout directory.
func NewStripeDirectory(secretKey string, timeout time.Duration) *StripeDirectory {
	api := &client.API{}
	api.Init(secretKey, nil)
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &StripeDirectory{api: api, timeout: timeout}
}

func (d *StripeDirectory) PayoutAccount(ctx context.Context, recipientID string) (*PayoutAccount, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	params := &stripe.AccountParams{
		Params: stripe.Params{Context: ctx},
	}
	acct, err := d.api.Accounts.GetByID(recipientID, params)
	if err != nil {
		return nil, wrapStripeErr("payout_account", err)
	}

	return &PayoutAccount{
		RecipientID: recipientID,
		Destination: acct.ID,
		Ready:       acct.PayoutsEnabled,
	}, nil
}

var (
	_ Gateway   = (*StripeGateway)(nil)
	_ Directory = (*StripeDirectory)(nil)
)
