package payment

import (
	"context"
	"errors"
	"sync"

	"github.com/replypay/replypay/internal/idgen"
)

// MemoryGateway is an in-process gateway for demo/development mode. It
// tracks intent and transfer state so the full escrow lifecycle can run
// without processor credentials.
type MemoryGateway struct {
	mu           sync.Mutex
	intents      map[string]string // intentRef -> "held" | "captured" | "cancelled"
	transfers    map[string]*TransferState
	transferKeys map[string]string // idempotency key -> transferRef
}

// NewMemoryGateway creates an in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		intents:      make(map[string]string),
		transfers:    make(map[string]*TransferState),
		transferKeys: make(map[string]string),
	}
}

func (g *MemoryGateway) Authorize(ctx context.Context, amountMinor int64, metadata map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ref := idgen.WithPrefix("pi_")
	g.intents[ref] = "held"
	return ref, nil
}

func (g *MemoryGateway) Capture(ctx context.Context, intentRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.intents[intentRef] {
	case "held":
		g.intents[intentRef] = "captured"
		return nil
	case "captured":
		// Capturing twice is a processor-side error, but idempotent here.
		return nil
	default:
		return &Error{Op: "capture", Err: errors.New("unknown or cancelled intent")}
	}
}

func (g *MemoryGateway) Transfer(ctx context.Context, destination string, amountMinor int64, idempotencyKey string, metadata map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Replay for a seen key: same transfer, no second payout.
	if idempotencyKey != "" {
		if ref, ok := g.transferKeys[idempotencyKey]; ok {
			return ref, nil
		}
	}

	ref := idgen.WithPrefix("tr_")
	g.transfers[ref] = &TransferState{}
	if idempotencyKey != "" {
		g.transferKeys[idempotencyKey] = ref
	}
	return ref, nil
}

func (g *MemoryGateway) Cancel(ctx context.Context, intentRef string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.intents[intentRef] == "captured" {
		return &Error{Op: "cancel", Err: errors.New("intent already captured")}
	}
	g.intents[intentRef] = "cancelled"
	return nil
}

func (g *MemoryGateway) GetTransfer(ctx context.Context, transferRef string) (*TransferState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.transfers[transferRef]
	if !ok {
		return nil, &Error{Op: "get_transfer", Err: errors.New("unknown transfer")}
	}
	cp := *state
	return &cp, nil
}

// MemoryDirectory is an in-process payout directory for demo/development
// mode. Recipients are ready unless explicitly marked otherwise.
type MemoryDirectory struct {
	mu       sync.RWMutex
	notReady map[string]bool
}

// NewMemoryDirectory creates an in-memory payout directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{notReady: make(map[string]bool)}
}

// SetReady marks a recipient's payout setup state.
func (d *MemoryDirectory) SetReady(recipientID string, ready bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notReady[recipientID] = !ready
}

func (d *MemoryDirectory) PayoutAccount(ctx context.Context, recipientID string) (*PayoutAccount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return &PayoutAccount{
		RecipientID: recipientID,
		Destination: "acct_" + recipientID,
		Ready:       !d.notReady[recipientID],
	}, nil
}

var (
	_ Gateway   = (*MemoryGateway)(nil)
	_ Directory = (*MemoryDirectory)(nil)
)
