package distribution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/replypay/replypay/internal/escrow"
	"github.com/replypay/replypay/internal/notify"
	"github.com/replypay/replypay/internal/payment"
	"github.com/replypay/replypay/internal/reconcile"
)

var testLogger = slog.New(slog.DiscardHandler)

// countingGateway wraps a gateway and counts every processor call.
type countingGateway struct {
	payment.Gateway
	mu        sync.Mutex
	captures  int
	transfers int
	cancels   int
}

func (g *countingGateway) Capture(ctx context.Context, intentRef string) error {
	g.mu.Lock()
	g.captures++
	g.mu.Unlock()
	return g.Gateway.Capture(ctx, intentRef)
}

func (g *countingGateway) Transfer(ctx context.Context, destination string, amountMinor int64, idempotencyKey string, metadata map[string]string) (string, error) {
	g.mu.Lock()
	g.transfers++
	g.mu.Unlock()
	return g.Gateway.Transfer(ctx, destination, amountMinor, idempotencyKey, metadata)
}

func (g *countingGateway) Cancel(ctx context.Context, intentRef string) error {
	g.mu.Lock()
	g.cancels++
	g.mu.Unlock()
	return g.Gateway.Cancel(ctx, intentRef)
}

func (g *countingGateway) calls() (captures, transfers, cancels int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.captures, g.transfers, g.cancels
}

// failingGateway fails selected operations.
type failingGateway struct {
	payment.Gateway
	captureErr  error
	transferErr error
}

func (g *failingGateway) Capture(ctx context.Context, intentRef string) error {
	if g.captureErr != nil {
		return g.captureErr
	}
	return g.Gateway.Capture(ctx, intentRef)
}

func (g *failingGateway) Transfer(ctx context.Context, destination string, amountMinor int64, idempotencyKey string, metadata map[string]string) (string, error) {
	if g.transferErr != nil {
		return "", g.transferErr
	}
	return g.Gateway.Transfer(ctx, destination, amountMinor, idempotencyKey, metadata)
}

// droppedResponseGateway lets the transfer reach the processor, then loses
// the response for the first n calls, so the caller sees outcome unknown.
type droppedResponseGateway struct {
	payment.Gateway
	mu   sync.Mutex
	refs []string
	drop int
}

func (g *droppedResponseGateway) Transfer(ctx context.Context, destination string, amountMinor int64, idempotencyKey string, metadata map[string]string) (string, error) {
	ref, err := g.Gateway.Transfer(ctx, destination, amountMinor, idempotencyKey, metadata)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		g.refs = append(g.refs, ref)
	}
	if g.drop > 0 {
		g.drop--
		return "", &payment.Error{Op: "transfer", Transient: true, Err: errors.New("request timeout")}
	}
	return ref, err
}

func (g *droppedResponseGateway) transferRefs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.refs...)
}

// heldTxn seeds a held transaction with a live authorization in the gateway.
func heldTxn(t *testing.T, store escrow.Store, gw payment.Gateway, id, messageID string, amount int64) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()

	intentRef, err := gw.Authorize(ctx, amount, nil)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}

	now := time.Now().UTC()
	txn := &escrow.Transaction{
		ID:               id,
		MessageID:        messageID,
		AmountMinor:      amount,
		RecipientID:      "rcpt_1",
		PaymentIntentRef: intentRef,
		Status:           escrow.StatusHeld,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
		UpdatedAt:        now,
	}
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("create: %v", err)
	}
	return txn
}

func TestDistributeReleasesHeldTransaction(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	gw := &countingGateway{Gateway: payment.NewMemoryGateway()}
	engine := NewEngine(store, gw, payment.NewMemoryDirectory(), notify.Nop{}, 7500, testLogger)

	txn := heldTxn(t, store, gw, "txn_1", "msg-1", 1000)

	result, err := engine.Distribute(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}

	if result.Outcome != OutcomeReleased {
		t.Fatalf("outcome = %s, want released", result.Outcome)
	}
	if result.PayeeMinor != 750 || result.PlatformMinor != 250 {
		t.Errorf("split = %d/%d, want 750/250", result.PayeeMinor, result.PlatformMinor)
	}

	got, _ := store.Get(ctx, txn.ID)
	if got.Status != escrow.StatusReleased {
		t.Errorf("status = %s, want released", got.Status)
	}
	if got.TransferRef == "" {
		t.Error("transfer ref not persisted")
	}

	captures, transfers, _ := gw.calls()
	if captures != 1 || transfers != 1 {
		t.Errorf("calls = %d captures, %d transfers; want 1/1", captures, transfers)
	}
}

func TestDistributeByMessage(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	gw := payment.NewMemoryGateway()
	engine := NewEngine(store, gw, payment.NewMemoryDirectory(), notify.Nop{}, 7500, testLogger)

	heldTxn(t, store, gw, "txn_1", "msg-1", 1000)

	result, err := engine.DistributeByMessage(ctx, "msg-1")
	if err != nil {
		t.Fatalf("DistributeByMessage failed: %v", err)
	}
	if result.Outcome != OutcomeReleased {
		t.Errorf("outcome = %s", result.Outcome)
	}

	if _, err := engine.DistributeByMessage(ctx, "msg-unknown"); !errors.Is(err, escrow.ErrNotFound) {
		t.Errorf("unknown message = %v, want ErrNotFound", err)
	}
}

func TestDistributeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	gw := &countingGateway{Gateway: payment.NewMemoryGateway()}
	engine := NewEngine(store, gw, payment.NewMemoryDirectory(), notify.Nop{}, 7500, testLogger)

	txn := heldTxn(t, store, gw, "txn_1", "msg-1", 1000)

	if _, err := engine.Distribute(ctx, txn.ID); err != nil {
		t.Fatalf("first Distribute failed: %v", err)
	}

	// Re-running a settled transaction is a no-op with zero processor calls.
	result, err := engine.Distribute(ctx, txn.ID)
	if err != nil {
		t.Fatalf("second Distribute failed: %v", err)
	}
	if result.Outcome != OutcomeNoop {
		t.Errorf("outcome = %s, want noop", result.Outcome)
	}

	captures, transfers, _ := gw.calls()
	if captures != 1 || transfers != 1 {
		t.Errorf("processor called again: %d captures, %d transfers", captures, transfers)
	}
}

func TestDistributeNoopWhenClaimed(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	gw := &countingGateway{Gateway: payment.NewMemoryGateway()}
	engine := NewEngine(store, gw, payment.NewMemoryDirectory(), notify.Nop{}, 7500, testLogger)

	txn := heldTxn(t, store, gw, "txn_1", "msg-1", 1000)

	// Another worker holds the claim.
	if err := store.UpdateStatus(ctx, txn.ID, escrow.StatusHeld, escrow.StatusProcessing, escrow.Update{}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	result, err := engine.Distribute(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}
	if result.Outcome != OutcomeNoop {
		t.Errorf("outcome = %s, want noop", result.Outcome)
	}

	captures, transfers, _ := gw.calls()
	if captures != 0 || transfers != 0 {
		t.Errorf("processor touched by losing worker: %d/%d", captures, transfers)
	}
}

func TestDistributeWaitsOnPayoutSetup(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	gw := &countingGateway{Gateway: payment.NewMemoryGateway()}
	directory := payment.NewMemoryDirectory()
	directory.SetReady("rcpt_1", false)
	engine := NewEngine(store, gw, directory, notify.Nop{}, 7500, testLogger)

	txn := heldTxn(t, store, gw, "txn_1", "msg-1", 1000)

	result, err := engine.Distribute(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}
	if result.Outcome != OutcomePendingSetup {
		t.Fatalf("outcome = %s, want pending_setup", result.Outcome)
	}

	got, _ := store.Get(ctx, txn.ID)
	if got.Status != escrow.StatusPendingPayeeSetup {
		t.Errorf("status = %s", got.Status)
	}

	// Capture happened, transfer did not.
	captures, transfers, _ := gw.calls()
	if captures != 1 || transfers != 0 {
		t.Errorf("calls = %d/%d, want capture only", captures, transfers)
	}

	// Setup completes; re-invoking settles without a second capture.
	directory.SetReady("rcpt_1", true)
	result, err = engine.Distribute(ctx, txn.ID)
	if err != nil {
		t.Fatalf("re-Distribute failed: %v", err)
	}
	if result.Outcome != OutcomeReleased {
		t.Errorf("outcome = %s, want released", result.Outcome)
	}
	captures, transfers, _ = gw.calls()
	if captures != 1 || transfers != 1 {
		t.Errorf("calls = %d/%d after resume, want 1/1", captures, transfers)
	}
}

func TestDistributeCaptureFailureLeavesHeld(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	inner := payment.NewMemoryGateway()
	gw := &failingGateway{Gateway: inner, captureErr: &payment.Error{Op: "capture", Transient: true, Err: errors.New("timeout")}}
	engine := NewEngine(store, gw, payment.NewMemoryDirectory(), notify.Nop{}, 7500, testLogger)

	txn := heldTxn(t, store, inner, "txn_1", "msg-1", 1000)

	if _, err := engine.Distribute(ctx, txn.ID); err == nil {
		t.Fatal("expected capture error")
	}

	// Claim reverted so a later trigger can retry.
	got, _ := store.Get(ctx, txn.ID)
	if got.Status != escrow.StatusHeld {
		t.Errorf("status = %s, want held", got.Status)
	}
}

func TestDistributeTransferFailureQueuesRetry(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	inner := payment.NewMemoryGateway()
	gw := &failingGateway{Gateway: inner, transferErr: &payment.Error{Op: "transfer", Err: errors.New("destination rejected")}}
	engine := NewEngine(store, gw, payment.NewMemoryDirectory(), notify.Nop{}, 7500, testLogger)

	txn := heldTxn(t, store, inner, "txn_1", "msg-1", 1000)

	if _, err := engine.Distribute(ctx, txn.ID); err == nil {
		t.Fatal("expected transfer error")
	}

	// Captured funds stay parked for the retry sweep, never refunded.
	got, _ := store.Get(ctx, txn.ID)
	if got.Status != escrow.StatusTransferFailed {
		t.Errorf("status = %s, want transfer_failed", got.Status)
	}
}

func TestDistributeZeroPayeeShareSkipsTransfer(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	gw := &countingGateway{Gateway: payment.NewMemoryGateway()}
	// Platform keeps everything.
	engine := NewEngine(store, gw, payment.NewMemoryDirectory(), notify.Nop{}, 0, testLogger)

	txn := heldTxn(t, store, gw, "txn_1", "msg-1", 1000)

	result, err := engine.Distribute(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}
	if result.Outcome != OutcomeReleased || result.PayeeMinor != 0 || result.PlatformMinor != 1000 {
		t.Errorf("result = %+v", result)
	}

	_, transfers, _ := gw.calls()
	if transfers != 0 {
		t.Errorf("transfer created for zero payee share")
	}
}

func TestRetryAfterUnknownTransferOutcomePaysOnce(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	gw := &droppedResponseGateway{Gateway: payment.NewMemoryGateway(), drop: 1}
	engine := NewEngine(store, gw, payment.NewMemoryDirectory(), notify.Nop{}, 7500, testLogger)

	txn := heldTxn(t, store, gw, "txn_1", "msg-1", 1000)

	// The transfer lands at the processor but the response is lost.
	if _, err := engine.Distribute(ctx, txn.ID); err == nil {
		t.Fatal("expected transfer error")
	}
	got, _ := store.Get(ctx, txn.ID)
	if got.Status != escrow.StatusTransferFailed {
		t.Fatalf("status = %s, want transfer_failed", got.Status)
	}

	// The retry sweep re-issues the transfer under the same idempotency key.
	scheduler := NewScheduler(engine, store, 10, 0, time.Minute, testLogger)
	stats, err := scheduler.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if stats.Released != 1 {
		t.Fatalf("sweep stats = %+v, want 1 released", stats)
	}

	// Two transfer calls, one processor-side transfer: the re-issue resolved
	// to the original payout instead of paying the recipient a second time.
	refs := gw.transferRefs()
	if len(refs) != 2 {
		t.Fatalf("transfer calls = %d, want 2", len(refs))
	}
	if refs[0] != refs[1] {
		t.Errorf("retry created a second transfer: %s vs %s", refs[0], refs[1])
	}

	got, _ = store.Get(ctx, txn.ID)
	if got.Status != escrow.StatusReleased {
		t.Errorf("status = %s, want released", got.Status)
	}
	if got.TransferRef != refs[0] {
		t.Errorf("transfer ref = %q, want %q", got.TransferRef, refs[0])
	}
}

// lostReleaseStore drops every write that would move a row to released.
type lostReleaseStore struct {
	escrow.Store
}

func (s *lostReleaseStore) UpdateStatus(ctx context.Context, id string, expected, next escrow.Status, upd escrow.Update) error {
	if next == escrow.StatusReleased {
		return errors.New("connection reset")
	}
	return s.Store.UpdateStatus(ctx, id, expected, next, upd)
}

func TestLostReleaseWriteLeavesReconcilableRow(t *testing.T) {
	ctx := context.Background()
	inner := escrow.NewMemoryStore()
	store := &lostReleaseStore{Store: inner}
	gw := payment.NewMemoryGateway()
	engine := NewEngine(store, gw, payment.NewMemoryDirectory(), notify.Nop{}, 7500, testLogger)

	txn := heldTxn(t, inner, gw, "txn_1", "msg-1", 1000)

	if _, err := engine.Distribute(ctx, txn.ID); err == nil {
		t.Fatal("expected release write failure")
	}

	// The transfer reference was recorded ahead of the terminal write, so
	// the stuck row is visible to the reconciliation sweep.
	got, _ := inner.Get(ctx, txn.ID)
	if got.Status != escrow.StatusProcessing {
		t.Fatalf("status = %s, want processing", got.Status)
	}
	if got.TransferRef == "" {
		t.Fatal("transfer ref lost along with the release write")
	}

	scanner := reconcile.NewScanner(inner, gw, time.Minute, testLogger)
	result, err := scanner.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Released != 1 {
		t.Fatalf("reconcile result = %+v, want 1 released", result)
	}

	got, _ = inner.Get(ctx, txn.ID)
	if got.Status != escrow.StatusReleased {
		t.Errorf("status = %s, want released", got.Status)
	}
}

func TestDistributeConcurrentRunsSettleOnce(t *testing.T) {
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	gw := &countingGateway{Gateway: payment.NewMemoryGateway()}
	engine := NewEngine(store, gw, payment.NewMemoryDirectory(), notify.Nop{}, 7500, testLogger)

	txn := heldTxn(t, store, gw, "txn_1", "msg-1", 1000)

	const workers = 8
	var wg sync.WaitGroup
	released := make(chan Outcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if result, err := engine.Distribute(ctx, txn.ID); err == nil {
				released <- result.Outcome
			}
		}()
	}
	wg.Wait()
	close(released)

	var wins int
	for outcome := range released {
		if outcome == OutcomeReleased {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("released outcomes = %d, want exactly 1", wins)
	}

	captures, transfers, _ := gw.calls()
	if captures != 1 || transfers != 1 {
		t.Errorf("processor calls = %d captures, %d transfers; want 1/1", captures, transfers)
	}
}
