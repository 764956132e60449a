package escrow

import (
	"context"
	"testing"
	"time"
)

func newTestTxn(id, messageID string, amount int64, status Status, createdAt, expiresAt time.Time) *Transaction {
	return &Transaction{
		ID:               id,
		MessageID:        messageID,
		AmountMinor:      amount,
		RecipientID:      "rcpt_1",
		PaymentIntentRef: "pi_" + id,
		Status:           status,
		CreatedAt:        createdAt,
		ExpiresAt:        expiresAt,
		UpdatedAt:        createdAt,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	txn := newTestTxn("txn_1", "msg-1", 1000, StatusHeld, now, now.Add(time.Hour))
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "txn_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.MessageID != "msg-1" || got.Status != StatusHeld {
		t.Errorf("unexpected transaction: %+v", got)
	}

	byMsg, err := store.GetByMessage(ctx, "msg-1")
	if err != nil {
		t.Fatalf("GetByMessage failed: %v", err)
	}
	if byMsg.ID != "txn_1" {
		t.Errorf("GetByMessage returned %s, want txn_1", byMsg.ID)
	}

	if _, err := store.Get(ctx, "txn_nope"); err != ErrNotFound {
		t.Errorf("Get unknown = %v, want ErrNotFound", err)
	}
	if _, err := store.GetByMessage(ctx, "msg-nope"); err != ErrNotFound {
		t.Errorf("GetByMessage unknown = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreRejectsDuplicateMessage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	if err := store.Create(ctx, newTestTxn("txn_1", "msg-1", 1000, StatusHeld, now, now.Add(time.Hour))); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	err := store.Create(ctx, newTestTxn("txn_2", "msg-1", 2000, StatusHeld, now, now.Add(time.Hour)))
	if err != ErrDuplicateMessage {
		t.Fatalf("duplicate Create = %v, want ErrDuplicateMessage", err)
	}
}

func TestMemoryStoreUpdateStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	txn := newTestTxn("txn_1", "msg-1", 1000, StatusHeld, now, now.Add(time.Hour))
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Matching expected status succeeds.
	if err := store.UpdateStatus(ctx, "txn_1", StatusHeld, StatusProcessing, Update{}); err != nil {
		t.Fatalf("UpdateStatus held->processing failed: %v", err)
	}

	// A second claim on the same expected status loses.
	if err := store.UpdateStatus(ctx, "txn_1", StatusHeld, StatusProcessing, Update{}); err != ErrStatusConflict {
		t.Fatalf("second claim = %v, want ErrStatusConflict", err)
	}

	// TransferRef persists through the transition that carries it.
	if err := store.UpdateStatus(ctx, "txn_1", StatusProcessing, StatusReleased, Update{TransferRef: "tr_99"}); err != nil {
		t.Fatalf("UpdateStatus processing->released failed: %v", err)
	}
	got, _ := store.Get(ctx, "txn_1")
	if got.Status != StatusReleased || got.TransferRef != "tr_99" {
		t.Errorf("after release: status=%s transferRef=%s", got.Status, got.TransferRef)
	}

	// Unknown row.
	if err := store.UpdateStatus(ctx, "txn_nope", StatusHeld, StatusProcessing, Update{}); err != ErrNotFound {
		t.Errorf("UpdateStatus unknown = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreListExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	// Expired held, ordered oldest-deadline first.
	_ = store.Create(ctx, newTestTxn("txn_b", "msg-b", 100, StatusHeld, now.Add(-3*time.Hour), now.Add(-time.Hour)))
	_ = store.Create(ctx, newTestTxn("txn_a", "msg-a", 100, StatusHeld, now.Add(-4*time.Hour), now.Add(-2*time.Hour)))
	// Not yet expired.
	_ = store.Create(ctx, newTestTxn("txn_c", "msg-c", 100, StatusHeld, now, now.Add(time.Hour)))
	// Expired but not held.
	_ = store.Create(ctx, newTestTxn("txn_d", "msg-d", 100, StatusReleased, now.Add(-3*time.Hour), now.Add(-time.Hour)))

	expired, err := store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("ListExpired returned %d rows, want 2", len(expired))
	}
	if expired[0].ID != "txn_a" || expired[1].ID != "txn_b" {
		t.Errorf("unexpected order: %s, %s", expired[0].ID, expired[1].ID)
	}

	limited, _ := store.ListExpired(ctx, now, 1)
	if len(limited) != 1 || limited[0].ID != "txn_a" {
		t.Errorf("limit not applied oldest-first: %+v", limited)
	}
}

func TestMemoryStoreListByStatusOldest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	_ = store.Create(ctx, newTestTxn("txn_new", "msg-1", 100, StatusTransferFailed, now, now.Add(time.Hour)))
	_ = store.Create(ctx, newTestTxn("txn_old", "msg-2", 100, StatusTransferFailed, now.Add(-time.Hour), now.Add(time.Hour)))
	_ = store.Create(ctx, newTestTxn("txn_other", "msg-3", 100, StatusHeld, now.Add(-2*time.Hour), now.Add(time.Hour)))

	failed, err := store.ListByStatusOldest(ctx, StatusTransferFailed, 10)
	if err != nil {
		t.Fatalf("ListByStatusOldest failed: %v", err)
	}
	if len(failed) != 2 || failed[0].ID != "txn_old" {
		t.Errorf("unexpected batch: %+v", failed)
	}
}

func TestMemoryStoreListUnsettledTransfers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	stuck := newTestTxn("txn_1", "msg-1", 100, StatusProcessing, now, now.Add(time.Hour))
	stuck.TransferRef = "tr_1"
	_ = store.Create(ctx, stuck)

	settled := newTestTxn("txn_2", "msg-2", 100, StatusReleased, now, now.Add(time.Hour))
	settled.TransferRef = "tr_2"
	_ = store.Create(ctx, settled)

	// No transfer yet.
	_ = store.Create(ctx, newTestTxn("txn_3", "msg-3", 100, StatusProcessing, now, now.Add(time.Hour)))

	rows, err := store.ListUnsettledTransfers(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnsettledTransfers failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "txn_1" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestMemoryStoreTallies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	_ = store.Create(ctx, newTestTxn("txn_1", "msg-1", 1000, StatusHeld, now, now.Add(30*time.Minute)))
	_ = store.Create(ctx, newTestTxn("txn_2", "msg-2", 2000, StatusHeld, now, now.Add(2*time.Hour)))
	_ = store.Create(ctx, newTestTxn("txn_3", "msg-3", 4000, StatusPendingPayeeSetup, now, now.Add(time.Hour)))
	_ = store.Create(ctx, newTestTxn("txn_4", "msg-4", 8000, StatusHeld, now.Add(-48*time.Hour), now.Add(-time.Hour)))

	totals, err := store.StatusTotals(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("StatusTotals failed: %v", err)
	}
	if got := totals[StatusHeld]; got.Count != 2 || got.AmountMinor != 3000 {
		t.Errorf("held tally = %+v", got)
	}
	if got := totals[StatusPendingPayeeSetup]; got.Count != 1 || got.AmountMinor != 4000 {
		t.Errorf("pending setup tally = %+v", got)
	}

	near, err := store.TallyNearTimeout(ctx, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("TallyNearTimeout failed: %v", err)
	}
	// txn_1 is within the horizon, txn_2 beyond it, txn_4 already expired.
	if near.Count != 1 || near.AmountMinor != 1000 {
		t.Errorf("near timeout tally = %+v", near)
	}

	pending, err := store.TallyByStatus(ctx, StatusPendingPayeeSetup)
	if err != nil {
		t.Fatalf("TallyByStatus failed: %v", err)
	}
	if pending.Count != 1 || pending.AmountMinor != 4000 {
		t.Errorf("pending tally = %+v", pending)
	}
}
