package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/replypay/replypay/internal/testutil"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	txn := newTestTxn("txn_pg1", "msg-pg1", 1000, StatusHeld, now, now.Add(time.Hour))
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "txn_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.MessageID != "msg-pg1" || got.Status != StatusHeld || got.AmountMinor != 1000 {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.TransferRef != "" || got.SenderContact != "" {
		t.Errorf("nullable fields should be empty: %+v", got)
	}

	// CAS claim, conflict, release with transfer ref.
	if err := store.UpdateStatus(ctx, "txn_pg1", StatusHeld, StatusProcessing, Update{}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := store.UpdateStatus(ctx, "txn_pg1", StatusHeld, StatusProcessing, Update{}); err != ErrStatusConflict {
		t.Fatalf("second claim = %v, want ErrStatusConflict", err)
	}
	if err := store.UpdateStatus(ctx, "txn_pg1", StatusProcessing, StatusReleased, Update{TransferRef: "tr_pg1"}); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	got, _ = store.Get(ctx, "txn_pg1")
	if got.Status != StatusReleased || got.TransferRef != "tr_pg1" {
		t.Errorf("after release: %+v", got)
	}

	if err := store.UpdateStatus(ctx, "txn_missing", StatusHeld, StatusProcessing, Update{}); err != ErrNotFound {
		t.Errorf("update missing = %v, want ErrNotFound", err)
	}
}

func TestPostgresStoreSweepQueries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	_ = store.Create(ctx, newTestTxn("txn_exp1", "msg-e1", 100, StatusHeld, now.Add(-3*time.Hour), now.Add(-2*time.Hour)))
	_ = store.Create(ctx, newTestTxn("txn_exp2", "msg-e2", 200, StatusHeld, now.Add(-2*time.Hour), now.Add(-time.Hour)))
	_ = store.Create(ctx, newTestTxn("txn_live", "msg-l1", 300, StatusHeld, now, now.Add(time.Hour)))

	failed := newTestTxn("txn_fail", "msg-f1", 400, StatusTransferFailed, now.Add(-time.Hour), now.Add(time.Hour))
	_ = store.Create(ctx, failed)

	stuck := newTestTxn("txn_stuck", "msg-s1", 500, StatusProcessing, now, now.Add(time.Hour))
	stuck.TransferRef = "tr_stuck"
	_ = store.Create(ctx, stuck)

	expired, err := store.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListExpired failed: %v", err)
	}
	if len(expired) != 2 || expired[0].ID != "txn_exp1" {
		t.Errorf("expired = %+v", expired)
	}

	batch, err := store.ListByStatusOldest(ctx, StatusTransferFailed, 10)
	if err != nil {
		t.Fatalf("ListByStatusOldest failed: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != "txn_fail" {
		t.Errorf("failed batch = %+v", batch)
	}

	unsettled, err := store.ListUnsettledTransfers(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnsettledTransfers failed: %v", err)
	}
	if len(unsettled) != 1 || unsettled[0].ID != "txn_stuck" {
		t.Errorf("unsettled = %+v", unsettled)
	}

	totals, err := store.StatusTotals(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("StatusTotals failed: %v", err)
	}
	if got := totals[StatusHeld]; got.Count != 3 || got.AmountMinor != 600 {
		t.Errorf("held totals = %+v", got)
	}

	near, err := store.TallyNearTimeout(ctx, now, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("TallyNearTimeout failed: %v", err)
	}
	if near.Count != 1 || near.AmountMinor != 300 {
		t.Errorf("near = %+v", near)
	}
}

func TestPostgresResponseReader(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	reader := NewPostgresResponseReader(db)

	// Missing record means no response, not an error.
	resp, err := reader.GetResponse(ctx, "msg-unknown")
	if err != nil {
		t.Fatalf("GetResponse missing failed: %v", err)
	}
	if resp.HasResponse {
		t.Error("missing record should report no response")
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	_, err = db.ExecContext(ctx, `
		INSERT INTO message_responses (message_id, has_response, responded_at)
		VALUES ($1, true, $2)`, "msg-replied", at)
	if err != nil {
		t.Fatalf("insert response: %v", err)
	}

	resp, err = reader.GetResponse(ctx, "msg-replied")
	if err != nil {
		t.Fatalf("GetResponse failed: %v", err)
	}
	if !resp.HasResponse || resp.RespondedAt == nil || !resp.RespondedAt.Equal(at) {
		t.Errorf("unexpected response: %+v", resp)
	}
}
