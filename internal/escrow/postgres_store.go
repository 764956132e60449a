package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists escrow transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, message_id, amount_minor, recipient_id, sender_contact,
	       payment_intent_ref, transfer_ref, status, created_at, expires_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, message_id, amount_minor, recipient_id, sender_contact,
			payment_intent_ref, transfer_ref, status, created_at, expires_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.MessageID, t.AmountMinor, t.RecipientID, nullString(t.SenderContact),
		t.PaymentIntentRef, nullString(t.TransferRef), string(t.Status),
		t.CreatedAt, t.ExpiresAt, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM escrow_transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) GetByMessage(ctx context.Context, messageID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM escrow_transactions WHERE message_id = $1`, messageID)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// UpdateStatus performs the compare-and-set transition as a single UPDATE
// guarded on the expected status. Zero rows affected means either the row
// is gone or another worker got there first; the two are disambiguated
// with a follow-up read.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, expected, next Status, upd Update) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions
		SET status = $1,
		    transfer_ref = COALESCE(NULLIF($2, ''), transfer_ref),
		    updated_at = $3
		WHERE id = $4 AND status = $5`,
		string(next), upd.TransferRef, time.Now().UTC(), id, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, id); getErr == ErrNotFound {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_transactions
		WHERE status = 'held' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListByStatusOldest(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_transactions
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListUnsettledTransfers(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_transactions
		WHERE transfer_ref IS NOT NULL
		  AND status NOT IN ('released', 'refunded')
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) StatusTotals(ctx context.Context, since time.Time) (map[Status]Tally, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(amount_minor), 0)
		FROM escrow_transactions
		WHERE created_at >= $1
		GROUP BY status`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	totals := make(map[Status]Tally)
	for rows.Next() {
		var status string
		var t Tally
		if err := rows.Scan(&status, &t.Count, &t.AmountMinor); err != nil {
			return nil, err
		}
		totals[Status(status)] = t
	}
	return totals, rows.Err()
}

func (p *PostgresStore) TallyNearTimeout(ctx context.Context, from, until time.Time) (Tally, error) {
	var t Tally
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount_minor), 0)
		FROM escrow_transactions
		WHERE status = 'held' AND expires_at > $1 AND expires_at <= $2`,
		from, until).Scan(&t.Count, &t.AmountMinor)
	return t, err
}

func (p *PostgresStore) TallyByStatus(ctx context.Context, status Status) (Tally, error) {
	var t Tally
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount_minor), 0)
		FROM escrow_transactions
		WHERE status = $1`, string(status)).Scan(&t.Count, &t.AmountMinor)
	return t, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		senderContact sql.NullString
		transferRef   sql.NullString
		status        string
	)

	err := s.Scan(
		&t.ID, &t.MessageID, &t.AmountMinor, &t.RecipientID, &senderContact,
		&t.PaymentIntentRef, &transferRef, &status,
		&t.CreatedAt, &t.ExpiresAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.SenderContact = senderContact.String
	t.TransferRef = transferRef.String
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
