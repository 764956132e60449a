package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txns      map[string]*Transaction
	byMessage map[string]string // messageID -> txn ID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:      make(map[string]*Transaction),
		byMessage: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byMessage[txn.MessageID]; ok {
		return ErrDuplicateMessage
	}
	cp := *txn
	m.txns[txn.ID] = &cp
	m.byMessage[txn.MessageID] = txn.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) GetByMessage(ctx context.Context, messageID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byMessage[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.txns[id]
	return &cp, nil
}

// UpdateStatus applies the compare-and-set transition. The expected-status
// check and the write happen under one lock, mirroring the single UPDATE
// statement of the Postgres store.
func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, expected, next Status, upd Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[id]
	if !ok {
		return ErrNotFound
	}
	if txn.Status != expected {
		return ErrStatusConflict
	}

	txn.Status = next
	txn.UpdatedAt = time.Now().UTC()
	if upd.TransferRef != "" {
		txn.TransferRef = upd.TransferRef
	}
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if txn.Status == StatusHeld && txn.ExpiresAt.Before(before) {
			cp := *txn
			result = append(result, &cp)
		}
	}
	sortOldest(result)
	return clip(result, limit), nil
}

func (m *MemoryStore) ListByStatusOldest(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if txn.Status == status {
			cp := *txn
			result = append(result, &cp)
		}
	}
	sortOldest(result)
	return clip(result, limit), nil
}

func (m *MemoryStore) ListUnsettledTransfers(ctx context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if txn.TransferRef != "" && txn.Status != StatusReleased && txn.Status != StatusRefunded {
			cp := *txn
			result = append(result, &cp)
		}
	}
	sortOldest(result)
	return clip(result, limit), nil
}

func (m *MemoryStore) StatusTotals(ctx context.Context, since time.Time) (map[Status]Tally, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[Status]Tally)
	for _, txn := range m.txns {
		if txn.CreatedAt.Before(since) {
			continue
		}
		t := totals[txn.Status]
		t.Count++
		t.AmountMinor += txn.AmountMinor
		totals[txn.Status] = t
	}
	return totals, nil
}

func (m *MemoryStore) TallyNearTimeout(ctx context.Context, from, until time.Time) (Tally, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var t Tally
	for _, txn := range m.txns {
		if txn.Status == StatusHeld && txn.ExpiresAt.After(from) && !txn.ExpiresAt.After(until) {
			t.Count++
			t.AmountMinor += txn.AmountMinor
		}
	}
	return t, nil
}

func (m *MemoryStore) TallyByStatus(ctx context.Context, status Status) (Tally, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var t Tally
	for _, txn := range m.txns {
		if txn.Status == status {
			t.Count++
			t.AmountMinor += txn.AmountMinor
		}
	}
	return t, nil
}

func sortOldest(txns []*Transaction) {
	sort.Slice(txns, func(i, j int) bool {
		return txns[i].CreatedAt.Before(txns[j].CreatedAt)
	})
}

func clip(txns []*Transaction, limit int) []*Transaction {
	if limit > 0 && len(txns) > limit {
		return txns[:limit]
	}
	return txns
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
