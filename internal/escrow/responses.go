package escrow

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// MemoryResponseStore is an in-memory response reader for demo/development
// mode. It also records responses, standing in for the response-detection
// collaborator.
type MemoryResponseStore struct {
	responses map[string]*Response
	mu        sync.RWMutex
}

// NewMemoryResponseStore creates an in-memory response store.
func NewMemoryResponseStore() *MemoryResponseStore {
	return &MemoryResponseStore{responses: make(map[string]*Response)}
}

// Record marks a message as responded to at the given instant.
func (m *MemoryResponseStore) Record(messageID string, respondedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at := respondedAt.UTC()
	m.responses[messageID] = &Response{
		MessageID:   messageID,
		HasResponse: true,
		RespondedAt: &at,
	}
}

func (m *MemoryResponseStore) GetResponse(ctx context.Context, messageID string) (*Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.responses[messageID]; ok {
		cp := *r
		return &cp, nil
	}
	return &Response{MessageID: messageID}, nil
}

// PostgresResponseReader reads the response-detection collaborator's table.
// The table is owned elsewhere; this reader never writes it.
type PostgresResponseReader struct {
	db *sql.DB
}

// NewPostgresResponseReader creates a reader over the message_responses table.
func NewPostgresResponseReader(db *sql.DB) *PostgresResponseReader {
	return &PostgresResponseReader{db: db}
}

func (p *PostgresResponseReader) GetResponse(ctx context.Context, messageID string) (*Response, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT has_response, responded_at
		FROM message_responses
		WHERE message_id = $1`, messageID)

	r := &Response{MessageID: messageID}
	var respondedAt sql.NullTime
	err := row.Scan(&r.HasResponse, &respondedAt)
	if err == sql.ErrNoRows {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	if respondedAt.Valid {
		r.RespondedAt = &respondedAt.Time
	}
	return r, nil
}

var (
	_ ResponseReader = (*MemoryResponseStore)(nil)
	_ ResponseReader = (*PostgresResponseReader)(nil)
)
