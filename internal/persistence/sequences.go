package persistence

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"
)

// SequencePosition is the last processed position of a query.
type SequencePosition struct {
	Sequence       uint64
	SourceChangeID string
}

// SequenceStore persists per query result sequences.
type SequenceStore interface {
	// Get returns a zero position for unknown queries.
	Get(ctx context.Context, queryID string) (SequencePosition, error)
	Set(ctx context.Context, queryID string, pos SequencePosition) error
	Delete(ctx context.Context, queryID string) error
}

type PgSequenceStore struct {
	pool *pgxpool.Pool
}

func NewPgSequenceStore(pool *pgxpool.Pool) *PgSequenceStore {
	return &PgSequenceStore{pool: pool}
}

func (s *PgSequenceStore) Get(ctx context.Context, queryID string) (SequencePosition, error) {
	var (
		pos SequencePosition
		seq int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT sequence, source_change_id FROM query_sequences WHERE query_id = $1`, queryID,
	).Scan(&seq, &pos.SourceChangeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return SequencePosition{}, nil
	}
	if err != nil {
		return SequencePosition{}, errors.Trace(err)
	}
	pos.Sequence = uint64(seq)
	return pos, nil
}

func (s *PgSequenceStore) Set(ctx context.Context, queryID string, pos SequencePosition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO query_sequences (query_id, sequence, source_change_id) VALUES ($1, $2, $3)
		ON CONFLICT (query_id) DO UPDATE SET sequence = EXCLUDED.sequence, source_change_id = EXCLUDED.source_change_id`,
		queryID, int64(pos.Sequence), pos.SourceChangeID)
	return errors.Trace(err)
}

func (s *PgSequenceStore) Delete(ctx context.Context, queryID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM query_sequences WHERE query_id = $1`, queryID)
	return errors.Trace(err)
}

type MemorySequenceStore struct {
	mu  sync.Mutex
	pos map[string]SequencePosition
}

func NewMemorySequenceStore() *MemorySequenceStore {
	return &MemorySequenceStore{pos: make(map[string]SequencePosition)}
}

func (m *MemorySequenceStore) Get(_ context.Context, queryID string) (SequencePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos[queryID], nil
}

func (m *MemorySequenceStore) Set(_ context.Context, queryID string, pos SequencePosition) error {
	m.mu.Lock()
	m.pos[queryID] = pos
	m.mu.Unlock()
	return nil
}

func (m *MemorySequenceStore) Delete(_ context.Context, queryID string) error {
	m.mu.Lock()
	delete(m.pos, queryID)
	m.mu.Unlock()
	return nil
}
