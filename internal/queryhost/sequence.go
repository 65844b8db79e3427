package queryhost

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/zoravur/continuum/internal/persistence"
)

// SequenceManager hands out the result sequence of one query. Every
// increment is persisted before it is returned, so sequences stay monotonic
// across restarts.
type SequenceManager struct {
	store   persistence.SequenceStore
	queryID string

	mu  sync.Mutex
	pos persistence.SequencePosition
}

func LoadSequence(ctx context.Context, store persistence.SequenceStore, queryID string) (*SequenceManager, error) {
	pos, err := store.Get(ctx, queryID)
	if err != nil {
		return nil, errors.Annotatef(err, "loading sequence of %s", queryID)
	}
	return &SequenceManager{store: store, queryID: queryID, pos: pos}, nil
}

func (m *SequenceManager) Current() persistence.SequencePosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// Increment advances the sequence for the change with id changeID.
func (m *SequenceManager) Increment(ctx context.Context, changeID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := persistence.SequencePosition{Sequence: m.pos.Sequence + 1, SourceChangeID: changeID}
	if err := m.store.Set(ctx, m.queryID, next); err != nil {
		return 0, errors.Annotatef(err, "saving sequence of %s", m.queryID)
	}
	m.pos = next
	return next.Sequence, nil
}

func (m *SequenceManager) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Delete(ctx, m.queryID); err != nil {
		return errors.Trace(err)
	}
	m.pos = persistence.SequencePosition{}
	return nil
}
