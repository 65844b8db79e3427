package actor

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
)

// StateStore persists actor state by (type, id, key).
type StateStore interface {
	// Get returns errors.NotFound when the key is absent.
	Get(ctx context.Context, actorType, actorID, key string) ([]byte, error)
	Set(ctx context.Context, actorType, actorID, key string, value []byte) error
	Delete(ctx context.Context, actorType, actorID, key string) error
	// IDs lists the actors of actorType holding key.
	IDs(ctx context.Context, actorType, key string) ([]string, error)
}

type stateKey struct {
	actorType, actorID, key string
}

// MemoryStateStore keeps actor state in process.
type MemoryStateStore struct {
	mu   sync.RWMutex
	data map[stateKey][]byte
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{data: make(map[stateKey][]byte)}
}

func (m *MemoryStateStore) Get(_ context.Context, actorType, actorID, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[stateKey{actorType, actorID, key}]
	if !ok {
		return nil, errors.NotFoundf("state %s of %s/%s", key, actorType, actorID)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStateStore) Set(_ context.Context, actorType, actorID, key string, value []byte) error {
	m.mu.Lock()
	m.data[stateKey{actorType, actorID, key}] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStateStore) Delete(_ context.Context, actorType, actorID, key string) error {
	m.mu.Lock()
	delete(m.data, stateKey{actorType, actorID, key})
	m.mu.Unlock()
	return nil
}

func (m *MemoryStateStore) IDs(_ context.Context, actorType, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if k.actorType == actorType && k.key == key {
			out = append(out, k.actorID)
		}
	}
	sort.Strings(out)
	return out, nil
}
