// Package queryhost runs continuous queries inside one partition of a query
// container: bootstrap from the sources, then ordered processing of the
// container's publish stream into result events.
package queryhost

import (
	"context"
	"sync"

	"github.com/zoravur/continuum/internal/models"
)

// Lifecycle holds the state of a query. The query's worker writes it; status
// readers take the read lock only. Changed returns a channel closed by the
// next write.
type Lifecycle struct {
	mu           sync.RWMutex
	state        models.QueryState
	bootstrapped bool
	changed      chan struct{}
}

// LifecycleRecord is the persisted form of a Lifecycle.
type LifecycleRecord struct {
	State        models.QueryState `json:"state"`
	Bootstrapped bool              `json:"bootstrapped"`
}

func NewLifecycle(rec LifecycleRecord) *Lifecycle {
	if rec.State.Kind == "" {
		rec.State = models.NewState(models.StateNew)
	}
	return &Lifecycle{state: rec.State, bootstrapped: rec.Bootstrapped, changed: make(chan struct{})}
}

func (l *Lifecycle) State() models.QueryState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Bootstrapped reports whether the last bootstrap completed.
func (l *Lifecycle) Bootstrapped() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bootstrapped
}

func (l *Lifecycle) Record() LifecycleRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LifecycleRecord{State: l.state, Bootstrapped: l.bootstrapped}
}

func (l *Lifecycle) Set(state models.QueryState) {
	l.mu.Lock()
	l.state = state
	l.notify()
	l.mu.Unlock()
}

func (l *Lifecycle) SetBootstrapped(done bool) {
	l.mu.Lock()
	l.bootstrapped = done
	l.notify()
	l.mu.Unlock()
}

// notify must be called with the write lock held.
func (l *Lifecycle) notify() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Lifecycle) Changed() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.changed
}

func (l *Lifecycle) ErrorMessage() *string {
	return l.State().ErrorMessage()
}

// WaitFor blocks until done accepts the state or ctx ends.
func (l *Lifecycle) WaitFor(ctx context.Context, done func(models.QueryState) bool) (models.QueryState, error) {
	for {
		l.mu.RLock()
		state, changed := l.state, l.changed
		l.mu.RUnlock()
		if done(state) {
			return state, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}
