// Package engine defines the query engine consulted by query hosts and ships a
// label projection engine that keeps one result row per subscribed element.
package engine

import (
	"context"

	"github.com/zoravur/continuum/internal/models"
)

// Delta is the result change produced by one source change.
type Delta struct {
	Added   []map[string]any
	Updated []models.UpdatedResult
	Deleted []map[string]any
}

func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// FutureQueue receives work the engine schedules for later.
type FutureQueue interface {
	// OnDue is called when a scheduled re-evaluation falls due.
	OnDue(ctx context.Context, ref models.FutureRef) error
	OnError(ref models.FutureRef, err error)
	// Now is the engine's clock in milliseconds.
	Now() uint64
}

// Engine evaluates one query. Calls are serial.
type Engine interface {
	Process(ctx context.Context, change models.SourceChange) (Delta, error)
	// Clear drops all indexed elements and results.
	Clear(ctx context.Context) error
	Close() error
}

// Volatile is implemented by engines whose indexes do not survive a restart.
// A host bootstraps such queries every time they start.
type Volatile interface {
	Volatile() bool
}

// Builder builds the engine of a query.
type Builder interface {
	Build(ctx context.Context, queryID string, spec models.QuerySpec, futures FutureQueue) (Engine, error)
}

type BuilderFunc func(ctx context.Context, queryID string, spec models.QuerySpec, futures FutureQueue) (Engine, error)

func (f BuilderFunc) Build(ctx context.Context, queryID string, spec models.QuerySpec, futures FutureQueue) (Engine, error) {
	return f(ctx, queryID, spec, futures)
}

// IsVolatile reports whether e loses its state on restart.
func IsVolatile(e Engine) bool {
	v, ok := e.(Volatile)
	return ok && v.Volatile()
}
