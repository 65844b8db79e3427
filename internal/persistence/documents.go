package persistence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"
)

// Collections of the document store.
const (
	CollectionSources         = "sources"
	CollectionReactions       = "reactions"
	CollectionQueryContainers = "query-containers"
	CollectionQueries         = "queries"
	CollectionSourceSchemas   = "source_schemas"
	CollectionReactionSchemas = "reaction_schemas"
)

// Document is a stored value and its id.
type Document[T any] struct {
	ID    string
	Value T
}

// Repository stores documents of one collection by id.
type Repository[T any] interface {
	// Get returns errors.NotFound for unknown ids.
	Get(ctx context.Context, id string) (T, error)
	Set(ctx context.Context, id string, v T) error
	Delete(ctx context.Context, id string) error
	// List returns every document of the collection, ordered by id.
	List(ctx context.Context) ([]Document[T], error)
}

// PgRepository stores documents as JSONB rows of the documents table.
type PgRepository[T any] struct {
	pool       *pgxpool.Pool
	collection string
}

func NewPgRepository[T any](pool *pgxpool.Pool, collection string) *PgRepository[T] {
	return &PgRepository[T]{pool: pool, collection: collection}
}

func (r *PgRepository[T]) Get(ctx context.Context, id string) (T, error) {
	var (
		out T
		raw []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT doc FROM documents WHERE collection = $1 AND id = $2`, r.collection, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, errors.NotFoundf("%s %q", r.collection, id)
	}
	if err != nil {
		return out, errors.Annotatef(err, "reading %s %q", r.collection, id)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, errors.Annotatef(err, "decoding %s %q", r.collection, id)
	}
	return out, nil
}

func (r *PgRepository[T]) Set(ctx context.Context, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Annotatef(err, "encoding %s %q", r.collection, id)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		r.collection, id, raw)
	return errors.Annotatef(err, "writing %s %q", r.collection, id)
}

func (r *PgRepository[T]) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, r.collection, id)
	return errors.Annotatef(err, "deleting %s %q", r.collection, id)
}

func (r *PgRepository[T]) List(ctx context.Context) ([]Document[T], error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, doc FROM documents WHERE collection = $1 ORDER BY id`, r.collection)
	if err != nil {
		return nil, errors.Annotatef(err, "listing %s", r.collection)
	}
	defer rows.Close()

	var out []Document[T]
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, errors.Trace(err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.Annotatef(err, "decoding %s %q", r.collection, id)
		}
		out = append(out, Document[T]{ID: id, Value: v})
	}
	return out, errors.Trace(rows.Err())
}

// MemoryRepository keeps JSON encoded documents in process, so values never
// alias between callers.
type MemoryRepository[T any] struct {
	collection string

	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryRepository[T any](collection string) *MemoryRepository[T] {
	return &MemoryRepository[T]{collection: collection, docs: make(map[string][]byte)}
}

func (r *MemoryRepository[T]) Get(_ context.Context, id string) (T, error) {
	var out T
	r.mu.RLock()
	raw, ok := r.docs[id]
	r.mu.RUnlock()
	if !ok {
		return out, errors.NotFoundf("%s %q", r.collection, id)
	}
	err := json.Unmarshal(raw, &out)
	return out, errors.Trace(err)
}

func (r *MemoryRepository[T]) Set(_ context.Context, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	r.mu.Lock()
	r.docs[id] = raw
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository[T]) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.docs, id)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository[T]) List(_ context.Context) ([]Document[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Document[T], 0, len(ids))
	for _, id := range ids {
		var v T
		if err := json.Unmarshal(r.docs[id], &v); err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, Document[T]{ID: id, Value: v})
	}
	return out, nil
}
