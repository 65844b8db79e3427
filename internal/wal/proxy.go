package wal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/httpx"
	"github.com/zoravur/continuum/internal/logutil"
	"github.com/zoravur/continuum/internal/models"
)

const primaryKeySQL = `
SELECT a.attname
FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = $1::regclass AND i.indisprimary
ORDER BY array_position(i.indkey::int2[], a.attnum)`

// Proxy serves bootstrap snapshots of the replicated tables. Element ids
// match the ones the reactivator publishes.
type Proxy struct {
	pool   *pgxpool.Pool
	tables map[string]Table
}

func NewProxy(pool *pgxpool.Pool, tables map[string]Table) *Proxy {
	return &Proxy{pool: pool, tables: tables}
}

// Routes serves POST /acquire, the bootstrap call of the source query-api.
func (p *Proxy) Routes(logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.LoggingMiddleware(logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/acquire", p.handleAcquire)
	return r
}

func (p *Proxy) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req models.SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, r, errors.NewNotValid(err, "invalid subscription request"))
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	err := p.Snapshot(r.Context(), req, func(el models.BootstrapElement) error {
		if err := enc.Encode(el); err != nil {
			return errors.Trace(err)
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return nil
	})
	if err != nil {
		logutil.FromContext(r.Context()).Error("bootstrap aborted", zap.String("query_id", req.QueryID), zap.Error(err))
	}
}

// Bootstrap streams the snapshot as NDJSON.
func (p *Proxy) Bootstrap(ctx context.Context, req models.SubscriptionRequest) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		enc := json.NewEncoder(pw)
		err := p.Snapshot(ctx, req, func(el models.BootstrapElement) error {
			return enc.Encode(el)
		})
		_ = pw.CloseWithError(err)
	}()
	return pr, nil
}

// Snapshot emits every row of the tables labelled by the request's node
// labels. Labels without a table are skipped; relations have no table.
func (p *Proxy) Snapshot(ctx context.Context, req models.SubscriptionRequest, emit func(models.BootstrapElement) error) error {
	for _, label := range req.NodeLabels {
		t, ok := p.tables[label]
		if !ok {
			continue
		}
		if err := p.snapshotTable(ctx, t, emit); err != nil {
			return errors.Annotatef(err, "snapshot of %s", t)
		}
	}
	return nil
}

func (p *Proxy) snapshotTable(ctx context.Context, t Table, emit func(models.BootstrapElement) error) error {
	ident := pgx.Identifier{t.Schema, t.Name}.Sanitize()
	keys, err := p.primaryKey(ctx, ident)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return errors.NotValidf("table %s without primary key", t)
	}

	rows, err := p.pool.Query(ctx, `SELECT to_jsonb(t)::text FROM `+ident+` t`)
	if err != nil {
		return errors.Trace(err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return errors.Trace(err)
		}
		var props map[string]any
		if err := json.Unmarshal([]byte(raw), &props); err != nil {
			return errors.Trace(err)
		}
		el := models.BootstrapElement{
			ID:         ElementID(t.Label(), keys, props),
			Labels:     []string{t.Label()},
			Properties: props,
		}
		if err := emit(el); err != nil {
			return err
		}
	}
	return errors.Trace(rows.Err())
}

func (p *Proxy) primaryKey(ctx context.Context, ident string) ([]string, error) {
	rows, err := p.pool.Query(ctx, primaryKeySQL, ident)
	if err != nil {
		return nil, errors.Annotate(err, "reading primary key")
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return keys, errors.Trace(err)
}
