package persistence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"

	"github.com/zoravur/continuum/internal/models"
)

// SubscriptionStore persists the subscriptions of a source so the router can
// rebuild its subscriber map after a restart.
type SubscriptionStore interface {
	Save(ctx context.Context, sourceID string, req models.SubscriptionRequest) error
	Delete(ctx context.Context, sourceID, queryNodeID, queryID string) error
	List(ctx context.Context, sourceID string) ([]models.SubscriptionRequest, error)
}

type PgSubscriptionStore struct {
	pool *pgxpool.Pool
}

func NewPgSubscriptionStore(pool *pgxpool.Pool) *PgSubscriptionStore {
	return &PgSubscriptionStore{pool: pool}
}

func (s *PgSubscriptionStore) Save(ctx context.Context, sourceID string, req models.SubscriptionRequest) error {
	nodes, err := json.Marshal(nonNil(req.NodeLabels))
	if err != nil {
		return errors.Trace(err)
	}
	rels, err := json.Marshal(nonNil(req.RelLabels))
	if err != nil {
		return errors.Trace(err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO source_subscriptions (source_id, query_node_id, query_id, node_labels, rel_labels)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id, query_node_id, query_id)
		DO UPDATE SET node_labels = EXCLUDED.node_labels, rel_labels = EXCLUDED.rel_labels`,
		sourceID, req.QueryNodeID, req.QueryID, nodes, rels)
	return errors.Annotatef(err, "saving subscription %s/%s on %s", req.QueryNodeID, req.QueryID, sourceID)
}

func (s *PgSubscriptionStore) Delete(ctx context.Context, sourceID, queryNodeID, queryID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM source_subscriptions WHERE source_id = $1 AND query_node_id = $2 AND query_id = $3`,
		sourceID, queryNodeID, queryID)
	return errors.Trace(err)
}

func (s *PgSubscriptionStore) List(ctx context.Context, sourceID string) ([]models.SubscriptionRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT query_node_id, query_id, node_labels, rel_labels
		FROM source_subscriptions WHERE source_id = $1
		ORDER BY query_node_id, query_id`, sourceID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var out []models.SubscriptionRequest
	for rows.Next() {
		var (
			req         models.SubscriptionRequest
			nodes, rels []byte
		)
		if err := rows.Scan(&req.QueryNodeID, &req.QueryID, &nodes, &rels); err != nil {
			return nil, errors.Trace(err)
		}
		if err := json.Unmarshal(nodes, &req.NodeLabels); err != nil {
			return nil, errors.Trace(err)
		}
		if err := json.Unmarshal(rels, &req.RelLabels); err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, req)
	}
	return out, errors.Trace(rows.Err())
}

type MemorySubscriptionStore struct {
	mu   sync.Mutex
	subs map[string]map[models.Subscription]models.SubscriptionRequest
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]map[models.Subscription]models.SubscriptionRequest)}
}

func (m *MemorySubscriptionStore) Save(_ context.Context, sourceID string, req models.SubscriptionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[sourceID] == nil {
		m.subs[sourceID] = make(map[models.Subscription]models.SubscriptionRequest)
	}
	m.subs[sourceID][models.Subscription{QueryNodeID: req.QueryNodeID, QueryID: req.QueryID}] = req
	return nil
}

func (m *MemorySubscriptionStore) Delete(_ context.Context, sourceID, queryNodeID, queryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[sourceID], models.Subscription{QueryNodeID: queryNodeID, QueryID: queryID})
	return nil
}

func (m *MemorySubscriptionStore) List(_ context.Context, sourceID string) ([]models.SubscriptionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SubscriptionRequest, 0, len(m.subs[sourceID]))
	for _, req := range m.subs[sourceID] {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueryNodeID != out[j].QueryNodeID {
			return out[i].QueryNodeID < out[j].QueryNodeID
		}
		return out[i].QueryID < out[j].QueryID
	})
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
