package reactive

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/models"
)

type Registry struct {
	hub    *bus.Hub
	logger *zap.Logger

	mu   sync.RWMutex
	data map[string]*LiveQuery
}

func NewRegistry(hub *bus.Hub, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.L()
	}
	return &Registry{hub: hub, logger: logger, data: make(map[string]*LiveQuery)}
}

// Subscribe adds c to the clients of queryID. The first client of a query
// subscribes the registry to its results on the hub.
func (r *Registry) Subscribe(queryID string, c *Client) *LiveQuery {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.data[queryID]
	if !ok {
		q = &LiveQuery{ID: queryID, Clients: make(map[*Client]struct{})}
		q.unsubscribe = r.hub.SubscribeResults(queryID, func(evt models.ResultEvent) {
			r.Broadcast(q, evt)
		})
		r.data[queryID] = q
		r.logger.Debug("live query registered", zap.String("query_id", queryID))
	}
	q.Mu.Lock()
	q.Clients[c] = struct{}{}
	q.Mu.Unlock()
	return q
}

// Unsubscribe removes c from queryID and drops the query once it has no
// clients left.
func (r *Registry) Unsubscribe(queryID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.data[queryID]
	if !ok {
		return
	}
	q.Mu.Lock()
	delete(q.Clients, c)
	empty := len(q.Clients) == 0
	q.Mu.Unlock()
	if empty {
		r.drop(queryID, q)
	}
}

// drop must be called with r.mu held.
func (r *Registry) drop(id string, q *LiveQuery) {
	delete(r.data, id)
	if q.unsubscribe != nil {
		q.unsubscribe()
	}
	r.logger.Debug("live query unregistered", zap.String("query_id", id))
}

func (r *Registry) Get(id string) (*LiveQuery, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.data[id]
	return q, ok
}

func (r *Registry) Snapshot() []*LiveQuery {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*LiveQuery, 0, len(r.data))
	for _, q := range r.data {
		out = append(out, q)
	}
	return out
}

// QueryView is the debug description of a live query.
type QueryView struct {
	ID           string `json:"id"`
	Clients      int    `json:"clients"`
	LastSequence uint64 `json:"lastSequence"`
	Delivered    uint64 `json:"delivered"`
}

func (r *Registry) SnapshotView() []QueryView {
	r.mu.RLock()
	out := make([]QueryView, 0, len(r.data))
	for _, q := range r.data {
		q.Mu.RLock()
		out = append(out, QueryView{
			ID:           q.ID,
			Clients:      len(q.Clients),
			LastSequence: q.lastSequence,
			Delivered:    q.delivered,
		})
		q.Mu.RUnlock()
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CleanupOrphans drops queries whose clients are all gone.
func (r *Registry) CleanupOrphans() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for id, q := range r.data {
		q.Mu.RLock()
		noClients := len(q.Clients) == 0
		q.Mu.RUnlock()
		if noClients {
			r.drop(id, q)
			count++
		}
	}
	return count
}

// Close drops every query.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, q := range r.data {
		r.drop(id, q)
	}
}
