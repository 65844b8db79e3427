package router

import (
	"sort"
	"sync"

	"github.com/zoravur/continuum/internal/models"
)

// SubscriberMap maps labels to the queries subscribed to them.
type SubscriberMap struct {
	mu   sync.Mutex
	data map[string]map[models.Subscription]struct{}
}

func NewSubscriberMap() *SubscriberMap {
	return &SubscriberMap{data: make(map[string]map[models.Subscription]struct{})}
}

// AddLabels subscribes (queryNodeID, queryID) to every label in labels.
func (m *SubscriberMap) AddLabels(labels []string, queryNodeID, queryID string) {
	sub := models.Subscription{QueryNodeID: queryNodeID, QueryID: queryID}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range labels {
		set, ok := m.data[l]
		if !ok {
			set = make(map[models.Subscription]struct{})
			m.data[l] = set
		}
		set[sub] = struct{}{}
	}
}

// RemoveQuery drops a subscription from every label.
func (m *SubscriberMap) RemoveQuery(queryNodeID, queryID string) {
	sub := models.Subscription{QueryNodeID: queryNodeID, QueryID: queryID}
	m.mu.Lock()
	defer m.mu.Unlock()
	for l, set := range m.data {
		delete(set, sub)
		if len(set) == 0 {
			delete(m.data, l)
		}
	}
}

// Lookup returns the union of subscriptions over labels, sorted and without
// duplicates.
func (m *SubscriberMap) Lookup(labels []string) []models.Subscription {
	seen := make(map[models.Subscription]struct{})
	m.mu.Lock()
	for _, l := range labels {
		for sub := range m.data[l] {
			seen[sub] = struct{}{}
		}
	}
	m.mu.Unlock()

	out := make([]models.Subscription, 0, len(seen))
	for sub := range seen {
		out = append(out, sub)
	}
	sortSubscriptions(out)
	return out
}

// Snapshot clones the map.
func (m *SubscriberMap) Snapshot() map[string][]models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]models.Subscription, len(m.data))
	for l, set := range m.data {
		subs := make([]models.Subscription, 0, len(set))
		for sub := range set {
			subs = append(subs, sub)
		}
		sortSubscriptions(subs)
		out[l] = subs
	}
	return out
}

func sortSubscriptions(subs []models.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].QueryNodeID != subs[j].QueryNodeID {
			return subs[i].QueryNodeID < subs[j].QueryNodeID
		}
		return subs[i].QueryID < subs[j].QueryID
	})
}
