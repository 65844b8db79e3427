package bus

import (
	"github.com/juju/pubsub/v2"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/logutil"
	"github.com/zoravur/continuum/internal/models"
)

// Hub is the in-process bus for result events. Handlers run on the hub's
// goroutines and must not block.
type Hub struct {
	hub *pubsub.SimpleHub
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.L()
	}
	return &Hub{hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: logutil.NewHubLogger(logger),
	})}
}

// ResultsTopic is the hub topic carrying the result events of queryID.
func ResultsTopic(queryID string) string {
	return queryID + "-results"
}

// PublishResult fans evt out to local subscribers of its query.
func (h *Hub) PublishResult(evt models.ResultEvent) {
	_ = h.hub.Publish(ResultsTopic(evt.QueryID()), evt)
}

// SubscribeResults calls fn for each result event of queryID. The returned
// func unsubscribes.
func (h *Hub) SubscribeResults(queryID string, fn func(models.ResultEvent)) func() {
	return h.hub.Subscribe(ResultsTopic(queryID), func(_ string, data interface{}) {
		if evt, ok := data.(models.ResultEvent); ok {
			fn(evt)
		}
	})
}
