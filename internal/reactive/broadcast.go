package reactive

import (
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/models"
)

// Broadcast sends evt to every client of q. Clients that fail to receive are
// removed from q.
func (r *Registry) Broadcast(q *LiveQuery, evt models.ResultEvent) {
	msgType, payload, err := SerializeResult(evt)
	if err != nil {
		r.logger.Error("serializing result", zap.String("query_id", q.ID), zap.Error(err))
		return
	}

	q.Mu.Lock()
	if seq := evt.Sequence(); seq > q.lastSequence {
		q.lastSequence = seq
	}
	clients := make([]*Client, 0, len(q.Clients))
	for c := range q.Clients {
		clients = append(clients, c)
	}
	q.Mu.Unlock()

	var failed []*Client
	for _, c := range clients {
		if err := c.Send(msgType, payload); err != nil {
			r.logger.Warn("dropping live client",
				zap.String("query_id", q.ID), zap.String("subscription", c.ID), zap.Error(err))
			failed = append(failed, c)
		}
	}

	q.Mu.Lock()
	q.delivered += uint64(len(clients) - len(failed))
	q.Mu.Unlock()
	for _, c := range failed {
		r.Unsubscribe(q.ID, c)
	}
}
