// Package reactive tracks live websocket subscribers of query results and
// fans result events out to them.
package reactive

import "sync"

// LiveQuery is the set of clients following one query.
type LiveQuery struct {
	ID      string
	Clients map[*Client]struct{}
	Mu      sync.RWMutex

	lastSequence uint64
	delivered    uint64
	unsubscribe  func()
}

// LastSequence is the sequence of the latest event broadcast for the query.
func (q *LiveQuery) LastSequence() uint64 {
	q.Mu.RLock()
	defer q.Mu.RUnlock()
	return q.lastSequence
}

type Client struct {
	// ID is the subscription id chosen by the client.
	ID string
	// abstract over ws.Conn to avoid import cycles
	Send func(msgType string, payload any) error
}
