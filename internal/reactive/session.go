package reactive

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/protocol"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Primer sends the initial state of queryID through send and returns the
// sequence it reflects. Live events at or below that sequence are skipped.
type Primer func(ctx context.Context, queryID string, send func(msgType string, payload any) error) (uint64, error)

// ServeWS upgrades r and serves protocol subscriptions on the connection
// until it closes.
func (r *Registry) ServeWS(w http.ResponseWriter, req *http.Request, prime Primer) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s := &session{
		reg:   r,
		conn:  conn,
		prime: prime,
		ctx:   req.Context(),
		subs:  make(map[string]*subscription),
	}
	defer s.close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		if err := protocol.HandleMessage(raw, s, s.write); err != nil {
			r.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

type session struct {
	reg   *Registry
	conn  *websocket.Conn
	prime Primer
	ctx   context.Context

	writeMu sync.Mutex
	mu      sync.Mutex
	subs    map[string]*subscription
}

// subscription holds live events back until the primer has run.
type subscription struct {
	id      string
	queryID string
	client  *Client

	mu      sync.Mutex
	ready   bool
	after   uint64
	pending []liveEvent
}

type liveEvent struct {
	msgType string
	payload any
}

func (s *session) write(e protocol.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(e)
}

func (s *session) sender(id string) func(string, any) error {
	return func(msgType string, payload any) error {
		return s.write(protocol.Envelope{Message: protocol.Message{Type: msgType, ID: id}, Data: payload})
	}
}

func (s *session) Subscribe(id, queryID string) error {
	s.mu.Lock()
	if _, ok := s.subs[id]; ok {
		s.mu.Unlock()
		return errors.AlreadyExistsf("subscription %q", id)
	}
	sub := &subscription{id: id, queryID: queryID}
	send := s.sender(id)
	sub.client = &Client{ID: id, Send: func(msgType string, payload any) error {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		if !sub.ready {
			sub.pending = append(sub.pending, liveEvent{msgType, payload})
			return nil
		}
		if sequenceOf(payload) <= sub.after {
			return nil
		}
		return send(msgType, payload)
	}}
	s.subs[id] = sub
	s.mu.Unlock()

	s.reg.Subscribe(queryID, sub.client)

	var after uint64
	if s.prime != nil {
		seq, err := s.prime(s.ctx, queryID, send)
		if err != nil {
			s.Unsubscribe(id)
			return err
		}
		after = seq
	}
	if err := send(protocol.TypeSubscribed, map[string]string{"queryId": queryID}); err != nil {
		return errors.Trace(err)
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.ready = true
	sub.after = after
	for _, e := range sub.pending {
		if sequenceOf(e.payload) <= after {
			continue
		}
		if err := send(e.msgType, e.payload); err != nil {
			return errors.Trace(err)
		}
	}
	sub.pending = nil
	return nil
}

func (s *session) Unsubscribe(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		s.reg.Unsubscribe(sub.queryID, sub.client)
	}
}

func (s *session) close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = map[string]*subscription{}
	s.mu.Unlock()
	for _, sub := range subs {
		s.reg.Unsubscribe(sub.queryID, sub.client)
	}
	_ = s.conn.Close()
}

// sequenceOf reads the sequence of a serialized result event.
func sequenceOf(payload any) uint64 {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		return 0
	}
	var head struct {
		Sequence uint64 `json:"sequence"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.Sequence
}
