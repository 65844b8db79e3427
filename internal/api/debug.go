package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/domain"
	"github.com/zoravur/continuum/internal/httpx"
	"github.com/zoravur/continuum/internal/logutil"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/protocol"
	"github.com/zoravur/continuum/internal/reactive"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleDebug streams the results of a transient run of the posted query as
// a JSON array.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	var spec models.QuerySpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, r, err)
		return
	}
	log := logutil.FromContext(r.Context())

	var out *httpx.ArrayWriter
	err := s.Debug.Debug(r.Context(), spec, func(evt models.ResultEvent) error {
		if out == nil {
			out = httpx.NewArrayWriter(w)
		}
		return out.Write(evt)
	})
	if out == nil {
		if err != nil {
			if errors.Is(err, domain.ErrCancelled) {
				return
			}
			writeError(w, r, err)
			return
		}
		out = httpx.NewArrayWriter(w)
	} else if err != nil && !errors.Is(err, domain.ErrCancelled) {
		log.Warn("debug stream ended with error", zap.Error(err))
	}
	if err := out.Close(); err != nil {
		log.Debug("closing debug stream", zap.Error(err))
	}
}

// handleDebugWS reads a query spec as the first message and sends every
// result as a CHANGE or CONTROL envelope, closing once the session ends.
func (s *Server) handleDebugWS(w http.ResponseWriter, r *http.Request) {
	log := logutil.FromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	send := func(env protocol.Envelope) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(env)
	}
	var spec models.QuerySpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		_ = send(protocol.Envelope{Message: protocol.Message{Type: protocol.TypeError}, Data: "invalid query spec"})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// any read, including the close frame, ends the session
		defer cancel()
		_, _, _ = conn.ReadMessage()
	}()

	err = s.Debug.Debug(ctx, spec, func(evt models.ResultEvent) error {
		msgType, data, err := reactive.SerializeResult(evt)
		if err != nil {
			return err
		}
		return send(protocol.Envelope{Message: protocol.Message{Type: msgType, ID: evt.QueryID()}, Data: data})
	})
	if err != nil && !errors.Is(err, domain.ErrCancelled) {
		_ = send(protocol.Envelope{Message: protocol.Message{Type: protocol.TypeError}, Data: err.Error()})
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
}
