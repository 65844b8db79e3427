package view

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/httpx"
	"github.com/zoravur/continuum/internal/logutil"
	"github.com/zoravur/continuum/internal/protocol"
	"github.com/zoravur/continuum/internal/reactive"
)

// Handler serves views.
//
//	GET /{queryId}?timestamp=ms   header element followed by the rows
//	GET /ws                       live subscriptions, see package protocol
type Handler struct {
	Store Store
	// Live, when set, enables the websocket endpoint.
	Live *reactive.Registry
}

func (h *Handler) Routes(r chi.Router) {
	if h.Live != nil {
		r.Get("/ws", h.handleWS)
	}
	r.Get("/{queryId}", h.handleGet)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryId")
	var ts *uint64
	if raw := r.URL.Query().Get("timestamp"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, errors.Errorf("invalid timestamp %q", raw))
			return
		}
		ts = &v
	}

	snap, err := h.Store.GetView(r.Context(), queryID, ts)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	aw := httpx.NewArrayWriter(w)
	for _, el := range snap.Elements() {
		if err := aw.Write(el); err != nil {
			logutil.FromContext(r.Context()).Warn("streaming view", zap.String("query_id", queryID), zap.Error(err))
			return
		}
	}
	_ = aw.Close()
}

func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	h.Live.ServeWS(w, r, h.prime)
}

// prime sends the current view of queryID as a snapshot.
func (h *Handler) prime(ctx context.Context, queryID string, send func(string, any) error) (uint64, error) {
	snap, err := h.Store.GetView(ctx, queryID, nil)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if err := send(protocol.TypeSnapshot, snap.Elements()); err != nil {
		return 0, errors.Trace(err)
	}
	return snap.Header.Sequence, nil
}
