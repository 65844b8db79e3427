// Package sourceapi is the query-api of a source: it records query
// subscriptions on the source change stream and serves their bootstrap data.
package sourceapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/httpx"
	"github.com/zoravur/continuum/internal/invoke"
	"github.com/zoravur/continuum/internal/logutil"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/router"
)

// AppID is the app id of the query-api of a source.
func AppID(sourceID string) string {
	return sourceID + "-query-api"
}

// ProxyAppID is the app id of the service serving a source's bootstrap data.
func ProxyAppID(sourceID string) string {
	return sourceID + "-proxy"
}

// Bootstrapper produces the NDJSON snapshot of the elements a subscription
// asks for.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, req models.SubscriptionRequest) (io.ReadCloser, error)
}

// RemoteBootstrapper reads the snapshot from a proxy service.
type RemoteBootstrapper struct {
	Invoker invoke.Invoker
	AppID   string
}

func (b RemoteBootstrapper) Bootstrap(ctx context.Context, req models.SubscriptionRequest) (io.ReadCloser, error) {
	return b.Invoker.Stream(ctx, b.AppID, "acquire", req)
}

type Server struct {
	sourceID     string
	publisher    bus.Publisher
	bootstrapper Bootstrapper
	clock        clock.Clock
}

func New(sourceID string, publisher bus.Publisher, bootstrapper Bootstrapper, clk clock.Clock) *Server {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Server{sourceID: sourceID, publisher: publisher, bootstrapper: bootstrapper, clock: clk}
}

func (s *Server) Routes(logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.LoggingMiddleware(logger))
	r.Post("/subscription", s.handleSubscribe)
	r.Delete("/subscription/{queryNodeId}/{queryId}", s.handleUnsubscribe)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req models.SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, errors.NewNotValid(err, "invalid subscription request"))
		return
	}
	if req.QueryNodeID == "" || req.QueryID == "" {
		httpx.WriteError(w, r, http.StatusBadRequest, errors.NotValidf("subscription without queryNodeId or queryId"))
		return
	}
	log := logutil.FromContext(r.Context()).With(
		zap.String("query_node_id", req.QueryNodeID), zap.String("query_id", req.QueryID))

	if err := s.publishControl(r.Context(), models.OpInsert, nil, req); err != nil {
		httpx.WriteError(w, r, http.StatusBadGateway, err)
		return
	}
	log.Info("subscription recorded",
		zap.Strings("node_labels", req.NodeLabels), zap.Strings("rel_labels", req.RelLabels))

	body, err := s.bootstrapper.Bootstrap(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadGateway, errors.Annotate(err, "bootstrap"))
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	n, err := copyFlushing(w, body)
	if err != nil {
		log.Warn("bootstrap stream interrupted", zap.Int64("bytes", n), zap.Error(err))
		return
	}
	log.Debug("bootstrap streamed", zap.Int64("bytes", n))
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	sub := models.Subscription{
		QueryNodeID: chi.URLParam(r, "queryNodeId"),
		QueryID:     chi.URLParam(r, "queryId"),
	}
	if err := s.publishControl(r.Context(), models.OpDelete, sub, nil); err != nil {
		httpx.WriteError(w, r, http.StatusBadGateway, err)
		return
	}
	logutil.FromContext(r.Context()).Info("subscription removed",
		zap.String("query_node_id", sub.QueryNodeID), zap.String("query_id", sub.QueryID))
	w.WriteHeader(http.StatusOK)
}

// publishControl appends a subscription control event to the source change
// stream, where the router picks it up in order with the data changes.
func (s *Server) publishControl(ctx context.Context, op models.Op, before, after any) error {
	encode := func(v any) (json.RawMessage, error) {
		if v == nil {
			return nil, nil
		}
		return json.Marshal(v)
	}
	b, err := encode(before)
	if err != nil {
		return errors.Trace(err)
	}
	a, err := encode(after)
	if err != nil {
		return errors.Trace(err)
	}

	now := s.clock.Now()
	msg := models.SourceChangeMessage{
		Op:   op,
		TsMs: uint64(now.UnixMilli()),
		TsNs: uint64(now.UnixNano()),
		Payload: models.SourceChangePayload{
			Source: models.ChangeSource{
				DB:    models.SubscriptionDB,
				Table: models.SubscriptionTable,
				TsMs:  uint64(now.UnixMilli()),
			},
			Before: b,
			After:  a,
		},
	}
	_, err = s.publisher.Publish(ctx, router.ChangeTopic(s.sourceID), []models.SourceChangeMessage{msg})
	return errors.Trace(err)
}

func copyFlushing(w http.ResponseWriter, r io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
