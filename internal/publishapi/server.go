// Package publishapi accepts dispatched changes over HTTP and appends them to
// the publish stream of a query container.
package publishapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/httpx"
	"github.com/zoravur/continuum/internal/logutil"
)

const DefaultPort = 4000

// PublishTopic is the stream consumed by the query hosts of a container.
func PublishTopic(queryNodeID string) string {
	return queryNodeID + "-publish"
}

type Server struct {
	queryNodeID string
	publisher   *bus.StreamPublisher
}

func New(queryNodeID string, publisher *bus.StreamPublisher) *Server {
	return &Server{queryNodeID: queryNodeID, publisher: publisher}
}

func (s *Server) Routes(logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.LoggingMiddleware(logger))
	r.Post("/change", s.handlePublish)
	r.Post("/data", s.handlePublish)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, errors.Annotate(err, "reading body"))
		return
	}
	if !json.Valid(body) {
		httpx.WriteError(w, r, http.StatusBadRequest, errors.NotValidf("JSON body"))
		return
	}

	id, err := s.publisher.PublishRaw(r.Context(), PublishTopic(s.queryNodeID), body,
		r.Header.Get("traceparent"), r.Header.Get("tracestate"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadGateway, err)
		return
	}
	logutil.FromContext(r.Context()).Debug("change published", zap.String("id", id))
	httpx.JSON(w, http.StatusOK, map[string]string{"id": id})
}
