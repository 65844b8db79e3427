// Package api serves the management API: resource CRUD, readiness waits,
// provider registration and query debugging.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/httpx"
	"github.com/zoravur/continuum/internal/models"
)

const DefaultPort = 8080

// ResourceService is implemented by domain.StandardService and
// domain.ExtensibleService.
type ResourceService[TSpec, TStatus any] interface {
	Set(ctx context.Context, id string, spec TSpec) (models.Resource[TSpec, TStatus], error)
	Get(ctx context.Context, id string) (models.Resource[TSpec, TStatus], error)
	List(ctx context.Context) ([]models.Resource[TSpec, TStatus], error)
	Delete(ctx context.Context, id string) error
	WaitForReady(ctx context.Context, id string, timeout time.Duration) (bool, error)
}

type ProviderService interface {
	Set(ctx context.Context, id string, spec models.ProviderSpec) (models.ResourceProvider, error)
	Get(ctx context.Context, id string) (models.ResourceProvider, error)
	List(ctx context.Context) ([]models.ResourceProvider, error)
	Delete(ctx context.Context, id string) error
}

type Debugger interface {
	Debug(ctx context.Context, spec models.QuerySpec, emit func(models.ResultEvent) error) error
}

// Server holds the services behind the API. Nil services are not mounted.
type Server struct {
	Sources           ResourceService[models.SourceSpec, models.SourceStatus]
	Reactions         ResourceService[models.ReactionSpec, models.ReactionStatus]
	QueryContainers   ResourceService[models.QueryContainerSpec, models.QueryContainerStatus]
	Queries           ResourceService[models.QuerySpec, models.QueryStatus]
	SourceProviders   ProviderService
	ReactionProviders ProviderService
	Debug             Debugger
	Metrics           http.Handler
}

func (s *Server) Routes(logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.LoggingMiddleware(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.Debug != nil {
			r.Get("/debug", s.handleDebugWS)
		}
		if s.Sources != nil {
			mountResource(r, "/sources", s.Sources)
		}
		if s.Reactions != nil {
			mountResource(r, "/reactions", s.Reactions)
		}
		if s.QueryContainers != nil {
			mountResource(r, "/queryContainers", s.QueryContainers)
		}
		if s.Queries != nil {
			mountResource(r, "/continuousQueries", s.Queries, func(r chi.Router) {
				if s.Debug != nil {
					r.Post("/debug", s.handleDebug)
				}
			})
		}
		if s.SourceProviders != nil {
			mountProviders(r, "/sourceProviders", s.SourceProviders)
		}
		if s.ReactionProviders != nil {
			mountProviders(r, "/reactionProviders", s.ReactionProviders)
		}
	})
	return r
}
