package cli

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/api"
	"github.com/zoravur/continuum/internal/domain"
	"github.com/zoravur/continuum/internal/metrics"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/reconciler"
)

const healthTimeout = 3 * time.Second

// NewManagementCommand creates the mgmt command.
func NewManagementCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mgmt",
		Short: "Run the management API and resource reconcilers",
		Long: `Serve the management API. Resources are stored in Postgres and reconciled
by resource actors hosted in this process, which check the services each
resource owns.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runManagement(cmd, rootOpts)
		},
	}
}

func runManagement(cmd *cobra.Command, rootOpts *RootOptions) error {
	ctx := cmd.Context()
	p, err := newProcess(rootOpts, "mgmt", api.DefaultPort)
	if err != nil {
		return err
	}
	pool, err := p.postgres(ctx)
	if err != nil {
		return p.abort(err)
	}
	broker, err := p.broker(ctx)
	if err != nil {
		return p.abort(err)
	}

	rt, actors := p.actors(pool)
	reconciler.RegisterAll(rt, reconciler.Options{
		HealthPeriod: p.cfg.Management.HealthInterval,
		Checkers:     reconciler.HealthCheckers(p.resolver(), &http.Client{Timeout: healthTimeout}),
	})
	for _, actorType := range []string{reconciler.SourceActorType, reconciler.ReactionActorType, reconciler.QueryContainerActorType} {
		if err := rt.ActivateAll(ctx, actorType, reconciler.KeySpec); err != nil {
			p.logger.Error("restoring resources", zap.String("type", actorType), zap.Error(err))
		}
	}

	deps := domain.Deps{
		Actors: actors,
		Cache:  domain.NewStatusCache(p.cfg.Management.StatusCacheSize, p.cfg.Management.StatusCacheTTL),
		Clock:  p.clock,
		Logger: p.logger,
	}
	sourceProviders := persistence.NewPgRepository[models.ProviderSpec](pool, persistence.CollectionSourceSchemas)
	reactionProviders := persistence.NewPgRepository[models.ProviderSpec](pool, persistence.CollectionReactionSchemas)
	containers := persistence.NewPgRepository[models.QueryContainerSpec](pool, persistence.CollectionQueryContainers)
	invoker := p.invoker()

	mh, err := metrics.Handler(p.metrics)
	if err != nil {
		return p.abort(err)
	}
	srv := &api.Server{
		Sources: domain.NewSourceService(
			persistence.NewPgRepository[models.SourceSpec](pool, persistence.CollectionSources), sourceProviders, invoker, deps),
		Reactions: domain.NewReactionService(
			persistence.NewPgRepository[models.ReactionSpec](pool, persistence.CollectionReactions), reactionProviders, invoker, deps),
		QueryContainers: domain.NewQueryContainerService(containers, deps),
		Queries: domain.NewQueryService(
			persistence.NewPgRepository[models.QuerySpec](pool, persistence.CollectionQueries), containers, deps),
		SourceProviders:   domain.NewProviderService(domain.SourceProvider, sourceProviders, p.logger),
		ReactionProviders: domain.NewProviderService(domain.ReactionProvider, reactionProviders, p.logger),
		Debug:             domain.NewDebugService(containers, domain.NewResultService(broker, p.clock, p.logger), deps),
		Metrics:           mh,
	}
	p.server.Handler = srv.Routes(p.logger)
	return p.server.Run(ctx)
}
