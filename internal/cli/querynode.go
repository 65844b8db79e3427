package cli

import (
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/actor"
	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/engine"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/publishapi"
	"github.com/zoravur/continuum/internal/queryhost"
	"github.com/zoravur/continuum/internal/reactive"
	"github.com/zoravur/continuum/internal/view"
)

// actorKeySpec is the state key every actor persists its spec under.
const actorKeySpec = "spec"

// NewQueryHostCommand creates the query-host command.
func NewQueryHostCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query-host",
		Short: "Host the continuous queries of one container partition",
		Long: `Host the query actors of a query container partition. Each configured query
bootstraps from its sources and then processes the container's publish
stream, writing results to {queryId}-results.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQueryHost(cmd, rootOpts)
		},
	}
}

func runQueryHost(cmd *cobra.Command, rootOpts *RootOptions) error {
	ctx := cmd.Context()
	p, err := newProcess(rootOpts, "query-host", defaultPort)
	if err != nil {
		return err
	}
	qh := p.cfg.QueryHost
	if qh.ContainerID == "" {
		return p.abort(errMissing("query container id (QUERY_NODE_ID)"))
	}
	pool, err := p.postgres(ctx)
	if err != nil {
		return p.abort(err)
	}
	broker, err := p.broker(ctx)
	if err != nil {
		return p.abort(err)
	}
	hostName, _ := os.Hostname()

	rt, actors := p.actors(pool)
	actorType := queryhost.Register(rt, queryhost.Deps{
		ContainerID: qh.ContainerID,
		HostName:    hostName,
		Partition:   queryhost.PartitionSelector{ID: uint64(qh.PartitionID), Count: uint64(qh.PartitionCount)},
		Broker:      broker,
		Publisher:   bus.NewStreamPublisher(broker, p.clock),
		Sources:     &queryhost.HTTPSourceClient{Invoker: p.invoker(), Resolver: p.resolver(), Client: http.DefaultClient},
		Sequences:   persistence.NewPgSequenceStore(pool),
		Engines:     engine.ProjectionBuilder,
		Actors:      actors,
		Consumer:    qh.Consumer,
		BufferSize:  qh.BufferSize,
		BatchSize:   qh.BatchSize,
		Logger:      p.logger,
		Clock:       p.clock,
		Metrics:     p.metrics,
	})
	if err := rt.ActivateAll(ctx, actorType, actorKeySpec); err != nil {
		p.logger.Error("restoring queries", zap.String("type", actorType), zap.Error(err))
	}

	r := p.router()
	r.Handle("/actors/*", actor.Routes(rt))
	return p.run(ctx, r)
}

// NewViewCommand creates the view command.
func NewViewCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Maintain the result views of a query container",
		Long: `Host the view actors of a query container. Views record the results of
each query, serve them over HTTP and stream live changes to websocket
subscribers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runView(cmd, rootOpts)
		},
	}
}

func runView(cmd *cobra.Command, rootOpts *RootOptions) error {
	ctx := cmd.Context()
	p, err := newProcess(rootOpts, "view", defaultPort)
	if err != nil {
		return err
	}
	vc := p.cfg.View
	if vc.ContainerID == "" {
		return p.abort(errMissing("query container id (QUERY_NODE_ID)"))
	}
	pool, err := p.postgres(ctx)
	if err != nil {
		return p.abort(err)
	}
	broker, err := p.broker(ctx)
	if err != nil {
		return p.abort(err)
	}

	store := view.NewPgStore(pool, p.clock)
	hub := bus.NewHub(p.logger)
	live := reactive.NewRegistry(hub, p.logger)
	p.server.OnShutdown(func() error {
		live.Close()
		return nil
	})

	rt, _ := p.actors(pool)
	actorType := view.Register(rt, view.Deps{
		ContainerID: vc.ContainerID,
		Broker:      broker,
		Store:       store,
		Hub:         hub,
		BufferSize:  p.cfg.QueryHost.BufferSize,
		BatchSize:   p.cfg.QueryHost.BatchSize,
		Logger:      p.logger,
		Clock:       p.clock,
		Metrics:     p.metrics,
	})
	if err := rt.ActivateAll(ctx, actorType, actorKeySpec); err != nil {
		p.logger.Error("restoring views", zap.String("type", actorType), zap.Error(err))
	}
	p.server.Add("view-gc", view.StartCollector(store, vc.GCInterval, p.logger, p.clock))

	r := p.router()
	r.Handle("/actors/*", actor.Routes(rt))
	(&view.Handler{Store: store, Live: live}).Routes(r)
	return p.run(ctx, r)
}

// NewPublishAPICommand creates the publish-api command.
func NewPublishAPICommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "publish-api",
		Short: "Accept dispatched changes for a query container",
		Long: `Serve the publish API of a query container. Changes posted by source
dispatchers are appended to the container's publish stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPublishAPI(cmd, rootOpts)
		},
	}
}

func runPublishAPI(cmd *cobra.Command, rootOpts *RootOptions) error {
	ctx := cmd.Context()
	p, err := newProcess(rootOpts, "publish-api", defaultPublishAPIPort)
	if err != nil {
		return err
	}
	nodeID := p.cfg.PublishAPI.QueryNodeID
	if nodeID == "" {
		return p.abort(errMissing("query container id (QUERY_NODE_ID)"))
	}
	broker, err := p.broker(ctx)
	if err != nil {
		return p.abort(err)
	}
	srv := publishapi.New(nodeID, bus.NewStreamPublisher(broker, p.clock))
	return p.run(ctx, srv.Routes(p.logger))
}
