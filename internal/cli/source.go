package cli

import (
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/dispatch"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/router"
	"github.com/zoravur/continuum/internal/sourceapi"
	"github.com/zoravur/continuum/internal/wal"
)

func errMissing(what string) error {
	return errors.Errorf("%s is required", what)
}

// NewRouterCommand creates the change-router command.
func NewRouterCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "change-router",
		Short: "Route source changes to subscribed queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := newProcess(rootOpts, "change-router", defaultPort)
			if err != nil {
				return err
			}
			sourceID := p.cfg.Router.SourceID
			if sourceID == "" {
				return p.abort(errMissing("source id (SOURCE_ID)"))
			}
			pool, err := p.postgres(ctx)
			if err != nil {
				return p.abort(err)
			}
			broker, err := p.broker(ctx)
			if err != nil {
				return p.abort(err)
			}
			rtr := router.New(router.Config{
				SourceID:   sourceID,
				Broker:     broker,
				Publisher:  bus.NewStreamPublisher(broker, p.clock),
				Store:      persistence.NewPgSubscriptionStore(pool),
				BufferSize: p.cfg.QueryHost.BufferSize,
				BatchSize:  p.cfg.QueryHost.BatchSize,
				Logger:     p.logger,
				Clock:      p.clock,
				Metrics:    p.metrics,
			})
			if err := rtr.Start(ctx); err != nil {
				return p.abort(err)
			}
			p.server.Add("change-router", rtr)
			return p.run(ctx, p.router())
		},
	}
}

// NewDispatcherCommand creates the change-dispatcher command.
func NewDispatcherCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "change-dispatcher",
		Short: "Deliver routed changes to query container publish APIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := newProcess(rootOpts, "change-dispatcher", defaultPort)
			if err != nil {
				return err
			}
			sourceID := p.cfg.Dispatcher.SourceID
			if sourceID == "" {
				return p.abort(errMissing("source id (SOURCE_ID)"))
			}
			broker, err := p.broker(ctx)
			if err != nil {
				return p.abort(err)
			}
			d := dispatch.New(dispatch.Config{
				SourceID:   sourceID,
				Broker:     broker,
				Invoker:    p.invoker(),
				BufferSize: p.cfg.QueryHost.BufferSize,
				BatchSize:  p.cfg.QueryHost.BatchSize,
				Logger:     p.logger,
				Clock:      p.clock,
				Metrics:    p.metrics,
			})
			if err := d.Start(ctx); err != nil {
				return p.abort(err)
			}
			p.server.Add("change-dispatcher", d)
			return p.run(ctx, p.router())
		},
	}
}

// NewSourceAPICommand creates the query-api command of a source.
func NewSourceAPICommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query-api",
		Short: "Serve query subscriptions and bootstrap data of a source",
		Long: `Serve the query API of a source. Subscriptions are recorded on the source
change stream and answered with the bootstrap data read from the source's
proxy ({sourceId}-proxy, or source.proxyUrl when set).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := newProcess(rootOpts, "query-api", defaultPort)
			if err != nil {
				return err
			}
			sc := p.cfg.Source
			if sc.SourceID == "" {
				return p.abort(errMissing("source id (SOURCE_ID)"))
			}
			broker, err := p.broker(ctx)
			if err != nil {
				return p.abort(err)
			}
			proxyApp := sourceapi.ProxyAppID(sc.SourceID)
			if sc.ProxyURL != "" {
				if p.cfg.Invoke.Overrides == nil {
					p.cfg.Invoke.Overrides = map[string]string{}
				}
				p.cfg.Invoke.Overrides[proxyApp] = sc.ProxyURL
			}
			srv := sourceapi.New(sc.SourceID, bus.NewStreamPublisher(broker, p.clock),
				sourceapi.RemoteBootstrapper{Invoker: p.invoker(), AppID: proxyApp}, p.clock)
			return p.run(ctx, srv.Routes(p.logger))
		},
	}
}

// NewReactivatorCommand creates the reactivator command.
func NewReactivatorCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reactivator",
		Short: "Publish the changes of a Postgres database as source changes",
		Long: `Follow a wal2json logical replication slot on the source database and
publish the changes of the configured tables to {sourceId}-change. Each
table becomes a node label; rows are identified by their primary key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := newProcess(rootOpts, "reactivator", defaultPort)
			if err != nil {
				return err
			}
			sc := p.cfg.Source
			if sc.SourceID == "" || sc.DatabaseURL == "" {
				return p.abort(errMissing("source id and database url"))
			}
			tables, err := wal.ParseTables(sc.Tables)
			if err != nil {
				return p.abort(err)
			}
			broker, err := p.broker(ctx)
			if err != nil {
				return p.abort(err)
			}
			r := wal.NewReactivator(wal.ReactivatorConfig{
				SourceID:        sc.SourceID,
				DatabaseURL:     sc.DatabaseURL,
				Slot:            sc.Slot,
				Tables:          tables,
				StandbyInterval: sc.StandbyInterval,
				Publisher:       bus.NewStreamPublisher(broker, p.clock),
				Logger:          p.logger,
				Clock:           p.clock,
			})
			r.Start()
			p.server.Add("reactivator", r)
			return p.run(ctx, p.router())
		},
	}
}

// NewProxyCommand creates the proxy command.
func NewProxyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "proxy",
		Short: "Serve bootstrap snapshots of a Postgres source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := newProcess(rootOpts, "proxy", defaultPort)
			if err != nil {
				return err
			}
			sc := p.cfg.Source
			if sc.DatabaseURL == "" {
				return p.abort(errMissing("source database url (SOURCE_DATABASE_URL)"))
			}
			tables, err := wal.ParseTables(sc.Tables)
			if err != nil {
				return p.abort(err)
			}
			pool, err := persistence.Connect(ctx, sc.DatabaseURL)
			if err != nil {
				return p.abort(errors.Annotate(err, "source database"))
			}
			p.server.OnShutdown(func() error {
				pool.Close()
				return nil
			})
			return p.run(ctx, wal.NewProxy(pool, tables).Routes(p.logger))
		},
	}
}
