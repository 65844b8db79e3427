package cli

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/actor"
	"github.com/zoravur/continuum/internal/app"
	"github.com/zoravur/continuum/internal/config"
	"github.com/zoravur/continuum/internal/httpx"
	"github.com/zoravur/continuum/internal/invoke"
	"github.com/zoravur/continuum/internal/logutil"
	"github.com/zoravur/continuum/internal/metrics"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/stream"
	"github.com/zoravur/continuum/internal/tracing"
)

const (
	defaultPort           = 8080
	defaultPublishAPIPort = 4000
)

// process is the shared setup of a role: configuration, logger, tracing,
// metrics and the runner that owns shutdown.
type process struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
	clock   clock.Clock
	server  *app.Server
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	return cfg, nil
}

func newProcess(opts *RootOptions, role string, port int) (*process, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := logutil.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, errors.Trace(err)
	}
	zap.ReplaceGlobals(logger)
	logger = logger.With(zap.String("role", role))

	tp := tracing.Setup("continuum-" + role)
	p := &process{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(),
		clock:   clock.WallClock,
		server: &app.Server{
			Name:            role,
			Addr:            cfg.ListenAddr(port),
			ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
			Logger:          logger,
		},
	}
	p.server.OnShutdown(func() error { return tp.Shutdown(context.Background()) })
	p.server.OnShutdown(func() error {
		_ = logger.Sync()
		return nil
	})
	return p, nil
}

// run serves handler, adding /metrics, until the process is told to stop.
func (p *process) run(ctx context.Context, handler http.Handler) error {
	mh, err := metrics.Handler(p.metrics)
	if err != nil {
		return errors.Trace(err)
	}
	r := chi.NewRouter()
	r.Handle("/metrics", mh)
	r.Mount("/", handler)
	p.server.Handler = r
	return p.server.Run(ctx)
}

// router is the base router of roles without their own HTTP surface.
func (p *process) router() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.LoggingMiddleware(p.logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

// broker connects to Redis and closes the client on shutdown.
func (p *process) broker(ctx context.Context) (stream.Broker, error) {
	b, err := stream.NewRedisBroker(p.cfg.Redis.URL)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := b.Ping(ctx); err != nil {
		_ = b.Close()
		return nil, errors.Annotatef(err, "connecting to %s", p.cfg.Redis.URL)
	}
	p.server.OnShutdown(b.Close)
	return b, nil
}

// postgres opens the platform database, migrating it first when configured.
func (p *process) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if p.cfg.Postgres.Migrate {
		if err := persistence.Migrate(ctx, p.cfg.Postgres.URL); err != nil {
			return nil, errors.Annotate(err, "migrating database")
		}
	}
	pool, err := persistence.Connect(ctx, p.cfg.Postgres.URL)
	if err != nil {
		return nil, errors.Trace(err)
	}
	p.server.OnShutdown(func() error {
		pool.Close()
		return nil
	})
	return pool, nil
}

func (p *process) resolver() invoke.Resolver {
	return invoke.Resolver{Template: p.cfg.Invoke.Template, Overrides: p.cfg.Invoke.Overrides}
}

func (p *process) invoker() *invoke.HTTPInvoker {
	return invoke.NewHTTPInvoker(http.DefaultClient, p.resolver())
}

// actors builds a runtime backed by the database and a client that reaches
// the types it does not host through the configured placement.
func (p *process) actors(pool *pgxpool.Pool) (*actor.Runtime, *actor.Client) {
	rt := actor.NewRuntime(actor.Config{
		State:  persistence.NewActorState(pool),
		Clock:  p.clock,
		Logger: p.logger,
	})
	p.server.OnShutdown(func() error {
		rt.Stop()
		return nil
	})
	client := actor.NewClient(rt, &http.Client{Timeout: p.cfg.Actors.Timeout}, actor.Placement{
		Hosts:    p.cfg.Actors.Hosts,
		Template: p.cfg.Actors.Template,
	})
	return rt, client
}

// abort releases what was set up so far and returns err.
func (p *process) abort(err error) error {
	p.server.Close()
	return err
}
