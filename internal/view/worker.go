package view

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/metrics"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/stream"
	"github.com/zoravur/continuum/internal/tracing"
)

// Group is the consumer group of view workers on result streams.
const Group = "view-svc"

type WorkerConfig struct {
	QueryID string
	Spec    models.ViewSpec

	Broker stream.Broker
	Store  Store
	// Hub, when set, receives every result event after it is recorded.
	Hub *bus.Hub

	BufferSize int
	BatchSize  int

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Collector
}

// Worker records the result stream of one query into its view.
type Worker struct {
	cfg    WorkerConfig
	logger *zap.Logger
	tomb   tomb.Tomb

	mu     sync.Mutex
	policy models.RetentionPolicy
}

func StartWorker(cfg WorkerConfig) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	w := &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("query_id", cfg.QueryID)),
		policy: cfg.Spec.RetentionPolicy,
	}
	w.tomb.Go(w.run)
	return w
}

// Reconfigure changes the retention policy of the view.
func (w *Worker) Reconfigure(ctx context.Context, spec models.ViewSpec) error {
	w.mu.Lock()
	w.policy = spec.RetentionPolicy
	w.mu.Unlock()
	return errors.Trace(w.cfg.Store.SetRetentionPolicy(ctx, w.cfg.QueryID, spec.RetentionPolicy))
}

func (w *Worker) Stop() error {
	w.tomb.Kill(nil)
	return w.tomb.Wait()
}

func (w *Worker) Dead() <-chan struct{} {
	return w.tomb.Dead()
}

// Failed reports whether the worker ended on an error.
func (w *Worker) Failed() bool {
	select {
	case <-w.tomb.Dead():
		return w.tomb.Err() != nil
	default:
		return false
	}
}

func (w *Worker) currentPolicy() models.RetentionPolicy {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.policy
}

func (w *Worker) run() error {
	ctx := w.tomb.Context(nil)
	w.logger.Info("view worker starting")
	if err := w.cfg.Store.InitView(ctx, w.cfg.QueryID, w.currentPolicy()); err != nil {
		return errors.Annotate(err, "initializing view")
	}

	in, err := stream.Open[models.ResultEvent](ctx, w.cfg.Broker, stream.Options{
		Stream:     bus.ResultsTopic(w.cfg.QueryID),
		Group:      Group,
		Consumer:   Group,
		BufferSize: w.cfg.BufferSize,
		BatchSize:  w.cfg.BatchSize,
		Logger:     w.logger,
		Clock:      w.cfg.Clock,
		Metrics:    w.cfg.Metrics,
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer in.Close()

	err = stream.Consume(ctx, in, w.handle)
	w.logger.Info("view worker stopped")
	return errors.Trace(err)
}

func (w *Worker) handle(ctx context.Context, msg *stream.Message[models.ResultEvent]) error {
	ctx, span := tracing.StartSpan(ctx, "process_message", msg.TraceParent, msg.TraceState)
	defer span.End()

	evt := msg.Data
	queryID := w.cfg.QueryID
	switch {
	case evt.Change != nil:
		if err := w.cfg.Store.RecordChange(ctx, queryID, *evt.Change); err != nil {
			return errors.Annotatef(err, "recording change %d", evt.Change.Sequence)
		}
		c := evt.Change
		w.cfg.Metrics.RowsRecorded(queryID, len(c.AddedResults)+len(c.UpdatedResults)+len(c.DeletedResults))
	case evt.Control != nil:
		if err := w.control(ctx, *evt.Control); err != nil {
			return err
		}
	}
	if w.cfg.Hub != nil {
		w.cfg.Hub.PublishResult(evt)
	}
	return nil
}

func (w *Worker) control(ctx context.Context, c models.ResultControl) error {
	queryID := w.cfg.QueryID
	w.logger.Info("control event", zap.String("signal", string(c.ControlSignal)), zap.Uint64("sequence", c.Sequence))
	switch c.ControlSignal {
	case models.SignalBootstrapStarted:
		// the query is rebuilding its result set from scratch
		if err := w.cfg.Store.DeleteView(ctx, queryID); err != nil {
			return errors.Annotate(err, "clearing view")
		}
		if err := w.cfg.Store.InitView(ctx, queryID, w.currentPolicy()); err != nil {
			return errors.Annotate(err, "initializing view")
		}
	case models.SignalQueryDeleted:
		if err := w.cfg.Store.DeleteView(ctx, queryID); err != nil {
			return errors.Annotate(err, "deleting view")
		}
		w.logger.Info("view deleted")
		return nil
	}
	if err := w.cfg.Store.SetState(ctx, queryID, c.Sequence, c.SourceTimeMs, c.ControlSignal.Display()); err != nil {
		w.logger.Warn("recording view state", zap.Error(err))
	}
	return nil
}
