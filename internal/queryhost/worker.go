package queryhost

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/engine"
	"github.com/zoravur/continuum/internal/metrics"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/publishapi"
	"github.com/zoravur/continuum/internal/stream"
	"github.com/zoravur/continuum/internal/tracing"
	"github.com/zoravur/continuum/internal/view"
)

const cleanupTimeout = 30 * time.Second

// ActorCaller calls a method on an actor. *actor.Client implements it.
type ActorCaller interface {
	Call(ctx context.Context, actorType, id, method string, body, out any) error
}

// WorkerConfig holds what a worker needs to run one query in one partition.
type WorkerConfig struct {
	ContainerID string
	QueryID     string
	Spec        models.QuerySpec
	Partition   PartitionSelector
	Lifecycle   *Lifecycle

	Broker    stream.Broker
	Publisher bus.Publisher
	Sources   SourceClient
	Sequences persistence.SequenceStore
	Engines   engine.Builder
	Actors    ActorCaller

	Consumer   string
	BufferSize int
	BatchSize  int

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Collector
}

// Worker bootstraps a query and then processes its changes from the
// container's publish stream, one at a time.
type Worker struct {
	cfg    WorkerConfig
	logger *zap.Logger
	tomb   tomb.Tomb

	engine   engine.Engine
	seq      *SequenceManager
	deleting atomic.Bool
}

// NewWorker builds a worker. It does nothing until Start.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Engines == nil {
		cfg.Engines = engine.ProjectionBuilder
	}
	return &Worker{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("query_id", cfg.QueryID), zap.Uint64("partition", cfg.Partition.ID)),
	}
}

func (w *Worker) Start() {
	w.tomb.Go(w.run)
}

// Topic is the stream the worker consumes.
func (w *Worker) Topic() string {
	return publishapi.PublishTopic(w.cfg.ContainerID)
}

// Group is the consumer group of the query on the publish stream.
func (w *Worker) Group() string {
	return w.cfg.QueryID + w.cfg.Partition.Suffix()
}

func (w *Worker) Dead() <-chan struct{} {
	return w.tomb.Dead()
}

// Stop ends processing. Unacknowledged changes stay pending for the next run.
func (w *Worker) Stop() error {
	w.tomb.Kill(nil)
	return w.tomb.Wait()
}

// Delete stops the worker and removes everything the query owns: engine
// state, stream consumer, source subscriptions, view and sequence. A deleted
// signal ends the result stream.
func (w *Worker) Delete(ctx context.Context) error {
	w.deleting.Store(true)
	w.tomb.Kill(nil)
	if err := w.tomb.Wait(); err != nil {
		w.logger.Warn("worker ended with error", zap.Error(err))
	}
	return w.cleanup(ctx)
}

func (w *Worker) run() error {
	ctx := w.tomb.Context(nil)
	lc := w.cfg.Lifecycle
	startMs := uint64(w.cfg.Clock.Now().UnixMilli())
	w.logger.Info("query worker starting", zap.Stringer("state", lc.State()))

	futures := NewFutureConsumer(w.cfg.Publisher, w.Topic(), w.cfg.QueryID, w.logger, w.cfg.Clock)
	eng, err := w.cfg.Engines.Build(ctx, w.cfg.QueryID, w.cfg.Spec, futures)
	if err != nil {
		w.logger.Error("building query", zap.Error(err))
		lc.Set(models.TerminalError(err.Error()))
		return nil
	}
	w.engine = eng

	if err := w.configureView(ctx); err != nil {
		w.logger.Error("configuring result view", zap.Error(err))
		lc.Set(models.TransientError(err.Error()))
		return nil
	}

	seq, err := LoadSequence(ctx, w.cfg.Sequences, w.cfg.QueryID)
	if err != nil {
		lc.Set(models.TransientError(err.Error()))
		return nil
	}
	w.seq = seq
	w.logger.Info("query sequence loaded", zap.Uint64("sequence", seq.Current().Sequence))

	if !lc.Bootstrapped() || engine.IsVolatile(eng) {
		lc.SetBootstrapped(false)
		lc.Set(models.NewState(models.StateBootstrapping))
		if err := w.bootstrap(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("bootstrapping query", zap.Error(err))
			lc.Set(models.TransientError(err.Error()))
			return nil
		}
		lc.SetBootstrapped(true)
	}

	in, err := stream.Open[models.ChangeEvent](ctx, w.cfg.Broker, stream.Options{
		Stream:     w.Topic(),
		Group:      w.Group(),
		Consumer:   w.cfg.Consumer,
		BufferSize: w.cfg.BufferSize,
		BatchSize:  w.cfg.BatchSize,
		StartAtMs:  startMs,
		Logger:     w.logger,
		Clock:      w.cfg.Clock,
		Metrics:    w.cfg.Metrics,
	})
	if err != nil {
		lc.Set(models.TransientError(err.Error()))
		return nil
	}
	defer in.Close()

	lc.Set(models.NewState(models.StateRunning))
	w.cfg.Metrics.QueryStarted()
	defer w.cfg.Metrics.QueryStopped()
	if err := w.publishControl(ctx, models.SignalRunning); err != nil {
		w.logger.Error("publishing running signal", zap.Error(err))
	}

	err = stream.Consume(ctx, in, w.handle)
	var msgErr *stream.MessageError
	switch {
	case err == nil || ctx.Err() != nil:
	case errors.As(err, &msgErr):
		w.logger.Error("invalid change blocks the query", zap.String("id", msgErr.ID), zap.Error(err))
		lc.Set(models.TerminalError(msgErr.Error()))
	default:
		w.logger.Error("processing change", zap.Error(err))
		lc.Set(models.TransientError(err.Error()))
	}

	if !w.deleting.Load() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := w.publishControl(stopCtx, models.SignalStopped); err != nil {
			w.logger.Error("publishing stopped signal", zap.Error(err))
		}
	}
	w.logger.Info("query worker stopped")
	return nil
}

func (w *Worker) bootstrap(ctx context.Context) error {
	if err := w.publishControl(ctx, models.SignalBootstrapStarted); err != nil {
		return errors.Annotate(err, "publishing bootstrap started")
	}
	if err := w.engine.Clear(ctx); err != nil {
		return errors.Annotate(err, "clearing engine")
	}

	var total int
	for _, sub := range w.cfg.Spec.Sources.Subscriptions {
		n, err := w.bootstrapSource(ctx, sub)
		if err != nil {
			return errors.Annotatef(err, "bootstrapping from %s", sub.ID)
		}
		total += n
	}

	if err := w.publishControl(ctx, models.SignalBootstrapCompleted); err != nil {
		return errors.Annotate(err, "publishing bootstrap completed")
	}
	w.logger.Info("bootstrap complete", zap.Int("elements", total))
	return nil
}

func (w *Worker) bootstrapSource(ctx context.Context, sub models.QuerySubscription) (int, error) {
	it, err := w.cfg.Sources.Subscribe(ctx, sub.ID, models.SubscriptionRequest{
		QueryNodeID: w.cfg.ContainerID,
		QueryID:     w.cfg.QueryID,
		NodeLabels:  sub.NodeLabels(),
		RelLabels:   sub.RelationLabels(),
	})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var n int
	for it.Next() {
		be := it.Element()
		if !w.cfg.Partition.IncludeElement(be, sub) {
			continue
		}
		el := be.ToElement(sub.ID, 0)
		delta, err := w.engine.Process(ctx, models.SourceChange{
			Op:        models.OpInsert,
			Element:   &el,
			Reference: el.Reference,
			Labels:    el.Labels,
		})
		if err != nil {
			return n, errors.Annotatef(err, "processing %s", el.Reference)
		}
		n++
		if delta.Empty() {
			continue
		}
		s, err := w.seq.Increment(ctx, "bootstrap")
		if err != nil {
			return n, err
		}
		if err := w.publish(ctx, resultChange(w.cfg.QueryID, s, 0, delta, nil)); err != nil {
			return n, err
		}
	}
	return n, it.Err()
}

func (w *Worker) handle(ctx context.Context, msg *stream.Message[models.ChangeEvent]) error {
	dequeueNs := uint64(w.cfg.Clock.Now().UnixNano())
	evt := msg.Data
	if !evt.HasQuery(w.cfg.QueryID) {
		w.logger.Debug("skipping change for another query", zap.String("id", msg.ID))
		return nil
	}
	if !w.included(evt) {
		w.logger.Debug("skipping change of another partition", zap.String("id", msg.ID))
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "process_change", msg.TraceParent, msg.TraceState)
	defer span.End()

	change, err := evt.ToSourceChange()
	if err != nil {
		// retrying cannot fix the entry
		return &stream.MessageError{ID: msg.ID, Reason: err.Error()}
	}
	start := w.cfg.Clock.Now()
	delta, err := w.engine.Process(ctx, change)
	if err != nil {
		return errors.Annotatef(err, "processing change %s", msg.ID)
	}
	end := w.cfg.Clock.Now()
	w.cfg.Metrics.ChangeProcessed(w.cfg.QueryID, end.Sub(start))
	if delta.Empty() {
		return nil
	}

	metadata := evt.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	tracking := models.TrackingQuery(metadata)
	tracking["dequeue_ns"] = dequeueNs
	if msg.EnqueueTime > 0 {
		tracking["enqueue_ns"] = msg.EnqueueTime * uint64(time.Millisecond)
	} else {
		tracking["enqueue_ns"] = nil
	}
	tracking["queryStart_ns"] = uint64(start.UnixNano())
	tracking["queryEnd_ns"] = uint64(end.UnixNano())

	s, err := w.seq.Increment(ctx, msg.ID)
	if err != nil {
		return err
	}
	return w.publish(ctx, resultChange(w.cfg.QueryID, s, change.TimeMs, delta, metadata))
}

// included applies the partition rule with the subscription of the change's
// source. Futures always belong to the partition that scheduled them.
func (w *Worker) included(evt models.ChangeEvent) bool {
	if !w.cfg.Partition.Partitioned() || evt.Op == models.OpFuture {
		return true
	}
	for _, sub := range w.cfg.Spec.Sources.Subscriptions {
		if sub.ID == evt.SourceID && w.cfg.Partition.Include(evt, sub) {
			return true
		}
	}
	return false
}

func (w *Worker) publishControl(ctx context.Context, signal models.ControlSignal) error {
	s, err := w.seq.Increment(ctx, "control")
	if err != nil {
		return err
	}
	evt := models.NewControlEvent(w.cfg.QueryID, s, uint64(w.cfg.Clock.Now().UnixMilli()), signal)
	return w.publish(ctx, evt)
}

// publish retries until the result is written or ctx ends.
func (w *Worker) publish(ctx context.Context, evt models.ResultEvent) error {
	topic := bus.ResultsTopic(w.cfg.QueryID)
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		_, err := w.cfg.Publisher.Publish(ctx, topic, evt)
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		w.logger.Warn("retrying result publish", zap.Error(err), zap.Duration("in", next))
	})
	if err != nil {
		return errors.Annotatef(err, "publishing result %d", evt.Sequence())
	}
	kind := "change"
	if evt.Control != nil {
		kind = string(evt.Control.ControlSignal)
	}
	w.cfg.Metrics.ResultPublished(w.cfg.QueryID, kind)
	return nil
}

func (w *Worker) configureView(ctx context.Context) error {
	if !w.cfg.Spec.View.Enabled || w.cfg.Actors == nil {
		return nil
	}
	return errors.Trace(w.cfg.Actors.Call(ctx, view.ActorType(w.cfg.ContainerID), w.cfg.QueryID, view.MethodConfigure, w.cfg.Spec.View, nil))
}

// cleanup runs after the worker goroutine has ended.
func (w *Worker) cleanup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	if w.engine != nil {
		if err := w.engine.Clear(ctx); err != nil {
			w.logger.Error("clearing engine", zap.Error(err))
		}
		_ = w.engine.Close()
	}
	if err := w.cfg.Broker.DelConsumer(ctx, w.Topic(), w.Group(), w.consumer()); err != nil {
		w.logger.Error("removing stream consumer", zap.Error(err))
	}
	for _, sub := range w.cfg.Spec.Sources.Subscriptions {
		if err := w.cfg.Sources.Unsubscribe(ctx, sub.ID, w.cfg.ContainerID, w.cfg.QueryID); err != nil {
			w.logger.Error("unsubscribing from source", zap.String("source_id", sub.ID), zap.Error(err))
		}
	}

	if w.seq == nil {
		seq, err := LoadSequence(ctx, w.cfg.Sequences, w.cfg.QueryID)
		if err != nil {
			return errors.Trace(err)
		}
		w.seq = seq
	}
	if err := w.publishControl(ctx, models.SignalQueryDeleted); err != nil {
		w.logger.Error("publishing deleted signal", zap.Error(err))
	}
	if w.cfg.Spec.View.Enabled && w.cfg.Actors != nil {
		err := w.cfg.Actors.Call(ctx, view.ActorType(w.cfg.ContainerID), w.cfg.QueryID, view.MethodDeprovision, nil, nil)
		if err != nil {
			w.logger.Error("deprovisioning result view", zap.Error(err))
		}
	}
	return errors.Trace(w.seq.Delete(ctx))
}

func (w *Worker) consumer() string {
	if w.cfg.Consumer == "" {
		return stream.DefaultConsumer
	}
	return w.cfg.Consumer
}

func resultChange(queryID string, seq, ts uint64, d engine.Delta, metadata map[string]any) models.ResultEvent {
	return models.NewChangeEvent(models.ResultChange{
		QueryID:        queryID,
		Sequence:       seq,
		SourceTimeMs:   ts,
		AddedResults:   d.Added,
		UpdatedResults: d.Updated,
		DeletedResults: d.Deleted,
		Metadata:       metadata,
	})
}
