package queryhost

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/zoravur/continuum/internal/actor"
	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/engine"
	"github.com/zoravur/continuum/internal/metrics"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/stream"
)

// Actor methods of a query.
const (
	MethodConfigure   = "configure"
	MethodGetStatus   = "getStatus"
	MethodDeprovision = "deprovision"
)

const (
	keySpec      = "spec"
	keyLifecycle = "lifecycle"

	retryReminder = "retry"
	// RetryPeriod is how often a query in a transient error restarts.
	RetryPeriod = 30 * time.Second
)

// ActorType is the actor type of the queries of a container partition.
func ActorType(containerID string, p PartitionSelector) string {
	if !p.Partitioned() {
		return containerID + ".ContinuousQuery"
	}
	return fmt.Sprintf("%s.ContinuousQuery.p%d", containerID, p.ID)
}

// Deps are shared by all query actors of a host.
type Deps struct {
	ContainerID string
	HostName    string
	Partition   PartitionSelector

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

// Register makes the query actor type of deps addressable on rt and returns it.
func Register(rt *actor.Runtime, deps Deps) string {
	if deps.Logger == nil {
		deps.Logger = zap.L()
	}
	if deps.Partition.Count == 0 {
		deps.Partition = Single
	}
	actorType := ActorType(deps.ContainerID, deps.Partition)
	rt.Register(actorType, func(h *actor.Host) actor.Actor {
		return &QueryActor{host: h, deps: deps, lifecycle: NewLifecycle(LifecycleRecord{})}
	})
	return actorType
}

// QueryActor owns one query in one partition. Configure starts its worker;
// the worker reports through the lifecycle, which the actor persists.
type QueryActor struct {
	host      *actor.Host
	deps      Deps
	lifecycle *Lifecycle
	spec      *models.QuerySpec
	worker    *Worker
	watcher   tomb.Tomb
}

func (q *QueryActor) OnActivate(ctx context.Context) error {
	log := q.host.Logger()
	var spec models.QuerySpec
	ok, err := q.host.LoadState(ctx, keySpec, &spec)
	if err != nil {
		return errors.Trace(err)
	}
	if ok {
		q.spec = &spec
	}
	var rec LifecycleRecord
	if _, err := q.host.LoadState(ctx, keyLifecycle, &rec); err != nil {
		return errors.Trace(err)
	}
	q.lifecycle = NewLifecycle(rec)
	q.watcher.Go(q.persistLifecycle)

	state := q.lifecycle.State()
	log.Info("query activated", zap.Stringer("state", state))
	switch state.Kind {
	case models.StateConfigured, models.StateBootstrapping, models.StateRunning:
		q.host.RegisterReminder(retryReminder, RetryPeriod)
		if err := q.init(); err != nil {
			log.Error("query failed to initialize", zap.Error(err))
		}
	case models.StateTransientError:
		q.host.RegisterReminder(retryReminder, RetryPeriod)
	case models.StateTerminalError:
		log.Warn("query in terminal state on activation", zap.String("error", state.Message))
	}
	return nil
}

func (q *QueryActor) OnDeactivate(ctx context.Context) error {
	defer func() {
		q.watcher.Kill(nil)
		_ = q.watcher.Wait()
	}()
	if q.spec != nil && q.spec.IsTransient() {
		q.host.Logger().Info("removing transient query")
		return errors.Trace(q.deprovision(ctx))
	}
	if q.worker != nil {
		return errors.Trace(q.worker.Stop())
	}
	return nil
}

func (q *QueryActor) OnReminder(_ context.Context, _ string) error {
	state := q.lifecycle.State()
	if state.Kind != models.StateTransientError {
		return nil
	}
	q.host.Logger().Info("restarting query after transient error", zap.String("error", state.Message))
	return q.init()
}

func (q *QueryActor) Invoke(ctx context.Context, method string, body json.RawMessage) (any, error) {
	switch method {
	case MethodConfigure:
		var req models.ResourceRequest[models.QuerySpec]
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, errors.NewNotValid(err, "invalid query spec")
		}
		return nil, q.configure(ctx, req.Spec)
	case MethodGetStatus:
		return q.status(), nil
	case MethodDeprovision:
		return nil, q.deprovision(ctx)
	}
	return nil, errors.NotFoundf("method %q", method)
}

func (q *QueryActor) configure(ctx context.Context, spec models.QuerySpec) error {
	if q.spec != nil {
		if sameSpec(*q.spec, spec) {
			return nil
		}
		return errors.NewAlreadyExists(nil, "Query already configured")
	}
	if err := q.host.SaveState(ctx, keySpec, spec); err != nil {
		return errors.Annotate(err, "persisting query spec")
	}
	q.spec = &spec
	q.lifecycle.SetBootstrapped(false)
	q.lifecycle.Set(models.NewState(models.StateConfigured))
	if err := q.saveLifecycle(ctx); err != nil {
		return err
	}
	q.host.RegisterReminder(retryReminder, RetryPeriod)
	if err := q.init(); err != nil {
		return errors.Annotate(err, "initializing query")
	}
	q.host.Logger().Info("query configured")
	return nil
}

func (q *QueryActor) status() models.QueryStatus {
	state := q.lifecycle.State()
	return models.QueryStatus{
		HostName:     q.deps.HostName,
		Status:       state.String(),
		Container:    q.deps.ContainerID,
		ErrorMessage: state.ErrorMessage(),
	}
}

func (q *QueryActor) deprovision(ctx context.Context) error {
	q.host.UnregisterReminder(retryReminder)
	switch {
	case q.worker != nil:
		if err := q.worker.Delete(ctx); err != nil {
			q.host.Logger().Error("deleting query worker", zap.Error(err))
		}
		q.worker = nil
	case q.spec != nil:
		// not started in this activation but may own state from a previous one
		w := NewWorker(q.workerConfig(*q.spec))
		if err := w.Delete(ctx); err != nil {
			q.host.Logger().Error("deleting query", zap.Error(err))
		}
	}

	if q.spec != nil {
		if err := q.host.DeleteState(ctx, keySpec); err != nil {
			return errors.Annotate(err, "removing query spec")
		}
		q.spec = nil
	}
	q.lifecycle.Set(models.NewState(models.StateDeleted))
	return q.saveLifecycle(ctx)
}

func (q *QueryActor) init() error {
	if q.spec == nil {
		q.lifecycle.Set(models.TerminalError("Not configured"))
		return errors.NotValidf("query %s without spec", q.host.ID)
	}
	if q.worker != nil {
		select {
		case <-q.worker.Dead():
		default:
			return errors.AlreadyExistsf("query %s worker", q.host.ID)
		}
	}
	q.worker = NewWorker(q.workerConfig(*q.spec))
	q.worker.Start()
	return nil
}

// partitionOf is the share of the sources spec processes on this host.
// Transient queries run whole on the host they were sent to.
func (q *QueryActor) partitionOf(spec models.QuerySpec) PartitionSelector {
	if spec.IsTransient() {
		return Single
	}
	return q.deps.Partition
}

func (q *QueryActor) workerConfig(spec models.QuerySpec) WorkerConfig {
	return WorkerConfig{
		ContainerID: q.deps.ContainerID,
		QueryID:     q.host.ID,
		Spec:        spec,
		Partition:   q.partitionOf(spec),
		Lifecycle:   q.lifecycle,
		Broker:      q.deps.Broker,
		Publisher:   q.deps.Publisher,
		Sources:     q.deps.Sources,
		Sequences:   q.deps.Sequences,
		Engines:     q.deps.Engines,
		Actors:      q.deps.Actors,
		Consumer:    q.deps.Consumer,
		BufferSize:  q.deps.BufferSize,
		BatchSize:   q.deps.BatchSize,
		Logger:      q.host.Logger(),
		Clock:       q.host.Clock(),
		Metrics:     q.deps.Metrics,
	}
}

func (q *QueryActor) saveLifecycle(ctx context.Context) error {
	return errors.Annotate(q.host.SaveState(ctx, keyLifecycle, q.lifecycle.Record()), "persisting query state")
}

// persistLifecycle saves every lifecycle change made by the worker.
func (q *QueryActor) persistLifecycle() error {
	ctx := q.watcher.Context(nil)
	changed := q.lifecycle.Changed()
	for {
		select {
		case <-changed:
		case <-q.watcher.Dying():
			return nil
		}
		changed = q.lifecycle.Changed()
		if err := q.saveLifecycle(ctx); err != nil && ctx.Err() == nil {
			q.host.Logger().Error("persisting query state", zap.Error(err))
		}
	}
}

// sameSpec compares specs by their wire form.
func sameSpec(a, b models.QuerySpec) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ja) == string(jb)
}
