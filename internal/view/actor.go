package view

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/actor"
	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/metrics"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/stream"
)

// Actor methods of a view.
const (
	MethodConfigure   = "configure"
	MethodDeprovision = "deprovision"
)

const (
	keySpec       = "spec"
	checkReminder = "check"
	// CheckPeriod is how often a view restarts a failed worker.
	CheckPeriod = 30 * time.Second
)

// ActorType is the actor type of the views of a container.
func ActorType(containerID string) string {
	return containerID + ".View"
}

// Deps are shared by the view actors of a container.
type Deps struct {
	ContainerID string
	Broker      stream.Broker
	Store       Store
	Hub         *bus.Hub

	BufferSize int
	BatchSize  int

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *metrics.Collector
}

// Register makes the view actor type of deps addressable on rt and returns it.
func Register(rt *actor.Runtime, deps Deps) string {
	actorType := ActorType(deps.ContainerID)
	rt.Register(actorType, func(h *actor.Host) actor.Actor {
		return &ViewActor{host: h, deps: deps}
	})
	return actorType
}

// ViewActor owns the view of one query.
type ViewActor struct {
	host   *actor.Host
	deps   Deps
	spec   *models.ViewSpec
	worker *Worker
}

func (v *ViewActor) OnActivate(ctx context.Context) error {
	var spec models.ViewSpec
	ok, err := v.host.LoadState(ctx, keySpec, &spec)
	if err != nil {
		return errors.Trace(err)
	}
	v.host.Logger().Info("view activated", zap.Bool("configured", ok))
	if ok {
		v.spec = &spec
		v.host.RegisterReminder(checkReminder, CheckPeriod)
		v.start()
	}
	return nil
}

func (v *ViewActor) OnDeactivate(context.Context) error {
	if v.worker == nil {
		return nil
	}
	return errors.Trace(v.worker.Stop())
}

// OnReminder restarts a worker that ended on an error.
func (v *ViewActor) OnReminder(context.Context, string) error {
	if v.worker != nil && v.worker.Failed() {
		v.host.Logger().Info("restarting failed view worker")
		v.start()
	}
	return nil
}

func (v *ViewActor) Invoke(ctx context.Context, method string, body json.RawMessage) (any, error) {
	switch method {
	case MethodConfigure:
		var spec models.ViewSpec
		if err := json.Unmarshal(body, &spec); err != nil {
			return nil, errors.NewNotValid(err, "invalid view spec")
		}
		return nil, v.configure(ctx, spec)
	case MethodDeprovision:
		return nil, v.deprovision(ctx)
	}
	return nil, errors.NotFoundf("method %q", method)
}

func (v *ViewActor) configure(ctx context.Context, spec models.ViewSpec) error {
	if err := v.host.SaveState(ctx, keySpec, spec); err != nil {
		return errors.Annotate(err, "persisting view spec")
	}
	v.spec = &spec
	v.host.RegisterReminder(checkReminder, CheckPeriod)
	if v.worker != nil && !v.worker.Failed() {
		return errors.Trace(v.worker.Reconfigure(ctx, spec))
	}
	v.start()
	return nil
}

func (v *ViewActor) deprovision(ctx context.Context) error {
	v.host.UnregisterReminder(checkReminder)
	if v.worker != nil {
		if err := v.worker.Stop(); err != nil {
			v.host.Logger().Warn("view worker ended with error", zap.Error(err))
		}
		v.worker = nil
	}
	if err := v.deps.Store.DeleteView(ctx, v.host.ID); err != nil {
		return errors.Annotate(err, "deleting view")
	}
	v.spec = nil
	return errors.Annotate(v.host.DeleteState(ctx, keySpec), "removing view spec")
}

func (v *ViewActor) start() {
	if v.worker != nil {
		_ = v.worker.Stop()
	}
	v.worker = StartWorker(WorkerConfig{
		QueryID:    v.host.ID,
		Spec:       *v.spec,
		Broker:     v.deps.Broker,
		Store:      v.deps.Store,
		Hub:        v.deps.Hub,
		BufferSize: v.deps.BufferSize,
		BatchSize:  v.deps.BatchSize,
		Logger:     v.host.Logger(),
		Clock:      v.host.Clock(),
		Metrics:    v.deps.Metrics,
	})
}
