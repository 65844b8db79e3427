package domain

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/queryhost"
	"github.com/zoravur/continuum/internal/reconciler"
)

// ReadyPollInterval is how often WaitForReady asks for the status.
const ReadyPollInterval = time.Second

// ActorCaller invokes a method on an actor. actor.Client implements it.
type ActorCaller interface {
	Call(ctx context.Context, actorType, id, method string, body, out any) error
}

// Validator rejects a spec before it is persisted.
type Validator[TSpec any] interface {
	Validate(ctx context.Context, spec TSpec) error
}

type ValidatorFunc[TSpec any] func(ctx context.Context, spec TSpec) error

func (f ValidatorFunc[TSpec]) Validate(ctx context.Context, spec TSpec) error { return f(ctx, spec) }

// Deps are shared by the services of one management process.
type Deps struct {
	Actors ActorCaller
	Cache  *StatusCache
	Clock  clock.Clock
	Logger *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Logger == nil {
		d.Logger = zap.L()
	}
	return d
}

// resources holds what standard and extensible services share: a spec
// repository and the actors that own each resource.
type resources[TSpec, TStatus any] struct {
	repo persistence.Repository[TSpec]
	deps Deps
	// actorTypes lists the actors a resource is configured on; a
	// partitioned query lives on one actor per partition.
	actorTypes func(ctx context.Context, spec TSpec) ([]string, error)
	merge      func([]TStatus) TStatus
	ready      func(TStatus) bool
	logger     *zap.Logger
}

func (r *resources[TSpec, TStatus]) Get(ctx context.Context, id string) (models.Resource[TSpec, TStatus], error) {
	spec, err := r.repo.Get(ctx, id)
	if err != nil {
		return models.Resource[TSpec, TStatus]{}, errors.Trace(err)
	}
	return models.Resource[TSpec, TStatus]{ID: id, Spec: spec, Status: r.cachedStatus(ctx, id, spec)}, nil
}

func (r *resources[TSpec, TStatus]) List(ctx context.Context) ([]models.Resource[TSpec, TStatus], error) {
	docs, err := r.repo.List(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]models.Resource[TSpec, TStatus], 0, len(docs))
	for _, d := range docs {
		out = append(out, models.Resource[TSpec, TStatus]{ID: d.ID, Spec: d.Value, Status: r.cachedStatus(ctx, d.ID, d.Value)})
	}
	return out, nil
}

// cachedStatus returns nil when an actor cannot be reached.
func (r *resources[TSpec, TStatus]) cachedStatus(ctx context.Context, id string, spec TSpec) *TStatus {
	types, err := r.actorTypes(ctx, spec)
	if err != nil {
		r.logger.Error("resolving actor types", zap.String("id", id), zap.Error(err))
		return nil
	}
	key := types[0]
	if v, ok := r.deps.Cache.get(key, id); ok {
		st := v.(TStatus)
		return &st
	}
	st, err := r.status(ctx, id, types)
	if err != nil {
		r.logger.Error("getting resource status", zap.String("id", id), zap.Error(err))
		return nil
	}
	r.deps.Cache.add(key, id, st)
	return &st
}

func (r *resources[TSpec, TStatus]) status(ctx context.Context, id string, types []string) (TStatus, error) {
	statuses := make([]TStatus, 0, len(types))
	for _, t := range types {
		var st TStatus
		if err := r.deps.Actors.Call(ctx, t, id, reconciler.MethodGetStatus, nil, &st); err != nil {
			return st, errors.Annotatef(err, "status of %s/%s", t, id)
		}
		statuses = append(statuses, st)
	}
	if r.merge == nil || len(statuses) == 1 {
		return statuses[0], nil
	}
	return r.merge(statuses), nil
}

func (r *resources[TSpec, TStatus]) configure(ctx context.Context, id string, spec TSpec) error {
	types, err := r.actorTypes(ctx, spec)
	if err != nil {
		return errors.Trace(err)
	}
	req := models.ResourceRequest[TSpec]{ID: id, Spec: spec}
	for _, t := range types {
		r.deps.Cache.forget(t, id)
		if err := r.deps.Actors.Call(ctx, t, id, reconciler.MethodConfigure, req, nil); err != nil {
			return errors.Annotatef(err, "configuring %s/%s", t, id)
		}
	}
	return nil
}

func (r *resources[TSpec, TStatus]) deprovision(ctx context.Context, id string, spec TSpec) error {
	types, err := r.actorTypes(ctx, spec)
	if err != nil {
		return errors.Trace(err)
	}
	for _, t := range types {
		r.deps.Cache.forget(t, id)
		if err := r.deps.Actors.Call(ctx, t, id, reconciler.MethodDeprovision, nil, nil); err != nil {
			return errors.Annotatef(err, "deprovisioning %s/%s", t, id)
		}
	}
	return nil
}

// WaitForReady polls the status until the resource is ready, reporting false
// once timeout has elapsed.
func (r *resources[TSpec, TStatus]) WaitForReady(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	spec, err := r.repo.Get(ctx, id)
	if err != nil {
		return false, errors.Trace(err)
	}
	types, err := r.actorTypes(ctx, spec)
	if err != nil {
		return false, errors.Trace(err)
	}
	clk := r.deps.Clock
	deadline := clk.Now().Add(timeout)
	for clk.Now().Before(deadline) {
		st, err := r.status(ctx, id, types)
		if err != nil {
			return false, errors.Trace(err)
		}
		if r.ready(st) {
			return true, nil
		}
		select {
		case <-clk.After(ReadyPollInterval):
		case <-ctx.Done():
			return false, errors.Trace(ctx.Err())
		}
	}
	return false, nil
}

// StandardService manages resources whose shape is fixed: query containers
// and continuous queries.
type StandardService[TSpec, TStatus any] struct {
	resources[TSpec, TStatus]
	validators []Validator[TSpec]
}

func (s *StandardService[TSpec, TStatus]) Set(ctx context.Context, id string, spec TSpec) (models.Resource[TSpec, TStatus], error) {
	for _, v := range s.validators {
		if err := v.Validate(ctx, spec); err != nil {
			return models.Resource[TSpec, TStatus]{}, errors.Trace(err)
		}
	}
	if err := s.repo.Set(ctx, id, spec); err != nil {
		return models.Resource[TSpec, TStatus]{}, errors.Annotatef(err, "persisting %s", id)
	}
	if err := s.configure(ctx, id, spec); err != nil {
		return models.Resource[TSpec, TStatus]{}, err
	}
	s.logger.Info("resource set", zap.String("id", id))
	return models.Resource[TSpec, TStatus]{ID: id, Spec: spec}, nil
}

func (s *StandardService[TSpec, TStatus]) Delete(ctx context.Context, id string) error {
	spec, err := s.repo.Get(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}
	if err := s.deprovision(ctx, id, spec); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return errors.Annotatef(err, "deleting %s", id)
	}
	s.logger.Info("resource deleted", zap.String("id", id))
	return nil
}

// QueryActorTypes lists the actor type of every partition of the container
// of a query.
func QueryActorTypes(containers persistence.Repository[models.QueryContainerSpec]) func(context.Context, models.QuerySpec) ([]string, error) {
	return func(ctx context.Context, spec models.QuerySpec) ([]string, error) {
		count := uint16(1)
		container, err := containers.Get(ctx, spec.Container)
		switch {
		case err == nil:
			if container.QueryHostCount > 1 {
				count = container.QueryHostCount
			}
		case !errors.Is(err, errors.NotFound):
			return nil, errors.Trace(err)
		}
		out := make([]string, 0, count)
		for i := uint16(0); i < count; i++ {
			p := queryhost.PartitionSelector{ID: uint64(i), Count: uint64(count)}
			out = append(out, queryhost.ActorType(spec.Container, p))
		}
		return out, nil
	}
}

// mergeQueryStatus reports the first partition that is not running, or the
// first one when all are.
func mergeQueryStatus(statuses []models.QueryStatus) models.QueryStatus {
	for _, st := range statuses {
		if st.Status != string(models.StateRunning) {
			return st
		}
	}
	return statuses[0]
}

func NewQueryService(
	repo persistence.Repository[models.QuerySpec],
	containers persistence.Repository[models.QueryContainerSpec],
	deps Deps,
) *StandardService[models.QuerySpec, models.QueryStatus] {
	deps = deps.withDefaults()
	return &StandardService[models.QuerySpec, models.QueryStatus]{
		resources: resources[models.QuerySpec, models.QueryStatus]{
			repo:       repo,
			deps:       deps,
			actorTypes: QueryActorTypes(containers),
			merge:      mergeQueryStatus,
			ready:      func(st models.QueryStatus) bool { return st.Status == string(models.StateRunning) },
			logger:     deps.Logger.With(zap.String("resource", "query")),
		},
		validators: []Validator[models.QuerySpec]{QueryValidator{Containers: containers, Actors: deps.Actors}},
	}
}

func NewQueryContainerService(
	repo persistence.Repository[models.QueryContainerSpec],
	deps Deps,
) *StandardService[models.QueryContainerSpec, models.QueryContainerStatus] {
	deps = deps.withDefaults()
	return &StandardService[models.QueryContainerSpec, models.QueryContainerStatus]{
		resources: resources[models.QueryContainerSpec, models.QueryContainerStatus]{
			repo: repo,
			deps: deps,
			actorTypes: func(context.Context, models.QueryContainerSpec) ([]string, error) {
				return []string{reconciler.QueryContainerActorType}, nil
			},
			ready:  func(st models.QueryContainerStatus) bool { return st.Available },
			logger: deps.Logger.With(zap.String("resource", "queryContainer")),
		},
	}
}
