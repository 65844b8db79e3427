package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/reconciler"
	"github.com/zoravur/continuum/internal/stream"
)

const (
	DebugPollInterval = 100 * time.Millisecond
	// DebugIdleTimeout ends a debug session that produced nothing for that long.
	DebugIdleTimeout = 5 * time.Second
	debugGroup       = "debug"
	deprovisionGrace = 10 * time.Second
)

// DebugService runs a query transiently and streams its results until it
// finishes bootstrapping, stops or goes quiet.
type DebugService struct {
	actors     ActorCaller
	actorTypes func(context.Context, models.QuerySpec) ([]string, error)
	validator  Validator[models.QuerySpec]
	results    *ResultService
	clock      clock.Clock
	logger     *zap.Logger
}

func NewDebugService(containers persistence.Repository[models.QueryContainerSpec], results *ResultService, deps Deps) *DebugService {
	deps = deps.withDefaults()
	return &DebugService{
		actors:     deps.Actors,
		actorTypes: QueryActorTypes(containers),
		validator:  QueryValidator{Containers: containers, Actors: deps.Actors},
		results:    results,
		clock:      deps.Clock,
		logger:     deps.Logger.With(zap.String("resource", "debug")),
	}
}

// Debug configures spec under a synthetic id and calls emit for every result
// event. The query is always removed before Debug returns.
func (d *DebugService) Debug(ctx context.Context, spec models.QuerySpec, emit func(models.ResultEvent) error) error {
	if err := d.validator.Validate(ctx, spec); err != nil {
		return errors.Trace(err)
	}
	id := "debug-" + uuid.NewString()
	transient := true
	spec.Transient = &transient
	log := d.logger.With(zap.String("query_id", id))
	log.Info("debugging query")

	types, err := d.actorTypes(ctx, spec)
	if err != nil {
		return errors.Trace(err)
	}
	// a debug query is unpartitioned and lives on the first host only
	types = types[:1]
	defer d.deprovision(ctx, id, types, log)

	req := models.ResourceRequest[models.QuerySpec]{ID: id, Spec: spec}
	for _, t := range types {
		if err := d.actors.Call(ctx, t, id, reconciler.MethodConfigure, req, nil); err != nil {
			return errors.Annotatef(err, "configuring debug query %s", id)
		}
	}
	if err := d.waitRunning(ctx, id, types); err != nil {
		return err
	}

	results, err := d.results.Stream(ctx, id, debugGroup, stream.StartBeginning)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := results.Close(); err != nil {
			log.Warn("closing debug results", zap.Error(err))
		}
	}()

	for {
		select {
		case evt, ok := <-results.Events():
			if !ok {
				log.Info("debug stream ended")
				return nil
			}
			if err := emit(evt); err != nil {
				return errors.Trace(err)
			}
			if evt.Control != nil && evt.Control.ControlSignal.EndsDebugStream() {
				log.Info("debug stream finished", zap.String("signal", string(evt.Control.ControlSignal)))
				return nil
			}
		case <-d.clock.After(DebugIdleTimeout):
			log.Info("debug stream idle")
			return nil
		case <-ctx.Done():
			log.Info("debug stream cancelled by client")
			return ErrCancelled
		}
	}
}

func (d *DebugService) waitRunning(ctx context.Context, id string, types []string) error {
	for {
		select {
		case <-d.clock.After(DebugPollInterval):
		case <-ctx.Done():
			return ErrCancelled
		}
		statuses := make([]models.QueryStatus, 0, len(types))
		for _, t := range types {
			var st models.QueryStatus
			if err := d.actors.Call(ctx, t, id, reconciler.MethodGetStatus, nil, &st); err != nil {
				return errors.Annotatef(err, "status of debug query %s", id)
			}
			statuses = append(statuses, st)
		}
		st := mergeQueryStatus(statuses)
		switch models.QueryStateKind(st.Status) {
		case models.StateRunning:
			return nil
		case models.StateTransientError, models.StateTerminalError:
			msg := ""
			if st.ErrorMessage != nil {
				msg = *st.ErrorMessage
			}
			return errors.NewNotValid(nil, fmt.Sprintf("Query failed to start - %s", msg))
		case models.StateDeleted:
			return errors.NewNotValid(nil, "Query was deleted before it could start")
		}
	}
}

func (d *DebugService) deprovision(ctx context.Context, id string, types []string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deprovisionGrace)
	defer cancel()
	for _, t := range types {
		if err := d.actors.Call(ctx, t, id, reconciler.MethodDeprovision, nil, nil); err != nil {
			log.Error("deprovisioning debug query", zap.String("actor_type", t), zap.Error(err))
		}
	}
	log.Info("debug query removed")
}
