package domain

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/invoke"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/reconciler"
)

// DeprovisionMethod is invoked on provider services that declare a
// deprovision handler before their resource is removed.
const DeprovisionMethod = "deprovision"

// ExtensibleService manages resources whose shape is declared by a
// registered provider: sources and reactions.
type ExtensibleService[TSpec ExtensibleSpec[TSpec], TStatus any] struct {
	resources[TSpec, TStatus]
	providers persistence.Repository[models.ProviderSpec]
	invoker   invoke.Invoker
}

func (s *ExtensibleService[TSpec, TStatus]) Set(ctx context.Context, id string, spec TSpec) (models.Resource[TSpec, TStatus], error) {
	var none models.Resource[TSpec, TStatus]
	provider, err := s.providers.Get(ctx, spec.GetKind())
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			return none, errors.NewNotValid(nil, fmt.Sprintf("Schema not initialized for kind: %s", spec.GetKind()))
		}
		return none, errors.Annotatef(err, "loading provider %s", spec.GetKind())
	}
	spec, err = PopulateDefaults(spec, provider)
	if err != nil {
		return none, errors.Trace(err)
	}
	if err := ValidateExtensible(spec, provider); err != nil {
		return none, errors.Trace(err)
	}
	if err := s.repo.Set(ctx, id, spec); err != nil {
		return none, errors.Annotatef(err, "persisting %s", id)
	}
	if err := s.configure(ctx, id, spec); err != nil {
		return none, err
	}
	s.logger.Info("resource set", zap.String("id", id), zap.String("kind", spec.GetKind()))
	return models.Resource[TSpec, TStatus]{ID: id, Spec: spec}, nil
}

func (s *ExtensibleService[TSpec, TStatus]) Delete(ctx context.Context, id string) error {
	spec, err := s.repo.Get(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}

	provider, err := s.providers.Get(ctx, spec.GetKind())
	if err != nil {
		s.logger.Error("loading provider of deleted resource", zap.String("id", id), zap.Error(err))
	} else {
		for name, svc := range provider.Services {
			if svc.DeprovisionHandler == nil || !*svc.DeprovisionHandler {
				continue
			}
			appID := reconciler.ServiceAppID(id, name)
			if err := s.invoker.Invoke(ctx, appID, DeprovisionMethod, nil, nil); err != nil {
				s.logger.Error("deprovision handler failed", zap.String("service", appID), zap.Error(err))
				continue
			}
			s.logger.Info("deprovision handler called", zap.String("service", appID))
		}
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

func NewSourceService(
	repo persistence.Repository[models.SourceSpec],
	providers persistence.Repository[models.ProviderSpec],
	invoker invoke.Invoker,
	deps Deps,
) *ExtensibleService[models.SourceSpec, models.SourceStatus] {
	deps = deps.withDefaults()
	return &ExtensibleService[models.SourceSpec, models.SourceStatus]{
		resources: resources[models.SourceSpec, models.SourceStatus]{
			repo: repo,
			deps: deps,
			actorTypes: func(context.Context, models.SourceSpec) ([]string, error) {
				return []string{reconciler.SourceActorType}, nil
			},
			ready:  func(st models.SourceStatus) bool { return st.Available },
			logger: deps.Logger.With(zap.String("resource", "source")),
		},
		providers: providers,
		invoker:   invoker,
	}
}

func NewReactionService(
	repo persistence.Repository[models.ReactionSpec],
	providers persistence.Repository[models.ProviderSpec],
	invoker invoke.Invoker,
	deps Deps,
) *ExtensibleService[models.ReactionSpec, models.ReactionStatus] {
	deps = deps.withDefaults()
	return &ExtensibleService[models.ReactionSpec, models.ReactionStatus]{
		resources: resources[models.ReactionSpec, models.ReactionStatus]{
			repo: repo,
			deps: deps,
			actorTypes: func(context.Context, models.ReactionSpec) ([]string, error) {
				return []string{reconciler.ReactionActorType}, nil
			},
			ready:  func(st models.ReactionStatus) bool { return st.Available },
			logger: deps.Logger.With(zap.String("resource", "reaction")),
		},
		providers: providers,
		invoker:   invoker,
	}
}
