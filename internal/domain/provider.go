package domain

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/gojsonschema"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/persistence"
)

// ProviderKind names what a provider registers.
type ProviderKind string

const (
	SourceProvider   ProviderKind = "Source"
	ReactionProvider ProviderKind = "Reaction"
)

func propertiesSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"properties": map[string]any{
				"type": "object",
				"patternProperties": map[string]any{
					".*": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"type":    map[string]any{"type": []string{"string", "array"}},
							"default": map[string]any{"type": []string{"string", "object", "array", "number", "boolean"}},
						},
						"required": []string{"type"},
					},
				},
			},
			"type":     map[string]any{"type": "string"},
			"required": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"properties", "type"},
	}
}

func serviceSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"image": map[string]any{"type": "string", "minLength": 1},
			"dapr": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"endpoints": map[string]any{
				"type": "object",
				"patternProperties": map[string]any{
					".*": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"setting": map[string]any{"type": "string", "enum": []string{"internal", "external"}},
							"target":  map[string]any{"type": "string", "pattern": `^\$.*$`},
						},
						"required": []string{"setting", "target"},
					},
				},
			},
			"config_schema":       propertiesSchema(),
			"deprovision_handler": map[string]any{"type": "boolean"},
		},
		"required": []string{"image"},
	}
}

// providerSchema is the schema a provider registration of kind must satisfy.
// Sources must bring a proxy and a reactivator.
func providerSchema(kind ProviderKind) map[string]any {
	services := map[string]any{
		"type":                 "object",
		"minProperties":        1,
		"additionalProperties": serviceSchema(),
	}
	if kind == SourceProvider {
		services["properties"] = map[string]any{
			"proxy":       serviceSchema(),
			"reactivator": serviceSchema(),
		}
		services["required"] = []string{"proxy", "reactivator"}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"config_schema": propertiesSchema(),
			"services":      services,
		},
		"required": []string{"services"},
	}
}

// ValidateProvider checks a registration against the provider schema of kind.
func ValidateProvider(kind ProviderKind, spec models.ProviderSpec) error {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(providerSchema(kind)), gojsonschema.NewGoLoader(spec))
	if err != nil {
		return errors.NewNotValid(err, fmt.Sprintf("Invalid %s Provider definition", kind))
	}
	if result.Valid() {
		return nil
	}
	first := result.Errors()[0]
	return errors.NewNotValid(nil, fmt.Sprintf("Invalid %s Provider definition: %s: %s", kind, first.Context.String(), first.Description))
}

// ProviderService registers the providers of one kind.
type ProviderService struct {
	kind   ProviderKind
	repo   persistence.Repository[models.ProviderSpec]
	logger *zap.Logger
}

func NewProviderService(kind ProviderKind, repo persistence.Repository[models.ProviderSpec], logger *zap.Logger) *ProviderService {
	return &ProviderService{kind: kind, repo: repo, logger: logger.With(zap.String("provider_kind", string(kind)))}
}

func (s *ProviderService) Set(ctx context.Context, id string, spec models.ProviderSpec) (models.ResourceProvider, error) {
	if err := ValidateProvider(s.kind, spec); err != nil {
		return models.ResourceProvider{}, err
	}
	if err := s.repo.Set(ctx, id, spec); err != nil {
		return models.ResourceProvider{}, errors.Annotatef(err, "registering provider %s", id)
	}
	s.logger.Info("provider registered", zap.String("id", id))
	return models.ResourceProvider{ID: id, Spec: spec}, nil
}

func (s *ProviderService) Get(ctx context.Context, id string) (models.ResourceProvider, error) {
	spec, err := s.repo.Get(ctx, id)
	if err != nil {
		return models.ResourceProvider{}, errors.Trace(err)
	}
	return models.ResourceProvider{ID: id, Spec: spec}, nil
}

func (s *ProviderService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return errors.Annotatef(err, "deregistering provider %s", id)
	}
	s.logger.Info("provider deregistered", zap.String("id", id))
	return nil
}

func (s *ProviderService) List(ctx context.Context) ([]models.ResourceProvider, error) {
	docs, err := s.repo.List(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]models.ResourceProvider, 0, len(docs))
	for _, d := range docs {
		out = append(out, models.ResourceProvider{ID: d.ID, Spec: d.Value})
	}
	return out, nil
}
