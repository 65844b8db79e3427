package domain

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gojsonschema"

	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/reconciler"
)

// ExtensibleSpec is a spec whose shape is declared by a provider.
type ExtensibleSpec[T any] interface {
	GetKind() string
	GetServices() map[string]models.ServiceConfig
	GetProperties() map[string]models.ConfigValue
	WithDefaults(props map[string]models.ConfigValue, services map[string]models.ServiceConfig) T
}

// PopulateDefaults fills what spec leaves out from the provider: property
// defaults, every provider service with its image, dapr settings, service
// property defaults and endpoints resolved from "$property" targets.
func PopulateDefaults[T ExtensibleSpec[T]](spec T, provider models.ProviderSpec) (T, error) {
	var zero T
	props := make(map[string]models.ConfigValue, len(spec.GetProperties()))
	for k, v := range spec.GetProperties() {
		props[k] = v
	}
	if provider.ConfigSchema != nil {
		for key, prop := range provider.ConfigSchema.Properties {
			if _, ok := props[key]; ok || prop.Default == nil {
				continue
			}
			v, ok, err := defaultValue(prop.Default, false)
			if err != nil {
				return zero, err
			}
			if ok {
				props[key] = v
			}
		}
	}

	services := make(map[string]models.ServiceConfig, len(spec.GetServices()))
	for k, v := range spec.GetServices() {
		services[k] = v
	}
	for name, declared := range provider.Services {
		current := services[name]

		var dapr map[string]models.ConfigValue
		if declared.Dapr != nil {
			dapr = make(map[string]models.ConfigValue, len(declared.Dapr))
			for k, v := range declared.Dapr {
				dapr[k] = models.StringValue(v)
			}
		}

		var serviceProps map[string]models.ConfigValue
		if declared.ConfigSchema != nil {
			if declared.ConfigSchema.Properties == nil {
				return zero, invalidSpec("Unable to retrieve the service properties for %s", name)
			}
			serviceProps = make(map[string]models.ConfigValue, len(current.Properties))
			for k, v := range current.Properties {
				serviceProps[k] = v
			}
			for key, prop := range declared.ConfigSchema.Properties {
				if _, ok := serviceProps[key]; ok || prop.Default == nil {
					continue
				}
				// service properties become environment of the service, so
				// list defaults are joined into one string
				v, ok, err := defaultValue(prop.Default, true)
				if err != nil {
					return zero, err
				}
				if ok {
					serviceProps[key] = v
				}
			}
		}

		var endpoints map[string]models.Endpoint
		if declared.Endpoints != nil {
			endpoints = make(map[string]models.Endpoint, len(declared.Endpoints))
			for epName, ep := range declared.Endpoints {
				target, err := endpointTarget(strings.TrimLeft(ep.Target, "$"), serviceProps)
				if err != nil {
					return zero, err
				}
				endpoints[epName] = models.Endpoint{Setting: ep.Setting, Target: target}
			}
		}

		image := declared.Image
		services[name] = models.ServiceConfig{
			Image:              &image,
			Endpoints:          endpoints,
			Dapr:               dapr,
			Properties:         serviceProps,
			DeprovisionHandler: declared.DeprovisionHandler,
		}
	}
	return spec.WithDefaults(props, services), nil
}

func endpointTarget(prop string, props map[string]models.ConfigValue) (string, error) {
	if props == nil {
		return "", invalidSpec("Unable to retrieve the target port as the properties are not defined")
	}
	v, ok := props[prop]
	if !ok {
		return "", invalidSpec("Unable to retrieve the target port; %s is not defined", prop)
	}
	if v.Inline != nil {
		switch v.Inline.Kind {
		case models.InlineString:
			return v.Inline.String, nil
		case models.InlineInteger:
			return strconv.FormatInt(v.Inline.Integer, 10), nil
		}
	}
	return "", invalidSpec("Invalid endpoint value; expected string or integer")
}

// defaultValue converts a schema default into a config value. Objects and
// nulls have no config value and report false.
func defaultValue(v any, joinLists bool) (models.ConfigValue, bool, error) {
	switch d := v.(type) {
	case string:
		return models.StringValue(d), true, nil
	case bool:
		return models.BoolValue(d), true, nil
	case float64:
		n, err := asInteger(d)
		if err != nil {
			return models.ConfigValue{}, false, err
		}
		return models.IntValue(n), true, nil
	case []any:
		var items []models.ConfigValue
		for _, item := range d {
			cv, ok, err := defaultValue(item, false)
			if err != nil {
				return models.ConfigValue{}, false, err
			}
			if !ok || cv.Inline.Kind == models.InlineList {
				continue
			}
			items = append(items, cv)
		}
		list := models.ListValue(items...)
		if joinLists {
			return models.StringValue(list.Display()), true, nil
		}
		return list, true, nil
	}
	return models.ConfigValue{}, false, nil
}

func asInteger(f float64) (int64, error) {
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, invalidSpec("expected a valid integer")
	}
	return int64(f), nil
}

// ValidateExtensible checks the properties of spec and of its services
// against the schemas of provider, and rejects services the provider does
// not declare.
func ValidateExtensible[T ExtensibleSpec[T]](spec T, provider models.ProviderSpec) error {
	if provider.ConfigSchema != nil {
		props := spec.GetProperties()
		if props == nil {
			return invalidSpec("properties are not defined for %s", spec.GetKind())
		}
		if err := validateProperties(*provider.ConfigSchema, props); err != nil {
			return err
		}
	}

	services := spec.GetServices()
	if len(services) == 0 {
		return invalidSpec("Services not defined")
	}
	for name := range services {
		if _, ok := provider.Services[name]; !ok {
			return &UndefinedSettingError{Message: fmt.Sprintf("Service %s is not defined in the schema", name)}
		}
	}
	for name, declared := range provider.Services {
		if declared.ConfigSchema == nil {
			continue
		}
		props := map[string]models.ConfigValue{}
		if svc, ok := services[name]; ok {
			if svc.Properties == nil {
				return invalidSpec("Invalid service properties for service %s", name)
			}
			props = svc.Properties
		}
		if err := validateProperties(*declared.ConfigSchema, props); err != nil {
			return err
		}
	}
	return nil
}

func validateProperties(schema models.JSONSchema, props map[string]models.ConfigValue) error {
	doc := make(map[string]any, len(props))
	for k, v := range props {
		doc[k] = v.JSONValue()
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return invalidSpec("Invalid config schema: %v", err)
	}
	if result.Valid() {
		return nil
	}
	first := result.Errors()[0]
	return invalidSpec("Invalid spec: %s; error path: %s", first.Description, first.Context.String())
}

// QueryValidator checks a query against the container it names.
type QueryValidator struct {
	Containers persistence.Repository[models.QueryContainerSpec]
	Actors     ActorCaller
}

func (v QueryValidator) Validate(ctx context.Context, spec models.QuerySpec) error {
	if _, err := v.Containers.Get(ctx, spec.Container); err != nil {
		if errors.Is(err, errors.NotFound) {
			return errors.NewNotValid(nil, fmt.Sprintf("Query container %s does not exist", spec.Container))
		}
		return errors.Trace(err)
	}

	defined := make(map[string]struct{}, len(spec.Sources.Middleware))
	for _, mw := range spec.Sources.Middleware {
		defined[mw.Name] = struct{}{}
	}
	for _, sub := range spec.Sources.Subscriptions {
		for _, mw := range sub.Pipeline {
			if _, ok := defined[mw]; !ok {
				return invalidSpec("Middleware '%s' referenced in pipeline for subscription '%s' is not defined in sources.middleware", mw, sub.ID)
			}
		}
	}

	var status models.QueryContainerStatus
	err := v.Actors.Call(ctx, reconciler.QueryContainerActorType, spec.Container, reconciler.MethodGetStatus, nil, &status)
	if err != nil || !status.Available {
		return queryContainerOffline(spec.Container)
	}
	return nil
}
