package domain

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/reconciler"
)

const postgresProvider = `{
  "config_schema": {
    "type": "object",
    "properties": {
      "host": {"type": "string", "default": "localhost"},
      "port": {"type": "integer", "default": 5432},
      "tables": {"type": "array", "default": ["a", "b"]}
    },
    "required": ["host"]
  },
  "services": {
    "proxy": {
      "image": "source-postgres-proxy:1",
      "dapr": {"app-port": "4002"},
      "endpoints": {"gateway": {"setting": "internal", "target": "$port"}},
      "config_schema": {
        "type": "object",
        "properties": {
          "port": {"type": "integer", "default": 4002},
          "tags": {"type": "string", "default": ["x", "y"]}
        }
      }
    },
    "reactivator": {
      "image": "source-postgres-reactivator:1",
      "deprovision_handler": true
    }
  }
}`

func provider(t *testing.T, raw string) models.ProviderSpec {
	t.Helper()
	var p models.ProviderSpec
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

func TestPopulateDefaults(t *testing.T) {
	spec := models.SourceSpec{
		Kind:       "PostgreSQL",
		Properties: map[string]models.ConfigValue{"host": models.StringValue("db")},
	}
	out, err := PopulateDefaults(spec, provider(t, postgresProvider))
	require.NoError(t, err)

	assert.Equal(t, map[string]models.ConfigValue{
		"host":   models.StringValue("db"),
		"port":   models.IntValue(5432),
		"tables": models.ListValue(models.StringValue("a"), models.StringValue("b")),
	}, out.Properties)

	proxy := out.Services["proxy"]
	require.NotNil(t, proxy.Image)
	assert.Equal(t, "source-postgres-proxy:1", *proxy.Image)
	assert.Equal(t, map[string]models.ConfigValue{"app-port": models.StringValue("4002")}, proxy.Dapr)
	assert.Equal(t, map[string]models.ConfigValue{
		"port": models.IntValue(4002),
		"tags": models.StringValue("x,y"),
	}, proxy.Properties)
	assert.Equal(t, map[string]models.Endpoint{"gateway": {Setting: "internal", Target: "4002"}}, proxy.Endpoints)

	reactivator := out.Services["reactivator"]
	require.NotNil(t, reactivator.DeprovisionHandler)
	assert.True(t, *reactivator.DeprovisionHandler)
	assert.Nil(t, reactivator.Properties)
}

func TestPopulateDefaultsKeepsExplicitValues(t *testing.T) {
	spec := models.SourceSpec{
		Kind: "PostgreSQL",
		Services: map[string]models.ServiceConfig{
			"proxy": {Properties: map[string]models.ConfigValue{"port": models.StringValue("8080")}},
		},
	}
	out, err := PopulateDefaults(spec, provider(t, postgresProvider))
	require.NoError(t, err)
	assert.Equal(t, "8080", out.Services["proxy"].Endpoints["gateway"].Target)
	assert.Equal(t, models.StringValue("8080"), out.Services["proxy"].Properties["port"])
}

func TestPopulateDefaultsEndpointErrors(t *testing.T) {
	p := provider(t, `{"services": {"api": {"image": "x", "endpoints": {"e": {"setting": "external", "target": "$port"}}}}}`)
	_, err := PopulateDefaults(models.ReactionSpec{Kind: "Http"}, p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.Equal(t, "Unable to retrieve the target port as the properties are not defined", err.Error())

	p = provider(t, `{"services": {"api": {"image": "x",
		"endpoints": {"e": {"setting": "external", "target": "$port"}},
		"config_schema": {"type": "object", "properties": {"host": {"type": "string"}}}}}}`)
	_, err = PopulateDefaults(models.ReactionSpec{Kind: "Http"}, p)
	require.Error(t, err)
	assert.Equal(t, "Unable to retrieve the target port; port is not defined", err.Error())

	p = provider(t, `{"config_schema": {"type": "object", "properties": {"ratio": {"type": "number", "default": 0.5}}}, "services": {}}`)
	_, err = PopulateDefaults(models.ReactionSpec{Kind: "Http"}, p)
	require.Error(t, err)
	assert.Equal(t, "expected a valid integer", err.Error())
}

func TestValidateExtensible(t *testing.T) {
	p := provider(t, postgresProvider)
	valid, err := PopulateDefaults(models.SourceSpec{Kind: "PostgreSQL"}, p)
	require.NoError(t, err)
	require.NoError(t, ValidateExtensible(valid, p))

	badPort := valid
	badPort.Properties = map[string]models.ConfigValue{"host": models.StringValue("db"), "port": models.StringValue("x")}
	err = ValidateExtensible(badPort, p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.Contains(t, err.Error(), "error path: (root).port")

	missing := valid
	missing.Properties = map[string]models.ConfigValue{"port": models.IntValue(1)}
	err = ValidateExtensible(missing, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid spec: ")

	extra := valid
	extra.Services = map[string]models.ServiceConfig{"proxy": valid.Services["proxy"], "sidecar": {}}
	err = ValidateExtensible(extra, p)
	var undefined *UndefinedSettingError
	require.ErrorAs(t, err, &undefined)
	assert.Equal(t, "Service sidecar is not defined in the schema", undefined.Message)
	assert.True(t, errors.Is(err, errors.NotValid))

	none := valid
	none.Services = nil
	assert.EqualError(t, ValidateExtensible(none, p), "Services not defined")

	noProps := valid
	noProps.Properties = nil
	assert.EqualError(t, ValidateExtensible(noProps, p), "properties are not defined for PostgreSQL")
}

func TestValidateProvider(t *testing.T) {
	require.NoError(t, ValidateProvider(SourceProvider, provider(t, postgresProvider)))

	noReactivator := provider(t, `{"services": {"proxy": {"image": "p"}}}`)
	err := ValidateProvider(SourceProvider, noReactivator)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.Contains(t, err.Error(), "Invalid Source Provider definition")

	require.NoError(t, ValidateProvider(ReactionProvider, noReactivator))

	badEndpoint := provider(t, `{"services": {"api": {"image": "a", "endpoints": {"e": {"setting": "public", "target": "$port"}}}}}`)
	err = ValidateProvider(ReactionProvider, badEndpoint)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid Reaction Provider definition")
}

func TestValidateProviderRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		kind ProviderKind
		spec string
	}{
		{"missing image", ReactionProvider, `{"services": {"reaction": {"dapr": {"app-port": "80"}}}}`},
		{"empty image", ReactionProvider, `{"services": {"reaction": {"image": ""}}}`},
		{"empty services", ReactionProvider, `{"services": {}}`},
		{"no services", ReactionProvider, `{}`},
		{"unknown endpoint setting", ReactionProvider,
			`{"services": {"api": {"image": "a", "endpoints": {"e": {"setting": "public", "target": "$port"}}}}}`},
		{"endpoint target not a reference", ReactionProvider,
			`{"services": {"api": {"image": "a", "endpoints": {"e": {"setting": "internal", "target": "port"}}}}}`},
		{"source without proxy", SourceProvider, `{"services": {"reactivator": {"image": "r"}}}`},
		{"source proxy without image", SourceProvider,
			`{"services": {"proxy": {"dapr": {"app-port": "80"}}, "reactivator": {"image": "r"}}}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateProvider(tc.kind, provider(t, tc.spec))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
			prefix := "Invalid " + string(tc.kind) + " Provider definition: "
			assert.True(t, strings.HasPrefix(err.Error(), prefix), "got %q", err.Error())
			assert.Greater(t, len(err.Error()), len(prefix))
		})
	}
}

func TestQueryValidator(t *testing.T) {
	ctx := context.Background()
	containers := persistence.NewMemoryRepository[models.QueryContainerSpec](persistence.CollectionQueryContainers)
	actors := newFakeActors()
	v := QueryValidator{Containers: containers, Actors: actors}

	spec := models.QuerySpec{
		Container: "c1",
		Query:     "MATCH (n) RETURN n",
		Sources: models.QuerySources{
			Subscriptions: []models.QuerySubscription{{ID: "s1", Pipeline: []string{"unwind"}}},
			Middleware:    []models.SourceMiddlewareConfig{{Kind: "unwind", Name: "unwind"}},
		},
	}

	err := v.Validate(ctx, spec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.Contains(t, err.Error(), "Query container c1 does not exist")

	require.NoError(t, containers.Set(ctx, "c1", models.QueryContainerSpec{QueryHostCount: 1}))
	err = v.Validate(ctx, spec)
	assert.True(t, errors.Is(err, ErrQueryContainerOffline), "got %v", err)

	actors.setStatus(reconciler.QueryContainerActorType, models.QueryContainerStatus{Available: false})
	err = v.Validate(ctx, spec)
	assert.True(t, errors.Is(err, ErrQueryContainerOffline), "got %v", err)

	actors.setStatus(reconciler.QueryContainerActorType, models.QueryContainerStatus{Available: true})
	require.NoError(t, v.Validate(ctx, spec))

	spec.Sources.Subscriptions[0].Pipeline = []string{"unwind", "decoder"}
	err = v.Validate(ctx, spec)
	var invalid *InvalidSpecError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "Middleware 'decoder' referenced in pipeline for subscription 's1' is not defined in sources.middleware", invalid.Message)
}
