package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/continuum/internal/domain"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memResources[TSpec, TStatus any] struct {
	mu      sync.Mutex
	items   map[string]TSpec
	setErr  error
	ready   bool
	timeout time.Duration
}

func newMemResources[TSpec, TStatus any]() *memResources[TSpec, TStatus] {
	return &memResources[TSpec, TStatus]{items: map[string]TSpec{}}
}

func (m *memResources[TSpec, TStatus]) Set(_ context.Context, id string, spec TSpec) (models.Resource[TSpec, TStatus], error) {
	if m.setErr != nil {
		return models.Resource[TSpec, TStatus]{}, m.setErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[id] = spec
	return models.Resource[TSpec, TStatus]{ID: id, Spec: spec}, nil
}

func (m *memResources[TSpec, TStatus]) Get(_ context.Context, id string) (models.Resource[TSpec, TStatus], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.items[id]
	if !ok {
		return models.Resource[TSpec, TStatus]{}, errors.NotFoundf("resource %s", id)
	}
	return models.Resource[TSpec, TStatus]{ID: id, Spec: spec}, nil
}

func (m *memResources[TSpec, TStatus]) List(context.Context) ([]models.Resource[TSpec, TStatus], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Resource[TSpec, TStatus]{}
	for id, spec := range m.items {
		out = append(out, models.Resource[TSpec, TStatus]{ID: id, Spec: spec})
	}
	return out, nil
}

func (m *memResources[TSpec, TStatus]) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return errors.NotFoundf("resource %s", id)
	}
	delete(m.items, id)
	return nil
}

func (m *memResources[TSpec, TStatus]) WaitForReady(_ context.Context, id string, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return false, errors.NotFoundf("resource %s", id)
	}
	m.timeout = timeout
	return m.ready, nil
}

type memProviders struct {
	items map[string]models.ProviderSpec
}

func (m *memProviders) Set(_ context.Context, id string, spec models.ProviderSpec) (models.ResourceProvider, error) {
	m.items[id] = spec
	return models.ResourceProvider{ID: id, Spec: spec}, nil
}

func (m *memProviders) Get(_ context.Context, id string) (models.ResourceProvider, error) {
	spec, ok := m.items[id]
	if !ok {
		return models.ResourceProvider{}, errors.NotFoundf("provider %s", id)
	}
	return models.ResourceProvider{ID: id, Spec: spec}, nil
}

func (m *memProviders) List(context.Context) ([]models.ResourceProvider, error) {
	out := []models.ResourceProvider{}
	for id, spec := range m.items {
		out = append(out, models.ResourceProvider{ID: id, Spec: spec})
	}
	return out, nil
}

func (m *memProviders) Delete(_ context.Context, id string) error {
	delete(m.items, id)
	return nil
}

type scriptedDebugger struct {
	events []models.ResultEvent
	err    error
}

func (d scriptedDebugger) Debug(_ context.Context, _ models.QuerySpec, emit func(models.ResultEvent) error) error {
	for _, evt := range d.events {
		if err := emit(evt); err != nil {
			return err
		}
	}
	return d.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestResourceRoutes(t *testing.T) {
	queries := newMemResources[models.QuerySpec, models.QueryStatus]()
	h := (&Server{Queries: queries}).Routes(zaptest.NewLogger(t))

	rec := do(t, h, http.MethodPut, "/v1/continuousQueries/q1", `{"container":"default","mode":"query","query":"MATCH (n) RETURN n"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got models.Resource[models.QuerySpec, models.QueryStatus]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "q1", got.ID)
	assert.Equal(t, "default", got.Spec.Container)

	rec = do(t, h, http.MethodGet, "/v1/continuousQueries/q1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"MATCH (n) RETURN n"`)

	rec = do(t, h, http.MethodGet, "/v1/continuousQueries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Resource[models.QuerySpec, models.QueryStatus]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = do(t, h, http.MethodDelete, "/v1/continuousQueries/q1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/continuousQueries/q1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodDelete, "/v1/continuousQueries/q1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResourceErrors(t *testing.T) {
	queries := newMemResources[models.QuerySpec, models.QueryStatus]()
	h := (&Server{Queries: queries}).Routes(zaptest.NewLogger(t))

	rec := do(t, h, http.MethodPut, "/v1/continuousQueries/q1", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	queries.setErr = errors.NotValidf("Query container missing does not exist")
	rec = do(t, h, http.MethodPut, "/v1/continuousQueries/q1", `{"container":"missing"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing does not exist")

	queries.setErr = errors.Annotate(domain.ErrQueryContainerOffline, "default")
	rec = do(t, h, http.MethodPut, "/v1/continuousQueries/q1", `{"container":"default"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyWait(t *testing.T) {
	sources := newMemResources[models.SourceSpec, models.SourceStatus]()
	h := (&Server{Sources: sources}).Routes(zaptest.NewLogger(t))

	rec := do(t, h, http.MethodGet, "/v1/sources/s1/ready-wait", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := sources.Set(context.Background(), "s1", models.SourceSpec{Kind: "PostgreSQL"})
	require.NoError(t, err)

	rec = do(t, h, http.MethodGet, "/v1/sources/s1/ready-wait?timeout=5", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, 5*time.Second, sources.timeout)

	sources.ready = true
	rec = do(t, h, http.MethodGet, "/v1/sources/s1/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DefaultReadyTimeout, sources.timeout)

	rec = do(t, h, http.MethodGet, "/v1/sources/s1/ready?timeout=301", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "timeout must be less than 5 minutes")

	rec = do(t, h, http.MethodGet, "/v1/sources/s1/ready?timeout=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProviderRoutes(t *testing.T) {
	providers := &memProviders{items: map[string]models.ProviderSpec{}}
	h := (&Server{SourceProviders: providers}).Routes(zaptest.NewLogger(t))

	rec := do(t, h, http.MethodPut, "/v1/sourceProviders/PostgreSQL", `{"services":{}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, providers.items, "PostgreSQL")

	rec = do(t, h, http.MethodGet, "/v1/sourceProviders/PostgreSQL", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/v1/sourceProviders/Other", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodDelete, "/v1/sourceProviders/PostgreSQL", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, providers.items)

	rec = do(t, h, http.MethodGet, "/v1/reactionProviders", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func debugEvents() []models.ResultEvent {
	return []models.ResultEvent{
		models.NewControlEvent("debug-1", 1, 10, models.SignalBootstrapStarted),
		models.NewChangeEvent(models.ResultChange{
			QueryID: "debug-1", Sequence: 2, SourceTimeMs: 11,
			AddedResults: []map[string]any{{"name": "a"}},
		}),
		models.NewControlEvent("debug-1", 3, 12, models.SignalBootstrapCompleted),
	}
}

func TestDebugStreamsArray(t *testing.T) {
	srv := &Server{
		Queries: newMemResources[models.QuerySpec, models.QueryStatus](),
		Debug:   scriptedDebugger{events: debugEvents()},
	}
	h := srv.Routes(zaptest.NewLogger(t))

	rec := do(t, h, http.MethodPost, "/v1/continuousQueries/debug", `{"container":"default","query":"MATCH (n) RETURN n"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 3)
	assert.Contains(t, string(out[1]), `"name":"a"`)
}

func TestDebugErrors(t *testing.T) {
	srv := &Server{
		Queries: newMemResources[models.QuerySpec, models.QueryStatus](),
		Debug:   scriptedDebugger{err: errors.NotValidf("Query failed to start - boom")},
	}
	h := srv.Routes(zaptest.NewLogger(t))

	rec := do(t, h, http.MethodPost, "/v1/continuousQueries/debug", `{"container":"default"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Query failed to start")

	srv.Debug = scriptedDebugger{}
	h = srv.Routes(zaptest.NewLogger(t))
	rec = do(t, h, http.MethodPost, "/v1/continuousQueries/debug", `{"container":"default"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", rec.Body.String())
}

func TestDebugWebSocket(t *testing.T) {
	srv := &Server{Debug: scriptedDebugger{events: debugEvents()}}
	ts := httptest.NewServer(srv.Routes(zaptest.NewLogger(t)))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/debug", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(models.QuerySpec{Container: "default", Query: "MATCH (n) RETURN n"}))

	var types []string
	for {
		var env struct {
			Type string          `json:"type"`
			ID   string          `json:"id"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		assert.Equal(t, "debug-1", env.ID)
		types = append(types, env.Type)
	}
	assert.Equal(t, []string{protocol.TypeControl, protocol.TypeChange, protocol.TypeControl}, types)
}
