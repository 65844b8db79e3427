package reconciler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/actor"
	"github.com/zoravur/continuum/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestServiceControllerTracksHealthChecker(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	c := StartServiceController("svc", StaticChecker{}, time.Minute, zap.NewNop(), clk)
	defer func() { assert.NoError(t, c.Stop()) }()

	require.Eventually(t, func() bool { return c.Status().Kind == StatusOnline }, waitFor, tick)

	c.Update(StaticChecker{Err: errors.WithType(errors.New("500"), ErrUnhealthy)})
	require.Eventually(t, func() bool { return c.Status().Kind == StatusError }, waitFor, tick)
	assert.Contains(t, c.Status().String(), "Error: ")

	c.Update(StaticChecker{Err: errors.New("connection refused")})
	require.Eventually(t, func() bool { return c.Status().Kind == StatusOffline }, waitFor, tick)
	assert.Equal(t, "Offline: connection refused", c.Status().String())
}

func TestServiceControllerChecksPeriodically(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	checks := make(chan struct{}, 10)
	checker := CheckerFunc(func(context.Context) error {
		checks <- struct{}{}
		return nil
	})
	c := StartServiceController("svc", checker, time.Minute, zap.NewNop(), clk)
	defer func() { assert.NoError(t, c.Stop()) }()

	<-checks
	require.NoError(t, clk.WaitAdvance(time.Minute, waitFor, 1))
	select {
	case <-checks:
	case <-time.After(waitFor):
		t.Fatal("no check after the period elapsed")
	}
}

func TestHTTPChecker(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := HTTPChecker{URL: srv.URL + "/healthz", Client: srv.Client()}
	require.NoError(t, p.Check(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	err := p.Check(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnhealthy), "got %v", err)

	err = HTTPChecker{URL: "http://127.0.0.1:1/healthz"}.Check(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnhealthy))
}

func newRuntime(t *testing.T, state actor.StateStore, opts Options) (*actor.Runtime, *actor.Client) {
	t.Helper()
	rt := actor.NewRuntime(actor.Config{State: state, Clock: testclock.NewClock(time.Now()), Logger: zap.NewNop()})
	RegisterAll(rt, opts)
	t.Cleanup(rt.Stop)
	return rt, actor.NewClient(rt, nil, actor.Placement{})
}

func sourceStatus(t *testing.T, client *actor.Client, id string) (models.SourceStatus, error) {
	t.Helper()
	var st models.SourceStatus
	err := client.Call(context.Background(), SourceActorType, id, MethodGetStatus, nil, &st)
	return st, err
}

func TestSourceResourceLifecycle(t *testing.T) {
	offline := errors.New("connection refused")
	opts := Options{
		HealthPeriod: time.Minute,
		Checkers: func(appID string) HealthChecker {
			if appID == "s1-reactivator" {
				return StaticChecker{Err: offline}
			}
			return StaticChecker{}
		},
	}
	_, client := newRuntime(t, actor.NewMemoryStateStore(), opts)
	ctx := context.Background()

	_, err := sourceStatus(t, client, "s1")
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)

	spec := models.SourceSpec{Kind: "PostgreSQL", Services: map[string]models.ServiceConfig{"proxy": {}}}
	req := models.ResourceRequest[models.SourceSpec]{ID: "s1", Spec: spec}
	require.NoError(t, client.Call(ctx, SourceActorType, "s1", MethodConfigure, req, nil))
	require.Eventually(t, func() bool {
		st, err := sourceStatus(t, client, "s1")
		return err == nil && st.Available
	}, waitFor, tick)

	spec.Services["reactivator"] = models.ServiceConfig{}
	req.Spec = spec
	require.NoError(t, client.Call(ctx, SourceActorType, "s1", MethodConfigure, req, nil))
	require.Eventually(t, func() bool {
		st, err := sourceStatus(t, client, "s1")
		return err == nil && st.Messages["s1-reactivator"] == "Offline: connection refused"
	}, waitFor, tick)
	st, _ := sourceStatus(t, client, "s1")
	assert.False(t, st.Available)
	assert.Len(t, st.Messages, 1)

	require.NoError(t, client.Call(ctx, SourceActorType, "s1", MethodDeprovision, nil, nil))
	require.NoError(t, client.Call(ctx, SourceActorType, "s1", MethodDeprovision, nil, nil))
	_, err = sourceStatus(t, client, "s1")
	assert.True(t, errors.Is(err, errors.NotFound), "got %v", err)
}

func TestResourceRestoredOnActivation(t *testing.T) {
	state := actor.NewMemoryStateStore()
	rt, client := newRuntime(t, state, Options{HealthPeriod: time.Minute})
	ctx := context.Background()

	req := models.ResourceRequest[models.QueryContainerSpec]{ID: "c1", Spec: models.QueryContainerSpec{QueryHostCount: 2}}
	require.NoError(t, client.Call(ctx, QueryContainerActorType, "c1", MethodConfigure, req, nil))
	rt.Stop()

	rt2, client2 := newRuntime(t, state, Options{HealthPeriod: time.Minute})
	require.NoError(t, rt2.ActivateAll(ctx, QueryContainerActorType, KeySpec))
	require.Eventually(t, func() bool {
		var st models.QueryContainerStatus
		err := client2.Call(ctx, QueryContainerActorType, "c1", MethodGetStatus, nil, &st)
		return err == nil && st.Available
	}, waitFor, tick)
}

func TestValidateRejectsBeforePersisting(t *testing.T) {
	state := actor.NewMemoryStateStore()
	rt := actor.NewRuntime(actor.Config{State: state, Clock: testclock.NewClock(time.Now()), Logger: zap.NewNop()})
	t.Cleanup(rt.Stop)
	kind := ReactionKind()
	kind.Validate = func(spec models.ReactionSpec) error {
		if len(spec.Queries) == 0 {
			return errors.NotValidf("reaction without queries")
		}
		return nil
	}
	Register(rt, kind, Options{})
	client := actor.NewClient(rt, nil, actor.Placement{})
	ctx := context.Background()

	req := models.ResourceRequest[models.ReactionSpec]{ID: "r1", Spec: models.ReactionSpec{Kind: "Debug"}}
	err := client.Call(ctx, ReactionActorType, "r1", MethodConfigure, req, nil)
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	ids, err := state.IDs(ctx, ReactionActorType, KeySpec)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestQueryContainerServices(t *testing.T) {
	services := QueryContainerKind().Services
	assert.Equal(t, []string{"c1-query-host", "c1-publish-api", "c1-view-svc"},
		services("c1", models.QueryContainerSpec{}))
	assert.Equal(t, []string{"c1-query-host-p0", "c1-query-host-p1", "c1-publish-api", "c1-view-svc"},
		services("c1", models.QueryContainerSpec{QueryHostCount: 2}))

	assert.Equal(t, []string{"s1-change-router", "s1-change-dispatcher", "s1-query-api", "s1-proxy", "s1-reactivator"},
		SourceKind().Services("s1", models.SourceSpec{Services: map[string]models.ServiceConfig{"reactivator": {}, "proxy": {}}}))
}
