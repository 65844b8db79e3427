package sourceapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/stream"
)

type staticBootstrapper struct {
	body string
	err  error
	got  models.SubscriptionRequest
}

func (s *staticBootstrapper) Bootstrap(_ context.Context, req models.SubscriptionRequest) (io.ReadCloser, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.body)), nil
}

const snapshot = `{"id":"p1","labels":["Person"],"properties":{"name":"Ann"}}
{"id":"k1","labels":["KNOWS"],"properties":{},"startId":"p1","endId":"p2"}
`

func controlEvents(t *testing.T, b *stream.MemoryBroker) []models.SourceChangeMessage {
	t.Helper()
	var out []models.SourceChangeMessage
	for _, e := range b.Entries("src-change") {
		var msgs []models.SourceChangeMessage
		require.NoError(t, json.Unmarshal([]byte(e.Fields[stream.FieldData]), &msgs))
		out = append(out, msgs...)
	}
	return out
}

func TestSubscribeRecordsAndStreamsBootstrap(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(1700000000000))
	b := stream.NewMemoryBroker(clk)
	boot := &staticBootstrapper{body: snapshot}
	h := New("src", bus.NewStreamPublisher(b, clk), boot, clk).Routes(zaptest.NewLogger(t))

	req := models.SubscriptionRequest{QueryNodeID: "qc1", QueryID: "q1", NodeLabels: []string{"Person"}, RelLabels: []string{"KNOWS"}}
	raw, _ := json.Marshal(req)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/subscription", strings.NewReader(string(raw))))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, snapshot, rec.Body.String())
	assert.Equal(t, req, boot.got)

	events := controlEvents(t, b)
	require.Len(t, events, 1)
	evt := events[0]
	assert.True(t, evt.IsSubscription())
	assert.Equal(t, models.OpInsert, evt.Op)
	assert.EqualValues(t, 1700000000000, evt.TsMs)
	var got models.SubscriptionRequest
	require.NoError(t, json.Unmarshal(evt.Payload.After, &got))
	assert.Equal(t, req, got)
	assert.Empty(t, evt.Payload.Before)
}

func TestSubscribeValidatesRequest(t *testing.T) {
	b := stream.NewMemoryBroker(nil)
	h := New("src", bus.NewStreamPublisher(b, nil), &staticBootstrapper{}, nil).Routes(zaptest.NewLogger(t))

	for _, body := range []string{`nope`, `{"queryId":"q1"}`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/subscription", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, b.Entries("src-change"))
}

func TestSubscribeBootstrapFailure(t *testing.T) {
	b := stream.NewMemoryBroker(nil)
	boot := &staticBootstrapper{err: errors.New("proxy down")}
	h := New("src", bus.NewStreamPublisher(b, nil), boot, nil).Routes(zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/subscription",
		strings.NewReader(`{"queryNodeId":"qc1","queryId":"q1","nodeLabels":["A"]}`)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestUnsubscribePublishesRemoval(t *testing.T) {
	b := stream.NewMemoryBroker(nil)
	h := New("src", bus.NewStreamPublisher(b, nil), &staticBootstrapper{}, nil).Routes(zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/subscription/qc1/q1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	events := controlEvents(t, b)
	require.Len(t, events, 1)
	assert.Equal(t, models.OpDelete, events[0].Op)
	var sub models.Subscription
	require.NoError(t, json.Unmarshal(events[0].Payload.Before, &sub))
	assert.Equal(t, models.Subscription{QueryNodeID: "qc1", QueryID: "q1"}, sub)
}

type recordingInvoker struct {
	appID, method string
}

func (r *recordingInvoker) Invoke(context.Context, string, string, any, any) error { return nil }

func (r *recordingInvoker) Stream(_ context.Context, appID, method string, _ any) (io.ReadCloser, error) {
	r.appID, r.method = appID, method
	return io.NopCloser(strings.NewReader("")), nil
}

func TestRemoteBootstrapperCallsProxy(t *testing.T) {
	inv := &recordingInvoker{}
	b := RemoteBootstrapper{Invoker: inv, AppID: ProxyAppID("pg")}

	body, err := b.Bootstrap(context.Background(), models.SubscriptionRequest{QueryID: "q1"})
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "pg-proxy", inv.appID)
	assert.Equal(t, "acquire", inv.method)
}
