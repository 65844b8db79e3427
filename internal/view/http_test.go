package view_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/protocol"
	"github.com/zoravur/continuum/internal/reactive"
	"github.com/zoravur/continuum/internal/view"
)

func newViewServer(t *testing.T, f *fixture) (*httptest.Server, *reactive.Registry) {
	t.Helper()
	live := reactive.NewRegistry(f.hub, zap.NewNop())
	h := &view.Handler{Store: f.store, Live: live}
	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		live.Close()
	})
	return srv, live
}

func seedView(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.InitView(ctx, "q1", models.RetentionPolicy{Kind: models.RetainAll}))
	c := change(1, 1000)
	c.AddedResults = []map[string]any{{"id": "a"}}
	require.NoError(t, f.store.RecordChange(ctx, "q1", c))
	c = change(2, 2000)
	c.AddedResults = []map[string]any{{"id": "b"}}
	require.NoError(t, f.store.RecordChange(ctx, "q1", c))
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHandlerGetView(t *testing.T) {
	f := newFixture()
	seedView(t, f)
	srv, _ := newViewServer(t, f)

	status, body := get(t, srv.URL+"/q1")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[{"header":{"sequence":2,"timestamp":2000,"state":null}},{"data":{"id":"a"}},{"data":{"id":"b"}}]`, body)

	status, body = get(t, srv.URL+"/q1?timestamp=1500")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[{"header":{"sequence":2,"timestamp":2000,"state":null}},{"data":{"id":"a"}}]`, body)

	status, _ = get(t, srv.URL+"/q1?timestamp=yesterday")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = get(t, srv.URL+"/missing")
	assert.Equal(t, http.StatusNotFound, status)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (protocol.Message, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env struct {
		protocol.Message
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&env))
	return env.Message, env.Data
}

func TestHandlerLiveSubscription(t *testing.T) {
	f := newFixture()
	seedView(t, f)
	srv, live := newViewServer(t, f)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.Subscribe{
		Message: protocol.Message{Type: protocol.TypeSubscribe, ID: "s1"},
		QueryID: "q1",
	}))

	msg, data := readEnvelope(t, conn)
	assert.Equal(t, protocol.Message{Type: protocol.TypeSnapshot, ID: "s1"}, msg)
	assert.JSONEq(t, `[{"header":{"sequence":2,"timestamp":2000,"state":null}},{"data":{"id":"a"}},{"data":{"id":"b"}}]`, string(data))
	msg, _ = readEnvelope(t, conn)
	assert.Equal(t, protocol.Message{Type: protocol.TypeSubscribed, ID: "s1"}, msg)

	_, ok := live.Get("q1")
	require.True(t, ok)

	// already part of the snapshot
	f.hub.PublishResult(added("q1", 2, map[string]any{"id": "b"}))
	f.hub.PublishResult(added("q1", 3, map[string]any{"id": "c"}))

	msg, data = readEnvelope(t, conn)
	assert.Equal(t, protocol.Message{Type: protocol.TypeChange, ID: "s1"}, msg)
	var evt models.ResultEvent
	require.NoError(t, json.Unmarshal(data, &evt))
	require.NotNil(t, evt.Change)
	assert.Equal(t, uint64(3), evt.Change.Sequence)

	require.NoError(t, conn.WriteJSON(protocol.Message{Type: protocol.TypeUnsubscribe, ID: "s1"}))
	msg, _ = readEnvelope(t, conn)
	assert.Equal(t, protocol.Message{Type: protocol.TypeUnsubscribed, ID: "s1"}, msg)
	_, ok = live.Get("q1")
	assert.False(t, ok)

	require.NoError(t, conn.WriteJSON(protocol.Subscribe{
		Message: protocol.Message{Type: protocol.TypeSubscribe, ID: "s2"},
		QueryID: "missing",
	}))
	msg, _ = readEnvelope(t, conn)
	assert.Equal(t, protocol.Message{Type: protocol.TypeError, ID: "s2"}, msg)
}
