package invoke

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver(t *testing.T) {
	r := Resolver{Template: "http://%s:80/", Overrides: map[string]string{"local": "http://127.0.0.1:4000/"}}
	assert.Equal(t, "http://node-a-publish-api:80", r.Resolve("node-a-publish-api"))
	assert.Equal(t, "http://127.0.0.1:4000", r.Resolve("local"))
	assert.Equal(t, "http://x", Resolver{}.Resolve("x"))
}

func TestInvokeRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/change", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["msg"]})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.Client(), Resolver{Overrides: map[string]string{"app": srv.URL}})
	var out map[string]string
	require.NoError(t, inv.Invoke(context.Background(), "app", "change", map[string]string{"msg": "hi"}, &out))
	assert.Equal(t, "hi", out["echo"])
}

func TestInvokeErrorKinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.Error(w, "no such thing", http.StatusNotFound)
		case "/invalid":
			http.Error(w, "bad spec", http.StatusBadRequest)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.Client(), Resolver{Overrides: map[string]string{"app": srv.URL}})
	ctx := context.Background()

	assert.True(t, errors.Is(inv.Invoke(ctx, "app", "missing", nil, nil), errors.NotFound))

	err := inv.Invoke(ctx, "app", "invalid", nil, nil)
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.Contains(t, err.Error(), "bad spec")

	err = inv.Invoke(ctx, "app", "other", nil, nil)
	assert.Contains(t, err.Error(), "returned 500")

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(inv.Invoke(short, "app", "slow", nil, nil), errors.Timeout))
}

func TestStreamReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{\"id\":\"1\"}\n{\"id\":\"2\"}\n")
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(nil, Resolver{Overrides: map[string]string{"src-query-api": srv.URL}})
	rc, err := inv.Stream(context.Background(), "src-query-api", "subscription", map[string]string{})
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(body), "\n"))
}
