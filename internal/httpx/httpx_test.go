package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zoravur/continuum/internal/logutil"
)

func TestStatusOf(t *testing.T) {
	cases := map[int]error{
		http.StatusOK:                  nil,
		http.StatusNotFound:            errors.NotFoundf("query q1"),
		http.StatusBadRequest:          errors.NewNotValid(nil, "bad"),
		http.StatusConflict:            errors.AlreadyExistsf("query"),
		http.StatusGatewayTimeout:      errors.Timeoutf("call"),
		http.StatusInternalServerError: errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, StatusOf(err), "%v", err)
	}
	assert.Equal(t, http.StatusNotFound, StatusOf(errors.Annotate(errors.NotFoundf("x"), "loading")))
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var seen *zap.Logger
	h := LoggingMiddleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logutil.FromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/sources", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.NotNil(t, seen)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["trace_id"])
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
}

func TestArrayWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	a := NewArrayWriter(rec)
	require.NoError(t, a.Write(map[string]int{"a": 1}))
	require.NoError(t, a.Write(2))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.JSONEq(t, `[{"a":1},2]`, rec.Body.String())

	rec = httptest.NewRecorder()
	require.NoError(t, NewArrayWriter(rec).Close())
	assert.Equal(t, "[]", rec.Body.String())
}
