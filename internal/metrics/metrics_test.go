package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollector(t *testing.T) {
	c := NewCollector()
	c.ChangeRouted("src")
	c.ChangeProcessed("q1", 3*time.Millisecond)
	c.StreamError("q1-publish", "io")
	c.QueryStarted()

	h, err := Handler(c)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `continuum_changes_routed_total{source_id="src"} 1`)
	assert.Contains(t, string(body), `continuum_stream_errors_total{kind="io",stream="q1-publish"} 1`)
	assert.Contains(t, string(body), "continuum_active_queries 1")
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ChangeRouted("a")
		c.ResultPublished("q", "change")
		c.QueryStopped()
	})
}
