package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/stream"
)

func TestStreamPublisherWritesEntrySchema(t *testing.T) {
	clk := testclock.NewClock(time.UnixMilli(1700000000123))
	b := stream.NewMemoryBroker(clk)
	p := NewStreamPublisher(b, clk)

	_, err := p.Publish(context.Background(), "q1-results", map[string]int{"n": 1})
	require.NoError(t, err)
	_, err = p.PublishRaw(context.Background(), "q1-results", []byte(`[1]`), "00-abc-def-01", "k=v")
	require.NoError(t, err)

	entries := b.Entries("q1-results")
	require.Len(t, entries, 2)
	assert.JSONEq(t, `{"n":1}`, entries[0].Fields[stream.FieldData])
	assert.Equal(t, "1700000000123", entries[0].Fields[stream.FieldEnqueueTime])
	_, hasParent := entries[0].Fields[stream.FieldTraceParent]
	assert.False(t, hasParent)
	assert.Equal(t, "00-abc-def-01", entries[1].Fields[stream.FieldTraceParent])
	assert.Equal(t, "k=v", entries[1].Fields[stream.FieldTraceState])
}

func TestPublishRawMessageVerbatim(t *testing.T) {
	b := stream.NewMemoryBroker(nil)
	p := NewStreamPublisher(b, nil)

	_, err := p.Publish(context.Background(), "s-dispatch", json.RawMessage(`[{"a":1}]`))
	require.NoError(t, err)
	assert.Equal(t, `[{"a":1}]`, b.Entries("s-dispatch")[0].Fields[stream.FieldData])
}

func TestHubDeliversByQuery(t *testing.T) {
	h := NewHub(zap.NewNop())
	got := make(chan models.ResultEvent, 2)
	unsub := h.SubscribeResults("q1", func(evt models.ResultEvent) { got <- evt })

	h.PublishResult(models.NewControlEvent("q2", 1, 1, models.SignalRunning))
	h.PublishResult(models.NewControlEvent("q1", 2, 1, models.SignalRunning))

	select {
	case evt := <-got:
		assert.Equal(t, "q1", evt.QueryID())
		assert.Equal(t, uint64(2), evt.Sequence())
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	unsub()
	h.PublishResult(models.NewControlEvent("q1", 3, 1, models.SignalStopped))
	select {
	case evt := <-got:
		t.Fatalf("unexpected event after unsubscribe: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}
