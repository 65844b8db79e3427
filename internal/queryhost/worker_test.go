package queryhost

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/zoravur/continuum/internal/bus"
	"github.com/zoravur/continuum/internal/engine"
	"github.com/zoravur/continuum/internal/models"
	"github.com/zoravur/continuum/internal/persistence"
	"github.com/zoravur/continuum/internal/publishapi"
	"github.com/zoravur/continuum/internal/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const peopleBootstrap = `{"id":"p1","labels":["Person"],"properties":{"name":"Ann"}}
{"id":"p2","labels":["Person"],"properties":{"name":"Bob"}}
{"id":"k1","labels":["KNOWS"],"properties":{"since":2020},"startId":"p1","endId":"p2"}
`

type fakeSources struct {
	mu           sync.Mutex
	bootstrap    string
	subscribed   []models.SubscriptionRequest
	unsubscribed []string
}

func (f *fakeSources) Subscribe(_ context.Context, sourceID string, req models.SubscriptionRequest) (*BootstrapIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, req)
	return NewBootstrapIterator(io.NopCloser(strings.NewReader(f.bootstrap))), nil
}

func (f *fakeSources) Unsubscribe(_ context.Context, sourceID, queryNodeID, queryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, sourceID+"/"+queryNodeID+"/"+queryID)
	return nil
}

func peopleSpec() models.QuerySpec {
	return models.QuerySpec{
		Container: "c1",
		Mode:      "query",
		Query:     "MATCH (a:Person)-[k:KNOWS]->(b:Person) RETURN a, k, b",
		Sources: models.QuerySources{Subscriptions: []models.QuerySubscription{{
			ID:        "s1",
			Nodes:     []models.QuerySourceLabel{{SourceLabel: "Person"}},
			Relations: []models.QuerySourceLabel{{SourceLabel: "KNOWS"}},
		}}},
	}
}

// durable hides the projection's volatility so a completed bootstrap is kept.
type durable struct{ engine.Engine }

var durableProjection = engine.BuilderFunc(func(_ context.Context, _ string, spec models.QuerySpec, _ engine.FutureQueue) (engine.Engine, error) {
	return durable{engine.NewLabelProjection(spec)}, nil
})

type harness struct {
	clock     *testclock.Clock
	broker    *stream.MemoryBroker
	publisher *bus.StreamPublisher
	sources   *fakeSources
	sequences *persistence.MemorySequenceStore
	lifecycle *Lifecycle
}

func newHarness() *harness {
	clk := testclock.NewClock(time.UnixMilli(1_700_000_000_000))
	broker := stream.NewMemoryBroker(clk)
	return &harness{
		clock:     clk,
		broker:    broker,
		publisher: bus.NewStreamPublisher(broker, clk),
		sources:   &fakeSources{bootstrap: peopleBootstrap},
		sequences: persistence.NewMemorySequenceStore(),
		lifecycle: NewLifecycle(LifecycleRecord{}),
	}
}

func (h *harness) worker(queryID string) *Worker {
	return NewWorker(WorkerConfig{
		ContainerID: "c1",
		QueryID:     queryID,
		Spec:        peopleSpec(),
		Partition:   Single,
		Lifecycle:   h.lifecycle,
		Broker:      h.broker,
		Publisher:   h.publisher,
		Sources:     h.sources,
		Sequences:   h.sequences,
		Logger:      zap.NewNop(),
		Clock:       h.clock,
	})
}

func (h *harness) results(t *testing.T, queryID string, n int) []models.ResultEvent {
	t.Helper()
	entries := h.broker.WaitForEntries(bus.ResultsTopic(queryID), n, 5*time.Second)
	out := make([]models.ResultEvent, 0, len(entries))
	for _, e := range entries {
		var evt models.ResultEvent
		require.NoError(t, json.Unmarshal([]byte(e.Fields[stream.FieldData]), &evt))
		out = append(out, evt)
	}
	return out
}

func waitRunning(t *testing.T, lc *Lifecycle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := lc.WaitFor(ctx, func(s models.QueryState) bool {
		return s.Kind == models.StateRunning || s.IsError()
	})
	require.NoError(t, err)
	require.Equal(t, models.StateRunning, state.Kind, "state %v", state)
}

func controlSignal(evt models.ResultEvent) models.ControlSignal {
	if evt.Control == nil {
		return ""
	}
	return evt.Control.ControlSignal
}

func personInserted(id, name string, queries ...string) models.ChangeEvent {
	return models.ChangeEvent{
		ID:          "change-" + id,
		SourceID:    "s1",
		Time:        models.ChangeTime{Seq: 1, Ns: 1_700_000_001_000},
		Queries:     queries,
		Op:          models.OpInsert,
		ElementType: kindPtr(models.KindNode),
		After:       &models.ChangePayload{ID: strPtr(id), Labels: []string{"Person"}, Properties: map[string]any{"name": name}},
	}
}

func TestWorkerBootstrapsThenRuns(t *testing.T) {
	h := newHarness()
	w := h.worker("q1")
	w.Start()
	defer w.Stop()

	waitRunning(t, h.lifecycle)
	assert.True(t, h.lifecycle.Bootstrapped())

	results := h.results(t, "q1", 6)
	require.Len(t, results, 6)
	assert.Equal(t, models.SignalBootstrapStarted, controlSignal(results[0]))
	for _, evt := range results[1:4] {
		require.NotNil(t, evt.Change)
		assert.Len(t, evt.Change.AddedResults, 1)
	}
	assert.Equal(t, models.SignalBootstrapCompleted, controlSignal(results[4]))
	assert.Equal(t, models.SignalRunning, controlSignal(results[5]))
	for i, evt := range results {
		assert.Equal(t, uint64(i+1), evt.Sequence())
	}

	require.Len(t, h.sources.subscribed, 1)
	assert.Equal(t, models.SubscriptionRequest{
		QueryNodeID: "c1", QueryID: "q1", NodeLabels: []string{"Person"}, RelLabels: []string{"KNOWS"},
	}, h.sources.subscribed[0])
}

func TestWorkerProcessesLiveChanges(t *testing.T) {
	h := newHarness()
	w := h.worker("q1")
	w.Start()
	defer w.Stop()

	waitRunning(t, h.lifecycle)
	h.results(t, "q1", 6)
	h.clock.Advance(time.Second)

	ctx := context.Background()
	topic := publishapi.PublishTopic("c1")
	_, err := h.publisher.Publish(ctx, topic, personInserted("p9", "Zed", "q2"))
	require.NoError(t, err)
	_, err = h.publisher.Publish(ctx, topic, personInserted("p3", "Cat", "q1"))
	require.NoError(t, err)

	results := h.results(t, "q1", 7)
	require.Len(t, results, 7)
	last := results[6]
	require.NotNil(t, last.Change)
	assert.Equal(t, uint64(7), last.Change.Sequence)
	assert.Equal(t, uint64(1_700_000_001_000), last.Change.SourceTimeMs)
	require.Len(t, last.Change.AddedResults, 1)
	assert.Equal(t, "p3", last.Change.AddedResults[0]["id"])

	tracking := last.Change.Metadata["tracking"].(map[string]any)["query"].(map[string]any)
	assert.Contains(t, tracking, "dequeue_ns")
	assert.Contains(t, tracking, "queryStart_ns")
	assert.Contains(t, tracking, "queryEnd_ns")

	// an unchanged re-insert yields no result
	_, err = h.publisher.Publish(ctx, topic, personInserted("p3", "Cat", "q1"))
	require.NoError(t, err)
	_, err = h.publisher.Publish(ctx, topic, personInserted("p4", "Dan", "q1"))
	require.NoError(t, err)
	results = h.results(t, "q1", 8)
	require.Len(t, results, 8)
	assert.Equal(t, "p4", results[7].Change.AddedResults[0]["id"])
}

func TestWorkerInvalidChangeIsTerminal(t *testing.T) {
	h := newHarness()
	w := h.worker("q1")
	w.Start()
	defer w.Stop()
	waitRunning(t, h.lifecycle)
	h.clock.Advance(time.Second)

	broken := personInserted("p5", "Eve", "q1")
	broken.After = nil
	id, err := h.publisher.Publish(context.Background(), publishapi.PublishTopic("c1"), broken)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := h.lifecycle.WaitFor(ctx, func(s models.QueryState) bool { return s.IsError() })
	require.NoError(t, err)
	assert.Equal(t, models.StateTerminalError, state.Kind)
	assert.Contains(t, state.Message, id)
	assert.Contains(t, state.Message, "missing after payload")
}

func TestWorkerStopPublishesStopped(t *testing.T) {
	h := newHarness()
	w := h.worker("q1")
	w.Start()
	waitRunning(t, h.lifecycle)

	require.NoError(t, w.Stop())
	results := h.results(t, "q1", 7)
	require.Len(t, results, 7)
	assert.Equal(t, models.SignalStopped, controlSignal(results[6]))
}

func TestWorkerDeleteCleansUp(t *testing.T) {
	h := newHarness()
	w := h.worker("q1")
	w.Start()
	waitRunning(t, h.lifecycle)

	require.NoError(t, w.Delete(context.Background()))
	results := h.results(t, "q1", 7)
	require.Len(t, results, 7)
	assert.Equal(t, models.SignalQueryDeleted, controlSignal(results[6]))
	assert.Equal(t, []string{"s1/c1/q1"}, h.sources.unsubscribed)

	pos, err := h.sequences.Get(context.Background(), "q1")
	require.NoError(t, err)
	assert.Zero(t, pos.Sequence)
}

func TestWorkerResumesWithoutBootstrapWhenEngineIsDurable(t *testing.T) {
	h := newHarness()
	h.lifecycle = NewLifecycle(LifecycleRecord{State: models.NewState(models.StateRunning), Bootstrapped: true})
	w := h.worker("q1")
	w.cfg.Engines = durableProjection
	w.Start()
	defer w.Stop()

	waitRunning(t, h.lifecycle)
	results := h.results(t, "q1", 1)
	require.Len(t, results, 1)
	assert.Equal(t, models.SignalRunning, controlSignal(results[0]))
	assert.Empty(t, h.sources.subscribed)
}

func TestFutureConsumerRepublishes(t *testing.T) {
	h := newHarness()
	f := NewFutureConsumer(h.publisher, publishapi.PublishTopic("c1"), "q1", zap.NewNop(), h.clock)
	ref := models.FutureRef{
		Reference:      models.ElementReference{SourceID: "s1", ElementID: "p1"},
		OriginalTime:   10,
		DueTime:        20,
		GroupSignature: 7,
	}
	require.NoError(t, f.OnDue(context.Background(), ref))
	assert.Equal(t, uint64(1_700_000_000_000), f.Now())

	entries := h.broker.Entries(publishapi.PublishTopic("c1"))
	require.Len(t, entries, 1)
	var evt models.ChangeEvent
	require.NoError(t, json.Unmarshal([]byte(entries[0].Fields[stream.FieldData]), &evt))
	assert.Equal(t, models.OpFuture, evt.Op)
	assert.Equal(t, []string{"q1"}, evt.Queries)
	change, err := evt.ToSourceChange()
	require.NoError(t, err)
	assert.Equal(t, ref, *change.Future)
}
