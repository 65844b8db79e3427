package bus

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/zoravur/continuum/internal/stream"
	"github.com/zoravur/continuum/internal/tracing"
)

// Publisher appends events to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, data any) (string, error)
}

// StreamPublisher publishes onto broker streams using the entry schema read
// by stream.Stream: data, enqueue_time, traceparent, tracestate.
type StreamPublisher struct {
	broker stream.Broker
	clock  clock.Clock
}

func NewStreamPublisher(broker stream.Broker, clk clock.Clock) *StreamPublisher {
	if clk == nil {
		clk = clock.WallClock
	}
	return &StreamPublisher{broker: broker, clock: clk}
}

// Publish marshals data to JSON. A json.RawMessage or []byte is written as is.
func (p *StreamPublisher) Publish(ctx context.Context, topic string, data any) (string, error) {
	var raw []byte
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return "", errors.Annotatef(err, "encoding event for %s", topic)
		}
		raw = b
	}
	traceParent, traceState := tracing.Inject(ctx)
	return p.PublishRaw(ctx, topic, raw, traceParent, traceState)
}

// PublishRaw appends pre-encoded data with explicit trace fields.
func (p *StreamPublisher) PublishRaw(ctx context.Context, topic string, data []byte, traceParent, traceState string) (string, error) {
	fields := map[string]string{
		stream.FieldData:        string(data),
		stream.FieldEnqueueTime: strconv.FormatInt(p.clock.Now().UnixMilli(), 10),
	}
	if traceParent != "" {
		fields[stream.FieldTraceParent] = traceParent
	}
	if traceState != "" {
		fields[stream.FieldTraceState] = traceState
	}
	id, err := p.broker.Add(ctx, topic, fields)
	if err != nil {
		return "", errors.Annotatef(err, "publishing to %s", topic)
	}
	return id, nil
}
