package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtractRoundTrip(t *testing.T) {
	tp := Setup("tracing-test", sdktrace.WithSampler(sdktrace.AlwaysSample()))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := Tracer().Start(context.Background(), "origin")
	defer span.End()

	parent, _ := Inject(ctx)
	require.NotEmpty(t, parent)

	remote := trace.SpanContextFromContext(Extract(context.Background(), parent, ""))
	assert.True(t, remote.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), remote.TraceID())

	child, childSpan := StartSpan(context.Background(), "child", parent, "")
	defer childSpan.End()
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(child).TraceID())
}

func TestInjectWithoutSpan(t *testing.T) {
	parent, state := Inject(context.Background())
	assert.Empty(t, parent)
	assert.Empty(t, state)

	ctx := context.Background()
	assert.Equal(t, ctx, Extract(ctx, "", ""))
}
