package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/zoravur/continuum"

// Setup installs a TracerProvider for serviceName and the W3C trace context
// propagator. Callers must Shutdown the provider on exit to flush spans.
func Setup(serviceName string, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	tp := sdktrace.NewTracerProvider(append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, opts...)...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp
}

// Tracer returns the module tracer from the installed provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Inject returns the traceparent and tracestate for the span in ctx. Both are
// empty when ctx carries no valid span.
func Inject(ctx context.Context) (traceParent, traceState string) {
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier.Get("traceparent"), carrier.Get("tracestate")
}

// Extract returns ctx with the remote span described by traceParent and traceState.
func Extract(ctx context.Context, traceParent, traceState string) context.Context {
	if traceParent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceParent}
	if traceState != "" {
		carrier["tracestate"] = traceState
	}
	return propagation.TraceContext{}.Extract(ctx, carrier)
}

// StartSpan starts a span on the module tracer, continuing the remote trace
// described by traceParent when present.
func StartSpan(ctx context.Context, name, traceParent, traceState string) (context.Context, trace.Span) {
	return Tracer().Start(Extract(ctx, traceParent, traceState), name)
}
