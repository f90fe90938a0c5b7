package obs

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelEnabledEnv  = "OFFLINE_CACHE_OTEL_ENABLED"
	otelEndpointEnv = "OFFLINE_CACHE_OTEL_ENDPOINT"
	tracerName      = "helpdesk_offline_cache"
)

// SetupTracing registers an OTLP/HTTP tracer provider when
// OFFLINE_CACHE_OTEL_ENDPOINT is set. Without it spans go to the global no-op
// provider. The returned shutdown flushes pending spans.
func SetupTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv(otelEnabledEnv), "false") {
		return noop, nil
	}
	endpoint := os.Getenv(otelEndpointEnv)
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InjectTraceHeaders propagates the span in ctx onto an outbound request.
func InjectTraceHeaders(ctx context.Context, header map[string][]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// ExtractTraceContext continues a trace started by the caller.
func ExtractTraceContext(ctx context.Context, header map[string][]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
}
