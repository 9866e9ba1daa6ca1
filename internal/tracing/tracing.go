// Package tracing wires OpenTelemetry tracing for the togglr server.
//
// Tracing is opt-in: it is enabled only when an OTLP endpoint is configured
// through OTEL_EXPORTER_OTLP_TRACES_ENDPOINT or OTEL_EXPORTER_OTLP_ENDPOINT.
// Without one, [Init] leaves the global no-op provider in place.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultServiceName = "togglr"

type options struct {
	sampleRatio    float64
	serviceVersion string
}

type Option func(*options)

// WithSampleRatio samples the given fraction of root spans. Child spans follow
// their parent's decision. Values outside [0, 1] are clamped.
func WithSampleRatio(ratio float64) Option {
	return func(o *options) {
		o.sampleRatio = min(max(ratio, 0), 1)
	}
}

// WithServiceVersion records the build version on the service resource.
func WithServiceVersion(version string) Option {
	return func(o *options) {
		o.serviceVersion = strings.TrimSpace(version)
	}
}

// Init installs a global tracer provider exporting over OTLP/HTTP and the
// W3C trace-context and baggage propagators. The returned function flushes
// pending spans and must be called on shutdown.
func Init(ctx context.Context, opts ...Option) (shutdown func(context.Context) error, err error) {
	endpoint := endpointFromEnv()
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}

	o := options{sampleRatio: 1}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := newResource(o)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(o.sampleRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// endpointFromEnv prefers the traces-specific endpoint, as the OTLP exporter
// itself does.
func endpointFromEnv() string {
	for _, key := range []string{"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		if endpoint := strings.TrimSpace(os.Getenv(key)); endpoint != "" {
			return endpoint
		}
	}
	return ""
}

func newResource(o options) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceNameFromEnv())}
	if o.serviceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(o.serviceVersion))
	}
	// Merge rejects two differing schema URLs; the default one wins.
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func serviceNameFromEnv() string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return defaultServiceName
}
