package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "camstream"

type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
	Version     string
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "camstream",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
		Version:     "dev",
	}
}

// Init installs a Jaeger-backed global tracer provider. With tracing
// disabled the otel no-op provider stays in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return Install(tracesdk.WithBatcher(exp), tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	), nil
}

// Install sets a global SDK provider built from opts. Tests use it with a
// span recorder.
func Install(opts ...tracesdk.TracerProviderOption) *TracerProvider {
	tp := tracesdk.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TracerProvider{tp: tp}
}

// Shutdown flushes pending spans. It is a no-op when tracing is off.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	DriverKey       = attribute.Key("camera.driver")
	ModuleKey       = attribute.Key("camera.module")
	PhotoKey        = attribute.Key("photo.filename")
	PhotoSizeKey    = attribute.Key("photo.size")
	FeedPausedKey   = attribute.Key("camera.feed_paused")
	AttemptsKey     = attribute.Key("capture.attempts")
	ReadersKey      = attribute.Key("stream.readers")
	ClientIPKey     = attribute.Key("client.ip")
	AuthOutcomeKey  = attribute.Key("auth.outcome")
	DurationKey     = attribute.Key("duration_ms")
	FramesServedKey = attribute.Key("stream.frames_served")
)

// TraceHTTPRequest opens the server span for one request. route is the
// gin route pattern, not the raw path.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s %s", method, route),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

func TraceCamera(ctx context.Context, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, "camera."+operation,
		trace.WithAttributes(attribute.String("camera.operation", operation)),
	)
}

func TraceAuth(ctx context.Context, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, "auth."+operation,
		trace.WithAttributes(attribute.String("auth.operation", operation)),
	)
}

func MeasureDuration(ctx context.Context, start time.Time) {
	AddSpanAttributes(ctx, DurationKey.Int64(time.Since(start).Milliseconds()))
}
