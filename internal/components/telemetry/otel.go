package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type OtlpConfig struct {
	GrpcEndpoint string            `json:"grpc_endpoint" validate:"omitempty,url"`
	HttpEndpoint string            `json:"http_endpoint" validate:"omitempty,url"`
	Headers      map[string]string `json:"headers"`
}

func (c OtlpConfig) Enabled() bool {
	return c.GrpcEndpoint != "" || c.HttpEndpoint != ""
}

// Otel holds the providers created by SetupOtel.
type Otel struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
}

// Shutdown flushes and stops both providers, it is a no-op on the zero value.
func (o Otel) Shutdown(ctx context.Context) error {
	var errs []error
	if o.TracerProvider != nil {
		errs = append(errs, o.TracerProvider.Shutdown(ctx))
	}
	if o.MeterProvider != nil {
		errs = append(errs, o.MeterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// SetupOtel installs global meter and tracer providers exporting to the configured OTLP
// endpoint.
func SetupOtel(ctx context.Context, serviceName string, config OtlpConfig) (Otel, error) {
	if !config.Enabled() {
		return Otel{}, errors.New("otlp: no endpoint configured")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second*15)
	defer cancel()

	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return Otel{}, err
	}

	metricExporter, err := otlpMetricExporter(ctx, config)
	if err != nil {
		return Otel{}, err
	}
	traceExporter, err := otlpTraceExporter(ctx, config)
	if err != nil {
		return Otel{}, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(time.Second*5))),
		sdkmetric.WithResource(r),
	)
	otel.SetMeterProvider(meterProvider)

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(r),
	)
	otel.SetTracerProvider(tracerProvider)

	return Otel{MeterProvider: meterProvider, TracerProvider: tracerProvider}, nil
}

func otlpTraceExporter(ctx context.Context, c OtlpConfig) (sdktrace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()

	if c.GrpcEndpoint != "" {
		return otlptracegrpc.New(
			ctx,
			otlptracegrpc.WithEndpointURL(c.GrpcEndpoint),
			otlptracegrpc.WithHeaders(c.Headers),
		)
	}
	return otlptracehttp.New(
		ctx,
		otlptracehttp.WithEndpointURL(c.HttpEndpoint),
		otlptracehttp.WithHeaders(c.Headers),
	)
}

func otlpMetricExporter(ctx context.Context, c OtlpConfig) (sdkmetric.Exporter, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second*3)
	defer cancel()

	if c.GrpcEndpoint != "" {
		return otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpointURL(c.GrpcEndpoint),
			otlpmetricgrpc.WithHeaders(c.Headers),
		)
	}
	return otlpmetrichttp.New(
		ctx,
		otlpmetrichttp.WithEndpointURL(c.HttpEndpoint),
		otlpmetrichttp.WithHeaders(c.Headers),
	)
}

// OtelAPI forwards every report to an inner API and additionally records broken/warning
// reports as counters and ReportCount as a gauge, keyed by report id.
type OtelAPI struct {
	inner    API
	broken   metric.Int64Counter
	warnings metric.Int64Counter
	counts   metric.Int64Gauge
}

func NewOtelAPI(meter metric.Meter, inner API) (OtelAPI, error) {
	broken, err := meter.Int64Counter("reports_broken")
	if err != nil {
		return OtelAPI{}, fmt.Errorf("create broken counter: %w", err)
	}
	warnings, err := meter.Int64Counter("reports_warning")
	if err != nil {
		return OtelAPI{}, fmt.Errorf("create warning counter: %w", err)
	}
	counts, err := meter.Int64Gauge("reports_count")
	if err != nil {
		return OtelAPI{}, fmt.Errorf("create count gauge: %w", err)
	}
	return OtelAPI{
		inner:    inner,
		broken:   broken,
		warnings: warnings,
		counts:   counts,
	}, nil
}

func (o OtelAPI) ReportBroken(id string, params ...any) {
	o.broken.Add(context.Background(), 1, metric.WithAttributes(attribute.String("id", id)))
	o.inner.ReportBroken(id, params...)
}

func (o OtelAPI) ReportWarning(id string, params ...any) {
	o.warnings.Add(context.Background(), 1, metric.WithAttributes(attribute.String("id", id)))
	o.inner.ReportWarning(id, params...)
}

func (o OtelAPI) ReportDebug(msg string, params ...any) {
	o.inner.ReportDebug(msg, params...)
}

func (o OtelAPI) ReportCount(id string, count int64) {
	o.counts.Record(context.Background(), count, metric.WithAttributes(attribute.String("id", id)))
	o.inner.ReportCount(id, count)
}
