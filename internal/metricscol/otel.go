package metricscol

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ExporterType selects which OTel exporter OTelConfig wires up,
// mirroring the teacher's internal/otel.ExporterType.
type ExporterType string

const (
	ExporterNone     ExporterType = "none"
	ExporterStdout   ExporterType = "stdout"
	ExporterOTLPGRPC ExporterType = "otlp_grpc"
	ExporterOTLPHTTP ExporterType = "otlp_http"
)

// OTelConfig configures the optional OpenTelemetry metrics pipeline
// this collector can additionally push into, alongside its own
// in-process counters/gauges/histograms and OpenMetrics export.
type OTelConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
}

// OTelBridge records bridge call latency, errors, retries, breaker trips
// and active workers into OTel instruments. bridge.Bridge feeds it
// directly; it does not read from Collector, so the text /metrics
// endpoint and an OTLP backend report separate metric sets.
type OTelBridge struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	shutdown func(context.Context) error

	callLatency   metric.Float64Histogram
	errorCounter  metric.Int64Counter
	retryCounter  metric.Int64Counter
	breakerTrips  metric.Int64Counter
	activeWorkers metric.Int64UpDownCounter
}

// NewOTelBridge builds the configured exporter pipeline and registers
// the fixed instrument set the bridge emits into.
func NewOTelBridge(ctx context.Context, cfg OTelConfig) (*OTelBridge, error) {
	if !cfg.Enabled || cfg.ExporterType == ExporterNone || cfg.ExporterType == "" {
		mp := sdkmetric.NewMeterProvider()
		b := &OTelBridge{provider: mp, meter: mp.Meter(cfg.ServiceName), shutdown: func(context.Context) error { return nil }}
		return b, b.registerInstruments()
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	b := &OTelBridge{provider: mp, meter: mp.Meter(cfg.ServiceName), shutdown: mp.Shutdown}
	if err := b.registerInstruments(); err != nil {
		return nil, err
	}
	return b, nil
}

func newExporter(ctx context.Context, cfg OTelConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (b *OTelBridge) registerInstruments() error {
	var err error
	if b.callLatency, err = b.meter.Float64Histogram("sqlitebridge.call.latency",
		metric.WithDescription("Latency of bridge calls"), metric.WithUnit("s")); err != nil {
		return err
	}
	if b.errorCounter, err = b.meter.Int64Counter("sqlitebridge.errors",
		metric.WithDescription("Count of bridge call errors")); err != nil {
		return err
	}
	if b.retryCounter, err = b.meter.Int64Counter("sqlitebridge.retries",
		metric.WithDescription("Count of retried calls")); err != nil {
		return err
	}
	if b.breakerTrips, err = b.meter.Int64Counter("sqlitebridge.circuitbreaker.trips",
		metric.WithDescription("Count of circuit breaker state transitions to open")); err != nil {
		return err
	}
	if b.activeWorkers, err = b.meter.Int64UpDownCounter("sqlitebridge.pool.workers.active",
		metric.WithDescription("Number of currently ready worker processes")); err != nil {
		return err
	}
	return nil
}

func (b *OTelBridge) RecordCall(ctx context.Context, method string, elapsedSeconds float64, ok bool) {
	attrs := attribute.NewSet(attribute.String("method", method))
	b.callLatency.Record(ctx, elapsedSeconds, metric.WithAttributeSet(attrs))
	if !ok {
		b.errorCounter.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

func (b *OTelBridge) RecordRetry(ctx context.Context, method string) {
	b.retryCounter.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String("method", method))))
}

func (b *OTelBridge) RecordBreakerTrip(ctx context.Context, endpoint string) {
	b.breakerTrips.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String("endpoint", endpoint))))
}

func (b *OTelBridge) SetActiveWorkers(ctx context.Context, delta int64) {
	b.activeWorkers.Add(ctx, delta)
}

func (b *OTelBridge) Shutdown(ctx context.Context) error {
	return b.shutdown(ctx)
}
