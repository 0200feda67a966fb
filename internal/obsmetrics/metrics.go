// Package obsmetrics provides OpenTelemetry metrics for the uploader and
// flag cache, and a tracer for the HTTP transport adapters. It is
// disabled (no-op) by default: a caller
// that wants OTLP or stdout export must opt in via Config.Enabled.
package obsmetrics

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ExporterType selects which metrics exporter backs a Metrics instance.
type ExporterType string

const (
	ExporterNone      ExporterType = "none"
	ExporterStdout    ExporterType = "stdout"
	ExporterOTLPGRPC  ExporterType = "otlp-grpc"
	ExporterOTLPHTTP  ExporterType = "otlp-http"
)

// Config controls whether and how the core emits OpenTelemetry metrics.
type Config struct {
	Enabled      bool
	ServiceName  string
	ExporterType ExporterType
	OTLPEndpoint string
	OTLPInsecure bool
}

// DefaultConfig returns metrics disabled; export is opt-in, never on by
// accident.
func DefaultConfig() *Config {
	return &Config{Enabled: false, ServiceName: "sdkcore", ExporterType: ExporterNone}
}

// Metrics holds the instruments the uploader and flag cache record
// against: batch outcomes, flush latency, and decide latency.
type Metrics struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex

	flushLatency   metric.Float64Histogram
	batchesSent    metric.Int64Counter
	batchesRetried metric.Int64Counter
	batchesDropped metric.Int64Counter
	decideLatency  metric.Float64Histogram
	decideFailures metric.Int64Counter
}

// New creates a Metrics instance. With cfg.Enabled == false it returns a
// fully functional no-op (every Record* call becomes a cheap nil check).
func New(ctx context.Context, cfg *Config) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("obsmetrics: create exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes("", semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("obsmetrics: build resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) createExporter(ctx context.Context, cfg *Config) (sdkmetric.Exporter, error) {
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

func (m *Metrics) registerInstruments() error {
	var err error
	if m.flushLatency, err = m.meter.Float64Histogram("sdkcore.uploader.flush_latency",
		metric.WithDescription("Latency of a batch flush attempt"), metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("obsmetrics: flush_latency: %w", err)
	}
	if m.batchesSent, err = m.meter.Int64Counter("sdkcore.uploader.batches_sent",
		metric.WithDescription("Batches accepted by the batch endpoint")); err != nil {
		return fmt.Errorf("obsmetrics: batches_sent: %w", err)
	}
	if m.batchesRetried, err = m.meter.Int64Counter("sdkcore.uploader.batches_retried",
		metric.WithDescription("Flush attempts classified retryable")); err != nil {
		return fmt.Errorf("obsmetrics: batches_retried: %w", err)
	}
	if m.batchesDropped, err = m.meter.Int64Counter("sdkcore.uploader.batches_dropped",
		metric.WithDescription("Batches popped after a non-retryable status")); err != nil {
		return fmt.Errorf("obsmetrics: batches_dropped: %w", err)
	}
	if m.decideLatency, err = m.meter.Float64Histogram("sdkcore.flagcache.decide_latency",
		metric.WithDescription("Latency of a decide endpoint call"), metric.WithUnit("ms")); err != nil {
		return fmt.Errorf("obsmetrics: decide_latency: %w", err)
	}
	if m.decideFailures, err = m.meter.Int64Counter("sdkcore.flagcache.decide_failures",
		metric.WithDescription("Decide calls that failed or returned a malformed payload")); err != nil {
		return fmt.Errorf("obsmetrics: decide_failures: %w", err)
	}
	return nil
}

// RecordFlush records the outcome of one flush attempt.
func (m *Metrics) RecordFlush(ctx context.Context, latencyMs float64, status int, retryable bool) {
	if m.flushLatency != nil {
		m.flushLatency.Record(ctx, latencyMs, metric.WithAttributes(attribute.Int("status", status)))
	}
	switch {
	case status >= 200 && status < 300:
		if m.batchesSent != nil {
			m.batchesSent.Add(ctx, 1)
		}
	case retryable:
		if m.batchesRetried != nil {
			m.batchesRetried.Add(ctx, 1)
		}
	default:
		if m.batchesDropped != nil {
			m.batchesDropped.Add(ctx, 1)
		}
	}
}

// RecordDecide records the outcome of one decide call.
func (m *Metrics) RecordDecide(ctx context.Context, latencyMs float64, ok bool) {
	if m.decideLatency != nil {
		m.decideLatency.Record(ctx, latencyMs)
	}
	if !ok && m.decideFailures != nil {
		m.decideFailures.Add(ctx, 1)
	}
}

// Shutdown flushes and releases the underlying meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled reports whether metrics export is active.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}
