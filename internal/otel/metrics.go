// Package otel provides OpenTelemetry metrics integration for the
// autoguiding bridge.
package otel

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ExporterType defines the type of exporter to use.
type ExporterType string

const (
	// ExporterNone disables export (no-op).
	ExporterNone ExporterType = "none"
	// ExporterStdout exports to stdout (useful for debugging).
	ExporterStdout ExporterType = "stdout"
	// ExporterOTLPGRPC exports via OTLP over gRPC.
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	// ExporterOTLPHTTP exports via OTLP over HTTP.
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "donuts-bridge",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics with guiding-specific instruments.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error

	guiderState atomic.Int64
	hostCPUPct  atomic.Uint64 // float64 bits
	hostMemPct  atomic.Uint64 // float64 bits
	processRSS  atomic.Int64
	stateGauge  metric.Int64ObservableGauge
	cpuGauge    metric.Float64ObservableGauge
	memGauge    metric.Float64ObservableGauge
	rssGauge    metric.Int64ObservableGauge
	callbackReg metric.Registration

	correctionCounter metric.Int64Counter
	culledCounter     metric.Int64Counter
	rpcLatency        metric.Float64Histogram
	rpcErrorCounter   metric.Int64Counter
}

// globalMetrics is the singleton metrics instance.
var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		// Use no-op meter when disabled
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// createExporter creates the appropriate metrics exporter based on configuration.
func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
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

// createResource creates the OpenTelemetry resource with service information.
func (m *Metrics) createResource(cfg *MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

// registerInstruments creates and registers all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	m.correctionCounter, err = m.meter.Int64Counter(
		"donuts.corrections",
		metric.WithDescription("Count of pulse-guide corrections issued"),
	)
	if err != nil {
		return fmt.Errorf("failed to create correction counter: %w", err)
	}

	m.culledCounter, err = m.meter.Int64Counter(
		"donuts.culled",
		metric.WithDescription("Count of frames culled by reason"),
	)
	if err != nil {
		return fmt.Errorf("failed to create culled counter: %w", err)
	}

	m.rpcLatency, err = m.meter.Float64Histogram(
		"donuts.rpc.latency",
		metric.WithDescription("Latency of two-way host commands"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create rpc latency histogram: %w", err)
	}

	m.rpcErrorCounter, err = m.meter.Int64Counter(
		"donuts.rpc.errors",
		metric.WithDescription("Count of failed two-way host commands"),
	)
	if err != nil {
		return fmt.Errorf("failed to create rpc error counter: %w", err)
	}

	m.stateGauge, err = m.meter.Int64ObservableGauge(
		"donuts.state",
		metric.WithDescription("Current guider state"),
	)
	if err != nil {
		return fmt.Errorf("failed to create state gauge: %w", err)
	}

	m.cpuGauge, err = m.meter.Float64ObservableGauge(
		"donuts.host.cpu",
		metric.WithDescription("Host CPU utilisation percent"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cpu gauge: %w", err)
	}

	m.memGauge, err = m.meter.Float64ObservableGauge(
		"donuts.host.mem",
		metric.WithDescription("Host memory utilisation percent"),
	)
	if err != nil {
		return fmt.Errorf("failed to create mem gauge: %w", err)
	}

	m.rssGauge, err = m.meter.Int64ObservableGauge(
		"donuts.process.rss",
		metric.WithDescription("Bridge process resident set size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create rss gauge: %w", err)
	}

	m.callbackReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.stateGauge, m.guiderState.Load())
			o.ObserveFloat64(m.cpuGauge, math.Float64frombits(m.hostCPUPct.Load()))
			o.ObserveFloat64(m.memGauge, math.Float64frombits(m.hostMemPct.Load()))
			o.ObserveInt64(m.rssGauge, m.processRSS.Load())
			return nil
		},
		m.stateGauge, m.cpuGauge, m.memGauge, m.rssGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register gauge callback: %w", err)
	}

	return nil
}

// RecordCorrection counts an issued correction.
func (m *Metrics) RecordCorrection(ctx context.Context) {
	if m.correctionCounter == nil {
		return
	}
	m.correctionCounter.Add(ctx, 1)
}

// RecordCulled counts a culled frame with its reason ("oversize" or
// "outlier").
func (m *Metrics) RecordCulled(ctx context.Context, reason string) {
	if m.culledCounter == nil {
		return
	}
	m.culledCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRPC records a two-way command's latency and outcome.
func (m *Metrics) RecordRPC(ctx context.Context, method string, latencyMs float64, ok bool) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("ok", ok),
	)
	if m.rpcLatency != nil {
		m.rpcLatency.Record(ctx, latencyMs, attrs)
	}
	if !ok && m.rpcErrorCounter != nil {
		m.rpcErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
	}
}

// SetGuiderState updates the observed guider state gauge.
func (m *Metrics) SetGuiderState(state int64) {
	m.guiderState.Store(state)
}

// SetHostSample updates the observed host gauges.
func (m *Metrics) SetHostSample(cpuPct, memPct float64, rssBytes int64) {
	m.hostCPUPct.Store(math.Float64bits(cpuPct))
	m.hostMemPct.Store(math.Float64bits(memPct))
	m.processRSS.Store(rssBytes)
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.shutdown == nil {
		return nil
	}
	return m.shutdown(ctx)
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the global metrics instance, or a disabled
// instance when none is set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	if globalMetrics != nil {
		return globalMetrics
	}
	m, _ := NewMetrics(context.Background(), nil)
	return m
}
