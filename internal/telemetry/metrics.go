package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/3leaps/hydrocal/pkg/runstate"
)

// Metrics records orchestrator counters. It satisfies both the controller's
// and the coordinator's metrics interfaces.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	shutdown func(context.Context) error
	mu       sync.Mutex

	transitions   metric.Int64Counter
	submissions   metric.Int64Counter
	locks         metric.Int64Counter
	cycleDuration metric.Float64Histogram
}

// NewMetrics builds a meter provider. When disabled the provider has no
// reader, so recordings are accepted and dropped.
func NewMetrics(ctx context.Context, cfg Config) (*Metrics, error) {
	m := &Metrics{}

	if !cfg.active() {
		m.provider = sdkmetric.NewMeterProvider()
		m.meter = m.provider.Meter(serviceName)
		m.shutdown = func(context.Context) error { return nil }
		if err := m.registerInstruments(); err != nil {
			return nil, err
		}
		return m, nil
	}

	exporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	return NewMetricsWithReader(sdkmetric.NewPeriodicReader(exporter), res)
}

// NewMetricsWithReader builds Metrics on an explicit reader. Tests pass a
// ManualReader to collect what was recorded.
func NewMetricsWithReader(reader sdkmetric.Reader, res *resource.Resource) (*Metrics, error) {
	opts := []sdkmetric.Option{sdkmetric.WithReader(reader)}
	if res != nil {
		opts = append(opts, sdkmetric.WithResource(res))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	m := &Metrics{
		provider: mp,
		meter:    mp.Meter(serviceName),
		shutdown: mp.Shutdown,
	}
	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}
	return m, nil
}

func newMetricExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.transitions, err = m.meter.Int64Counter(
		"hydrocal.transitions",
		metric.WithDescription("Work unit status transitions"),
	)
	if err != nil {
		return fmt.Errorf("failed to create transitions counter: %w", err)
	}

	m.submissions, err = m.meter.Int64Counter(
		"hydrocal.submissions",
		metric.WithDescription("Jobs handed to the scheduler"),
	)
	if err != nil {
		return fmt.Errorf("failed to create submissions counter: %w", err)
	}

	m.locks, err = m.meter.Int64Counter(
		"hydrocal.locks",
		metric.WithDescription("Work units locked after a repeated failure"),
	)
	if err != nil {
		return fmt.Errorf("failed to create locks counter: %w", err)
	}

	m.cycleDuration, err = m.meter.Float64Histogram(
		"hydrocal.cycle.duration",
		metric.WithDescription("Wall time of one poll cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cycle duration histogram: %w", err)
	}
	return nil
}

func (m *Metrics) RecordTransition(ctx context.Context, stage runstate.Stage, from, to runstate.RunStatus) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage.String()),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *Metrics) RecordSubmission(ctx context.Context, stage runstate.Stage, action string) {
	m.submissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage.String()),
		attribute.String("action", action),
	))
}

func (m *Metrics) RecordLock(ctx context.Context, stage runstate.Stage) {
	m.locks.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage.String())))
}

func (m *Metrics) RecordCycle(ctx context.Context, stage runstate.Stage, elapsed time.Duration) {
	m.cycleDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage.String()),
	))
}

// Shutdown flushes pending exports.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown == nil {
		return nil
	}
	err := m.shutdown(ctx)
	m.shutdown = nil
	return err
}
