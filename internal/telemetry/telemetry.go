// Package telemetry wires OpenTelemetry metrics and tracing for the
// orchestrator. Both are disabled by default; a disabled provider still hands
// out working no-op instruments so callers never branch on configuration.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "hydrocal"

// ExporterType selects where telemetry goes.
type ExporterType string

const (
	ExporterNone     ExporterType = "none"
	ExporterStdout   ExporterType = "stdout"
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

// ParseExporter maps a config value onto an ExporterType. Empty means none.
func ParseExporter(s string) (ExporterType, error) {
	switch ExporterType(strings.ToLower(strings.TrimSpace(s))) {
	case "", ExporterNone:
		return ExporterNone, nil
	case ExporterStdout:
		return ExporterStdout, nil
	case ExporterOTLPGRPC:
		return ExporterOTLPGRPC, nil
	case ExporterOTLPHTTP:
		return ExporterOTLPHTTP, nil
	default:
		return "", fmt.Errorf("unknown exporter type: %q", s)
	}
}

// Config is shared by metrics and tracing.
type Config struct {
	Enabled        bool
	ServiceVersion string
	ExporterType   ExporterType
	// Endpoint is host:port for the OTLP exporters.
	Endpoint string
	Insecure bool
	// JobID is stamped on every resource so exports from concurrent
	// orchestrators stay apart.
	JobID string
	Stage string
}

func (c Config) active() bool {
	return c.Enabled && c.ExporterType != ExporterNone && c.ExporterType != ""
}

func newResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.JobID != "" {
		attrs = append(attrs, attribute.String("hydrocal.job_id", cfg.JobID))
	}
	if cfg.Stage != "" {
		attrs = append(attrs, attribute.String("hydrocal.stage", cfg.Stage))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
}

// Providers bundles the metrics recorder and the tracer for one process.
type Providers struct {
	Metrics *Metrics
	Tracer  *Tracer
}

// Setup builds both providers from one config.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	m, err := NewMetrics(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t, err := NewTracer(ctx, cfg)
	if err != nil {
		_ = m.Shutdown(ctx)
		return nil, err
	}
	return &Providers{Metrics: m, Tracer: t}, nil
}

// Shutdown flushes both providers, returning the first error.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	mErr := p.Metrics.Shutdown(ctx)
	tErr := p.Tracer.Shutdown(ctx)
	if mErr != nil {
		return mErr
	}
	return tErr
}
