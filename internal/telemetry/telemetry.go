package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

type telemetry struct {
	tracerProvider *sdktrace.TracerProvider

	scanCounter    metric.Int64Counter
	scanDuration   metric.Float64Histogram
	findingCounter metric.Int64Counter
	exploitCounter metric.Int64Counter
	activeScans    metric.Int64UpDownCounter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(types.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &telemetry{tracerProvider: tp}
	if err := t.initInstruments(otel.Meter(cfg.ServiceName)); err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	return t, nil
}

func (t *telemetry) initInstruments(meter metric.Meter) error {
	var err error

	t.scanCounter, err = meter.Int64Counter("seclab.scans.total",
		metric.WithDescription("Scans that reached a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	t.scanDuration, err = meter.Float64Histogram("seclab.scan.duration",
		metric.WithDescription("Scan duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	t.findingCounter, err = meter.Int64Counter("seclab.findings.total",
		metric.WithDescription("Findings recorded"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	t.exploitCounter, err = meter.Int64Counter("seclab.exploit.commands.total",
		metric.WithDescription("Exploit commands by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	t.activeScans, err = meter.Int64UpDownCounter("seclab.scans.active",
		metric.WithDescription("Scans currently running"),
		metric.WithUnit("1"),
	)
	return err
}

func (t *telemetry) RecordScan(scanType types.ScanType, status types.ScanStatus, duration float64) {
	ctx := context.Background()

	attrs := metric.WithAttributes(
		attribute.String("scan.type", string(scanType)),
		attribute.String("scan.status", string(status)),
	)

	t.scanCounter.Add(ctx, 1, attrs)
	t.scanDuration.Record(ctx, duration, attrs)
}

func (t *telemetry) RecordFinding(scanner types.Scanner, severity types.Severity) {
	t.findingCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("finding.scanner", string(scanner)),
		attribute.String("finding.severity", string(severity)),
	))
}

func (t *telemetry) RecordExploitCommand(exploitType types.ExploitType, outcome string) {
	t.exploitCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("exploit.type", string(exploitType)),
		attribute.String("exploit.outcome", outcome),
	))
}

func (t *telemetry) RecordActiveScans(delta int) {
	t.activeScans.Add(context.Background(), int64(delta))
}

func (t *telemetry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func Noop() core.Telemetry { return noopTelemetry{} }

func (noopTelemetry) RecordScan(types.ScanType, types.ScanStatus, float64) {}
func (noopTelemetry) RecordFinding(types.Scanner, types.Severity)          {}
func (noopTelemetry) RecordExploitCommand(types.ExploitType, string)       {}
func (noopTelemetry) RecordActiveScans(int)                                {}
func (noopTelemetry) Close() error                                         { return nil }

// Tee forwards every record to each sink.
type Tee []core.Telemetry

func (t Tee) RecordScan(scanType types.ScanType, status types.ScanStatus, duration float64) {
	for _, s := range t {
		s.RecordScan(scanType, status, duration)
	}
}

func (t Tee) RecordFinding(scanner types.Scanner, severity types.Severity) {
	for _, s := range t {
		s.RecordFinding(scanner, severity)
	}
}

func (t Tee) RecordExploitCommand(exploitType types.ExploitType, outcome string) {
	for _, s := range t {
		s.RecordExploitCommand(exploitType, outcome)
	}
}

func (t Tee) RecordActiveScans(delta int) {
	for _, s := range t {
		s.RecordActiveScans(delta)
	}
}

func (t Tee) Close() error {
	var firstErr error
	for _, s := range t {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
