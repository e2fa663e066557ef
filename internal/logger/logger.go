package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "seclab"

// Logger is a sugared zap logger that also knows how to annotate the active
// span. Scoped copies share the tracer.
type Logger struct {
	*zap.SugaredLogger
	tracer trace.Tracer
}

func New(cfg config.LoggerConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	zc.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	zc.InitialFields = map[string]interface{}{
		"service": serviceName,
		"version": types.Version,
	}

	local, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	// Records are teed into the OpenTelemetry log pipeline so they line up
	// with scan spans.
	bridge := otelzap.NewCore(serviceName, otelzap.WithAttributes(
		attribute.String("service", serviceName),
		attribute.String("version", types.Version),
	))
	base := zap.New(zapcore.NewTee(local.Core(), bridge),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	return &Logger{SugaredLogger: base.Sugar(), tracer: otel.Tracer(serviceName)}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar(), tracer: otel.Tracer(serviceName)}
}

func (l *Logger) with(fields ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.With(fields...), tracer: l.tracer}
}

// WithContext adds trace and span IDs when ctx carries a recording span.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return l
	}
	sc := span.SpanContext()
	return l.with("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

func (l *Logger) WithComponent(component string) *Logger { return l.with("component", component) }

func (l *Logger) WithTarget(target string) *Logger { return l.with("target", target) }

func (l *Logger) WithScanID(scanID string) *Logger { return l.with("scan_id", scanID) }

func (l *Logger) WithSessionID(sessionID string) *Logger { return l.with("session_id", sessionID) }

func (l *Logger) WithTool(tool string) *Logger { return l.with("tool", tool) }

func spanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

func (l *Logger) LogError(ctx context.Context, err error, operation string, fields ...interface{}) {
	if err == nil {
		return
	}
	kv := append([]interface{}{
		"error", err.Error(),
		"operation", operation,
		"error_type", fmt.Sprintf("%T", err),
	}, fields...)
	l.WithContext(ctx).Errorw("Operation failed", kv...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// LogSecurityEvent records gate denials, guardrail blocks and ownership proofs.
// High and critical events log at warn.
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, severity string, details map[string]interface{}) {
	kv := []interface{}{"security_event", true, "event_type", eventType, "severity", severity}
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
		attribute.String("severity", severity),
	}
	for k, v := range details {
		kv = append(kv, k, v)
		attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
	}

	log := l.WithContext(ctx)
	if severity == "high" || severity == "critical" {
		log.Warnw("Security event", kv...)
	} else {
		log.Infow("Security event", kv...)
	}
	spanEvent(ctx, "security_event", attrs...)
}

func findingLevel(s types.Severity) zapcore.Level {
	switch s {
	case types.SeverityCritical, types.SeverityHigh:
		return zapcore.WarnLevel
	case types.SeverityMedium:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// LogVulnerability logs a stored finding at a level that follows its severity.
func (l *Logger) LogVulnerability(ctx context.Context, f types.Finding) {
	l.WithContext(ctx).Logw(findingLevel(f.Severity), "Vulnerability detected",
		"vulnerability_detected", true,
		"finding_id", f.ID,
		"scan_id", f.ScanID,
		"name", f.Name,
		"severity", string(f.Severity),
		"scanner", string(f.Scanner),
		"affected_url", f.AffectedURL,
	)
	spanEvent(ctx, "vulnerability_detected",
		attribute.String("finding_id", f.ID),
		attribute.String("name", f.Name),
		attribute.String("severity", string(f.Severity)),
	)
}

func (l *Logger) LogScanProgress(ctx context.Context, scanID string, progress float64, status string) {
	l.WithContext(ctx).Debugw("Scan progress update",
		"scan_id", scanID,
		"progress", progress,
		"status", status,
	)
	spanEvent(ctx, "scan_progress",
		attribute.String("scan_id", scanID),
		attribute.Float64("progress", progress),
		attribute.String("status", status),
	)
}

func httpLevel(status int) zapcore.Level {
	switch {
	case status >= 500:
		return zapcore.ErrorLevel
	case status >= 400:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) LogHTTPRequest(ctx context.Context, method, url string, statusCode int, duration time.Duration, fields ...interface{}) {
	kv := append([]interface{}{
		"http_method", method,
		"http_url", url,
		"http_status", statusCode,
		"duration_ms", duration.Milliseconds(),
	}, fields...)
	l.WithContext(ctx).Logw(httpLevel(statusCode), "HTTP request completed", kv...)
}

type contextKey struct{}

// FromContext returns the logger stored by WithLogger, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(contextKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}

func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// StartOperation opens a span named after operation. Pair it with
// FinishOperation.
func (l *Logger) StartOperation(ctx context.Context, operation string, fields ...interface{}) (context.Context, trace.Span) {
	ctx, span := l.tracer.Start(ctx, operation)
	l.WithContext(ctx).Debugw("Operation started", append([]interface{}{"operation", operation}, fields...)...)
	return ctx, span
}

func (l *Logger) FinishOperation(ctx context.Context, span trace.Span, operation string, start time.Time, err error, fields ...interface{}) {
	defer span.End()

	kv := append([]interface{}{
		"operation", operation,
		"duration_ms", time.Since(start).Milliseconds(),
	}, fields...)
	if err != nil {
		l.LogError(ctx, err, operation, kv...)
		return
	}
	l.WithContext(ctx).Debugw("Operation completed", kv...)
	span.SetStatus(codes.Ok, "completed")
}
