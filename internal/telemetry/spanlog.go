package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogExporter writes finished spans to a zap logger. Error spans log at warn level.
type LogExporter struct {
	logger  *zap.Logger
	stopped atomic.Bool
}

// NewLogExporter creates a span exporter backed by logger.
func NewLogExporter(logger *zap.Logger) *LogExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogExporter{logger: logger.Named("trace")}
}

// ExportSpans logs each span with its identifiers, timing and attributes.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.stopped.Load() {
		return nil
	}
	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields := spanFields(span)
		if span.Status().Code == codes.Error {
			e.logger.Warn(span.Name(), fields...)
			continue
		}
		e.logger.Debug(span.Name(), fields...)
	}
	return nil
}

// Shutdown stops further exports.
func (e *LogExporter) Shutdown(context.Context) error {
	e.stopped.Store(true)
	_ = e.logger.Sync()
	return nil
}

func spanFields(span sdktrace.ReadOnlySpan) []zap.Field {
	spanContext := span.SpanContext()
	fields := []zap.Field{
		zap.String("trace_id", spanContext.TraceID().String()),
		zap.String("span_id", spanContext.SpanID().String()),
		zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
	}
	if parent := span.Parent(); parent.IsValid() {
		fields = append(fields, zap.String("parent_span_id", parent.SpanID().String()))
	}
	if status := span.Status(); status.Code == codes.Error {
		fields = append(fields, zap.String("status_message", status.Description))
	}
	if attributes := span.Attributes(); len(attributes) > 0 {
		fields = append(fields, zap.Object("attributes", zapcore.ObjectMarshalerFunc(func(encoder zapcore.ObjectEncoder) error {
			for _, attribute := range attributes {
				encoder.AddString(string(attribute.Key), attribute.Value.Emit())
			}
			return nil
		})))
	}
	return fields
}
