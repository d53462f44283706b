// Package tracing is a thin shim over the OpenTelemetry trace API.
// The SDK never installs a provider itself; it picks up whatever the host
// application registered globally and degrades to a noop tracer when
// OTEL_DISABLED=1 is set or no provider is installed.
package tracing

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "visa-direct-sdk"

var (
	once     sync.Once
	disabled bool
)

// Tracer returns the SDK tracer. The OTEL_DISABLED check is latched on
// first use.
func Tracer() trace.Tracer {
	once.Do(func() {
		disabled = os.Getenv("OTEL_DISABLED") == "1"
	})
	if disabled {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return otel.Tracer(instrumentationName)
}

// Start opens a span named name with the given attributes. The returned
// span must be ended by the caller.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks the span as failed. Safe on a nil or noop span.
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
