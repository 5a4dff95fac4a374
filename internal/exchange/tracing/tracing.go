// Package tracing holds the instrumentation constants and helpers shared by
// the exchange adapter's decorators, in the same spirit as the teacher's
// spot/rest/tracing package.
package tracing

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// PackageName is the instrumentation scope name for the exchange adapter.
	PackageName = "oms_position_exchange_adapter"
	// PackageVersion is the instrumentation scope version.
	PackageVersion = "0.0.0"
	// TracesNamespace prefixes span event names.
	TracesNamespace = "oms.exchange"
)

// TraceErrorAndSetStatus records err on span (if any) and sets the span
// status accordingly.
func TraceErrorAndSetStatus(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, codes.Error.String())
		return
	}
	span.SetStatus(codes.Ok, codes.Ok.String())
}
