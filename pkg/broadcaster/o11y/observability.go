// Package o11y abstracts metrics and tracing so that the connection manager and
// the hub can be instrumented without depending on a particular backend.
package o11y

import (
	"context"
)

// MetricsPublisher is the minimal interface StandaloneProvider needs to publish
// snapshots. The hub satisfies it.
type MetricsPublisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// MetricsProvider abstracts metrics collection (OpenTelemetry, standalone, ...)
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider abstracts distributed tracing
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Counter represents a monotonically increasing metric
type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

// Histogram records distribution of values
type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge represents a value that can go up and down
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

// Span represents a unit of work in a trace
type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label represents a key-value pair for metrics and tracing
type Label struct {
	Key   string
	Value string
}

// SpanStatusCode represents the status of a span
type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// EndSpan sets the span status from err and ends it. A nil span is ignored.
func EndSpan(span Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.SetStatus(SpanStatusError, err.Error())
	} else {
		span.SetStatus(SpanStatusOK, "")
	}
	span.End()
}

// StatusLabel returns the conventional success/error label for an operation outcome.
func StatusLabel(err error) Label {
	if err != nil {
		return Label{Key: "status", Value: "error"}
	}
	return Label{Key: "status", Value: "success"}
}
