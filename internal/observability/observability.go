// Package observability defines the logging, metrics and tracing seams shared by
// the cache components, with no-op defaults.
package observability

import (
	"context"
	"time"
)

// Logger is the structured logging seam. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MetricsRecorder captures operation outcomes and discrete events.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	Count(ctx context.Context, event string)
}

// Tracer starts spans around operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended once with the operation's error, if any.
type TraceSpan interface {
	End(err error)
}

// Metric event names counted by the cache.
const (
	EventCacheHit         = "cache_hit"
	EventCacheMiss        = "cache_miss"
	EventFetchDeferred    = "fetch_deferred"
	EventRollback         = "rollback"
	EventResultDiscarded  = "result_discarded"
	EventTotalsDivergence = "totals_divergence"
	EventTempIDReconciled = "temp_id_reconciled"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}
func (noopMetrics) Count(context.Context, string)                         {}

type noopTracer struct{}

type noopSpan struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

func (noopSpan) End(error) {}

// NopLogger returns a logger that discards everything.
func NopLogger() Logger { return noopLogger{} }

// NopMetrics returns a recorder that discards everything.
func NopMetrics() MetricsRecorder { return noopMetrics{} }

// NopTracer returns a tracer whose spans do nothing.
func NopTracer() Tracer { return noopTracer{} }

// Instruments bundles the three seams. Zero fields fall back to no-ops via
// Normalize.
type Instruments struct {
	Logger  Logger
	Metrics MetricsRecorder
	Tracer  Tracer
	Clock   func() time.Time
}

// Normalize fills unset seams with no-op implementations.
func (in Instruments) Normalize() Instruments {
	if in.Logger == nil {
		in.Logger = noopLogger{}
	}
	if in.Metrics == nil {
		in.Metrics = noopMetrics{}
	}
	if in.Tracer == nil {
		in.Tracer = noopTracer{}
	}
	if in.Clock == nil {
		in.Clock = func() time.Time { return time.Now().UTC() }
	}
	return in
}

// Run wraps fn in a span and records its duration and outcome.
func (in Instruments) Run(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := in.Tracer.Start(ctx, operation)
	started := in.Clock()
	err := fn(ctx)
	in.Metrics.Observe(ctx, operation, err == nil, in.Clock().Sub(started))
	span.End(err)
	return err
}
