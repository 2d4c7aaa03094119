package core

import (
	"context"
	"time"

	"fieldops/pkg/domain"
)

// Clock supplies timestamps for growth stages, cache freshness and audit
// entries.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// AuditStatus captures the outcome of an audited mutation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry records one settled mutation.
type AuditEntry struct {
	Operation string
	Kind      domain.NodeKind
	Action    domain.Action
	EntityID  string
	TempID    string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

type serviceOptions struct {
	clock      Clock
	logger     Logger
	metrics    MetricsRecorder
	tracer     Tracer
	audit      AuditRecorder
	rules      *domain.RulesEngine
	revenue    domain.RevenueFeed
	cacheTTL   time.Duration
	fetchLimit int
}

// ServiceOption configures optional Service behaviour.
type ServiceOption func(*serviceOptions)

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock: ClockFunc(func() time.Time { return time.Now().UTC() }),
		audit: noopAuditRecorder{},
		rules: NewDefaultRulesEngine(),
	}
}

// WithClock overrides the service clock.
func WithClock(clock Clock) ServiceOption {
	return func(o *serviceOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the structured logger. *slog.Logger satisfies Logger.
func WithLogger(logger Logger) ServiceOption {
	return func(o *serviceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetricsRecorder sets the metrics recorder.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.metrics = recorder
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithAuditRecorder records every settled mutation.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(o *serviceOptions) {
		if recorder != nil {
			o.audit = recorder
		}
	}
}

// WithRulesEngine replaces the default rule set. A nil engine disables rule
// evaluation; field validation still applies.
func WithRulesEngine(engine *domain.RulesEngine) ServiceOption {
	return func(o *serviceOptions) { o.rules = engine }
}

// WithRevenueFeed sets the revenue source for cycle rollups. Without one the
// backend is used when it implements domain.RevenueFeed.
func WithRevenueFeed(feed domain.RevenueFeed) ServiceOption {
	return func(o *serviceOptions) { o.revenue = feed }
}

// WithCacheTTL sets how long fetched blocs stay fresh.
func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(o *serviceOptions) { o.cacheTTL = ttl }
}

// WithFetchLimit bounds concurrent backend fetches for multi-bloc reads.
func WithFetchLimit(n int) ServiceOption {
	return func(o *serviceOptions) { o.fetchLimit = n }
}
