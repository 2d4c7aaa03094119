package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNormalizeFillsNoops(t *testing.T) {
	in := Instruments{}.Normalize()
	in.Logger.Debug("debug", "k", "v")
	in.Logger.Info("info")
	in.Logger.Warn("warn")
	in.Logger.Error("error")
	in.Metrics.Count(context.Background(), EventCacheHit)
	if err := in.Run(context.Background(), "noop", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunRecordsOutcome(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	tracer := NewJSONTracer(nil)
	in := Instruments{Metrics: rec, Tracer: tracer}.Normalize()
	boom := errors.New("boom")

	if err := in.Run(context.Background(), "commit", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = in.Run(context.Background(), "commit", func(context.Context) error { return nil })

	snap := rec.Snapshot()
	if snap.Results["commit"]["error"] != 1 || snap.Results["commit"]["success"] != 1 {
		t.Fatalf("unexpected results %+v", snap.Results)
	}
	entries := tracer.Entries()
	if len(entries) != 2 || entries[0].Status != "error" || entries[0].Error != "boom" {
		t.Fatalf("unexpected spans %+v", entries)
	}
}

func TestExpvarRecorderPublishes(t *testing.T) {
	rec := NewExpvarMetricsRecorder("fieldops_test_publish")
	rec.Observe(context.Background(), "fetch", true, 5*time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Millisecond)
	rec.Count(context.Background(), EventRollback)
	rec.Count(context.Background(), "")

	v := expvar.Get(rec.Name())
	if v == nil {
		t.Fatalf("expected expvar %s", rec.Name())
	}
	var snap ExpvarMetricsSnapshot
	if err := json.Unmarshal([]byte(v.String()), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.DurationsMS["fetch"] != 5 {
		t.Fatalf("expected 5ms, got %v", snap.DurationsMS["fetch"])
	}
	if snap.Events[EventRollback] != 1 || len(snap.Events) != 1 {
		t.Fatalf("unexpected events %+v", snap.Events)
	}
}

func TestJSONTracerWritesLines(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	_, span := tracer.Start(context.Background(), "fetch")
	span.End(nil)
	if !strings.Contains(buf.String(), `"operation":"fetch"`) {
		t.Fatalf("expected encoded span, got %q", buf.String())
	}
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)
	rec.Observe(context.Background(), "commit", false, time.Millisecond)
	rec.Count(context.Background(), EventTotalsDivergence)
	rec.Count(context.Background(), EventTotalsDivergence)

	if got := testutil.ToFloat64(rec.results.WithLabelValues("commit", "error")); got != 1 {
		t.Fatalf("expected 1 failed commit, got %v", got)
	}
	if got := testutil.ToFloat64(rec.events.WithLabelValues(EventTotalsDivergence)); got != 2 {
		t.Fatalf("expected 2 divergences, got %v", got)
	}
	if n := testutil.CollectAndCount(rec.duration); n != 1 {
		t.Fatalf("expected one histogram series, got %d", n)
	}
}

func TestOTelTracerEndsSpans(t *testing.T) {
	tracer := NewOTelTracerFrom(noop.NewTracerProvider().Tracer("test"))
	ctx, span := tracer.Start(context.Background(), "commit")
	if ctx == nil {
		t.Fatalf("expected context")
	}
	span.End(errors.New("failed"))
	_, span = NewOTelTracer("").Start(context.Background(), "fetch")
	span.End(nil)
}
