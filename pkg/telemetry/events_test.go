package telemetry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/decisio/decisio/pkg/kernel"
)

func newTestBus(t *testing.T) (*Bus, *Metrics) {
	t.Helper()
	metrics, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "decisio"})
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	bus := NewBus(EventsConfig{Enabled: true, BufferSize: 64}, zerolog.Nop(), metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		bus.Shutdown(ctx)
	})
	return bus, metrics
}

func TestBusDeliversToSubscribers(t *testing.T) {
	bus, _ := newTestBus(t)

	var mu sync.Mutex
	var got []Envelope
	delivered := make(chan struct{}, 8)
	bus.Subscribe(func(env Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
		delivered <- struct{}{}
	}, nil)

	event := kernel.Event{
		Type:     kernel.EventTypeStageStarted,
		TenantID: "acme",
		RunID:    "run-1",
		Stage:    kernel.StageCompile,
		Message:  "stage compile attempt 1 started",
		Level:    "info",
	}
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	if got[0].ID == "" {
		t.Error("envelope has no ID")
	}
	if got[0].Event.RunID != "run-1" {
		t.Errorf("run id = %q", got[0].Event.RunID)
	}
}

func TestBusSubscriberFilters(t *testing.T) {
	bus, _ := newTestBus(t)

	delivered := make(chan Envelope, 8)
	bus.Subscribe(func(env Envelope) {
		delivered <- env
	}, FilterByLevel("error"))

	publish := func(typ, level string) {
		bus.Publish(context.Background(), kernel.Event{
			Type: typ, TenantID: "acme", RunID: "run-1", Level: level,
		})
	}
	publish(kernel.EventTypeStageStarted, "info")
	publish(kernel.EventTypeStageRetried, "warning")
	publish(kernel.EventTypeRunFailed, "error")

	select {
	case env := <-delivered:
		if env.Event.Type != kernel.EventTypeRunFailed {
			t.Errorf("delivered %s, want only error-level events", env.Event.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error event not delivered")
	}
	select {
	case env := <-delivered:
		t.Errorf("unexpected extra delivery: %s", env.Event.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusMetricsBridge(t *testing.T) {
	bus, metrics := newTestBus(t)

	base := time.Now()
	publish := func(typ string, stage kernel.StageKind, at time.Time) {
		bus.Publish(context.Background(), kernel.Event{
			Type: typ, TenantID: "acme", RunID: "run-1", Stage: stage,
			Timestamp: at, Level: "info",
		})
	}

	publish(kernel.EventTypeRunAdmitted, "", base)
	publish(kernel.EventTypeStageStarted, kernel.StageCompile, base)
	publish(kernel.EventTypeStageCompleted, kernel.StageCompile, base.Add(time.Second))
	publish(kernel.EventTypeStageRetried, kernel.StageOptimize, base)
	publish(kernel.EventTypeLedgerCommitFailed, "", base)
	publish(kernel.EventTypeRunCompleted, "", base.Add(3*time.Second))

	if got := testutil.ToFloat64(metrics.runsAdmitted.WithLabelValues("acme")); got != 1 {
		t.Errorf("runs admitted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.runsFinished.WithLabelValues("completed")); got != 1 {
		t.Errorf("runs finished = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.stageExecutions.WithLabelValues("compile", "ok")); got != 1 {
		t.Errorf("stage executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.stageRetries.WithLabelValues("optimize")); got != 1 {
		t.Errorf("stage retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ledgerCommits.WithLabelValues("run_created")); got != 1 {
		t.Errorf("run_created commits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ledgerCommits.WithLabelValues("stage_started")); got != 1 {
		t.Errorf("stage_started commits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ledgerCommitFailures); got != 1 {
		t.Errorf("commit failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.activeRuns); got != 0 {
		t.Errorf("active runs = %v, want 0 after terminal event", got)
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	metrics, _ := NewMetrics(MetricsConfig{})
	bus := NewBus(EventsConfig{Enabled: true, BufferSize: 1}, zerolog.Nop(), metrics)

	// A blocked subscriber keeps the delivery goroutine busy.
	block := make(chan struct{})
	bus.Subscribe(func(Envelope) { <-block }, nil)

	var dropErr error
	for i := 0; i < 16 && dropErr == nil; i++ {
		dropErr = bus.Publish(context.Background(), kernel.Event{
			Type: kernel.EventTypeStageStarted, RunID: "run-1", Level: "info",
		})
	}
	close(block)

	if dropErr == nil || !strings.Contains(dropErr.Error(), "dropped") {
		t.Errorf("expected a drop error, got %v", dropErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	bus.Shutdown(ctx)
}
