// Package telemetry provides observability instrumentation for Decisio.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics, and an asynchronous event bus into a
// single Telemetry instance built once at daemon startup.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// The event bus implements kernel.EventPublisher: the kernel publishes run
// and stage lifecycle events, the bus fans them out to subscribers and
// translates them into metrics. Events are advisory and may be dropped under
// pressure; the decision ledger is the authoritative record.
//
// # Metrics
//
// All metrics live under the "decisio" namespace: run admission and terminal
// counters, stage execution and retry counters with latency histograms, and
// ledger commit, failure and stall counters. The registry is exposed through
// Metrics.Handler, mounted at /metrics by the API server.
package telemetry
