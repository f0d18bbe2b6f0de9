// Package metrics bridges the counters/histograms named in SPEC_FULL.md
// §B.9 (gate runs by outcome, event-log append latency, idempotency
// hit/miss) through the OTel metrics API into a prometheus/client_golang
// registry served at /metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder is the set of measurements the workflow engine and its
// supporting components emit. A nil *Recorder is safe to call into: every
// Record method no-ops, so callers need not guard instrumentation behind a
// feature check.
type Recorder struct {
	registry *prometheus.Registry

	gateRuns           otelmetric.Int64Counter
	eventAppendLatency otelmetric.Float64Histogram
	idempotencyHits    otelmetric.Int64Counter
	idempotencyMisses  otelmetric.Int64Counter
}

// New constructs a Recorder backed by a fresh Prometheus registry.
func New() (*Recorder, error) {
	registry := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("overseer")
	return newRecorder(registry, meter)
}

// Noop returns a Recorder whose instruments discard every measurement,
// for use when the caller hasn't configured a registry (tests, one-off
// CLI subcommands).
func Noop() *Recorder {
	r, _ := newRecorder(prometheus.NewRegistry(), noop.NewMeterProvider().Meter("overseer"))
	return r
}

func newRecorder(registry *prometheus.Registry, meter otelmetric.Meter) (*Recorder, error) {
	gateRuns, err := meter.Int64Counter("overseer.gate.runs",
		otelmetric.WithDescription("gate runs by outcome"))
	if err != nil {
		return nil, err
	}
	eventAppendLatency, err := meter.Float64Histogram("overseer.eventlog.append_latency_ms",
		otelmetric.WithDescription("event-log append latency in milliseconds"))
	if err != nil {
		return nil, err
	}
	idempotencyHits, err := meter.Int64Counter("overseer.idempotency.hits")
	if err != nil {
		return nil, err
	}
	idempotencyMisses, err := meter.Int64Counter("overseer.idempotency.misses")
	if err != nil {
		return nil, err
	}
	return &Recorder{
		registry:           registry,
		gateRuns:           gateRuns,
		eventAppendLatency: eventAppendLatency,
		idempotencyHits:    idempotencyHits,
		idempotencyMisses:  idempotencyMisses,
	}, nil
}

// RecordGateRun tags one gate run's outcome status ("passed", "failed", ...).
func (r *Recorder) RecordGateRun(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.gateRuns.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", status)))
}

// RecordEventAppend records how long a single event-log append took.
func (r *Recorder) RecordEventAppend(ctx context.Context, ms float64) {
	if r == nil {
		return
	}
	r.eventAppendLatency.Record(ctx, ms)
}

// RecordIdempotencyHit marks a replayed (cache-hit) mutating request.
func (r *Recorder) RecordIdempotencyHit(ctx context.Context) {
	if r == nil {
		return
	}
	r.idempotencyHits.Add(ctx, 1)
}

// RecordIdempotencyMiss marks a mutating request that executed fresh.
func (r *Recorder) RecordIdempotencyMiss(ctx context.Context) {
	if r == nil {
		return
	}
	r.idempotencyMisses.Add(ctx, 1)
}

// Handler serves the Prometheus exposition format for /metrics. Returns
// nil for a nil Recorder; callers should only mount it when non-nil.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return nil
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
