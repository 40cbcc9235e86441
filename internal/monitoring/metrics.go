// Package monitoring exposes Prometheus metrics, a status snapshot and a
// background health checker that posts alerts to a webhook.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pnw-tools/raidscout/internal/enrich"
	"github.com/pnw-tools/raidscout/internal/keypool"
	"github.com/pnw-tools/raidscout/internal/raid"
	"github.com/pnw-tools/raidscout/internal/resilience"
	"github.com/pnw-tools/raidscout/internal/snapshot"
)

const namespace = "raidscout"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	KeyCalls       *prometheus.CounterVec
	KeyWindowCalls *prometheus.GaugeVec
	KeyQuarantines *prometheus.CounterVec
	ChunkResults   *prometheus.CounterVec
	ChunkAttempts  *prometheus.HistogramVec
	CacheLookups   *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec
	IngestResults  *prometheus.CounterVec
	IngestRows     *prometheus.GaugeVec
	IngestDuration *prometheus.HistogramVec
	StageDuration  *prometheus.HistogramVec
	StageSurvivors *prometheus.GaugeVec
	RunsTotal      prometheus.Counter
	RunCandidates  prometheus.Histogram
	RunEstimated   prometheus.Histogram
	RunDuration    prometheus.Histogram
}

var (
	_ keypool.Observer        = (*Metrics)(nil)
	_ enrich.Observer         = (*Metrics)(nil)
	_ snapshot.IngestObserver = (*Metrics)(nil)
	_ raid.StageObserver      = (*Metrics)(nil)
)

// NewMetrics creates and registers all collectors, plus the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		KeyCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_calls_total",
			Help:      "Outbound API calls attributed to each credential.",
		}, []string{"scope", "key"}),
		KeyWindowCalls: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_window_calls",
			Help:      "Calls made by each credential in its current hourly window.",
		}, []string{"scope", "key"}),
		KeyQuarantines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_quarantines_total",
			Help:      "Times each credential was quarantined.",
		}, []string{"scope", "key"}),
		ChunkResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrich_chunks_total",
			Help:      "Enrichment chunks by query kind and outcome.",
		}, []string{"kind", "result"}),
		ChunkAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enrich_chunk_attempts",
			Help:      "Attempts used per enrichment chunk.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}, []string{"kind"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrich_cache_lookups_total",
			Help:      "Enrichment cache lookups by kind and outcome.",
		}, []string{"kind", "result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per query kind (0 closed, 1 open, 2 half-open).",
		}, []string{"kind"}),
		IngestResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_ingests_total",
			Help:      "Snapshot dataset ingests by outcome.",
		}, []string{"dataset", "result"}),
		IngestRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_rows",
			Help:      "Rows loaded by the last successful ingest of each dataset.",
		}, []string{"dataset"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_ingest_duration_seconds",
			Help:      "Time to download and load one dataset.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"dataset"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raid_stage_duration_seconds",
			Help:      "Duration of each raid pipeline stage.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}, []string{"stage"}),
		StageSurvivors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "raid_stage_survivors",
			Help:      "Nations surviving each stage in the last run.",
		}, []string{"stage"}),
		RunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raid_runs_total",
			Help:      "Completed raid pipeline runs.",
		}),
		RunCandidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raid_run_candidates",
			Help:      "Candidates returned per run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		RunEstimated: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raid_run_estimated_ratio",
			Help:      "Share of candidates with estimated confidence per run.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "raid_run_duration_seconds",
			Help:      "Wall time of a raid pipeline run.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.KeyCalls, m.KeyWindowCalls, m.KeyQuarantines,
		m.ChunkResults, m.ChunkAttempts, m.CacheLookups, m.BreakerState,
		m.IngestResults, m.IngestRows, m.IngestDuration,
		m.StageDuration, m.StageSurvivors,
		m.RunsTotal, m.RunCandidates, m.RunEstimated, m.RunDuration,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// KeyUsed records one attributed call.
func (m *Metrics) KeyUsed(scope, key string, callsThisWindow int) {
	m.KeyCalls.WithLabelValues(scope, key).Inc()
	m.KeyWindowCalls.WithLabelValues(scope, key).Set(float64(callsThisWindow))
}

// KeyQuarantined records a quarantine.
func (m *Metrics) KeyQuarantined(scope, key, _ string) {
	m.KeyQuarantines.WithLabelValues(scope, key).Inc()
}

// ChunkFinished records one enrichment chunk.
func (m *Metrics) ChunkFinished(kind string, ok bool, attempts int) {
	m.ChunkResults.WithLabelValues(kind, result(ok)).Inc()
	if attempts > 0 {
		m.ChunkAttempts.WithLabelValues(kind).Observe(float64(attempts))
	}
}

// CacheLookup records cache hits and misses.
func (m *Metrics) CacheLookup(kind string, hits, misses int) {
	if hits > 0 {
		m.CacheLookups.WithLabelValues(kind, "hit").Add(float64(hits))
	}
	if misses > 0 {
		m.CacheLookups.WithLabelValues(kind, "miss").Add(float64(misses))
	}
}

// BreakerStateChanged matches resilience.CircuitBreakerConfig.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, _, to resilience.CircuitState) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
}

// DatasetIngested records one dataset ingest.
func (m *Metrics) DatasetIngested(dataset string, ok bool, rows int, elapsed time.Duration) {
	m.IngestResults.WithLabelValues(dataset, result(ok)).Inc()
	m.IngestDuration.WithLabelValues(dataset).Observe(elapsed.Seconds())
	if ok {
		m.IngestRows.WithLabelValues(dataset).Set(float64(rows))
	}
}

// StageFinished records one pipeline stage.
func (m *Metrics) StageFinished(stage string, _, out int, elapsed time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	m.StageSurvivors.WithLabelValues(stage).Set(float64(out))
}

// RunFinished records a completed run.
func (m *Metrics) RunFinished(candidates, estimated int, elapsed time.Duration) {
	m.RunsTotal.Inc()
	m.RunCandidates.Observe(float64(candidates))
	m.RunDuration.Observe(elapsed.Seconds())
	if candidates > 0 {
		m.RunEstimated.Observe(float64(estimated) / float64(candidates))
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
