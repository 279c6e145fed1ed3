// Package metrics exposes the prometheus collectors for the ingest pipeline
// and the search layer. Every method is safe to call on a nil *Metrics, which
// records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "drugprice"

const (
	ResultOK    = "ok"
	ResultError = "error"
)

const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

type Metrics struct {
	rowsRead      prometheus.Counter
	rowsInserted  prometheus.Counter
	rowsDropped   prometheus.Counter
	batchDuration prometheus.Histogram
	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	searches      *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide collectors registered on the default
// prometheus registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		rowsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_read_total",
			Help:      "Data rows read from the source file.",
		}),
		rowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_inserted_total",
			Help:      "Parsed rows written to the raw store.",
		}),
		rowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "rows_dropped_total",
			Help:      "Rows skipped because a required field failed to parse.",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batch_duration_seconds",
			Help:      "Time spent writing one batch to the raw store.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline operations by name and result.",
		}, []string{"operation", "result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage latency.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"stage", "result"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "queries_total",
			Help:      "Search queries by dispatch mode.",
		}, []string{"mode"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "ranking_cache_lookups_total",
			Help:      "Ranking cache lookups by view and result.",
		}, []string{"view", "result"}),
	}
	registerer.MustRegister(
		m.rowsRead, m.rowsInserted, m.rowsDropped, m.batchDuration,
		m.runs, m.stageDuration, m.searches, m.cacheLookups,
	)
	return m
}

func (m *Metrics) AddRowsRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsRead.Add(float64(n))
}

func (m *Metrics) AddRowsInserted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsInserted.Add(float64(n))
}

func (m *Metrics) AddRowsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsDropped.Add(float64(n))
}

func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}

func (m *Metrics) IncRun(operation string, err error) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(operation, resultOf(err)).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, resultOf(err)).Observe(d.Seconds())
}

func (m *Metrics) IncSearch(mode string) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncCacheLookup(view string, hit bool) {
	if m == nil {
		return
	}
	result := CacheMiss
	if hit {
		result = CacheHit
	}
	m.cacheLookups.WithLabelValues(view, result).Inc()
}

func resultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
