package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

// IngestMetrics observes ingestion runs. It satisfies ports.IngestObserver.
type IngestMetrics struct {
	registry *prometheus.Registry
	service  string

	runTotal     *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runInFlight  prometheus.Gauge
	filesTotal   *prometheus.CounterVec
	chunksTotal  *prometheus.CounterVec
	storeChunks  prometheus.Gauge
	failedStages *prometheus.CounterVec
	requestLag   prometheus.Histogram
}

// NewIngestMetrics registers on registry, or on a fresh one when registry is nil.
func NewIngestMetrics(service string, registry *prometheus.Registry) *IngestMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	runTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Total ingestion runs by outcome (changed, noop, error).",
		},
		[]string{"service", "outcome"},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docqa",
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Ingestion run duration in seconds by outcome.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"service", "outcome"},
	)
	runInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   "docqa",
			Subsystem:   "ingest",
			Name:        "runs_in_flight",
			Help:        "Number of ingestion runs in progress.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	filesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Source files handled by ingestion, by result (indexed, skipped).",
		},
		[]string{"service", "result"},
	)
	chunksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Chunks handled during merging, by result (added, duplicate).",
		},
		[]string{"service", "result"},
	)
	storeChunks := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   "docqa",
			Subsystem:   "store",
			Name:        "chunks",
			Help:        "Chunks in the vector store after the last committed run.",
			ConstLabels: prometheus.Labels{"service": service},
		},
	)
	failedStages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docqa",
			Subsystem: "ingest",
			Name:      "failures_total",
			Help:      "Failed ingestion runs by stage.",
		},
		[]string{"service", "stage"},
	)

	requestLag := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   "docqa",
			Subsystem:   "ingest",
			Name:        "request_lag_seconds",
			Help:        "Delay between an ingest request being queued and a worker picking it up.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			ConstLabels: prometheus.Labels{"service": service},
		},
	)

	registry.MustRegister(runTotal, runDuration, runInFlight, filesTotal, chunksTotal, storeChunks, failedStages, requestLag)

	return &IngestMetrics{
		registry:     registry,
		service:      service,
		runTotal:     runTotal,
		runDuration:  runDuration,
		runInFlight:  runInFlight,
		filesTotal:   filesTotal,
		chunksTotal:  chunksTotal,
		storeChunks:  storeChunks,
		failedStages: failedStages,
		requestLag:   requestLag,
	}
}

func (m *IngestMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *IngestMetrics) ObserveRequestLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	m.requestLag.Observe(lag.Seconds())
}

func (m *IngestMetrics) StartRun() {
	m.runInFlight.Inc()
}

func (m *IngestMetrics) FinishRun(report domain.IngestionReport, err error) {
	m.runInFlight.Dec()

	outcome := "changed"
	switch {
	case err != nil:
		outcome = "error"
		stage, ok := domain.FailedStage(err)
		if !ok {
			stage = "unknown"
		}
		m.failedStages.WithLabelValues(m.service, string(stage)).Inc()
	case report.NoOp || !report.Committed:
		outcome = "noop"
	}
	m.runTotal.WithLabelValues(m.service, outcome).Inc()
	m.runDuration.WithLabelValues(m.service, outcome).Observe(report.Duration.Seconds())

	if err != nil || report.NoOp {
		return
	}
	m.filesTotal.WithLabelValues(m.service, "indexed").Add(float64(len(report.IndexedFiles)))
	m.filesTotal.WithLabelValues(m.service, "skipped").Add(float64(len(report.SkippedFiles)))
	m.chunksTotal.WithLabelValues(m.service, "added").Add(float64(report.ChunksAdded))
	m.chunksTotal.WithLabelValues(m.service, "duplicate").Add(float64(report.ChunksSkipped))
	m.storeChunks.Set(float64(report.StoreSize))
}
