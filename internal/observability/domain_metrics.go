package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textsql_uploads_total",
			Help: "Total number of dataset uploads by format and result.",
		},
		[]string{"format", "result"},
	)
	uploadBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "textsql_upload_bytes",
			Help:    "Size of accepted dataset uploads in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)
	activeDatasets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "textsql_active_datasets",
			Help: "Datasets currently held by the session store.",
		},
	)
	askTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "textsql_ask_total",
			Help: "Total number of question submissions by terminal state.",
		},
		[]string{"state"},
	)
	generationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "textsql_generation_duration_seconds",
			Help:    "Latency of the outbound SQL generation call.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"provider"},
	)
	executionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "textsql_execution_duration_seconds",
			Help:    "Latency of candidate query execution.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		uploadsTotal,
		uploadBytes,
		activeDatasets,
		askTotal,
		generationDurationSeconds,
		executionDurationSeconds,
	)
}

func ObserveUpload(format string, size int64, err error) {
	result := "accepted"
	if err != nil {
		result = "rejected"
	}
	if format == "" {
		format = "unknown"
	}
	uploadsTotal.WithLabelValues(format, result).Inc()
	if err == nil && size > 0 {
		uploadBytes.Observe(float64(size))
	}
}

func SetActiveDatasets(count int) {
	if count < 0 {
		count = 0
	}
	activeDatasets.Set(float64(count))
}

func ObserveAsk(state string) {
	askTotal.WithLabelValues(state).Inc()
}

func ObserveGeneration(provider string, elapsed time.Duration) {
	if provider == "" {
		provider = "unknown"
	}
	generationDurationSeconds.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func ObserveExecution(elapsed time.Duration) {
	executionDurationSeconds.Observe(elapsed.Seconds())
}
