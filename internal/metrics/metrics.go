package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeOK        = "ok"
	OutcomeMalformed = "malformed"
	OutcomeInvalid   = "invalid"
	OutcomeUnrouted  = "unrouted"
	OutcomeFailed    = "failed"
)

var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirsink_messages_total",
			Help: "Change events handled, by resource kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	handleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fhirsink_handle_duration_seconds",
			Help:    "Time spent handling one change event",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	rowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirsink_rows_written_total",
			Help: "Rows affected by merge, delete and call statements",
		},
		[]string{"table", "action"},
	)

	duplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirsink_duplicates_total",
			Help: "Statements that hit a unique constraint and were ignored",
		},
		[]string{"table"},
	)

	embeddingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fhirsink_embedding_duration_seconds",
			Help:    "Embedding provider latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	embeddingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fhirsink_embedding_failures_total",
			Help: "Embedding requests that failed and left the row without a vector",
		},
	)

	backfillPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirsink_backfill_published_total",
			Help: "Resources published by the backfill crawler",
		},
		[]string{"kind"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordMessage(kind, outcome string, d time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	messagesTotal.WithLabelValues(kind, outcome).Inc()
	handleDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func RecordRows(table, action string, n int64) {
	rowsWritten.WithLabelValues(table, action).Add(float64(n))
}

func RecordDuplicate(table string) {
	duplicatesTotal.WithLabelValues(table).Inc()
}

func RecordEmbedding(d time.Duration, err error) {
	embeddingDuration.Observe(d.Seconds())
	if err != nil {
		embeddingFailures.Inc()
	}
}

func RecordBackfillPublished(kind string) {
	backfillPublished.WithLabelValues(kind).Inc()
}
