// Package observability holds the Prometheus metrics of the index services
// and the query tag usage tracker.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dicomindex"

var ReindexBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reindex",
	Name:      "batches",
}, []string{"result"})

var ReindexInstances = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reindex",
	Name:      "instances",
})

var ReindexExtractionErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reindex",
	Name:      "extraction_errors",
})

var ReindexBatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "reindex",
	Name:      "batch_duration_seconds",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
})

var ReindexOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reindex",
	Name:      "operations",
}, []string{"status"})

var CleanupResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "cleanup",
	Name:      "deleted_instances",
}, []string{"result"})

// CleanupOldestDeletionAge is the age in seconds of the oldest pending deletion.
var CleanupOldestDeletionAge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "cleanup",
	Name:      "oldest_deletion_age_seconds",
})

var CleanupExhausted = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "cleanup",
	Name:      "exhausted_deletions",
})

var ChangeFeedPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "changefeed",
	Name:      "published",
}, []string{"action"})

var QueryParseResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "query",
	Name:      "parse_results",
}, []string{"resource", "result"})

var IngestResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ingest",
	Name:      "results",
}, []string{"operation", "result"})

// Collectors returns every metric of the package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ReindexBatches,
		ReindexInstances,
		ReindexExtractionErrors,
		ReindexBatchDuration,
		ReindexOperations,
		CleanupResults,
		CleanupOldestDeletionAge,
		CleanupExhausted,
		ChangeFeedPublished,
		QueryParseResults,
		IngestResults,
	}
}

// Register registers the package metrics with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
