// Package metrics exposes Prometheus instrumentation for the tracking pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Server ingestion
	IngestRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_ingest_requests_total",
			Help: "Total number of ingestion requests by response status",
		},
		[]string{"status"},
	)

	IngestSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_ingest_samples_total",
			Help: "Total number of ingested samples by outcome",
		},
		[]string{"outcome"}, // "accepted", "duplicate"
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracking_ingest_duration_seconds",
			Help:    "Duration of batch ingestion in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Batch jobs
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_job_runs_total",
			Help: "Total number of periodic job runs by outcome",
		},
		[]string{"job", "outcome"},
	)

	GeofenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_geofence_transitions_total",
			Help: "Total number of geofence enter/exit transitions",
		},
		[]string{"kind"},
	)

	PrunedRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_pruned_rows_total",
			Help: "Total number of rows deleted by the retention pruner",
		},
		[]string{"table"},
	)

	// Device agent
	UploadBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_upload_batches_total",
			Help: "Total number of upload attempts by outcome",
		},
		[]string{"outcome"}, // "success", "retry", "auth_failure", "breaker_open"
	)

	DroppedSamples = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_dropped_samples_total",
			Help: "Total number of samples dropped after exhausting retries",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_queue_pending_samples",
			Help: "Current number of unsent samples in the local queue",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Realtime stream
	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracking_live_connections_active",
			Help: "Current number of open live stream connections",
		},
	)
)

// RecordIngest records one ingestion request.
func RecordIngest(status int, accepted, duplicates int, duration time.Duration) {
	IngestRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	if accepted > 0 {
		IngestSamples.WithLabelValues("accepted").Add(float64(accepted))
	}
	if duplicates > 0 {
		IngestSamples.WithLabelValues("duplicate").Add(float64(duplicates))
	}
	if duration > 0 {
		IngestDuration.Observe(duration.Seconds())
	}
}

// RecordJobRun records the outcome of a periodic job run.
func RecordJobRun(job, outcome string) {
	JobRuns.WithLabelValues(job, outcome).Inc()
}

// RecordGeofenceTransition records a geofence enter or exit.
func RecordGeofenceTransition(kind string) {
	GeofenceTransitions.WithLabelValues(kind).Inc()
}

// RecordPruned records rows removed from a table by retention.
func RecordPruned(table string, rows int64) {
	if rows > 0 {
		PrunedRows.WithLabelValues(table).Add(float64(rows))
	}
}

// RecordUpload records the outcome of one upload worker run.
func RecordUpload(outcome string) {
	UploadBatches.WithLabelValues(outcome).Inc()
}

// RecordDropped records samples discarded after exhausting retries.
func RecordDropped(count int) {
	if count > 0 {
		DroppedSamples.Add(float64(count))
	}
}

// SetQueueDepth updates the pending sample gauge.
func SetQueueDepth(pending int64) {
	QueueDepth.Set(float64(pending))
}

// SetCircuitBreakerState updates the breaker state gauge.
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// TrackLiveConnection adjusts the live connection gauge.
func TrackLiveConnection(opened bool) {
	if opened {
		LiveConnections.Inc()
		return
	}
	LiveConnections.Dec()
}
