// Package metrics exposes connector sync metrics to Prometheus and keeps the
// per-connector Tracker behind the data health endpoint.
//
// # Basic Usage
//
//	tracker := metrics.NewTracker("libre", metrics.WithFailureThreshold(5))
//	timer := metrics.NewTimer("sync")
//	err := runCycle()
//	tracker.RecordEntries(batch.Entries)
//	tracker.RecordSync(err, timer.Stop())
//	snap := tracker.Snapshot()
//
// Prometheus collectors are package level and labelled by connector name.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesIngested counts glucose entries normalized per connector
	EntriesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nocturne",
			Subsystem: "connector",
			Name:      "entries_ingested_total",
			Help:      "Glucose entries normalized by connector",
		},
		[]string{"connector"},
	)

	// TreatmentsIngested counts treatments normalized per connector
	TreatmentsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nocturne",
			Subsystem: "connector",
			Name:      "treatments_ingested_total",
			Help:      "Treatments normalized by connector",
		},
		[]string{"connector"},
	)

	// RecordErrors counts records skipped or degraded during normalization
	RecordErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nocturne",
			Subsystem: "connector",
			Name:      "record_errors_total",
			Help:      "Records skipped or degraded during normalization",
		},
		[]string{"connector"},
	)

	// SyncCycles counts finished cycles by result (success, failure)
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nocturne",
			Subsystem: "connector",
			Name:      "sync_cycles_total",
			Help:      "Finished sync cycles by result",
		},
		[]string{"connector", "result"},
	)

	// SyncDuration tracks cycle latency
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nocturne",
			Subsystem: "connector",
			Name:      "sync_duration_seconds",
			Help:      "Sync cycle duration",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"connector"},
	)

	// LastSync is the unix time of the last finished cycle
	LastSync = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nocturne",
			Subsystem: "connector",
			Name:      "last_sync_timestamp_seconds",
			Help:      "Unix time of the last finished sync cycle",
		},
		[]string{"connector"},
	)

	// LastEntry is the unix time of the newest entry seen
	LastEntry = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nocturne",
			Subsystem: "connector",
			Name:      "last_entry_timestamp_seconds",
			Help:      "Unix time of the newest glucose entry",
		},
		[]string{"connector"},
	)

	// ConsecutiveFailures is the current failure streak
	ConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nocturne",
			Subsystem: "connector",
			Name:      "consecutive_failures",
			Help:      "Consecutive failed sync cycles",
		},
		[]string{"connector"},
	)

	// Healthy is 1 while the connector is below its failure threshold
	Healthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nocturne",
			Subsystem: "connector",
			Name:      "healthy",
			Help:      "1 while the connector is below its failure threshold",
		},
		[]string{"connector"},
	)
)

// Timer measures an operation's duration
type Timer struct {
	start time.Time
	name  string
}

// NewTimer starts timing immediately
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. It may be called
// more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// Name returns the timer name
func (t *Timer) Name() string {
	return t.name
}
