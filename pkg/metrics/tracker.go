package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/base"
	"github.com/nocturne/connectors/pkg/connector/core"
	"github.com/nocturne/connectors/pkg/models"
)

// DefaultRecentEntries is the size of the recent entry timestamp ring
const DefaultRecentEntries = 10

const dayWindow = 24 * time.Hour

// Snapshot is a point-in-time copy of a Tracker
type Snapshot struct {
	Connector           string      `json:"connector"`
	TotalEntries        int64       `json:"totalEntries"`
	TotalTreatments     int64       `json:"totalTreatments"`
	EntriesLast24Hours  int         `json:"entriesLast24Hours"`
	LastEntryTime       *time.Time  `json:"lastEntryTime"`
	LastSyncTime        *time.Time  `json:"lastSyncTime"`
	RecentEntries       []time.Time `json:"recentEntries"`
	Healthy             bool        `json:"healthy"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	State               string      `json:"state"`
	LastError           string      `json:"lastError,omitempty"`
}

// Tracker accumulates one connector's ingest and health figures. It is safe
// for concurrent use.
type Tracker struct {
	connector string
	ringSize  int
	now       func() time.Time
	health    *base.HealthChecker

	mu              sync.Mutex
	totalEntries    int64
	totalTreatments int64
	lastEntry       time.Time
	lastSync        time.Time
	recent          []time.Time
	// day maps entry keys to timestamps inside the trailing 24h. It also
	// dedupes the boundary records that overlapping windows fetch again.
	day map[string]time.Time
	// treatments maps recently counted treatment ids to their timestamps
	treatments map[string]time.Time
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithRecentEntries sets the ring size
func WithRecentEntries(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.ringSize = n
		}
	}
}

// WithFailureThreshold sets the consecutive failures that make the
// connector unhealthy
func WithFailureThreshold(n int) TrackerOption {
	return func(t *Tracker) { t.health = base.NewHealthChecker(t.connector, n) }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker for connector
func NewTracker(connector string, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		connector: connector,
		ringSize:   DefaultRecentEntries,
		now:        time.Now,
		day:        make(map[string]time.Time),
		treatments: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.health == nil {
		t.health = base.NewHealthChecker(connector, config.DefaultHealthFailureThreshold)
	}
	Healthy.WithLabelValues(connector).Set(1)
	return t
}

// RecordEntries folds acknowledged entries into the counters. An entry
// already counted within the trailing 24h is ignored.
func (t *Tracker) RecordEntries(entries []models.Entry) {
	if len(entries) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-dayWindow)
	t.pruneDay(cutoff)

	added := 0
	for i := range entries {
		ts := entries[i].Timestamp
		if ts.After(cutoff) {
			key := entryKey(&entries[i])
			if _, seen := t.day[key]; seen {
				continue
			}
			t.day[key] = ts
		}
		added++
		if ts.After(t.lastEntry) {
			t.lastEntry = ts
		}
		t.recent = append(t.recent, ts)
	}
	if added == 0 {
		return
	}
	t.totalEntries += int64(added)

	sort.Slice(t.recent, func(i, j int) bool { return t.recent[i].Before(t.recent[j]) })
	if over := len(t.recent) - t.ringSize; over > 0 {
		t.recent = append(t.recent[:0], t.recent[over:]...)
	}

	EntriesIngested.WithLabelValues(t.connector).Add(float64(added))
	LastEntry.WithLabelValues(t.connector).Set(float64(t.lastEntry.Unix()))
}

// RecordTreatments counts acknowledged treatments once per id within the
// trailing 24h
func (t *Tracker) RecordTreatments(treatments []models.Treatment) {
	if len(treatments) == 0 {
		return
	}
	t.mu.Lock()
	cutoff := t.now().Add(-dayWindow)
	for id, ts := range t.treatments {
		if !ts.After(cutoff) {
			delete(t.treatments, id)
		}
	}
	added := 0
	for i := range treatments {
		tr := &treatments[i]
		if tr.ID != "" && tr.Timestamp.After(cutoff) {
			if _, seen := t.treatments[tr.ID]; seen {
				continue
			}
			t.treatments[tr.ID] = tr.Timestamp
		}
		added++
	}
	t.totalTreatments += int64(added)
	t.mu.Unlock()

	if added > 0 {
		TreatmentsIngested.WithLabelValues(t.connector).Add(float64(added))
	}
}

// RecordRecordErrors adds n skipped or degraded records
func (t *Tracker) RecordRecordErrors(n int) {
	if n > 0 {
		RecordErrors.WithLabelValues(t.connector).Add(float64(n))
	}
}

// RecordSync folds a finished cycle into the health predicate
func (t *Tracker) RecordSync(err error, duration time.Duration) {
	t.mu.Lock()
	t.lastSync = t.now()
	t.mu.Unlock()

	t.health.Record(err)

	result := "success"
	if err != nil {
		result = "failure"
	}
	SyncCycles.WithLabelValues(t.connector, result).Inc()
	SyncDuration.WithLabelValues(t.connector).Observe(duration.Seconds())
	LastSync.WithLabelValues(t.connector).Set(float64(t.lastSync.Unix()))
	ConsecutiveFailures.WithLabelValues(t.connector).Set(float64(t.health.ConsecutiveFailures()))
	if t.health.IsHealthy() {
		Healthy.WithLabelValues(t.connector).Set(1)
	} else {
		Healthy.WithLabelValues(t.connector).Set(0)
	}
}

// IsHealthy reports whether the failure threshold has not been reached
func (t *Tracker) IsHealthy() bool {
	return t.health.IsHealthy()
}

// Snapshot copies the current figures
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneDay(t.now().Add(-dayWindow))
	status := t.health.GetStatus()

	snap := Snapshot{
		Connector:           t.connector,
		TotalEntries:        t.totalEntries,
		TotalTreatments:     t.totalTreatments,
		EntriesLast24Hours:  len(t.day),
		RecentEntries:       append([]time.Time(nil), t.recent...),
		Healthy:             status.Status != core.StatusUnhealthy,
		ConsecutiveFailures: status.ConsecutiveFailures,
		State:               status.Status,
		LastError:           status.Error,
	}
	if !t.lastEntry.IsZero() {
		ts := t.lastEntry
		snap.LastEntryTime = &ts
	}
	if !t.lastSync.IsZero() {
		ts := t.lastSync
		snap.LastSyncTime = &ts
	}
	return snap
}

// pruneDay drops entries at or before cutoff; caller holds mu
func (t *Tracker) pruneDay(cutoff time.Time) {
	for key, ts := range t.day {
		if !ts.After(cutoff) {
			delete(t.day, key)
		}
	}
}

// entryKey identifies an entry; readings without an id fall back to their
// instant
func entryKey(e *models.Entry) string {
	if e.ID != "" {
		return e.ID
	}
	return e.Timestamp.UTC().Format(time.RFC3339Nano)
}
