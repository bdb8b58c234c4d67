package metrics

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne/connectors/pkg/models"
)

func entriesAt(times ...time.Time) []models.Entry {
	out := make([]models.Entry, len(times))
	for i, ts := range times {
		out[i] = models.Entry{Timestamp: ts, GlucoseMgDl: 100}
	}
	return out
}

func TestTrackerCounts(t *testing.T) {
	now := time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)
	tr := NewTracker("test-counts", WithClock(func() time.Time { return now }), WithRecentEntries(3))

	tr.RecordEntries(entriesAt(
		now.Add(-30*time.Hour),
		now.Add(-2*time.Hour),
		now.Add(-10*time.Minute),
		now.Add(-5*time.Minute),
	))
	tr.RecordTreatments([]models.Treatment{
		{ID: "t1", Timestamp: now.Add(-time.Hour)},
		{ID: "t2", Timestamp: now.Add(-2 * time.Hour)},
	})

	snap := tr.Snapshot()
	assert.EqualValues(t, 4, snap.TotalEntries)
	assert.EqualValues(t, 2, snap.TotalTreatments)
	assert.Equal(t, 3, snap.EntriesLast24Hours)
	require.NotNil(t, snap.LastEntryTime)
	assert.Equal(t, now.Add(-5*time.Minute), *snap.LastEntryTime)
	assert.Nil(t, snap.LastSyncTime)

	require.Len(t, snap.RecentEntries, 3)
	assert.Equal(t, now.Add(-2*time.Hour), snap.RecentEntries[0])
	assert.Equal(t, now.Add(-5*time.Minute), snap.RecentEntries[2])
}

func TestTrackerCountsOverlappingBatchesOnce(t *testing.T) {
	now := time.Date(2025, 1, 14, 8, 0, 0, 0, time.UTC)
	tr := NewTracker("test-overlap", WithClock(func() time.Time { return now }))

	reading := func(id string, ts time.Time) models.Entry {
		return models.Entry{ID: id, Timestamp: ts, GlucoseMgDl: 110}
	}
	t1, t2, t3 := now.Add(-10*time.Minute), now.Add(-5*time.Minute), now

	tr.RecordEntries([]models.Entry{reading("a", t1), reading("b", t2)})
	// the next window starts at the checkpoint and fetches b again
	tr.RecordEntries([]models.Entry{reading("b", t2), reading("c", t3)})
	tr.RecordEntries([]models.Entry{reading("c", t3)})

	snap := tr.Snapshot()
	assert.EqualValues(t, 3, snap.TotalEntries)
	assert.Equal(t, 3, snap.EntriesLast24Hours)
	assert.Equal(t, []time.Time{t1, t2, t3}, snap.RecentEntries)

	bolus := models.Treatment{ID: "bolus-1", Timestamp: t2}
	tr.RecordTreatments([]models.Treatment{bolus})
	tr.RecordTreatments([]models.Treatment{bolus, {ID: "bolus-2", Timestamp: t3}})
	assert.EqualValues(t, 2, tr.Snapshot().TotalTreatments)
}

func TestTrackerDayWindowSlides(t *testing.T) {
	now := time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)
	clock := now
	tr := NewTracker("test-slide", WithClock(func() time.Time { return clock }))

	tr.RecordEntries(entriesAt(now.Add(-23 * time.Hour)))
	assert.Equal(t, 1, tr.Snapshot().EntriesLast24Hours)

	clock = now.Add(2 * time.Hour)
	assert.Equal(t, 0, tr.Snapshot().EntriesLast24Hours)
	assert.EqualValues(t, 1, tr.Snapshot().TotalEntries)
}

func TestTrackerHealthThreshold(t *testing.T) {
	tr := NewTracker("test-health", WithFailureThreshold(2))
	boom := stderrors.New("vendor down")

	tr.RecordSync(boom, time.Second)
	assert.True(t, tr.IsHealthy())
	assert.Equal(t, "degraded", tr.Snapshot().State)

	tr.RecordSync(boom, time.Second)
	assert.False(t, tr.IsHealthy())
	snap := tr.Snapshot()
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, "vendor down", snap.LastError)
	require.NotNil(t, snap.LastSyncTime)

	tr.RecordSync(nil, time.Second)
	assert.True(t, tr.IsHealthy())
	assert.Equal(t, 0, tr.Snapshot().ConsecutiveFailures)
}

func TestTimer(t *testing.T) {
	timer := NewTimer("op")
	assert.Equal(t, "op", timer.Name())
	assert.GreaterOrEqual(t, timer.Stop(), time.Duration(0))
}
