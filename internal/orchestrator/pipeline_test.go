package orchestrator

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne/connectors/pkg/clients"
	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/base"
	"github.com/nocturne/connectors/pkg/models"
	"github.com/nocturne/connectors/pkg/state"
	"github.com/nocturne/connectors/pkg/submit"
	"github.com/nocturne/connectors/pkg/testutil"
)

func newStoreSubmitter(t *testing.T, store *testutil.Store) *submit.Submitter {
	t.Helper()
	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.RateLimit = 0
	httpCfg.CircuitBreakerEnabled = false
	log := testutil.TestLogger(t)
	return submit.New(config.StoreConfig{URL: store.URL(), APISecret: "secret"},
		clients.NewHTTPClient(httpCfg, log),
		submit.WithRetryPolicy(base.NewRetryPolicy(1, time.Millisecond)),
		submit.WithLogger(log))
}

func TestCycleAgainstStore(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := testutil.NewStore(t)
	checkpoints := state.NewMemoryStore()

	newest := testNow.Add(-2 * time.Minute)
	src := &fakeSource{batch: &models.Batch{
		Entries: []models.Entry{entryAt(testNow.Add(-7 * time.Minute)), entryAt(newest)},
		Treatments: []models.Treatment{{
			ID: "meal-1", EventType: models.EventMealBolus, Timestamp: testNow.Add(-30 * time.Minute),
			Insulin: models.Float(4.5), Carbs: models.Float(45),
		}},
	}}

	cfg := config.NewConnectorConfig("end-to-end", "fake")
	o := New(cfg, src, newStoreSubmitter(t, store), checkpoints,
		WithClock(func() time.Time { return testNow }),
		WithLogger(testutil.TestLogger(t)))

	t.Run("store rejection keeps the checkpoint", func(t *testing.T) {
		store.RespondWith(http.StatusUnauthorized)
		_, err := o.SyncOnce(ctx, 0)
		require.Error(t, err)

		cp, err := checkpoints.Load(ctx, cfg.Name)
		require.NoError(t, err)
		assert.Nil(t, cp)
		assert.Empty(t, store.Entries())
	})

	t.Run("accepted batch advances the checkpoint", func(t *testing.T) {
		store.RespondWith(0)
		res, err := o.SyncOnce(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, newest, res.Checkpoint)

		assert.Len(t, store.Entries(), 2)
		treatments := store.Treatments()
		require.Contains(t, treatments, "meal-1")
		assert.Equal(t, models.EventMealBolus, treatments["meal-1"].EventType)
	})

	t.Run("resubmission is an upsert", func(t *testing.T) {
		_, err := o.SyncOnce(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.Len(t, store.Entries(), 2)
		assert.Len(t, store.Treatments(), 1)
	})
}
