package submit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nocturne/connectors/pkg/clients"
	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/base"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/models"
	"github.com/nocturne/connectors/pkg/testutil"
)

func newTestSubmitter(url string, compress bool, opts ...Option) *Submitter {
	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.RateLimit = 0
	httpCfg.CircuitBreakerEnabled = false
	opts = append([]Option{
		WithRetryPolicy(&base.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}),
		WithLogger(zap.NewNop()),
	}, opts...)
	return New(config.StoreConfig{URL: url + "/", APISecret: "s3cret", Compress: compress},
		clients.NewHTTPClient(httpCfg, zap.NewNop()), opts...)
}

func sampleBatch() *models.Batch {
	at := time.Date(2025, 1, 14, 8, 0, 0, 0, time.UTC)
	return &models.Batch{
		Entries: []models.Entry{
			{ID: "e1", Timestamp: at, GlucoseMgDl: 110, Direction: models.TrendFlat},
			{ID: "e2", Timestamp: at.Add(5 * time.Minute), GlucoseMgDl: 115, Direction: models.TrendFortyFiveUp},
			{ID: "e3", Timestamp: at.Add(10 * time.Minute), GlucoseMgDl: 121},
		},
		Treatments: []models.Treatment{
			{ID: "t1", EventType: models.EventBolus, Timestamp: at, Insulin: models.Float(2)},
		},
	}
}

func TestHashSecret(t *testing.T) {
	assert.Equal(t, "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3", HashSecret("test"))
}

func TestSubmitIsIdempotent(t *testing.T) {
	for _, compress := range []bool{false, true} {
		store := testutil.NewStore(t)

		sub := newTestSubmitter(store.URL(), compress, WithChunkSize(2))
		require.NoError(t, sub.Submit(context.Background(), sampleBatch()))
		require.NoError(t, sub.Submit(context.Background(), sampleBatch()))

		entries := store.Entries()
		assert.Len(t, entries, 3)
		assert.Len(t, store.Treatments(), 1)
		assert.Equal(t, HashSecret("s3cret"), store.LastHeaders().Get("api-secret"))
		assert.Equal(t, time.Date(2025, 1, 14, 8, 5, 0, 0, time.UTC), entries["e2"].Timestamp)
		// 2 entry chunks + 1 treatment chunk, twice
		assert.Equal(t, 6, store.Requests())
		if compress {
			assert.Equal(t, "gzip", store.LastHeaders().Get("Content-Encoding"))
		}
	}
}

func TestSubmitRetriesTransient(t *testing.T) {
	store := testutil.NewStore(t)
	store.FailFirst(2)

	require.NoError(t, newTestSubmitter(store.URL(), false).Submit(context.Background(), sampleBatch()))
	assert.Len(t, store.Entries(), 3)
}

func TestSubmitRetryBudgetFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		failures int
		wantErr  bool
		requests int
	}{
		{"one retry recovers", 1, 1, false, 2},
		{"one retry exhausted", 1, 2, true, 2},
		{"four retries recover", 4, 4, false, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewStore(t)
			store.FailFirst(tt.failures)

			httpCfg := clients.DefaultHTTPConfig()
			httpCfg.RateLimit = 0
			httpCfg.CircuitBreakerEnabled = false
			sub := New(config.StoreConfig{
				URL:       store.URL(),
				APISecret: "s3cret",
				Reliability: config.ReliabilityConfig{
					RetryAttempts: tt.attempts,
					RetryDelay:    time.Millisecond,
					MaxRetryDelay: time.Millisecond,
				},
			}, clients.NewHTTPClient(httpCfg, zap.NewNop()), WithLogger(zap.NewNop()))

			batch := &models.Batch{Entries: sampleBatch().Entries}
			err := sub.Submit(context.Background(), batch)
			if tt.wantErr {
				assert.True(t, errors.IsType(err, errors.ErrorTypeTransientNetwork), "got %v", err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.requests, store.Requests())
		})
	}
}

func TestSubmitFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   errors.ErrorType
	}{
		{"bad secret", http.StatusUnauthorized, errors.ErrorTypeAuthentication},
		{"rejected", http.StatusBadRequest, errors.ErrorTypePermanentRequest},
		{"down", http.StatusBadGateway, errors.ErrorTypeTransientNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewStore(t)
			store.RespondWith(tt.status)

			err := newTestSubmitter(store.URL(), false).Submit(context.Background(), sampleBatch())
			assert.True(t, errors.IsType(err, tt.want), "got %v", err)
		})
	}
}

func TestSubmitEmptyBatchSendsNothing(t *testing.T) {
	store := testutil.NewStore(t)

	require.NoError(t, newTestSubmitter(store.URL(), false).Submit(context.Background(), &models.Batch{}))
	assert.Zero(t, store.Requests())
}
