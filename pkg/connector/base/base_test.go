package base

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nocturne/connectors/pkg/clients"
	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/core"
	"github.com/nocturne/connectors/pkg/errors"
)

func TestRetryPolicyDelayCapped(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts:     10,
		InitialDelay:    time.Second,
		MaxDelay:        10 * time.Second,
		Multiplier:      2,
		RandomizeFactor: 0.5,
	}
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Delay(attempt)
		assert.LessOrEqual(t, d, 10*time.Second, "attempt %d", attempt)
		assert.Greater(t, d, time.Duration(0))
	}
	assert.Equal(t, 10*time.Second, p.Delay(9))
}

func TestRetryPolicyExecute(t *testing.T) {
	fast := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	t.Run("retries transient", func(t *testing.T) {
		calls := 0
		err := fast.Execute(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.Transient("503", nil)
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on permanent", func(t *testing.T) {
		calls := 0
		err := fast.Execute(context.Background(), func() error {
			calls++
			return errors.Permanent("400", nil)
		})
		assert.True(t, errors.IsType(err, errors.ErrorTypePermanentRequest))
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := fast.Execute(context.Background(), func() error {
			calls++
			return errors.Transient("timeout", nil)
		})
		assert.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("cancelled", func(t *testing.T) {
		slow := NewRetryPolicy(3, time.Hour)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := slow.Execute(ctx, func() error { return errors.Transient("x", nil) })
		assert.True(t, stderrors.Is(err, context.Canceled))
	})
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicyFromConfig(config.ReliabilityConfig{RetryAttempts: 4, RetryDelay: 30 * time.Second, MaxRetryDelay: time.Minute})
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, time.Minute, p.MaxDelay)
}

func TestHealthChecker(t *testing.T) {
	hc := NewHealthChecker("libre", 3)
	assert.True(t, hc.IsHealthy())

	hc.Record(stderrors.New("boom"))
	hc.Record(stderrors.New("boom"))
	assert.True(t, hc.IsHealthy())
	assert.Equal(t, core.StatusDegraded, hc.GetStatus().Status)

	hc.Record(stderrors.New("boom"))
	assert.False(t, hc.IsHealthy())
	assert.Equal(t, 3, hc.ConsecutiveFailures())
	assert.Equal(t, "boom", hc.GetStatus().Error)

	hc.Record(nil)
	assert.True(t, hc.IsHealthy())
	assert.Equal(t, 0, hc.ConsecutiveFailures())
	assert.Equal(t, core.StatusHealthy, hc.GetStatus().Status)
}

func newTestBase(t *testing.T) *BaseSource {
	t.Helper()
	cfg := config.NewConnectorConfig("test", "fake")
	cfg.Timeouts.Request = 2 * time.Second
	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.RateLimit = 0
	return NewBaseSource(cfg, core.Dependencies{
		HTTP:   clients.NewHTTPClient(httpCfg, zap.NewNop()),
		Logger: zap.NewNop(),
	})
}

func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"value":42}`))
		case "/garbage":
			_, _ = w.Write([]byte(`not json`))
		case "/denied":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	b := newTestBase(t)
	ctx := context.Background()

	var out struct {
		Value int `json:"value"`
	}
	require.NoError(t, b.DoJSON(ctx, http.MethodPost, srv.URL+"/ok", map[string]string{"a": "b"}, &out, nil))
	assert.Equal(t, 42, out.Value)

	err := b.DoJSON(ctx, http.MethodGet, srv.URL+"/garbage", nil, &out, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMalformedPayload))

	err = b.DoJSON(ctx, http.MethodGet, srv.URL+"/denied", nil, &out, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))

	err = b.DoJSON(ctx, http.MethodGet, srv.URL+"/down", nil, &out, nil)
	assert.True(t, errors.IsRetryable(err))
}

func TestWithTokenRelogsOnce(t *testing.T) {
	b := newTestBase(t)
	logins := 0
	b.UseLogin(func(ctx context.Context) (*oauth2.Token, error) {
		logins++
		return &oauth2.Token{AccessToken: "tok", Expiry: time.Now().Add(time.Hour)}, nil
	})

	require.NoError(t, b.Authenticate(context.Background()))
	calls := 0
	err := b.WithToken(context.Background(), func(ctx context.Context, tok *oauth2.Token) error {
		calls++
		if calls == 1 {
			return errors.Authentication("expired", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, logins)
	assert.Equal(t, 2, calls)
}
