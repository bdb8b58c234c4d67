package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nocturne/connectors/pkg/errors"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   errors.ErrorType
	}{
		{http.StatusUnauthorized, errors.ErrorTypeAuthentication},
		{http.StatusForbidden, errors.ErrorTypeAuthentication},
		{http.StatusBadRequest, errors.ErrorTypePermanentRequest},
		{http.StatusNotFound, errors.ErrorTypePermanentRequest},
		{http.StatusTooManyRequests, errors.ErrorTypeTransientNetwork},
		{http.StatusInternalServerError, errors.ErrorTypeTransientNetwork},
		{http.StatusBadGateway, errors.ErrorTypeTransientNetwork},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := ClassifyStatus(tt.status, "")
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.TypeOf(err))
		})
	}

	assert.NoError(t, ClassifyStatus(http.StatusOK, ""))
	assert.NoError(t, ClassifyStatus(http.StatusFound, ""))
}

func TestClassifyTransportError(t *testing.T) {
	assert.Nil(t, ClassifyTransportError(nil))
	assert.True(t, errors.IsRetryable(ClassifyTransportError(context.DeadlineExceeded)))
	assert.False(t, errors.IsRetryable(ClassifyTransportError(context.Canceled)))

	typed := errors.Permanent("bad", nil)
	assert.Same(t, typed, ClassifyTransportError(typed))
}

func TestHTTPClientClassifiesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	cfg.RateLimit = 0
	client := NewHTTPClient(cfg, zap.NewNop())
	defer client.Close()

	req, err := client.NewRequest(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestHTTPClientBreakerOpensPerHost(t *testing.T) {
	var hits int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer healthy.Close()

	cfg := DefaultHTTPConfig()
	cfg.RateLimit = 0
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	client := NewHTTPClient(cfg, zap.NewNop())

	for i := 0; i < 2; i++ {
		req, _ := client.NewRequest(context.Background(), http.MethodGet, failing.URL, nil, nil)
		resp, err := client.Do(req)
		require.NoError(t, err)
		assert.True(t, errors.IsRetryable(ClassifyResponse(resp)))
		_ = resp.Body.Close()
	}

	req, _ := client.NewRequest(context.Background(), http.MethodGet, failing.URL, nil, nil)
	_, err := client.Do(req)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	req, _ = client.NewRequest(context.Background(), http.MethodGet, healthy.URL, nil, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	stats := client.GetStats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Len(t, stats.CircuitStates, 2)
}

func TestCircuitBreakerRecovers(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.RateLimit = 0
	cfg.FailureThreshold = 1
	cfg.SuccessThreshold = 1
	cfg.Timeout = 50 * time.Millisecond
	client := NewHTTPClient(cfg, zap.NewNop())

	get := func() (*http.Response, error) {
		req, err := client.NewRequest(context.Background(), http.MethodGet, srv.URL, nil, nil)
		require.NoError(t, err)
		return client.Do(req)
	}

	resp, err := get()
	require.NoError(t, err)
	_ = resp.Body.Close()
	_, err = get()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	host := strings.TrimPrefix(srv.URL, "http://")
	assert.Equal(t, "open", client.GetStats().CircuitStates[host])

	failing.Store(false)
	require.Eventually(t, func() bool {
		resp, err := get()
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "closed", client.GetStats().CircuitStates[host])
}

func TestTokenProviderSingleFlight(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	p := NewTokenProvider("test", func(ctx context.Context) (*oauth2.Token, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &oauth2.Token{AccessToken: "session", Expiry: time.Now().Add(time.Hour)}, nil
	}, zap.NewNop())

	var wg sync.WaitGroup
	tokens := make([]*oauth2.Token, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := p.EnsureValidToken(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, tok := range tokens {
		require.NotNil(t, tok)
		assert.Equal(t, "session", tok.AccessToken)
	}
}

func TestTokenProviderSafetyMargin(t *testing.T) {
	now := time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC)
	n := 0
	p := NewTokenProvider("test", func(ctx context.Context) (*oauth2.Token, error) {
		n++
		return &oauth2.Token{AccessToken: "t", Expiry: now.Add(10 * time.Minute)}, nil
	}, nil, WithClock(func() time.Time { return now }))

	_, err := p.EnsureValidToken(context.Background())
	require.NoError(t, err)
	_, err = p.EnsureValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// inside the five minute margin
	now = now.Add(6 * time.Minute)
	_, err = p.EnsureValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTokenProviderDoRetriesOnce(t *testing.T) {
	var logins int32
	p := NewTokenProvider("test", func(ctx context.Context) (*oauth2.Token, error) {
		n := atomic.AddInt32(&logins, 1)
		return &oauth2.Token{AccessToken: strings.Repeat("x", int(n))}, nil
	}, nil)

	attempts := 0
	err := p.Do(context.Background(), func(ctx context.Context, tok *oauth2.Token) error {
		attempts++
		if attempts == 1 {
			return errors.Authentication("session expired", nil)
		}
		assert.Equal(t, "xx", tok.AccessToken)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts = 0
	err = p.Do(context.Background(), func(ctx context.Context, tok *oauth2.Token) error {
		attempts++
		return errors.Authentication("still rejected", nil)
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(3), p.Logins())
}

func TestTokenProviderLoginFailure(t *testing.T) {
	p := NewTokenProvider("test", func(ctx context.Context) (*oauth2.Token, error) {
		return nil, assert.AnError
	}, nil)
	_, err := p.EnsureValidToken(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))

	transient := NewTokenProvider("test", func(ctx context.Context) (*oauth2.Token, error) {
		return nil, errors.Transient("vendor down", nil)
	}, nil)
	_, err = transient.EnsureValidToken(context.Background())
	assert.True(t, errors.IsRetryable(err))
}

func TestRegionTable(t *testing.T) {
	table := RegionTable{
		Vendor:  "test",
		Default: "EU",
		Hosts:   map[string]string{"EU": "api-eu.example.com", "US": "api-us.example.com"},
	}

	region, host, ok := table.Resolve("us")
	assert.True(t, ok)
	assert.Equal(t, "US", region)
	assert.Equal(t, "api-us.example.com", host)

	region, host, ok = table.Resolve("XX")
	assert.False(t, ok)
	assert.Equal(t, "EU", region)
	assert.Equal(t, "api-eu.example.com", host)

	_, _, ok = table.Resolve("")
	assert.True(t, ok)
	assert.Equal(t, "https://api-eu.example.com", table.BaseURL("nope"))
	assert.Equal(t, []string{"EU", "US"}, table.Codes())
}

func TestRateLimitWaitHonorsContext(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := DefaultHTTPConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	cfg.CircuitBreakerEnabled = false
	client := NewHTTPClient(cfg, zap.NewNop())

	req, err := client.NewRequest(context.Background(), http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, err = client.NewRequest(ctx, http.MethodGet, srv.URL, nil, nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, int64(1), client.GetStats().FailedRequests)
}
