// Package clients provides the outbound HTTP plumbing shared by every vendor
// connector: a pooled transport, rate limiting, circuit breaking, response
// classification, region routing and the per-connector token provider.
package clients

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

// UserAgent is sent when a request does not set its own
const UserAgent = "nocturne-connect/1.0"

// HTTPClient is safe for concurrent use. Connectors share one instance so
// they share one connection pool.
type HTTPClient struct {
	config     *HTTPConfig
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport

	totalRequests  int64
	failedRequests int64

	metrics *HTTPMetrics
	limiter *rate.Limiter

	// one breaker per vendor host
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	mu       sync.Mutex
}

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	// Connection settings
	MaxIdleConns        int           `json:"max_idle_conns"`
	MaxIdleConnsPerHost int           `json:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `json:"idle_conn_timeout"`

	EnableHTTP2 bool `json:"enable_http2"`

	// Timeouts
	DialTimeout           time.Duration `json:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `json:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `json:"response_header_timeout"`
	RequestTimeout        time.Duration `json:"request_timeout"`
	KeepAlive             time.Duration `json:"keep_alive"`

	TLSMinVersion uint16 `json:"tls_min_version"`

	// Rate limiting, 0 disables
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`

	// Circuit breaker
	CircuitBreakerEnabled bool          `json:"circuit_breaker_enabled"`
	FailureThreshold      int           `json:"failure_threshold"`
	SuccessThreshold      int           `json:"success_threshold"`
	Timeout               time.Duration `json:"timeout"`
}

// DefaultHTTPConfig returns defaults sized for a handful of polling connectors
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		EnableHTTP2:           true,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		RequestTimeout:        30 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSMinVersion:         tls.VersionTLS12,
		RateLimit:             2,
		RateBurst:             5,
		CircuitBreakerEnabled: true,
		FailureThreshold:      5,
		SuccessThreshold:      2,
		Timeout:               time.Minute,
	}
}

// NewHTTPClient creates a client with its own transport
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &HTTPClient{
		config:  config,
		logger:  logger.With(zap.String("component", "http_client")),
		metrics:  NewHTTPMetrics(),
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}

	client.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: config.TLSMinVersion,
		},
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(client.transport); err != nil {
			client.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	client.httpClient = &http.Client{
		Transport: client.transport,
		Timeout:   config.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return client
}

// breaker returns the circuit breaker for host, or nil when disabled
func (c *HTTPClient) breaker(host string) *gobreaker.TwoStepCircuitBreaker {
	if !c.config.CircuitBreakerEnabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		cb = newBreaker(host, c.config, c.logger.With(zap.String("host", host)))
		c.breakers[host] = cb
	}
	return cb
}

// NewRequest builds a request carrying the default headers
func (c *HTTPClient) NewRequest(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", UserAgent)
	}
	return req, nil
}

// Do sends req. Transport failures are returned already classified; a
// non-nil response may still carry an error status, see ClassifyResponse.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			atomic.AddInt64(&c.failedRequests, 1)
			return nil, ClassifyTransportError(err)
		}
	}

	var done func(success bool)
	if cb := c.breaker(req.URL.Host); cb != nil {
		var err error
		if done, err = cb.Allow(); err != nil {
			atomic.AddInt64(&c.failedRequests, 1)
			return nil, ErrCircuitOpen
		}
	}

	atomic.AddInt64(&c.totalRequests, 1)
	start := time.Now()

	resp, err := c.httpClient.Do(req)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.metrics.RecordRequest(req.Method, req.URL.Host, status, time.Since(start), err)

	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		if done != nil {
			done(false)
		}
		return nil, ClassifyTransportError(err)
	}
	if done != nil {
		done(resp.StatusCode < 500)
	}

	return resp, nil
}

// GetStats returns current client statistics
func (c *HTTPClient) GetStats() HTTPStats {
	total := atomic.LoadInt64(&c.totalRequests)
	failed := atomic.LoadInt64(&c.failedRequests)

	stats := HTTPStats{
		TotalRequests:  total,
		FailedRequests: failed,
	}
	if total > 0 {
		stats.SuccessRate = float64(total-failed) / float64(total) * 100
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.breakers) > 0 {
		stats.CircuitStates = make(map[string]string, len(c.breakers))
		for host, cb := range c.breakers {
			stats.CircuitStates[host] = cb.State().String()
		}
	}
	return stats
}

// Close releases idle connections
func (c *HTTPClient) Close() error {
	c.logger.Debug("closing HTTP client")
	c.transport.CloseIdleConnections()
	return nil
}

// HTTPStats represents HTTP client statistics
type HTTPStats struct {
	TotalRequests  int64             `json:"total_requests"`
	FailedRequests int64             `json:"failed_requests"`
	SuccessRate    float64           `json:"success_rate"`
	CircuitStates  map[string]string `json:"circuit_states,omitempty"`
}
