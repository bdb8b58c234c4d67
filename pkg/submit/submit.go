// Package submit pushes normalized batches to the central store's bulk
// endpoints. Records carry deterministic identifiers, so the store upserts
// and resubmitting a batch is harmless.
package submit

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // the store authenticates with the SHA-1 of the secret
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/nocturne/connectors/pkg/clients"
	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/base"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/logger"
	"github.com/nocturne/connectors/pkg/models"
	"github.com/nocturne/connectors/pkg/pool"
)

const (
	// EntriesPath and TreatmentsPath are the store's bulk endpoints
	EntriesPath    = "/api/v1/entries"
	TreatmentsPath = "/api/v1/treatments"

	// DefaultChunkSize bounds the records sent per request
	DefaultChunkSize = 500

	secretHeader = "api-secret"
)

// HashSecret returns the lowercase hex SHA-1 the store expects in the
// api-secret header
func HashSecret(secret string) string {
	sum := sha1.Sum([]byte(secret)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Submitter implements core.Submitter against the central store
type Submitter struct {
	baseURL    string
	secretHash string
	compress   bool
	chunkSize  int
	timeout    time.Duration
	http       *clients.HTTPClient
	retry      *base.RetryPolicy
	logger     *zap.Logger
}

// Option configures a Submitter
type Option func(*Submitter)

// WithRetryPolicy replaces the default request retry policy
func WithRetryPolicy(p *base.RetryPolicy) Option {
	return func(s *Submitter) { s.retry = p }
}

// WithChunkSize sets the records per request
func WithChunkSize(n int) Option {
	return func(s *Submitter) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

// WithTimeout bounds each store request
func WithTimeout(d time.Duration) Option {
	return func(s *Submitter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Submitter) { s.logger = l }
}

// retryPolicy treats RetryAttempts as retries after the first request
func retryPolicy(r config.ReliabilityConfig) *base.RetryPolicy {
	if r.RetryAttempts <= 0 {
		return base.DefaultRetryPolicy()
	}
	p := base.RetryPolicyFromConfig(r)
	p.MaxAttempts = r.RetryAttempts + 1
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// New creates a submitter for the store in cfg
func New(cfg config.StoreConfig, httpClient *clients.HTTPClient, opts ...Option) *Submitter {
	s := &Submitter{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		secretHash: HashSecret(cfg.APISecret),
		compress:   cfg.Compress,
		chunkSize:  DefaultChunkSize,
		timeout:    config.DefaultRequestTimeout,
		http:       httpClient,
		retry:      retryPolicy(cfg.Reliability),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "submitter"))
	return s
}

// Submit sends every entry and treatment in batch. It returns nil only when
// the store accepted all of them.
func (s *Submitter) Submit(ctx context.Context, batch *models.Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	for start := 0; start < len(batch.Entries); start += s.chunkSize {
		end := min(start+s.chunkSize, len(batch.Entries))
		if err := s.post(ctx, EntriesPath, batch.Entries[start:end], end-start); err != nil {
			return err
		}
	}
	for start := 0; start < len(batch.Treatments); start += s.chunkSize {
		end := min(start+s.chunkSize, len(batch.Treatments))
		if err := s.post(ctx, TreatmentsPath, batch.Treatments[start:end], end-start); err != nil {
			return err
		}
	}
	logger.Scoped(s.logger, ctx).Debug("batch submitted",
		zap.Int("entries", len(batch.Entries)),
		zap.Int("treatments", len(batch.Treatments)))
	return nil
}

func (s *Submitter) post(ctx context.Context, path string, records interface{}, count int) error {
	body, err := s.encode(records)
	if err != nil {
		return err
	}

	return s.retry.Execute(ctx, func() error {
		err := s.send(ctx, path, body)
		if err != nil {
			logger.Scoped(s.logger, ctx).Warn("store request failed",
				zap.String("path", path),
				zap.Int("records", count),
				zap.Error(err))
		}
		return err
	})
}

func (s *Submitter) encode(records interface{}) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	var w io.Writer = buf
	var zw *gzip.Writer
	if s.compress {
		zw = gzip.NewWriter(buf)
		w = zw
	}
	if err := gojson.NewEncoder(w).Encode(records); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode records")
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to compress records")
		}
	}
	// The body is resent on retry, after buf went back to the pool.
	return bytes.Clone(buf.Bytes()), nil
}

func (s *Submitter) send(ctx context.Context, path string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
		secretHeader:   s.secretHash,
	}
	if s.compress {
		headers["Content-Encoding"] = "gzip"
	}

	req, err := s.http.NewRequest(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body), headers)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to build store request")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := clients.ClassifyResponse(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
