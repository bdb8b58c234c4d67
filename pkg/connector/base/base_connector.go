// Package base provides BaseSource, the shared plumbing embedded by every
// vendor connector: identity, configuration, the shared HTTP client, the
// per-connector token provider and JSON request helpers.
//
// # Usage
//
//	type Source struct {
//	    *base.BaseSource
//	    // vendor-specific fields
//	}
//
//	func New(cfg *config.ConnectorConfig, deps core.Dependencies) (core.Source, error) {
//	    s := &Source{BaseSource: base.NewBaseSource(cfg, deps)}
//	    s.UseLogin(s.login)
//	    return s, nil
//	}
//
// Requests made through DoJSON and DoRaw carry the connector request timeout
// and return errors already classified into the connector error taxonomy.
package base

import (
	"bytes"
	"context"
	"io"
	"strings"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nocturne/connectors/pkg/clients"
	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/core"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/logger"
)

const (
	// maxResponseBody bounds any single vendor response
	maxResponseBody = 64 << 20
	maxErrorBody    = 4 << 10
)

// BaseSource implements the non-vendor parts of core.Source
type BaseSource struct {
	name   string
	typ    string
	config *config.ConnectorConfig
	http   *clients.HTTPClient
	tokens *clients.TokenProvider
	logger *zap.Logger

	classify ErrorClassifier
}

// ErrorClassifier maps a vendor error body to the error taxonomy. Returning
// nil falls back to classification by status.
type ErrorClassifier func(status int, body []byte) error

// NewBaseSource creates a base for cfg. A nil HTTP client in deps gets a
// private client with default settings.
func NewBaseSource(cfg *config.ConnectorConfig, deps core.Dependencies) *BaseSource {
	log := deps.Logger
	if log == nil {
		log = logger.Get()
	}
	log = log.With(zap.String("connector", cfg.Name), zap.String("type", cfg.Type))

	httpClient := deps.HTTP
	if httpClient == nil {
		httpClient = clients.NewHTTPClient(clients.DefaultHTTPConfig(), log)
	}

	return &BaseSource{
		name:   cfg.Name,
		typ:    cfg.Type,
		config: cfg,
		http:   httpClient,
		logger: log,
	}
}

// Name returns the configured instance name
func (b *BaseSource) Name() string { return b.name }

// Type returns the vendor type
func (b *BaseSource) Type() string { return b.typ }

// Config returns the connector configuration
func (b *BaseSource) Config() *config.ConnectorConfig { return b.config }

// Logger returns the connector-scoped logger
func (b *BaseSource) Logger() *zap.Logger { return b.logger }

// Log returns the connector logger tagged with the cycle carried by ctx
func (b *BaseSource) Log(ctx context.Context) *zap.Logger {
	return logger.Scoped(b.logger, ctx)
}

// HTTP returns the shared HTTP client
func (b *BaseSource) HTTP() *clients.HTTPClient { return b.http }

// Tokens returns the token provider installed by UseLogin
func (b *BaseSource) Tokens() *clients.TokenProvider { return b.tokens }

// UseLogin installs the vendor login behind a token provider
func (b *BaseSource) UseLogin(login clients.LoginFunc, opts ...clients.TokenOption) {
	b.tokens = clients.NewTokenProvider(b.name, login, b.logger, opts...)
}

// UseErrorClassifier installs vendor specific error body handling
func (b *BaseSource) UseErrorClassifier(fn ErrorClassifier) {
	b.classify = fn
}

// Authenticate ensures a valid session token
func (b *BaseSource) Authenticate(ctx context.Context) error {
	if b.tokens == nil {
		return nil
	}
	_, err := b.tokens.EnsureValidToken(ctx)
	return err
}

// WithToken runs fn with a valid token, re-logging in once when fn reports
// an authentication failure
func (b *BaseSource) WithToken(ctx context.Context, fn func(ctx context.Context, tok *oauth2.Token) error) error {
	if b.tokens == nil {
		return errors.New(errors.ErrorTypeInternal, "connector has no login configured")
	}
	return b.tokens.Do(ctx, fn)
}

// Close releases connector resources. The shared HTTP client is owned by
// the caller and stays open.
func (b *BaseSource) Close(ctx context.Context) error {
	if b.tokens != nil {
		b.tokens.Invalidate(nil)
	}
	return nil
}

// RequestContext bounds ctx by the connector request timeout
func (b *BaseSource) RequestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := b.config.Timeouts.Request
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// DoRaw sends a request and returns the response body. Statuses >= 400 go
// through the installed ErrorClassifier, then clients.ClassifyStatus.
func (b *BaseSource) DoRaw(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	ctx, cancel := b.RequestContext(ctx)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := b.http.NewRequest(ctx, method, url, reader, headers)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build request")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if b.classify != nil {
			if err := b.classify(resp.StatusCode, snippet); err != nil {
				return nil, err
			}
		}
		return nil, clients.ClassifyStatus(resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, clients.ClassifyTransportError(err)
	}
	return data, nil
}

// DoJSON sends in (when non-nil) as a JSON body and decodes the response
// into out (when non-nil)
func (b *BaseSource) DoJSON(ctx context.Context, method, url string, in, out interface{}, headers map[string]string) error {
	var body []byte
	h := map[string]string{"Accept": "application/json"}
	for k, v := range headers {
		h[k] = v
	}
	if in != nil {
		var err error
		body, err = gojson.Marshal(in)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode request")
		}
		h["Content-Type"] = "application/json"
	}

	data, err := b.DoRaw(ctx, method, url, body, h)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := gojson.Unmarshal(data, out); err != nil {
		return errors.Malformed("failed to decode vendor response", err).
			WithDetail("url", url)
	}
	return nil
}
