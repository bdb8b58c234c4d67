package clients

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/logger"
)

// DefaultSafetyMargin is subtracted from a token's expiry before it is reused
const DefaultSafetyMargin = 5 * time.Minute

// LoginFunc performs a full vendor login and returns the session token.
// A zero Expiry means the vendor did not report one.
type LoginFunc func(ctx context.Context) (*oauth2.Token, error)

// TokenProvider caches one connector's session token. Concurrent callers
// that find the cache stale share a single in-flight login.
type TokenProvider struct {
	name   string
	login  LoginFunc
	margin time.Duration
	ttl    time.Duration
	logger *zap.Logger

	group singleflight.Group
	mu    sync.RWMutex
	token *oauth2.Token

	logins int64
	now    func() time.Time
}

// TokenOption configures a TokenProvider
type TokenOption func(*TokenProvider)

// WithSafetyMargin overrides DefaultSafetyMargin
func WithSafetyMargin(d time.Duration) TokenOption {
	return func(p *TokenProvider) { p.margin = d }
}

// WithDefaultTTL sets the lifetime assumed for tokens without an expiry
func WithDefaultTTL(d time.Duration) TokenOption {
	return func(p *TokenProvider) { p.ttl = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) TokenOption {
	return func(p *TokenProvider) { p.now = now }
}

// NewTokenProvider creates a provider for the named connector
func NewTokenProvider(name string, login LoginFunc, logger *zap.Logger, opts ...TokenOption) *TokenProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &TokenProvider{
		name:   name,
		login:  login,
		margin: DefaultSafetyMargin,
		logger: logger.With(zap.String("component", "token_provider"), zap.String("connector", name)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EnsureValidToken returns the cached token, logging in first when it is
// missing or within the safety margin of expiry
func (p *TokenProvider) EnsureValidToken(ctx context.Context) (*oauth2.Token, error) {
	if tok := p.cached(); tok != nil {
		return tok, nil
	}

	ch := p.group.DoChan("login", func() (interface{}, error) {
		// another caller may have finished a login since we checked
		if tok := p.cached(); tok != nil {
			return tok, nil
		}
		return p.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	case <-ctx.Done():
		return nil, ClassifyTransportError(ctx.Err())
	}
}

func (p *TokenProvider) refresh(ctx context.Context) (*oauth2.Token, error) {
	atomic.AddInt64(&p.logins, 1)
	log := logger.Scoped(p.logger, ctx)
	tok, err := p.login(ctx)
	if err != nil {
		log.Warn("vendor login failed", zap.Error(err))
		var typed *errors.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, errors.Authentication("vendor login failed", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.Authentication("vendor login returned no session", nil)
	}
	if tok.Expiry.IsZero() && p.ttl > 0 {
		tok.Expiry = p.now().Add(p.ttl)
	}

	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()

	log.Info("vendor session established", zap.Time("expires_at", tok.Expiry))
	return tok, nil
}

func (p *TokenProvider) cached() *oauth2.Token {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == nil || p.token.AccessToken == "" {
		return nil
	}
	if !p.token.Expiry.IsZero() && !p.now().Before(p.token.Expiry.Add(-p.margin)) {
		return nil
	}
	return p.token
}

// Invalidate drops tok from the cache. A newer token obtained by another
// caller is kept.
func (p *TokenProvider) Invalidate(tok *oauth2.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == nil {
		return
	}
	if tok == nil || tok.AccessToken == p.token.AccessToken {
		p.token = nil
	}
}

// Do runs fn with a valid token. If fn fails with an authentication error the
// token is invalidated and fn runs exactly once more with a fresh login.
func (p *TokenProvider) Do(ctx context.Context, fn func(ctx context.Context, tok *oauth2.Token) error) error {
	tok, err := p.EnsureValidToken(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, tok)
	if !errors.IsType(err, errors.ErrorTypeAuthentication) {
		return err
	}

	logger.Scoped(p.logger, ctx).Info("session rejected, logging in again")
	p.Invalidate(tok)
	tok, err = p.EnsureValidToken(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, tok)
}

// Logins returns how many vendor logins were performed
func (p *TokenProvider) Logins() int64 {
	return atomic.LoadInt64(&p.logins)
}
