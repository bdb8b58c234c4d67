// Package dexcom connects to the CGM vendor's share service. Login is two
// steps (account id, then session id) and readings carry "/Date(ms)/"
// timestamps.
package dexcom

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/nocturne/connectors/pkg/clients"
	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/base"
	"github.com/nocturne/connectors/pkg/connector/core"
	"github.com/nocturne/connectors/pkg/connector/registry"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/mapping"
	"github.com/nocturne/connectors/pkg/models"
	"github.com/nocturne/connectors/pkg/timestamps"
)

// Type is the registered connector type
const Type = "dexcom"

// ApplicationID identifies the share client to the service
const ApplicationID = "d89443d2-327c-4a6f-89e5-496bbb0317db"

const (
	// MaxLookback is the longest history the service returns
	MaxLookback = 24 * time.Hour

	maxMinutes         = 1440
	readingInterval    = 5
	defaultSessionTTL  = time.Hour
	servicePath        = "/ShareWebServices/Services"
	contentTypeReading = "application/vnd.dexcom.readings+json"
)

// Regions maps region codes to share hosts
var Regions = clients.RegionTable{
	Vendor:  Type,
	Default: "us",
	Hosts: map[string]string{
		"us":  "share2.dexcom.com",
		"ous": "shareous1.dexcom.com",
		"jp":  "share.dexcom.jp",
	},
}

// Service error codes that mean the session or credentials are invalid
var authCodes = map[string]bool{
	"SessionIdNotFound":                   true,
	"SessionNotValid":                     true,
	"AccountPasswordInvalid":              true,
	"AccountNotFound":                     true,
	"SSO_AuthenticateAccountNotFound":     true,
	"SSO_AuthenticatePasswordInvalid":     true,
	"SSO_AuthenticateMaxAttemptsExceeded": true,
}

func init() {
	registry.MustRegister(registry.ConnectorInfo{
		Type:        Type,
		Description: "CGM share service (JSON REST)",
		Protocol:    "json",
		Regions:     Regions.Codes(),
		MaxLookback: MaxLookback.String(),
	}, func(cfg *config.ConnectorConfig, deps core.Dependencies) (core.Source, error) {
		return New(cfg, deps)
	})
}

// Reading is one glucose value as served by the share service
type Reading struct {
	WT    string            `json:"WT"`
	ST    string            `json:"ST"`
	DT    string            `json:"DT"`
	Value float64           `json:"Value"`
	Trend gojson.RawMessage `json:"Trend"`
}

// Direction resolves the trend, which is either a name or a number
func (r *Reading) Direction() models.TrendDirection {
	raw := strings.TrimSpace(string(r.Trend))
	if raw == "" || raw == "null" {
		return models.TrendNone
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 || n > int(models.TrendRateOutOfRange) {
			return models.TrendNone
		}
		return models.TrendDirection(n)
	}
	var name string
	if err := gojson.Unmarshal(r.Trend, &name); err != nil {
		return models.TrendNone
	}
	return models.ParseTrendDirection(name)
}

type serviceError struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

// Source is the dexcom connector
type Source struct {
	*base.BaseSource
	baseURL    string
	sessionTTL time.Duration
}

// Option configures a Source
type Option func(*Source)

// WithBaseURL overrides the regional endpoint
func WithBaseURL(u string) Option {
	return func(s *Source) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithSessionTTL sets the assumed session lifetime
func WithSessionTTL(d time.Duration) Option {
	return func(s *Source) { s.sessionTTL = d }
}

// New creates a dexcom source for cfg
func New(cfg *config.ConnectorConfig, deps core.Dependencies, opts ...Option) (*Source, error) {
	if cfg.Credentials.IsZero() {
		return nil, errors.Config("dexcom requires username and password").WithDetail("connector", cfg.Name)
	}
	s := &Source{
		BaseSource: base.NewBaseSource(cfg, deps),
		sessionTTL: defaultSessionTTL,
	}

	region, host, ok := Regions.Resolve(cfg.Region)
	if !ok {
		s.Logger().Warn("unknown region, using default",
			zap.String("region", cfg.Region), zap.String("default", region))
	}
	s.baseURL = "https://" + host

	for _, opt := range opts {
		opt(s)
	}

	s.UseErrorClassifier(classifyServiceError)
	s.UseLogin(s.login, clients.WithDefaultTTL(s.sessionTTL))
	return s, nil
}

// classifyServiceError inspects the {Code, Message} body the service sends
// with error statuses
func classifyServiceError(status int, body []byte) error {
	var se serviceError
	if err := gojson.Unmarshal(body, &se); err != nil || se.Code == "" {
		return nil
	}
	if authCodes[se.Code] {
		return errors.Authentication(se.Code, nil).
			WithDetail("status", status).
			WithDetail("message", se.Message)
	}
	return nil
}

func (s *Source) url(path string) string {
	return s.baseURL + servicePath + path
}

func (s *Source) login(ctx context.Context) (*oauth2.Token, error) {
	creds := s.Config().Credentials

	var accountID string
	err := s.DoJSON(ctx, http.MethodPost, s.url("/General/AuthenticatePublisherAccount"), map[string]string{
		"accountName":   creds.Username,
		"password":      creds.Password,
		"applicationId": ApplicationID,
	}, &accountID, nil)
	if err != nil {
		return nil, err
	}
	if isNilID(accountID) {
		return nil, errors.Authentication("account not found", nil)
	}

	var sessionID string
	err = s.DoJSON(ctx, http.MethodPost, s.url("/General/LoginPublisherAccountById"), map[string]string{
		"accountId":     accountID,
		"password":      creds.Password,
		"applicationId": ApplicationID,
	}, &sessionID, nil)
	if err != nil {
		return nil, err
	}
	if isNilID(sessionID) {
		return nil, errors.Authentication("login returned no session", nil)
	}

	return &oauth2.Token{AccessToken: sessionID, TokenType: "session", Expiry: time.Now().Add(s.sessionTTL)}, nil
}

// isNilID reports an empty or all-zero GUID, which the service returns for
// rejected credentials
func isNilID(id string) bool {
	return strings.Trim(id, "0-") == ""
}

// MaxLookback implements core.Source
func (s *Source) MaxLookback() time.Duration { return MaxLookback }

// WindowMinutes converts a window to the service's minutes parameter,
// bounded to [1, 1440]
func WindowMinutes(w core.Window) int {
	m := int(math.Ceil(w.Duration().Minutes()))
	if m < 1 {
		return 1
	}
	if m > maxMinutes {
		return maxMinutes
	}
	return m
}

// FetchRaw reads the latest readings covering window
func (s *Source) FetchRaw(ctx context.Context, window core.Window) (*models.RawPayload, error) {
	minutes := WindowMinutes(window)
	var body []byte
	err := s.WithToken(ctx, func(ctx context.Context, tok *oauth2.Token) error {
		q := url.Values{}
		q.Set("sessionId", tok.AccessToken)
		q.Set("minutes", strconv.Itoa(minutes))
		q.Set("maxCount", strconv.Itoa(minutes/readingInterval+1))

		var err error
		body, err = s.DoRaw(ctx, http.MethodPost, s.url("/Publisher/ReadPublisherLatestGlucoseValues")+"?"+q.Encode(),
			nil, map[string]string{"Accept": "application/json"})
		return err
	})
	if err != nil {
		return nil, err
	}

	return &models.RawPayload{
		Source:      s.Name(),
		ContentType: contentTypeReading,
		Body:        body,
		FetchedAt:   time.Now().UTC(),
		From:        window.From,
		To:          window.To,
	}, nil
}

// Normalize converts readings to Entries. Readings outside the payload
// window, without a usable timestamp or with a non-positive value are
// skipped and reported as record errors where they are malformed.
func (s *Source) Normalize(ctx context.Context, payload *models.RawPayload) (*core.Normalized, error) {
	out := &core.Normalized{Batch: &models.Batch{}}
	if payload == nil || len(payload.Body) == 0 {
		return out, nil
	}

	var readings []Reading
	if err := gojson.Unmarshal(payload.Body, &readings); err != nil {
		return nil, errors.Malformed("unparsable readings", err)
	}

	for i := range readings {
		r := &readings[i]
		ts, err := timestamps.ParseEpochTemplate(firstNonEmpty(r.WT, r.ST))
		if err != nil {
			out.RecordErrors = append(out.RecordErrors, fmt.Errorf("reading %d: %w", i, err))
			continue
		}
		if r.Value <= 0 {
			continue
		}
		if !payload.From.IsZero() && ts.Before(payload.From) {
			continue
		}
		out.Batch.Entries = append(out.Batch.Entries, models.Entry{
			ID:          mapping.ReadingIdentity(Type, ts, r.Value),
			Timestamp:   ts,
			GlucoseMgDl: r.Value,
			Direction:   r.Direction(),
			Device:      Type,
			Kind:        models.EntryKindSGV,
		})
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
