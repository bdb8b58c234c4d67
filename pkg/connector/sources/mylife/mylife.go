// Package mylife connects to the pump cloud sync service. Sessions are
// established over SOAP; sync data arrives as an encrypted zip archive of
// pump and sensor events with tick timestamps.
package mylife

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

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
const Type = "mylife"

// ContentType marks payloads holding an encrypted sync archive
const ContentType = "application/vnd.mylife.archive"

// MaxLookback is how far back the service keeps sync data
const MaxLookback = 90 * 24 * time.Hour

const defaultSessionTimeout = 30 * time.Minute

// Regions maps region codes to sync service hosts
var Regions = clients.RegionTable{
	Vendor:  Type,
	Default: "EU",
	Hosts: map[string]string{
		"EU": "lt.mylife-software.net",
		"US": "us.mylife-software.net",
	},
}

func init() {
	registry.MustRegister(registry.ConnectorInfo{
		Type:        Type,
		Description: "Pump cloud sync service (SOAP, encrypted archive)",
		Protocol:    "soap",
		Regions:     Regions.Codes(),
		MaxLookback: MaxLookback.String(),
	}, func(cfg *config.ConnectorConfig, deps core.Dependencies) (core.Source, error) {
		return New(cfg, deps)
	})
}

// Source is the mylife connector
type Source struct {
	*base.BaseSource

	client  *soapClient
	decoder *Decoder
	mapper  *mapping.Mapper

	mu        sync.RWMutex
	patientID string
}

// Option configures a Source
type Option func(*Source)

// WithBaseURL overrides the regional endpoint
func WithBaseURL(url string) Option {
	return func(s *Source) { s.client.baseURL = url }
}

// New creates a mylife source for cfg
func New(cfg *config.ConnectorConfig, deps core.Dependencies, opts ...Option) (*Source, error) {
	if cfg.Credentials.IsZero() {
		return nil, errors.Config("mylife requires username and password").WithDetail("connector", cfg.Name)
	}

	s := &Source{
		BaseSource: base.NewBaseSource(cfg, deps),
		decoder:    NewDecoder(),
		patientID:  cfg.PatientID,
	}

	region, host, ok := Regions.Resolve(cfg.Region)
	if !ok {
		s.Logger().Warn("unknown region, using default",
			zap.String("region", cfg.Region), zap.String("default", region))
	}
	s.client = &soapClient{base: s.BaseSource, baseURL: "https://" + host}

	s.mapper = mapping.NewMapper(Type,
		mapping.WithConsolidation(mapping.ConsolidationFromConfig(cfg.Consolidation)),
		mapping.WithLogger(s.Logger()))

	for _, opt := range opts {
		opt(s)
	}

	s.UseLogin(s.login)
	return s, nil
}

func (s *Source) login(ctx context.Context) (*oauth2.Token, error) {
	creds := s.Config().Credentials
	res, err := s.client.login(ctx, creds.Username, creds.Password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.patientID == "" {
		s.patientID = res.PatientID
	}
	s.mu.Unlock()

	timeout := defaultSessionTimeout
	if res.TimeoutMinutes > 0 {
		timeout = time.Duration(res.TimeoutMinutes) * time.Minute
	}
	return &oauth2.Token{AccessToken: res.Token, TokenType: "session", Expiry: time.Now().Add(timeout)}, nil
}

func (s *Source) patient() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.patientID
}

// MaxLookback implements core.Source
func (s *Source) MaxLookback() time.Duration { return MaxLookback }

// FetchRaw downloads the encrypted archive covering window
func (s *Source) FetchRaw(ctx context.Context, window core.Window) (*models.RawPayload, error) {
	var encoded string
	err := s.WithToken(ctx, func(ctx context.Context, tok *oauth2.Token) error {
		var err error
		encoded, err = s.client.getSyncData(ctx, getSyncDataRequest{
			Token:     tok.AccessToken,
			PatientID: s.patient(),
			FromTicks: timestamps.ToTicks(window.From),
			ToTicks:   timestamps.ToTicks(window.To),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	payload := &models.RawPayload{
		Source:      s.Name(),
		ContentType: ContentType,
		FetchedAt:   time.Now().UTC(),
		From:        window.From,
		To:          window.To,
	}
	if encoded == "" {
		return payload, nil
	}
	payload.Body, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Malformed("sync data is not base64", err)
	}
	return payload, nil
}

// Normalize decrypts the archive and maps its events. A payload without a
// body means the service had nothing for the window.
func (s *Source) Normalize(ctx context.Context, payload *models.RawPayload) (*core.Normalized, error) {
	if payload == nil || len(payload.Body) == 0 {
		return &core.Normalized{Batch: &models.Batch{}}, nil
	}
	events, err := s.decoder.Decode(payload.Body)
	if err != nil {
		return nil, err
	}

	res := s.mapper.MapContext(ctx, events)
	s.Log(ctx).Debug("mapped sync archive",
		zap.Int("events", len(events)),
		zap.Stringer("result", res))

	out := &core.Normalized{Batch: res.Batch}
	for i := range res.Errors {
		out.RecordErrors = append(out.RecordErrors, res.Errors[i])
	}
	return out, nil
}
