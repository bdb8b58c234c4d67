// Package librelinkup connects to the follower API of the flash glucose
// monitoring cloud. Accounts live in regional shards; a login against the
// wrong shard answers with a redirect to the right one.
package librelinkup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
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
	"github.com/nocturne/connectors/pkg/models"
)

// Type is the registered connector type
const Type = "librelinkup"

const (
	// MaxLookback is the span of the graph endpoint
	MaxLookback = 12 * time.Hour

	// Product and Version identify the client to the API
	Product = "llu.android"
	Version = "4.16.0"

	contentTypeGraph  = "application/vnd.librelinkup.graph+json"
	defaultTokenTTL   = time.Hour
	statusOK          = 0
	statusBadLogin    = 2
	statusTermsNeeded = 4
)

// Regions maps region codes to API hosts
var Regions = clients.RegionTable{
	Vendor:  Type,
	Default: "EU",
	Hosts: map[string]string{
		"AE":  "api-ae.libreview.io",
		"AP":  "api-ap.libreview.io",
		"AU":  "api-au.libreview.io",
		"CA":  "api-ca.libreview.io",
		"DE":  "api-de.libreview.io",
		"EU":  "api-eu.libreview.io",
		"EU2": "api-eu2.libreview.io",
		"FR":  "api-fr.libreview.io",
		"JP":  "api-jp.libreview.io",
		"LA":  "api-la.libreview.io",
		"RU":  "api.libreview.ru",
		"US":  "api-us.libreview.io",
	},
}

func init() {
	registry.MustRegister(registry.ConnectorInfo{
		Type:        Type,
		Description: "Flash glucose follower API (JSON REST)",
		Protocol:    "json",
		Regions:     Regions.Codes(),
		MaxLookback: MaxLookback.String(),
	}, func(cfg *config.ConnectorConfig, deps core.Dependencies) (core.Source, error) {
		return New(cfg, deps)
	})
}

// Source is the librelinkup connector
type Source struct {
	*base.BaseSource

	// baseURLOverride pins every region to one host, for tests
	baseURLOverride string

	mu        sync.RWMutex
	region    string
	accountID string
	patientID string
}

// Option configures a Source
type Option func(*Source)

// WithBaseURL pins all regions to url
func WithBaseURL(url string) Option {
	return func(s *Source) { s.baseURLOverride = strings.TrimRight(url, "/") }
}

// New creates a librelinkup source for cfg
func New(cfg *config.ConnectorConfig, deps core.Dependencies, opts ...Option) (*Source, error) {
	if cfg.Credentials.IsZero() {
		return nil, errors.Config("librelinkup requires username and password").WithDetail("connector", cfg.Name)
	}
	s := &Source{
		BaseSource: base.NewBaseSource(cfg, deps),
		patientID:  cfg.PatientID,
	}

	region, _, ok := Regions.Resolve(cfg.Region)
	if !ok {
		s.Logger().Warn("unknown region, using default",
			zap.String("region", cfg.Region), zap.String("default", region))
	}
	s.region = region

	for _, opt := range opts {
		opt(s)
	}
	s.UseLogin(s.login, clients.WithDefaultTTL(defaultTokenTTL))
	return s, nil
}

// Region returns the region currently in use, which changes after a
// login redirect
func (s *Source) Region() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.region
}

func (s *Source) baseURL() string {
	if s.baseURLOverride != "" {
		return s.baseURLOverride
	}
	return Regions.BaseURL(s.Region())
}

func (s *Source) headers(tok *oauth2.Token) map[string]string {
	h := map[string]string{
		"product":       Product,
		"version":       Version,
		"cache-control": "no-cache",
	}
	if tok != nil {
		h["Authorization"] = "Bearer " + tok.AccessToken
		s.mu.RLock()
		h["Account-Id"] = s.accountID
		s.mu.RUnlock()
	}
	return h
}

// AccountID returns the Account-Id header value for a user id
func AccountID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])
}

type envelope struct {
	Status int               `json:"status"`
	Data   gojson.RawMessage `json:"data"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type loginData struct {
	Redirect bool   `json:"redirect"`
	Region   string `json:"region"`
	User     struct {
		ID string `json:"id"`
	} `json:"user"`
	AuthTicket struct {
		Token    string `json:"token"`
		Expires  int64  `json:"expires"`
		Duration int64  `json:"duration"`
	} `json:"authTicket"`
	Step *struct {
		Type string `json:"type"`
	} `json:"step,omitempty"`
}

func (s *Source) login(ctx context.Context) (*oauth2.Token, error) {
	data, err := s.loginOnce(ctx)
	if err != nil {
		return nil, err
	}
	if data.Redirect {
		region, _, ok := Regions.Resolve(data.Region)
		if !ok {
			return nil, errors.Permanent("login redirected to unknown region", nil).WithDetail("region", data.Region)
		}
		s.Log(ctx).Info("login redirected", zap.String("from", s.Region()), zap.String("to", region))
		s.mu.Lock()
		s.region = region
		s.mu.Unlock()

		if data, err = s.loginOnce(ctx); err != nil {
			return nil, err
		}
		if data.Redirect {
			return nil, errors.Permanent("login redirected twice", nil).WithDetail("region", data.Region)
		}
	}

	if data.AuthTicket.Token == "" || data.User.ID == "" {
		return nil, errors.Authentication("login returned no ticket", nil)
	}

	s.mu.Lock()
	s.accountID = AccountID(data.User.ID)
	s.mu.Unlock()

	tok := &oauth2.Token{AccessToken: data.AuthTicket.Token, TokenType: "Bearer"}
	if data.AuthTicket.Expires > 0 {
		tok.Expiry = time.Unix(data.AuthTicket.Expires, 0)
	}
	return tok, nil
}

func (s *Source) loginOnce(ctx context.Context) (*loginData, error) {
	creds := s.Config().Credentials
	var env envelope
	err := s.DoJSON(ctx, http.MethodPost, s.baseURL()+"/llu/auth/login", map[string]string{
		"email":    creds.Username,
		"password": creds.Password,
	}, &env, s.headers(nil))
	if err != nil {
		return nil, err
	}

	var data loginData
	if len(env.Data) > 0 {
		if err := gojson.Unmarshal(env.Data, &data); err != nil {
			return nil, errors.Malformed("unparsable login response", err)
		}
	}

	switch env.Status {
	case statusOK:
		return &data, nil
	case statusBadLogin:
		return nil, errors.Authentication("invalid credentials", nil)
	case statusTermsNeeded:
		step := ""
		if data.Step != nil {
			step = data.Step.Type
		}
		return nil, errors.Authentication("account must accept updated terms in the app", nil).WithDetail("step", step)
	default:
		return nil, errors.Permanent(fmt.Sprintf("login failed with status %d", env.Status), nil)
	}
}

// MaxLookback implements core.Source
func (s *Source) MaxLookback() time.Duration { return MaxLookback }

type connection struct {
	PatientID string `json:"patientId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// resolvePatient returns the configured patient or the first connection
func (s *Source) resolvePatient(ctx context.Context, tok *oauth2.Token) (string, error) {
	s.mu.RLock()
	id := s.patientID
	s.mu.RUnlock()
	if id != "" {
		return id, nil
	}

	var env envelope
	if err := s.DoJSON(ctx, http.MethodGet, s.baseURL()+"/llu/connections", nil, &env, s.headers(tok)); err != nil {
		return "", err
	}
	var conns []connection
	if err := gojson.Unmarshal(env.Data, &conns); err != nil {
		return "", errors.Malformed("unparsable connections", err)
	}
	if len(conns) == 0 || conns[0].PatientID == "" {
		return "", errors.Permanent("account follows no patients", nil)
	}

	s.mu.Lock()
	s.patientID = conns[0].PatientID
	s.mu.Unlock()
	return conns[0].PatientID, nil
}

// FetchRaw downloads the patient's graph
func (s *Source) FetchRaw(ctx context.Context, window core.Window) (*models.RawPayload, error) {
	var body []byte
	err := s.WithToken(ctx, func(ctx context.Context, tok *oauth2.Token) error {
		patient, err := s.resolvePatient(ctx, tok)
		if err != nil {
			return err
		}
		h := s.headers(tok)
		h["Accept"] = "application/json"
		body, err = s.DoRaw(ctx, http.MethodGet, s.baseURL()+"/llu/connections/"+patient+"/graph", nil, h)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &models.RawPayload{
		Source:      s.Name(),
		ContentType: contentTypeGraph,
		Body:        body,
		FetchedAt:   time.Now().UTC(),
		From:        window.From,
		To:          window.To,
	}, nil
}
