// Package config defines the service configuration for the connector host.
//
// The configuration is organized into logical sections:
//   - Logging: zap level and encoding
//   - Server: the per-host HTTP surface (health, manual sync, metrics)
//   - Store: the central store the submitter pushes to
//   - State: where sync checkpoints are persisted
//   - Tracing: OpenTelemetry export
//   - HTTP: the shared outbound transport
//   - Connectors: one entry per vendor account
//
// Example usage:
//
//	cfg, err := config.Load("connectors.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, c := range cfg.Connectors {
//	    fmt.Println(c.Name, c.SyncInterval)
//	}
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/logger"
)

// ServiceConfig is the root configuration document
type ServiceConfig struct {
	Logging    logger.Config     `yaml:"logging" mapstructure:"logging"`
	Server     ServerConfig      `yaml:"server" mapstructure:"server"`
	Store      StoreConfig       `yaml:"store" mapstructure:"store"`
	State      StateConfig       `yaml:"state" mapstructure:"state"`
	Tracing    TracingConfig     `yaml:"tracing" mapstructure:"tracing"`
	HTTP       HTTPConfig        `yaml:"http" mapstructure:"http"`
	Connectors []ConnectorConfig `yaml:"connectors" mapstructure:"connectors"`
}

// ServerConfig configures the inbound HTTP surface
type ServerConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// Addr returns host:port for net/http
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig configures the central store
type StoreConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
	// APISecret is the plaintext shared secret; only its SHA-1 digest goes on the wire
	APISecret string `yaml:"api_secret" mapstructure:"api_secret"`
	// Compress gzips request bodies
	Compress bool `yaml:"compress" mapstructure:"compress"`
	// Reliability bounds retries of a single store request
	Reliability ReliabilityConfig `yaml:"reliability" mapstructure:"reliability"`
}

// StateConfig selects the checkpoint store
type StateConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // memory, sqlite or postgres
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// TracingConfig configures OpenTelemetry
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// HTTPConfig tunes the outbound transport shared by all connectors
type HTTPConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	RequestTimeout  time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
	EnableHTTP2     bool          `yaml:"enable_http2" mapstructure:"enable_http2"`
}

// NewServiceConfig returns a configuration with defaults and no connectors
func NewServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Reliability: ReliabilityConfig{
				RetryAttempts: DefaultRetryAttempts,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
			},
		},
		State: StateConfig{
			Driver: "sqlite",
			DSN:    "./data/state.db",
		},
		Tracing: TracingConfig{
			SampleRate: 0.1,
		},
		HTTP: HTTPConfig{
			MaxIdleConns:    100,
			RequestTimeout:  30 * time.Second,
			RateLimitPerSec: 2,
			EnableHTTP2:     true,
		},
	}
}

// ApplyDefaults fills zero values with defaults, including every connector
func (c *ServiceConfig) ApplyDefaults() {
	d := NewServiceConfig()
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = d.Logging.Encoding
	}
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if c.Store.Reliability.RetryAttempts == 0 {
		c.Store.Reliability.RetryAttempts = d.Store.Reliability.RetryAttempts
	}
	if c.Store.Reliability.RetryDelay == 0 {
		c.Store.Reliability.RetryDelay = d.Store.Reliability.RetryDelay
	}
	if c.Store.Reliability.MaxRetryDelay == 0 {
		c.Store.Reliability.MaxRetryDelay = d.Store.Reliability.MaxRetryDelay
	}
	if c.State.Driver == "" {
		c.State.Driver = d.State.Driver
	}
	if c.State.DSN == "" && c.State.Driver == "sqlite" {
		c.State.DSN = d.State.DSN
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = d.Tracing.SampleRate
	}
	if c.HTTP.MaxIdleConns == 0 {
		c.HTTP.MaxIdleConns = d.HTTP.MaxIdleConns
	}
	if c.HTTP.RequestTimeout == 0 {
		c.HTTP.RequestTimeout = d.HTTP.RequestTimeout
	}
	for i := range c.Connectors {
		c.Connectors[i].ApplyDefaults()
	}
}

// Validate checks required settings. Failures are configuration errors and
// must stop the host before any connector runs.
func (c *ServiceConfig) Validate() error {
	if c.Store.URL == "" {
		return errors.Config("store.url is required")
	}
	u, err := url.Parse(c.Store.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Config("store.url must be an absolute URL").WithDetail("url", c.Store.URL)
	}
	if c.Store.APISecret == "" {
		return errors.Config("store.api_secret is required")
	}
	switch c.State.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.State.DSN == "" {
			return errors.Config("state.dsn is required for driver " + c.State.Driver)
		}
	default:
		return errors.Config("state.driver must be memory, sqlite or postgres").WithDetail("driver", c.State.Driver)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return errors.Config("server.port out of range")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return errors.Config("tracing.sample_rate must be within [0,1]")
	}
	if c.HTTP.RateLimitPerSec < 0 {
		return errors.Config("http.rate_limit_per_sec cannot be negative")
	}

	seen := make(map[string]bool, len(c.Connectors))
	for i := range c.Connectors {
		cc := &c.Connectors[i]
		if err := cc.Validate(); err != nil {
			return err
		}
		if seen[cc.Name] {
			return errors.Config("duplicate connector name").WithDetail("connector", cc.Name)
		}
		seen[cc.Name] = true
	}
	return nil
}

// Connector returns the connector configuration with the given name
func (c *ServiceConfig) Connector(name string) (*ConnectorConfig, bool) {
	for i := range c.Connectors {
		if c.Connectors[i].Name == name {
			return &c.Connectors[i], true
		}
	}
	return nil, false
}
