package config

import (
	"fmt"
	"time"

	"github.com/nocturne/connectors/pkg/errors"
)

const (
	DefaultSyncInterval           = 5 * time.Minute
	DefaultLookback               = 24 * time.Hour
	DefaultConsolidationWindow    = 5
	MinTempBasalWindowMinutes     = 1
	MaxTempBasalWindowMinutes     = 30
	DefaultRetryAttempts          = 3
	DefaultRetryDelay             = 30 * time.Second
	DefaultMaxRetryDelay          = 10 * time.Minute
	DefaultHealthFailureThreshold = 5
	DefaultRequestTimeout         = 30 * time.Second
)

// ConnectorConfig is the operator-supplied configuration of one vendor account.
// It is read-only once loaded.
type ConnectorConfig struct {
	// Name identifies the connector instance (also the checkpoint key)
	Name string `yaml:"name" mapstructure:"name"`
	// Type selects the vendor implementation (dexcom, librelinkup, mylife)
	Type string `yaml:"type" mapstructure:"type"`
	// Region selects the vendor endpoint; empty means the vendor default
	Region      string      `yaml:"region" mapstructure:"region"`
	Credentials Credentials `yaml:"credentials" mapstructure:"credentials"`
	PatientID   string      `yaml:"patient_id" mapstructure:"patient_id"`

	SyncInterval time.Duration `yaml:"sync_interval" mapstructure:"sync_interval"`
	// Lookback bounds the first-run fetch window
	Lookback time.Duration `yaml:"lookback" mapstructure:"lookback"`

	Consolidation ConsolidationConfig `yaml:"consolidation" mapstructure:"consolidation"`
	Reliability   ReliabilityConfig   `yaml:"reliability" mapstructure:"reliability"`
	Timeouts      TimeoutConfig       `yaml:"timeouts" mapstructure:"timeouts"`

	HealthFailureThreshold int `yaml:"health_failure_threshold" mapstructure:"health_failure_threshold"`
}

// Credentials is vendor login material. It never prints its secrets.
type Credentials struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// String redacts the password
func (c Credentials) String() string {
	if c.Password == "" {
		return fmt.Sprintf("{username:%s}", c.Username)
	}
	return fmt.Sprintf("{username:%s password:***}", c.Username)
}

// GoString redacts the password for %#v
func (c Credentials) GoString() string {
	return "config.Credentials" + c.String()
}

// IsZero reports whether no login material is configured
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// ConsolidationConfig controls merging of related treatments
type ConsolidationConfig struct {
	CarbBolus              bool `yaml:"carb_bolus" mapstructure:"carb_bolus"`
	CarbBolusWindowMinutes int  `yaml:"carb_bolus_window_minutes" mapstructure:"carb_bolus_window_minutes"`
	TempBasal              bool `yaml:"temp_basal" mapstructure:"temp_basal"`
	TempBasalWindowMinutes int  `yaml:"temp_basal_window_minutes" mapstructure:"temp_basal_window_minutes"`
}

// CarbBolusWindow returns the carb/bolus merge window
func (c ConsolidationConfig) CarbBolusWindow() time.Duration {
	return time.Duration(c.CarbBolusWindowMinutes) * time.Minute
}

// TempBasalWindow returns the maximum gap between merged temp basal segments
func (c ConsolidationConfig) TempBasalWindow() time.Duration {
	return time.Duration(c.TempBasalWindowMinutes) * time.Minute
}

// ReliabilityConfig controls retry behaviour after a failed cycle
type ReliabilityConfig struct {
	// RetryAttempts caps backoff retries before returning to the normal interval
	RetryAttempts int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	// RetryDelay is the initial backoff delay
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	// MaxRetryDelay caps the backoff delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" mapstructure:"max_retry_delay"`
}

// TimeoutConfig contains per-request timeouts
type TimeoutConfig struct {
	Request time.Duration `yaml:"request" mapstructure:"request"`
}

// NewConnectorConfig creates a connector configuration with defaults applied
func NewConnectorConfig(name, connectorType string) *ConnectorConfig {
	c := &ConnectorConfig{Name: name, Type: connectorType}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero values with defaults
func (c *ConnectorConfig) ApplyDefaults() {
	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.Lookback == 0 {
		c.Lookback = DefaultLookback
	}
	if c.Consolidation.CarbBolusWindowMinutes == 0 {
		c.Consolidation.CarbBolusWindowMinutes = DefaultConsolidationWindow
	}
	if c.Consolidation.TempBasalWindowMinutes == 0 {
		c.Consolidation.TempBasalWindowMinutes = DefaultConsolidationWindow
	}
	if c.Reliability.RetryAttempts == 0 {
		c.Reliability.RetryAttempts = DefaultRetryAttempts
	}
	if c.Reliability.RetryDelay == 0 {
		c.Reliability.RetryDelay = DefaultRetryDelay
	}
	if c.Reliability.MaxRetryDelay == 0 {
		c.Reliability.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.Timeouts.Request == 0 {
		c.Timeouts.Request = DefaultRequestTimeout
	}
	if c.HealthFailureThreshold == 0 {
		c.HealthFailureThreshold = DefaultHealthFailureThreshold
	}
}

// Validate checks required settings and ranges
func (c *ConnectorConfig) Validate() error {
	if c.Name == "" {
		return errors.Config("connector name is required")
	}
	if c.Type == "" {
		return errors.Config("connector type is required").WithDetail("connector", c.Name)
	}
	if c.Credentials.Username == "" || c.Credentials.Password == "" {
		return errors.Config("connector credentials are required").WithDetail("connector", c.Name)
	}
	if c.SyncInterval < time.Minute {
		return errors.Config("sync_interval must be at least 1m").WithDetail("connector", c.Name)
	}
	if c.Lookback <= 0 {
		return errors.Config("lookback must be positive").WithDetail("connector", c.Name)
	}
	w := c.Consolidation.TempBasalWindowMinutes
	if w < MinTempBasalWindowMinutes || w > MaxTempBasalWindowMinutes {
		return errors.Config(fmt.Sprintf("temp_basal_window_minutes must be within [%d,%d]",
			MinTempBasalWindowMinutes, MaxTempBasalWindowMinutes)).WithDetail("connector", c.Name)
	}
	if c.Consolidation.CarbBolusWindowMinutes < 0 {
		return errors.Config("carb_bolus_window_minutes cannot be negative").WithDetail("connector", c.Name)
	}
	if c.Reliability.RetryAttempts < 0 {
		return errors.Config("retry_attempts cannot be negative").WithDetail("connector", c.Name)
	}
	if c.Reliability.MaxRetryDelay < c.Reliability.RetryDelay {
		return errors.Config("max_retry_delay must not be below retry_delay").WithDetail("connector", c.Name)
	}
	if c.HealthFailureThreshold < 1 {
		return errors.Config("health_failure_threshold must be positive").WithDetail("connector", c.Name)
	}
	return nil
}
