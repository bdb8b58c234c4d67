package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne/connectors/pkg/errors"
)

const sampleYAML = `
logging:
  level: debug
store:
  url: https://ns.example.com
  api_secret: ${TEST_NS_SECRET}
state:
  driver: memory
connectors:
  - name: libre
    type: librelinkup
    region: US
    credentials:
      username: user@example.com
      password: ${TEST_LIBRE_PASSWORD}
    sync_interval: 10m
    consolidation:
      temp_basal: true
      temp_basal_window_minutes: 12
    reliability:
      retry_attempts: 4
      max_retry_delay: 5m
`

func TestParseAppliesEnvAndDefaults(t *testing.T) {
	t.Setenv("TEST_NS_SECRET", "s3cret-value")
	t.Setenv("TEST_LIBRE_PASSWORD", "hunter2")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Encoding)
	assert.Equal(t, "s3cret-value", cfg.Store.APISecret)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DefaultRetryAttempts, cfg.Store.Reliability.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Store.Reliability.RetryDelay)

	c, ok := cfg.Connector("libre")
	require.True(t, ok)
	assert.Equal(t, "hunter2", c.Credentials.Password)
	assert.Equal(t, 10*time.Minute, c.SyncInterval)
	assert.Equal(t, DefaultLookback, c.Lookback)
	assert.Equal(t, 12*time.Minute, c.Consolidation.TempBasalWindow())
	assert.Equal(t, DefaultConsolidationWindow, c.Consolidation.CarbBolusWindowMinutes)
	assert.Equal(t, 4, c.Reliability.RetryAttempts)
	assert.Equal(t, DefaultRetryDelay, c.Reliability.RetryDelay)
	assert.Equal(t, 5*time.Minute, c.Reliability.MaxRetryDelay)
	assert.Equal(t, DefaultHealthFailureThreshold, c.HealthFailureThreshold)

	_, ok = cfg.Connector("missing")
	assert.False(t, ok)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TEST_NS_SECRET", "x")
	t.Setenv("TEST_LIBRE_PASSWORD", "y")
	t.Setenv("NOCTURNE_STORE_URL", "https://override.example.com")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "https://override.example.com", cfg.Store.URL)
}

func TestConnectorValidate(t *testing.T) {
	valid := func() *ConnectorConfig {
		c := NewConnectorConfig("dex", "dexcom")
		c.Credentials = Credentials{Username: "u", Password: "p"}
		return c
	}

	tests := []struct {
		name   string
		mutate func(*ConnectorConfig)
		ok     bool
	}{
		{"defaults", func(*ConnectorConfig) {}, true},
		{"window lower bound", func(c *ConnectorConfig) { c.Consolidation.TempBasalWindowMinutes = 1 }, true},
		{"window upper bound", func(c *ConnectorConfig) { c.Consolidation.TempBasalWindowMinutes = 30 }, true},
		{"window too large", func(c *ConnectorConfig) { c.Consolidation.TempBasalWindowMinutes = 31 }, false},
		{"window negative", func(c *ConnectorConfig) { c.Consolidation.TempBasalWindowMinutes = -1 }, false},
		{"missing password", func(c *ConnectorConfig) { c.Credentials.Password = "" }, false},
		{"missing type", func(c *ConnectorConfig) { c.Type = "" }, false},
		{"interval too short", func(c *ConnectorConfig) { c.SyncInterval = time.Second }, false},
		{"max delay below delay", func(c *ConnectorConfig) { c.Reliability.MaxRetryDelay = time.Second }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}

func TestServiceValidate(t *testing.T) {
	cfg := NewServiceConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg.Store = StoreConfig{URL: "https://ns.example.com", APISecret: "secret"}
	require.NoError(t, cfg.Validate())

	dup := *NewConnectorConfig("a", "dexcom")
	dup.Credentials = Credentials{Username: "u", Password: "p"}
	cfg.Connectors = []ConnectorConfig{dup, dup}
	assert.Error(t, cfg.Validate())

	cfg.Connectors = nil
	cfg.State.Driver = "redis"
	assert.Error(t, cfg.Validate())
}

func TestCredentialsRedacted(t *testing.T) {
	c := Credentials{Username: "someone", Password: "topsecret"}
	for _, s := range []string{c.String(), fmt.Sprintf("%v", c), fmt.Sprintf("%+v", c), fmt.Sprintf("%#v", c)} {
		assert.NotContains(t, s, "topsecret")
		assert.Contains(t, s, "someone")
	}
}

func TestSaveAndLoad(t *testing.T) {
	cfg := NewServiceConfig()
	cfg.Store = StoreConfig{URL: "https://ns.example.com", APISecret: "secret"}
	cfg.State = StateConfig{Driver: "memory"}
	c := NewConnectorConfig("dex", "dexcom")
	c.Credentials = Credentials{Username: "u", Password: "p"}
	c.Region = "ous"
	cfg.Connectors = []ConnectorConfig{*c}

	path := filepath.Join(t.TempDir(), "connectors.yaml")
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Connectors, 1)
	assert.Equal(t, "ous", loaded.Connectors[0].Region)
	assert.Equal(t, c.SyncInterval, loaded.Connectors[0].SyncInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
