package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendMemory, cfg.Broker.Backend)
	assert.Equal(t, 5, cfg.Delivery.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Ledger.Timeout)
	assert.Equal(t, "en", cfg.Templates.DefaultLocale)
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
broker:
  backend: postgres
delivery:
  max_attempts: 3
  base_backoff: 2s
templates:
  base_url: http://templates.local
  default_locale: de
senders:
  sms:
    enabled: true
    default_region: gb
`), 0o600))

	t.Setenv("DISPATCH_DELIVERY__MAX_ATTEMPTS", "7")
	t.Setenv("DISPATCH_LOG__LEVEL", "debug")
	t.Setenv("DISPATCH_WORKERS__PUSH", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, BackendPostgres, cfg.Broker.Backend)
	assert.Equal(t, 7, cfg.Delivery.MaxAttempts, "env overrides file")
	assert.Equal(t, 2*time.Second, cfg.Delivery.BaseBackoff)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Workers.Push)
	assert.Equal(t, "http://templates.local", cfg.Templates.BaseURL)
	assert.Equal(t, "de", cfg.Templates.DefaultLocale)
	assert.True(t, cfg.Senders.SMS.Enabled)
	assert.Equal(t, "gb", cfg.Senders.SMS.DefaultRegion)

	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 300*time.Millisecond, cfg.Templates.Timeout)
}

func TestLoad_PathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  store: redis\n"), 0o600))
	t.Setenv(ConfigPathEnv, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, StoreRedis, cfg.Cache.Store)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config file")
}

func TestLoad_InvalidValue(t *testing.T) {
	t.Setenv(ConfigPathEnv, "")
	t.Setenv("DISPATCH_BROKER__BACKEND", "kafka")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.backend")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown store",
			mutate:  func(c *Config) { c.Cache.Store = "memcached" },
			wantErr: "cache.store",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Delivery.MaxAttempts = 0 },
			wantErr: "delivery.max_attempts",
		},
		{
			name:    "cap below base",
			mutate:  func(c *Config) { c.Delivery.MaxBackoff = time.Millisecond },
			wantErr: "delivery.max_backoff",
		},
		{
			name:    "jitter out of range",
			mutate:  func(c *Config) { c.Delivery.Jitter = 1.5 },
			wantErr: "delivery.jitter",
		},
		{
			name:    "zero batch",
			mutate:  func(c *Config) { c.Workers.BatchSize = 0 },
			wantErr: "workers.batch_size",
		},
		{
			name: "postgres without url",
			mutate: func(c *Config) {
				c.Broker.Backend = BackendPostgres
				c.Database.URL = ""
			},
			wantErr: "database.url",
		},
		{
			name: "postgres lease shorter than one send",
			mutate: func(c *Config) {
				c.Broker.Backend = BackendPostgres
				c.Database.URL = "postgres://localhost/dispatch"
				c.Broker.Lease = 12 * time.Second
			},
			wantErr: "broker.lease",
		},
		{
			name:    "zero settle timeout",
			mutate:  func(c *Config) { c.Delivery.SettleTimeout = 0 },
			wantErr: "delivery.settle_timeout",
		},
		{
			name: "amqp without url",
			mutate: func(c *Config) {
				c.Broker.Backend = BackendAMQP
				c.AMQP.URL = ""
			},
			wantErr: "amqp.url",
		},
		{
			name: "short auth secret",
			mutate: func(c *Config) {
				c.Auth.Enabled = true
				c.Auth.Secret = "short"
			},
			wantErr: "auth.secret",
		},
		{
			name: "rate limit without burst",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Burst = 0
			},
			wantErr: "rate_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "delivery.max_attempts", envKey("DISPATCH_DELIVERY__MAX_ATTEMPTS"))
	assert.Equal(t, "senders.sms.from_number", envKey("DISPATCH_SENDERS__SMS__FROM_NUMBER"))
}
