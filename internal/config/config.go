// Package config loads and validates the wearsync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wearsync/wearsync/internal/model"
)

// Config holds the full daemon configuration loaded from YAML.
type Config struct {
	// DBPath is the SQLite database location. Defaults to
	// ~/.local/share/wearsync/wearsync.db.
	DBPath string `yaml:"db_path"`

	// Listen is the HTTP API bind address. Defaults to "127.0.0.1:8433".
	Listen string `yaml:"listen"`

	// Retention is how long samples are kept before the retention sweep
	// deletes them. Defaults to 720h (30 days), minimum 24h.
	Retention time.Duration `yaml:"retention"`

	// Reconnect shapes the per-device reconnection policy.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// Sync shapes the periodic sync cadence.
	Sync SyncConfig `yaml:"sync"`

	// Providers enables and configures the transport families.
	Providers ProvidersConfig `yaml:"providers"`

	// Devices lists devices to register and connect at startup. Devices
	// added at runtime via the API are persisted and do not need an entry.
	Devices []DeviceConfig `yaml:"devices,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ReconnectConfig holds the backoff policy for dropped connections.
type ReconnectConfig struct {
	// BackoffBase is the first reconnect delay ceiling. Defaults to 2s.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffCap bounds the exponential growth. Defaults to 5m.
	BackoffCap time.Duration `yaml:"backoff_cap"`

	// ConnectTimeout bounds a single connect attempt. Defaults to 30s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// CloudMaxAttempts is the consecutive-failure ceiling for cloud
	// accounts before the device is parked. Defaults to 5. BLE and the
	// health store retry indefinitely.
	CloudMaxAttempts int `yaml:"cloud_max_attempts"`
}

// SyncConfig holds the periodic sync intervals per provider family.
type SyncConfig struct {
	// Interval is the default sync cadence. Defaults to 15m.
	Interval time.Duration `yaml:"interval"`

	// CloudInterval is the cadence for cloud accounts, which are rate
	// limited and batch-oriented. Defaults to 1h.
	CloudInterval time.Duration `yaml:"cloud_interval"`
}

// ProvidersConfig enables the transport families.
type ProvidersConfig struct {
	// BLE enables the Bluetooth Low Energy adapter. The host application
	// must inject a transport; the daemon alone cannot reach a radio.
	BLE bool `yaml:"ble"`

	// HealthStore enables the OS health store adapter. Also requires a
	// host-injected platform client.
	HealthStore bool `yaml:"health_store"`

	// Cloud configures the fitness cloud adapter. Omit to disable.
	Cloud *CloudConfig `yaml:"cloud,omitempty"`
}

// CloudConfig holds the fitness cloud API settings.
type CloudConfig struct {
	// BaseURL is the API root (e.g. "https://api.fitcloud.example").
	BaseURL string `yaml:"base_url"`

	// Token is the OAuth bearer token from the host's consent flow.
	Token string `yaml:"token"`

	// RateLimit is the request budget in requests per second. Defaults
	// to 5.
	RateLimit float64 `yaml:"rate_limit"`

	// PageSize is the number of samples per listing page. Defaults to 500.
	PageSize int `yaml:"page_size"`
}

// DeviceConfig is one statically configured device.
type DeviceConfig struct {
	// ID is the stable device identifier: transport address for BLE,
	// account ID for cloud, any fixed label for the health store.
	ID string `yaml:"id"`

	// DisplayName is the human-readable label.
	DisplayName string `yaml:"display_name"`

	// Provider is the transport family: "ble_peripheral",
	// "os_health_store" or "cloud_account".
	Provider string `yaml:"provider"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "wearsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/wearsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "wearsync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks required fields and fills in defaults.
func (c *Config) validate() error {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8433"
	}

	if c.Retention == 0 {
		c.Retention = 720 * time.Hour
	}
	if c.Retention < 24*time.Hour {
		return fmt.Errorf("retention %v is too short (minimum 24h)", c.Retention)
	}

	if c.Reconnect.BackoffBase == 0 {
		c.Reconnect.BackoffBase = 2 * time.Second
	}
	if c.Reconnect.BackoffCap == 0 {
		c.Reconnect.BackoffCap = 5 * time.Minute
	}
	if c.Reconnect.BackoffCap < c.Reconnect.BackoffBase {
		return fmt.Errorf("reconnect.backoff_cap %v is below backoff_base %v",
			c.Reconnect.BackoffCap, c.Reconnect.BackoffBase)
	}
	if c.Reconnect.ConnectTimeout == 0 {
		c.Reconnect.ConnectTimeout = 30 * time.Second
	}
	if c.Reconnect.CloudMaxAttempts == 0 {
		c.Reconnect.CloudMaxAttempts = 5
	}
	if c.Reconnect.CloudMaxAttempts < 0 {
		return fmt.Errorf("reconnect.cloud_max_attempts must not be negative")
	}

	if c.Sync.Interval == 0 {
		c.Sync.Interval = 15 * time.Minute
	}
	if c.Sync.Interval < time.Minute {
		return fmt.Errorf("sync.interval %v is too short (minimum 1m)", c.Sync.Interval)
	}
	if c.Sync.CloudInterval == 0 {
		c.Sync.CloudInterval = time.Hour
	}
	if c.Sync.CloudInterval < time.Minute {
		return fmt.Errorf("sync.cloud_interval %v is too short (minimum 1m)", c.Sync.CloudInterval)
	}

	if c.Providers.Cloud != nil {
		cc := c.Providers.Cloud
		if cc.BaseURL == "" {
			return fmt.Errorf("providers.cloud.base_url is required when cloud is configured")
		}
		u, err := url.ParseRequestURI(cc.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("providers.cloud.base_url %q must be a valid http or https URL", cc.BaseURL)
		}
		if cc.Token == "" {
			return fmt.Errorf("providers.cloud.token is required when cloud is configured")
		}
		if cc.RateLimit < 0 {
			return fmt.Errorf("providers.cloud.rate_limit must not be negative")
		}
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, dev := range c.Devices {
		if dev.ID == "" {
			return fmt.Errorf("devices[%d] has an empty id", i)
		}
		if seen[dev.ID] {
			return fmt.Errorf("devices[%d] duplicates id %q", i, dev.ID)
		}
		seen[dev.ID] = true
		kind, ok := model.ParseProviderKind(dev.Provider)
		if !ok {
			return fmt.Errorf("devices[%d] has unknown provider %q", i, dev.Provider)
		}
		switch kind {
		case model.ProviderCloud:
			if c.Providers.Cloud == nil {
				return fmt.Errorf("devices[%d] uses the cloud provider but providers.cloud is not configured", i)
			}
		case model.ProviderBLE:
			if !c.Providers.BLE {
				return fmt.Errorf("devices[%d] uses the BLE provider but providers.ble is disabled", i)
			}
		case model.ProviderHealthStore:
			if !c.Providers.HealthStore {
				return fmt.Errorf("devices[%d] uses the health store provider but providers.health_store is disabled", i)
			}
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
