package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
db_path: "/tmp/wearsync.db"
listen: "0.0.0.0:9000"
retention: 168h
reconnect:
  backoff_base: 1s
  backoff_cap: 2m
sync:
  interval: 5m
providers:
  ble: true
  cloud:
    base_url: "https://api.fitcloud.example"
    token: "tok"
    rate_limit: 2
devices:
  - id: "aa:bb:cc:dd:ee:ff"
    display_name: "Band"
    provider: ble_peripheral
  - id: "acct-42"
    provider: cloud_account
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Retention != 168*time.Hour {
		t.Errorf("Retention = %v, want 168h", cfg.Retention)
	}
	if cfg.Reconnect.BackoffBase != time.Second || cfg.Reconnect.BackoffCap != 2*time.Minute {
		t.Errorf("Reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("Sync.Interval = %v", cfg.Sync.Interval)
	}
	if cfg.Providers.Cloud == nil || cfg.Providers.Cloud.RateLimit != 2 {
		t.Errorf("Providers.Cloud = %+v", cfg.Providers.Cloud)
	}
	if len(cfg.Devices) != 2 {
		t.Errorf("Devices len = %d, want 2", len(cfg.Devices))
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  ble: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8433" {
		t.Errorf("Listen = %q, want default", cfg.Listen)
	}
	if cfg.Retention != 720*time.Hour {
		t.Errorf("Retention = %v, want default 720h", cfg.Retention)
	}
	if cfg.Reconnect.BackoffBase != 2*time.Second || cfg.Reconnect.BackoffCap != 5*time.Minute {
		t.Errorf("Reconnect backoff defaults = %+v", cfg.Reconnect)
	}
	if cfg.Reconnect.ConnectTimeout != 30*time.Second {
		t.Errorf("ConnectTimeout = %v, want 30s", cfg.Reconnect.ConnectTimeout)
	}
	if cfg.Reconnect.CloudMaxAttempts != 5 {
		t.Errorf("CloudMaxAttempts = %d, want 5", cfg.Reconnect.CloudMaxAttempts)
	}
	if cfg.Sync.Interval != 15*time.Minute || cfg.Sync.CloudInterval != time.Hour {
		t.Errorf("Sync defaults = %+v", cfg.Sync)
	}
}

func TestLoad_RetentionTooShort(t *testing.T) {
	path := writeConfig(t, `
retention: 1h
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for retention < 24h, got nil")
	}
}

func TestLoad_BackoffCapBelowBase(t *testing.T) {
	path := writeConfig(t, `
reconnect:
  backoff_base: 1m
  backoff_cap: 10s
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for backoff_cap < backoff_base, got nil")
	}
}

func TestLoad_CloudRequiresURLAndToken(t *testing.T) {
	for _, body := range []string{
		"providers:\n  cloud:\n    token: tok\n",
		"providers:\n  cloud:\n    base_url: \"https://api.example\"\n",
		"providers:\n  cloud:\n    base_url: \"not-a-url\"\n    token: tok\n",
	} {
		path := writeConfig(t, body)
		if _, err := Load(path); err == nil {
			t.Errorf("expected error for %q, got nil", body)
		}
	}
}

func TestLoad_DeviceValidation(t *testing.T) {
	cases := map[string]string{
		"empty id": `
providers:
  ble: true
devices:
  - display_name: "Band"
    provider: ble_peripheral
`,
		"duplicate id": `
providers:
  ble: true
devices:
  - id: "x"
    provider: ble_peripheral
  - id: "x"
    provider: ble_peripheral
`,
		"unknown provider": `
devices:
  - id: "x"
    provider: carrier_pigeon
`,
		"cloud device without cloud config": `
devices:
  - id: "acct-1"
    provider: cloud_account
`,
		"ble device with ble disabled": `
devices:
  - id: "aa:bb"
    provider: ble_peripheral
`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error, got nil", name)
		}
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, `
listen: ":8080"
unknown_field: oops
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown config key, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_TelemetryMissingEndpoint(t *testing.T) {
	path := writeConfig(t, `
telemetry:
  insecure: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for telemetry missing otlp_endpoint, got nil")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path == "" {
		t.Error("DefaultPath returned empty string")
	}
}
