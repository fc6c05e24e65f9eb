package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

// TestCurrentConfigDefaultsRoundTrip verifies that all defaults set via
// setDefaults() are read back by CurrentConfig() under the same keys.
func TestCurrentConfigDefaultsRoundTrip(t *testing.T) {
	viper.Reset()
	setDefaults()

	cfg := CurrentConfig()
	defaults := Defaults()

	if cfg.Store.Path != defaults.Store.Path {
		t.Errorf("Store.Path mismatch: got %v, want %v", cfg.Store.Path, defaults.Store.Path)
	}

	if cfg.SnodePool.MinSize != defaults.SnodePool.MinSize {
		t.Errorf("SnodePool.MinSize mismatch: got %d, want %d", cfg.SnodePool.MinSize, defaults.SnodePool.MinSize)
	}
	if cfg.SnodePool.RefreshInterval != defaults.SnodePool.RefreshInterval {
		t.Errorf("SnodePool.RefreshInterval mismatch: got %v, want %v",
			cfg.SnodePool.RefreshInterval, defaults.SnodePool.RefreshInterval)
	}
	if len(cfg.SnodePool.SeedNodes) != len(defaults.SnodePool.SeedNodes) {
		t.Errorf("SnodePool.SeedNodes mismatch: got %v, want %v", cfg.SnodePool.SeedNodes, defaults.SnodePool.SeedNodes)
	}

	if cfg.Swarm.TTL != defaults.Swarm.TTL {
		t.Errorf("Swarm.TTL mismatch: got %v, want %v", cfg.Swarm.TTL, defaults.Swarm.TTL)
	}

	if cfg.Path.Length != defaults.Path.Length {
		t.Errorf("Path.Length mismatch: got %d, want %d", cfg.Path.Length, defaults.Path.Length)
	}
	if cfg.Path.RebuildInterval != defaults.Path.RebuildInterval {
		t.Errorf("Path.RebuildInterval mismatch: got %v, want %v", cfg.Path.RebuildInterval, defaults.Path.RebuildInterval)
	}

	if cfg.Request.Timeout != defaults.Request.Timeout {
		t.Errorf("Request.Timeout mismatch: got %v, want %v", cfg.Request.Timeout, defaults.Request.Timeout)
	}
	if cfg.Request.MaxRetryCount != defaults.Request.MaxRetryCount {
		t.Errorf("Request.MaxRetryCount mismatch: got %d, want %d", cfg.Request.MaxRetryCount, defaults.Request.MaxRetryCount)
	}

	if cfg.Onion.NestedResponses != defaults.Onion.NestedResponses {
		t.Errorf("Onion.NestedResponses mismatch: got %v, want %v", cfg.Onion.NestedResponses, defaults.Onion.NestedResponses)
	}
	if cfg.Metrics.Address != defaults.Metrics.Address {
		t.Errorf("Metrics.Address mismatch: got %v, want %v", cfg.Metrics.Address, defaults.Metrics.Address)
	}
}

func TestInitConfigReadsFile(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	content := []byte(`
request:
  timeout: 3s
  max_retry_count: 2
path:
  target_count: 5
onion:
  nested_responses: true
`)
	if err := os.WriteFile(file, content, 0o600); err != nil {
		t.Fatal(err)
	}

	CfgFile = file
	defer func() { CfgFile = "" }()

	if err := InitConfig(); err != nil {
		t.Fatalf("InitConfig() error = %v", err)
	}
	cfg := CurrentConfig()
	if cfg.Request.Timeout != 3*time.Second {
		t.Errorf("Request.Timeout = %v, want 3s", cfg.Request.Timeout)
	}
	if cfg.Request.MaxRetryCount != 2 {
		t.Errorf("Request.MaxRetryCount = %d, want 2", cfg.Request.MaxRetryCount)
	}
	if cfg.Path.TargetCount != 5 {
		t.Errorf("Path.TargetCount = %d, want 5", cfg.Path.TargetCount)
	}
	if !cfg.Onion.NestedResponses {
		t.Error("Onion.NestedResponses should be true")
	}
	// untouched keys keep their defaults
	if cfg.Path.Length != 3 {
		t.Errorf("Path.Length = %d, want 3", cfg.Path.Length)
	}
}

func TestInitConfigRejectsInvalidFile(t *testing.T) {
	viper.Reset()
	file := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(file, []byte("path:\n  length: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	CfgFile = file
	defer func() { CfgFile = "" }()

	if err := InitConfig(); err == nil {
		t.Error("InitConfig() should reject a one-hop path")
	}
}

func TestInitConfigMissingExplicitFile(t *testing.T) {
	viper.Reset()
	CfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	defer func() { CfgFile = "" }()

	if err := InitConfig(); err == nil {
		t.Error("InitConfig() should fail for a missing explicit config file")
	}
}

func TestInitConfigCreatesDefaultFile(t *testing.T) {
	viper.Reset()
	home := t.TempDir()
	t.Setenv("HOME", home)

	if err := InitConfig(); err != nil {
		t.Fatalf("InitConfig() error = %v", err)
	}
	created := filepath.Join(home, ONIONREQ_BASE_DIR, "config.yaml")
	if _, err := os.Stat(created); err != nil {
		t.Errorf("default config file not created: %v", err)
	}
}
