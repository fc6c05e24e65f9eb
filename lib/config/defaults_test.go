package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaults verifies that Defaults() returns a complete configuration
// with all expected default values set.
func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if !filepath.IsAbs(cfg.Store.Path) {
		t.Errorf("Store.Path should be absolute, got: %s", cfg.Store.Path)
	}

	if cfg.SnodePool.MinSize != 12 {
		t.Errorf("SnodePool.MinSize = %d, want 12", cfg.SnodePool.MinSize)
	}
	if cfg.SnodePool.MaxSize != 256 {
		t.Errorf("SnodePool.MaxSize = %d, want 256", cfg.SnodePool.MaxSize)
	}
	if cfg.SnodePool.RefreshInterval != 2*time.Hour {
		t.Errorf("SnodePool.RefreshInterval = %v, want 2h", cfg.SnodePool.RefreshInterval)
	}
	if len(cfg.SnodePool.SeedNodes) != 3 {
		t.Errorf("SnodePool.SeedNodes has %d entries, want 3", len(cfg.SnodePool.SeedNodes))
	}
	for _, seed := range cfg.SnodePool.SeedNodes {
		if !strings.HasPrefix(seed, "https://") {
			t.Errorf("seed node %q should use https", seed)
		}
	}

	if cfg.Swarm.MinSnodeCount != 3 {
		t.Errorf("Swarm.MinSnodeCount = %d, want 3", cfg.Swarm.MinSnodeCount)
	}
	if cfg.Swarm.TargetSnodeCount != 2 {
		t.Errorf("Swarm.TargetSnodeCount = %d, want 2", cfg.Swarm.TargetSnodeCount)
	}

	if cfg.Path.Length != 3 {
		t.Errorf("Path.Length = %d, want 3", cfg.Path.Length)
	}
	if cfg.Path.TargetCount != 2 {
		t.Errorf("Path.TargetCount = %d, want 2", cfg.Path.TargetCount)
	}

	if cfg.Request.Timeout != 10*time.Second {
		t.Errorf("Request.Timeout = %v, want 10s", cfg.Request.Timeout)
	}
	if cfg.Request.MaxRetryCount != 4 {
		t.Errorf("Request.MaxRetryCount = %d, want 4", cfg.Request.MaxRetryCount)
	}

	if cfg.Onion.NestedResponses {
		t.Error("Onion.NestedResponses should be false by default")
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should be false by default")
	}
}

func TestValidateDefaults(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Errorf("Validate(Defaults()) = %v, want nil", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*ConfigDefaults)
		want   string
	}{
		{"empty store path", func(c *ConfigDefaults) { c.Store.Path = "" }, "Store.Path"},
		{"pool min size", func(c *ConfigDefaults) { c.SnodePool.MinSize = 0 }, "SnodePool.MinSize"},
		{"pool max below min", func(c *ConfigDefaults) { c.SnodePool.MaxSize = 5 }, "SnodePool.MaxSize"},
		{"no seeds", func(c *ConfigDefaults) { c.SnodePool.SeedNodes = nil }, "SnodePool.SeedNodes"},
		{"swarm target above min", func(c *ConfigDefaults) { c.Swarm.TargetSnodeCount = 4 }, "Swarm.TargetSnodeCount"},
		{"one hop path", func(c *ConfigDefaults) { c.Path.Length = 1 }, "Path.Length"},
		{"no paths", func(c *ConfigDefaults) { c.Path.TargetCount = 0 }, "Path.TargetCount"},
		{"zero burst", func(c *ConfigDefaults) { c.Path.RebuildBurst = 0 }, "Path.RebuildBurst"},
		{"tiny timeout", func(c *ConfigDefaults) { c.Request.Timeout = time.Millisecond }, "Request.Timeout"},
		{"no attempts", func(c *ConfigDefaults) { c.Request.MaxRetryCount = 0 }, "Request.MaxRetryCount"},
		{"backoff inverted", func(c *ConfigDefaults) { c.Request.MaxBackoff = time.Millisecond }, "Request.MaxBackoff"},
		{"negative workers", func(c *ConfigDefaults) { c.Onion.Workers = -1 }, "Onion.Workers"},
		{"metrics without address", func(c *ConfigDefaults) {
			c.Metrics.Enabled = true
			c.Metrics.Address = ""
		}, "Metrics.Address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want mention of %s", err, tt.want)
			}
		})
	}
}
