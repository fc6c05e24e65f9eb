package config

import (
	"path/filepath"
	"time"

	"github.com/go-i2p/logger"
)

// ConfigDefaults contains every configuration value of the onion request
// client. Defaults() is the single source of truth for their default values.
type ConfigDefaults struct {
	// Store holds the bbolt route store settings
	Store StoreDefaults `yaml:"store"`

	// SnodePool controls the network-wide snode pool
	SnodePool SnodePoolDefaults `yaml:"snode_pool"`

	// Swarm controls the swarm cache
	Swarm SwarmDefaults `yaml:"swarm"`

	// Path controls onion path building and maintenance
	Path PathDefaults `yaml:"path"`

	// Request controls the request executor
	Request RequestDefaults `yaml:"request"`

	// Onion controls the layered encryption engine
	Onion OnionDefaults `yaml:"onion"`

	// Metrics controls the prometheus listener
	Metrics MetricsDefaults `yaml:"metrics"`
}

// StoreDefaults contains default values for the route store
type StoreDefaults struct {
	// Path is the bbolt database file
	// Default: $HOME/.go-onionreq/onionreq.db
	Path string `yaml:"path"`
}

// SnodePoolDefaults contains default values for the snode pool
type SnodePoolDefaults struct {
	// MinSize triggers a refresh when fewer snodes are known
	// Default: 12
	MinSize int `yaml:"min_size"`

	// MaxSize caps how many snodes are kept from one refresh
	// Default: 256
	MaxSize int `yaml:"max_size"`

	// RefreshInterval is the maximum age of the pool
	// Default: 2 hours
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// SeedNodes are the seed node URLs used to bootstrap the pool
	SeedNodes []string `yaml:"seed_nodes"`

	// Samples is how many snodes are asked during a network refresh
	// Default: 3
	Samples int `yaml:"samples"`

	// MinAgreement is the count the sampled intersection must exceed
	// Default: 24
	MinAgreement int `yaml:"min_agreement"`
}

// SwarmDefaults contains default values for the swarm cache
type SwarmDefaults struct {
	// MinSnodeCount is the smallest cached swarm used without refetching
	// Default: 3
	MinSnodeCount int `yaml:"min_snode_count"`

	// TargetSnodeCount is how many swarm members a request may target
	// Default: 2
	TargetSnodeCount int `yaml:"target_snode_count"`

	// TTL is how long a cached swarm is trusted
	// Default: 1 hour
	TTL time.Duration `yaml:"ttl"`
}

// PathDefaults contains default values for onion paths
type PathDefaults struct {
	// Length is the number of hops, guard included
	// Default: 3
	Length int `yaml:"length"`

	// TargetCount is how many paths are kept ready
	// Default: 2
	TargetCount int `yaml:"target_count"`

	// DegradedThreshold is how many downstream failures discard a path
	// Default: 2
	DegradedThreshold int `yaml:"degraded_threshold"`

	// SnodeFailureThreshold is how many failures drop a snode
	// Default: 3
	SnodeFailureThreshold int `yaml:"snode_failure_threshold"`

	// RebuildInterval is the minimum spacing of path rebuilds
	// Default: 5 seconds
	RebuildInterval time.Duration `yaml:"rebuild_interval"`

	// RebuildBurst is how many rebuilds may run back to back
	// Default: 2
	RebuildBurst int `yaml:"rebuild_burst"`

	// MaintenanceInterval is how often the pool tops up its paths
	// Default: 1 minute
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// RequestDefaults contains default values for the request executor
type RequestDefaults struct {
	// Timeout bounds one attempt
	// Default: 10 seconds
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetryCount is the number of attempts per request
	// Default: 4
	MaxRetryCount int `yaml:"max_retry_count"`

	// InitialBackoff is the delay before the first retry
	// Default: 250 milliseconds
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the delay between retries
	// Default: 5 seconds
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// OnionDefaults contains default values for onion construction
type OnionDefaults struct {
	// Workers is the number of concurrent crypto slots; 0 means GOMAXPROCS
	// Default: 0
	Workers int `yaml:"workers"`

	// NestedResponses makes every hop encrypt the reply
	// Default: false
	NestedResponses bool `yaml:"nested_responses"`
}

// MetricsDefaults contains default values for the metrics listener
type MetricsDefaults struct {
	// Enabled starts a /metrics listener in the CLI
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Address is the listen address
	// Default: localhost:9464
	Address string `yaml:"address"`
}

// Defaults returns a ConfigDefaults instance with all default values set.
func Defaults() ConfigDefaults {
	return ConfigDefaults{
		Store: StoreDefaults{
			Path: filepath.Join(BuildOnionreqDirPath(), "onionreq.db"),
		},
		SnodePool: SnodePoolDefaults{
			MinSize:         12,
			MaxSize:         256,
			RefreshInterval: 2 * time.Hour,
			SeedNodes: []string{
				"https://storage.seed1.loki.network:4433",
				"https://storage.seed3.loki.network:4433",
				"https://public.loki.foundation:4433",
			},
			Samples:      3,
			MinAgreement: 24,
		},
		Swarm: SwarmDefaults{
			MinSnodeCount:    3,
			TargetSnodeCount: 2,
			TTL:              time.Hour,
		},
		Path: PathDefaults{
			Length:                3,
			TargetCount:           2,
			DegradedThreshold:     2,
			SnodeFailureThreshold: 3,
			RebuildInterval:       5 * time.Second,
			RebuildBurst:          2,
			MaintenanceInterval:   time.Minute,
		},
		Request: RequestDefaults{
			Timeout:        10 * time.Second,
			MaxRetryCount:  4,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Onion: OnionDefaults{
			Workers:         0,
			NestedResponses: false,
		},
		Metrics: MetricsDefaults{
			Enabled: false,
			Address: "localhost:9464",
		},
	}
}

// Validate checks if the provided configuration values are reasonable.
// Returns an error describing the first invalid value found.
func Validate(cfg ConfigDefaults) error {
	log.WithFields(logger.Fields{
		"at":     "Validate",
		"reason": "verification_requested",
	}).Debug("validating configuration")

	validators := []func() error{
		func() error { return validateStore(cfg.Store) },
		func() error { return validateSnodePool(cfg.SnodePool) },
		func() error { return validateSwarm(cfg.Swarm) },
		func() error { return validatePath(cfg.Path) },
		func() error { return validateRequest(cfg.Request) },
		func() error { return validateOnion(cfg.Onion) },
		func() error { return validateMetrics(cfg.Metrics) },
	}
	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("configuration validation failed")
			return err
		}
	}
	log.WithFields(logger.Fields{
		"at":     "Validate",
		"reason": "all_validators_passed",
	}).Debug("configuration validated")
	return nil
}

func validateStore(store StoreDefaults) error {
	if store.Path == "" {
		return newValidationError("Store.Path must be set")
	}
	return nil
}

func validateSnodePool(pool SnodePoolDefaults) error {
	if pool.MinSize < 1 {
		log.WithFields(logger.Fields{
			"at":       "validateSnodePool",
			"reason":   "min_size_too_low",
			"min_size": pool.MinSize,
		}).Error("invalid snode pool configuration")
		return newValidationError("SnodePool.MinSize must be at least 1")
	}
	if pool.MaxSize < pool.MinSize {
		log.WithFields(logger.Fields{
			"at":       "validateSnodePool",
			"reason":   "max_size_less_than_min",
			"max_size": pool.MaxSize,
			"min_size": pool.MinSize,
		}).Error("invalid snode pool configuration")
		return newValidationError("SnodePool.MaxSize must be >= MinSize")
	}
	if pool.RefreshInterval < time.Minute {
		return newValidationError("SnodePool.RefreshInterval must be at least 1 minute")
	}
	if len(pool.SeedNodes) == 0 {
		return newValidationError("SnodePool.SeedNodes must list at least one seed node")
	}
	if pool.Samples < 1 {
		return newValidationError("SnodePool.Samples must be at least 1")
	}
	if pool.MinAgreement < 0 {
		return newValidationError("SnodePool.MinAgreement must not be negative")
	}
	return nil
}

func validateSwarm(swarm SwarmDefaults) error {
	if swarm.MinSnodeCount < 1 {
		return newValidationError("Swarm.MinSnodeCount must be at least 1")
	}
	if swarm.TargetSnodeCount < 1 || swarm.TargetSnodeCount > swarm.MinSnodeCount {
		log.WithFields(logger.Fields{
			"at":                 "validateSwarm",
			"reason":             "target_snode_count_out_of_range",
			"target_snode_count": swarm.TargetSnodeCount,
			"min_snode_count":    swarm.MinSnodeCount,
		}).Error("invalid swarm configuration")
		return newValidationError("Swarm.TargetSnodeCount must be between 1 and MinSnodeCount")
	}
	if swarm.TTL <= 0 {
		return newValidationError("Swarm.TTL must be positive")
	}
	return nil
}

// validatePath checks path length and failure thresholds. A path needs a
// guard plus at least one relay.
func validatePath(path PathDefaults) error {
	if path.Length < 2 || path.Length > 8 {
		log.WithFields(logger.Fields{
			"at":          "validatePath",
			"reason":      "length_out_of_range",
			"length":      path.Length,
			"valid_range": "2-8",
		}).Error("invalid path configuration")
		return newValidationError("Path.Length must be between 2 and 8")
	}
	if path.TargetCount < 1 {
		return newValidationError("Path.TargetCount must be at least 1")
	}
	if path.DegradedThreshold < 1 {
		return newValidationError("Path.DegradedThreshold must be at least 1")
	}
	if path.SnodeFailureThreshold < 1 {
		return newValidationError("Path.SnodeFailureThreshold must be at least 1")
	}
	if path.RebuildInterval < 0 {
		return newValidationError("Path.RebuildInterval must not be negative")
	}
	if path.RebuildBurst < 1 {
		return newValidationError("Path.RebuildBurst must be at least 1")
	}
	if path.MaintenanceInterval < time.Second {
		return newValidationError("Path.MaintenanceInterval must be at least 1 second")
	}
	return nil
}

func validateRequest(request RequestDefaults) error {
	if request.Timeout < 100*time.Millisecond {
		log.WithFields(logger.Fields{
			"at":      "validateRequest",
			"reason":  "timeout_too_low",
			"timeout": request.Timeout.String(),
		}).Error("invalid request configuration")
		return newValidationError("Request.Timeout must be at least 100ms")
	}
	if request.MaxRetryCount < 1 {
		return newValidationError("Request.MaxRetryCount must be at least 1")
	}
	if request.InitialBackoff < 0 || request.MaxBackoff < request.InitialBackoff {
		return newValidationError("Request.MaxBackoff must be >= InitialBackoff >= 0")
	}
	return nil
}

func validateOnion(onion OnionDefaults) error {
	if onion.Workers < 0 {
		return newValidationError("Onion.Workers must not be negative")
	}
	return nil
}

func validateMetrics(metrics MetricsDefaults) error {
	if metrics.Enabled && metrics.Address == "" {
		return newValidationError("Metrics.Address must be set when metrics are enabled")
	}
	return nil
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
