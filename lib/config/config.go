package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/go-i2p/go-onionreq/lib/util"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

var (
	CfgFile string
	log     = logger.GetGoI2PLogger()
)

const ONIONREQ_BASE_DIR = ".go-onionreq"

// InitConfig loads CfgFile, or $HOME/.go-onionreq/config.yaml which is
// created with the defaults on first run.
func InitConfig() error {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildOnionreqDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	setDefaults()

	if err := handleConfigFile(); err != nil {
		return err
	}
	return Validate(CurrentConfig())
}

func setDefaults() {
	d := Defaults()

	viper.SetDefault("store.path", d.Store.Path)

	viper.SetDefault("snode_pool.min_size", d.SnodePool.MinSize)
	viper.SetDefault("snode_pool.max_size", d.SnodePool.MaxSize)
	viper.SetDefault("snode_pool.refresh_interval", d.SnodePool.RefreshInterval)
	viper.SetDefault("snode_pool.seed_nodes", d.SnodePool.SeedNodes)
	viper.SetDefault("snode_pool.samples", d.SnodePool.Samples)
	viper.SetDefault("snode_pool.min_agreement", d.SnodePool.MinAgreement)

	viper.SetDefault("swarm.min_snode_count", d.Swarm.MinSnodeCount)
	viper.SetDefault("swarm.target_snode_count", d.Swarm.TargetSnodeCount)
	viper.SetDefault("swarm.ttl", d.Swarm.TTL)

	viper.SetDefault("path.length", d.Path.Length)
	viper.SetDefault("path.target_count", d.Path.TargetCount)
	viper.SetDefault("path.degraded_threshold", d.Path.DegradedThreshold)
	viper.SetDefault("path.snode_failure_threshold", d.Path.SnodeFailureThreshold)
	viper.SetDefault("path.rebuild_interval", d.Path.RebuildInterval)
	viper.SetDefault("path.rebuild_burst", d.Path.RebuildBurst)
	viper.SetDefault("path.maintenance_interval", d.Path.MaintenanceInterval)

	viper.SetDefault("request.timeout", d.Request.Timeout)
	viper.SetDefault("request.max_retry_count", d.Request.MaxRetryCount)
	viper.SetDefault("request.initial_backoff", d.Request.InitialBackoff)
	viper.SetDefault("request.max_backoff", d.Request.MaxBackoff)

	viper.SetDefault("onion.workers", d.Onion.Workers)
	viper.SetDefault("onion.nested_responses", d.Onion.NestedResponses)

	viper.SetDefault("metrics.enabled", d.Metrics.Enabled)
	viper.SetDefault("metrics.address", d.Metrics.Address)
}

// CurrentConfig reads the effective configuration back from viper, using the
// same keys setDefaults writes.
func CurrentConfig() ConfigDefaults {
	return ConfigDefaults{
		Store: StoreDefaults{
			Path: viper.GetString("store.path"),
		},
		SnodePool: SnodePoolDefaults{
			MinSize:         viper.GetInt("snode_pool.min_size"),
			MaxSize:         viper.GetInt("snode_pool.max_size"),
			RefreshInterval: viper.GetDuration("snode_pool.refresh_interval"),
			SeedNodes:       viper.GetStringSlice("snode_pool.seed_nodes"),
			Samples:         viper.GetInt("snode_pool.samples"),
			MinAgreement:    viper.GetInt("snode_pool.min_agreement"),
		},
		Swarm: SwarmDefaults{
			MinSnodeCount:    viper.GetInt("swarm.min_snode_count"),
			TargetSnodeCount: viper.GetInt("swarm.target_snode_count"),
			TTL:              viper.GetDuration("swarm.ttl"),
		},
		Path: PathDefaults{
			Length:                viper.GetInt("path.length"),
			TargetCount:           viper.GetInt("path.target_count"),
			DegradedThreshold:     viper.GetInt("path.degraded_threshold"),
			SnodeFailureThreshold: viper.GetInt("path.snode_failure_threshold"),
			RebuildInterval:       viper.GetDuration("path.rebuild_interval"),
			RebuildBurst:          viper.GetInt("path.rebuild_burst"),
			MaintenanceInterval:   viper.GetDuration("path.maintenance_interval"),
		},
		Request: RequestDefaults{
			Timeout:        viper.GetDuration("request.timeout"),
			MaxRetryCount:  viper.GetInt("request.max_retry_count"),
			InitialBackoff: viper.GetDuration("request.initial_backoff"),
			MaxBackoff:     viper.GetDuration("request.max_backoff"),
		},
		Onion: OnionDefaults{
			Workers:         viper.GetInt("onion.workers"),
			NestedResponses: viper.GetBool("onion.nested_responses"),
		},
		Metrics: MetricsDefaults{
			Enabled: viper.GetBool("metrics.enabled"),
			Address: viper.GetString("metrics.address"),
		},
	}
}

func createDefaultConfig(defaultConfigDir string) error {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	if err := os.MkdirAll(defaultConfigDir, 0o700); err != nil {
		return oops.Wrapf(err, "could not create config directory %s", defaultConfigDir)
	}
	if err := viper.SafeWriteConfigAs(defaultConfigFile); err != nil {
		return oops.Wrapf(err, "could not write default config file")
	}
	log.WithFields(logger.Fields{
		"at":   "createDefaultConfig",
		"path": defaultConfigFile,
	}).Debug("created default configuration")
	return nil
}

func handleConfigFile() error {
	err := viper.ReadInConfig()
	if err == nil {
		log.WithFields(logger.Fields{
			"at":   "handleConfigFile",
			"path": viper.ConfigFileUsed(),
		}).Debug("using config file")
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) {
		if CfgFile != "" && errors.Is(err, os.ErrNotExist) {
			return oops.Wrapf(err, "config file %s not found", CfgFile)
		}
		return oops.Wrapf(err, "error reading config file")
	}
	if CfgFile != "" {
		return oops.Wrapf(err, "config file %s not found", CfgFile)
	}
	return createDefaultConfig(BuildOnionreqDirPath())
}

// BuildOnionreqDirPath is $HOME/.go-onionreq.
func BuildOnionreqDirPath() string {
	return filepath.Join(util.UserHome(), ONIONREQ_BASE_DIR)
}
