// Package config provides configuration management for the onion request
// client.
//
// Values come from viper: the defaults in Defaults(), overridden by the YAML
// file at $HOME/.go-onionreq/config.yaml (created with the defaults on first
// run) or the file named by CfgFile. CurrentConfig() reads the effective
// values back and Validate() rejects values the client cannot run with.
//
// Sections:
//   - store: location of the bbolt route store
//   - snode_pool: pool size bounds, refresh interval, seed nodes
//   - swarm: swarm cache size and TTL
//   - path: path length, count, failure thresholds, rebuild rate
//   - request: per-attempt timeout and retry policy
//   - onion: crypto worker count and nested response layering
//   - metrics: optional prometheus listener
package config
