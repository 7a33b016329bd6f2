// Package config holds the node configuration for both single-machine and
// HA deployments. Files are YAML; the CLI layers viper flags and environment
// variables on top before validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultClusterName is used when no cluster name is configured.
const DefaultClusterName = "arbordb.ha"

// Config is the full set of recognized options for a node.
type Config struct {
	// MachineID uniquely identifies this node within the cluster.
	MachineID int `yaml:"machine_id" validate:"required,min=1"`

	// CoordinationServers lists the addresses of the coordination service;
	// the configured driver interprets them.
	CoordinationServers []string `yaml:"coordination_servers" validate:"dive,required"`

	// HAServer is the host:port this node's primary RPC server listens on.
	HAServer string `yaml:"ha_server" validate:"omitempty,hostname_port"`

	// ClusterName scopes coordination state so unrelated clusters sharing a
	// coordination service do not collide.
	ClusterName string `yaml:"cluster_name"`

	// PullInterval enables the background update puller when non-zero.
	PullInterval time.Duration `yaml:"pull_interval" validate:"min=0"`

	// AllowInitCluster permits this node to bootstrap a brand-new cluster
	// from an empty store directory.
	AllowInitCluster bool `yaml:"allow_init_cluster"`

	// UseMemoryMappedBuffers selects the page cache backend. Nil means
	// auto-detect from available address space.
	UseMemoryMappedBuffers *bool `yaml:"use_memory_mapped_buffers"`

	// KeepLogicalLogs retains rotated logical logs for replication catch-up.
	// Forced true when the node runs in HA mode.
	KeepLogicalLogs bool `yaml:"keep_logical_logs"`

	// ReadOnly opens the store without a log writer and refuses write
	// transactions.
	ReadOnly bool `yaml:"read_only"`

	// BackupSlave nodes replicate but never stand for election.
	BackupSlave bool `yaml:"backup_slave"`

	// LogLevel controls the structured logger (debug, info, warn, error).
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns a configuration with the product defaults filled in.
// MachineID is deliberately left zero so validation forces callers to set it.
func Default() *Config {
	return &Config{
		ClusterName: DefaultClusterName,
		LogLevel:    "info",
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HAMode reports whether this node participates in a cluster.
func (c *Config) HAMode() bool {
	return len(c.CoordinationServers) > 0 || c.HAServer != ""
}

// Validate checks option constraints and normalizes derived options.
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		c.ClusterName = DefaultClusterName
	}

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.HAMode() {
		if c.HAServer == "" {
			return fmt.Errorf("invalid configuration: ha_server is required when coordination_servers is set")
		}
		if c.ReadOnly && !c.BackupSlave {
			return fmt.Errorf("invalid configuration: read_only HA nodes must be backup slaves")
		}
		// Followers replay from retained logs; dropping them would break
		// catch-up after rotation.
		c.KeepLogicalLogs = true
	}

	return nil
}
