// Package config provides configuration management for the NebulaFS client.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (NEBULAFS_* prefix)
//  3. Configuration file (config.yaml)
//  4. Default values (lowest priority)
//
// The package uses Viper for configuration binding, supporting:
//   - YAML configuration files
//   - Environment variable overrides
//   - Type-safe configuration structs
//   - Validation and defaults
//
// Example usage:
//
//	cfg, err := config.Load("/etc/nebulafs/config.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/piwi3910/nebulafs/internal/transport/rdma"
)

// Config holds all configuration for the NebulaFS client connection layer.
type Config struct {
	// Node identification
	NodeName string `mapstructure:"node_name"`

	// Peers is the validated list of storage server addresses to connect to
	// (host:port). Produced by the mount/options layer.
	Peers []string `mapstructure:"peers"`

	// ListenAddr enables the server role when non-empty.
	ListenAddr string `mapstructure:"listen_addr"`

	// MetricsPort serves Prometheus metrics and health checks.
	MetricsPort int `mapstructure:"metrics_port"`

	// RDMA holds connection-manager tuning.
	RDMA RDMAConfig `mapstructure:"rdma"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// RDMAConfig holds RDMA connection-manager configuration.
type RDMAConfig struct {
	// DeviceName is the RDMA device name (e.g., "mlx5_0"). Empty selects
	// the first available device.
	DeviceName string `mapstructure:"device_name"`

	// Transport selects infiniband, roce, iwarp or auto.
	Transport string `mapstructure:"transport"`

	// Port is the RDMA device port number.
	Port int `mapstructure:"port"`

	// Queue sizing
	SendQueueDepth      int `mapstructure:"send_queue_depth"`
	RecvQueueDepth      int `mapstructure:"recv_queue_depth"`
	CompletionQueueSize int `mapstructure:"completion_queue_size"`

	// Registered memory pool
	MemoryPoolSize     int64 `mapstructure:"memory_pool_size"`
	MemoryRegionSize   int   `mapstructure:"memory_region_size"`
	PreAllocateRegions int   `mapstructure:"pre_allocate_regions"`

	// Establishment tuning
	MaxResolveRetries int           `mapstructure:"max_resolve_retries"`
	ResolveTimeout    time.Duration `mapstructure:"resolve_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	AcceptBacklog     int           `mapstructure:"accept_backlog"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`

	// Simulated runs the connection manager against the simulated backends
	// (no RDMA hardware required).
	Simulated bool `mapstructure:"simulated"`
}

// Options carries command-line overrides applied on top of the file and
// environment.
type Options struct {
	Peers       []string
	ListenAddr  string
	MetricsPort int
	LogLevel    string
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("nebulafs")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/nebulafs")
		v.AddConfigPath("$HOME/.nebulafs")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("NEBULAFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if len(opts.Peers) > 0 {
		v.Set("peers", opts.Peers)
	}

	if opts.ListenAddr != "" {
		v.Set("listen_addr", opts.ListenAddr)
	}

	if opts.MetricsPort != 0 {
		v.Set("metrics_port", opts.MetricsPort)
	}

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and set derived values
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("node_name", hostname)

	v.SetDefault("metrics_port", 9101)
	v.SetDefault("log_level", "info")

	defaults := rdma.DefaultConfig()
	v.SetDefault("rdma.transport", defaults.Transport)
	v.SetDefault("rdma.port", defaults.Port)
	v.SetDefault("rdma.send_queue_depth", defaults.SendQueueDepth)
	v.SetDefault("rdma.recv_queue_depth", defaults.RecvQueueDepth)
	v.SetDefault("rdma.completion_queue_size", defaults.CompletionQueueSize)
	v.SetDefault("rdma.memory_pool_size", defaults.MemoryPoolSize)
	v.SetDefault("rdma.memory_region_size", defaults.MemoryRegionSize)
	v.SetDefault("rdma.pre_allocate_regions", defaults.PreAllocateRegions)
	v.SetDefault("rdma.max_resolve_retries", defaults.MaxResolveRetries)
	v.SetDefault("rdma.resolve_timeout", defaults.ResolveTimeout)
	v.SetDefault("rdma.connect_timeout", defaults.ConnectTimeout)
	v.SetDefault("rdma.accept_backlog", defaults.AcceptBacklog)
	v.SetDefault("rdma.drain_timeout", defaults.DrainTimeout)
	v.SetDefault("rdma.simulated", true)
}

// validate checks cross-field constraints.
func (c *Config) validate() error {
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics_port %d", c.MetricsPort)
	}

	for _, peer := range c.Peers {
		if !strings.Contains(peer, ":") {
			return fmt.Errorf("invalid peer address %q: expected host:port", peer)
		}
	}

	if c.RDMA.MaxResolveRetries < 0 {
		return fmt.Errorf("invalid rdma.max_resolve_retries %d", c.RDMA.MaxResolveRetries)
	}

	if c.RDMA.AcceptBacklog <= 0 {
		return fmt.Errorf("invalid rdma.accept_backlog %d", c.RDMA.AcceptBacklog)
	}

	switch c.RDMA.Transport {
	case rdma.TransportAuto, rdma.TransportInfiniBand, rdma.TransportRoCEv2, rdma.TransportIWARP:
	default:
		return fmt.Errorf("invalid rdma.transport %q", c.RDMA.Transport)
	}

	return nil
}

// RDMAManagerConfig converts the configuration section into the connection
// manager's Config.
func (c *Config) RDMAManagerConfig() *rdma.Config {
	cfg := rdma.DefaultConfig()
	cfg.DeviceName = c.RDMA.DeviceName
	cfg.Transport = c.RDMA.Transport
	cfg.Port = c.RDMA.Port
	cfg.SendQueueDepth = c.RDMA.SendQueueDepth
	cfg.RecvQueueDepth = c.RDMA.RecvQueueDepth
	cfg.CompletionQueueSize = c.RDMA.CompletionQueueSize
	cfg.MemoryPoolSize = c.RDMA.MemoryPoolSize
	cfg.MemoryRegionSize = c.RDMA.MemoryRegionSize
	cfg.PreAllocateRegions = c.RDMA.PreAllocateRegions
	cfg.MaxResolveRetries = c.RDMA.MaxResolveRetries
	cfg.ResolveTimeout = c.RDMA.ResolveTimeout
	cfg.ConnectTimeout = c.RDMA.ConnectTimeout
	cfg.AcceptBacklog = c.RDMA.AcceptBacklog
	cfg.DrainTimeout = c.RDMA.DrainTimeout

	return cfg
}
