// Package config loads and validates the process configuration for a
// causalnet node: storage location, the transport listener, the event-id
// cache, lineage comparison budgets, logging, and metrics.
package config

import (
	"embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config is the complete node configuration.
type Config struct {
	Node      Node      `yaml:"node"`
	Storage   Storage   `yaml:"storage"`
	Cache     Cache     `yaml:"cache"`
	Transport Transport `yaml:"transport"`
	Lineage   Lineage   `yaml:"lineage"`
	Logging   Logging   `yaml:"logging"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Node identifies this process within the peer mesh.
type Node struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
}

// Storage configures the concrete event/state collaborator.
type Storage struct {
	Driver        string `yaml:"driver"` // sqlite
	DSN           string `yaml:"dsn"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
}

// Cache configures the event-id existence cache used while walking lineage.
type Cache struct {
	Capacity int    `yaml:"capacity"`
	Redis    *Redis `yaml:"redis,omitempty"`
}

// Redis configures an optional distributed cache shared across peers.
type Redis struct {
	Address  string `yaml:"address"`
	PoolSize int    `yaml:"pool_size"`
	DB       int    `yaml:"db"`
}

// Transport configures the multiplexed frame session layer.
type Transport struct {
	ListenAddr      string        `yaml:"listen_addr"`
	DialTargets     []string      `yaml:"dial_targets"`
	MaxFrameBytes   int           `yaml:"max_frame_bytes"`
	InitialCredits  uint32        `yaml:"initial_credits"`
	KeepaliveEvery  time.Duration `yaml:"keepalive_every"`
	KeepaliveExpiry time.Duration `yaml:"keepalive_expiry"`
}

// Lineage configures the default cost budget for causal comparisons.
type Lineage struct {
	DefaultBudget int `yaml:"default_budget"`
	MaxBudget     int `yaml:"max_budget"`
}

// Logging configures the slog handler.
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Metrics configures the Prometheus exporter.
type Metrics struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a configuration with sensible defaults for local development.
func Default() *Config {
	return &Config{
		Node: Node{
			DisplayName: "causalnet-node",
		},
		Storage: Storage{
			Driver:        "sqlite",
			DSN:           "causalnet.db",
			BusyTimeoutMs: 5000,
			MaxOpenConns:  1,
		},
		Cache: Cache{
			Capacity: 1000,
		},
		Transport: Transport{
			ListenAddr:      "0.0.0.0:7419",
			MaxFrameBytes:   128 * 1024,
			InitialCredits:  16,
			KeepaliveEvery:  30 * time.Second,
			KeepaliveExpiry: 90 * time.Second,
		},
		Lineage: Lineage{
			DefaultBudget: 2000,
			MaxBudget:     50000,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Metrics: Metrics{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9419",
		},
	}
}

// Load reads, unmarshals, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-valued fields left unset by the YAML document.
func applyDefaults(cfg *Config) {
	d := Default()

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = d.Storage.Driver
	}
	if cfg.Storage.BusyTimeoutMs == 0 {
		cfg.Storage.BusyTimeoutMs = d.Storage.BusyTimeoutMs
	}
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = d.Storage.MaxOpenConns
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = d.Cache.Capacity
	}
	if cfg.Transport.MaxFrameBytes == 0 {
		cfg.Transport.MaxFrameBytes = d.Transport.MaxFrameBytes
	}
	if cfg.Transport.InitialCredits == 0 {
		cfg.Transport.InitialCredits = d.Transport.InitialCredits
	}
	if cfg.Transport.KeepaliveEvery == 0 {
		cfg.Transport.KeepaliveEvery = d.Transport.KeepaliveEvery
	}
	if cfg.Transport.KeepaliveExpiry == 0 {
		cfg.Transport.KeepaliveExpiry = d.Transport.KeepaliveExpiry
	}
	if cfg.Lineage.DefaultBudget == 0 {
		cfg.Lineage.DefaultBudget = d.Lineage.DefaultBudget
	}
	if cfg.Lineage.MaxBudget == 0 {
		cfg.Lineage.MaxBudget = d.Lineage.MaxBudget
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = d.Metrics.ListenAddr
	}
}

// Validate rejects configurations that would leave the node unable to start.
func Validate(cfg *Config) error {
	if cfg.Storage.Driver != "sqlite" {
		return fmt.Errorf("storage.driver %q unsupported", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}
	if cfg.Transport.MaxFrameBytes <= 0 || cfg.Transport.MaxFrameBytes > 128*1024 {
		return fmt.Errorf("transport.max_frame_bytes must be in (0, 131072]")
	}
	if cfg.Lineage.DefaultBudget <= 0 {
		return fmt.Errorf("lineage.default_budget must be positive")
	}
	if cfg.Lineage.MaxBudget < cfg.Lineage.DefaultBudget {
		return fmt.Errorf("lineage.max_budget must be >= lineage.default_budget")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unrecognized", cfg.Logging.Level)
	}
	return nil
}

// GetExampleConfig returns the embedded example.yaml, used by the `init`
// subcommand, which prints it to stdout.
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}
