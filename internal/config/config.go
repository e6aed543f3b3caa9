// Package config loads the coordinator configuration from a YAML file,
// filling in defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"distributed-titledb/internal/gateway"
)

// Config is the complete coordinator configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	Nodes       NodesConfig       `yaml:"nodes"`
	Replication ReplicationConfig `yaml:"replication"`
	Connect     ConnectConfig     `yaml:"connect"`

	DefaultIsolation string `yaml:"default_isolation"`
}

// NodesConfig maps the three logical node names to their DSNs.
type NodesConfig struct {
	Central NodeConfig `yaml:"central"`
	FragA   NodeConfig `yaml:"fragA"`
	FragB   NodeConfig `yaml:"fragB"`
}

// NodeConfig is the physical address of one node.
type NodeConfig struct {
	DSN string `yaml:"dsn"`
}

// ReplicationConfig tunes the recovery engine.
type ReplicationConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

// ConnectConfig tunes node connections and the startup wait loop.
type ConnectConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	StartupRetries int           `yaml:"startup_retries"`
	StartupDelay   time.Duration `yaml:"startup_delay"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Nodes: NodesConfig{
			Central: NodeConfig{DSN: "root:password@tcp(localhost:3306)/titledb"},
			FragA:   NodeConfig{DSN: "root:password@tcp(localhost:3307)/titledb"},
			FragB:   NodeConfig{DSN: "root:password@tcp(localhost:3308)/titledb"},
		},
		Replication: ReplicationConfig{
			RetryInterval: 10 * time.Second,
			MaxRetries:    5,
		},
		Connect: ConnectConfig{
			Timeout:        5 * time.Second,
			StartupRetries: 30,
			StartupDelay:   2 * time.Second,
		},
		DefaultIsolation: string(gateway.ReadCommitted),
	}
}

// Load reads path and merges it over the defaults.  An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Nodes.Central.DSN == "" || c.Nodes.FragA.DSN == "" || c.Nodes.FragB.DSN == "" {
		return fmt.Errorf("all three node DSNs must be set")
	}
	if c.Replication.RetryInterval <= 0 {
		return fmt.Errorf("replication.retry_interval must be positive")
	}
	if c.Replication.MaxRetries <= 0 {
		return fmt.Errorf("replication.max_retries must be positive")
	}
	if _, err := gateway.ParseIsolation(c.DefaultIsolation, gateway.ReadCommitted); err != nil {
		return err
	}
	return nil
}

// DSNs renders the node map consumed by the gateway.
func (c *Config) DSNs() map[gateway.Node]string {
	return map[gateway.Node]string{
		gateway.Central: c.Nodes.Central.DSN,
		gateway.FragA:   c.Nodes.FragA.DSN,
		gateway.FragB:   c.Nodes.FragB.DSN,
	}
}

// Isolation returns the parsed default isolation level.
func (c *Config) Isolation() gateway.Isolation {
	iso, err := gateway.ParseIsolation(c.DefaultIsolation, gateway.ReadCommitted)
	if err != nil {
		return gateway.ReadCommitted
	}
	return iso
}
