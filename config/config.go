// Package config defines the Foreman daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig `json:"server" yaml:"server"`
	DataDir  string       `json:"data_dir" yaml:"data_dir"`
	LogLevel string       `json:"log_level" yaml:"log_level"`
	Queue    QueueConfig  `json:"queue" yaml:"queue"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr      string `json:"addr" yaml:"addr"`             // listen address, e.g., ":8710"
	SSEBuffer int    `json:"sse_buffer" yaml:"sse_buffer"` // per-observer event buffer
}

// QueueConfig controls the work-queue engine defaults.
type QueueConfig struct {
	// DefaultClaimTimeout applies when a claim request carries no
	// explicit timeout.
	DefaultClaimTimeout time.Duration `json:"default_claim_timeout" yaml:"default_claim_timeout"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8710",
			SSEBuffer: 64,
		},
		DataDir:  "./data",
		LogLevel: "info",
		Queue: QueueConfig{
			DefaultClaimTimeout: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
