// Package config loads the ambient YAML configuration for a meridian
// node or client.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionDefaults controls the defaults a newly opened session uses when
// the caller doesn't override them.
type SessionDefaults struct {
	TimeoutMillis     uint64        `yaml:"timeoutMillis"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

// RaftConfig configures the local raft node (pkg/raftlog.Config mirrors
// this at the API boundary; this is the on-disk shape).
type RaftConfig struct {
	NodeID    string `yaml:"nodeId"`
	BindAddr  string `yaml:"bindAddr"`
	DataDir   string `yaml:"dataDir"`
	Bootstrap bool   `yaml:"bootstrap"`
	JoinAddr  string `yaml:"joinAddr,omitempty"`
}

// APIConfig configures the gRPC listener the node serves the Transport
// contract over.
type APIConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the top-level node configuration document.
type Config struct {
	Session SessionDefaults `yaml:"session"`
	Raft    RaftConfig      `yaml:"raft"`
	API     APIConfig       `yaml:"api"`
	Log     LogConfig       `yaml:"log"`
}

// Default returns sane defaults for local/dev use.
func Default() Config {
	return Config{
		Session: SessionDefaults{
			TimeoutMillis:     10_000,
			HeartbeatInterval: 5 * time.Second,
		},
		Raft: RaftConfig{
			NodeID:    "node-1",
			BindAddr:  "127.0.0.1:7000",
			DataDir:   "./data",
			Bootstrap: true,
		},
		API: APIConfig{ListenAddr: "127.0.0.1:7100"},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads and parses a YAML config document from path, applying it on
// top of Default() so a partial file only overrides what it names.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
