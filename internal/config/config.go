// Package config provides the node configuration for the event graph.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names the EventStore implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config holds the configuration of one graph node.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Store StoreConfig `json:"store" yaml:"store"`
	Graph GraphConfig `json:"graph" yaml:"graph"`
	Sync  SyncConfig  `json:"sync" yaml:"sync"`
	Prune PruneConfig `json:"prune" yaml:"prune"`
	Log   LogConfig   `json:"log" yaml:"log"`
}

// StoreConfig selects and configures the event store backend.
type StoreConfig struct {
	// Backend is one of sqlite, memory, redis
	Backend Backend `json:"backend" yaml:"backend"`

	// Path is the SQLite database file (sqlite backend)
	Path string `json:"path" yaml:"path"`

	// RedisAddr is host:port of the Redis server (redis backend)
	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`

	// RedisPrefix namespaces all keys (redis backend)
	RedisPrefix string `json:"redis_prefix" yaml:"redis_prefix"`
}

// GraphConfig holds event validation limits.
type GraphConfig struct {
	// TimeDrift is the tolerated clock skew for event timestamps
	TimeDrift time.Duration `json:"time_drift" yaml:"time_drift"`

	// MaxContentSize is the largest accepted event content in bytes
	MaxContentSize int `json:"max_content_size" yaml:"max_content_size"`

	// BroadcastTTL is how long a broadcast id is remembered
	BroadcastTTL time.Duration `json:"broadcast_ttl" yaml:"broadcast_ttl"`

	// BroadcastLimit caps the number of remembered broadcast ids
	BroadcastLimit int `json:"broadcast_limit" yaml:"broadcast_limit"`
}

// SyncConfig holds reconciliation timing.
type SyncConfig struct {
	// Interval between anti-entropy rounds
	Interval time.Duration `json:"interval" yaml:"interval"`

	// TipTimeout bounds the wait for TipReply messages
	TipTimeout time.Duration `json:"tip_timeout" yaml:"tip_timeout"`

	// EventTimeout bounds the wait for each EventReply
	EventTimeout time.Duration `json:"event_timeout" yaml:"event_timeout"`

	// MaxRounds bounds the incomplete ancestor fetch waves per sync
	MaxRounds int `json:"max_rounds" yaml:"max_rounds"`

	// RequestRate is the sustained inbound requests per second per peer
	RequestRate float64 `json:"request_rate" yaml:"request_rate"`

	// RequestBurst is the inbound request burst per peer
	RequestBurst int `json:"request_burst" yaml:"request_burst"`

	// Relay forwards newly accepted events received from peers
	Relay bool `json:"relay" yaml:"relay"`
}

// PruneConfig holds the rotation schedule.
type PruneConfig struct {
	// DaysRotation is the rotation period in days; 0 disables rotation
	DaysRotation int `json:"days_rotation" yaml:"days_rotation"`

	// Epoch anchors the schedule, unix seconds
	Epoch int64 `json:"epoch" yaml:"epoch"`
}

// LogConfig holds logging options.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is text or json
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/evgraph",
		Store: StoreConfig{
			Backend:     BackendSQLite,
			RedisPrefix: "evgraph:",
		},
		Graph: GraphConfig{
			TimeDrift:      60 * time.Second,
			MaxContentSize: 64 * 1024,
			BroadcastTTL:   10 * time.Minute,
			BroadcastLimit: 10000,
		},
		Sync: SyncConfig{
			Interval:     30 * time.Second,
			TipTimeout:   3 * time.Second,
			EventTimeout: 3 * time.Second,
			MaxRounds:    16,
			RequestRate:  50,
			RequestBurst: 100,
			Relay:        true,
		},
		Prune: PruneConfig{
			DaysRotation: 1,
			Epoch:        0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/evgraph"
	}
	if c.Store.Backend == BackendSQLite && c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "events.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be sqlite, memory, or redis)", c.Store.Backend)
	}

	if c.Graph.TimeDrift < 0 {
		return fmt.Errorf("graph.time_drift must not be negative")
	}
	if c.Graph.MaxContentSize <= 0 {
		return fmt.Errorf("graph.max_content_size must be positive, got %d", c.Graph.MaxContentSize)
	}
	if c.Sync.TipTimeout <= 0 || c.Sync.EventTimeout <= 0 {
		return fmt.Errorf("sync timeouts must be positive")
	}
	if c.Sync.MaxRounds < 1 {
		return fmt.Errorf("sync.max_rounds must be at least 1, got %d", c.Sync.MaxRounds)
	}
	if c.Prune.DaysRotation < 0 {
		return fmt.Errorf("prune.days_rotation must not be negative, got %d", c.Prune.DaysRotation)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overrides configuration from environment variables.
// Environment variables use the EVGRAPH_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("EVGRAPH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Store configuration
	if v := os.Getenv("EVGRAPH_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = Backend(v)
	}
	if v := os.Getenv("EVGRAPH_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("EVGRAPH_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}

	// Sync configuration
	if v := os.Getenv("EVGRAPH_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = d
		}
	}
	if v := os.Getenv("EVGRAPH_SYNC_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxRounds = n
		}
	}

	// Prune configuration
	if v := os.Getenv("EVGRAPH_DAYS_ROTATION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Prune.DaysRotation = n
		}
	}

	if v := os.Getenv("EVGRAPH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
