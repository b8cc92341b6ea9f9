// Package config loads the daemon configuration from a JSON file and fills
// in defaults for anything the operator left out.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config is everything metervaultd needs at startup.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Session  SessionConfig  `json:"session"`
	Ledger   LedgerConfig   `json:"ledger"`
	Chain    ChainConfig    `json:"chain"`
	RunQueue RunQueueConfig `json:"run_queue"`
	Events   EventsConfig   `json:"events"`
	Poll     PollConfig     `json:"poll"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig controls the REST facade listener.
type ServerConfig struct {
	Address string `json:"address"`
}

// SessionConfig identifies the wallet session the daemon serves. MaxRunCharge
// is an optional decimal spending-policy ceiling applied to every run.
type SessionConfig struct {
	ID           string `json:"id"`
	User         string `json:"user"`
	Runner       string `json:"runner"`
	MaxRunCharge string `json:"max_run_charge"`
}

// LedgerConfig selects the snapshot store backend.
type LedgerConfig struct {
	Driver string            `json:"driver"`
	DSN    string            `json:"dsn"`
	Redis  RedisLedgerConfig `json:"redis"`
}

// RedisLedgerConfig describes the Redis snapshot store connection.
type RedisLedgerConfig struct {
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	KeyPrefix  string `json:"key_prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// ChainConfig points at the deployed vault and registry contracts. When Name
// is set the RPC endpoint is resolved from the chain definitions file;
// RPCURL overrides it.
type ChainConfig struct {
	DefinitionsPath  string `json:"definitions_path"`
	Name             string `json:"name"`
	RPCURL           string `json:"rpc_url"`
	VaultContract    string `json:"vault_contract"`
	RegistryContract string `json:"registry_contract"`
}

// RunQueueConfig describes the external run queue service.
type RunQueueConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// EventsConfig controls the optional broker mirror of wallet events.
type EventsConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// PollConfig tunes the run-status poller.
type PollConfig struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// LoggingConfig mirrors the logger setup.
type LoggingConfig struct {
	Level       string             `json:"level"`
	Format      string             `json:"format"`
	OutputPaths []string           `json:"output_paths"`
	Audit       AuditLoggingConfig `json:"audit"`
}

// AuditLoggingConfig controls the rotated ledger audit trail.
type AuditLoggingConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig holds general runtime parameters.
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load parses the JSON configuration at the given path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults fills sensible values for omitted fields.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Session.ID == "" {
		c.Session.ID = "default"
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "file"
	}
	if c.RunQueue.TimeoutSeconds <= 0 {
		c.RunQueue.TimeoutSeconds = 15
	}
	if c.Poll.IntervalSeconds <= 0 {
		c.Poll.IntervalSeconds = 5
	}
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Chain.DefinitionsPath != "" && !filepath.IsAbs(c.Chain.DefinitionsPath) {
		c.Chain.DefinitionsPath = filepath.Join(baseDir, c.Chain.DefinitionsPath)
	}
}
