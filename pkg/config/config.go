package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// IPCConfig tunes the bridge protocol timeouts and retry budget.
// Zero values are replaced with defaults during validation.
type IPCConfig struct {
	DescriptorDir    string `toml:"descriptorDir"`
	ConnectTimeoutMS int    `toml:"connectTimeoutMs"`
	ReadTimeoutMS    int    `toml:"readTimeoutMs"`
	RetryBudget      int    `toml:"retryBudget"`
	RetryIntervalMS  int    `toml:"retryIntervalMs"`
}

// HistoryConfig defines the editor log history store.
type HistoryConfig struct {
	DBPath     string `toml:"dbPath"`
	MaxEntries int    `toml:"maxEntries"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
}

// Config aggregates host and controller configuration.
type Config struct {
	ProjectRoot string        `toml:"projectRoot"`
	IPC         IPCConfig     `toml:"ipc"`
	History     HistoryConfig `toml:"history"`
	Logging     LoggingConfig `toml:"logging"`
}

// Defaults applied when a field is absent from the file.
const (
	DefaultConnectTimeoutMS = 2000
	DefaultReadTimeoutMS    = 2000
	DefaultRetryBudget      = 10
	DefaultRetryIntervalMS  = 500
	DefaultHistoryEntries   = 1000
)

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads config from a TOML file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.IPC.ConnectTimeoutMS < 0 || cfg.IPC.ReadTimeoutMS < 0 {
		return fmt.Errorf("ipc timeouts must not be negative")
	}
	if cfg.IPC.RetryBudget < 0 {
		return fmt.Errorf("ipc.retryBudget must not be negative")
	}
	cfg.applyDefaults()
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.IPC.DescriptorDir == "" {
		cfg.IPC.DescriptorDir = DefaultDescriptorDir()
	}
	if cfg.IPC.ConnectTimeoutMS == 0 {
		cfg.IPC.ConnectTimeoutMS = DefaultConnectTimeoutMS
	}
	if cfg.IPC.ReadTimeoutMS == 0 {
		cfg.IPC.ReadTimeoutMS = DefaultReadTimeoutMS
	}
	if cfg.IPC.RetryBudget == 0 {
		cfg.IPC.RetryBudget = DefaultRetryBudget
	}
	if cfg.IPC.RetryIntervalMS == 0 {
		cfg.IPC.RetryIntervalMS = DefaultRetryIntervalMS
	}
	if cfg.History.MaxEntries == 0 {
		cfg.History.MaxEntries = DefaultHistoryEntries
	}
}

// DefaultDescriptorDir is where hosts publish instance descriptors when the
// config does not say otherwise.
func DefaultDescriptorDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "unvm")
	}
	return filepath.Join(os.TempDir(), "unvm")
}
