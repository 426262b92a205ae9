// SPDX-License-Identifier: MIT

// Package config loads process configuration with precedence ENV > file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidSecretKey is returned when the vault secret key is missing or malformed.
var ErrInvalidSecretKey = errors.New("config: secret key must be 64 hex characters")

var secretKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Config is the resolved process configuration.
type Config struct {
	SecretKey string // 64 hex chars, AES-256 vault key
	DataDir   string
	DBPath    string

	ListenAddr string
	LogLevel   string

	SyncInterval      time.Duration
	ReconcileInterval time.Duration
	SyncRetries       int
	SyncBackoff       time.Duration
	SyncMaxBackoff    time.Duration
	SyncConcurrency   int
	SyncRequestDelay  time.Duration

	DiscoveryBatchSize int

	CommandTimeout   time.Duration
	HistoryRetention time.Duration

	APIRateLimit int // requests/minute per client on every /api route
}

// fileConfig is the YAML config-file shape. Every field is optional; the
// environment always wins.
type fileConfig struct {
	DataDir    string `yaml:"dataDir"`
	DBPath     string `yaml:"dbPath"`
	ListenAddr string `yaml:"listenAddr"`
	LogLevel   string `yaml:"logLevel"`

	Sync struct {
		Interval          string `yaml:"interval"`
		ReconcileInterval string `yaml:"reconcileInterval"`
		Retries           *int   `yaml:"retries"`
		Backoff           string `yaml:"backoff"`
		MaxBackoff        string `yaml:"maxBackoff"`
		Concurrency       *int   `yaml:"concurrency"`
		RequestDelay      string `yaml:"requestDelay"`
	} `yaml:"sync"`

	Discovery struct {
		BatchSize *int `yaml:"batchSize"`
	} `yaml:"discovery"`

	Dispatch struct {
		CommandTimeout string `yaml:"commandTimeout"`
	} `yaml:"dispatch"`

	History struct {
		Retention string `yaml:"retention"`
	} `yaml:"history"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DataDir:            "/var/lib/sweeparr",
		ListenAddr:         ":8787",
		LogLevel:           "info",
		SyncInterval:       15 * time.Minute,
		ReconcileInterval:  24 * time.Hour,
		SyncRetries:        3,
		SyncBackoff:        30 * time.Second,
		SyncMaxBackoff:     5 * time.Minute,
		SyncConcurrency:    5,
		SyncRequestDelay:   100 * time.Millisecond,
		DiscoveryBatchSize: 1000,
		CommandTimeout:     24 * time.Hour,
		HistoryRetention:   90 * 24 * time.Hour,
		APIRateLimit:       120,
	}
}

// Load resolves configuration from defaults, an optional YAML file, and the
// environment, in increasing precedence.
func Load(configPath string) (Config, error) {
	cfg := Defaults()

	if configPath != "" {
		if err := mergeFile(&cfg, configPath); err != nil {
			return Config{}, err
		}
	}

	cfg.SecretKey = ParseString("SWEEPARR_SECRET_KEY", cfg.SecretKey)
	cfg.DataDir = ParseString("SWEEPARR_DATA", cfg.DataDir)
	cfg.DBPath = ParseString("SWEEPARR_DB_PATH", cfg.DBPath)
	cfg.ListenAddr = ParseString("SWEEPARR_LISTEN", cfg.ListenAddr)
	cfg.LogLevel = ParseString("SWEEPARR_LOG_LEVEL", cfg.LogLevel)
	cfg.SyncInterval = ParseDuration("SWEEPARR_SYNC_INTERVAL", cfg.SyncInterval)
	cfg.ReconcileInterval = ParseDuration("SWEEPARR_RECONCILE_INTERVAL", cfg.ReconcileInterval)
	cfg.SyncRetries = ParseInt("SWEEPARR_SYNC_RETRIES", cfg.SyncRetries)
	cfg.SyncBackoff = ParseDuration("SWEEPARR_SYNC_BACKOFF", cfg.SyncBackoff)
	cfg.SyncMaxBackoff = ParseDuration("SWEEPARR_SYNC_MAX_BACKOFF", cfg.SyncMaxBackoff)
	cfg.SyncConcurrency = ParseInt("SWEEPARR_SYNC_CONCURRENCY", cfg.SyncConcurrency)
	cfg.SyncRequestDelay = ParseDuration("SWEEPARR_SYNC_REQUEST_DELAY", cfg.SyncRequestDelay)
	cfg.DiscoveryBatchSize = ParseInt("SWEEPARR_DISCOVERY_BATCH_SIZE", cfg.DiscoveryBatchSize)
	cfg.CommandTimeout = ParseDuration("SWEEPARR_COMMAND_TIMEOUT", cfg.CommandTimeout)
	cfg.HistoryRetention = ParseDuration("SWEEPARR_HISTORY_RETENTION", cfg.HistoryRetention)
	cfg.APIRateLimit = ParseInt("SWEEPARR_API_RATE_LIMIT", cfg.APIRateLimit)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "sweeparr.db")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, v string) error {
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: invalid duration %q", path, v)
		}
		*dst = d
		return nil
	}
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}

	setStr(&cfg.DataDir, fc.DataDir)
	setStr(&cfg.DBPath, fc.DBPath)
	setStr(&cfg.ListenAddr, fc.ListenAddr)
	setStr(&cfg.LogLevel, fc.LogLevel)
	setInt(&cfg.SyncRetries, fc.Sync.Retries)
	setInt(&cfg.SyncConcurrency, fc.Sync.Concurrency)
	setInt(&cfg.DiscoveryBatchSize, fc.Discovery.BatchSize)

	for _, step := range []error{
		setDur(&cfg.SyncInterval, fc.Sync.Interval),
		setDur(&cfg.ReconcileInterval, fc.Sync.ReconcileInterval),
		setDur(&cfg.SyncBackoff, fc.Sync.Backoff),
		setDur(&cfg.SyncMaxBackoff, fc.Sync.MaxBackoff),
		setDur(&cfg.SyncRequestDelay, fc.Sync.RequestDelay),
		setDur(&cfg.CommandTimeout, fc.Dispatch.CommandTimeout),
		setDur(&cfg.HistoryRetention, fc.History.Retention),
	} {
		if step != nil {
			return step
		}
	}
	return nil
}

// Validate checks invariants that must hold before the process starts.
func (c Config) Validate() error {
	if !secretKeyPattern.MatchString(c.SecretKey) {
		return ErrInvalidSecretKey
	}
	if c.SyncInterval <= 0 || c.ReconcileInterval <= 0 {
		return errors.New("config: sync intervals must be positive")
	}
	if c.SyncRetries < 0 {
		return errors.New("config: sync retries must not be negative")
	}
	if c.SyncConcurrency < 1 {
		return errors.New("config: sync concurrency must be at least 1")
	}
	if c.DiscoveryBatchSize < 1 {
		return errors.New("config: discovery batch size must be at least 1")
	}
	if c.CommandTimeout <= 0 {
		return errors.New("config: command timeout must be positive")
	}
	return nil
}
