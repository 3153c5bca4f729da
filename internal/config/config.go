package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	ArtifactDir string `toml:"artifact_dir"`
	LogDir      string `toml:"log_dir"`
	APIBind     string `toml:"api_bind"`
}

// Pipeline contains stage execution settings shared by all workers.
type Pipeline struct {
	StageTimeoutSeconds   int `toml:"stage_timeout_seconds"`
	RetryBackoffSeconds   int `toml:"retry_backoff_seconds"`
	MaxRequestRetries     int `toml:"max_request_retries"`
	HeartbeatTimeoutSecs  int `toml:"heartbeat_timeout_seconds"`
	HeartbeatIntervalSecs int `toml:"heartbeat_interval_seconds"`
}

// Queue contains message queue and consumer settings.
type Queue struct {
	PollIntervalSeconds   int `toml:"poll_interval_seconds"`
	ErrorRetrySeconds     int `toml:"error_retry_seconds"`
	LeaseSeconds          int `toml:"lease_seconds"`
	MaxDeliveries         int `toml:"max_deliveries"`
	OrphanInspectionLimit int `toml:"orphan_inspection_limit"`
	Workers               int `toml:"workers"`
}

// Cache contains two-tier artifact cache settings.
type Cache struct {
	Enabled       bool   `toml:"enabled"`
	HotTTLSeconds int    `toml:"hot_ttl_seconds"`
	ColdDir       string `toml:"cold_dir"`
}

// Delivery contains signed delivery reference settings.
type Delivery struct {
	SigningSecret string `toml:"signing_secret"`
	TTLMinutes    int    `toml:"ttl_minutes"`
	BaseURL       string `toml:"base_url"`
}

// Notifications contains webhook notification settings.
type Notifications struct {
	WebhookURL     string `toml:"webhook_url"`
	RequestTimeout int    `toml:"request_timeout"`
	Completion     bool   `toml:"completion"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Loom.
//
// Configuration sections by subsystem:
//   - Paths: data/artifact/log directories and API bind address
//   - Pipeline: stage timeouts, retry backoff, request retry cap
//   - Queue: consumer polling, lease, delivery caps
//   - Cache: hot-tier TTL and cold-tier directory
//   - Delivery: signed reference secret and expiry window
//   - Notifications: webhook publication settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Queue         Queue         `toml:"queue"`
	Cache         Cache         `toml:"cache"`
	Delivery      Delivery      `toml:"delivery"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/loom/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates every directory the daemon needs at runtime.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.ArtifactDir, c.Paths.LogDir}
	if c.Cache.Enabled && c.Cache.ColdDir != "" {
		dirs = append(dirs, c.Cache.ColdDir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "loom.db")
}

// WriteSample writes the embedded sample configuration to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(expanded, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
