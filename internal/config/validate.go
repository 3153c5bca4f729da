package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateDelivery(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.ArtifactDir) == "" {
		return errors.New("paths.artifact_dir must be set")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.StageTimeoutSeconds <= 0 {
		return errors.New("pipeline.stage_timeout_seconds must be positive")
	}
	if c.Pipeline.RetryBackoffSeconds < 0 {
		return errors.New("pipeline.retry_backoff_seconds must not be negative")
	}
	if c.Pipeline.MaxRequestRetries < 0 {
		return errors.New("pipeline.max_request_retries must not be negative")
	}
	if c.Pipeline.HeartbeatTimeoutSecs <= c.Pipeline.HeartbeatIntervalSecs {
		return errors.New("pipeline.heartbeat_timeout_seconds must exceed pipeline.heartbeat_interval_seconds")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.PollIntervalSeconds <= 0 {
		return errors.New("queue.poll_interval_seconds must be positive")
	}
	if c.Queue.LeaseSeconds <= 0 {
		return errors.New("queue.lease_seconds must be positive")
	}
	if c.Queue.MaxDeliveries <= 0 {
		return errors.New("queue.max_deliveries must be positive")
	}
	if c.Queue.OrphanInspectionLimit <= 0 {
		return errors.New("queue.orphan_inspection_limit must be positive")
	}
	if c.Queue.Workers <= 0 {
		return errors.New("queue.workers must be positive")
	}
	return nil
}

func (c *Config) validateDelivery() error {
	if strings.TrimSpace(c.Delivery.SigningSecret) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/loom/config.toml"
		}
		return fmt.Errorf("delivery.signing_secret is required. Set LOOM_SIGNING_SECRET env var or edit %s (create with 'loom config init')", defaultPath)
	}
	if c.Delivery.TTLMinutes <= 0 {
		return errors.New("delivery.ttl_minutes must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
