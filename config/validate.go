package config

import (
	"fmt"
)

var (
	// Valid baud rates for the arm's controller board
	validBaudRates = map[int]bool{
		9600:   true,
		19200:  true,
		38400:  true,
		57600:  true,
		115200: true,
		250000: true,
	}

	// Valid log levels
	validLogLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
)

// ValidBaudRate reports whether rate is a baud rate the controller accepts.
func ValidBaudRate(rate int) bool {
	return validBaudRates[rate]
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.validateApp(); err != nil {
		return fmt.Errorf("app config: %w", err)
	}

	if err := c.validateSerial(); err != nil {
		return fmt.Errorf("serial config: %w", err)
	}

	if err := c.validateNATS(); err != nil {
		return fmt.Errorf("nats config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validateMonitoring(); err != nil {
		return fmt.Errorf("monitoring config: %w", err)
	}

	if err := c.validateHistory(); err != nil {
		return fmt.Errorf("history config: %w", err)
	}

	return nil
}

func (c *Config) validateApp() error {
	if c.App.Name == "" {
		return fmt.Errorf("name is required")
	}

	if c.App.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}

	return nil
}

func (c *Config) validateSerial() error {
	s := &c.Serial

	if s.OpenTimeoutMS < 0 {
		return fmt.Errorf("open_timeout_ms must not be negative")
	}

	if s.ReadTimeoutMS <= 0 {
		return fmt.Errorf("read_timeout_ms must be positive")
	}

	if s.LoopSleepMS <= 0 {
		return fmt.Errorf("loop_sleep_ms must be positive")
	}

	if s.PositionIntervalMS <= 0 {
		return fmt.Errorf("position_interval_ms must be positive")
	}

	if s.EndstopIntervalMS <= 0 {
		return fmt.Errorf("endstop_interval_ms must be positive")
	}

	if s.MinPauseMS <= 0 {
		return fmt.Errorf("min_pause_ms must be positive")
	}

	if s.MaxPauseMS <= s.MinPauseMS {
		return fmt.Errorf("max_pause_ms (%d) must be greater than min_pause_ms (%d)",
			s.MaxPauseMS, s.MinPauseMS)
	}

	if s.JoinTimeoutMS <= 0 {
		return fmt.Errorf("join_timeout_ms must be positive")
	}

	if s.EchoWindowMS < 0 {
		return fmt.Errorf("echo_window_ms must not be negative")
	}

	if s.QueueCapacity < 2 {
		return fmt.Errorf("queue_capacity must be at least 2")
	}

	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("url is required when NATS is enabled")
	}

	if c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required when NATS is enabled")
	}

	if c.NATS.MaxReconnects < -1 {
		return fmt.Errorf("max_reconnects must be -1 (unlimited) or greater")
	}

	return nil
}

func (c *Config) validateLogging() error {
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}

	if c.Logging.MaxSizeMB <= 0 {
		return fmt.Errorf("max_size_mb must be positive")
	}

	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("max_backups must not be negative")
	}

	return nil
}

func (c *Config) validateMonitoring() error {
	if c.Monitoring.Port < 0 || c.Monitoring.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Monitoring.Port)
	}

	return nil
}

func (c *Config) validateHistory() error {
	if c.History.MaxEntries <= 0 {
		return fmt.Errorf("max_entries must be positive")
	}

	return nil
}
