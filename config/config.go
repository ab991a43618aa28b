package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the root configuration structure
type Config struct {
	App        AppConfig        `json:"app"`
	Serial     SerialConfig     `json:"serial"`
	NATS       NATSConfig       `json:"nats"`
	Logging    LoggingConfig    `json:"logging"`
	Monitoring MonitoringConfig `json:"monitoring"`
	History    HistoryConfig    `json:"history"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
}

// SerialConfig contains the serial link timing and sizing parameters.
// Pause thresholds and polling cadence vary per firmware build, so all of
// them are configurable; the defaults match the controller the arm ships with.
type SerialConfig struct {
	OpenTimeoutMS      int `json:"open_timeout_ms"`      // Max time to wait for the port to open
	ReadTimeoutMS      int `json:"read_timeout_ms"`      // Per-read timeout inside the I/O loop
	LoopSleepMS        int `json:"loop_sleep_ms"`        // Sleep between I/O loop iterations
	PositionIntervalMS int `json:"position_interval_ms"` // M114 polling cadence
	EndstopIntervalMS  int `json:"endstop_interval_ms"`  // M119 polling cadence
	MinPauseMS         int `json:"min_pause_ms"`         // Minimum polling pause after a blocking command
	MaxPauseMS         int `json:"max_pause_ms"`         // Forced polling resume after a blocking command
	JoinTimeoutMS      int `json:"join_timeout_ms"`      // Max wait for the I/O loop to exit on disconnect
	EchoWindowMS       int `json:"echo_window_ms"`       // Manual command echo display window
	QueueCapacity      int `json:"queue_capacity"`       // Capacity of each command queue lane
}

// NATSConfig contains optional NATS telemetry settings
type NATSConfig struct {
	Enabled          bool   `json:"enabled"`
	URL              string `json:"url"`                // NATS server URL
	SubjectPrefix    string `json:"subject_prefix"`     // Prefix for subjects (e.g., "bifrost")
	MaxReconnects    int    `json:"max_reconnects"`     // Max reconnection attempts
	ReconnectWaitSec int    `json:"reconnect_wait_sec"` // Wait between reconnects
}

// LoggingConfig contains logging and log rotation settings
type LoggingConfig struct {
	BasePath   string `json:"base_path"`   // Base directory for log files; empty = stdout only
	MaxSizeMB  int    `json:"max_size_mb"` // Max size before rotation
	MaxBackups int    `json:"max_backups"` // Max number of old log files
	Compress   bool   `json:"compress"`    // Compress rotated logs
	Level      string `json:"level"`       // Log level: debug, info, warn, error
}

// MonitoringConfig contains HTTP monitoring server settings
type MonitoringConfig struct {
	Port int `json:"port"` // HTTP port for status/control endpoints; 0 = disabled
}

// HistoryConfig contains position history settings
type HistoryConfig struct {
	MaxEntries int `json:"max_entries"` // Oldest snapshots are evicted past this count
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults fills in default values for optional fields
func (c *Config) setDefaults() {
	// App defaults
	if c.App.Name == "" {
		c.App.Name = "Bifrost"
	}
	if c.App.InstanceID == "" {
		c.App.InstanceID = "default"
	}

	// Serial defaults
	if c.Serial.OpenTimeoutMS == 0 {
		c.Serial.OpenTimeoutMS = 3000
	}
	if c.Serial.ReadTimeoutMS == 0 {
		c.Serial.ReadTimeoutMS = 50
	}
	if c.Serial.LoopSleepMS == 0 {
		c.Serial.LoopSleepMS = 10
	}
	if c.Serial.PositionIntervalMS == 0 {
		c.Serial.PositionIntervalMS = 500
	}
	if c.Serial.EndstopIntervalMS == 0 {
		c.Serial.EndstopIntervalMS = 1000
	}
	if c.Serial.MinPauseMS == 0 {
		c.Serial.MinPauseMS = 300
	}
	if c.Serial.MaxPauseMS == 0 {
		c.Serial.MaxPauseMS = 5000
	}
	if c.Serial.JoinTimeoutMS == 0 {
		c.Serial.JoinTimeoutMS = 2000
	}
	if c.Serial.EchoWindowMS == 0 {
		c.Serial.EchoWindowMS = 2000
	}
	if c.Serial.QueueCapacity == 0 {
		c.Serial.QueueCapacity = 256
	}

	// NATS defaults
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "bifrost"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectWaitSec == 0 {
		c.NATS.ReconnectWaitSec = 5
	}

	// Logging defaults
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	// History defaults
	if c.History.MaxEntries == 0 {
		c.History.MaxEntries = 1000
	}
}

// Helper methods for time conversions
func (s *SerialConfig) OpenTimeout() time.Duration {
	return time.Duration(s.OpenTimeoutMS) * time.Millisecond
}

func (s *SerialConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s *SerialConfig) LoopSleep() time.Duration {
	return time.Duration(s.LoopSleepMS) * time.Millisecond
}

func (s *SerialConfig) PositionInterval() time.Duration {
	return time.Duration(s.PositionIntervalMS) * time.Millisecond
}

func (s *SerialConfig) EndstopInterval() time.Duration {
	return time.Duration(s.EndstopIntervalMS) * time.Millisecond
}

func (s *SerialConfig) MinPause() time.Duration {
	return time.Duration(s.MinPauseMS) * time.Millisecond
}

func (s *SerialConfig) MaxPause() time.Duration {
	return time.Duration(s.MaxPauseMS) * time.Millisecond
}

func (s *SerialConfig) JoinTimeout() time.Duration {
	return time.Duration(s.JoinTimeoutMS) * time.Millisecond
}

func (s *SerialConfig) EchoWindow() time.Duration {
	return time.Duration(s.EchoWindowMS) * time.Millisecond
}

func (n *NATSConfig) ReconnectWait() time.Duration {
	return time.Duration(n.ReconnectWaitSec) * time.Second
}
