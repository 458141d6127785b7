// Package config loads the YAML configuration and resolves it into
// ready-to-use settings. Edition-dependent behavior is resolved once here
// into a Capabilities value; business logic never branches on the edition.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr           string `yaml:"addr"`            // default ":3000"
	RequestsPerMin int    `yaml:"requests_per_min"` // rate limit, default 300
	BurstSize      int    `yaml:"burst_size"`       // rate limit burst, default 50
}

// TalkConfig holds message intake settings.
type TalkConfig struct {
	ReplyTimeout string `yaml:"reply_timeout"` // duration string, default "10s"
}

// ReplyTimeoutDuration parses the reply timeout, falling back to 10s.
func (c TalkConfig) ReplyTimeoutDuration() time.Duration {
	return parseDuration(c.ReplyTimeout, 10*time.Second)
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite", default "memory"
	Path   string `yaml:"path"`   // sqlite database path
}

// JanitorConfig holds retention sweep settings.
type JanitorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Interval  string `yaml:"interval"`  // duration string, default "1h"
	Retention string `yaml:"retention"` // duration string, default "720h" (30 days)
}

// IntervalDuration parses the sweep interval, falling back to 1h.
func (c JanitorConfig) IntervalDuration() time.Duration {
	return parseDuration(c.Interval, time.Hour)
}

// RetentionDuration parses the retention window, falling back to 30 days.
func (c JanitorConfig) RetentionDuration() time.Duration {
	return parseDuration(c.Retention, 30*24*time.Hour)
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// ProcessorConfig selects the built-in reference processor. Real dialog
// engines register their own stage at composition time.
type ProcessorConfig struct {
	Kind  string `yaml:"kind"`  // "echo" or "silent", default "echo"
	Delay string `yaml:"delay"` // artificial reply delay, duration string
}

// DelayDuration parses the processor delay, default 0.
func (c ProcessorConfig) DelayDuration() time.Duration {
	return parseDuration(c.Delay, 0)
}

// Editions. The edition is licensing input only: it is mapped to a
// Capabilities value at load time and nothing else reads it.
const (
	EditionCommunity  = "community"
	EditionEnterprise = "enterprise"
)

// Capabilities are the feature switches resolved from the edition.
type Capabilities struct {
	EventStream bool // WebSocket outgoing-event gateway
	Tracing     bool // OpenTelemetry spans
}

// Config is the top-level application configuration.
type Config struct {
	Edition   string          `yaml:"edition"`
	Server    ServerConfig    `yaml:"server"`
	Talk      TalkConfig      `yaml:"talk"`
	Storage   StorageConfig   `yaml:"storage"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Processor ProcessorConfig `yaml:"processor"`

	caps Capabilities
}

// Load reads the YAML file at path, applies defaults and validates. An empty
// path yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.caps = resolveCapabilities(cfg.Edition, cfg.Tracer)
	return cfg, nil
}

// Capabilities returns the feature switches resolved at load time.
func (c *Config) Capabilities() Capabilities { return c.caps }

func (c *Config) applyDefaults() {
	if c.Edition == "" {
		c.Edition = EditionCommunity
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Server.RequestsPerMin == 0 {
		c.Server.RequestsPerMin = 300
	}
	if c.Server.BurstSize == 0 {
		c.Server.BurstSize = 50
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Processor.Kind == "" {
		c.Processor.Kind = "echo"
	}
}

func (c *Config) validate() error {
	switch c.Edition {
	case EditionCommunity, EditionEnterprise:
	default:
		return fmt.Errorf("config: unknown edition %q", c.Edition)
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Processor.Kind {
	case "echo", "silent":
	default:
		return fmt.Errorf("config: unknown processor kind %q", c.Processor.Kind)
	}
	for name, v := range map[string]string{
		"talk.reply_timeout": c.Talk.ReplyTimeout,
		"janitor.interval":   c.Janitor.Interval,
		"janitor.retention":  c.Janitor.Retention,
		"processor.delay":    c.Processor.Delay,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

func resolveCapabilities(edition string, tracer TracerConfig) Capabilities {
	caps := Capabilities{Tracing: tracer.Enabled}
	if edition == EditionEnterprise {
		caps.EventStream = true
	}
	return caps
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
