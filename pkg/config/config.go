package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/transport/goble"
	"github.com/srg/blehost/internal/transport/tinygo"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when no path is given. It may be absent.
const DefaultPath = "blehost.yaml"

// Transport backends.
const (
	BackendGoBLE  = "goble"
	BackendTinyGo = "tinygo"
)

// Config holds application configuration
type Config struct {
	LogLevel    string            `yaml:"log_level" default:"info"`
	Receiver    string            `yaml:"receiver" default:"blehost"`
	Scan        ScanConfig        `yaml:"scan"`
	Transport   TransportConfig   `yaml:"transport"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Events      EventsConfig      `yaml:"events"`
}

// ScanConfig controls discovery.
type ScanConfig struct {
	NameFilter string        `yaml:"name_filter" default:"Cadence_Sensor"`
	Duration   time.Duration `yaml:"duration" default:"10s"`
}

// TransportConfig selects and tunes the radio backend.
type TransportConfig struct {
	Backend           string        `yaml:"backend" default:"goble"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"10s"`
	OpQueueSize       int           `yaml:"op_queue_size" default:"64"`
	NotificationQueue uint32        `yaml:"notification_queue" default:"256"`
	FilterDuplicates  bool          `yaml:"filter_duplicates"`
}

// PermissionsConfig lists the grants the capability gate reports. Desktop
// platforms have no runtime permission prompt, so they are granted by default.
type PermissionsConfig struct {
	Location bool `yaml:"location"`
	Scan     bool `yaml:"scan"`
}

// EventsConfig sizes the host event queue.
type EventsConfig struct {
	Buffer int `yaml:"buffer" default:"256"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{
		Permissions: PermissionsConfig{Location: true, Scan: true},
	}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default. A missing file is an error unless path is DefaultPath.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values Load cannot type-check.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Transport.Backend {
	case BackendGoBLE, BackendTinyGo:
	default:
		return fmt.Errorf("unknown transport backend %q (want %s or %s)", c.Transport.Backend, BackendGoBLE, BackendTinyGo)
	}
	if c.Scan.Duration < 0 {
		return fmt.Errorf("scan duration must not be negative: %s", c.Scan.Duration)
	}
	if c.Events.Buffer <= 0 {
		return fmt.Errorf("events buffer must be positive: %d", c.Events.Buffer)
	}
	return nil
}

// Level returns the configured log level, or info when it does not parse.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// GobleOptions returns the go-ble backend options.
func (c *Config) GobleOptions() goble.Options {
	return goble.Options{
		ConnectTimeout:    c.Transport.ConnectTimeout,
		OpQueueSize:       c.Transport.OpQueueSize,
		NotificationQueue: c.Transport.NotificationQueue,
		FilterDuplicates:  c.Transport.FilterDuplicates,
	}
}

// TinygoOptions returns the tinygo bluetooth backend options.
func (c *Config) TinygoOptions() tinygo.Options {
	return tinygo.Options{
		ConnectTimeout:    c.Transport.ConnectTimeout,
		OpQueueSize:       c.Transport.OpQueueSize,
		NotificationQueue: c.Transport.NotificationQueue,
	}
}
