// Package config holds the light controller's runtime configuration.
package config

import (
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// HCI selects the controller transport.
type HCI struct {
	// Index of the Linux HCI device, as in hci0.
	Index int `yaml:"index" default:"0"`
	// MAC overrides the controller's own address, in 11:22:33:AA:BB:CC form.
	MAC string `yaml:"mac"`
	// CommandTimeout bounds every HCI command.
	CommandTimeout time.Duration `yaml:"command_timeout" default:"3s"`
}

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`
	// DeviceName is advertised and exposed as the GAP device name. It
	// defaults to the model number.
	DeviceName string `yaml:"device_name"`
	HCI        HCI    `yaml:"hci"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if _, err := cfg.Level(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, errors.Wrapf(err, "invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
