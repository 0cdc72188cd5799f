// Package config loads the fanout daemon configuration from a YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"

	"github.com/sklyar/fanout/internal/fanout"
)

// Environment variables, applied on top of the file.
const (
	EnvControlAddr = "FANOUT_CONTROL_ADDR"
	EnvPort        = "FANOUT_PORT"
	EnvAutostart   = "FANOUT_AUTOSTART"
	EnvBacklog     = "FANOUT_BACKLOG"
	EnvLogLevel    = "FANOUT_LOG_LEVEL"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	// ControlAddr is where the HTTP control API listens.
	ControlAddr string `yaml:"control_addr"`
	// Port is the TCP fan-out port used by autostart and pipe.
	Port uint16 `yaml:"port"`
	// Autostart starts the fan-out server together with the control API.
	Autostart bool `yaml:"autostart"`
	// Backlog is how many messages a client may fall behind.
	Backlog  int    `yaml:"backlog"`
	LogLevel string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		ControlAddr: ":7070",
		Port:        8080,
		Backlog:     fanout.DefaultCapacity,
		LogLevel:    "info",
	}
}

// Load returns the defaults overridden by the file at path (skipped when
// path is empty) and then by the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.UnmarshalWithOptions(b, &cfg, yaml.DisallowUnknownField()); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvControlAddr); ok {
		cfg.ControlAddr = v
	}

	if v, ok := lookup(EnvPort); ok {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", EnvPort, ErrInvalidConfig, err)
		}
		cfg.Port = uint16(port)
	}

	if v, ok := lookup(EnvAutostart); ok {
		autostart, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", EnvAutostart, ErrInvalidConfig, err)
		}
		cfg.Autostart = autostart
	}

	if v, ok := lookup(EnvBacklog); ok {
		backlog, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", EnvBacklog, ErrInvalidConfig, err)
		}
		cfg.Backlog = backlog
	}

	if v, ok := lookup(EnvLogLevel); ok {
		cfg.LogLevel = v
	}

	return nil
}

func (c Config) Validate() error {
	if c.ControlAddr == "" {
		return fmt.Errorf("control address must be set: %w", ErrInvalidConfig)
	}

	if c.Backlog < 1 {
		return fmt.Errorf("backlog must be at least 1, got %d: %w", c.Backlog, ErrInvalidConfig)
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	return ParseLevel(c.LogLevel)
}

// ParseLevel accepts the slog level names (debug, info, warn, error).
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, ErrInvalidConfig)
	}
	return level, nil
}
