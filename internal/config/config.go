// Package config loads the inloop daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hay-kot/criterio"
	"gopkg.in/yaml.v3"

	"github.com/uesteibar/inloop/internal/db"
	"github.com/uesteibar/inloop/internal/resolve"
	"github.com/uesteibar/inloop/internal/scheduler"
	"github.com/uesteibar/inloop/internal/server"
	"github.com/uesteibar/inloop/internal/waitdetect"
)

type Config struct {
	Addr                      string         `yaml:"addr"`
	DBPath                    string         `yaml:"db_path"`
	PollInterval              time.Duration  `yaml:"poll_interval"`
	TickInterval              time.Duration  `yaml:"tick_interval"`
	MaxInFlight               int            `yaml:"max_in_flight"`
	FetchTimeout              time.Duration  `yaml:"fetch_timeout"`
	BackoffCeiling            time.Duration  `yaml:"backoff_ceiling"`
	PermanentFailureThreshold int            `yaml:"permanent_failure_threshold"`
	Detector                  DetectorConfig `yaml:"detector"`
	Agents                    []string       `yaml:"agents"`
	TranscriptDir             string         `yaml:"transcript_dir"`
	CredentialsProfile        string         `yaml:"credentials_profile"`
}

type DetectorConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	IdleMarkers     []string      `yaml:"idle_markers"`
	ActivityMarkers []string      `yaml:"activity_markers"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Addr:                      server.DefaultAddr,
		PollInterval:              scheduler.DefaultInterval,
		TickInterval:              scheduler.DefaultTick,
		MaxInFlight:               scheduler.DefaultMaxInFlight,
		FetchTimeout:              scheduler.DefaultFetchTimeout,
		BackoffCeiling:            scheduler.DefaultBackoffCeiling,
		PermanentFailureThreshold: scheduler.DefaultPermanentThreshold,
		Detector: DetectorConfig{
			PollInterval: waitdetect.DefaultPollInterval,
		},
		Agents: resolve.DefaultAgents,
	}
}

// Dir returns $XDG_CONFIG_HOME/inloop, falling back to ~/.config/inloop.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "inloop"), nil
}

// DefaultPath returns the config file path inside Dir.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the YAML file at path over Default. A missing file yields the
// defaults. Relative paths derived from the environment (db_path,
// transcript_dir) are filled in after decoding.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.DBPath == "" {
		p, err := db.DefaultPath()
		if err != nil {
			return err
		}
		c.DBPath = p
	}
	if c.TranscriptDir == "" {
		c.TranscriptDir = filepath.Join(filepath.Dir(c.DBPath), "transcripts")
	}
	if len(c.Agents) == 0 {
		c.Agents = resolve.DefaultAgents
	}
	return nil
}

// Validate reports every invalid field as criterio.FieldErrors.
func (c *Config) Validate() error {
	return criterio.ValidateStruct(
		criterio.Run("addr", c.Addr, server.CheckLoopback),
		criterio.Run("poll_interval", c.PollInterval, atLeastSecond),
		criterio.Run("tick_interval", c.TickInterval, positive),
		criterio.Run("fetch_timeout", c.FetchTimeout, positive),
		criterio.Run("detector.poll_interval", c.Detector.PollInterval, positive),
		criterio.Run("max_in_flight", c.MaxInFlight, atLeastOne),
		criterio.Run("permanent_failure_threshold", c.PermanentFailureThreshold, atLeastOne),
		c.validateCeiling(),
	)
}

func (c *Config) validateCeiling() error {
	if c.BackoffCeiling <= c.PollInterval {
		return criterio.NewFieldErrors("backoff_ceiling",
			fmt.Errorf("must exceed poll_interval (%s), got %s", c.PollInterval, c.BackoffCeiling))
	}
	return nil
}

func atLeastSecond(d time.Duration) error {
	if d < time.Second {
		return fmt.Errorf("must be at least 1s, got %s", d)
	}
	return nil
}

func positive(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("must be positive, got %s", d)
	}
	return nil
}

func atLeastOne(n int) error {
	if n < 1 {
		return fmt.Errorf("must be at least 1, got %d", n)
	}
	return nil
}
