// Package config reads the ami configuration from a yaml file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jakopako/ami/internal/fetch"
	"github.com/jakopako/ami/internal/highlight"
	"github.com/jakopako/ami/internal/output"
	"github.com/jakopako/ami/internal/scan"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// ScanConfig tunes the scan engine.
type ScanConfig struct {
	BudgetMS    int      `yaml:"budgetMs" env:"AMI_SCAN_BUDGET_MS" env-default:"12"`
	IgnoredTags []string `yaml:"ignoredTags,omitempty"`
}

// OverlayConfig configures the hover overlay. Delays are in milliseconds.
type OverlayConfig struct {
	Enabled     bool    `yaml:"enabled" env:"AMI_OVERLAY" env-default:"true"`
	ShowDelayMS int     `yaml:"showDelayMs" env-default:"120"`
	HideDelayMS int     `yaml:"hideDelayMs" env-default:"200"`
	Margin      float64 `yaml:"margin" env-default:"8"`
}

// AutomationConfig points the automation manager at its stores.
type AutomationConfig struct {
	Enabled bool `yaml:"enabled" env:"AMI_AUTOMATION" env-default:"true"`
	// RemoteURL is the base URL of the persistence API. Empty means local
	// only.
	RemoteURL  string `yaml:"remoteUrl" env:"AMI_REMOTE_URL"`
	User       string `yaml:"user" env:"AMI_REMOTE_USER"`
	Password   string `yaml:"password" env:"AMI_REMOTE_PASSWORD"`
	StorageKey string `yaml:"storageKey" env:"AMI_STORAGE_KEY" env-default:"ami-highlight"`
	// DBPath is the sqlite file backing the local cache.
	DBPath string `yaml:"dbPath" env:"AMI_DB_PATH" env-default:".ami/ami.db"`
	// Root is the document root sent along with every document path.
	Root string `yaml:"root" env:"AMI_ROOT"`
	// Markers renders a marker node next to bound elements.
	Markers bool `yaml:"markers"`
}

// ServerConfig configures the persistence API server.
type ServerConfig struct {
	Listen   string `yaml:"listen" env:"AMI_LISTEN" env-default:":8080"`
	DBPath   string `yaml:"dbPath" env:"AMI_SERVER_DB_PATH" env-default:".ami/server.db"`
	User     string `yaml:"user" env:"AMI_SERVER_USER"`
	Password string `yaml:"password" env:"AMI_SERVER_PASSWORD"`
}

// Config defines the overall structure of the ami configuration.
// Values will be taken from a config yml file or environment variables
// or both.
type Config struct {
	LogLevel   string              `yaml:"logLevel" env:"AMI_LOG_LEVEL" env-default:"info"`
	Scan       ScanConfig          `yaml:"scan"`
	Rules      []highlight.Rule    `yaml:"rules"`
	Overlay    OverlayConfig       `yaml:"overlay"`
	Automation AutomationConfig    `yaml:"automation"`
	Server     ServerConfig        `yaml:"server"`
	Fetcher    fetch.FetcherConfig `yaml:"fetcher"`
	Writer     output.WriterConfig `yaml:"writer"`
}

// NewConfig reads the file at configPath and applies environment
// overrides. Without a path only the environment and the defaults are
// used.
func NewConfig(configPath string) (*Config, error) {
	var config Config
	var err error
	if configPath == "" {
		err = cleanenv.ReadEnv(&config)
	} else {
		err = cleanenv.ReadConfig(configPath, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the rule set.
func (c *Config) Validate() error {
	if len(c.Rules) > scan.MaxRules {
		return fmt.Errorf("%w: %d rules configured, at most %d are supported", ErrInvalidConfig, len(c.Rules), scan.MaxRules)
	}
	names := map[string]bool{}
	for i, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("%w: rule %d has no name", ErrInvalidConfig, i)
		}
		if names[r.Name] {
			return fmt.Errorf("%w: rule name %q is used twice", ErrInvalidConfig, r.Name)
		}
		names[r.Name] = true
		if len(r.Selectors) == 0 {
			return fmt.Errorf("%w: rule %q has no selectors", ErrInvalidConfig, r.Name)
		}
	}
	if c.Scan.BudgetMS < 0 {
		return fmt.Errorf("%w: negative scan budget", ErrInvalidConfig)
	}
	return nil
}

// Budget returns the scan time slice.
func (c *Config) Budget() time.Duration {
	return time.Duration(c.Scan.BudgetMS) * time.Millisecond
}

// Write writes c as yaml.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
