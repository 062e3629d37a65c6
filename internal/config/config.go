// Package config loads the terminal daemon's YAML configuration and applies
// environment overrides for the deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use "30s" / "5m" syntax.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the daemon configuration.
type Config struct {
	// ListenAddr is the local API bind address.
	ListenAddr string `yaml:"listen_addr"`
	// DBPath is the SQLite file holding the offline order queue.
	DBPath string `yaml:"db_path"`

	Remote struct {
		// BaseURL of the central order API.
		BaseURL string `yaml:"base_url"`
		// Timeout bounds each individual request.
		Timeout Duration `yaml:"timeout"`
	} `yaml:"remote"`

	Sync struct {
		Interval    Duration `yaml:"interval"`
		MaxRetries  int      `yaml:"max_retries"`
		BackoffBase Duration `yaml:"backoff_base"`
		BackoffCap  Duration `yaml:"backoff_cap"`
	} `yaml:"sync"`

	Probe struct {
		Interval Duration `yaml:"interval"`
		// Freshness bounds how long a probe result counts as current.
		Freshness Duration `yaml:"freshness"`
	} `yaml:"probe"`
}

// Default returns the production defaults.
func Default() Config {
	var cfg Config
	cfg.ListenAddr = ":8080"
	cfg.DBPath = "tillu-pos-offline.db"
	cfg.Remote.BaseURL = "http://localhost:3000"
	cfg.Remote.Timeout = Duration(10 * time.Second)
	cfg.Sync.Interval = Duration(30 * time.Second)
	cfg.Sync.MaxRetries = 8
	cfg.Sync.BackoffBase = Duration(time.Second)
	cfg.Sync.BackoffCap = Duration(5 * time.Minute)
	cfg.Probe.Interval = Duration(15 * time.Second)
	cfg.Probe.Freshness = Duration(45 * time.Second)
	return cfg
}

// Load reads the YAML file at path (optional; empty path keeps defaults) and
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if addr := os.Getenv("POSD_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if db := os.Getenv("POSD_DB_PATH"); db != "" {
		cfg.DBPath = db
	}
	if url := os.Getenv("POSD_REMOTE_URL"); url != "" {
		cfg.Remote.BaseURL = url
	}

	return cfg, nil
}
