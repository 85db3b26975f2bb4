package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxeval/dispatch"
)

// fileConfig is the on-disk YAML shape for dispatchd. Durations are
// Go duration strings ("45s", "5m").
type fileConfig struct {
	Listen string `yaml:"listen"`

	Log struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`

	Store struct {
		Backend string `yaml:"backend"` // memory | postgres | redis

		Postgres struct {
			DSN string `yaml:"dsn"`
		} `yaml:"postgres"`

		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"store"`

	Dispatch struct {
		HeartbeatTimeout string `yaml:"heartbeat_timeout"`
		SweepInterval    string `yaml:"sweep_interval"`
		LeaseTimeout     string `yaml:"lease_timeout"`
		ReapInterval     string `yaml:"reap_interval"`
		MaxRetries       int    `yaml:"max_retries"`
		ShutdownTimeout  string `yaml:"shutdown_timeout"`
	} `yaml:"dispatch"`

	Throttle []struct {
		Region     string  `yaml:"region"`
		ClaimRate  float64 `yaml:"claim_rate"`
		ClaimBurst int     `yaml:"claim_burst"`
	} `yaml:"throttle"`
}

// loadConfig reads the YAML file at path. A missing path returns defaults.
func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	cfg.Listen = ":8080"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Store.Backend = "memory"

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// dispatchConfig converts the file's duration strings into a
// dispatch.Config. Unset fields keep their defaults.
func (c *fileConfig) dispatchConfig() (dispatch.Config, error) {
	cfg := dispatch.DefaultConfig()

	fields := []struct {
		raw string
		dst *time.Duration
	}{
		{c.Dispatch.HeartbeatTimeout, &cfg.HeartbeatTimeout},
		{c.Dispatch.SweepInterval, &cfg.SweepInterval},
		{c.Dispatch.LeaseTimeout, &cfg.LeaseTimeout},
		{c.Dispatch.ReapInterval, &cfg.ReapInterval},
		{c.Dispatch.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return cfg, fmt.Errorf("invalid duration %q: %w", f.raw, err)
		}
		*f.dst = d
	}

	if c.Dispatch.MaxRetries > 0 {
		cfg.MaxRetries = c.Dispatch.MaxRetries
	}
	return cfg.Normalize(), nil
}
