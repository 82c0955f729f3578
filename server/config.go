package server

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the .toolsmith.yaml configuration file.
type Config struct {
	PluginRoot               string `yaml:"plugin_root"`
	Python                   string `yaml:"python"`
	IndexURL                 string `yaml:"index_url"`
	InstallTimeoutSeconds    int    `yaml:"install_timeout_seconds"`
	IntrospectTimeoutSeconds int    `yaml:"introspect_timeout_seconds"`
	ExecTimeoutSeconds       int    `yaml:"exec_timeout_seconds"`
	ScanConcurrency          int    `yaml:"scan_concurrency"`
	RequestsPerMinute        int    `yaml:"requests_per_minute"`
	Watch                    bool   `yaml:"watch"`
	HistoryLimit             int    `yaml:"history_limit"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		PluginRoot:               "tools",
		Python:                   "python3",
		InstallTimeoutSeconds:    300,
		IntrospectTimeoutSeconds: 60,
		ExecTimeoutSeconds:       60,
		ScanConcurrency:          4,
		Watch:                    true,
		HistoryLimit:             100,
	}
}

// LoadConfig reads a .toolsmith.yaml configuration file. If the file
// does not exist, it returns the default Config without error.
// Returns an error only for malformed YAML or read failures.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.PluginRoot == "" {
		cfg.PluginRoot = "tools"
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	return cfg, nil
}

// InstallTimeout returns the installation bound as a duration.
func (c *Config) InstallTimeout() time.Duration {
	if c.InstallTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.InstallTimeoutSeconds) * time.Second
}

// IntrospectTimeout returns the introspection bound as a duration.
func (c *Config) IntrospectTimeout() time.Duration {
	if c.IntrospectTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.IntrospectTimeoutSeconds) * time.Second
}

// ExecTimeout returns the execution bound as a duration.
func (c *Config) ExecTimeout() time.Duration {
	if c.ExecTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.ExecTimeoutSeconds) * time.Second
}
