// Package model defines the data structures for foreman's configuration,
// durable state, and integration queue entries.
package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Workers  WorkersConfig  `yaml:"workers"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Refinery RefineryConfig `yaml:"refinery"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
	Audit    AuditConfig    `yaml:"audit"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type WorkersConfig struct {
	// Count is the size of the worker pool and the global concurrency cap.
	Count int `yaml:"count"`
	// WorkspaceRoot is where per-slot branch checkouts live.
	WorkspaceRoot string `yaml:"workspace_root"`
}

type WatcherConfig struct {
	ScanIntervalSec int     `yaml:"scan_interval_sec"`
	DebounceSec     float64 `yaml:"debounce_sec"`
	// StaleAfterSec is the heartbeat age beyond which an assignment is
	// considered abandoned and reclaimed. The only timeout in the system.
	StaleAfterSec int `yaml:"stale_after_sec"`
}

type RefineryConfig struct {
	// DefaultTarget is the integration branch used when a submission names none.
	DefaultTarget   string `yaml:"default_target"`
	MergeTimeoutSec int    `yaml:"merge_timeout_sec"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type AuditConfig struct {
	MaxLogBytes int64 `yaml:"max_log_bytes"`
}

// DefaultConfig returns the configuration written by `foreman init`.
func DefaultConfig(projectName string) Config {
	return Config{
		Project: ProjectConfig{Name: projectName},
		Workers: WorkersConfig{Count: 2},
		Watcher: WatcherConfig{
			ScanIntervalSec: 10,
			DebounceSec:     0.5,
			StaleAfterSec:   30,
		},
		Refinery: RefineryConfig{
			DefaultTarget:   "main",
			MergeTimeoutSec: 120,
		},
		Daemon:  DaemonConfig{ShutdownTimeoutSec: 30},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads config.yaml from the given path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
