// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads the runtime's configuration, per spec.md §6's
// recognized option set. Two fields in that set, db_dsn and
// ephemeral_sk, are never read from a config file: the former arrives
// over the wire via credentials.seal, the latter is generated at
// bootstrap. Both are tagged yaml:"-" so a config file cannot set them.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime's full configuration, per spec.md §6.
type Config struct {
	ConsumerBaseURL string `yaml:"consumer_base_url" json:"consumer_base_url"`
	SessionToken    string `yaml:"session_token" json:"session_token"`
	JobID           string `yaml:"job_id" json:"job_id"`
	ChallengeID     string `yaml:"challenge_id" json:"challenge_id"`
	ValidatorHotkey string `yaml:"validator_hotkey" json:"validator_hotkey"`

	RunServer bool `yaml:"run_server" json:"run_server"`
	AdminMode bool `yaml:"admin_mode" json:"admin_mode"`
	DevMode   bool `yaml:"dev_mode" json:"dev_mode"`

	Port int    `yaml:"port" json:"port"`
	Host string `yaml:"host" json:"host"`

	DbVersion int `yaml:"db_version" json:"db_version"`

	// DbDSN is populated from the Admin's credentials.seal delivery, never
	// from a config file.
	DbDSN string `yaml:"-" json:"-"`
	// EphemeralSK is the process's per-boot X25519 seed, generated at
	// bootstrap, never from a config file.
	EphemeralSK []byte `yaml:"-" json:"-"`

	AllowInsecureAdmin bool `yaml:"allow_insecure_admin" json:"allow_insecure_admin"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Health  HealthConfig  `yaml:"health" json:"health"`

	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
}

// LoggingConfig configures internal/logger's default logger.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig configures the /sdk/metrics exposition, mounted on its
// own internal port per spec.md's supplemented metrics surface.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig configures the /sdk/health exposition.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// LoadFromFile loads configuration from a YAML or JSON file, trying YAML
// first and falling back to JSON, matching the teacher's dual-format
// loader.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)
	return cfg, nil
}

// SaveToFile saves configuration to a file, choosing the format from the
// path's extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

const (
	defaultPort         = 8443
	defaultHost         = "0.0.0.0"
	defaultMetricsPort  = 9090
	defaultDrainTimeout = 30 * time.Second
)

// setDefaults fills in zero-valued fields with the runtime's defaults.
func setDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if cfg.DbVersion == 0 {
		cfg.DbVersion = 1
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = defaultMetricsPort
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/sdk/metrics"
	}

	if cfg.Health.Path == "" {
		cfg.Health.Path = "/sdk/health"
	}
}
