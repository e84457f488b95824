// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// LoaderOptions configures the configuration loader.
type LoaderOptions struct {
	// ConfigDir is the directory containing config files (default: ./config).
	ConfigDir string
	// Environment overrides automatic environment detection.
	Environment string
	// SkipEnvSubstitution disables environment variable substitution.
	SkipEnvSubstitution bool
	// SkipValidation disables configuration validation.
	SkipValidation bool
}

// DefaultLoaderOptions returns default loader options.
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{ConfigDir: "config"}
}

// Load loads configuration with automatic environment detection: an
// environment-specific file (e.g. config/production.yaml) wins, falling
// back to config/default.yaml, then config/config.yaml, then an
// all-defaults Config if none exist.
func Load(opts ...LoaderOptions) (*Config, error) {
	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	env := options.Environment
	if env == "" {
		env = GetEnvironment()
	}

	envConfigPath := filepath.Join(options.ConfigDir, fmt.Sprintf("%s.yaml", env))
	cfg, err := loadConfigFile(envConfigPath)
	if err != nil {
		defaultConfigPath := filepath.Join(options.ConfigDir, "default.yaml")
		cfg, err = loadConfigFile(defaultConfigPath)
		if err != nil {
			configPath := filepath.Join(options.ConfigDir, "config.yaml")
			cfg, err = loadConfigFile(configPath)
			if err != nil {
				cfg = &Config{}
				setDefaults(cfg)
			}
		}
	}

	if !options.SkipEnvSubstitution {
		SubstituteEnvVarsInConfig(cfg)
	}

	applyEnvironmentOverrides(cfg)

	if !options.SkipValidation {
		issues := ValidateConfiguration(cfg)
		for _, issue := range issues {
			if issue.Level == LevelError {
				return nil, fmt.Errorf("configuration validation failed: %s: %s", issue.Field, issue.Message)
			}
		}
	}

	return cfg, nil
}

func loadConfigFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	return LoadFromFile(path)
}

// applyEnvironmentOverrides overrides cfg with CHALLENGE_*-prefixed
// environment variables, the highest-priority source per the teacher's
// loader precedence (file < env substitution < explicit override).
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("CHALLENGE_CONSUMER_BASE_URL"); v != "" {
		cfg.ConsumerBaseURL = v
	}
	if v := os.Getenv("CHALLENGE_SESSION_TOKEN"); v != "" {
		cfg.SessionToken = v
	}
	if v := os.Getenv("CHALLENGE_JOB_ID"); v != "" {
		cfg.JobID = v
	}
	if v := os.Getenv("CHALLENGE_CHALLENGE_ID"); v != "" {
		cfg.ChallengeID = v
	}
	if v := os.Getenv("CHALLENGE_VALIDATOR_HOTKEY"); v != "" {
		cfg.ValidatorHotkey = v
	}
	if v := os.Getenv("CHALLENGE_RUN_SERVER"); v != "" {
		cfg.RunServer = v == "true"
	}
	if v := os.Getenv("CHALLENGE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("CHALLENGE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("CHALLENGE_DB_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DbVersion = n
		}
	}
	if v := os.Getenv("CHALLENGE_DEV_MODE"); v != "" {
		cfg.DevMode = v == "true"
	}
	if v := os.Getenv("CHALLENGE_ADMIN_MODE"); v != "" {
		cfg.AdminMode = v == "true"
	}
	if v := os.Getenv("CHALLENGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHALLENGE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CHALLENGE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
}

// LoadForEnvironment loads configuration for a specific environment.
func LoadForEnvironment(environment string) (*Config, error) {
	return Load(LoaderOptions{ConfigDir: "config", Environment: environment})
}

// MustLoad loads configuration or panics on error.
func MustLoad(opts ...LoaderOptions) *Config {
	cfg, err := Load(opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
