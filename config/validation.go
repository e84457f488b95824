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

import "fmt"

// Level tags the severity of a ValidationIssue. Warn-level issues never
// block Load, which does not report them; Error-level issues do.
type Level string

const (
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ValidationIssue names one field found to be invalid or suspect.
type ValidationIssue struct {
	Field   string
	Level   Level
	Message string
}

const (
	minDbVersion = 1
	maxDbVersion = 16
)

// ValidateConfiguration checks cfg against spec.md §6's option set.
// db_version outside [1,16] is the only condition the orchestrator
// itself also rejects (lifecycle.New returns the same bound as a
// ConfigError). Error-level issues (db_version, and a non-positive port
// when run_server is set) make Load fail; Warn-level issues are advisory.
func ValidateConfiguration(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.DbVersion < minDbVersion || cfg.DbVersion > maxDbVersion {
		issues = append(issues, ValidationIssue{
			Field:   "db_version",
			Level:   LevelError,
			Message: fmt.Sprintf("must be in [%d,%d], got %d", minDbVersion, maxDbVersion, cfg.DbVersion),
		})
	}

	if cfg.RunServer && cfg.Port <= 0 {
		issues = append(issues, ValidationIssue{
			Field:   "port",
			Level:   LevelError,
			Message: "must be a positive port number when run_server is set",
		})
	}

	if !cfg.AdminMode && cfg.ConsumerBaseURL == "" {
		issues = append(issues, ValidationIssue{
			Field:   "consumer_base_url",
			Level:   LevelWarn,
			Message: "empty; the Consumer role needs a base URL to reach signed HTTP endpoints",
		})
	}

	if cfg.DevMode && !cfg.AllowInsecureAdmin {
		issues = append(issues, ValidationIssue{
			Field:   "dev_mode",
			Level:   LevelWarn,
			Message: "attestation and AEAD are disabled; an Admin session will be refused until allow_insecure_admin is also set",
		})
	}

	return issues
}
