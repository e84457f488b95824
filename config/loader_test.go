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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFallsBackToDefaultsWithNoFiles(t *testing.T) {
	tmpDir := t.TempDir()
	cfg, err := Load(LoaderOptions{ConfigDir: tmpDir, Environment: "test"})
	require.NoError(t, err)
	assert.Equal(t, defaultPort, cfg.Port)
}

func TestLoadPrefersEnvironmentSpecificFile(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "default.yaml"), []byte("port: 1111\ndb_version: 1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "staging.yaml"), []byte("port: 2222\ndb_version: 1"), 0o644))

	cfg, err := Load(LoaderOptions{ConfigDir: tmpDir, Environment: "staging"})
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.Port)
}

func TestLoadFallsBackToDefaultYAML(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "default.yaml"), []byte("port: 3333\ndb_version: 1"), 0o644))

	cfg, err := Load(LoaderOptions{ConfigDir: tmpDir, Environment: "nonexistent-env"})
	require.NoError(t, err)
	assert.Equal(t, 3333, cfg.Port)
}

func TestLoadAppliesEnvironmentOverride(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "default.yaml"), []byte("port: 4444\ndb_version: 1"), 0o644))
	t.Setenv("CHALLENGE_PORT", "5555")

	cfg, err := Load(LoaderOptions{ConfigDir: tmpDir, Environment: "nonexistent-env"})
	require.NoError(t, err)
	assert.Equal(t, 5555, cfg.Port)
}

func TestLoadFailsValidationOnBadDbVersion(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "default.yaml"), []byte("db_version: 99"), 0o644))

	_, err := Load(LoaderOptions{ConfigDir: tmpDir, Environment: "nonexistent-env"})
	require.Error(t, err)
}

func TestLoadSkipValidationBypassesError(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "default.yaml"), []byte("db_version: 99"), 0o644))

	cfg, err := Load(LoaderOptions{ConfigDir: tmpDir, Environment: "nonexistent-env", SkipValidation: true})
	require.NoError(t, err)
	assert.Equal(t, 99, cfg.DbVersion)
}

func TestMustLoadPanicsOnValidationFailure(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "default.yaml"), []byte("db_version: 99"), 0o644))

	assert.Panics(t, func() {
		MustLoad(LoaderOptions{ConfigDir: tmpDir, Environment: "nonexistent-env"})
	})
}
