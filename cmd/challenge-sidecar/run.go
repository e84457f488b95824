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

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/challenge-sidecar/config"
	"github.com/sage-x-project/challenge-sidecar/internal/handlers"
	"github.com/sage-x-project/challenge-sidecar/internal/logger"
	"github.com/sage-x-project/challenge-sidecar/internal/orm"
	"github.com/sage-x-project/challenge-sidecar/internal/runtime"
)

var (
	runHost      string
	runPort      int
	runDevMode   bool
	runAdminMode bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sidecar runtime and block until terminated",
	Long: `run loads configuration (config file, then CHALLENGE_*-prefixed
environment overrides, then these flags), wires an internal/runtime.Runtime
with an empty handler registry, and drives it through its full lifecycle
until SIGINT/SIGTERM or the process's context is cancelled.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runHost, "host", "", "override the configured bind host")
	runCmd.Flags().IntVar(&runPort, "port", 0, "override the configured bind port")
	runCmd.Flags().BoolVar(&runDevMode, "dev-mode", false, "run with a stub TEE quote provider instead of a hardware driver")
	runCmd.Flags().BoolVar(&runAdminMode, "admin-mode", false, "set admin_mode, which waives the consumer_base_url check and is logged at startup; both peer roles are served either way")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoaderOptions{ConfigDir: configDir})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cmd.Flags().Changed("host") {
		cfg.Host = runHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = runPort
	}
	if cmd.Flags().Changed("dev-mode") {
		cfg.DevMode = runDevMode
	}
	if cmd.Flags().Changed("admin-mode") {
		cfg.AdminMode = runAdminMode
	}

	configureLogging(cfg.Logging)

	registry := handlers.NewRegistry()
	rt, err := runtime.New(cfg, registry, orm.NewPolicy())
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	return rt.Run(context.Background())
}

// configureLogging installs a StructuredLogger matching cfg as the
// package-level default every internal package's logger.* calls write
// through.
func configureLogging(cfg config.LoggingConfig) {
	level := logger.InfoLevel
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG":
		level = logger.DebugLevel
	case "WARN":
		level = logger.WarnLevel
	case "ERROR":
		level = logger.ErrorLevel
	}

	output := os.Stdout
	if cfg.Output == "file" && cfg.FilePath != "" {
		if f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			l := logger.NewLogger(f, level)
			l.SetPrettyPrint(cfg.Format == "pretty")
			logger.SetDefaultLogger(l)
			return
		}
	}

	l := logger.NewLogger(output, level)
	l.SetPrettyPrint(cfg.Format == "pretty")
	logger.SetDefaultLogger(l)
}
