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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "challenge-sidecar",
	Short: "Challenge sidecar runtime - the TEE-facing process every challenge container embeds",
	Long: `challenge-sidecar runs the bootstrap, transport, ORM bridge and lifecycle
machinery a challenge container needs to talk to its Admin and Consumer
peers over an attested, encrypted channel.

This binary wires internal/runtime with an empty handler registry; a
challenge author embeds internal/runtime directly and registers job,
weights and public-endpoint handlers in Go before calling Run when they
need custom behavior beyond the bare daemon this CLI starts.`,
}

var configDir string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "directory containing environment config files")
}
