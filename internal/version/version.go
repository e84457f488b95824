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

// Package version reports the challenge-sidecar binary's build
// information to the "version" subcommand.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version, set via ldflags at build time.
	Version = "0.1.0"

	// GitCommit is the git commit hash, set via ldflags.
	GitCommit = ""

	// BuildDate is the build date, set via ldflags.
	BuildDate = ""

	// GoVersion is the Go toolchain version used to build.
	GoVersion = runtime.Version()
)

// Info is the structured form of the build information.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the current build information.
func Get() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: GoVersion,
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String formats Info for human-readable output.
func String() string {
	info := Get()
	if info.GitCommit != "" {
		return fmt.Sprintf("%s (commit: %s, built: %s, go: %s, platform: %s)",
			info.Version, info.GitCommit, info.BuildDate, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s (go: %s, platform: %s)", info.Version, info.GoVersion, info.Platform)
}

// Short returns version plus short commit, for log lines and metrics
// labels.
func Short() string {
	if GitCommit != "" {
		commit := GitCommit
		if len(commit) > 7 {
			commit = commit[:7]
		}
		return fmt.Sprintf("%s-%s", Version, commit)
	}
	return Version
}
