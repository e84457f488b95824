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

// Package health exposes the sidecar's /sdk/health endpoint, per
// spec.md §6: `{status: "starting"|"ready"}`. Readiness is derived
// directly from the lifecycle orchestrator's current state rather than
// from an independent set of named checks, since every dependency this
// runtime has (Admin session, migrations, credentials) is already
// tracked there; adapted from health/checker.go's named-check registry
// down to the one condition spec.md actually names.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/sage-x-project/challenge-sidecar/internal/lifecycle"
)

// Status is the health endpoint's reported status.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
)

// StateReporter is the subset of *lifecycle.Orchestrator the checker
// needs; satisfied by *lifecycle.Orchestrator itself.
type StateReporter interface {
	State() lifecycle.State
}

// Checker reports readiness derived from an Orchestrator's state: only
// Ready and Serving count as "ready" — every earlier state is still
// running startup or waiting on Admin/migrations, and Draining/
// Terminated are on their way out, not accepting new work.
type Checker struct {
	orchestrator StateReporter
}

// NewChecker returns a Checker reporting orchestrator's readiness.
func NewChecker(orchestrator StateReporter) *Checker {
	return &Checker{orchestrator: orchestrator}
}

// responseBody is the JSON shape returned by Handler, matching
// spec.md §6 verbatim.
type responseBody struct {
	Status Status `json:"status"`
}

// Status returns the checker's current readiness snapshot.
func (c *Checker) Status() Status {
	switch c.orchestrator.State() {
	case lifecycle.StateReady, lifecycle.StateServing:
		return StatusReady
	default:
		return StatusStarting
	}
}

// Handler returns an http.Handler serving /sdk/health: 200 with
// {"status":"ready"} once the orchestrator has cleared startup, 200
// with {"status":"starting"} otherwise. Health is advisory, never
// authenticated, so it always returns 200 — callers branch on the body.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(responseBody{Status: c.Status()})
	})
}
