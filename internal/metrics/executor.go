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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsStarted tracks jobs dispatched to a handler
	JobsStarted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "started_total",
			Help:      "Total number of jobs dispatched to a handler",
		},
		[]string{"job_name"},
	)

	// JobsCompleted tracks jobs that returned a result
	JobsCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total number of jobs completed",
		},
		[]string{"job_name", "status"}, // ok, timeout, panic, error
	)

	// JobsInFlight tracks currently executing jobs
	JobsInFlight = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "in_flight",
			Help:      "Number of jobs currently executing",
		},
	)

	// JobDuration tracks job execution wall time
	JobDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job execution duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~327s
		},
		[]string{"job_name"},
	)

	// JobScore tracks the clamped [0,1] score returned by a job
	JobScore = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "score",
			Help:      "Score reported by completed jobs, clamped to [0,1]",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"job_name"},
	)

	// JobScoreClamped tracks out-of-range scores that required clamping
	JobScoreClamped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "score_clamped_total",
			Help:      "Total number of job scores clamped into [0,1]",
		},
		[]string{"job_name"},
	)
)
