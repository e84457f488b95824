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
	// AttestationsInitiated tracks attestation bootstraps started
	AttestationsInitiated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attestations",
			Name:      "initiated_total",
			Help:      "Total number of attestation bootstraps initiated",
		},
		[]string{"role"}, // admin, consumer
	)

	// AttestationsCompleted tracks completed attestation bootstraps
	AttestationsCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attestations",
			Name:      "completed_total",
			Help:      "Total number of attestation bootstraps completed",
		},
		[]string{"status"}, // success, failure
	)

	// AttestationsFailed tracks failed attestation bootstraps by error type
	AttestationsFailed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attestations",
			Name:      "failed_total",
			Help:      "Total number of failed attestation bootstraps by error type",
		},
		[]string{"error_type"}, // QuoteUnavailable, Rejected, unknown
	)

	// AttestationDuration tracks attestation bootstrap stage durations
	AttestationDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "attestations",
			Name:      "duration_seconds",
			Help:      "Attestation bootstrap stage duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
		[]string{"stage"}, // quote, envelope, verify
	)
)
