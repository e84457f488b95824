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
	// ORMCallsTotal tracks calls routed through the ORM bridge
	ORMCallsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orm",
			Name:      "calls_total",
			Help:      "Total number of ORM bridge calls",
		},
		[]string{"kind", "table", "status"}, // select/insert/update/delete, table name, success/error
	)

	// ORMPolicyDenials tracks calls rejected by table/column policy
	ORMPolicyDenials = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orm",
			Name:      "policy_denials_total",
			Help:      "Total number of ORM calls rejected by policy before marshalling",
		},
		[]string{"kind", "table"},
	)

	// ORMCallDuration tracks round-trip duration from request to matched response
	ORMCallDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orm",
			Name:      "call_duration_seconds",
			Help:      "ORM bridge round-trip duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"kind", "table"},
	)
)
