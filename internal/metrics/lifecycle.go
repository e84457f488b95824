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

// LifecycleState tracks the orchestrator's current state as its ordinal
// position in Init..Terminated, so a single gauge is enough to chart
// state transitions over time without a label cardinality blowup.
var LifecycleState = promauto.With(Registry).NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "state",
		Help:      "Current lifecycle state ordinal (0=Init .. 7=Terminated)",
	},
)

// PublicEndpointRequests tracks inbound /sdk/public/{name} calls mediated
// by the public-endpoint mediator, by outcome.
var PublicEndpointRequests = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mediator",
		Name:      "public_requests_total",
		Help:      "Total inbound public-endpoint requests by verification outcome",
	},
	[]string{"name", "status"}, // handler name, ok/invalid_token/expired/no_admin_key
)
