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
	// PeerSessionsCreated tracks total peer sessions admitted
	PeerSessionsCreated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer_sessions",
			Name:      "created_total",
			Help:      "Total number of peer sessions admitted",
		},
		[]string{"role", "status"}, // admin/consumer, success/displaced
	)

	// PeerSessionsActive tracks currently active peer sessions
	PeerSessionsActive = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "peer_sessions",
			Name:      "active",
			Help:      "Number of currently active peer sessions",
		},
		[]string{"role"}, // admin, consumer
	)

	// PeerSessionsExpired tracks sessions closed for idle timeout
	PeerSessionsExpired = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer_sessions",
			Name:      "expired_total",
			Help:      "Total number of peer sessions closed for idle timeout",
		},
	)

	// PeerSessionsClosed tracks cleanly closed peer sessions
	PeerSessionsClosed = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "peer_sessions",
			Name:      "closed_total",
			Help:      "Total number of peer sessions closed",
		},
	)

	// PeerSessionDuration tracks peer session lifetime
	PeerSessionDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "peer_sessions",
			Name:      "duration_seconds",
			Help:      "Peer session lifetime in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~4.5h
		},
		[]string{"role"}, // admin, consumer
	)

	// PeerSessionMessageSize tracks transport message sizes per peer session
	PeerSessionMessageSize = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "peer_sessions",
			Name:      "message_size_bytes",
			Help:      "Size of messages processed by peer sessions",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MB
		},
		[]string{"direction"}, // inbound, outbound
	)
)
