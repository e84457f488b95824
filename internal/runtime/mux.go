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

package runtime

import "net/http"

// mux builds the sidecar's peer-facing HTTP route table: health is
// unauthenticated, weights and admin credentials require a signed
// request, public endpoints are mediated by bearer token, and the peer
// routes bridge attestation into a websocket upgrade.
func (rt *Runtime) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/sdk/health", rt.health.Handler())
	mux.HandleFunc("/sdk/weights", rt.handleWeights)
	mux.HandleFunc("/sdk/public/", rt.handlePublic)
	mux.HandleFunc("/sdk/admin/db/credentials", rt.handleAdminCredentials)
	mux.HandleFunc("/sdk/peer/handshake", rt.handleHandshake)
	mux.HandleFunc("/sdk/peer/ws", rt.handleWS)
	return mux
}
