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

import (
	"encoding/json"
	"net/http"
	"strings"
)

// handlePublic serves /sdk/public/{name}: a bearer-token-mediated call
// into a registered PublicHandler. The token is the control plane's
// proof that a miner is authorized to invoke this particular endpoint for
// a particular job; handlePublic itself never talks to the control plane,
// it only verifies the token mediator.Verify hands it.
func (rt *Runtime) handlePublic(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/sdk/public/")
	if name == "" {
		writeJSONError(w, http.StatusNotFound, "missing public endpoint name")
		return
	}

	handler, ok := rt.registry.ResolvePublic(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no public handler registered for this name")
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	claims, err := rt.mediator.Verify(name, token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var payload map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	jobCtx := rt.buildHandlerContext(claims.JobID)
	result, err := handler(r.Context(), jobCtx, claims.AsMap(), payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
