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
)

// handleWeights serves /sdk/weights: a signed GET invoking the
// registered on_weights hook, if any. Any caller holding a long-term
// Ed25519 key can sign the request; on_weights returns a document
// intended for either configured peer to read, so no further role check
// is applied beyond the signature itself.
func (rt *Runtime) handleWeights(w http.ResponseWriter, r *http.Request) {
	if _, _, err := readSignedRequest(r); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	onWeights, ok := rt.registry.Weights()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no on_weights handler registered")
		return
	}

	doc, err := onWeights(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}
