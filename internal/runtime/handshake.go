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
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/sage-x-project/challenge-sidecar/internal/cryptoprim"
	"github.com/sage-x-project/challenge-sidecar/internal/identity"
	"github.com/sage-x-project/challenge-sidecar/internal/logger"
	"github.com/sage-x-project/challenge-sidecar/internal/transport"
)

// handshakeRequest is the body a connecting peer POSTs to
// /sdk/peer/handshake?role=admin|consumer: its own signed attestation
// envelope, binding its long-term Ed25519 identity to a fresh X25519
// ephemeral key.
type handshakeRequest struct {
	Envelope identity.AttestationEnvelope `json:"envelope"`
}

// handshakeResponse carries the sidecar's own attestation envelope back to
// the peer, plus the HKDF salt and an opaque token the peer must present
// at /sdk/peer/ws to complete the upgrade. transport.Upgrader.Upgrade
// requires its shared secret and salt already agreed before the
// websocket handshake begins, so this exchange has to happen over a
// preceding plain HTTP round trip rather than inside the upgrade itself.
type handshakeResponse struct {
	Envelope *identity.AttestationEnvelope `json:"envelope"`
	Salt     string                        `json:"salt"`
	Token    string                        `json:"handshake_token"`
}

// handleHandshake verifies a connecting peer's attestation envelope,
// builds and signs the sidecar's own, derives a shared secret over ECDH
// against the peer's ephemeral X25519 key, and stashes the resulting
// (shared secret, salt, peer identity) behind a short-lived token for the
// subsequent /sdk/peer/ws upgrade to pick up.
func (rt *Runtime) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	role := transport.Role(r.URL.Query().Get("role"))
	if role != transport.RoleAdmin && role != transport.RoleConsumer {
		writeJSONError(w, http.StatusBadRequest, "role must be admin or consumer")
		return
	}

	var req handshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed handshake request")
		return
	}
	if err := req.Envelope.Verify(); err != nil {
		logger.Warn("peer attestation envelope rejected", logger.String("role", string(role)), logger.Error(err))
		writeJSONError(w, http.StatusUnauthorized, "attestation envelope rejected")
		return
	}

	ownEph, err := identity.NewEphemeralKeyPair()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to generate ephemeral key")
		return
	}

	nonceRaw, err := cryptoprim.RandomBytes(32)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to generate nonce")
		return
	}
	var nonce [32]byte
	copy(nonce[:], nonceRaw)

	reportData := identity.ReportData(rt.id.PublicKey(), ownEph.PublicKey(), nonce)
	quote, eventLog, err := rt.quotes.Quote(r.Context(), reportData)
	if err != nil {
		logger.Warn("quote unavailable for handshake", logger.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "quote unavailable")
		return
	}

	ownEnvelope, err := identity.BuildEnvelope(rt.id, ownEph.PublicKey(), nonce, quote, eventLog)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to build attestation envelope")
		return
	}

	sharedSecret, err := cryptoprim.DH(ownEph.PrivateKey(), req.Envelope.X25519Pub)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to derive shared secret")
		return
	}
	salt, err := cryptoprim.RandomBytes(32)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to generate salt")
		return
	}
	tokenRaw, err := cryptoprim.RandomBytes(16)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to generate handshake token")
		return
	}
	token := base64.RawURLEncoding.EncodeToString(tokenRaw)

	rt.handshakes.put(token, &pendingHandshake{
		role:         role,
		sharedSecret: sharedSecret,
		salt:         salt,
		peerPub:      req.Envelope.Ed25519Pub,
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(handshakeResponse{
		Envelope: ownEnvelope,
		Salt:     base64.StdEncoding.EncodeToString(salt),
		Token:    token,
	})
}

// handleWS completes the websocket upgrade for a handshake token minted
// by handleHandshake, admits the resulting session into the peer table,
// and (for an Admin session) records its long-term public key with the
// mediator and notifies the lifecycle orchestrator.
func (rt *Runtime) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	pending, ok := rt.handshakes.take(token)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "unknown or expired handshake token")
		return
	}

	sess, err := rt.upgrader.Upgrade(w, r, pending.role, pending.sharedSecret, pending.salt)
	if err != nil {
		logger.Warn("peer websocket upgrade failed", logger.String("role", string(pending.role)), logger.Error(err))
		return
	}
	rt.peersMgr.Admit(pending.role, sess)

	if pending.role == transport.RoleAdmin {
		rt.mediator.SetAdminPublicKey(pending.peerPub)
		if err := rt.orchestrator.NotifyAdminConnected(); err != nil {
			logger.Warn("admin connect refused", logger.Error(err))
			sess.Close()
			return
		}
	}

	go rt.dispatchLoop(pending.role, sess)
}
