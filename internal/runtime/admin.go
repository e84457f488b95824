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
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sage-x-project/challenge-sidecar/internal/cryptoprim"
	"github.com/sage-x-project/challenge-sidecar/internal/logger"
	"github.com/sage-x-project/challenge-sidecar/internal/peers"
	"github.com/sage-x-project/challenge-sidecar/internal/transport"
)

// sealedCredentialsInfo is the SealedOpen/SealedSeal binding string for
// the DB credentials channel, analogous to transport/keys.go's fixed
// per-direction HKDF info strings.
var sealedCredentialsInfo = []byte("challenge-sidecar db credentials")

var errMalformedSealedDSN = errors.New("failed to decrypt sealed_dsn")

type credentialsRequest struct {
	SealedDSN string `json:"sealed_dsn"`
}

// handleAdminCredentials serves /sdk/admin/db/credentials: a signed POST
// from Admin carrying the database DSN sealed to this process's X25519
// key (derived from its long-term Ed25519 identity). The signer must
// match the Admin public key recorded at peer handshake; a caller that
// connected over websocket as Admin but whose HTTP signature doesn't
// match that key is rejected the same as an unrecognized caller.
func (rt *Runtime) handleAdminCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	pub, body, err := readSignedRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}
	adminPub := rt.mediator.AdminPublicKey()
	if len(adminPub) == 0 || !bytes.Equal(pub, adminPub) {
		writeJSONError(w, http.StatusForbidden, "caller is not the connected Admin")
		return
	}
	if err := rt.peersMgr.CheckAdmission(peers.MsgCredentialsSeal, transport.RoleAdmin); err != nil {
		writeJSONError(w, http.StatusConflict, err.Error())
		return
	}

	var req credentialsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed credentials request")
		return
	}

	// Admin may redeliver credentials.seal if it doesn't observe our
	// response (lost connection, retry). singleflight collapses any
	// concurrent redeliveries into the single decrypt-and-store below
	// instead of racing multiple goroutines on rt.cfg.DbDSN; every
	// concurrent caller gets the same outcome.
	_, err = rt.credentialsSeal.Do("credentials.seal", func() (interface{}, error) {
		return nil, rt.sealCredentials(req.SealedDSN)
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"sealed"}`))
}

// sealCredentials decrypts sealedDSN and installs it as the runtime's
// database DSN. Only ever called from inside rt.credentialsSeal.Do.
func (rt *Runtime) sealCredentials(sealedDSN string) error {
	ciphertext, err := base64.StdEncoding.DecodeString(sealedDSN)
	if err != nil {
		return errMalformedSealedDSN
	}

	boxPriv, _, err := rt.id.DeriveSealedBoxKey()
	if err != nil {
		return err
	}
	plaintext, err := cryptoprim.SealedOpen(boxPriv, sealedCredentialsInfo, ciphertext)
	if err != nil {
		logger.Warn("failed to open sealed db credentials", logger.Error(err))
		return errMalformedSealedDSN
	}

	rt.cfg.DbDSN = string(plaintext)
	rt.peersMgr.MarkCredentialsSealed()
	rt.orchestrator.NotifyCredentialsSealed()
	return nil
}
