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
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sage-x-project/challenge-sidecar/internal/signedhttp"
)

const signedRequestMaxSkew = 5 * time.Minute

// readSignedRequest verifies r's X-Signature/X-Timestamp/X-Nonce/
// X-Public-Key headers against signedhttp's canonical form and returns the
// caller's public key and body bytes, restoring r.Body so the caller's own
// handler can still decode it.
func readSignedRequest(r *http.Request) (ed25519.PublicKey, []byte, error) {
	sigB64 := r.Header.Get("X-Signature")
	tsStr := r.Header.Get("X-Timestamp")
	nonce := r.Header.Get("X-Nonce")
	pubB64 := r.Header.Get("X-Public-Key")
	if sigB64 == "" || tsStr == "" || nonce == "" || pubB64 == "" {
		return nil, nil, fmt.Errorf("missing signature headers")
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, nil, fmt.Errorf("decode X-Signature: %w", err)
	}
	pubRaw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return nil, nil, fmt.Errorf("decode X-Public-Key: %w", err)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("parse X-Timestamp: %w", err)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	pub := ed25519.PublicKey(pubRaw)
	if err := signedhttp.VerifySignature(pub, r.Method, r.URL.Path, body, ts, nonce, sig, signedRequestMaxSkew); err != nil {
		return nil, nil, err
	}
	return pub, body, nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":%q}`, msg)))
}
