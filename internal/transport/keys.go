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

package transport

import "github.com/sage-x-project/challenge-sidecar/internal/cryptoprim"

const sessionKeySize = 32

// Role identifies which peer a Session terminates: the admin control
// plane or the evaluation consumer. It is fixed for the session's
// lifetime and tags every frame's AAD so the two peer sessions a process
// holds concurrently can never be confused with one another even if a
// shared secret were ever reused.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleConsumer Role = "consumer"
)

func (r Role) byte() byte {
	if r == RoleAdmin {
		return 'A'
	}
	return 'C'
}

// DeriveDirectionalKeys derives the two per-direction AEAD keys both
// peers compute independently from the X25519 ECDH shared secret and the
// random salt exchanged during the handshake, via HKDF-SHA256 — the same
// salted-HKDF split core/session.NewSecureSessionFromHandshake uses to
// bind a session key to its handshake transcript, specialized here into
// one key per direction instead of one key for both.
//
// initiator must be true for the side that dialed the WebSocket
// connection and false for the side that accepted it, so the two sides
// agree on which derived key seals which direction without exchanging
// anything beyond sharedSecret and salt.
func DeriveDirectionalKeys(sharedSecret, salt []byte, initiator bool) (sendKey, recvKey []byte, err error) {
	aToB, err := cryptoprim.HKDF(salt, sharedSecret, []byte("challenge-sidecar transport a->b"), sessionKeySize)
	if err != nil {
		return nil, nil, err
	}
	bToA, err := cryptoprim.HKDF(salt, sharedSecret, []byte("challenge-sidecar transport b->a"), sessionKeySize)
	if err != nil {
		return nil, nil, err
	}
	if initiator {
		return aToB, bToA, nil
	}
	return bToA, aToB, nil
}
