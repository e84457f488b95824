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

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Upgrader accepts incoming peer WebSocket connections on the sidecar's
// peer-facing endpoint and wraps each as a Session, mirroring
// pkg/agent/transport/websocket.WSServer's upgrade step but handing back
// an AEAD frame Session instead of dispatching JSON SecureMessages
// directly.
type Upgrader struct {
	ws websocket.Upgrader
}

// NewUpgrader builds an Upgrader with permissive origin checking, left to
// the surrounding HTTP server's own access controls (the peer-facing port
// is not exposed beyond the two configured peers).
func NewUpgrader() *Upgrader {
	return &Upgrader{
		ws: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Upgrade completes the WebSocket handshake and constructs a Session for
// the accepting side (initiator=false) of the connection, using the
// sharedSecret/salt already agreed during attestation.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, role Role, sharedSecret, salt []byte, opts ...Option) (*Session, error) {
	conn, err := u.ws.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	sess, err := NewSession(conn, role, false, sharedSecret, salt, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sess, nil
}
