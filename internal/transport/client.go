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

// Dial opens a peer's WebSocket endpoint as a client and wraps it as a
// Session for the dialing side (initiator=true), the counterpart of
// Upgrader.Upgrade. The runtime does not call it: it only accepts peer
// sessions through Upgrader after the /sdk/peer/handshake exchange.
func Dial(url string, header http.Header, role Role, sharedSecret, salt []byte, opts ...Option) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	sess, err := NewSession(conn, role, true, sharedSecret, salt, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sess, nil
}
