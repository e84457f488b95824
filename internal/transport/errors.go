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

import "fmt"

// Kind tags an Error with the TransportError taxonomy from spec.md §7.
// Every Kind is session-terminal: the peer session manager tears the
// session down and re-runs attestation rather than trying to repair it.
type Kind string

const (
	KindReplay    Kind = "Replay"
	KindIntegrity Kind = "Integrity"
	KindOversize  Kind = "Oversize"
	KindIdle      Kind = "Idle"
)

// Error is a TransportError.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("TransportError::%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("TransportError::%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }
