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

package orm

import "fmt"

// Kind tags an OrmError.
type Kind string

const (
	KindForbidden      Kind = "Forbidden"
	KindNoAdmin        Kind = "NoAdmin"
	KindUnsafeDelete   Kind = "UnsafeDelete"
	KindNotFound       Kind = "NotFound"
	KindConstraint     Kind = "Constraint"
	KindSyntaxRejected Kind = "SyntaxRejected"
	KindTimeout        Kind = "Timeout"
)

// Error is the ORM bridge's error taxonomy. Column is set when Kind is
// KindForbidden, naming the column the policy rejected.
type Error struct {
	Kind    Kind
	Column  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("OrmError::%s(%s): %s", e.Kind, e.Column, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("OrmError::%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("OrmError::%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }
