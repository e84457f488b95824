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

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Row is a single decoded record from a Select response: raw JSON scalars
// as the peer's ORM response encodes them (string, float64, bool, nil, or
// nested maps/slices for json/jsonb columns).
type Row = map[string]any

// Timestamp decodes row[column] into a pgtype.Timestamp. The peer encodes
// timestamp columns as RFC 3339 strings to survive the JSON round-trip.
func Timestamp(row Row, column string) (pgtype.Timestamp, error) {
	raw, ok := row[column]
	if !ok {
		return pgtype.Timestamp{}, fmt.Errorf("column %q not present in row", column)
	}
	s, ok := raw.(string)
	if !ok {
		return pgtype.Timestamp{}, fmt.Errorf("column %q is not a timestamp string", column)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return pgtype.Timestamp{}, fmt.Errorf("parse timestamp column %q: %w", column, err)
	}
	var ts pgtype.Timestamp
	if err := ts.Scan(t); err != nil {
		return pgtype.Timestamp{}, err
	}
	return ts, nil
}

// Numeric decodes row[column] into a pgtype.Numeric. The peer sends
// numeric/decimal columns as strings to avoid float64 precision loss, but
// a plain JSON number is also accepted.
func Numeric(row Row, column string) (pgtype.Numeric, error) {
	raw, ok := row[column]
	if !ok {
		return pgtype.Numeric{}, fmt.Errorf("column %q not present in row", column)
	}
	var s string
	switch v := raw.(type) {
	case string:
		s = v
	case float64:
		s = fmt.Sprintf("%v", v)
	default:
		return pgtype.Numeric{}, fmt.Errorf("column %q is not numeric", column)
	}
	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{}, fmt.Errorf("parse numeric column %q: %w", column, err)
	}
	return n, nil
}
