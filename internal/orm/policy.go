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
	"sync"
)

// TablePolicy is the per-table column allowlist and delete gate a
// TablePolicy set enforces. Zero value denies everything.
type TablePolicy struct {
	ReadColumns   map[string]bool
	InsertColumns map[string]bool
	UpdateColumns map[string]bool
	DeleteAllowed bool
}

// Policy is the write-once ORMPolicy: default-deny until Apply is called
// once during on_ready, after which it is read-only for the lifetime of
// the process.
type Policy struct {
	mu      sync.RWMutex
	tables  map[string]TablePolicy
	applied bool
}

// NewPolicy returns a policy that denies every table until Apply is called.
func NewPolicy() *Policy {
	return &Policy{tables: make(map[string]TablePolicy)}
}

// Apply installs tables as the policy. It may be called exactly once;
// subsequent calls fail so a handler cannot loosen its own access after
// startup.
func (p *Policy) Apply(tables map[string]TablePolicy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applied {
		return fmt.Errorf("orm policy already applied")
	}
	p.tables = tables
	p.applied = true
	return nil
}

func (p *Policy) checkColumns(table string, columns []string, pick func(TablePolicy) map[string]bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tp, ok := p.tables[table]
	allowed := pick(tp)
	for _, c := range columns {
		if !ok || !allowed[c] {
			return &Error{Kind: KindForbidden, Column: c, Message: fmt.Sprintf("column %q not permitted on table %q", c, table)}
		}
	}
	return nil
}

// CheckRead enforces the read-column allowlist.
func (p *Policy) CheckRead(table string, columns []string) error {
	return p.checkColumns(table, columns, func(tp TablePolicy) map[string]bool { return tp.ReadColumns })
}

// CheckInsert enforces the insert-column allowlist.
func (p *Policy) CheckInsert(table string, columns []string) error {
	return p.checkColumns(table, columns, func(tp TablePolicy) map[string]bool { return tp.InsertColumns })
}

// CheckUpdate enforces the update-column allowlist.
func (p *Policy) CheckUpdate(table string, columns []string) error {
	return p.checkColumns(table, columns, func(tp TablePolicy) map[string]bool { return tp.UpdateColumns })
}

// CheckDelete enforces the non-empty-filter invariant and the per-table
// delete gate. An empty filter is rejected before the table is even
// consulted: an unfiltered delete is unsafe regardless of policy.
func (p *Policy) CheckDelete(table string, filters map[string]any) error {
	if len(filters) == 0 {
		return &Error{Kind: KindUnsafeDelete, Message: fmt.Sprintf("delete on %q requires a non-empty filter", table)}
	}
	p.mu.RLock()
	tp, ok := p.tables[table]
	p.mu.RUnlock()
	if !ok || !tp.DeleteAllowed {
		return &Error{Kind: KindForbidden, Message: fmt.Sprintf("delete not permitted on %q", table)}
	}
	return nil
}
