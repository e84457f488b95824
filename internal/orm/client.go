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

// Package orm is the ORM bridge: handlers never touch a database driver
// directly, they call select/insert/update/delete through Client, which
// enforces the table/column Policy before marshalling a request, routes
// it to the peer session that speaks for the database (Admin for writes
// and DDL, Consumer preferred else Admin for reads), and matches the
// eventual response by correlation id. It generalizes registry/client.go's
// remote-resource-client shape (enforce, marshal, round-trip, demux by
// id) from agent-registry records to ORM rows.
package orm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sage-x-project/challenge-sidecar/internal/logger"
	"github.com/sage-x-project/challenge-sidecar/internal/metrics"
	"github.com/sage-x-project/challenge-sidecar/internal/peers"
)

const defaultRequestTimeout = 30 * time.Second

// Sender is the thin surface Client needs from a peer's transport
// session: enqueue an already-framed outbound payload. *transport.Session
// satisfies this.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// Router resolves which peer session should carry an ORM request. It is
// the thin slice of *peers.Manager the Client depends on, narrowed to
// Sender so tests can substitute a fake router without a real transport
// session.
type Router interface {
	Admin() (Sender, bool)
	PreferredReader() (Sender, bool)
}

// managerRouter adapts *peers.Manager to Router.
type managerRouter struct{ pm *peers.Manager }

func (r managerRouter) Admin() (Sender, bool) {
	s, ok := r.pm.Admin()
	if !ok {
		return nil, false
	}
	return s.Transport, true
}

func (r managerRouter) PreferredReader() (Sender, bool) {
	s, ok := r.pm.PreferredReader()
	if !ok {
		return nil, false
	}
	return s.Transport, true
}

// requestEnvelope is the wire shape of an outbound ORM request frame.
type requestEnvelope struct {
	Kind          string         `json:"kind"`
	CorrelationID string         `json:"correlation_id"`
	Op            string         `json:"op"`
	Table         string         `json:"table"`
	Columns       []string       `json:"columns,omitempty"`
	Filters       map[string]any `json:"filters,omitempty"`
	Values        map[string]any `json:"values,omitempty"`
	Set           map[string]any `json:"set,omitempty"`
	Limit         *int           `json:"limit,omitempty"`
}

// wireError is the wire shape of a response's error, 1:1 with Kind.
type wireError struct {
	Kind    string `json:"kind"`
	Column  string `json:"column,omitempty"`
	Message string `json:"message"`
}

// responseEnvelope is the wire shape of an inbound ORM response frame.
type responseEnvelope struct {
	Kind          string           `json:"kind"`
	CorrelationID string           `json:"correlation_id"`
	Rows          []map[string]any `json:"rows,omitempty"`
	Error         *wireError       `json:"error,omitempty"`
}

// Client is the handler-facing ORM bridge.
type Client struct {
	peers          Router
	policy         *Policy
	pending        sync.Map // correlation id -> chan responseEnvelope
	requestTimeout time.Duration
}

// NewClient builds a Client routing through pm and enforcing policy.
func NewClient(pm *peers.Manager, policy *Policy) *Client {
	return &Client{peers: managerRouter{pm: pm}, policy: policy, requestTimeout: defaultRequestTimeout}
}

// Deliver feeds an inbound frame payload to the Client's response demux.
// Payloads that are not an orm.response envelope are ignored, so a shared
// per-session dispatcher can offer every inbound frame to every bridge
// without pre-classifying it. A response whose correlation id has no
// matching pending request (already answered, or retired by caller
// cancellation) is discarded with a warning rather than delivered late.
func (c *Client) Deliver(payload []byte) {
	var env responseEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Kind != "orm.response" {
		return
	}
	v, ok := c.pending.LoadAndDelete(env.CorrelationID)
	if !ok {
		logger.Warn("discarding unmatched orm response", logger.String("correlation_id", env.CorrelationID))
		return
	}
	v.(chan responseEnvelope) <- env
}

func (c *Client) doRequest(ctx context.Context, sender Sender, env requestEnvelope) (*responseEnvelope, error) {
	correlationID := uuid.NewString()
	env.CorrelationID = correlationID
	ch := make(chan responseEnvelope, 1)
	c.pending.Store(correlationID, ch)
	defer c.pending.Delete(correlationID) // retire on every exit path; a late Deliver then finds nothing and discards

	wire, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal orm request: %w", err)
	}
	if err := sender.Send(ctx, wire); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return &resp, nil
	case <-ctx.Done():
		return nil, &Error{Kind: KindTimeout, Message: "orm request cancelled", Cause: ctx.Err()}
	}
}

func wireErrToOrmError(we *wireError) error {
	return &Error{Kind: Kind(we.Kind), Column: we.Column, Message: we.Message}
}

func recordDenial(op, table string) {
	metrics.ORMPolicyDenials.WithLabelValues(op, table).Inc()
}

func (c *Client) timed(op, table string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.ORMCallDuration.WithLabelValues(op, table).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ORMCallsTotal.WithLabelValues(op, table, status).Inc()
	return err
}

// Select performs a policy-enforced read, routed to the Consumer session
// when one is active, else the Admin session.
func (c *Client) Select(ctx context.Context, table string, columns []string, filters map[string]any, limit *int) ([]map[string]any, error) {
	if err := c.policy.CheckRead(table, columns); err != nil {
		recordDenial("select", table)
		return nil, err
	}
	var rows []map[string]any
	err := c.timed("select", table, func() error {
		reader, ok := c.peers.PreferredReader()
		if !ok {
			return &Error{Kind: KindNoAdmin, Message: "no peer session available to serve reads"}
		}
		resp, err := c.doRequest(ctx, reader, requestEnvelope{Kind: "orm.request", Op: "select", Table: table, Columns: columns, Filters: filters, Limit: limit})
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return wireErrToOrmError(resp.Error)
		}
		rows = resp.Rows
		return nil
	})
	return rows, err
}

// Insert performs a policy-enforced write, Admin-only.
func (c *Client) Insert(ctx context.Context, table string, values map[string]any) error {
	columns := columnsOf(values)
	if err := c.policy.CheckInsert(table, columns); err != nil {
		recordDenial("insert", table)
		return err
	}
	return c.timed("insert", table, func() error {
		admin, ok := c.peers.Admin()
		if !ok {
			return &Error{Kind: KindNoAdmin, Message: "insert requires an active Admin session"}
		}
		resp, err := c.doRequest(ctx, admin, requestEnvelope{Kind: "orm.request", Op: "insert", Table: table, Values: values})
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return wireErrToOrmError(resp.Error)
		}
		return nil
	})
}

// Update performs a policy-enforced write, Admin-only.
func (c *Client) Update(ctx context.Context, table string, set map[string]any, filters map[string]any) error {
	columns := columnsOf(set)
	if err := c.policy.CheckUpdate(table, columns); err != nil {
		recordDenial("update", table)
		return err
	}
	return c.timed("update", table, func() error {
		admin, ok := c.peers.Admin()
		if !ok {
			return &Error{Kind: KindNoAdmin, Message: "update requires an active Admin session"}
		}
		resp, err := c.doRequest(ctx, admin, requestEnvelope{Kind: "orm.request", Op: "update", Table: table, Set: set, Filters: filters})
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return wireErrToOrmError(resp.Error)
		}
		return nil
	})
}

// Delete performs a policy-enforced write, Admin-only. A delete with an
// empty filter is rejected by Policy before any peer is consulted.
func (c *Client) Delete(ctx context.Context, table string, filters map[string]any) error {
	if err := c.policy.CheckDelete(table, filters); err != nil {
		recordDenial("delete", table)
		return err
	}
	return c.timed("delete", table, func() error {
		admin, ok := c.peers.Admin()
		if !ok {
			return &Error{Kind: KindNoAdmin, Message: "delete requires an active Admin session"}
		}
		resp, err := c.doRequest(ctx, admin, requestEnvelope{Kind: "orm.request", Op: "delete", Table: table, Filters: filters})
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return wireErrToOrmError(resp.Error)
		}
		return nil
	})
}

func columnsOf(m map[string]any) []string {
	columns := make([]string, 0, len(m))
	for k := range m {
		columns = append(columns, k)
	}
	return columns
}
