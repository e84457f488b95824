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

// Package peers maintains the at-most-one-session-per-role invariant
// over transport.Session connections and enforces the role-based message
// admission rules: which PeerRole may send which kind of frame. It is the
// generalization of core/session.Manager's map-of-sessions-plus-mutex
// idiom from session-ID keys to the two fixed PeerRole keys this runtime
// actually has.
package peers

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sage-x-project/challenge-sidecar/internal/logger"
	"github.com/sage-x-project/challenge-sidecar/internal/metrics"
	"github.com/sage-x-project/challenge-sidecar/internal/transport"
)

// MessageKind names the admission-controlled message kinds spec.md §4.5
// lists by name.
type MessageKind string

const (
	MsgMigrationsApply MessageKind = "migrations.apply"
	MsgOrmWrite        MessageKind = "orm.write"
	MsgOrmDDL          MessageKind = "orm.ddl"
	MsgOrmRead         MessageKind = "orm.read"
	MsgJobExecute      MessageKind = "job.execute"
	MsgCredentialsSeal MessageKind = "credentials.seal"
)

// Kind tags an admission-rejection Error.
type Kind string

const (
	KindRoleRejected  Kind = "RoleRejected"
	KindAlreadySealed Kind = "AlreadySealed"
)

// Error is a peer-admission rejection.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("PeerError::%s: %s", e.Kind, e.Message) }

// PeerSession pairs an admitted transport.Session with the bookkeeping
// the Manager needs to report duration metrics on teardown.
type PeerSession struct {
	Role          transport.Role
	Transport     *transport.Session
	EstablishedAt time.Time
}

// Manager holds at most one PeerSession per role and enforces admission
// rules for inbound message kinds. Exactly one session of each role may
// be active; admitting a second session of an already-occupied role
// displaces (closes) the previous one, per spec.md §4.2's PeerRole
// invariant.
type Manager struct {
	mu                sync.Mutex
	sessions          map[transport.Role]*PeerSession
	credentialsSealed bool
}

// NewManager builds an empty peer session table.
func NewManager() *Manager {
	return &Manager{sessions: make(map[transport.Role]*PeerSession)}
}

// Admit installs sess as the active session for role. Any existing
// session of the same role is closed and reported as displaced. Admit
// spawns a goroutine that watches sess for terminal teardown and removes
// it from the table automatically, so callers never need to call Remove
// themselves for ordinary session death (idle, replay, integrity).
func (m *Manager) Admit(role transport.Role, sess *transport.Session) {
	m.mu.Lock()
	prev := m.sessions[role]
	m.sessions[role] = &PeerSession{Role: role, Transport: sess, EstablishedAt: time.Now()}
	m.mu.Unlock()

	status := "success"
	if prev != nil {
		status = "displaced"
		prev.Transport.Close()
		logger.Info("peer session displaced", logger.String("role", string(role)))
	}
	metrics.PeerSessionsCreated.WithLabelValues(string(role), status).Inc()
	m.refreshActiveGauge(role)

	go func() {
		<-sess.Done()
		m.remove(role, sess)
	}()
}

func (m *Manager) remove(role transport.Role, sess *transport.Session) {
	m.mu.Lock()
	cur, ok := m.sessions[role]
	if ok && cur.Transport == sess {
		delete(m.sessions, role)
	} else {
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return // already displaced by a newer session; don't double-count
	}

	err := sess.Err()
	var terr *transport.Error
	if errors.As(err, &terr) && terr.Kind == transport.KindIdle {
		metrics.PeerSessionsExpired.Inc()
	} else {
		metrics.PeerSessionsClosed.Inc()
	}
	metrics.PeerSessionDuration.WithLabelValues(string(role)).Observe(time.Since(cur.EstablishedAt).Seconds())
	m.refreshActiveGauge(role)
	logger.Warn("peer session terminated", logger.String("role", string(role)), logger.Error(err))
}

func (m *Manager) refreshActiveGauge(role transport.Role) {
	m.mu.Lock()
	_, ok := m.sessions[role]
	m.mu.Unlock()
	v := 0.0
	if ok {
		v = 1.0
	}
	metrics.PeerSessionsActive.WithLabelValues(string(role)).Set(v)
}

// Get returns the currently active session for role, if any.
func (m *Manager) Get(role transport.Role) (*PeerSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[role]
	return s, ok
}

// Admin returns the active Admin session, if any.
func (m *Manager) Admin() (*PeerSession, bool) { return m.Get(transport.RoleAdmin) }

// Consumer returns the active Consumer session, if any.
func (m *Manager) Consumer() (*PeerSession, bool) { return m.Get(transport.RoleConsumer) }

// PreferredReader returns the session ORM reads should route to: Consumer
// when present for load isolation, else Admin, per spec.md §4.6.
func (m *Manager) PreferredReader() (*PeerSession, bool) {
	if s, ok := m.Consumer(); ok {
		return s, true
	}
	return m.Admin()
}

// CheckAdmission enforces spec.md §4.5's role-based message admission
// rules. It does not consume credentials.seal's once-per-process gate;
// call MarkCredentialsSealed after a successful seal.
func (m *Manager) CheckAdmission(kind MessageKind, role transport.Role) error {
	switch kind {
	case MsgMigrationsApply, MsgOrmWrite, MsgOrmDDL:
		if role != transport.RoleAdmin {
			return &Error{Kind: KindRoleRejected, Message: fmt.Sprintf("%s requires Admin, got %s", kind, role)}
		}
	case MsgJobExecute:
		if role != transport.RoleConsumer {
			return &Error{Kind: KindRoleRejected, Message: fmt.Sprintf("%s requires Consumer, got %s", kind, role)}
		}
	case MsgCredentialsSeal:
		if role != transport.RoleAdmin {
			return &Error{Kind: KindRoleRejected, Message: "credentials.seal requires Admin"}
		}
		m.mu.Lock()
		already := m.credentialsSealed
		m.mu.Unlock()
		if already {
			return &Error{Kind: KindAlreadySealed, Message: "credentials already sealed for this process"}
		}
	case MsgOrmRead:
		// accepted from either role
	}
	return nil
}

// MarkCredentialsSealed records that credentials.seal has been consumed,
// closing the gate until AllowCredentialsReseal is called.
func (m *Manager) MarkCredentialsSealed() {
	m.mu.Lock()
	m.credentialsSealed = true
	m.mu.Unlock()
}

// AllowCredentialsReseal reopens the credentials.seal gate when the
// orchestrator explicitly re-requests sealed credentials.
func (m *Manager) AllowCredentialsReseal() {
	m.mu.Lock()
	m.credentialsSealed = false
	m.mu.Unlock()
}

// Close tears down every active session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*PeerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Transport.Close()
	}
}
