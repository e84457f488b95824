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

// Package lifecycle drives the orchestrator's state machine:
// Init -> Startup -> AwaitingAdmin -> Migrating -> Ready -> Serving ->
// Draining -> Terminated, per spec.md §4.9. It gates job admission on
// the current state, enforces the migration-version bound, and
// implements the one non-monotone exception the spec allows: Serving
// pauses back to AwaitingAdmin when Admin drops and a handler attempts a
// write, while read-only serving against the last-known ORM policy
// continues uninterrupted. This generalizes did/manager.go's
// coarse state-guarded operation pattern (registration status checked
// before allowing an operation) from DID registration status to
// lifecycle-state gating, and core/handshake/server.go's
// pendingState map+mutex idiom for tracking the single outstanding
// credentials.seal request this runtime waits on during AwaitingAdmin.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sage-x-project/challenge-sidecar/internal/handlers"
	"github.com/sage-x-project/challenge-sidecar/internal/logger"
	"github.com/sage-x-project/challenge-sidecar/internal/metrics"
)

// State is one of the eight lifecycle states from spec.md §3.
type State string

const (
	StateInit          State = "Init"
	StateStartup       State = "Startup"
	StateAwaitingAdmin State = "AwaitingAdmin"
	StateMigrating     State = "Migrating"
	StateReady         State = "Ready"
	StateServing       State = "Serving"
	StateDraining      State = "Draining"
	StateTerminated    State = "Terminated"
)

// Kind tags a ConfigError raised by the orchestrator itself (as opposed
// to config file parsing errors, see package config).
type Kind string

const (
	KindDbVersion    Kind = "DbVersion"
	KindInsecureMode Kind = "InsecureMode"
)

// Error is a ConfigError: invalid or missing configuration, terminal to
// the process.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("ConfigError::%s: %s", e.Kind, e.Message) }

const (
	minDbVersion = 1
	maxDbVersion = 16
	// DefaultDrainTimeout bounds how long Drain waits for in-flight jobs
	// before forcing Terminated.
	DefaultDrainTimeout = 30 * time.Second
)

// Config configures an Orchestrator's fixed, validate-once parameters.
type Config struct {
	DbVersion          int
	DevMode            bool
	AllowInsecureAdmin bool
	DrainTimeout       time.Duration
}

// Orchestrator owns the lifecycle State and the bookkeeping needed to
// gate transitions: whether Admin is currently connected, whether
// credentials have been sealed this process, whether migrations for the
// configured version have been applied, and a count of in-flight jobs
// for Drain to wait on.
type Orchestrator struct {
	mu    sync.Mutex
	state State
	cfg   Config

	registry *handlers.Registry

	adminConnected    bool
	credentialsSealed bool
	migrationsApplied bool

	inFlightJobs int
	drainedCh    chan struct{}

	subscribers []chan State
}

// New validates cfg and returns an Orchestrator in StateInit. A
// db_version outside [1,16] is a fatal ConfigError, per spec.md §4.9.
func New(cfg Config, registry *handlers.Registry) (*Orchestrator, error) {
	if cfg.DbVersion < minDbVersion || cfg.DbVersion > maxDbVersion {
		return nil, &Error{Kind: KindDbVersion, Message: fmt.Sprintf("db_version %d outside [%d,%d]", cfg.DbVersion, minDbVersion, maxDbVersion)}
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Orchestrator{state: StateInit, cfg: cfg, registry: registry}, nil
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe returns a channel that receives subsequent state
// transitions. The channel is buffered (8 entries); once it is full,
// further transitions are dropped for that subscriber, so a slow reader
// never blocks a transition.
func (o *Orchestrator) Subscribe() <-chan State {
	ch := make(chan State, 8)
	o.mu.Lock()
	o.subscribers = append(o.subscribers, ch)
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) setState(s State) {
	o.state = s
	metrics.LifecycleState.Set(float64(stateOrdinal(s)))
	logger.Info("lifecycle state transition", logger.String("state", string(s)))
	for _, ch := range o.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
}

func stateOrdinal(s State) int {
	switch s {
	case StateInit:
		return 0
	case StateStartup:
		return 1
	case StateAwaitingAdmin:
		return 2
	case StateMigrating:
		return 3
	case StateReady:
		return 4
	case StateServing:
		return 5
	case StateDraining:
		return 6
	case StateTerminated:
		return 7
	default:
		return -1
	}
}

// RunStartup runs the registered on_startup hook (if any) and
// transitions Init -> Startup -> AwaitingAdmin. Per spec.md §4.9,
// on_startup runs before any peer connection is accepted; callers must
// not start the peer-facing listener until this returns.
func (o *Orchestrator) RunStartup(ctx context.Context) error {
	o.mu.Lock()
	o.setState(StateStartup)
	o.mu.Unlock()

	if hook, ok := o.registry.Startup(); ok {
		if err := hook(ctx); err != nil {
			return fmt.Errorf("on_startup: %w", err)
		}
	}

	o.mu.Lock()
	o.setState(StateAwaitingAdmin)
	o.mu.Unlock()
	return nil
}

// NotifyAdminConnected records that an Admin peer session is active and
// advances AwaitingAdmin -> Migrating once credentials have also been
// sealed. Calling this while dev mode is enabled is only permitted when
// AllowInsecureAdmin was explicitly set, per spec.md §9's Dev mode rule
// that this runtime must refuse to enter Serving with an Admin peer
// under dev mode otherwise; the refusal is enforced here so an insecure
// configuration can never progress the state machine at all.
func (o *Orchestrator) NotifyAdminConnected() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg.DevMode && !o.cfg.AllowInsecureAdmin {
		return &Error{Kind: KindInsecureMode, Message: "refusing Admin session under dev mode without --allow-insecure-admin"}
	}
	o.adminConnected = true
	o.maybeAdvanceToMigrating()
	return nil
}

// NotifyAdminDisconnected records Admin's departure. Per spec.md §4.9,
// this alone does not move Serving back to AwaitingAdmin; only a
// subsequent write attempt does, via NotifyWriteAttempted.
func (o *Orchestrator) NotifyAdminDisconnected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.adminConnected = false
}

// NotifyCredentialsSealed records that credentials.seal has been
// received and advances AwaitingAdmin -> Migrating once Admin is also
// connected.
func (o *Orchestrator) NotifyCredentialsSealed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.credentialsSealed = true
	o.maybeAdvanceToMigrating()
}

func (o *Orchestrator) maybeAdvanceToMigrating() {
	if o.state == StateAwaitingAdmin && o.adminConnected && o.credentialsSealed {
		o.setState(StateMigrating)
	}
}

// MarkMigrationsApplied records that every migration for the configured
// version has run and advances Migrating -> Ready.
func (o *Orchestrator) MarkMigrationsApplied() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateMigrating {
		return fmt.Errorf("lifecycle: migrations reported complete in state %s, expected %s", o.state, StateMigrating)
	}
	o.migrationsApplied = true
	o.setState(StateReady)
	return nil
}

// RunReady runs the registered on_ready hook (if any) and transitions
// Ready -> Serving. The handler registry should be sealed immediately
// before this call, matching spec.md §4.7's "effectively immutable after
// run()".
func (o *Orchestrator) RunReady(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateReady {
		o.mu.Unlock()
		return fmt.Errorf("lifecycle: RunReady called in state %s, expected %s", o.state, StateReady)
	}
	o.mu.Unlock()

	if hook, ok := o.registry.Ready(); ok {
		if err := hook(ctx); err != nil {
			return fmt.Errorf("on_ready: %w", err)
		}
	}

	o.mu.Lock()
	o.setState(StateServing)
	o.mu.Unlock()
	return nil
}

// NotifyWriteAttempted implements spec.md §4.9's "On Admin disconnect
// during Serving, the orchestrator transitions to AwaitingAdmin only if
// it receives a write from a handler" rule: it pauses mutating traffic
// the moment a write is attempted without an Admin session, while reads
// already in flight are unaffected.
func (o *Orchestrator) NotifyWriteAttempted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateServing && !o.adminConnected {
		o.setState(StateAwaitingAdmin)
	}
}

// NotifyAdminReconnected resumes Serving from AwaitingAdmin once Admin
// reconnects after a write-triggered pause. Outside that specific pause
// it only records that Admin is connected and changes no state,
// including during the original Startup-time
// AwaitingAdmin (which instead needs credentials.seal to reach
// Migrating).
func (o *Orchestrator) NotifyAdminReconnected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.adminConnected = true
	if o.state == StateAwaitingAdmin && o.migrationsApplied {
		o.setState(StateServing)
	}
}

// AllowJob returns JobError::NotReady unless the orchestrator is
// currently Serving, per spec.md §4.9 and testable property 9. It also
// increments the in-flight job counter Drain waits on; callers must
// call JobDone when the job completes, including on early rejection.
func (o *Orchestrator) AllowJob() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateServing {
		return &handlers.Error{Kind: handlers.KindNotReady, Message: fmt.Sprintf("not serving: state=%s", o.state)}
	}
	o.inFlightJobs++
	return nil
}

// JobDone decrements the in-flight job counter and signals Drain if it
// is waiting for the count to reach zero.
func (o *Orchestrator) JobDone() {
	o.mu.Lock()
	o.inFlightJobs--
	n := o.inFlightJobs
	drained := o.drainedCh
	o.mu.Unlock()
	if n <= 0 && drained != nil {
		select {
		case drained <- struct{}{}:
		default:
		}
	}
}

// Drain transitions Serving or AwaitingAdmin into Draining, waits for
// in-flight jobs to reach zero (or ctx/DrainTimeout to elapse, whichever
// first), and finally transitions to Terminated.
func (o *Orchestrator) Drain(ctx context.Context) {
	o.mu.Lock()
	if o.state == StateTerminated || o.state == StateDraining {
		o.mu.Unlock()
		return
	}
	o.setState(StateDraining)
	drained := make(chan struct{}, 1)
	o.drainedCh = drained
	remaining := o.inFlightJobs
	o.mu.Unlock()

	if remaining > 0 {
		timeout := time.NewTimer(o.cfg.DrainTimeout)
		defer timeout.Stop()
		select {
		case <-drained:
		case <-timeout.C:
			logger.Warn("drain deadline reached with jobs still in flight", logger.Int("remaining", remaining))
		case <-ctx.Done():
		}
	}

	o.mu.Lock()
	o.setState(StateTerminated)
	o.mu.Unlock()
}
