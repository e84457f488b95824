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

// Package handlers is the registry user-authored evaluation code lives
// behind: four lifecycle singletons, named job handlers plus an optional
// default, and public-endpoint handlers by name. The core never
// interprets handler bodies; it only resolves a name to a registered
// handler and invokes it with an injected Context. This generalizes
// pkg/agent/handshake/types.go's Events-interface-of-callbacks idiom from
// a fixed set of handshake phases to an open, name-keyed set of job and
// endpoint callbacks.
package handlers

import (
	"context"
	"fmt"

	"github.com/sage-x-project/challenge-sidecar/internal/orm"
	"github.com/sage-x-project/challenge-sidecar/internal/signedhttp"
)

// Kind tags a JobError.
type Kind string

const (
	KindNoHandler     Kind = "NoHandler"
	KindNotReady      Kind = "NotReady"
	KindInvalidResult Kind = "InvalidResult"
	KindTimeout       Kind = "Timeout"
)

// Error is the JobError taxonomy, surfaced to the Consumer in the reply
// frame and never fatal to the process.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("JobError::%s: %s", e.Kind, e.Message) }

// ExecutionMode selects which invocation path the executor uses for a
// handler: Async handlers are expected to suspend cooperatively and run
// directly on the runtime's task scheduler; Blocking handlers are
// expected to block an OS thread and are dispatched to a bounded worker
// pool instead, per spec.md §5's scheduling model.
type ExecutionMode int

const (
	ModeAsync ExecutionMode = iota
	ModeBlocking
)

// Context is the immutable bundle injected into every job and
// public-endpoint handler invocation. Its lifetime is a single
// invocation; implementers must not retain it past return.
type Context struct {
	ConsumerBaseURL string
	SessionToken    string
	JobID           string
	ChallengeID     string
	ValidatorHotkey string
	SignedHTTP      *signedhttp.Client
	CVMClient       *HTTPResourceClient
	ValuesClient    *HTTPResourceClient
	ResultsClient   *HTTPResourceClient
	ORMClient       *orm.Client
}

// Result is a job handler's return value, before executor-side
// validation (score clamping, metric finiteness, log truncation).
type Result struct {
	Score                float64
	Metrics              map[string]float64
	JobType              string
	Logs                 []string
	AllowedLogContainers []string
}

// JobHandler is the (ctx, payload) → result shape spec.md §8 names for
// job execution.
type JobHandler func(ctx context.Context, jobCtx *Context, payload map[string]any) (Result, error)

// LifecycleFunc is the (ctx) → error shape for on_startup/on_ready/on_cleanup.
type LifecycleFunc func(ctx context.Context) error

// WeightsFunc is on_weights: it returns an arbitrary JSON-able weights
// document rather than a job Result.
type WeightsFunc func(ctx context.Context) (map[string]any, error)

// PublicHandler serves a named /sdk/public/{name} endpoint. claims holds
// the mediator's verified bearer-token claim set.
type PublicHandler func(ctx context.Context, jobCtx *Context, claims map[string]any, payload map[string]any) (map[string]any, error)

type jobEntry struct {
	handler JobHandler
	mode    ExecutionMode
}

// JobEntry is a resolved job handler plus its declared execution mode.
type JobEntry struct {
	Handler JobHandler
	Mode    ExecutionMode
}

// Registry holds the four lifecycle singletons, named job handlers plus
// an optional default, and public-endpoint handlers by name.
// Registration is not thread-safe and must occur before Seal is called;
// Seal marks the registry immutable, matching its runtime lifetime
// (effectively immutable once the orchestrator starts serving).
type Registry struct {
	onStartup LifecycleFunc
	onReady   LifecycleFunc
	onCleanup LifecycleFunc
	onWeights WeightsFunc

	jobs       map[string]jobEntry
	defaultJob *jobEntry

	publicHandlers map[string]PublicHandler

	sealed bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:           make(map[string]jobEntry),
		publicHandlers: make(map[string]PublicHandler),
	}
}

func (r *Registry) mustNotBeSealed() {
	if r.sealed {
		panic("handlers: registration after Seal")
	}
}

// RegisterStartup sets the on_startup singleton.
func (r *Registry) RegisterStartup(fn LifecycleFunc) {
	r.mustNotBeSealed()
	r.onStartup = fn
}

// RegisterReady sets the on_ready singleton.
func (r *Registry) RegisterReady(fn LifecycleFunc) {
	r.mustNotBeSealed()
	r.onReady = fn
}

// RegisterCleanup sets the on_cleanup singleton.
func (r *Registry) RegisterCleanup(fn LifecycleFunc) {
	r.mustNotBeSealed()
	r.onCleanup = fn
}

// RegisterWeights sets the on_weights singleton.
func (r *Registry) RegisterWeights(fn WeightsFunc) {
	r.mustNotBeSealed()
	r.onWeights = fn
}

// RegisterJob adds a named job handler.
func (r *Registry) RegisterJob(name string, h JobHandler, mode ExecutionMode) {
	r.mustNotBeSealed()
	r.jobs[name] = jobEntry{handler: h, mode: mode}
}

// RegisterDefaultJob sets the handler invoked when job_name matches no
// named handler.
func (r *Registry) RegisterDefaultJob(h JobHandler, mode ExecutionMode) {
	r.mustNotBeSealed()
	r.defaultJob = &jobEntry{handler: h, mode: mode}
}

// RegisterPublic adds a named public-endpoint handler.
func (r *Registry) RegisterPublic(name string, h PublicHandler) {
	r.mustNotBeSealed()
	r.publicHandlers[name] = h
}

// Seal marks the registry immutable. runtime.Run calls this once, after
// the startup hook returns and before the peer-facing server starts.
func (r *Registry) Seal() { r.sealed = true }

// Startup returns the on_startup singleton, if registered.
func (r *Registry) Startup() (LifecycleFunc, bool) { return r.onStartup, r.onStartup != nil }

// Ready returns the on_ready singleton, if registered.
func (r *Registry) Ready() (LifecycleFunc, bool) { return r.onReady, r.onReady != nil }

// Cleanup returns the on_cleanup singleton, if registered.
func (r *Registry) Cleanup() (LifecycleFunc, bool) { return r.onCleanup, r.onCleanup != nil }

// Weights returns the on_weights singleton, if registered.
func (r *Registry) Weights() (WeightsFunc, bool) { return r.onWeights, r.onWeights != nil }

// ResolveJob implements spec.md §4.7's resolution rule: a name match
// wins, else the default handler, else JobError::NoHandler.
func (r *Registry) ResolveJob(name string) (JobEntry, error) {
	if e, ok := r.jobs[name]; ok {
		return JobEntry{Handler: e.handler, Mode: e.mode}, nil
	}
	if r.defaultJob != nil {
		return JobEntry{Handler: r.defaultJob.handler, Mode: r.defaultJob.mode}, nil
	}
	return JobEntry{}, &Error{Kind: KindNoHandler, Message: fmt.Sprintf("no handler registered for job %q", name)}
}

// ResolvePublic looks up a named public-endpoint handler.
func (r *Registry) ResolvePublic(name string) (PublicHandler, bool) {
	h, ok := r.publicHandlers[name]
	return h, ok
}
