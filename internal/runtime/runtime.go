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

// Package runtime wires the ten spec.md components into one running
// process: it is the CLI's sole dependency, kept separate from
// cmd/challenge-sidecar so the wiring itself stays testable and the
// cobra command stays a thin shell, the way the teacher keeps
// cmd/sage-did thin over core/ and crypto/.
package runtime

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sage-x-project/challenge-sidecar/config"
	"github.com/sage-x-project/challenge-sidecar/health"
	"github.com/sage-x-project/challenge-sidecar/internal/executor"
	"github.com/sage-x-project/challenge-sidecar/internal/handlers"
	"github.com/sage-x-project/challenge-sidecar/internal/identity"
	"github.com/sage-x-project/challenge-sidecar/internal/lifecycle"
	"github.com/sage-x-project/challenge-sidecar/internal/logger"
	"github.com/sage-x-project/challenge-sidecar/internal/mediator"
	"github.com/sage-x-project/challenge-sidecar/internal/metrics"
	"github.com/sage-x-project/challenge-sidecar/internal/orm"
	"github.com/sage-x-project/challenge-sidecar/internal/peers"
	"github.com/sage-x-project/challenge-sidecar/internal/signedhttp"
	"github.com/sage-x-project/challenge-sidecar/internal/transport"
)

// Runtime owns every long-lived component wired from a Config and a
// user-populated handlers.Registry, and drives the lifecycle
// orchestrator from Init through Terminated.
type Runtime struct {
	cfg      *config.Config
	registry *handlers.Registry
	policy   *orm.Policy

	id           *identity.Identity
	orchestrator *lifecycle.Orchestrator
	peersMgr     *peers.Manager
	ormClient    *orm.Client
	mediator     *mediator.Mediator
	health       *health.Checker
	upgrader     *transport.Upgrader
	signedClient *signedhttp.Client

	handshakes *handshakeRegistry
	quotes     identity.QuoteProvider
	executor   *executor.Executor

	credentialsSeal singleflight.Group

	httpServer    *http.Server
	metricsServer *http.Server
}

// New wires a Runtime from cfg, registry (already populated by the
// embedding binary's handler registration code), and the ORM capability
// policy it should enforce. registry is sealed the moment Run's startup
// hook returns, per spec.md §5's "effectively immutable after run()".
func New(cfg *config.Config, registry *handlers.Registry, policy *orm.Policy) (*Runtime, error) {
	id, err := identity.NewIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}

	orchestrator, err := lifecycle.New(lifecycle.Config{
		DbVersion:          cfg.DbVersion,
		DevMode:            cfg.DevMode,
		AllowInsecureAdmin: cfg.AllowInsecureAdmin,
		DrainTimeout:       cfg.DrainTimeout,
	}, registry)
	if err != nil {
		return nil, err
	}

	peersMgr := peers.NewManager()
	ormClient := orm.NewClient(peersMgr, policy)
	med := mediator.New(mediator.DefaultTTL)
	signedClient := signedhttp.NewClient(id)

	var quotes identity.QuoteProvider = identity.NoDriverQuoteProvider{}
	if cfg.DevMode {
		quotes = identity.DevQuoteProvider{}
	}

	rt := &Runtime{
		cfg:          cfg,
		registry:     registry,
		policy:       policy,
		id:           id,
		orchestrator: orchestrator,
		peersMgr:     peersMgr,
		ormClient:    ormClient,
		mediator:     med,
		health:       health.NewChecker(orchestrator),
		upgrader:     transport.NewUpgrader(),
		signedClient: signedClient,
		handshakes:   newHandshakeRegistry(),
		quotes:       quotes,
	}

	resultsClient := handlers.NewHTTPResourceClient(signedClient, cfg.ConsumerBaseURL)
	rt.executor = executor.New(registry, rt.buildHandlerContext, executor.NewHTTPSubmitter(resultsClient))
	return rt, nil
}

// buildHandlerContext constructs the per-job/per-call handlers.Context
// handed to user-authored code, pinning its HTTP clients at the
// configured Consumer base URL.
func (rt *Runtime) buildHandlerContext(jobID string) *handlers.Context {
	base := rt.cfg.ConsumerBaseURL
	return &handlers.Context{
		ConsumerBaseURL: base,
		SessionToken:    rt.cfg.SessionToken,
		JobID:           jobID,
		ChallengeID:     rt.cfg.ChallengeID,
		ValidatorHotkey: rt.cfg.ValidatorHotkey,
		SignedHTTP:      rt.signedClient,
		CVMClient:       handlers.NewHTTPResourceClient(rt.signedClient, base),
		ValuesClient:    handlers.NewHTTPResourceClient(rt.signedClient, base),
		ResultsClient:   handlers.NewHTTPResourceClient(rt.signedClient, base),
		ORMClient:       rt.ormClient,
	}
}

// Run drives the orchestrator through its full lifecycle: RunStartup,
// seal the registry, start the peer-facing and metrics HTTP servers,
// RunReady, then block until ctx is cancelled or SIGINT/SIGTERM arrives,
// at which point it drains and returns.
func (rt *Runtime) Run(ctx context.Context) error {
	logger.Info("challenge-sidecar starting",
		logger.Fingerprint("identity_pub", rt.id.PublicKey()),
		logger.Bool("admin_mode", rt.cfg.AdminMode),
		logger.Bool("dev_mode", rt.cfg.DevMode),
	)

	if err := rt.orchestrator.RunStartup(ctx); err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	rt.registry.Seal()

	if rt.cfg.Metrics.Enabled {
		rt.metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", rt.cfg.Metrics.Port),
			Handler: metrics.Handler(),
		}
		go func() {
			if err := rt.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", logger.Error(err))
			}
		}()
	}

	rt.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", rt.cfg.Host, rt.cfg.Port),
		Handler: rt.mux(),
	}
	serveErrCh := make(chan error, 1)
	go func() {
		if rt.cfg.RunServer {
			if err := rt.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serveErrCh <- err
				return
			}
		}
		serveErrCh <- nil
	}()

	if err := rt.orchestrator.RunReady(ctx); err != nil {
		return fmt.Errorf("ready: %w", err)
	}
	logger.Info("challenge-sidecar serving", logger.String("state", string(rt.orchestrator.State())))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case <-sigCh:
		logger.Info("termination signal received, draining")
	case err := <-serveErrCh:
		if err != nil {
			logger.Warn("peer-facing server stopped unexpectedly", logger.Error(err))
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.DrainTimeout+5*time.Second)
	defer cancel()
	rt.orchestrator.Drain(drainCtx)

	_ = rt.httpServer.Shutdown(drainCtx)
	if rt.metricsServer != nil {
		_ = rt.metricsServer.Shutdown(drainCtx)
	}
	rt.peersMgr.Close()
	rt.id.Zeroize()
	return nil
}

// handshakeRegistry tracks in-progress peer handshakes between the
// /sdk/peer/handshake POST (attestation + ephemeral key exchange) and
// the subsequent /sdk/peer/ws GET (websocket upgrade), since
// transport.Upgrader.Upgrade needs the shared secret and salt already
// agreed by the time it runs. Entries are single-use and expire quickly;
// this generalizes core/handshake/server.go's pendingState map+mutex
// idiom from handshake-phase tracking to handshake-to-upgrade handoff.
type handshakeRegistry struct {
	mu      sync.Mutex
	pending map[string]*pendingHandshake
}

type pendingHandshake struct {
	role         transport.Role
	sharedSecret []byte
	salt         []byte
	peerPub      ed25519.PublicKey
	expiresAt    time.Time
}

func newHandshakeRegistry() *handshakeRegistry {
	return &handshakeRegistry{pending: make(map[string]*pendingHandshake)}
}

const handshakeTokenTTL = 30 * time.Second

func (h *handshakeRegistry) put(token string, p *pendingHandshake) {
	p.expiresAt = time.Now().Add(handshakeTokenTTL)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending[token] = p
	for k, v := range h.pending {
		if time.Now().After(v.expiresAt) {
			delete(h.pending, k)
		}
	}
}

func (h *handshakeRegistry) take(token string) (*pendingHandshake, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[token]
	if !ok {
		return nil, false
	}
	delete(h.pending, token)
	if time.Now().After(p.expiresAt) {
		return nil, false
	}
	return p, true
}
