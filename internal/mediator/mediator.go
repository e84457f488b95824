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

// Package mediator verifies the bearer tokens the control plane attaches
// to inbound /sdk/public/{name} calls, per spec.md §4.10: a claim set
// {uid, miner_hotkey, job_id, challenge_id, job_type, issued_at} signed
// by the Admin's long-term Ed25519 key recorded at handshake. The claim
// set travels as a JWT so expiry/issuer plumbing reuses golang-jwt
// rather than a hand-rolled envelope, the way the teacher's oidc package
// wraps third-party claim verification instead of parsing tokens itself;
// the signature itself is still the spec's own Ed25519-over-claims check,
// expressed as the JWT's EdDSA signing method.
package mediator

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sage-x-project/challenge-sidecar/internal/metrics"
)

// Kind tags a mediator Error.
type Kind string

const (
	KindNoAdminKey   Kind = "NoAdminKey"
	KindInvalidToken Kind = "InvalidToken"
	KindExpired      Kind = "Expired"
)

// Error is returned by Verify; it maps 1:1 onto the bearer-token
// rejection reasons spec.md §4.10 names.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("MediatorError::%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("MediatorError::%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// DefaultTTL is the maximum age a token's issued_at may have, per
// spec.md §4.10.
const DefaultTTL = 120 * time.Second

// Claims is the wire claim set spec.md §4.10 names, carried as JWT
// registered + private claims so golang-jwt's parser can validate
// structure and expiry while this package still owns the TTL-against-
// issued_at check spec.md actually specifies.
type Claims struct {
	UID             string `json:"uid"`
	MinerHotkey     string `json:"miner_hotkey"`
	JobID           string `json:"job_id"`
	ChallengeID     string `json:"challenge_id"`
	JobType         string `json:"job_type"`
	IssuedAtUnix    int64  `json:"issued_at"`
	jwt.RegisteredClaims
}

// AsMap flattens Claims into the map[string]any shape
// handlers.PublicHandler expects for its verified-claims parameter.
func (c Claims) AsMap() map[string]any {
	return map[string]any{
		"uid":          c.UID,
		"miner_hotkey": c.MinerHotkey,
		"job_id":       c.JobID,
		"challenge_id": c.ChallengeID,
		"job_type":     c.JobType,
		"issued_at":    c.IssuedAtUnix,
	}
}

// Mediator verifies bearer tokens against the Admin's long-term Ed25519
// public key, learned at handshake time and set via SetAdminPublicKey.
// Until an Admin key has been recorded, every token is rejected with
// KindNoAdminKey: the runtime has no basis to trust a signature yet.
type Mediator struct {
	ttl time.Duration

	mu       sync.RWMutex
	adminPub ed25519.PublicKey
}

// New returns a Mediator enforcing ttl (DefaultTTL if zero).
func New(ttl time.Duration) *Mediator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Mediator{ttl: ttl}
}

// SetAdminPublicKey records the Admin's long-term Ed25519 public key,
// learned from its attestation envelope at handshake. It may be called
// again across Admin reconnects; the most recent key wins.
func (m *Mediator) SetAdminPublicKey(pub ed25519.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adminPub = pub
}

func (m *Mediator) currentAdminKey() ed25519.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.adminPub
}

// AdminPublicKey returns the currently recorded Admin long-term public
// key, or nil if none has been recorded yet. Exported so other
// signature-checking call sites (the admin credentials HTTP endpoint) can
// authenticate a caller as Admin without duplicating handshake-time
// bookkeeping.
func (m *Mediator) AdminPublicKey() ed25519.PublicKey {
	return m.currentAdminKey()
}

// Verify parses and validates tokenString as an EdDSA-signed bearer
// token: signature against the recorded Admin key, then issued_at
// against the configured TTL. handlerName is used only for the metrics
// label recording the verification outcome.
func (m *Mediator) Verify(handlerName, tokenString string) (*Claims, error) {
	adminPub := m.currentAdminKey()
	if len(adminPub) == 0 {
		metrics.PublicEndpointRequests.WithLabelValues(handlerName, "no_admin_key").Inc()
		return nil, &Error{Kind: KindNoAdminKey, Message: "no Admin public key recorded yet"}
	}

	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"EdDSA"}))
	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != "EdDSA" {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return adminPub, nil
	})
	if err != nil {
		metrics.PublicEndpointRequests.WithLabelValues(handlerName, "invalid_token").Inc()
		return nil, &Error{Kind: KindInvalidToken, Message: "token signature or structure rejected", Cause: err}
	}

	issuedAt := time.Unix(claims.IssuedAtUnix, 0)
	if age := time.Since(issuedAt); age < 0 || age > m.ttl {
		metrics.PublicEndpointRequests.WithLabelValues(handlerName, "expired").Inc()
		return nil, &Error{Kind: KindExpired, Message: fmt.Sprintf("token issued_at %s outside ttl %s", issuedAt, m.ttl)}
	}

	metrics.PublicEndpointRequests.WithLabelValues(handlerName, "ok").Inc()
	return claims, nil
}

// Sign builds and signs a bearer token carrying claims, using priv as
// the Admin's long-term Ed25519 signing key. It is the control plane's
// side of the protocol; the sidecar itself only calls Verify, but this
// is kept alongside it so tests (and any Admin-side tooling reusing this
// package) construct tokens the same way Verify expects to parse them.
func Sign(priv ed25519.PrivateKey, claims Claims) (string, error) {
	if claims.IssuedAtUnix == 0 {
		return "", errors.New("mediator: Claims.IssuedAtUnix must be set before signing")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(priv)
}
