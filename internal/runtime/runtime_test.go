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

package runtime

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/challenge-sidecar/config"
	"github.com/sage-x-project/challenge-sidecar/internal/cryptoprim"
	"github.com/sage-x-project/challenge-sidecar/internal/handlers"
	"github.com/sage-x-project/challenge-sidecar/internal/identity"
	"github.com/sage-x-project/challenge-sidecar/internal/mediator"
	"github.com/sage-x-project/challenge-sidecar/internal/orm"
	"github.com/sage-x-project/challenge-sidecar/internal/signedhttp"
	"github.com/sage-x-project/challenge-sidecar/internal/transport"
)

func testRuntime(t *testing.T, registry *handlers.Registry) *Runtime {
	t.Helper()
	cfg := &config.Config{DevMode: true, AllowInsecureAdmin: true, DbVersion: 1}
	rt, err := New(cfg, registry, orm.NewPolicy())
	require.NoError(t, err)
	return rt
}

func buildPeerEnvelope(t *testing.T, id *identity.Identity, eph *identity.EphemeralKeyPair) *identity.AttestationEnvelope {
	t.Helper()
	nonceRaw, err := cryptoprim.RandomBytes(32)
	require.NoError(t, err)
	var nonce [32]byte
	copy(nonce[:], nonceRaw)

	reportData := identity.ReportData(id.PublicKey(), eph.PublicKey(), nonce)
	quote, eventLog, err := identity.DevQuoteProvider{}.Quote(context.Background(), reportData)
	require.NoError(t, err)

	env, err := identity.BuildEnvelope(id, eph.PublicKey(), nonce, quote, eventLog)
	require.NoError(t, err)
	return env
}

func TestHandshakeRegistryPutTake(t *testing.T) {
	h := newHandshakeRegistry()
	h.put("tok", &pendingHandshake{role: transport.RoleConsumer, sharedSecret: []byte("s"), salt: []byte("a")})

	p, ok := h.take("tok")
	require.True(t, ok)
	assert.Equal(t, transport.RoleConsumer, p.role)

	_, ok = h.take("tok")
	assert.False(t, ok, "a token must be single-use")
}

func TestHandshakeRegistryUnknownToken(t *testing.T) {
	h := newHandshakeRegistry()
	_, ok := h.take("nope")
	assert.False(t, ok)
}

func TestHandleHandshakeRejectsBadRole(t *testing.T) {
	rt := testRuntime(t, handlers.NewRegistry())
	srv := httptest.NewServer(rt.mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sdk/peer/handshake?role=bogus", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleHandshakeRejectsInvalidEnvelope(t *testing.T) {
	rt := testRuntime(t, handlers.NewRegistry())
	srv := httptest.NewServer(rt.mux())
	defer srv.Close()

	peerID, err := identity.NewIdentity()
	require.NoError(t, err)
	eph, err := identity.NewEphemeralKeyPair()
	require.NoError(t, err)
	env := buildPeerEnvelope(t, peerID, eph)
	env.Signature[0] ^= 0xFF // corrupt the signature

	body, err := json.Marshal(handshakeRequest{Envelope: *env})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/sdk/peer/handshake?role=consumer", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// TestHandshakeThenWebsocketDispatch drives the full peer onboarding path:
// POST a valid attestation envelope to /sdk/peer/handshake, then complete
// the websocket upgrade at /sdk/peer/ws with the returned token, and
// confirm a job.execute frame sent over the resulting session reaches
// dispatch and gets a job.result reply. The runtime is never driven to
// Serving here, so the reply is the orchestrator's NotReady rejection —
// that is still proof the transport, admission and dispatch wiring is
// intact end to end.
func TestHandshakeThenWebsocketDispatch(t *testing.T) {
	rt := testRuntime(t, handlers.NewRegistry())
	srv := httptest.NewServer(rt.mux())
	defer srv.Close()

	peerID, err := identity.NewIdentity()
	require.NoError(t, err)
	peerEph, err := identity.NewEphemeralKeyPair()
	require.NoError(t, err)
	peerEnv := buildPeerEnvelope(t, peerID, peerEph)

	reqBody, err := json.Marshal(handshakeRequest{Envelope: *peerEnv})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/sdk/peer/handshake?role=consumer", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hsResp handshakeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hsResp))
	require.NoError(t, hsResp.Envelope.Verify())

	salt, err := base64.StdEncoding.DecodeString(hsResp.Salt)
	require.NoError(t, err)
	sharedSecret, err := cryptoprim.DH(peerEph.PrivateKey(), hsResp.Envelope.X25519Pub)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sdk/peer/ws?token=" + hsResp.Token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	sess, err := transport.NewSession(conn, transport.RoleConsumer, true, sharedSecret, salt)
	require.NoError(t, err)
	defer sess.Close()

	frame, err := json.Marshal(map[string]any{
		"kind":     "job.execute",
		"job_id":   "job-1",
		"job_name": "default",
		"payload":  map[string]any{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Send(ctx, frame))

	reply, err := sess.Recv(ctx)
	require.NoError(t, err)

	var result jobResultWire
	require.NoError(t, json.Unmarshal(reply, &result))
	assert.Equal(t, "job.result", result.Kind)
	assert.Equal(t, "job-1", result.JobID)
	require.NotNil(t, result.Error)
	assert.Contains(t, *result.Error, "not serving")
}

func TestHandleWeightsRejectsUnsignedRequest(t *testing.T) {
	rt := testRuntime(t, handlers.NewRegistry())
	srv := httptest.NewServer(rt.mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sdk/weights")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWeightsInvokesRegisteredHook(t *testing.T) {
	registry := handlers.NewRegistry()
	registry.RegisterWeights(func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"alpha": 1.0}, nil
	})
	rt := testRuntime(t, registry)
	srv := httptest.NewServer(rt.mux())
	defer srv.Close()

	signerID, err := identity.NewIdentity()
	require.NoError(t, err)
	headers, err := signedhttp.SignHeaders(signerID, http.MethodGet, "/sdk/weights", nil)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sdk/weights", nil)
	require.NoError(t, err)
	req.Header = headers

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1.0, body["alpha"])
}

func TestHandlePublicRequiresBearerToken(t *testing.T) {
	registry := handlers.NewRegistry()
	registry.RegisterPublic("echo", func(ctx context.Context, jobCtx *handlers.Context, claims map[string]any, payload map[string]any) (map[string]any, error) {
		return payload, nil
	})
	rt := testRuntime(t, registry)
	srv := httptest.NewServer(rt.mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sdk/public/echo")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandlePublicInvokesRegisteredHandler(t *testing.T) {
	registry := handlers.NewRegistry()
	registry.RegisterPublic("echo", func(ctx context.Context, jobCtx *handlers.Context, claims map[string]any, payload map[string]any) (map[string]any, error) {
		return map[string]any{"uid": claims["uid"]}, nil
	})
	rt := testRuntime(t, registry)
	srv := httptest.NewServer(rt.mux())
	defer srv.Close()

	adminPub, adminPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rt.mediator.SetAdminPublicKey(adminPub)

	token, err := mediator.Sign(adminPriv, mediator.Claims{UID: "miner-1", IssuedAtUnix: time.Now().Unix()})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/sdk/public/echo", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "miner-1", body["uid"])
}

func TestHandleAdminCredentialsSealsDSN(t *testing.T) {
	rt := testRuntime(t, handlers.NewRegistry())
	srv := httptest.NewServer(rt.mux())
	defer srv.Close()

	adminID, err := identity.NewIdentity()
	require.NoError(t, err)
	rt.mediator.SetAdminPublicKey(adminID.PublicKey())

	_, boxPub, err := rt.id.DeriveSealedBoxKey()
	require.NoError(t, err)
	ciphertext, err := cryptoprim.SealedSeal(boxPub, sealedCredentialsInfo, []byte("postgres://example/db"))
	require.NoError(t, err)

	reqBody, err := json.Marshal(credentialsRequest{SealedDSN: base64.StdEncoding.EncodeToString(ciphertext)})
	require.NoError(t, err)

	headers, err := signedhttp.SignHeaders(adminID, http.MethodPost, "/sdk/admin/db/credentials", reqBody)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/sdk/admin/db/credentials", bytes.NewReader(reqBody))
	require.NoError(t, err)
	req.Header = headers

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "postgres://example/db", rt.cfg.DbDSN)

	// A second delivery is rejected: credentials.seal is once per process.
	req2, err := http.NewRequest(http.MethodPost, srv.URL+"/sdk/admin/db/credentials", bytes.NewReader(reqBody))
	require.NoError(t, err)
	headers2, err := signedhttp.SignHeaders(adminID, http.MethodPost, "/sdk/admin/db/credentials", reqBody)
	require.NoError(t, err)
	req2.Header = headers2
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestHandleAdminCredentialsRejectsWrongSigner(t *testing.T) {
	rt := testRuntime(t, handlers.NewRegistry())
	srv := httptest.NewServer(rt.mux())
	defer srv.Close()

	adminID, err := identity.NewIdentity()
	require.NoError(t, err)
	rt.mediator.SetAdminPublicKey(adminID.PublicKey())

	impostor, err := identity.NewIdentity()
	require.NoError(t, err)

	reqBody := []byte(`{"sealed_dsn":"AAAA"}`)
	headers, err := signedhttp.SignHeaders(impostor, http.MethodPost, "/sdk/admin/db/credentials", reqBody)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/sdk/admin/db/credentials", bytes.NewReader(reqBody))
	require.NoError(t, err)
	req.Header = headers

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
