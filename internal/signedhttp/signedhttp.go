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

// Package signedhttp is the outbound HTTP client every signed call in the
// sidecar goes through: values/results submission, weights computation
// callbacks, and admin credential delivery acknowledgements. Every request
// carries an Ed25519 signature over a fixed canonical string and a
// single-use nonce, verified by the peer the same way core/rfc9421
// verifies multi-component RFC 9421 signatures in the teacher, reduced to
// the spec's one fixed canonical form.
package signedhttp

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sage-x-project/challenge-sidecar/internal/cryptoprim"
	"github.com/sage-x-project/challenge-sidecar/internal/logger"
)

// Kind tags an Error with the HttpError taxonomy from spec.md §7.
type Kind string

const (
	KindStatus            Kind = "Status"
	KindNetwork           Kind = "Network"
	KindSignatureRejected Kind = "SignatureRejected"
)

// Error is an HttpError, retried by the client where the verb is
// idempotent and the failure is KindNetwork.
type Error struct {
	Kind    Kind
	Code    int
	Body    []byte
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("HttpError::Status{code=%d}: %s", e.Code, e.Message)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("HttpError::%s: %s: %v", e.Kind, e.Message, e.Cause)
		}
		return fmt.Sprintf("HttpError::%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// idempotent verbs eligible for transport-error retry, per spec.md §4.3.
var idempotentVerbs = map[string]bool{
	http.MethodGet: true,
	http.MethodPut: true,
}

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
)

// Signer is the minimal identity surface the client needs: the ability to
// sign with, and expose, a long-term Ed25519 key.
type Signer interface {
	PublicKey() ed25519.PublicKey
	Sign(msg []byte) ([]byte, error)
}

// Client signs every outbound request with a long-term Ed25519 key and
// retries idempotent verbs on transport errors only, never on
// authentication failures.
type Client struct {
	pub        ed25519.PublicKey
	sign       func([]byte) ([]byte, error)
	httpClient *http.Client
	maxRetries int
	backoff    func(attempt int) time.Duration
	sleep      func(time.Duration)
}

// NewClient builds a signed HTTP client for the given identity.
func NewClient(signer Signer) *Client {
	return &Client{
		pub:        signer.PublicKey(),
		sign:       signer.Sign,
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
		},
		sleep: time.Sleep,
	}
}

// WithHTTPClient overrides the underlying *http.Client, e.g. for tests
// that inject a custom RoundTripper.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// canonicalString builds METHOD '\n' PATH '\n' hex(SHA-256(body)) '\n'
// timestamp '\n' nonce, the exact form spec.md §4.3 signs.
func canonicalString(method, path string, body []byte, timestamp int64, nonce string) string {
	bodyHash := sha256.Sum256(body)
	return fmt.Sprintf("%s\n%s\n%s\n%d\n%s", method, path, hex.EncodeToString(bodyHash[:]), timestamp, nonce)
}

// VerifySignature checks an inbound request's X-Signature against the same
// canonical form Client signs outbound requests with, so the sidecar's own
// peer-facing HTTP endpoints (admin, weights, public) can authenticate a
// caller with nothing more than its long-term Ed25519 public key.
// maxClockSkew bounds how stale timestamp may be; a caller passes 0 to skip
// that check (e.g. in tests replaying a fixed timestamp).
func VerifySignature(pub ed25519.PublicKey, method, path string, body []byte, timestamp int64, nonce string, sig []byte, maxClockSkew time.Duration) error {
	if maxClockSkew > 0 {
		age := time.Since(time.Unix(timestamp, 0))
		if age < 0 {
			age = -age
		}
		if age > maxClockSkew {
			return &Error{Kind: KindSignatureRejected, Message: "timestamp outside allowed clock skew"}
		}
	}
	base := canonicalString(method, path, body, timestamp, nonce)
	if err := cryptoprim.Verify(pub, []byte(base), sig); err != nil {
		return &Error{Kind: KindSignatureRejected, Message: "signature verification failed", Cause: err}
	}
	return nil
}

// SignHeaders builds the X-Signature/X-Timestamp/X-Nonce/X-Public-Key
// header set for a request a caller is constructing directly (rather
// than through Client.Do), e.g. a peer signing a request to one of the
// sidecar's own HTTP endpoints.
func SignHeaders(signer Signer, method, path string, body []byte) (http.Header, error) {
	nonceRaw, err := cryptoprim.RandomBytes(16)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceRaw)
	ts := time.Now().Unix()
	base := canonicalString(method, path, body, ts, nonce)
	sig, err := signer.Sign([]byte(base))
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	h := make(http.Header)
	h.Set("X-Signature", base64.StdEncoding.EncodeToString(sig))
	h.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	h.Set("X-Nonce", nonce)
	h.Set("X-Public-Key", base64.StdEncoding.EncodeToString(signer.PublicKey()))
	return h, nil
}

// Do signs and sends an HTTP request, retrying idempotent verbs up to 3
// times with exponential backoff on network errors only. A response with
// status >= 400 is returned as an *Error with KindStatus, never retried.
func (c *Client) Do(ctx context.Context, method, url, path string, body []byte) (*http.Response, []byte, error) {
	var lastErr error
	attempts := 1
	if idempotentVerbs[method] {
		attempts = c.maxRetries + 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.sleep(c.backoff(attempt - 1))
		}

		resp, respBody, err := c.doOnce(ctx, method, url, path, body)
		if err == nil {
			return resp, respBody, nil
		}

		if e, ok := err.(*Error); ok && (e.Kind == KindStatus || e.Kind == KindSignatureRejected) {
			return nil, nil, err
		}
		lastErr = err
		logger.Warn("signed http request failed, retrying", logger.String("method", method), logger.String("path", path), logger.Int("attempt", attempt))
	}
	return nil, nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, url, path string, body []byte) (*http.Response, []byte, error) {
	nonceRaw, err := cryptoprim.RandomBytes(16)
	if err != nil {
		return nil, nil, &Error{Kind: KindNetwork, Message: "failed to generate nonce", Cause: err}
	}
	nonce := hex.EncodeToString(nonceRaw)
	ts := time.Now().Unix()

	base := canonicalString(method, path, body, ts, nonce)
	sig, err := c.sign([]byte(base))
	if err != nil {
		return nil, nil, &Error{Kind: KindSignatureRejected, Message: "failed to sign request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, &Error{Kind: KindNetwork, Message: "failed to build request", Cause: err}
	}
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(sig))
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Public-Key", base64.StdEncoding.EncodeToString(c.pub))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &Error{Kind: KindNetwork, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &Error{Kind: KindNetwork, Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode >= 400 {
		return nil, nil, &Error{Kind: KindStatus, Code: resp.StatusCode, Body: respBody, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	return resp, respBody, nil
}
