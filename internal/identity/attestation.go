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

package identity

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sage-x-project/challenge-sidecar/internal/cryptoprim"
	"github.com/sage-x-project/challenge-sidecar/internal/metrics"
)

// Kind tags an Error with the AttestationError taxonomy from spec.md §7.
type Kind string

const (
	KindQuoteUnavailable Kind = "QuoteUnavailable"
	KindRejected         Kind = "Rejected"
)

// Error is an AttestationError: a TEE or peer rejection. It triggers a
// reconnect with backoff up to a configured retry budget, then is terminal.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("AttestationError::%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("AttestationError::%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// AttestationEnvelope is submitted once per peer-session bootstrap and
// discarded after the peer accepts it. The signature covers the
// concatenation of every other field, in the order signingPayload uses
// (which is not the field order below).
type AttestationEnvelope struct {
	Nonce       [32]byte
	Ed25519Pub  ed25519.PublicKey
	X25519Pub   *ecdh.PublicKey
	TEEQuote    []byte
	EventLog    []byte
	Signature   []byte
}

// signingPayload returns the exact byte sequence the signature covers:
// ed25519_pub || x25519_pub || nonce || quote || event_log.
func signingPayload(edPub ed25519.PublicKey, xPub *ecdh.PublicKey, nonce [32]byte, quote, eventLog []byte) []byte {
	var buf bytes.Buffer
	buf.Write(edPub)
	buf.Write(xPub.Bytes())
	buf.Write(nonce[:])
	buf.Write(quote)
	buf.Write(eventLog)
	return buf.Bytes()
}

// BuildEnvelope assembles and signs an AttestationEnvelope with id's
// long-term key.
func BuildEnvelope(id *Identity, xPub *ecdh.PublicKey, nonce [32]byte, quote, eventLog []byte) (*AttestationEnvelope, error) {
	payload := signingPayload(id.PublicKey(), xPub, nonce, quote, eventLog)
	sig, err := id.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign attestation envelope: %w", err)
	}
	return &AttestationEnvelope{
		Nonce:      nonce,
		Ed25519Pub: id.PublicKey(),
		X25519Pub:  xPub,
		TEEQuote:   quote,
		EventLog:   eventLog,
		Signature:  sig,
	}, nil
}

// Verify checks the envelope's signature against its own claimed
// Ed25519 public key. This is the check a receiving peer performs; it
// does not evaluate the TEE quote itself, which is deliberately out of
// scope for this runtime (verification of quotes is the remote peer's
// job, not a capability the core core implements).
func (e *AttestationEnvelope) Verify() error {
	payload := signingPayload(e.Ed25519Pub, e.X25519Pub, e.Nonce, e.TEEQuote, e.EventLog)
	if err := cryptoprim.Verify(e.Ed25519Pub, payload, e.Signature); err != nil {
		return &Error{Kind: KindRejected, Message: "envelope signature invalid", Cause: err}
	}
	return nil
}

// wireEnvelope mirrors the JSON shape from spec.md §6:
// { ed25519_pub, x25519_pub, nonce, quote, event_log, signature } all b64.
type wireEnvelope struct {
	Ed25519Pub string `json:"ed25519_pub"`
	X25519Pub  string `json:"x25519_pub"`
	Nonce      string `json:"nonce"`
	Quote      string `json:"quote"`
	EventLog   string `json:"event_log"`
	Signature  string `json:"signature"`
}

// MarshalJSON encodes the envelope per the wire schema in spec.md §6.
func (e *AttestationEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Ed25519Pub: base64.StdEncoding.EncodeToString(e.Ed25519Pub),
		X25519Pub:  base64.StdEncoding.EncodeToString(e.X25519Pub.Bytes()),
		Nonce:      base64.StdEncoding.EncodeToString(e.Nonce[:]),
		Quote:      base64.StdEncoding.EncodeToString(e.TEEQuote),
		EventLog:   base64.StdEncoding.EncodeToString(e.EventLog),
		Signature:  base64.StdEncoding.EncodeToString(e.Signature),
	})
}

// UnmarshalJSON decodes the wire schema into an AttestationEnvelope.
func (e *AttestationEnvelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	edPub, err := base64.StdEncoding.DecodeString(w.Ed25519Pub)
	if err != nil {
		return fmt.Errorf("decode ed25519_pub: %w", err)
	}
	xPubRaw, err := base64.StdEncoding.DecodeString(w.X25519Pub)
	if err != nil {
		return fmt.Errorf("decode x25519_pub: %w", err)
	}
	xPub, err := ecdh.X25519().NewPublicKey(xPubRaw)
	if err != nil {
		return fmt.Errorf("parse x25519_pub: %w", err)
	}
	nonceRaw, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil || len(nonceRaw) != 32 {
		return fmt.Errorf("decode nonce: %w", err)
	}
	quote, err := base64.StdEncoding.DecodeString(w.Quote)
	if err != nil {
		return fmt.Errorf("decode quote: %w", err)
	}
	eventLog, err := base64.StdEncoding.DecodeString(w.EventLog)
	if err != nil {
		return fmt.Errorf("decode event_log: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(w.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	e.Ed25519Pub = ed25519.PublicKey(edPub)
	e.X25519Pub = xPub
	copy(e.Nonce[:], nonceRaw)
	e.TEEQuote = quote
	e.EventLog = eventLog
	e.Signature = sig
	return nil
}

// QuoteProvider obtains a TEE quote whose report_data field is the
// supplied 32 bytes. Real implementations call into a hardware attestation
// driver (TDX, SEV-SNP, ...); this package only defines the seam.
type QuoteProvider interface {
	Quote(ctx context.Context, reportData [32]byte) (quote, eventLog []byte, err error)
}

// DevQuoteProvider emits a deterministic stub quote for local development.
// The rest of the transport still runs in cleartext when dev mode is on;
// this provider exists purely so the bootstrap handshake has a quote to
// attach.
type DevQuoteProvider struct{}

func (DevQuoteProvider) Quote(_ context.Context, reportData [32]byte) ([]byte, []byte, error) {
	quote := append([]byte("dev-mode-stub-quote:"), reportData[:]...)
	eventLog := []byte("dev-mode-stub-event-log")
	return quote, eventLog, nil
}

// NoDriverQuoteProvider represents the absence of a configured TEE driver.
// It always fails with AttestationError::QuoteUnavailable.
type NoDriverQuoteProvider struct{}

func (NoDriverQuoteProvider) Quote(_ context.Context, _ [32]byte) ([]byte, []byte, error) {
	return nil, nil, &Error{Kind: KindQuoteUnavailable, Message: "no TEE driver configured"}
}

// NonceFetcher fetches a fresh 32-byte anti-replay nonce from the peer over
// an unauthenticated channel, the first step of bootstrap.
type NonceFetcher func(ctx context.Context) ([32]byte, error)

// Submitter delivers a built AttestationEnvelope to the peer and reports
// whether it was accepted. A non-nil error is expected to be (or wrap) an
// *Error with KindRejected when the peer actively refused the envelope.
type Submitter func(ctx context.Context, env *AttestationEnvelope) error

// Bootstrapper drives the three-step bootstrap described in spec.md §4.2:
// fetch nonce, obtain quote, build+sign+submit envelope. On submission
// rejection it retries with exponential backoff up to MaxRetries times.
type Bootstrapper struct {
	Identity   *Identity
	Quotes     QuoteProvider
	FetchNonce NonceFetcher
	Submit     Submitter
	MaxRetries int
	BaseDelay  time.Duration
	Sleep      func(time.Duration)
}

// NewBootstrapper returns a Bootstrapper with the spec's defaults: 3
// retries, exponential backoff starting at 500ms.
func NewBootstrapper(id *Identity, quotes QuoteProvider, fetchNonce NonceFetcher, submit Submitter) *Bootstrapper {
	return &Bootstrapper{
		Identity:   id,
		Quotes:     quotes,
		FetchNonce: fetchNonce,
		Submit:     submit,
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		Sleep:      time.Sleep,
	}
}

// Bootstrap runs the handshake for one peer session, returning the fresh
// ephemeral key pair and the envelope that was accepted.
func (b *Bootstrapper) Bootstrap(ctx context.Context, role string) (*EphemeralKeyPair, *AttestationEnvelope, error) {
	eph, err := NewEphemeralKeyPair()
	if err != nil {
		return nil, nil, err
	}

	metrics.AttestationsInitiated.WithLabelValues(role).Inc()

	var lastErr error
	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := b.BaseDelay << uint(attempt-1)
			if b.Sleep != nil {
				b.Sleep(delay)
			}
		}

		env, err := b.attempt(ctx, eph)
		if err == nil {
			metrics.AttestationsCompleted.WithLabelValues("success").Inc()
			return eph, env, nil
		}
		lastErr = err

		var attErr *Error
		errorType := "unknown"
		if asAttErr(err, &attErr) {
			errorType = string(attErr.Kind)
			if attErr.Kind == KindQuoteUnavailable {
				// No driver configured: retrying cannot help.
				metrics.AttestationsFailed.WithLabelValues(errorType).Inc()
				metrics.AttestationsCompleted.WithLabelValues("failure").Inc()
				return nil, nil, err
			}
		}
		metrics.AttestationsFailed.WithLabelValues(errorType).Inc()
	}

	metrics.AttestationsCompleted.WithLabelValues("failure").Inc()
	return nil, nil, fmt.Errorf("attestation bootstrap exhausted %d retries: %w", b.MaxRetries, lastErr)
}

func (b *Bootstrapper) attempt(ctx context.Context, eph *EphemeralKeyPair) (*AttestationEnvelope, error) {
	nonce, err := b.FetchNonce(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}

	reportData := ReportData(b.Identity.PublicKey(), eph.PublicKey(), nonce)
	quote, eventLog, err := b.Quotes.Quote(ctx, reportData)
	if err != nil {
		return nil, err
	}

	env, err := BuildEnvelope(b.Identity, eph.PublicKey(), nonce, quote, eventLog)
	if err != nil {
		return nil, err
	}

	if err := b.Submit(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

func asAttErr(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
