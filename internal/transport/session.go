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

// Package transport is the duplex encrypted-frame transport: after the
// attestation handshake in package identity fixes both sides' keys, a
// Session multiplexes application payloads (ORM requests, job frames,
// results) over a single WebSocket-like stream with AEAD sealing, strict
// per-direction sequence discipline, oversize rejection, and heartbeat-
// driven idle detection. It is the generalization of
// core/session.SecureSession's encrypt/decrypt pair into a full duplex
// session with its own reader/writer goroutines, grounded on the
// handshake-derived key agreement in core/session/session.go and the
// connection-handling shape of pkg/agent/transport/websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sage-x-project/challenge-sidecar/internal/cryptoprim"
	"github.com/sage-x-project/challenge-sidecar/internal/logger"
	"github.com/sage-x-project/challenge-sidecar/internal/metrics"
)

const (
	// DefaultMaxFrameSize is the ciphertext-inclusive size above which an
	// inbound frame is rejected before decryption, per spec.md §4.4.
	DefaultMaxFrameSize = 16 * 1024 * 1024
	// DefaultHeartbeatInterval (H) is the period at which an empty-payload
	// heartbeat frame is sent absent other traffic.
	DefaultHeartbeatInterval = 15 * time.Second
	// defaultOutboundQueueDepth is the bounded outbound frame queue depth
	// from spec.md §5's backpressure section.
	defaultOutboundQueueDepth = 1024
	defaultInboundQueueDepth  = 256
	writeTimeout              = 10 * time.Second
)

// wireConn is the minimal connection surface Session needs. *websocket.Conn
// satisfies it; tests substitute an in-memory pipe.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type timeouter interface{ Timeout() bool }

func isTimeout(err error) bool {
	var te timeouter
	return errors.As(err, &te) && te.Timeout()
}

// Config tunes a Session's framing limits and liveness timers.
type Config struct {
	MaxFrameSize       int
	HeartbeatInterval  time.Duration
	OutboundQueueDepth int
}

func defaultConfig() Config {
	return Config{
		MaxFrameSize:       DefaultMaxFrameSize,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		OutboundQueueDepth: defaultOutboundQueueDepth,
	}
}

// Option customizes a Session's Config at construction.
type Option func(*Config)

func WithMaxFrameSize(n int) Option { return func(c *Config) { c.MaxFrameSize = n } }

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithOutboundQueueDepth(n int) Option {
	return func(c *Config) { c.OutboundQueueDepth = n }
}

// Session is one peer's encrypted duplex frame transport. A single writer
// goroutine owns the outbound stream; any caller may enqueue a payload via
// Send, which blocks (propagating backpressure) once the bounded outbound
// queue is full. A single reader goroutine decodes and opens inbound
// frames in arrival order and delivers them to Recv. The first terminal
// TransportError closes the underlying connection and is returned from
// every subsequent Send/Recv call.
type Session struct {
	conn   wireConn
	role   Role
	encKey []byte
	decKey []byte
	cfg    Config

	outSeq uint64 // accessed via atomic

	inMu     sync.Mutex
	inSeq    uint64
	inSeqSet bool

	outbound chan []byte
	inbound  chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.Mutex
	err   error
}

// NewSession wraps conn as an encrypted duplex Session for role, deriving
// directional AEAD keys from sharedSecret and salt. initiator must match
// which side dialed versus accepted the underlying connection; see
// DeriveDirectionalKeys.
func NewSession(conn wireConn, role Role, initiator bool, sharedSecret, salt []byte, opts ...Option) (*Session, error) {
	sendKey, recvKey, err := DeriveDirectionalKeys(sharedSecret, salt, initiator)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		conn:     conn,
		role:     role,
		encKey:   sendKey,
		decKey:   recvKey,
		cfg:      cfg,
		outbound: make(chan []byte, cfg.OutboundQueueDepth),
		inbound:  make(chan []byte, defaultInboundQueueDepth),
		closed:   make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

// Send enqueues payload for encryption and transmission, blocking if the
// outbound queue is full or until ctx is done or the session closes.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.closed:
		return s.Err()
	default:
	}
	select {
	case s.outbound <- payload:
		return nil
	case <-s.closed:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next payload delivered in arrival order, or the
// session's terminal error once closed.
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-s.closed:
		return nil, s.Err()
	default:
	}
	select {
	case payload, ok := <-s.inbound:
		if !ok {
			return nil, s.Err()
		}
		return payload, nil
	case <-s.closed:
		return nil, s.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed once the session has terminated, so a
// supervisor can react to teardown without blocking in Send/Recv.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns the terminal error that closed the session, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err != nil {
		return s.err
	}
	return fmt.Errorf("transport session closed")
}

// Close tears down the session without recording a TransportError.
func (s *Session) Close() {
	s.fail(nil)
}

func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
			logger.Warn("transport session closed on error", logger.String("role", string(s.role)), logger.Error(err))
		}
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case payload := <-s.outbound:
			if err := s.sendFrame(payload); err != nil {
				s.fail(err)
				return
			}
		case <-ticker.C:
			if err := s.sendFrame(nil); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Session) sendFrame(payload []byte) error {
	seq := atomic.AddUint64(&s.outSeq, 1) - 1
	nonce, err := cryptoprim.RandomBytes(nonceSize)
	if err != nil {
		return err
	}
	aad := buildAAD(s.role.byte(), seq)
	ct, err := cryptoprim.AEADSeal(s.encKey, nonce, aad, payload)
	if err != nil {
		return err
	}
	var n [nonceSize]byte
	copy(n[:], nonce)
	wire := EncodeFrame(&Frame{Seq: seq, Nonce: n, Ciphertext: ct})

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, wire); err != nil {
		metrics.FramesProcessed.WithLabelValues("outbound", "failure").Inc()
		return fmt.Errorf("write frame: %w", err)
	}
	metrics.FramesProcessed.WithLabelValues("outbound", "success").Inc()
	metrics.FrameSize.Observe(float64(len(payload)))
	return nil
}

func (s *Session) readLoop() {
	idleWindow := 3 * s.cfg.HeartbeatInterval
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleWindow)); err != nil {
			s.fail(fmt.Errorf("set read deadline: %w", err))
			return
		}

		_, wire, err := s.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				s.fail(&Error{Kind: KindIdle, Message: fmt.Sprintf("no frame received within %s", idleWindow), Cause: err})
			} else {
				s.fail(fmt.Errorf("read frame: %w", err))
			}
			return
		}

		start := time.Now()
		payload, terr := s.decodeAndOpen(wire)
		metrics.FrameProcessingDuration.Observe(time.Since(start).Seconds())
		if terr != nil {
			s.fail(terr)
			return
		}
		if len(payload) == 0 {
			continue // heartbeat frame: liveness only, not delivered to the application
		}

		select {
		case s.inbound <- payload:
		case <-s.closed:
			return
		}
	}
}

func (s *Session) decodeAndOpen(wire []byte) ([]byte, error) {
	if len(wire) > headerSize+s.cfg.MaxFrameSize {
		metrics.FramesProcessed.WithLabelValues("inbound", "failure").Inc()
		return nil, &Error{Kind: KindOversize, Message: fmt.Sprintf("frame of %d bytes exceeds max %d", len(wire), s.cfg.MaxFrameSize)}
	}

	f, err := DecodeFrame(wire)
	if err != nil {
		metrics.FramesProcessed.WithLabelValues("inbound", "failure").Inc()
		return nil, &Error{Kind: KindIntegrity, Message: "malformed frame", Cause: err}
	}

	s.inMu.Lock()
	expected := uint64(0)
	if s.inSeqSet {
		expected = s.inSeq + 1
	}
	if f.Seq != expected {
		s.inMu.Unlock()
		status := "replayed"
		if f.Seq > expected {
			status = "gap"
		}
		metrics.FrameSequenceValidations.WithLabelValues(status).Inc()
		metrics.ReplayFramesDetected.Inc()
		metrics.FramesProcessed.WithLabelValues("inbound", "failure").Inc()
		return nil, &Error{Kind: KindReplay, Message: fmt.Sprintf("seq %d, expected %d", f.Seq, expected)}
	}
	s.inSeq = f.Seq
	s.inSeqSet = true
	s.inMu.Unlock()
	metrics.FrameSequenceValidations.WithLabelValues("valid").Inc()

	aad := buildAAD(s.role.byte(), f.Seq)
	payload, err := cryptoprim.AEADOpen(s.decKey, f.Nonce[:], aad, f.Ciphertext)
	if err != nil {
		metrics.FramesProcessed.WithLabelValues("inbound", "failure").Inc()
		return nil, &Error{Kind: KindIntegrity, Message: "aead open failed", Cause: err}
	}
	metrics.FramesProcessed.WithLabelValues("inbound", "success").Inc()
	metrics.FrameSize.Observe(float64(len(payload)))
	return payload, nil
}
