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

// Package identity owns the process's long-term Ed25519 identity, the
// per-session X25519 ephemeral key pairs derived from it, and the
// attestation bootstrap that binds both into a signed envelope a peer can
// verify. Quote generation is abstracted behind QuoteProvider so the same
// bootstrap logic runs against a real TEE driver in production and a
// deterministic stub under --dev-mode.
package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/sage-x-project/challenge-sidecar/internal/cryptoprim"
	"github.com/sage-x-project/challenge-sidecar/internal/logger"
)

// Identity is the process's long-term Ed25519 signing key. It is generated
// once at process start, held in memory for the process lifetime, and
// zeroized on shutdown. Its birational Curve25519 image is cached lazily
// for SealedCredentials decryption — see DeriveSealedBoxKey.
type Identity struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey

	sealedBoxPriv *ecdh.PrivateKey
	sealedBoxPub  *ecdh.PublicKey
}

// NewIdentity generates a fresh long-term Ed25519 identity.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 identity: %w", err)
	}
	return &Identity{pub: pub, priv: priv}, nil
}

// PublicKey returns the long-term Ed25519 public key.
func (id *Identity) PublicKey() ed25519.PublicKey { return id.pub }

// Sign signs msg with the long-term Ed25519 key.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	return cryptoprim.Sign(id.priv, msg)
}

// DeriveSealedBoxKey returns the X25519 key pair obtained by converting this
// identity's Ed25519 key via the well-known birational map.
//
// This reuses the long-term signing key for decryption, coupling signing
// and encryption keys. That coupling is accepted as specified and must not
// change without a protocol version bump; it is not migrated to a
// dedicated encryption key pair here.
func (id *Identity) DeriveSealedBoxKey() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	if id.sealedBoxPriv != nil {
		return id.sealedBoxPriv, id.sealedBoxPub, nil
	}
	priv, err := cryptoprim.Ed25519PrivToX25519(id.priv)
	if err != nil {
		return nil, nil, err
	}
	id.sealedBoxPriv = priv
	id.sealedBoxPub = priv.PublicKey()
	return id.sealedBoxPriv, id.sealedBoxPub, nil
}

// Zeroize best-effort clears the private key material. It does not
// invalidate derived X25519 keys already handed to callers.
func (id *Identity) Zeroize() {
	for i := range id.priv {
		id.priv[i] = 0
	}
	logger.Debug("identity zeroized")
}

// EphemeralKeyPair is a per-peer-session X25519 key pair. A fresh one is
// generated for every bootstrap and is never reused across sessions.
type EphemeralKeyPair struct {
	priv *ecdh.PrivateKey
	pub  *ecdh.PublicKey
}

// NewEphemeralKeyPair generates a fresh X25519 ephemeral key pair.
func NewEphemeralKeyPair() (*EphemeralKeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral x25519 key: %w", err)
	}
	return &EphemeralKeyPair{priv: priv, pub: priv.PublicKey()}, nil
}

// PrivateKey returns the ephemeral private key.
func (kp *EphemeralKeyPair) PrivateKey() *ecdh.PrivateKey { return kp.priv }

// PublicKey returns the ephemeral public key.
func (kp *EphemeralKeyPair) PublicKey() *ecdh.PublicKey { return kp.pub }

// ReportData computes SHA-256(ed25519_pub || x25519_pub || nonce), the
// value a TEE quote binds into its report_data field.
func ReportData(edPub ed25519.PublicKey, xPub *ecdh.PublicKey, nonce [32]byte) [32]byte {
	h := sha256.New()
	h.Write(edPub)
	h.Write(xPub.Bytes())
	h.Write(nonce[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
