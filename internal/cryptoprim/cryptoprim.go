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

// Package cryptoprim wraps the primitives the rest of the sidecar is built
// on: Ed25519 sign/verify, X25519 Diffie-Hellman, HKDF-SHA256, ChaCha20-
// Poly1305 AEAD, and HPKE sealed-box open/seal. Nothing here implements a
// cryptographic algorithm itself; it calls into crypto/ed25519, crypto/ecdh
// and the golang.org/x/crypto and circl packages the rest of the module
// depends on, and normalizes their failure modes into the three CryptoError
// kinds the rest of the runtime reasons about.
package cryptoprim

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"github.com/cloudflare/circl/hpke"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/sage-x-project/challenge-sidecar/internal/metrics"
)

// Kind tags a CryptoError with the taxonomy spec.md §7 names for this
// component: Verify, Decrypt, Entropy.
type Kind string

const (
	KindVerify  Kind = "Verify"
	KindDecrypt Kind = "Decrypt"
	KindEntropy Kind = "Entropy"
)

// Error is a CryptoError: a primitive failure, terminal for the session
// (or process, for entropy failures) that triggered it.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("CryptoError::%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("CryptoError::%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// hpkeSuite is the fixed HPKE Base-mode ciphersuite used for sealed-box
// operations: X25519 KEM, HKDF-SHA256, ChaCha20-Poly1305 AEAD.
var hpkeSuite = hpke.NewSuite(
	hpke.KEM_X25519_HKDF_SHA256,
	hpke.KDF_HKDF_SHA256,
	hpke.AEAD_ChaCha20Poly1305,
)

// RandomBytes returns n cryptographically random bytes, or
// CryptoError::Entropy if the system CSPRNG is exhausted or unavailable.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, newErr(KindEntropy, "failed to read random bytes", err)
	}
	return buf, nil
}

// Sign produces an Ed25519 signature over msg using sk (a 64-byte
// ed25519.PrivateKey).
func Sign(sk ed25519.PrivateKey, msg []byte) ([]byte, error) {
	return ed25519.Sign(sk, msg), nil
}

// Verify checks an Ed25519 signature. A mismatched signature or malformed
// key yields CryptoError::Verify, never a bare bool, so callers cannot
// accidentally ignore the failure path.
func Verify(pk ed25519.PublicKey, msg, sig []byte) error {
	if len(pk) != ed25519.PublicKeySize {
		return newErr(KindVerify, "malformed ed25519 public key", nil)
	}
	if !ed25519.Verify(pk, msg, sig) {
		return newErr(KindVerify, "signature verification failed", nil)
	}
	return nil
}

// DH computes the raw 32-byte X25519 shared secret between sk and pk.
// Low-order / identity points are rejected, since they would collapse the
// shared secret to a constant known to any observer.
func DH(sk *ecdh.PrivateKey, pk *ecdh.PublicKey) ([]byte, error) {
	raw, err := sk.ECDH(pk)
	if err != nil {
		return nil, newErr(KindVerify, "x25519 ECDH failed", err)
	}
	var zero [32]byte
	if subtle.ConstantTimeCompare(raw, zero[:]) == 1 {
		return nil, newErr(KindVerify, "x25519 produced a low-order shared secret", nil)
	}
	return raw, nil
}

// HKDF derives length bytes via HKDF-SHA256(salt, ikm, info).
func HKDF(salt, ikm, info []byte, length int) ([]byte, error) {
	h := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, newErr(KindEntropy, "hkdf expand failed", err)
	}
	return out, nil
}

// AEADSeal seals plaintext with ChaCha20-Poly1305 under key/nonce/aad,
// returning ciphertext||tag.
func AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, newErr(KindVerify, "failed to initialize AEAD", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, newErr(KindVerify, "wrong nonce size for AEAD", nil)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpen opens ciphertext||tag with ChaCha20-Poly1305 under
// key/nonce/aad. Any authentication failure surfaces as
// CryptoError::Decrypt; callers in the transport layer map this to
// TransportError::Integrity.
func AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, newErr(KindVerify, "failed to initialize AEAD", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, newErr(KindDecrypt, "wrong nonce size for AEAD", nil)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, newErr(KindDecrypt, "AEAD authentication failed", err)
	}
	return pt, nil
}

// Ed25519PrivToX25519 converts an Ed25519 private key to the Curve25519
// scalar used for sealed-box decryption, per RFC 8032 §5.1.5. This is the
// birational map the spec's SealedCredentials scheme couples to the
// long-term signing key; see the coupling note on DeriveSealedBoxKey
// in package identity.
func Ed25519PrivToX25519(sk ed25519.PrivateKey) (*ecdh.PrivateKey, error) {
	if len(sk) != ed25519.PrivateKeySize {
		return nil, newErr(KindVerify, "malformed ed25519 private key", nil)
	}
	seed := sk.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	priv, err := ecdh.X25519().NewPrivateKey(h[:32])
	if err != nil {
		return nil, newErr(KindVerify, "failed to build x25519 private key", err)
	}
	return priv, nil
}

// Ed25519PubToX25519 converts an Ed25519 public key to its Montgomery-form
// X25519 counterpart by decompressing the Edwards point.
func Ed25519PubToX25519(pk ed25519.PublicKey) (*ecdh.PublicKey, error) {
	if len(pk) != ed25519.PublicKeySize {
		return nil, newErr(KindVerify, "malformed ed25519 public key", nil)
	}
	p, err := new(edwards25519.Point).SetBytes(pk)
	if err != nil {
		return nil, newErr(KindVerify, "invalid ed25519 point", err)
	}
	pub, err := ecdh.X25519().NewPublicKey(p.BytesMontgomery())
	if err != nil {
		return nil, newErr(KindVerify, "failed to build x25519 public key", err)
	}
	return pub, nil
}

// SealedOpen opens an HPKE Base-mode sealed box addressed to recipientSK,
// as produced by SealedSeal. info binds the box to its purpose (the spec
// uses this for SealedCredentials DSN delivery) and must match on both
// sides.
func SealedOpen(recipientSK *ecdh.PrivateKey, info, ciphertext []byte) ([]byte, error) {
	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	skR, err := kem.UnmarshalBinaryPrivateKey(recipientSK.Bytes())
	if err != nil {
		return nil, newErr(KindDecrypt, "failed to unmarshal hpke private key", err)
	}

	receiver, err := hpkeSuite.NewReceiver(skR, info)
	if err != nil {
		return nil, newErr(KindDecrypt, "failed to set up hpke receiver", err)
	}

	const encLen = 32 // X25519 KEM encapsulated-key length
	if len(ciphertext) < encLen {
		return nil, newErr(KindDecrypt, "sealed box shorter than encapsulated key", nil)
	}
	enc, ct := ciphertext[:encLen], ciphertext[encLen:]

	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, newErr(KindDecrypt, "hpke receiver setup failed", err)
	}
	pt, err := opener.Open(ct, nil)
	if err != nil {
		return nil, newErr(KindDecrypt, "hpke open failed", err)
	}
	metrics.CryptoOperations.WithLabelValues("sealed_open", "hpke_x25519").Inc()
	return pt, nil
}

// SealedSeal produces an HPKE Base-mode sealed box addressed to
// recipientPK, returning enc||ciphertext.
func SealedSeal(recipientPK *ecdh.PublicKey, info, plaintext []byte) ([]byte, error) {
	kem := hpke.KEM_X25519_HKDF_SHA256.Scheme()
	pkR, err := kem.UnmarshalBinaryPublicKey(recipientPK.Bytes())
	if err != nil {
		return nil, newErr(KindVerify, "failed to unmarshal hpke public key", err)
	}

	sender, err := hpkeSuite.NewSender(pkR, info)
	if err != nil {
		return nil, newErr(KindVerify, "failed to set up hpke sender", err)
	}

	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, newErr(KindEntropy, "hpke sender setup failed", err)
	}
	ct, err := sealer.Seal(plaintext, nil)
	if err != nil {
		return nil, newErr(KindVerify, "hpke seal failed", err)
	}
	metrics.CryptoOperations.WithLabelValues("sealed_seal", "hpke_x25519").Inc()
	return append(append([]byte{}, enc...), ct...), nil
}
