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

package transport

import (
	"encoding/binary"
	"fmt"
)

const (
	nonceSize  = 12
	seqSize    = 8
	headerSize = seqSize + nonceSize
)

// Frame is the on-wire unit after the attestation handshake: a
// monotonically increasing per-direction sequence number, a CSPRNG-fresh
// nonce, and an AEAD ciphertext with its authentication tag appended.
// Wire layout: u64 seq (big-endian) || 12B nonce || ciphertext||tag.
type Frame struct {
	Seq        uint64
	Nonce      [nonceSize]byte
	Ciphertext []byte // AEADSeal output: ct||tag
}

// EncodeFrame serializes a Frame to its wire form.
func EncodeFrame(f *Frame) []byte {
	out := make([]byte, headerSize+len(f.Ciphertext))
	binary.BigEndian.PutUint64(out[:seqSize], f.Seq)
	copy(out[seqSize:headerSize], f.Nonce[:])
	copy(out[headerSize:], f.Ciphertext)
	return out
}

// DecodeFrame parses a wire-format frame. It does not check sequence
// ordering or open the AEAD; callers do that against session state.
func DecodeFrame(wire []byte) (*Frame, error) {
	if len(wire) < headerSize {
		return nil, fmt.Errorf("frame of %d bytes shorter than %d-byte header", len(wire), headerSize)
	}
	f := &Frame{
		Seq:        binary.BigEndian.Uint64(wire[:seqSize]),
		Ciphertext: wire[headerSize:],
	}
	copy(f.Nonce[:], wire[seqSize:headerSize])
	return f, nil
}

// buildAAD builds "role=" || role_byte || "," || seq_be8, the additional
// authenticated data spec.md §6 binds into every frame's AEAD tag.
func buildAAD(role byte, seq uint64) []byte {
	aad := make([]byte, 0, len("role=,")+1+seqSize)
	aad = append(aad, "role="...)
	aad = append(aad, role)
	aad = append(aad, ',')
	var seqBytes [seqSize]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return append(aad, seqBytes[:]...)
}
