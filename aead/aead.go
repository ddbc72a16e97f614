// Copyright (C) 2024 Cairn Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm identifies an AEAD scheme. The numeric value is persisted
// in the segment header and must never be reassigned.
type Algorithm byte

const (
	// ChaCha20Poly1305 is the default algorithm: fast in software,
	// no hardware AES dependency.
	ChaCha20Poly1305 Algorithm = iota
	// AES256GCM is selectable for deployments that prefer AES-NI or
	// need FIPS-adjacent primitives.
	AES256GCM
)

func (a Algorithm) String() string {
	switch a {
	case ChaCha20Poly1305:
		return "chacha20-poly1305"
	case AES256GCM:
		return "aes-256-gcm"
	default:
		return fmt.Sprintf("algorithm(%d)", byte(a))
	}
}

// ErrAuth is returned when a ciphertext, nonce, or AAD fails
// authentication. Like crypto/cipher's AEAD contract, any partially
// written output on this path must be discarded by the caller.
var ErrAuth = errors.New("aead: message authentication failed")

// Cipher seals and opens byte slices under a single key. Implementations
// wrap the stdlib/x/crypto primitives directly; they add no framing of
// their own beyond what cipher.AEAD already provides, so the caller is
// responsible for persisting the nonce alongside the ciphertext (see
// the record package's frame layout).
type Cipher interface {
	// Algorithm reports which on-disk tag this cipher corresponds to.
	Algorithm() Algorithm
	// NonceSize is always aead.NonceLength for both implementations.
	NonceSize() int
	// Seal encrypts and authenticates plaintext, returning a fresh
	// random nonce and the sealed ciphertext (tag appended).
	Seal(plaintext, aad []byte) (nonce Nonce, ciphertext []byte, err error)
	// Open authenticates and decrypts ciphertext produced by Seal. It
	// returns ErrAuth (not a wrapped error) on any tampering so
	// callers can match with errors.Is uniformly across algorithms.
	Open(nonce Nonce, ciphertext, aad []byte) ([]byte, error)
}

// New constructs a Cipher for the given algorithm and key.
func New(alg Algorithm, key *Key) (Cipher, error) {
	switch alg {
	case ChaCha20Poly1305:
		a, err := chacha20poly1305.New(key[:])
		if err != nil {
			return nil, fmt.Errorf("aead: chacha20poly1305 init: %w", err)
		}
		return &genericCipher{alg: ChaCha20Poly1305, aead: a}, nil
	case AES256GCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, fmt.Errorf("aead: aes init: %w", err)
		}
		a, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("aead: gcm init: %w", err)
		}
		return &genericCipher{alg: AES256GCM, aead: a}, nil
	default:
		return nil, fmt.Errorf("aead: unsupported algorithm %v", alg)
	}
}

// genericCipher adapts a stdlib cipher.AEAD to the Cipher interface;
// both supported algorithms use 12-byte nonces so one implementation
// covers both, matching the teacher proxy's createAEAD pattern of a
// single thin wrapper around whichever cipher.AEAD it is handed.
type genericCipher struct {
	alg  Algorithm
	aead cipher.AEAD
}

func (g *genericCipher) Algorithm() Algorithm { return g.alg }
func (g *genericCipher) NonceSize() int       { return g.aead.NonceSize() }

func (g *genericCipher) Seal(plaintext, aad []byte) (Nonce, []byte, error) {
	var nonce Nonce
	if g.aead.NonceSize() != NonceLength {
		return nonce, nil, fmt.Errorf("aead: unexpected nonce size %d", g.aead.NonceSize())
	}
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("aead: generate nonce: %w", err)
	}
	ct := g.aead.Seal(nil, nonce[:], plaintext, aad)
	return nonce, ct, nil
}

func (g *genericCipher) Open(nonce Nonce, ciphertext, aad []byte) ([]byte, error) {
	pt, err := g.aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuth
	}
	return pt, nil
}
