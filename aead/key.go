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

// Package aead seals and opens memory records with an authenticated
// encryption scheme: ChaCha20-Poly1305 by default, AES-256-GCM as an
// alternative selected by the same on-disk algorithm tag used
// elsewhere in this module. Keys are derived from a passphrase with
// Argon2id and then split into per-purpose sub-keys with HKDF-SHA256,
// following the same shared-secret-plus-derivation shape as the
// teacher's index signing and proxy mapping-cache code.
package aead

import (
	"fmt"
)

// KeyLength is the width of a root or derived AEAD key in bytes.
const KeyLength = 32

// Key is a 256-bit secret. It never prints its contents via %v/%s/%q,
// and Zero must be called as soon as the key is no longer needed so it
// does not linger in memory longer than necessary.
type Key [KeyLength]byte

// String and GoString deliberately do not reveal key material.
func (k Key) String() string   { return "aead.Key(REDACTED)" }
func (k Key) GoString() string { return "aead.Key(REDACTED)" }

// Zero overwrites the key with zeroes.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// Lock attempts to pin the key's backing memory so it is never written
// to swap. It is a best-effort call: platforms without mlock support
// return nil rather than an error, since spec.md requires this "where
// OS support exists" and not as a hard precondition for operation. The
// actual syscall lives in a build-tagged file (mlock/munlock), mirroring
// the same platform-split pattern segment's mmap uses.
func (k *Key) Lock() error {
	if err := mlock(k[:]); err != nil {
		return fmt.Errorf("aead: mlock key: %w", err)
	}
	return nil
}

// Unlock releases a previous Lock call.
func (k *Key) Unlock() error {
	if err := munlock(k[:]); err != nil {
		return fmt.Errorf("aead: munlock key: %w", err)
	}
	return nil
}

// NonceLength is the width of the nonce used by both supported AEAD
// algorithms (ChaCha20-Poly1305's default construction and stdlib
// AES-GCM both use 12-byte nonces, so Cipher does not need to branch
// on nonce width by algorithm).
const NonceLength = 12

// Nonce is a single-use AEAD nonce. Reusing a Nonce with the same Key
// breaks confidentiality, so callers must draw nonces from Cipher's
// Seal, which always generates them from crypto/rand.
type Nonce [NonceLength]byte

func (n *Nonce) String() string   { return "aead.Nonce(REDACTED)" }
func (n *Nonce) GoString() string { return "aead.Nonce(REDACTED)" }

// Zero overwrites the nonce with zeroes.
func (n *Nonce) Zero() {
	for i := range n {
		n[i] = 0
	}
}
