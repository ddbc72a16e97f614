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
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// ErrKeyDerivation is returned when a sub-key cannot be derived because
// the HKDF output stream could not be read.
var ErrKeyDerivation = errors.New("aead: key derivation failed")

// Argon2Params configures the Argon2id passphrase KDF. The zero value
// is not valid; use DefaultArgon2Params.
type Argon2Params struct {
	TimeCost    uint32
	MemoryKiB   uint32
	Parallelism uint8
}

// DefaultArgon2Params mirrors conservative desktop-class settings: a
// few hundred milliseconds of derivation time on commodity hardware,
// without requiring a server-class memory budget.
var DefaultArgon2Params = Argon2Params{
	TimeCost:    3,
	MemoryKiB:   64 * 1024,
	Parallelism: 4,
}

// DeriveRootKey stretches a passphrase and salt into a 32-byte root key
// using Argon2id. The salt should be unique per store (the segment
// header's created_at/codebook_hash fields are a reasonable source)
// but need not be secret.
func DeriveRootKey(passphrase, salt []byte, params Argon2Params) Key {
	sum := argon2.IDKey(passphrase, salt, params.TimeCost, params.MemoryKiB, params.Parallelism, KeyLength)
	var k Key
	copy(k[:], sum)
	return k
}

// DeriveSubKey expands a root key into a purpose-scoped sub-key via
// HKDF-SHA256, following the same hkdf.New(hash, secret, salt, info)
// shape used for the proxy's per-tenant mapping cache keys. purpose
// should be a short fixed string distinguishing sub-key uses (e.g.
// "record-aead", "segment-aead") so that compromising one derived key
// does not compromise another derived from the same root.
func DeriveSubKey(root *Key, purpose string) (Key, error) {
	r := hkdf.New(sha256.New, root[:], nil, []byte(purpose))
	var k Key
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return Key{}, ErrKeyDerivation
	}
	return k, nil
}
