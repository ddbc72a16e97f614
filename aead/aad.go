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
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// BuildAAD assembles the additional authenticated data bound to every
// sealed record: the segment header bytes verbatim, the record id, and
// its timestamp. Binding the header means a record moved or replayed
// into a segment with a different dimension, codebook, or algorithm
// selection fails authentication instead of silently decoding under
// the wrong interpretation; binding id/timestamp detects any tampering
// with the surrounding frame, not just the ciphertext itself.
func BuildAAD(header []byte, recordID, timestampS uint64) []byte {
	aad := make([]byte, len(header)+8+8)
	n := copy(aad, header)
	binary.LittleEndian.PutUint64(aad[n:], recordID)
	binary.LittleEndian.PutUint64(aad[n+8:], timestampS)
	return aad
}

// ContentHash128 computes a keyless BLAKE2b-128 digest of data for
// content-identity checks; the segment format itself does not use it
// (codebook hashes come from pq.Codebook.Hash). This mirrors the
// teacher's blockfmt index signature construction (blake2b.New256 over
// a keyed secret) but uses the unkeyed 128-bit variant, since this
// digest is for deduplication/identity rather than authentication --
// authentication is Cipher's job.
func ContentHash128(data []byte) [16]byte {
	h, _ := blake2b.New(16, nil)
	h.Write(data)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}
