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

package record

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// MaxEncPayload is the default cap on a record's encrypted payload
// size; records whose enc_len would exceed it are classified Oversize
// rather than written or accepted on read.
const MaxEncPayload = 1 << 20 // 1 MiB

// ErrZeroID is returned when constructing or parsing a record whose id
// is zero; ids are defined to be nonzero so that zero can be used as a
// sentinel for "no record" elsewhere.
var ErrZeroID = errors.New("record: id must be nonzero")

// ErrCorrupt is returned for any CRC mismatch, truncated frame, or
// other parse failure that indicates the bytes do not encode a valid
// record. It never distinguishes "wrong plaintext" from "tampered
// bytes"; that distinction belongs to the AEAD layer one level up.
var ErrCorrupt = errors.New("record: corrupt frame")

// ErrOversize is returned when a frame's declared enc_len or
// payload_len exceeds MaxEncPayload.
var ErrOversize = errors.New("record: oversize field")

// Record is the decoded form of an on-disk frame: a sealed,
// PQ-encoded, entropy-packed vector plus caller-opaque payload bytes.
// EncPayload is exactly the AEAD ciphertext with tag appended; it is
// opaque at this layer, which is solely responsible for framing and
// integrity of the frame itself.
type Record struct {
	ID         uint64
	TimestampS uint64
	Nonce      [12]byte
	EncPayload []byte
	Payload    []byte
}

// Serialize renders r as a single frame:
//
//	id: u64 | timestamp_s: u64 | nonce: [12]byte | enc_len: u32 |
//	enc_payload | payload_len: u32 | payload | crc32: u32
//
// all integers little-endian. crc32 (IEEE) is computed over every
// field except enc_payload: enc_payload's integrity and authenticity
// are already guaranteed by the AEAD tag it carries, one layer up, so
// the frame CRC is scoped to the fields this package itself owns
// (framing, lengths, and the cleartext payload used for predicate
// matching). This keeps a single-record ciphertext tamper (§8 S4)
// distinguishable from true frame corruption: the former still parses
// and is handed to the caller, which reports it as an AEAD failure;
// the latter fails here and is reported as a corrupt frame. Serialize
// performs a single allocation sized exactly to the output.
func Serialize(r *Record) ([]byte, error) {
	if r.ID == 0 {
		return nil, ErrZeroID
	}
	if len(r.EncPayload) > MaxEncPayload || len(r.Payload) > MaxEncPayload {
		return nil, ErrOversize
	}

	size := 8 + 8 + 12 + 4 + len(r.EncPayload) + 4 + len(r.Payload) + 4
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], r.ID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], r.TimestampS)
	off += 8
	copy(buf[off:], r.Nonce[:])
	off += 12
	encLenOff := off
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.EncPayload)))
	off += 4
	encPayloadOff := off
	copy(buf[off:], r.EncPayload)
	off += len(r.EncPayload)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Payload)))
	off += 4
	copy(buf[off:], r.Payload)
	off += len(r.Payload)

	h := crc32.NewIEEE()
	h.Write(buf[:encLenOff+4])
	h.Write(buf[encPayloadOff+len(r.EncPayload) : off])
	binary.LittleEndian.PutUint32(buf[off:], h.Sum32())

	return buf, nil
}

// TryParse attempts to decode a single frame from the front of buf. It
// returns the decoded record and the number of bytes consumed (which
// may be less than len(buf) -- callers reading a stream of records
// advance by consumed and retry). Parse never reads past the frame's
// own declared lengths, so a well-formed record followed by unrelated
// or partially-written bytes parses cleanly.
//
// enc_len or payload_len greater than MaxEncPayload fails with
// ErrOversize before any CRC work; a CRC mismatch (including on a torn
// write where the declared lengths run past the end of buf) fails with
// ErrCorrupt.
func TryParse(buf []byte) (*Record, int, error) {
	const fixedPrefix = 8 + 8 + 12 + 4
	if len(buf) < fixedPrefix {
		return nil, 0, ErrCorrupt
	}
	off := 0
	id := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	if id == 0 {
		return nil, 0, ErrZeroID
	}
	ts := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	var nonce [12]byte
	copy(nonce[:], buf[off:off+12])
	off += 12
	encLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	encPayloadOff := off // end of the enc_len field, where enc_payload begins
	if encLen > MaxEncPayload {
		return nil, 0, ErrOversize
	}
	if len(buf) < off+int(encLen)+4 {
		return nil, 0, ErrCorrupt
	}
	encPayload := buf[off : off+int(encLen)]
	off += int(encLen)

	payloadLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if payloadLen > MaxEncPayload {
		return nil, 0, ErrOversize
	}
	if len(buf) < off+int(payloadLen)+4 {
		return nil, 0, ErrCorrupt
	}
	payload := buf[off : off+int(payloadLen)]
	off += int(payloadLen)

	crcWant := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	h := crc32.NewIEEE()
	h.Write(buf[:encPayloadOff])
	h.Write(buf[encPayloadOff+int(encLen) : off-4])
	if h.Sum32() != crcWant {
		return nil, 0, ErrCorrupt
	}

	r := &Record{
		ID:         id,
		TimestampS: ts,
		Nonce:      nonce,
		EncPayload: append([]byte(nil), encPayload...),
		Payload:    append([]byte(nil), payload...),
	}
	return r, off, nil
}

