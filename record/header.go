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

// Package record implements the on-disk segment header and record
// frame codec: fixed 64-byte headers, length-prefixed record framing
// with CRC32 integrity, and the parse errors a segment reader
// classifies corruption into.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed width of a segment header in bytes.
const HeaderSize = 64

// Magic identifies a vecmemory segment file.
var Magic = [4]byte{'V', 'E', 'C', '0'}

// Version is the only segment format version this package can open.
// Any other value in a header's Version field is refused.
const Version = uint32(1)

// ErrBadMagic is returned when a segment's first four bytes do not
// match Magic.
var ErrBadMagic = errors.New("record: bad segment magic")

// ErrUnsupportedVersion is returned when a segment header declares a
// version this package does not know how to read.
var ErrUnsupportedVersion = errors.New("record: unsupported segment version")

// ErrShortHeader is returned when fewer than HeaderSize bytes are
// available to parse a header.
var ErrShortHeader = errors.New("record: short segment header")

// Header is the fixed 64-byte preamble of a segment file. It pins the
// dimension, sub-quantizer shape, AEAD algorithm, and codebook
// identity that every record in the segment must agree with.
//
// EntropyAlgo and IVFCoarseK are carved out of the format's reserved
// area (the model itself needs no segment-wide training pass, since
// both the rANS and Huffman codecs embed a self-contained model per
// call; what the header needs to pin is which algorithm every record
// in the segment used, and whether IVF coarse ids are present).
type Header struct {
	Dim          uint32
	SubQM        uint16
	SubQBits     uint8
	AEADID       uint8
	CodebookHash [16]byte
	CreatedAtS   uint64
	EntropyAlgo  uint8
	IVFCoarseK   uint8 // 0 disables IVF
	Reserved     [22]byte
}

// Encode serializes the header to exactly HeaderSize bytes.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.Dim)
	binary.LittleEndian.PutUint16(buf[12:14], h.SubQM)
	buf[14] = h.SubQBits
	buf[15] = h.AEADID
	copy(buf[16:32], h.CodebookHash[:])
	binary.LittleEndian.PutUint64(buf[32:40], h.CreatedAtS)
	buf[40] = h.EntropyAlgo
	buf[41] = h.IVFCoarseK
	copy(buf[42:64], h.Reserved[:])
	return buf
}

// DecodeHeader parses a segment header from buf, which must be at
// least HeaderSize bytes. It refuses any magic mismatch or
// unrecognized version, per spec: "unknown version => refuse to
// open".
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, ErrShortHeader
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if magic != Magic {
		return nil, ErrBadMagic
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != Version {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, version)
	}
	h := &Header{
		Dim:      binary.LittleEndian.Uint32(buf[8:12]),
		SubQM:    binary.LittleEndian.Uint16(buf[12:14]),
		SubQBits: buf[14],
		AEADID:   buf[15],
	}
	copy(h.CodebookHash[:], buf[16:32])
	h.CreatedAtS = binary.LittleEndian.Uint64(buf[32:40])
	h.EntropyAlgo = buf[40]
	h.IVFCoarseK = buf[41]
	copy(h.Reserved[:], buf[42:64])
	return h, nil
}
