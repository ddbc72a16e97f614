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

package pq

import "github.com/cairn-labs/vecmemory/bitpack"

// PackedLen returns the on-disk byte length of m codes at the given bit
// width, prior to entropy coding.
func (c *Codebook) PackedLen() int {
	return bitpack.ByteLen(c.M, uint(c.Bits))
}

// PackCodes tightens codes (one byte per sub-quantizer, as returned by
// Encode) down to Bits-wide slots, so an 8-bit codebook's codes pass
// through unchanged while a 4-bit codebook's codes take half the space
// before entropy coding sees them.
func (c *Codebook) PackCodes(codes []byte) ([]byte, error) {
	if len(codes) != c.M {
		return nil, ErrDimension
	}
	if c.Bits == 8 {
		return append([]byte(nil), codes...), nil
	}
	values := make([]uint32, c.M)
	for i, v := range codes {
		values[i] = uint32(v)
	}
	return bitpack.Pack(values, uint(c.Bits), nil)
}

// UnpackCodes reverses PackCodes, expanding packed back to one byte per
// sub-quantizer so the result can be passed directly to LUT.Score.
func (c *Codebook) UnpackCodes(packed []byte) ([]byte, error) {
	if c.Bits == 8 {
		if len(packed) != c.M {
			return nil, ErrDimension
		}
		return append([]byte(nil), packed...), nil
	}
	values, err := bitpack.Unpack(packed, c.M, uint(c.Bits))
	if err != nil {
		return nil, err
	}
	codes := make([]byte, c.M)
	for i, v := range values {
		codes[i] = byte(v)
	}
	return codes, nil
}
