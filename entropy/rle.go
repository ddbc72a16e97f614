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

package entropy

import "encoding/binary"

// rleCodec implements classic byte-RLE: a sequence of (count, value)
// pairs, count stored as a uvarint so arbitrarily long runs never
// overflow a single byte.
type rleCodec struct{}

func (rleCodec) Encode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	out := make([]byte, 0, len(src)/2+2)
	var buf [binary.MaxVarintLen64]byte
	i := 0
	for i < len(src) {
		j := i + 1
		for j < len(src) && src[j] == src[i] {
			j++
		}
		n := binary.PutUvarint(buf[:], uint64(j-i))
		out = append(out, buf[:n]...)
		out = append(out, src[i])
		i = j
	}
	return out, nil
}

func (rleCodec) Decode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	out := make([]byte, 0, len(src))
	i := 0
	for i < len(src) {
		count, n := binary.Uvarint(src[i:])
		if n <= 0 {
			return nil, ErrCorrupt
		}
		i += n
		if i >= len(src) {
			return nil, ErrCorrupt
		}
		v := src[i]
		i++
		for k := uint64(0); k < count; k++ {
			out = append(out, v)
		}
	}
	return out, nil
}
