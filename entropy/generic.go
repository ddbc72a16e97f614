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

import "github.com/cairn-labs/vecmemory/compr"

// genericBlockCodec is the generic block fallback named in the entropy
// algorithm table (spec: "Zstd (block generic fallback)"). It is a thin
// adapter over the module's existing compr package, which already wraps
// klauspost/compress's zstd and s2 implementations.
type genericBlockCodec struct {
	name string
}

func (g genericBlockCodec) Encode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	c := compr.Compression(g.name)
	if c == nil {
		return nil, ErrCorrupt
	}
	return c.Compress(src, nil), nil
}

func (g genericBlockCodec) Decode(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	out, err := compr.DecodeZstd(src, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}
