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

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// codebookMagic identifies a serialized codebook file. The segment
// header only carries the codebook's 16-byte hash, not its centroids,
// so the trained model is persisted separately and verified against
// that hash when loaded.
var codebookMagic = [4]byte{'P', 'Q', 'C', 'B'}

const codebookFormatVersion = uint32(1)

// ErrBadCodebookMagic is returned when a byte stream does not start
// with the codebook file magic.
var ErrBadCodebookMagic = errors.New("pq: bad codebook file magic")

// ErrUnsupportedCodebookVersion is returned for a codebook file whose
// version this package does not know how to read.
var ErrUnsupportedCodebookVersion = errors.New("pq: unsupported codebook file version")

// Marshal serializes the codebook's full trained state (shape, mean,
// and every centroid) to a self-contained byte stream, row-major
// float32 little-endian, matching the byte order Hash() computes over.
func (c *Codebook) Marshal() []byte {
	sub := c.SubDim()
	k := c.K()
	size := 4 + 4 + 4 + 2 + 1 + 1 + 4 + len(c.Mean)*4 + c.M*k*sub*4
	buf := make([]byte, size)
	off := 0
	copy(buf[off:], codebookMagic[:])
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], codebookFormatVersion)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(c.Dim))
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(c.M))
	off += 2
	buf[off] = byte(c.Bits)
	off++
	buf[off] = byte(c.Metric)
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(c.Mean)))
	off += 4
	for _, v := range c.Mean {
		putFloat32LE(buf[off:], v)
		off += 4
	}
	for m := 0; m < c.M; m++ {
		for ki := 0; ki < k; ki++ {
			for _, v := range c.Centroids[m][ki] {
				putFloat32LE(buf[off:], v)
				off += 4
			}
		}
	}
	return buf
}

// UnmarshalCodebook reverses Marshal. It does not itself verify the
// result's Hash() against any expected value; callers that load a
// codebook to open an existing segment are expected to do that check
// (segment header codebook_hash mismatch => refuse to open).
func UnmarshalCodebook(buf []byte) (*Codebook, error) {
	if len(buf) < 20 {
		return nil, fmt.Errorf("%w: truncated header", ErrBadCodebookMagic)
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if magic != codebookMagic {
		return nil, ErrBadCodebookMagic
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != codebookFormatVersion {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedCodebookVersion, version)
	}
	dim := int(binary.LittleEndian.Uint32(buf[8:12]))
	m := int(binary.LittleEndian.Uint16(buf[12:14]))
	bits := int(buf[14])
	metric := Metric(buf[15])
	meanLen := int(binary.LittleEndian.Uint32(buf[16:20]))
	off := 20

	cb, err := NewCodebook(dim, m, bits, metric)
	if err != nil {
		return nil, err
	}

	if meanLen > 0 {
		if len(buf) < off+meanLen*4 {
			return nil, fmt.Errorf("%w: truncated mean", ErrBadCodebookMagic)
		}
		cb.Mean = make([]float32, meanLen)
		for i := range cb.Mean {
			cb.Mean[i] = getFloat32LE(buf[off:])
			off += 4
		}
	}

	sub := cb.SubDim()
	k := cb.K()
	cb.Centroids = make([][][]float32, m)
	for mi := 0; mi < m; mi++ {
		cb.Centroids[mi] = make([][]float32, k)
		for ki := 0; ki < k; ki++ {
			if len(buf) < off+sub*4 {
				return nil, fmt.Errorf("%w: truncated centroids", ErrBadCodebookMagic)
			}
			row := make([]float32, sub)
			for d := range row {
				row[d] = getFloat32LE(buf[off:])
				off += 4
			}
			cb.Centroids[mi][ki] = row
		}
	}
	return cb, nil
}

func getFloat32LE(src []byte) float32 {
	bits := uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
	return math.Float32frombits(bits)
}
