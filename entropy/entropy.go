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

// Package entropy implements the per-algorithm entropy codecs used to
// compress product-quantization codes and record payloads before they are
// sealed with AEAD: rANS (12/14-bit), canonical Huffman, byte-RLE, a raw
// passthrough, and a generic block fallback (wired to the existing compr
// package). Each algorithm is assigned a stable byte tag that is persisted
// on disk; new algorithms are appended, never renumbered.
package entropy

import (
	"errors"
	"fmt"
)

// Algorithm identifies an entropy coding scheme. The numeric value is
// persisted on disk (segment header / per-record tag) and must never be
// reassigned to a different algorithm.
type Algorithm byte

const (
	Raw Algorithm = iota
	Ans12
	Ans14
	Huffman
	Rle
	Zstd
)

func (a Algorithm) String() string {
	switch a {
	case Raw:
		return "raw"
	case Ans12:
		return "ans12"
	case Ans14:
		return "ans14"
	case Huffman:
		return "huffman"
	case Rle:
		return "rle"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("algorithm(%d)", byte(a))
	}
}

// ErrInvalidTable is returned when a probability table does not sum to
// the expected total (2^precision for the rANS codecs).
var ErrInvalidTable = errors.New("entropy: invalid probability table")

// ErrCorrupt is returned when encoded bytes cannot be parsed as a valid
// stream for the selected algorithm.
var ErrCorrupt = errors.New("entropy: corrupt encoded stream")

// Codec is the capability set every entropy algorithm implements.
type Codec interface {
	// Encode returns the encoded form of src. Encoding an empty slice
	// always returns an empty slice.
	Encode(src []byte) ([]byte, error)
	// Decode reverses Encode. Decoding an empty slice always returns
	// an empty slice.
	Decode(src []byte) ([]byte, error)
}

// lengthedCodec is implemented by a codec whose DecodeTo takes the
// expected decompressed length n out of band. No codec in this package
// implements it: Rle, Huffman and rANS embed the length in their own
// streams and Zstd frames carry it, so every codec decodes via Decode.
type lengthedCodec interface {
	DecodeTo(src []byte, n int) ([]byte, error)
}

// ByAlgorithm returns the Codec implementing the given algorithm.
func ByAlgorithm(a Algorithm) (Codec, error) {
	switch a {
	case Raw:
		return rawCodec{}, nil
	case Ans12:
		return ansCodec{precision: 12}, nil
	case Ans14:
		return ansCodec{precision: 14}, nil
	case Huffman:
		return huffmanCodec{}, nil
	case Rle:
		return rleCodec{}, nil
	case Zstd:
		return genericBlockCodec{name: "zstd"}, nil
	default:
		return nil, fmt.Errorf("entropy: unsupported algorithm %v", a)
	}
}

// Encode encodes src with the named algorithm.
func Encode(a Algorithm, src []byte) ([]byte, error) {
	c, err := ByAlgorithm(a)
	if err != nil {
		return nil, err
	}
	return c.Encode(src)
}

// Decode decodes src with the named algorithm. DecodeLen additionally
// passes an expected length to codecs that take one out of band.
func Decode(a Algorithm, src []byte) ([]byte, error) {
	c, err := ByAlgorithm(a)
	if err != nil {
		return nil, err
	}
	return c.Decode(src)
}

// DecodeLen decodes src with the named algorithm, providing the expected
// decompressed length n where the codec requires it out-of-band.
func DecodeLen(a Algorithm, src []byte, n int) ([]byte, error) {
	c, err := ByAlgorithm(a)
	if err != nil {
		return nil, err
	}
	if lc, ok := c.(lengthedCodec); ok {
		return lc.DecodeTo(src, n)
	}
	return c.Decode(src)
}

type rawCodec struct{}

func (rawCodec) Encode(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}

func (rawCodec) Decode(src []byte) ([]byte, error) {
	return append([]byte(nil), src...), nil
}
