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

package search

import (
	"context"
	"errors"

	"github.com/cairn-labs/vecmemory/aead"
	"github.com/cairn-labs/vecmemory/entropy"
	"github.com/cairn-labs/vecmemory/pq"
	"github.com/cairn-labs/vecmemory/record"
	"github.com/cairn-labs/vecmemory/segment"
)

// ErrCancelled is returned when a Query's context is cancelled before
// completion. No partial result is returned on this path, per the
// cooperative-cancellation contract.
var ErrCancelled = errors.New("search: query cancelled")

// ErrKRange is returned when k is outside the query contract's
// 0 < k <= 1024 range.
var ErrKRange = errors.New("search: k must satisfy 0 < k <= 1024")

const maxK = 1024

// Predicate filters candidate records by their opaque payload bytes
// after a successful AEAD open but before PQ scoring is bothered
// with; returning false excludes the candidate from the result.
type Predicate func(payload []byte) bool

// Entropy identifies which entropy algorithm was used to pack a
// record's PQ codes, matching the per-record algorithm tag named in
// the spec's entropy component.
type Entropy struct {
	Algorithm entropy.Algorithm
	CodeLen   int // decoded code length in bytes, needed by length-aware codecs
}

// CorruptionKind distinguishes why a candidate record was skipped
// during a scan, so a corruption hook can route each to the right
// counter rather than lumping every skip under one bucket.
type CorruptionKind int

const (
	// CorruptAuth marks a record whose AEAD open failed: either the
	// ciphertext was tampered with, or it was sealed under a
	// different key/codebook generation.
	CorruptAuth CorruptionKind = iota
	// CorruptFrame marks a record that authenticated but failed to
	// decode afterward (entropy or bit-unpack failure) -- a corrupt
	// plaintext frame rather than a forged ciphertext.
	CorruptFrame
)

// Scanner decodes and scores the records of a single segment reader.
// It is constructed once per query against the codebook and AEAD
// cipher that segment was sealed with.
type Scanner struct {
	reader *segment.Reader
	cipher aead.Cipher
	codec  entropy.Algorithm
	codeLen int
	unpack  func([]byte) ([]byte, error)
	onCorrupt func(CorruptionKind)
}

// NewScanner builds a Scanner over reader's records, using cipher to
// open each record's ciphertext and codec/codeLen to unpack the
// resulting PQ codes.
func NewScanner(reader *segment.Reader, cipher aead.Cipher, codec entropy.Algorithm, codeLen int) *Scanner {
	return &Scanner{reader: reader, cipher: cipher, codec: codec, codeLen: codeLen}
}

// SetUnpack installs a bit-unpacking step run on each record's codes
// after entropy decoding and before LUT scoring, needed when the
// codebook's codes were bit-packed (4-bit codebooks) before entropy
// coding. Flat scanning with an 8-bit codebook does not need this; it
// is a no-op by default.
func (s *Scanner) SetUnpack(unpack func([]byte) ([]byte, error)) {
	s.unpack = unpack
}

// SetCorruptionHook installs a callback invoked once for every record
// a scan skips because it failed authentication or failed to decode.
// It is never called for records skipped by a Predicate or, in
// QueryIVF, by ordinary coarse-partition filtering -- both are normal
// query narrowing, not corruption. hook may be nil (the default),
// disabling corruption reporting.
func (s *Scanner) SetCorruptionHook(hook func(CorruptionKind)) {
	s.onCorrupt = hook
}

func (s *Scanner) reportCorrupt(kind CorruptionKind) {
	if s.onCorrupt != nil {
		s.onCorrupt(kind)
	}
}

// Query runs a flat linear scan over the scanner's segment, scoring
// every well-formed, successfully-authenticated record against lut
// and returning the k best as Neighbours (fewer if the segment holds
// less than k eligible records). filter may be nil.
func (s *Scanner) Query(ctx context.Context, lut *pq.LUT, k int, filter Predicate) ([]Neighbour, error) {
	if k <= 0 || k > maxK {
		return nil, ErrKRange
	}
	top := NewTopK(k)
	headerBytes := s.reader.Header().Encode()

	var cancelled bool
	s.reader.Records(func(rec *record.Record) bool {
		select {
		case <-ctx.Done():
			cancelled = true
			return false
		default:
		}

		aad := aead.BuildAAD(headerBytes, rec.ID, rec.TimestampS)
		plain, err := s.cipher.Open(rec.Nonce, rec.EncPayload, aad)
		if err != nil {
			s.reportCorrupt(CorruptAuth) // corrupt/tampered record: skip, keep scanning
			return true
		}

		packed, err := entropy.DecodeLen(s.codec, plain, s.codeLen)
		if err != nil {
			s.reportCorrupt(CorruptFrame)
			return true
		}
		if s.unpack != nil {
			packed, err = s.unpack(packed)
			if err != nil {
				s.reportCorrupt(CorruptFrame)
				return true
			}
		}

		if filter != nil && !filter(rec.Payload) {
			return true
		}

		distance := lut.Score(packed)
		top.Offer(rec.ID, distance, rec.Payload)
		return true
	})

	if cancelled {
		return nil, ErrCancelled
	}
	return top.Results(), nil
}

// ErrNoCoarseCodebook is returned when QueryIVF is called with a nil
// coarse codebook.
var ErrNoCoarseCodebook = errors.New("search: IVF scan requires a coarse codebook")
