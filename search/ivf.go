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
	"sort"

	"github.com/cairn-labs/vecmemory/aead"
	"github.com/cairn-labs/vecmemory/entropy"
	"github.com/cairn-labs/vecmemory/pq"
	"github.com/cairn-labs/vecmemory/record"
)

// CoarseCodebook is the small coarse-partitioning codebook used by IVF
// mode. It is literally a product quantizer with a single sub-
// quantizer (M=1) covering the full vector, so coarse assignment and
// coarse distance scoring reuse pq.Codebook's Encode/BuildLUT/Score
// rather than a parallel implementation.
type CoarseCodebook struct {
	inner *pq.Codebook
}

// NewCoarseCodebook builds an untrained coarse codebook over dim-
// dimensional vectors with 2^bits centroids (bits must be 4 or 8,
// matching pq.Codebook's shape constraints).
func NewCoarseCodebook(dim, bits int, metric pq.Metric) (*CoarseCodebook, error) {
	inner, err := pq.NewCodebook(dim, 1, bits, metric)
	if err != nil {
		return nil, err
	}
	return &CoarseCodebook{inner: inner}, nil
}

// Train fits the coarse codebook's single sub-quantizer.
func (c *CoarseCodebook) Train(data [][]float32, opts pq.TrainOptions) error {
	return c.inner.Train(data, opts)
}

// Hash returns the coarse codebook's content hash, delegating to the
// wrapped pq.Codebook.
func (c *CoarseCodebook) Hash() [16]byte { return c.inner.Hash() }

// Marshal serializes the coarse codebook's full trained state.
func (c *CoarseCodebook) Marshal() []byte { return c.inner.Marshal() }

// UnmarshalCoarseCodebook reverses Marshal.
func UnmarshalCoarseCodebook(buf []byte) (*CoarseCodebook, error) {
	inner, err := pq.UnmarshalCodebook(buf)
	if err != nil {
		return nil, err
	}
	return &CoarseCodebook{inner: inner}, nil
}

// Assign returns the coarse centroid id nearest v.
func (c *CoarseCodebook) Assign(v []float32, pp pq.Preprocess) (byte, error) {
	codes, err := c.inner.Encode(v, pp)
	if err != nil {
		return 0, err
	}
	return codes[0], nil
}

// nearestCentroids returns the nprobe coarse centroid ids closest to
// q, ascending by distance. nprobe >= coarseK degenerates to scanning
// every partition, matching flat-mode coverage.
func (c *CoarseCodebook) nearestCentroids(q []float32, pp pq.Preprocess, nprobe int) ([]byte, error) {
	lut, err := c.inner.BuildLUT(q, pp)
	if err != nil {
		return nil, err
	}
	k := c.inner.K()
	if nprobe > k {
		nprobe = k
	}
	type scored struct {
		id   byte
		dist float32
	}
	all := make([]scored, k)
	for i := 0; i < k; i++ {
		all[i] = scored{id: byte(i), dist: lut.Score([]byte{byte(i)})}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].dist < all[j].dist })
	out := make([]byte, nprobe)
	for i := 0; i < nprobe; i++ {
		out[i] = all[i].id
	}
	return out, nil
}

// QueryIVF runs an IVF-accelerated scan: only records whose leading
// packed byte (the coarse centroid id written alongside the PQ codes
// at encode time) falls within the nprobe nearest coarse centroids to
// q are opened and scored. coarse must be the same coarse codebook
// used when the segment's records were written.
func (s *Scanner) QueryIVF(ctx context.Context, coarse *CoarseCodebook, q []float32, pp pq.Preprocess, fineLUT *pq.LUT, nprobe, k int, filter Predicate) ([]Neighbour, error) {
	if k <= 0 || k > maxK {
		return nil, ErrKRange
	}
	if coarse == nil {
		return nil, ErrNoCoarseCodebook
	}
	probeIDs, err := coarse.nearestCentroids(q, pp, nprobe)
	if err != nil {
		return nil, err
	}
	allowed := make(map[byte]bool, len(probeIDs))
	for _, id := range probeIDs {
		allowed[id] = true
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
			s.reportCorrupt(CorruptAuth)
			return true
		}

		packed, err := entropy.DecodeLen(s.codec, plain, s.codeLen+1)
		if err != nil || len(packed) == 0 {
			s.reportCorrupt(CorruptFrame)
			return true
		}
		coarseID := packed[0]
		if !allowed[coarseID] {
			return true // normal IVF partition filtering, not corruption: the hook must not fire here
		}
		codes := packed[1:]
		if s.unpack != nil {
			codes, err = s.unpack(codes)
			if err != nil {
				s.reportCorrupt(CorruptFrame)
				return true
			}
		}

		if filter != nil && !filter(rec.Payload) {
			return true
		}

		distance := fineLUT.Score(codes)
		top.Offer(rec.ID, distance, rec.Payload)
		return true
	})

	if cancelled {
		return nil, ErrCancelled
	}
	return top.Results(), nil
}
