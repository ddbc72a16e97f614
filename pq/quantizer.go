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

// Package pq implements product quantization for fixed-dimension
// float32 vectors: training a codebook of M independently trained
// sub-quantizers via k-means, encoding a vector into M byte codes (or
// a packed nibble stream for 4-bit codebooks), decoding codes back to
// an approximate vector, and precomputing asymmetric-distance-
// computation lookup tables for fast query-time scoring.
package pq

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/blake2b"
)

// ErrDimension is returned when a vector's length does not match the
// codebook's configured dimension, or when the dimension is not
// evenly divisible by the sub-quantizer count.
var ErrDimension = errors.New("pq: dimension mismatch")

// ErrNonFinite is returned when a vector contains NaN or Inf
// components; such vectors cannot be trained on or encoded.
var ErrNonFinite = errors.New("pq: non-finite vector component")

// ErrTrainingData is returned when fewer than K samples are supplied
// for a given sub-space, per spec's training input requirement.
var ErrTrainingData = errors.New("pq: insufficient training samples")

// Metric selects the distance used during training and LUT scoring.
type Metric byte

const (
	// L2 expects pre-normalized (mean-centred and/or unit-norm)
	// input and scores squared Euclidean distance.
	L2 Metric = iota
	// Cosine scores 1 - dot/(|a||b|+eps); it is offered as an
	// alternative to pre-normalizing vectors before L2 training.
	Cosine
)

// epsilon guards the Cosine metric's denominator against division by
// a near-zero vector norm.
const epsilon = 1e-8

// Preprocess describes how raw embedding vectors are prepared before
// quantization. Both steps may be combined; the spec's default is to
// apply both.
type Preprocess struct {
	MeanCentre bool
	L2Normalize bool
}

// DefaultPreprocess matches the spec's stated default.
var DefaultPreprocess = Preprocess{MeanCentre: true, L2Normalize: true}

// Codebook holds M independently trained sub-quantizers, each with K =
// 2^Bits centroids over a D/M-dimensional sub-space. A Codebook is
// immutable once trained or loaded; retraining produces a new one with
// a new hash.
type Codebook struct {
	Dim       int
	M         int
	Bits      int // 4 or 8
	Metric    Metric
	Mean      []float32 // length Dim, zero if MeanCentre disabled
	Centroids [][][]float32 // [M][K][Dim/M]
}

// K returns the number of centroids per sub-quantizer (2^Bits).
func (c *Codebook) K() int { return 1 << uint(c.Bits) }

// SubDim returns the dimension of each sub-vector (Dim/M).
func (c *Codebook) SubDim() int { return c.Dim / c.M }

// NewCodebook validates the shape parameters and returns an untrained
// Codebook ready for Train.
func NewCodebook(dim, m, bits int, metric Metric) (*Codebook, error) {
	if dim <= 0 || m <= 0 || dim%m != 0 {
		return nil, fmt.Errorf("%w: dim=%d not divisible by m=%d", ErrDimension, dim, m)
	}
	if bits != 4 && bits != 8 {
		return nil, fmt.Errorf("pq: bits must be 4 or 8, got %d", bits)
	}
	return &Codebook{Dim: dim, M: m, Bits: bits, Metric: metric}, nil
}

// Hash returns the 16-byte BLAKE2b-128 content hash of the serialized
// centroid array, computed in row-major f32 little-endian order, per
// the determinism requirement: identical training data and seed must
// always produce an identical hash.
func (c *Codebook) Hash() [16]byte {
	h, _ := blake2b.New(16, nil)
	var buf [4]byte
	for m := 0; m < c.M; m++ {
		for k := 0; k < c.K(); k++ {
			for _, v := range c.Centroids[m][k] {
				putFloat32LE(buf[:], v)
				h.Write(buf[:])
			}
		}
	}
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

func putFloat32LE(dst []byte, v float32) {
	bits := math.Float32bits(v)
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
	dst[2] = byte(bits >> 16)
	dst[3] = byte(bits >> 24)
}

// apply runs the codebook's configured preprocessing over a copy of v.
func (c *Codebook) apply(v []float32, pp Preprocess) []float32 {
	out := append([]float32(nil), v...)
	if pp.MeanCentre && c.Mean != nil {
		for i := range out {
			out[i] -= c.Mean[i]
		}
	}
	if pp.L2Normalize {
		var norm float64
		for _, x := range out {
			norm += float64(x) * float64(x)
		}
		norm = math.Sqrt(norm)
		if norm > epsilon {
			inv := float32(1.0 / norm)
			for i := range out {
				out[i] *= inv
			}
		}
	}
	return out
}

func checkFinite(v []float32) error {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return ErrNonFinite
		}
	}
	return nil
}

// Encode quantizes v into M byte codes, one nearest-centroid index per
// sub-quantizer. For Bits==4 codebooks the caller is expected to pack
// the returned codes with the bitpack package; Encode itself always
// returns one byte per sub-quantizer for simplicity of downstream
// scoring.
func (c *Codebook) Encode(v []float32, pp Preprocess) ([]byte, error) {
	if len(v) != c.Dim {
		return nil, ErrDimension
	}
	if err := checkFinite(v); err != nil {
		return nil, err
	}
	prepped := c.apply(v, pp)
	sub := c.SubDim()
	codes := make([]byte, c.M)
	for m := 0; m < c.M; m++ {
		seg := prepped[m*sub : (m+1)*sub]
		best, bestDist := 0, math.Inf(1)
		for k, centroid := range c.Centroids[m] {
			d := sqL2(seg, centroid)
			if d < bestDist {
				bestDist = d
				best = k
			}
		}
		codes[m] = byte(best)
	}
	return codes, nil
}

// Decode reconstructs an approximate vector by concatenating the
// centroid assigned to each sub-quantizer. The result is in the
// preprocessed space; it is not un-centred or un-normalized, matching
// the spec's decode contract ("concatenate centroids indexed by each
// code byte").
func (c *Codebook) Decode(codes []byte) ([]float32, error) {
	if len(codes) != c.M {
		return nil, ErrDimension
	}
	out := make([]float32, 0, c.Dim)
	for m, code := range codes {
		if int(code) >= c.K() {
			return nil, fmt.Errorf("pq: code %d out of range for sub-quantizer %d", code, m)
		}
		out = append(out, c.Centroids[m][code]...)
	}
	return out, nil
}

func sqL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
