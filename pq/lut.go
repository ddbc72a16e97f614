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

import "math"

// LUT is a precomputed M x K table of sub-distances for a single
// query vector, used to score candidate codes in O(M) table loads
// instead of O(M) full centroid comparisons. Build it once per query
// and reuse it across every candidate record in the segment.
type LUT struct {
	m, k  int
	table []float32 // m*k entries, table[m*K+k]
}

// BuildLUT precomputes the M x K table of squared distances (for
// Metric L2) or cosine-style sub-scores (for Metric Cosine) between
// each sub-vector of q and every centroid of the matching
// sub-quantizer.
func (c *Codebook) BuildLUT(q []float32, pp Preprocess) (*LUT, error) {
	if len(q) != c.Dim {
		return nil, ErrDimension
	}
	if err := checkFinite(q); err != nil {
		return nil, err
	}
	prepped := c.apply(q, pp)
	sub := c.SubDim()
	k := c.K()
	lut := &LUT{m: c.M, k: k, table: make([]float32, c.M*k)}
	for m := 0; m < c.M; m++ {
		seg := prepped[m*sub : (m+1)*sub]
		for ki := 0; ki < k; ki++ {
			var d float64
			switch c.Metric {
			case Cosine:
				d = cosineSubScore(seg, c.Centroids[m][ki])
			default:
				d = sqL2(seg, c.Centroids[m][ki])
			}
			lut.table[m*k+ki] = float32(d)
		}
	}
	return lut, nil
}

func cosineSubScore(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(na)*math.Sqrt(nb) + epsilon
	return 1 - dot/denom
}

// Score sums the M table entries selected by codes, approximating the
// distance/score between the LUT's query vector and the vector that
// produced codes. This is the entire per-candidate cost of scoring:
// M table loads and additions, independent of the original dimension.
func (l *LUT) Score(codes []byte) float32 {
	var sum float32
	for m, code := range codes {
		sum += l.table[m*l.k+int(code)]
	}
	return sum
}
