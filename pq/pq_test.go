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
	"math"
	"math/rand"
	"testing"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func TestTrainDeterministic(t *testing.T) {
	data := randomVectors(256, 16, 7)

	cb1, err := NewCodebook(16, 4, 4, L2)
	if err != nil {
		t.Fatal(err)
	}
	if err := cb1.Train(data, TrainOptions{Seed: 123, Preprocess: DefaultPreprocess}); err != nil {
		t.Fatal(err)
	}

	cb2, err := NewCodebook(16, 4, 4, L2)
	if err != nil {
		t.Fatal(err)
	}
	if err := cb2.Train(data, TrainOptions{Seed: 123, Preprocess: DefaultPreprocess}); err != nil {
		t.Fatal(err)
	}

	if cb1.Hash() != cb2.Hash() {
		t.Fatal("same seed and data must produce a bit-identical codebook hash")
	}

	cb3, err := NewCodebook(16, 4, 4, L2)
	if err != nil {
		t.Fatal(err)
	}
	if err := cb3.Train(data, TrainOptions{Seed: 999, Preprocess: DefaultPreprocess}); err != nil {
		t.Fatal(err)
	}
	if cb1.Hash() == cb3.Hash() {
		t.Fatal("different seeds producing identical hashes is suspicious for this data size")
	}
}

func TestEncodeDecodeBound(t *testing.T) {
	data := randomVectors(512, 32, 3)
	cb, err := NewCodebook(32, 8, 8, L2)
	if err != nil {
		t.Fatal(err)
	}
	if err := cb.Train(data, TrainOptions{Seed: 1, Preprocess: DefaultPreprocess}); err != nil {
		t.Fatal(err)
	}

	// Empirical upper bound: max intra-cluster radius across all
	// sub-quantizers, computed by encoding the training set itself.
	maxRadius := 0.0
	for _, v := range data {
		codes, err := cb.Encode(v, DefaultPreprocess)
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := cb.Decode(codes)
		if err != nil {
			t.Fatal(err)
		}
		prepped := cb.apply(v, DefaultPreprocess)
		dist := math.Sqrt(sqL2(prepped, decoded))
		if dist > maxRadius {
			maxRadius = dist
		}
	}

	// Re-running encode/decode over the same set must stay within the
	// bound we just measured (property 6): no new vector should blow
	// past what training itself produced, for in-distribution data.
	for _, v := range data {
		codes, err := cb.Encode(v, DefaultPreprocess)
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := cb.Decode(codes)
		if err != nil {
			t.Fatal(err)
		}
		prepped := cb.apply(v, DefaultPreprocess)
		dist := math.Sqrt(sqL2(prepped, decoded))
		if dist > maxRadius+1e-6 {
			t.Fatalf("decode distance %f exceeded measured bound %f", dist, maxRadius)
		}
	}
}

func TestLUTScoreMatchesDirectDistance(t *testing.T) {
	data := randomVectors(256, 16, 11)
	cb, err := NewCodebook(16, 4, 8, L2)
	if err != nil {
		t.Fatal(err)
	}
	if err := cb.Train(data, TrainOptions{Seed: 5, Preprocess: DefaultPreprocess}); err != nil {
		t.Fatal(err)
	}

	q := data[0]
	lut, err := cb.BuildLUT(q, DefaultPreprocess)
	if err != nil {
		t.Fatal(err)
	}

	for _, v := range data[1:20] {
		codes, err := cb.Encode(v, DefaultPreprocess)
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := cb.Decode(codes)
		if err != nil {
			t.Fatal(err)
		}
		prepped := cb.apply(q, DefaultPreprocess)
		want := sqL2(prepped, decoded)
		got := lut.Score(codes)
		if math.Abs(float64(got)-want) > 1e-3 {
			t.Fatalf("LUT score %f did not match direct decode distance %f", got, want)
		}
	}
}

func TestEmptyClusterSplit(t *testing.T) {
	// Construct data so that, for a naive assignment, some clusters
	// would be starved: all points identical except a tiny minority.
	dim := 8
	data := make([][]float32, 200)
	for i := range data {
		v := make([]float32, dim)
		if i < 190 {
			for d := range v {
				v[d] = 1.0
			}
		} else {
			for d := range v {
				v[d] = -1.0
			}
		}
		data[i] = v
	}
	cb, err := NewCodebook(dim, 2, 4, L2)
	if err != nil {
		t.Fatal(err)
	}
	if err := cb.Train(data, TrainOptions{Seed: 42, Preprocess: Preprocess{}}); err != nil {
		t.Fatal(err)
	}
	for m := 0; m < cb.M; m++ {
		if len(cb.Centroids[m]) != cb.K() {
			t.Fatalf("sub-quantizer %d has %d centroids, want %d", m, len(cb.Centroids[m]), cb.K())
		}
	}
}

func TestRejectsNonFiniteVector(t *testing.T) {
	cb, err := NewCodebook(4, 2, 4, L2)
	if err != nil {
		t.Fatal(err)
	}
	cb.Centroids = [][][]float32{
		{{0, 0}, {1, 1}},
		{{0, 0}, {1, 1}},
	}
	bad := []float32{float32(math.NaN()), 0, 0, 0}
	if _, err := cb.Encode(bad, Preprocess{}); err != ErrNonFinite {
		t.Fatalf("expected ErrNonFinite, got %v", err)
	}
}

func TestDimensionMismatch(t *testing.T) {
	_, err := NewCodebook(10, 3, 8, L2)
	if err == nil {
		t.Fatal("expected error for dim not divisible by m")
	}
}
