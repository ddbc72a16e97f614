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
	"math/rand"
	"sort"
	"testing"
)

func bruteForceTopK(ids []uint64, distances []float32, k int) []Neighbour {
	type pair struct {
		id  uint64
		dst float32
	}
	pairs := make([]pair, len(ids))
	for i := range ids {
		pairs[i] = pair{ids[i], distances[i]}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].dst != pairs[j].dst {
			return pairs[i].dst < pairs[j].dst
		}
		return pairs[i].id > pairs[j].id // higher id wins ties
	})
	if k > len(pairs) {
		k = len(pairs)
	}
	out := make([]Neighbour, k)
	for i := 0; i < k; i++ {
		out[i] = Neighbour{ID: pairs[i].id, Score: -pairs[i].dst}
	}
	return out
}

func TestTopKMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	for trial := 0; trial < 30; trial++ {
		n := 1 + rng.Intn(200)
		k := 1 + rng.Intn(50)

		ids := make([]uint64, n)
		distances := make([]float32, n)
		for i := 0; i < n; i++ {
			ids[i] = uint64(i + 1)
			// Deliberately coarse-grained distances so ties are common
			// and exercise the id tie-break.
			distances[i] = float32(rng.Intn(10))
		}

		top := NewTopK(k)
		for i := range ids {
			top.Offer(ids[i], distances[i], nil)
		}
		got := top.Results()
		want := bruteForceTopK(ids, distances, k)

		if len(got) != len(want) {
			t.Fatalf("trial %d: got %d results, want %d", trial, len(got), len(want))
		}
		for i := range got {
			if got[i].ID != want[i].ID || got[i].Score != want[i].Score {
				t.Fatalf("trial %d: result[%d] = %+v, want %+v", trial, i, got[i], want[i])
			}
		}
	}
}

func TestTopKFewerThanKAvailable(t *testing.T) {
	top := NewTopK(10)
	top.Offer(1, 0.5, []byte("a"))
	top.Offer(2, 0.25, []byte("b"))
	got := top.Results()
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ID != 2 || got[1].ID != 1 {
		t.Fatalf("expected id 2 (lower distance) first, got %+v", got)
	}
}
