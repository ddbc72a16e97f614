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

	sortheap "github.com/cairn-labs/vecmemory/heap"
)

const (
	maxLloydIterations = 25
	convergenceTol      = 1e-4
	jitterEps           = 1e-3
)

// TrainOptions configures Train. Seed makes training deterministic:
// identical Seed and Data always produce a bit-identical Codebook.
type TrainOptions struct {
	Seed       int64
	Preprocess Preprocess
}

// Train fits the codebook's M sub-quantizers independently against
// data, a set of D-dimensional vectors. Each sub-quantizer is trained
// with k-means++ initialization followed by Lloyd iterations (capped
// at 25, or until centroid shift falls below 1e-4). Empty clusters
// that arise during Lloyd iteration are resolved by splitting the
// currently largest cluster: its centroid is duplicated with a small
// random jitter and reassigned to the empty cluster's slot.
func (c *Codebook) Train(data [][]float32, opts TrainOptions) error {
	if len(data) == 0 {
		return ErrTrainingData
	}
	for _, v := range data {
		if len(v) != c.Dim {
			return ErrDimension
		}
		if err := checkFinite(v); err != nil {
			return err
		}
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	if opts.Preprocess.MeanCentre {
		c.Mean = computeMean(data, c.Dim)
	} else {
		c.Mean = nil
	}

	sub := c.SubDim()
	k := c.K()
	if len(data) < k {
		return ErrTrainingData
	}

	prepped := make([][]float32, len(data))
	for i, v := range data {
		prepped[i] = c.apply(v, opts.Preprocess)
	}

	c.Centroids = make([][][]float32, c.M)
	for m := 0; m < c.M; m++ {
		subspace := make([][]float32, len(prepped))
		for i, v := range prepped {
			subspace[i] = v[m*sub : (m+1)*sub]
		}
		c.Centroids[m] = trainSubquantizer(subspace, k, sub, rng)
	}
	return nil
}

// computeMean returns the component-wise mean of data (raw, pre-any-
// other preprocessing), used as the header's stored mean-centre
// reference.
func computeMean(data [][]float32, dim int) []float32 {
	mean := make([]float64, dim)
	for _, v := range data {
		for i, x := range v {
			mean[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	n := float64(len(data))
	for i, s := range mean {
		out[i] = float32(s / n)
	}
	return out
}

// trainSubquantizer runs k-means++ init plus Lloyd iteration over a
// single sub-space, returning k centroids of dimension subDim.
func trainSubquantizer(points [][]float32, k, subDim int, rng *rand.Rand) [][]float32 {
	centroids := kmeansPlusPlusInit(points, k, rng)
	assign := make([]int, len(points))

	for iter := 0; iter < maxLloydIterations; iter++ {
		maxShift := assignPoints(points, centroids, assign)
		newCentroids, sizes := recomputeCentroids(points, assign, k, subDim)
		fixEmptyClusters(newCentroids, sizes, rng)
		shift := 0.0
		for i := range centroids {
			d := math.Sqrt(sqL2(centroids[i], newCentroids[i]))
			if d > shift {
				shift = d
			}
		}
		centroids = newCentroids
		if maxShift == 0 || shift < convergenceTol {
			break
		}
	}
	return centroids
}

// kmeansPlusPlusInit seeds k centroids using the standard k-means++
// weighted sampling: the first centroid is uniform-random, each
// subsequent centroid is chosen with probability proportional to its
// squared distance from the nearest already-chosen centroid.
func kmeansPlusPlusInit(points [][]float32, k int, rng *rand.Rand) [][]float32 {
	centroids := make([][]float32, 0, k)
	first := rng.Intn(len(points))
	centroids = append(centroids, append([]float32(nil), points[first]...))

	dist := make([]float64, len(points))
	for len(centroids) < k {
		var total float64
		for i, p := range points {
			d := nearestSqDist(p, centroids)
			dist[i] = d
			total += d
		}
		if total == 0 {
			// All remaining points coincide with a chosen centroid;
			// fall back to uniform sampling to fill out k centroids.
			idx := rng.Intn(len(points))
			centroids = append(centroids, append([]float32(nil), points[idx]...))
			continue
		}
		target := rng.Float64() * total
		var acc float64
		chosen := len(points) - 1
		for i, d := range dist {
			acc += d
			if acc >= target {
				chosen = i
				break
			}
		}
		centroids = append(centroids, append([]float32(nil), points[chosen]...))
	}
	return centroids
}

func nearestSqDist(p []float32, centroids [][]float32) float64 {
	best := math.Inf(1)
	for _, c := range centroids {
		d := sqL2(p, c)
		if d < best {
			best = d
		}
	}
	return best
}

// assignPoints assigns each point to its nearest centroid, writing
// the result into assign, and returns the number of points whose
// assignment changed, a cheap convergence signal checked alongside the
// centroid-shift tolerance.
func assignPoints(points [][]float32, centroids [][]float32, assign []int) int {
	changed := 0
	for i, p := range points {
		best, bestDist := 0, math.Inf(1)
		for k, c := range centroids {
			d := sqL2(p, c)
			if d < bestDist {
				bestDist = d
				best = k
			}
		}
		if assign[i] != best {
			changed++
		}
		assign[i] = best
	}
	return changed
}

func recomputeCentroids(points [][]float32, assign []int, k, subDim int) ([][]float32, []int) {
	sums := make([][]float64, k)
	sizes := make([]int, k)
	for i := range sums {
		sums[i] = make([]float64, subDim)
	}
	for i, p := range points {
		cl := assign[i]
		sizes[cl]++
		for d, x := range p {
			sums[cl][d] += float64(x)
		}
	}
	centroids := make([][]float32, k)
	for cl := 0; cl < k; cl++ {
		centroids[cl] = make([]float32, subDim)
		if sizes[cl] == 0 {
			continue // filled in by fixEmptyClusters
		}
		for d := range sums[cl] {
			centroids[cl][d] = float32(sums[cl][d] / float64(sizes[cl]))
		}
	}
	return centroids, sizes
}

// clusterSize pairs a cluster index with its point count, ordered so
// that the generic heap package's min-heap surfaces the *largest*
// cluster first (by negating the comparison).
type clusterSize struct {
	idx  int
	size int
}

// fixEmptyClusters resolves every empty cluster by splitting the
// currently largest non-empty cluster: its centroid is copied with a
// small jitter and installed in the empty cluster's slot. Splitting
// repeatedly drains from a max-heap over cluster sizes so that
// multiple empty clusters in one iteration don't all draw from the
// same (now-stale) largest cluster.
func fixEmptyClusters(centroids [][]float32, sizes []int, rng *rand.Rand) {
	var empty []int
	for i, s := range sizes {
		if s == 0 {
			empty = append(empty, i)
		}
	}
	if len(empty) == 0 {
		return
	}

	var heapSlice []clusterSize
	for i, s := range sizes {
		if s > 0 {
			heapSlice = append(heapSlice, clusterSize{idx: i, size: s})
		}
	}
	if len(heapSlice) == 0 {
		// Degenerate: every cluster is empty (k > distinct points).
		// Nothing meaningful to split from; leave zero vectors.
		return
	}
	less := func(a, b clusterSize) bool { return a.size > b.size } // max-heap
	sortheap.OrderSlice(heapSlice, less)

	for _, e := range empty {
		largest := sortheap.PopSlice(&heapSlice, less)
		src := centroids[largest.idx]
		jittered := make([]float32, len(src))
		for d, v := range src {
			jittered[d] = v + float32(jitterEps*(rng.Float64()*2-1))
		}
		centroids[e] = jittered
		// The split-off half keeps serving as a candidate for further
		// splits in the same pass, with its size halved heuristically.
		largest.size /= 2
		sortheap.PushSlice(&heapSlice, largest, less)
	}
}
