// Package isolation implements a seeded isolation forest.
//
// Trees partition a random subsample with axis-aligned cuts at uniform
// thresholds. Points that need few cuts to isolate are anomalous. Each node
// also remembers the bounding box of the sample that reached it; a query
// point outside that box is treated as isolated at the node, so values far
// beyond the training range score as anomalous as values just past it or
// more so, instead of collapsing onto the most extreme training leaf.
package isolation

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
)

// eulerGamma is the Euler–Mascheroni constant used in the harmonic approximation.
const eulerGamma = 0.5772156649015329

// outsideMargin is the fraction of a node's extent a point may exceed
// the node box by before it counts as isolated there.
const outsideMargin = 0.1

// MinSamples is the smallest training set Fit accepts.
const MinSamples = 2

// ErrTooFewSamples is returned when the training set is smaller than MinSamples.
var ErrTooFewSamples = errors.New("isolation: too few samples")

// Options configures a forest.
type Options struct {
	Trees      int
	SampleSize int
	Seed       uint64
}

// DefaultOptions returns 100 trees of 256-point subsamples, seed 42.
func DefaultOptions() Options {
	return Options{Trees: 100, SampleSize: 256, Seed: 42}
}

// Forest is an immutable trained ensemble. Safe for concurrent use.
type Forest struct {
	trees       []*node
	sampleSize  int
	heightLimit int
	dims        int
	norm        float64
}

type node struct {
	left, right *node
	feature     int
	threshold   float64
	size        int
	lo, hi      []float64
}

// Fit trains a forest on data. Every row must have the same width.
// Trees are built concurrently, each from its own RNG derived from the
// seed, so the result depends only on data and opts.
func Fit(data [][]float64, opts Options) (*Forest, error) {
	if len(data) < MinSamples {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrTooFewSamples, len(data), MinSamples)
	}
	dims := len(data[0])
	if dims == 0 {
		return nil, fmt.Errorf("isolation: zero-width rows")
	}
	for i, row := range data {
		if len(row) != dims {
			return nil, fmt.Errorf("isolation: row %d has width %d, want %d", i, len(row), dims)
		}
	}

	if opts.Trees <= 0 {
		opts.Trees = 100
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = 256
	}
	psi := min(opts.SampleSize, len(data))

	f := &Forest{
		trees:       make([]*node, opts.Trees),
		sampleSize:  psi,
		heightLimit: int(math.Ceil(math.Log2(float64(psi)))),
		dims:        dims,
		norm:        AveragePathLength(psi),
	}

	var wg sync.WaitGroup
	for t := 0; t < opts.Trees; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(t)+1))
			sample := subsample(data, psi, rng)
			f.trees[t] = build(sample, 0, f.heightLimit, dims, rng)
		}(t)
	}
	wg.Wait()

	return f, nil
}

// subsample draws n distinct rows with a partial Fisher–Yates shuffle.
func subsample(data [][]float64, n int, rng *rand.Rand) [][]float64 {
	idx := make([]int, len(data))
	for i := range idx {
		idx[i] = i
	}
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		j := i + rng.IntN(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = data[idx[i]]
	}
	return out
}

func build(sample [][]float64, depth, limit, dims int, rng *rand.Rand) *node {
	n := &node{size: len(sample), lo: make([]float64, dims), hi: make([]float64, dims)}
	for d := 0; d < dims; d++ {
		n.lo[d], n.hi[d] = math.Inf(1), math.Inf(-1)
	}
	for _, row := range sample {
		for d, v := range row {
			n.lo[d] = math.Min(n.lo[d], v)
			n.hi[d] = math.Max(n.hi[d], v)
		}
	}

	if len(sample) <= 1 || depth >= limit {
		return n
	}

	splittable := make([]int, 0, dims)
	for d := 0; d < dims; d++ {
		if n.hi[d] > n.lo[d] {
			splittable = append(splittable, d)
		}
	}
	if len(splittable) == 0 {
		return n
	}

	n.feature = splittable[rng.IntN(len(splittable))]
	lo, hi := n.lo[n.feature], n.hi[n.feature]
	n.threshold = lo + rng.Float64()*(hi-lo)
	if n.threshold <= lo {
		n.threshold = math.Nextafter(lo, hi)
	}

	var left, right [][]float64
	for _, row := range sample {
		if row[n.feature] < n.threshold {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	n.left = build(left, depth+1, limit, dims, rng)
	n.right = build(right, depth+1, limit, dims, rng)
	return n
}

// PathLength returns the mean isolation depth of x across all trees.
func (f *Forest) PathLength(x []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(t, x, 0)
	}
	return total / float64(len(f.trees))
}

// Score returns the raw anomaly score 2^(-E[h(x)]/c(ψ)) in (0, 1].
// Values near 1 are anomalous; around 0.5 or below are normal.
func (f *Forest) Score(x []float64) float64 {
	if f.norm == 0 {
		return 0.5
	}
	return math.Pow(2, -f.PathLength(x)/f.norm)
}

// Dims returns the row width the forest was trained on.
func (f *Forest) Dims() int { return f.dims }

// SampleSize returns ψ, the per-tree subsample size.
func (f *Forest) SampleSize() int { return f.sampleSize }

// Trees returns the ensemble size.
func (f *Forest) Trees() int { return len(f.trees) }

func pathLength(n *node, x []float64, depth int) float64 {
	for {
		if n.outside(x) {
			return float64(depth) + 1
		}
		if n.left == nil {
			return float64(depth) + AveragePathLength(n.size)
		}
		if x[n.feature] < n.threshold {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
}

func (n *node) outside(x []float64) bool {
	for d, v := range x {
		margin := outsideMargin * (n.hi[d] - n.lo[d])
		if v < n.lo[d]-margin || v > n.hi[d]+margin {
			return true
		}
	}
	return false
}

// AveragePathLength is c(n), the expected path length of an unsuccessful
// search in a binary search tree of n points.
func AveragePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
