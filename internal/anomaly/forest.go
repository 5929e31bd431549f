// Package anomaly implements the isolation-forest anomaly scorer.
//
// Scores follow the usual decision-function convention: normal points
// score near zero or above, anomalies score below zero, and lower means
// more anomalous.
package anomaly

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// eulerGamma is the Euler-Mascheroni constant used in the harmonic approximation.
const eulerGamma = 0.5772156649015329

// Params controls training.
type Params struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          uint64

	// Fingerprint identifies the feature schema the training vectors were built with.
	Fingerprint string
}

// DefaultParams returns the standard forest configuration.
func DefaultParams() Params {
	return Params{
		Trees:         100,
		SampleSize:    256,
		Contamination: 0.05,
		Seed:          42,
	}
}

// Model is an immutable trained forest.
type Model struct {
	Version       int       `json:"version"`
	Fingerprint   string    `json:"fingerprint"`
	Dim           int       `json:"dim"`
	SampleSize    int       `json:"sample_size"`
	Contamination float64   `json:"contamination"`
	Offset        float64   `json:"offset"`
	Seed          uint64    `json:"seed"`
	Samples       int       `json:"samples"`
	TrainedAt     time.Time `json:"trained_at"`
	Trees         []Tree    `json:"trees"`
}

// Tree is one isolation tree stored as a flat node array; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is an internal split when Feature >= 0, otherwise a leaf holding Size training points.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Size      int     `json:"s,omitempty"`
}

// ErrInsufficientData is returned when training data is empty or ragged.
var ErrInsufficientData = errors.New("insufficient training data")

// Train fits an isolation forest on data. Each tree draws its own
// sub-sample from an RNG seeded by (Seed, tree index), so results are
// reproducible regardless of scheduling.
func Train(data [][]float64, p Params) (*Model, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 vectors, got %d", ErrInsufficientData, len(data))
	}
	dim := len(data[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: empty vectors", ErrInsufficientData)
	}
	for i, v := range data {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d features, expected %d", ErrInsufficientData, i, len(v), dim)
		}
	}
	if p.Trees <= 0 {
		p.Trees = DefaultParams().Trees
	}
	if p.SampleSize <= 0 {
		p.SampleSize = DefaultParams().SampleSize
	}
	if p.Contamination <= 0 || p.Contamination > 0.5 {
		return nil, fmt.Errorf("contamination must be in (0, 0.5], got %g", p.Contamination)
	}

	psi := min(p.SampleSize, len(data))
	maxDepth := int(math.Ceil(math.Log2(float64(max(psi, 2)))))

	m := &Model{
		Version:       1,
		Fingerprint:   p.Fingerprint,
		Dim:           dim,
		SampleSize:    psi,
		Contamination: p.Contamination,
		Seed:          p.Seed,
		Samples:       len(data),
		TrainedAt:     time.Now().UTC(),
		Trees:         make([]Tree, p.Trees),
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, 8)
	for i := range m.Trees {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			rng := rand.New(rand.NewPCG(p.Seed, uint64(idx)))
			b := &builder{data: data, rng: rng, dim: dim, maxDepth: maxDepth}
			m.Trees[idx] = Tree{Nodes: b.build(sample(rng, len(data), psi))}
		}(i)
	}
	wg.Wait()

	// The offset places the contamination quantile of training scores at zero.
	raw := make([]float64, len(data))
	for i, v := range data {
		raw[i] = m.rawScore(v)
	}
	m.Offset = percentile(raw, 100*p.Contamination)

	return m, nil
}

// Score returns the anomaly score of x. The caller guarantees len(x) == m.Dim.
func (m *Model) Score(x []float64) float64 {
	return m.rawScore(x) - m.Offset
}

// rawScore is -2^(-E[h(x)]/c(psi)), in [-1, 0).
func (m *Model) rawScore(x []float64) float64 {
	if len(m.Trees) == 0 {
		return 0
	}
	var total float64
	for i := range m.Trees {
		total += m.Trees[i].pathLength(x)
	}
	mean := total / float64(len(m.Trees))
	return -math.Pow(2, -mean/averagePathLength(m.SampleSize))
}

func (t *Tree) pathLength(x []float64) float64 {
	idx, depth := 0, 0
	for {
		n := &t.Nodes[idx]
		if n.Feature < 0 {
			return float64(depth) + averagePathLength(n.Size)
		}
		if x[n.Feature] <= n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST search.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
	}
}

type builder struct {
	data     [][]float64
	rng      *rand.Rand
	dim      int
	maxDepth int
	nodes    []Node
}

func (b *builder) build(rows []int) []Node {
	b.nodes = b.nodes[:0]
	b.grow(rows, 0)
	return b.nodes
}

// grow appends the subtree for rows and returns its root index.
func (b *builder) grow(rows []int, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: -1, Size: len(rows)})
	if depth >= b.maxDepth || len(rows) <= 1 {
		return idx
	}

	// Pick uniformly among features that still vary in this partition.
	var candidates []int
	lo := make([]float64, b.dim)
	hi := make([]float64, b.dim)
	for f := 0; f < b.dim; f++ {
		lo[f], hi[f] = math.Inf(1), math.Inf(-1)
		for _, r := range rows {
			v := b.data[r][f]
			lo[f] = math.Min(lo[f], v)
			hi[f] = math.Max(hi[f], v)
		}
		if hi[f] > lo[f] {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return idx
	}

	f := candidates[b.rng.IntN(len(candidates))]
	threshold := lo[f] + b.rng.Float64()*(hi[f]-lo[f])

	var left, right []int
	for _, r := range rows {
		if b.data[r][f] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[idx] = Node{Feature: f, Threshold: threshold, Left: l, Right: r}
	return idx
}

// sample draws k distinct indices from [0, n) with a partial Fisher-Yates shuffle.
func sample(rng *rand.Rand, n, k int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + rng.IntN(n-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx[:k]
}

// percentile uses linear interpolation between closest ranks.
func percentile(values []float64, q float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	frac := pos - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
