// Package anomaly flags outliers in a one-dimensional series with an isolation forest.
package anomaly

import (
	"errors"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

const (
	maxSubsample = 256
	eulerGamma   = 0.5772156649
)

// Detector scores values by how few random splits isolate them.
// A fresh forest is grown per call; nothing is kept between calls.
type Detector struct {
	trees         int
	contamination float64
	seed          int64
}

// NewDetector creates a detector growing trees per call and flagging the contamination share of points
func NewDetector(trees int, contamination float64, seed int64) *Detector {
	if trees <= 0 {
		trees = 100
	}
	if contamination <= 0 || contamination >= 0.5 {
		contamination = 0.05
	}
	return &Detector{
		trees:         trees,
		contamination: contamination,
		seed:          seed,
	}
}

type node struct {
	split       float64
	left, right *node
	size        int
}

// Scores returns the isolation score in (0, 1] for every value; higher is more anomalous
func (d *Detector) Scores(values []float64) ([]float64, error) {
	n := len(values)
	if n < 2 {
		return nil, errors.New("at least two values are required")
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("values must be finite")
		}
	}

	rng := rand.New(rand.NewSource(d.seed))
	psi := n
	if psi > maxSubsample {
		psi = maxSubsample
	}
	limit := int(math.Ceil(math.Log2(float64(psi))))

	forest := make([]*node, d.trees)
	sample := make([]float64, psi)
	for i := range forest {
		for j, idx := range rng.Perm(n)[:psi] {
			sample[j] = values[idx]
		}
		forest[i] = grow(rng, append([]float64(nil), sample...), 0, limit)
	}

	norm := averagePath(psi)
	scores := make([]float64, n)
	for i, v := range values {
		total := 0.0
		for _, tree := range forest {
			total += pathLength(tree, v, 0)
		}
		scores[i] = math.Pow(2, -(total/float64(d.trees))/norm)
	}
	return scores, nil
}

// Detect returns the indices of the flagged values in ascending order.
// Exactly max(1, floor(contamination*n)) points are flagged, the highest scores first.
func (d *Detector) Detect(values []float64) ([]int, error) {
	scores, err := d.Scores(values)
	if err != nil {
		return nil, err
	}

	k := int(math.Floor(d.contamination * float64(len(values))))
	if k < 1 {
		k = 1
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	flagged := append([]int(nil), order[:k]...)
	sort.Ints(flagged)
	return flagged, nil
}

func grow(rng *rand.Rand, sample []float64, depth, limit int) *node {
	if depth >= limit || len(sample) <= 1 {
		return &node{size: len(sample)}
	}
	lo, hi := floats.Min(sample), floats.Max(sample)
	if lo == hi {
		return &node{size: len(sample)}
	}

	split := lo + rng.Float64()*(hi-lo)
	var left, right []float64
	for _, v := range sample {
		if v < split {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	return &node{
		split: split,
		left:  grow(rng, left, depth+1, limit),
		right: grow(rng, right, depth+1, limit),
	}
}

func pathLength(n *node, v float64, depth int) float64 {
	if n.left == nil {
		return float64(depth) + averagePath(n.size)
	}
	if v < n.split {
		return pathLength(n.left, v, depth+1)
	}
	return pathLength(n.right, v, depth+1)
}

// averagePath is the mean path length of an unsuccessful BST search over n points
func averagePath(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	m := float64(n)
	return 2*(math.Log(m-1)+eulerGamma) - 2*(m-1)/m
}
