package forest

import (
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/stat"

	"yield-attribution/internal/dataset"
)

type node struct {
	leaf      bool
	feature   int
	threshold float64
	left      int
	right     int
	value     float64
}

type tree struct {
	nodes []node
	depth int
}

func (t *tree) predict(x *[dataset.NumFeatures]float64) float64 {
	i := 0
	for {
		n := &t.nodes[i]
		if n.leaf {
			return n.value
		}
		if x[n.feature] <= n.threshold {
			i = n.left
		} else {
			i = n.right
		}
	}
}

// builder grows one tree. Not reusable.
type builder struct {
	opts  Options
	xs    [][dataset.NumFeatures]float64
	ys    []float64
	rng   *rand.Rand
	nodes []node
	depth int
}

type split struct {
	feature   int
	threshold float64
	sse       float64
}

func (b *builder) sample() []int {
	n := len(b.ys)
	idx := make([]int, n)
	for i := range idx {
		if b.opts.Bootstrap {
			idx[i] = b.rng.IntN(n)
		} else {
			idx[i] = i
		}
	}
	return idx
}

func (b *builder) build(idx []int) *tree {
	b.grow(idx, 0)
	return &tree{nodes: b.nodes, depth: b.depth}
}

func (b *builder) grow(idx []int, depth int) int {
	pos := len(b.nodes)
	b.nodes = append(b.nodes, node{leaf: true})
	b.depth = max(b.depth, depth)

	targets := make([]float64, len(idx))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, id := range idx {
		targets[i] = b.ys[id]
		lo = math.Min(lo, targets[i])
		hi = math.Max(hi, targets[i])
	}
	b.nodes[pos].value = stat.Mean(targets, nil)

	if len(idx) < b.opts.MinSamplesSplit || lo == hi {
		return pos
	}
	if b.opts.MaxDepth > 0 && depth >= b.opts.MaxDepth {
		return pos
	}

	best, ok := b.bestSplit(idx)
	if !ok {
		return pos
	}

	var left, right []int
	for _, id := range idx {
		if b.xs[id][best.feature] <= best.threshold {
			left = append(left, id)
		} else {
			right = append(right, id)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[pos] = node{
		feature:   best.feature,
		threshold: best.threshold,
		left:      l,
		right:     r,
		value:     b.nodes[pos].value,
	}
	return pos
}

func (b *builder) candidates() []int {
	k := b.opts.MaxFeatures
	if k <= 0 || k >= dataset.NumFeatures {
		all := make([]int, dataset.NumFeatures)
		for i := range all {
			all[i] = i
		}
		return all
	}
	return b.rng.Perm(dataset.NumFeatures)[:k]
}

// bestSplit minimises the summed squared error of the two children.
func (b *builder) bestSplit(idx []int) (split, bool) {
	n := len(idx)
	var sum, sumSq float64
	for _, id := range idx {
		sum += b.ys[id]
		sumSq += b.ys[id] * b.ys[id]
	}

	best := split{sse: math.Inf(1)}
	found := false
	order := make([]int, n)
	minLeaf := b.opts.MinSamplesLeaf

	for _, f := range b.candidates() {
		copy(order, idx)
		slices.SortStableFunc(order, func(a, c int) int {
			switch xa, xc := b.xs[a][f], b.xs[c][f]; {
			case xa < xc:
				return -1
			case xa > xc:
				return 1
			}
			return 0
		})

		var leftSum, leftSq float64
		for k := 0; k < n-1; k++ {
			y := b.ys[order[k]]
			leftSum += y
			leftSq += y * y

			nl, nr := k+1, n-k-1
			if nl < minLeaf || nr < minLeaf {
				continue
			}
			xa, xb := b.xs[order[k]][f], b.xs[order[k+1]][f]
			if xa == xb {
				continue
			}

			rightSum, rightSq := sum-leftSum, sumSq-leftSq
			sse := (leftSq - leftSum*leftSum/float64(nl)) + (rightSq - rightSum*rightSum/float64(nr))
			if sse < best.sse {
				threshold := xa + (xb-xa)/2
				if threshold >= xb {
					threshold = xa
				}
				best = split{feature: f, threshold: threshold, sse: sse}
				found = true
			}
		}
	}
	return best, found
}
