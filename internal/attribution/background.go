package attribution

import (
	"math/rand/v2"
	"slices"

	"yield-attribution/internal/dataset"
)

// SampleBackground draws size vectors without replacement, keeping their
// original order. A non-positive size, or one covering the whole set, returns
// every vector.
func SampleBackground(vectors []dataset.FeatureVector, size int, seed uint64) []dataset.FeatureVector {
	if size <= 0 || size >= len(vectors) {
		out := make([]dataset.FeatureVector, len(vectors))
		copy(out, vectors)
		return out
	}

	rng := rand.New(rand.NewPCG(seed, uint64(len(vectors))))
	picked := rng.Perm(len(vectors))[:size]
	slices.Sort(picked)

	out := make([]dataset.FeatureVector, size)
	for i, idx := range picked {
		out[i] = vectors[idx]
	}
	return out
}
