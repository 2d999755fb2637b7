package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Coefficients of the synthetic grade recipe, in feature order.
var syntheticWeights = FeatureVector{Reagent1: 2, Reagent2: 1.5, Reagent3: 1, Valve1: 0.5, Valve2: 0.2}

// SyntheticSource generates a reproducible daily history where the grade is a
// weighted sum of the inputs plus gaussian noise.
type SyntheticSource struct {
	Rows        int
	Seed        uint64
	Start       time.Time
	NoiseStdDev float64
	// Bounds sets the sampling range per feature. A zero range means [1, 10].
	Bounds FeatureBounds
}

// Load implements Source.
func (s SyntheticSource) Load(ctx context.Context) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := s.Generate()
	if err != nil {
		return nil, err
	}
	return New(records)
}

// Generate returns the raw records.
func (s SyntheticSource) Generate() ([]Record, error) {
	if s.Rows < 0 {
		return nil, errors.New("synthetic rows must not be negative")
	}
	var bounds [NumFeatures]Bounds
	for j, b := range s.Bounds.Array() {
		if b.Min == 0 && b.Max == 0 {
			b = Bounds{Min: 1, Max: 10}
		}
		if b.Min > b.Max {
			return nil, fmt.Errorf("synthetic bounds for %s are inverted", Features[j])
		}
		bounds[j] = b
	}
	start := s.Start
	if start.IsZero() {
		start = time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	start = Day(start)

	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))

	records := make([]Record, s.Rows)
	for i := range records {
		var x [NumFeatures]float64
		for j := range x {
			x[j] = rng.Float64()*(bounds[j].Max-bounds[j].Min) + bounds[j].Min
		}
		features := FromArray(x)

		target := 0.0
		weights := syntheticWeights.Array()
		for j, v := range x {
			target += weights[j] * v
		}
		target += rng.NormFloat64() * s.NoiseStdDev

		records[i] = Record{
			Date:     start.AddDate(0, 0, i),
			Features: features,
			Target:   target,
		}
	}
	return records, nil
}

var _ Source = SyntheticSource{}
