// Package forest fits bagged CART regression trees on the historical dataset.
//
// Every tree draws its bootstrap sample and feature subsets from its own PCG
// stream seeded by (Seed, tree index), so a fit is fully determined by the
// options and the training records.
package forest

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"yield-attribution/internal/dataset"
)

// MinRecords is the smallest training set a fit accepts.
const MinRecords = 2

// InsufficientDataError reports a training set below MinRecords.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: have %d records, need at least %d", e.Have, e.Need)
}

// Options tune the ensemble.
type Options struct {
	Estimators      int    `mapstructure:"estimators"`
	Seed            uint64 `mapstructure:"seed"`
	MaxDepth        int    `mapstructure:"max_depth"`
	MinSamplesSplit int    `mapstructure:"min_samples_split"`
	MinSamplesLeaf  int    `mapstructure:"min_samples_leaf"`
	MaxFeatures     int    `mapstructure:"max_features"`
	Bootstrap       bool   `mapstructure:"bootstrap"`
}

// DefaultOptions mirrors a stock random forest regressor: 100 trees, seed 0,
// unlimited depth, all features per split.
func DefaultOptions() Options {
	return Options{
		Estimators:      100,
		MinSamplesSplit: 2,
		MinSamplesLeaf:  1,
		Bootstrap:       true,
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.Estimators <= 0 {
		return errors.New("model.estimators must be greater than zero")
	}
	if o.MaxDepth < 0 {
		return errors.New("model.max_depth cannot be negative")
	}
	if o.MinSamplesSplit < 2 {
		return errors.New("model.min_samples_split must be at least 2")
	}
	if o.MinSamplesLeaf < 1 {
		return errors.New("model.min_samples_leaf must be at least 1")
	}
	if o.MaxFeatures < 0 || o.MaxFeatures > dataset.NumFeatures {
		return fmt.Errorf("model.max_features must be between 0 and %d", dataset.NumFeatures)
	}
	return nil
}

// Regressor fits models. It keeps no state between fits.
type Regressor struct {
	opts   Options
	logger zerolog.Logger
}

// NewRegressor constructs a Regressor.
func NewRegressor(opts Options, logger zerolog.Logger) *Regressor {
	return &Regressor{opts: opts, logger: logger.With().Str("component", "regressor").Logger()}
}

// Model is a fitted ensemble.
type Model struct {
	trees     []*tree
	trainedOn int
}

// Fit trains a new model on every record.
func (r *Regressor) Fit(records []dataset.Record) (*Model, error) {
	if len(records) < MinRecords {
		return nil, &InsufficientDataError{Have: len(records), Need: MinRecords}
	}
	if err := r.opts.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	xs := make([][dataset.NumFeatures]float64, len(records))
	ys := make([]float64, len(records))
	for i, rec := range records {
		xs[i] = rec.Features.Array()
		ys[i] = rec.Target
	}

	model := &Model{trees: make([]*tree, r.opts.Estimators), trainedOn: len(records)}
	for i := range model.trees {
		rng := rand.New(rand.NewPCG(r.opts.Seed, uint64(i)))
		b := &builder{opts: r.opts, xs: xs, ys: ys, rng: rng}
		model.trees[i] = b.build(b.sample())
	}

	r.logger.Debug().
		Int("records", len(records)).
		Int("trees", len(model.trees)).
		Int("max_depth", model.Depth()).
		Dur("elapsed", time.Since(start)).
		Msg("model fitted")
	return model, nil
}

// Predict averages the leaf values reached by x in every tree. Values outside
// the training range land in the outermost leaves.
func (m *Model) Predict(x dataset.FeatureVector) float64 {
	arr := x.Array()
	out := make([]float64, len(m.trees))
	for i, t := range m.trees {
		out[i] = t.predict(&arr)
	}
	return floats.Sum(out) / float64(len(out))
}

// Trees returns the ensemble size.
func (m *Model) Trees() int {
	return len(m.trees)
}

// TrainedOn returns the number of training records.
func (m *Model) TrainedOn() int {
	return m.trainedOn
}

// Depth returns the deepest tree depth.
func (m *Model) Depth() int {
	depth := 0
	for _, t := range m.trees {
		depth = max(depth, t.depth)
	}
	return depth
}
