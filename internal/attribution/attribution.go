// Package attribution splits a single prediction into per-feature Shapley
// contributions measured against a background distribution.
//
// The coalition value of a feature subset S is the mean prediction over the
// background set when the features in S take the explained values and the rest
// keep their background values. With five features every one of the 32
// coalitions is evaluated, so the contributions are exact Shapley values and
// add up to prediction minus baseline.
package attribution

import (
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"yield-attribution/internal/dataset"
)

// DefaultTolerance is the relative additivity tolerance.
const DefaultTolerance = 1e-6

const coalitions = 1 << dataset.NumFeatures

// Predictor is anything that maps a feature vector to a scalar.
type Predictor interface {
	Predict(x dataset.FeatureVector) float64
}

// Contributions holds one signed share per feature.
type Contributions = dataset.Fields[float64]

// Result is one explained prediction.
type Result struct {
	Baseline      float64       `json:"baseline" yaml:"baseline"`
	Contributions Contributions `json:"contributions" yaml:"contributions"`
	Prediction    float64       `json:"prediction" yaml:"prediction"`
	Evaluations   int           `json:"evaluations" yaml:"evaluations"`
	Residual      float64       `json:"residual" yaml:"residual"`
}

// Sum adds up the contributions.
func (r Result) Sum() float64 {
	arr := r.Contributions.Array()
	return floats.Sum(arr[:])
}

// ExplainabilityError reports an attribution that could not be produced or
// that failed the additivity check.
type ExplainabilityError struct {
	Reason string
}

func (e *ExplainabilityError) Error() string {
	return "explainability: " + e.Reason
}

// Options tune the explainer.
type Options struct {
	Tolerance float64
}

// Explainer computes attributions. It holds no per-request state.
type Explainer struct {
	tolerance float64
	logger    zerolog.Logger
}

// NewExplainer constructs an Explainer.
func NewExplainer(opts Options, logger zerolog.Logger) *Explainer {
	tol := opts.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	return &Explainer{tolerance: tol, logger: logger.With().Str("component", "explainer").Logger()}
}

// shapleyWeights[s] = s!(n-s-1)!/n! for a coalition of size s.
var shapleyWeights = func() [dataset.NumFeatures]float64 {
	n := dataset.NumFeatures
	var w [dataset.NumFeatures]float64
	for s := range w {
		w[s] = factorial(s) * factorial(n-s-1) / factorial(n)
	}
	return w
}()

func factorial(n int) float64 {
	f := 1.0
	for i := 2; i <= n; i++ {
		f *= float64(i)
	}
	return f
}

// Explain attributes model(x) over the background vectors.
func (e *Explainer) Explain(model Predictor, x dataset.FeatureVector, background []dataset.FeatureVector) (Result, error) {
	if model == nil {
		return Result{}, &ExplainabilityError{Reason: "model not available"}
	}
	if len(background) == 0 {
		return Result{}, &ExplainabilityError{Reason: "background set is empty"}
	}

	start := time.Now()
	target := x.Array()
	prediction := model.Predict(x)
	evaluations := 1
	if !finite(prediction) {
		return Result{}, &ExplainabilityError{Reason: fmt.Sprintf("prediction is not finite (%g)", prediction)}
	}

	var value [coalitions]float64
	full := coalitions - 1
	value[full] = prediction

	preds := make([]float64, len(background))
	for mask := 0; mask < full; mask++ {
		for i, b := range background {
			z := b.Array()
			for f := range z {
				if mask&(1<<f) != 0 {
					z[f] = target[f]
				}
			}
			preds[i] = model.Predict(dataset.FromArray(z))
		}
		evaluations += len(background)

		v := stat.Mean(preds, nil)
		if !finite(v) {
			return Result{}, &ExplainabilityError{Reason: fmt.Sprintf("coalition %05b produced a non-finite value", mask)}
		}
		value[mask] = v
	}

	var phi [dataset.NumFeatures]float64
	for f := range phi {
		bit := 1 << f
		for mask := 0; mask < coalitions; mask++ {
			if mask&bit != 0 {
				continue
			}
			phi[f] += shapleyWeights[bits.OnesCount(uint(mask))] * (value[mask|bit] - value[mask])
		}
	}

	res := Result{
		Baseline:      value[0],
		Contributions: dataset.FromArray(phi),
		Prediction:    prediction,
		Evaluations:   evaluations,
	}
	res.Residual = res.Baseline + res.Sum() - res.Prediction
	if math.Abs(res.Residual) > e.tolerance*math.Max(1, math.Abs(prediction)) {
		return Result{}, &ExplainabilityError{
			Reason: fmt.Sprintf("additivity violated: baseline %g + contributions %g != prediction %g", res.Baseline, res.Sum(), prediction),
		}
	}

	e.logger.Debug().
		Float64("baseline", res.Baseline).
		Float64("prediction", prediction).
		Float64("residual", res.Residual).
		Int("background", len(background)).
		Int("evaluations", evaluations).
		Dur("elapsed", time.Since(start)).
		Msg("prediction explained")
	return res, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
