package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-attribution/internal/attribution"
	"yield-attribution/internal/dataset"
	"yield-attribution/internal/forest"
	"yield-attribution/internal/metrics"
	"yield-attribution/internal/waterfall"
)

type countingFitter struct {
	inner *forest.Regressor
	calls int
}

func (c *countingFitter) Fit(records []dataset.Record) (*forest.Model, error) {
	c.calls++
	return c.inner.Fit(records)
}

type failingExplainer struct{}

func (failingExplainer) Explain(attribution.Predictor, dataset.FeatureVector, []dataset.FeatureVector) (attribution.Result, error) {
	return attribution.Result{}, &attribution.ExplainabilityError{Reason: "additivity violated"}
}

type switchExplainer struct {
	fail  bool
	inner *attribution.Explainer
}

func (s *switchExplainer) Explain(m attribution.Predictor, x dataset.FeatureVector, bg []dataset.FeatureVector) (attribution.Result, error) {
	if s.fail {
		return failingExplainer{}.Explain(m, x, bg)
	}
	return s.inner.Explain(m, x, bg)
}

func synthetic(t *testing.T, rows int, seed uint64) *dataset.Dataset {
	t.Helper()
	ds, err := dataset.SyntheticSource{Rows: rows, Seed: seed, NoiseStdDev: 1}.Load(context.Background())
	require.NoError(t, err)
	return ds
}

func newFitter() *countingFitter {
	opts := forest.DefaultOptions()
	opts.Estimators = 10
	return &countingFitter{inner: forest.NewRegressor(opts, zerolog.Nop())}
}

func newSession(fitter Fitter, explainer Explainer, opts Options) *Session {
	if explainer == nil {
		explainer = attribution.NewExplainer(attribution.Options{}, zerolog.Nop())
	}
	return New(fitter, explainer, nil, opts, zerolog.Nop())
}

func TestPredictWalksStateMachine(t *testing.T) {
	var seen []State
	fitter := newFitter()
	s := newSession(fitter, nil, Options{
		OnTransition: func(_, to State) { seen = append(seen, to) },
	})
	s.SetDataset(synthetic(t, 40, 1))

	out, err := s.Predict(dataset.UniformVector(5))
	require.NoError(t, err)
	assert.Equal(t, []State{Fitting, Fitted, Predicting, Explaining, Composed, Idle}, seen)
	assert.Equal(t, Idle, s.State())

	seen = nil
	_, err = s.Predict(dataset.UniformVector(6))
	require.NoError(t, err)
	assert.Equal(t, []State{Fitted, Predicting, Explaining, Composed, Idle}, seen, "cached model skips fitting")
	assert.Equal(t, 1, fitter.calls)

	_, parseErr := uuid.Parse(out.RequestID)
	assert.NoError(t, parseErr)
	assert.Len(t, out.Segments, waterfall.Count)
	assert.Equal(t, out.Prediction, out.Attribution.Prediction)
	assert.Equal(t, "Predicted grade", out.Segments[waterfall.Count-1].Label)
}

func TestModelCacheFollowsDatasetVersion(t *testing.T) {
	fitter := newFitter()
	s := newSession(fitter, nil, Options{})

	first := synthetic(t, 40, 1)
	s.SetDataset(first)
	_, err := s.Model()
	require.NoError(t, err)
	assert.Equal(t, Idle, s.State())

	same, err := dataset.New(first.Records())
	require.NoError(t, err)
	s.SetDataset(same)
	_, err = s.Predict(dataset.UniformVector(5))
	require.NoError(t, err)
	assert.Equal(t, 1, fitter.calls, "identical content keeps the cached model")

	s.SetDataset(synthetic(t, 41, 1))
	_, err = s.Predict(dataset.UniformVector(5))
	require.NoError(t, err)
	assert.Equal(t, 2, fitter.calls)
}

func TestInsufficientDataBlocksUntilDatasetChanges(t *testing.T) {
	fitter := newFitter()
	s := newSession(fitter, nil, Options{})
	s.SetDataset(synthetic(t, 1, 0))

	var insufficient *forest.InsufficientDataError
	_, err := s.Predict(dataset.UniformVector(5))
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, Idle, s.State())

	_, err = s.Predict(dataset.UniformVector(5))
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 1, fitter.calls, "a failed fit is remembered for the version")

	s.SetDataset(synthetic(t, 20, 0))
	_, err = s.Predict(dataset.UniformVector(5))
	require.NoError(t, err)
	assert.Equal(t, 2, fitter.calls)
}

func TestLookupMissSkipsPipeline(t *testing.T) {
	var seen []State
	fitter := newFitter()
	s := newSession(fitter, nil, Options{OnTransition: func(_, to State) { seen = append(seen, to) }})
	s.SetDataset(synthetic(t, 10, 0))

	_, err := s.PredictDate(time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC))
	var miss *dataset.LookupMiss
	require.True(t, errors.As(err, &miss))
	assert.Equal(t, 0, fitter.calls)
	assert.Empty(t, seen)

	_, err = s.Lookup(time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, errors.As(err, &miss))
}

func TestPredictDate(t *testing.T) {
	ds := synthetic(t, 30, 0)
	s := newSession(newFitter(), nil, Options{})
	s.SetDataset(ds)

	latest, ok := ds.Latest()
	require.True(t, ok)

	out, err := s.PredictDate(latest.Date)
	require.NoError(t, err)
	require.NotNil(t, out.Date)
	assert.True(t, latest.Date.Equal(*out.Date))
	assert.Equal(t, latest.Features, out.Input)
	require.NotNil(t, out.Observed)
	assert.Equal(t, latest.Target, *out.Observed)

	free, err := s.Predict(latest.Features)
	require.NoError(t, err)
	assert.Nil(t, free.Observed, "free-form input has no recorded grade")
	assert.Nil(t, free.Date)

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, free.RequestID, last.RequestID)
}

func TestOutOfRangePolicies(t *testing.T) {
	x := dataset.UniformVector(5).With(dataset.Reagent1, 15).With(dataset.Valve2, -3)

	clamp := newSession(newFitter(), nil, Options{Policy: dataset.PolicyClamp})
	clamp.SetDataset(synthetic(t, 30, 0))
	out, err := clamp.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, 10.0, out.Input.Reagent1)
	assert.Equal(t, 1.0, out.Input.Valve2)
	assert.Equal(t, 15.0, out.Requested.Reagent1)
	assert.Equal(t, []dataset.Feature{dataset.Reagent1, dataset.Valve2}, out.Clamped)

	fitter := newFitter()
	reject := newSession(fitter, nil, Options{Policy: dataset.PolicyReject})
	reject.SetDataset(synthetic(t, 30, 0))
	_, err = reject.Predict(x)
	var oor *dataset.OutOfRangeInputError
	require.True(t, errors.As(err, &oor))
	assert.Equal(t, dataset.Reagent1, oor.Feature)
	assert.Equal(t, 0, fitter.calls)
}

func TestExplainFailureKeepsModelAndLastOutcome(t *testing.T) {
	fitter := newFitter()
	explainer := &switchExplainer{inner: attribution.NewExplainer(attribution.Options{}, zerolog.Nop())}
	registry := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(registry)
	s := New(fitter, explainer, m, Options{}, zerolog.Nop())
	s.SetDataset(synthetic(t, 30, 0))

	good, err := s.Predict(dataset.UniformVector(5))
	require.NoError(t, err)

	explainer.fail = true
	_, err = s.Predict(dataset.UniformVector(7))
	var explainErr *attribution.ExplainabilityError
	require.True(t, errors.As(err, &explainErr))
	assert.Equal(t, Idle, s.State())

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, good.RequestID, last.RequestID)

	explainer.fail = false
	_, err = s.Predict(dataset.UniformVector(7))
	require.NoError(t, err)
	assert.Equal(t, 1, fitter.calls)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelFits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Predictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(metrics.KindExplainability)))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.DatasetRecords))
}

func TestBackgroundSubsample(t *testing.T) {
	s := newSession(newFitter(), nil, Options{BackgroundSize: 8, BackgroundSeed: 3})
	s.SetDataset(synthetic(t, 50, 0))

	out, err := s.Predict(dataset.UniformVector(5))
	require.NoError(t, err)
	assert.Equal(t, 1+31*8, out.Attribution.Evaluations)
}

func TestRequestsWithoutDataset(t *testing.T) {
	s := newSession(newFitter(), nil, Options{})

	_, err := s.Predict(dataset.UniformVector(5))
	assert.ErrorIs(t, err, ErrNoDataset)
	_, err = s.Model()
	assert.ErrorIs(t, err, ErrNoDataset)
	_, ok := s.Last()
	assert.False(t, ok)
	assert.Equal(t, "idle", s.State().String())
}
