// Package session owns one dataset, the forest fitted on it and the
// predict/explain/compose pipeline that runs against that forest.
//
// The forest is cached by dataset version and refitted only when a dataset
// with a different version is installed.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"yield-attribution/internal/attribution"
	"yield-attribution/internal/dataset"
	"yield-attribution/internal/forest"
	"yield-attribution/internal/metrics"
	"yield-attribution/internal/waterfall"
)

// ErrNoDataset is returned when a request arrives before SetDataset.
var ErrNoDataset = errors.New("no dataset loaded")

// Fitter trains a forest.
type Fitter interface {
	Fit(records []dataset.Record) (*forest.Model, error)
}

// Explainer attributes a prediction.
type Explainer interface {
	Explain(model attribution.Predictor, x dataset.FeatureVector, background []dataset.FeatureVector) (attribution.Result, error)
}

// Options configure a session.
type Options struct {
	Bounds         dataset.FeatureBounds
	Policy         dataset.RangePolicy
	BackgroundSize int
	BackgroundSeed uint64
	Labels         waterfall.Labels
	OnTransition   TransitionFunc
}

// Outcome is one explained prediction.
type Outcome struct {
	RequestID    string                `json:"request_id" yaml:"request_id"`
	Date         *time.Time            `json:"date,omitempty" yaml:"date,omitempty"`
	Requested    dataset.FeatureVector `json:"requested" yaml:"requested"`
	Input        dataset.FeatureVector `json:"input" yaml:"input"`
	Clamped      []dataset.Feature     `json:"clamped,omitempty" yaml:"clamped,omitempty"`
	Prediction   float64               `json:"prediction" yaml:"prediction"`
	Observed     *float64              `json:"observed,omitempty" yaml:"observed,omitempty"`
	Attribution  attribution.Result    `json:"attribution" yaml:"attribution"`
	Segments     []waterfall.Segment   `json:"segments" yaml:"segments"`
	ModelVersion string                `json:"model_version" yaml:"model_version"`
	CreatedAt    time.Time             `json:"created_at" yaml:"created_at"`
}

// Session is not safe to share between unrelated datasets; requests against
// one session are serialised.
type Session struct {
	mu        sync.Mutex
	opts      Options
	regressor Fitter
	explainer Explainer
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	state      State
	data       *dataset.Dataset
	model      *forest.Model
	background []dataset.FeatureVector
	fitErr     error
	last       *Outcome
}

// New constructs an idle session. m may be nil.
func New(regressor Fitter, explainer Explainer, m *metrics.Metrics, opts Options, logger zerolog.Logger) *Session {
	if opts.Policy == "" {
		opts.Policy = dataset.PolicyClamp
	}
	if opts.Bounds == (dataset.FeatureBounds{}) {
		opts.Bounds = dataset.UniformBounds(1, 10)
	}
	return &Session{
		opts:      opts,
		regressor: regressor,
		explainer: explainer,
		metrics:   m,
		logger:    logger.With().Str("component", "session").Logger(),
	}
}

// State reports the current stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dataset returns the installed dataset, or nil.
func (s *Session) Dataset() *dataset.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// SetDataset installs ds. The cached forest survives when the version is
// unchanged.
func (s *Session) SetDataset(ds *dataset.Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data != nil && ds != nil && s.data.Version() == ds.Version() {
		s.data = ds
		return
	}

	s.data = ds
	s.model = nil
	s.background = nil
	s.fitErr = nil
	if ds != nil {
		s.metrics.SetDatasetRecords(ds.Len())
		s.logger.Info().Str("version", ds.Version()).Int("records", ds.Len()).Msg("dataset installed")
	}
}

// Lookup finds the record for date.
func (s *Session) Lookup(date time.Time) (dataset.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return dataset.Record{}, ErrNoDataset
	}
	rec, err := s.data.Lookup(date)
	if err != nil {
		s.metrics.ObserveError(metrics.KindLookupMiss)
		return dataset.Record{}, err
	}
	return rec, nil
}

// Model returns the fitted forest, fitting it on first use.
func (s *Session) Model() (*forest.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	model, err := s.ensureModel()
	if err == nil {
		s.transition(Idle)
	}
	return model, err
}

// Last returns the most recent successful outcome.
func (s *Session) Last() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Outcome{}, false
	}
	return *s.last, true
}

// PredictDate looks up date and explains its recorded inputs. A miss returns
// *dataset.LookupMiss before any fitting happens.
func (s *Session) PredictDate(date time.Time) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return Outcome{}, ErrNoDataset
	}
	rec, err := s.data.Lookup(date)
	if err != nil {
		s.metrics.ObserveError(metrics.KindLookupMiss)
		return Outcome{}, err
	}
	return s.predict(rec.Features, &rec)
}

// Predict runs the full pipeline on x.
func (s *Session) Predict(x dataset.FeatureVector) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return Outcome{}, ErrNoDataset
	}
	return s.predict(x, nil)
}

// predict explains x. rec is the recorded day x came from, if any.
func (s *Session) predict(x dataset.FeatureVector, rec *dataset.Record) (Outcome, error) {
	requestID := uuid.NewString()
	logger := s.logger.With().Str("request_id", requestID).Logger()

	input, clamped, err := dataset.Enforce(s.opts.Bounds, x, s.opts.Policy)
	if err != nil {
		s.metrics.ObserveError(metrics.KindOutOfRange)
		logger.Warn().Err(err).Msg("input rejected")
		return Outcome{}, err
	}
	if len(clamped) > 0 {
		s.metrics.ObserveClamped(len(clamped))
		logger.Warn().Interface("features", clamped).Msg("input clamped to bounds")
	}

	model, err := s.ensureModel()
	if err != nil {
		return Outcome{}, err
	}

	s.transition(Predicting)
	prediction := model.Predict(input)

	s.transition(Explaining)
	start := time.Now()
	res, err := s.explainer.Explain(model, input, s.background)
	if err != nil {
		s.metrics.ObserveError(metrics.KindExplainability)
		s.transition(Idle)
		logger.Error().Err(err).Msg("attribution failed")
		return Outcome{}, err
	}
	if res.Prediction != prediction {
		s.metrics.ObserveError(metrics.KindExplainability)
		s.transition(Idle)
		return Outcome{}, &attribution.ExplainabilityError{
			Reason: fmt.Sprintf("attributed prediction %g differs from model output %g", res.Prediction, prediction),
		}
	}
	s.metrics.ObserveExplain(time.Since(start), res.Evaluations, res.Residual, prediction)

	segments := waterfall.Compose(res, s.opts.Labels)
	s.transition(Composed)

	out := Outcome{
		RequestID:    requestID,
		Requested:    x,
		Input:        input,
		Clamped:      clamped,
		Prediction:   prediction,
		Attribution:  res,
		Segments:     segments,
		ModelVersion: s.data.Version(),
		CreatedAt:    time.Now().UTC(),
	}
	if rec != nil {
		day, observed := rec.Date, rec.Target
		out.Date = &day
		out.Observed = &observed
	}
	s.last = &out
	s.transition(Idle)

	logger.Info().
		Float64("prediction", prediction).
		Float64("baseline", res.Baseline).
		Int("evaluations", res.Evaluations).
		Msg("prediction explained")
	return out, nil
}

// ensureModel returns the cached forest or fits one. Callers hold mu. On
// success the session is left in Fitted.
func (s *Session) ensureModel() (*forest.Model, error) {
	if s.data == nil {
		return nil, ErrNoDataset
	}
	if s.fitErr != nil {
		s.metrics.ObserveError(metrics.KindInsufficientData)
		return nil, s.fitErr
	}
	if s.model != nil {
		s.metrics.ObserveCacheHit()
		s.transition(Fitted)
		return s.model, nil
	}

	s.transition(Fitting)
	start := time.Now()
	model, err := s.regressor.Fit(s.data.Records())
	if err != nil {
		var insufficient *forest.InsufficientDataError
		if errors.As(err, &insufficient) {
			s.fitErr = err
			s.metrics.ObserveError(metrics.KindInsufficientData)
		} else {
			s.metrics.ObserveError(metrics.KindOther)
		}
		s.transition(Idle)
		s.logger.Error().Err(err).Str("version", s.data.Version()).Msg("fit failed")
		return nil, err
	}
	s.metrics.ObserveFit(time.Since(start))

	s.model = model
	s.background = attribution.SampleBackground(s.data.Vectors(), s.opts.BackgroundSize, s.opts.BackgroundSeed)
	s.transition(Fitted)
	s.logger.Info().
		Str("version", s.data.Version()).
		Int("records", model.TrainedOn()).
		Int("trees", model.Trees()).
		Int("depth", model.Depth()).
		Int("background", len(s.background)).
		Dur("elapsed", time.Since(start)).
		Msg("model fitted")
	return model, nil
}

func (s *Session) transition(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("state transition")
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(from, to)
	}
}
