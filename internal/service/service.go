package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"yield-attribution/internal/alerting"
	"yield-attribution/internal/dataset"
	"yield-attribution/internal/scheduler"
	"yield-attribution/internal/session"
	"yield-attribution/internal/storage"
)

// Options tune the watch service.
type Options struct {
	LockKey      int64
	AlertsOn     bool
	LowThreshold decimal.Decimal
	Channels     []string
	// AfterTick runs once every tick has finished, whatever its result.
	AfterTick func()
}

// Service reloads the dataset on every tick, explains the latest record and
// routes the report.
type Service struct {
	scheduler   *scheduler.Scheduler
	source      dataset.Source
	session     *session.Session
	predictions storage.PredictionStore
	locker      storage.AdvisoryLocker
	notifier    alerting.Notifier
	logger      zerolog.Logger
	opts        Options
}

// New constructs the watch service. predictions, locker and notifier may be nil.
func New(opts Options, sched *scheduler.Scheduler, source dataset.Source, sess *session.Session, predictions storage.PredictionStore, locker storage.AdvisoryLocker, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:   sched,
		source:      source,
		session:     sess,
		predictions: predictions,
		locker:      locker,
		notifier:    notifier,
		logger:      logger.With().Str("component", "service").Logger(),
		opts:        opts,
	}
}

// Run begins the aligned watch loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick handles one tick, skipping it when another watcher holds the lock.
func (s *Service) ProcessTick(ctx context.Context, at time.Time) error {
	if s.opts.AfterTick != nil {
		defer s.opts.AfterTick()
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeTick(ctx, at)
}

func (s *Service) executeTick(ctx context.Context, at time.Time) error {
	ds, err := s.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload dataset: %w", err)
	}
	s.session.SetDataset(ds)

	latest, ok := ds.Latest()
	if !ok {
		return errors.New("dataset has no records")
	}

	out, err := s.session.PredictDate(latest.Date)
	if err != nil {
		return fmt.Errorf("explain %s: %w", latest.Date.Format(dataset.DateLayout), err)
	}

	if s.predictions != nil {
		if _, err := s.predictions.InsertPrediction(ctx, PredictionRecord(out)); err != nil {
			s.logger.Error().Err(err).Time("tick", at).Msg("failed to persist prediction")
		}
	}

	note := NewNotification(out, s.opts.LowThreshold, s.opts.Channels)
	s.logger.Info().Time("tick", at).
		Str("date", latest.Date.Format(dataset.DateLayout)).
		Str("prediction", note.Prediction.StringFixed(2)).
		Str("model_version", out.ModelVersion).
		Msg("latest record explained")

	if !s.opts.AlertsOn || s.notifier == nil {
		return nil
	}
	// With no threshold every tick is reported.
	if !s.opts.LowThreshold.IsZero() && !note.BelowThreshold() {
		return nil
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("tick", at).Msg("failed to dispatch report")
	}
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// NewNotification turns an outcome into a report.
func NewNotification(out session.Outcome, lowThreshold decimal.Decimal, channels []string) alerting.Notification {
	clamped := make([]string, len(out.Clamped))
	for i, f := range out.Clamped {
		clamped[i] = f.String()
	}
	note := alerting.Notification{
		RequestID:    out.RequestID,
		RecordDate:   out.Date,
		Prediction:   decimal.NewFromFloat(out.Prediction),
		Baseline:     decimal.NewFromFloat(out.Attribution.Baseline),
		LowThreshold: lowThreshold,
		Segments:     out.Segments,
		Clamped:      clamped,
		Channels:     channels,
	}
	if out.Observed != nil {
		observed := decimal.NewFromFloat(*out.Observed)
		note.Observed = &observed
	}
	return note
}

// PredictionRecord converts an outcome into its audit row.
func PredictionRecord(out session.Outcome) storage.PredictionRecord {
	return storage.PredictionRecord{
		RequestID:     out.RequestID,
		RecordDate:    out.Date,
		Input:         out.Input,
		Prediction:    decimal.NewFromFloat(out.Prediction),
		Baseline:      decimal.NewFromFloat(out.Attribution.Baseline),
		Contributions: out.Attribution.Contributions,
		ModelVersion:  out.ModelVersion,
	}
}
