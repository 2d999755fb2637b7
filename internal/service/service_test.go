package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yield-attribution/internal/alerting"
	"yield-attribution/internal/attribution"
	"yield-attribution/internal/dataset"
	"yield-attribution/internal/forest"
	"yield-attribution/internal/session"
	"yield-attribution/internal/storage"
)

type countingSource struct {
	source dataset.SyntheticSource
	loads  int
	err    error
}

func (s *countingSource) Load(ctx context.Context) (*dataset.Dataset, error) {
	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	return s.source.Load(ctx)
}

type memoryPredictions struct {
	saved []storage.PredictionRecord
}

func (m *memoryPredictions) InsertPrediction(_ context.Context, rec storage.PredictionRecord) (storage.PredictionRecord, error) {
	rec.ID = int64(len(m.saved) + 1)
	m.saved = append(m.saved, rec)
	return rec, nil
}

func (m *memoryPredictions) ListRecentPredictions(context.Context, int) ([]storage.PredictionRecord, error) {
	return m.saved, nil
}

type stubLocker struct {
	acquired bool
	unlocked int
}

func (l *stubLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocked++ }, true, nil
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.notes = append(n.notes, note)
	return nil
}

func newSession() *session.Session {
	opts := forest.DefaultOptions()
	opts.Estimators = 10
	return session.New(
		forest.NewRegressor(opts, zerolog.Nop()),
		attribution.NewExplainer(attribution.Options{}, zerolog.Nop()),
		nil,
		session.Options{},
		zerolog.Nop(),
	)
}

func TestProcessTickExplainsLatestRecord(t *testing.T) {
	source := &countingSource{source: dataset.SyntheticSource{Rows: 40, NoiseStdDev: 1}}
	predictions := &memoryPredictions{}
	locker := &stubLocker{acquired: true}
	notifier := &recordingNotifier{}
	ticks := 0

	svc := New(Options{
		LockKey:   42,
		AlertsOn:  true,
		Channels:  []string{"telegram"},
		AfterTick: func() { ticks++ },
	}, nil, source, newSession(), predictions, locker, notifier, zerolog.Nop())

	require.NoError(t, svc.ProcessTick(context.Background(), time.Now()))
	require.NoError(t, svc.ProcessTick(context.Background(), time.Now()))

	assert.Equal(t, 2, source.loads)
	assert.Equal(t, 2, locker.unlocked)
	assert.Equal(t, 2, ticks)
	require.Len(t, predictions.saved, 2)
	assert.Equal(t, predictions.saved[0].ModelVersion, predictions.saved[1].ModelVersion)
	require.NotNil(t, predictions.saved[0].RecordDate)
	assert.Equal(t, "2023-02-09", predictions.saved[0].RecordDate.Format(dataset.DateLayout))

	require.Len(t, notifier.notes, 2)
	assert.Equal(t, []string{"telegram"}, notifier.notes[0].Channels)
	assert.Len(t, notifier.notes[0].Segments, 7)
}

func TestProcessTickSkipsWhenLockHeld(t *testing.T) {
	source := &countingSource{source: dataset.SyntheticSource{Rows: 10}}
	svc := New(Options{LockKey: 42}, nil, source, newSession(), nil, &stubLocker{}, nil, zerolog.Nop())

	require.NoError(t, svc.ProcessTick(context.Background(), time.Now()))
	assert.Zero(t, source.loads)
}

func TestProcessTickAlertsOnlyBelowThreshold(t *testing.T) {
	source := &countingSource{source: dataset.SyntheticSource{Rows: 40, NoiseStdDev: 1}}
	notifier := &recordingNotifier{}

	high := New(Options{AlertsOn: true, LowThreshold: decimal.NewFromInt(1)}, nil, source, newSession(), nil, nil, notifier, zerolog.Nop())
	require.NoError(t, high.ProcessTick(context.Background(), time.Now()))
	assert.Empty(t, notifier.notes)

	low := New(Options{AlertsOn: true, LowThreshold: decimal.NewFromInt(1000)}, nil, source, newSession(), nil, nil, notifier, zerolog.Nop())
	require.NoError(t, low.ProcessTick(context.Background(), time.Now()))
	require.Len(t, notifier.notes, 1)
	assert.True(t, notifier.notes[0].BelowThreshold())
}

func TestProcessTickErrors(t *testing.T) {
	failing := &countingSource{err: errors.New("source down")}
	svc := New(Options{}, nil, failing, newSession(), nil, nil, nil, zerolog.Nop())
	err := svc.ProcessTick(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source down")

	single := &countingSource{source: dataset.SyntheticSource{Rows: 1}}
	svc = New(Options{}, nil, single, newSession(), nil, nil, nil, zerolog.Nop())
	var insufficient *forest.InsufficientDataError
	assert.ErrorAs(t, svc.ProcessTick(context.Background(), time.Now()), &insufficient)

	assert.Error(t, New(Options{}, nil, single, newSession(), nil, nil, nil, zerolog.Nop()).Run(context.Background()))
}

func TestNewNotification(t *testing.T) {
	day := time.Date(2023, 4, 10, 0, 0, 0, 0, time.UTC)
	note := NewNotification(session.Outcome{
		RequestID:   "id",
		Date:        &day,
		Prediction:  30.5,
		Clamped:     []dataset.Feature{dataset.Valve2},
		Attribution: attribution.Result{Baseline: 28.2},
	}, decimal.NewFromInt(31), nil)

	assert.Equal(t, []string{"valve2"}, note.Clamped)
	assert.Equal(t, "28.20", note.Baseline.StringFixed(2))
	assert.True(t, note.BelowThreshold())
	assert.Nil(t, note.Observed)

	observed := 29.874
	note = NewNotification(session.Outcome{Date: &day, Prediction: 30.5, Observed: &observed}, decimal.Zero, nil)
	require.NotNil(t, note.Observed)
	assert.Equal(t, "29.87", note.Observed.StringFixed(2))
}
