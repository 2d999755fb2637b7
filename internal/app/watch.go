package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"yield-attribution/internal/scheduler"
	"yield-attribution/internal/service"
	"yield-attribution/internal/storage"
)

// Watch runs the scheduled explain loop until interrupted.
func (a *App) Watch(ctx context.Context, opts WatchOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence and locking disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	source, err := a.newSource(store)
	if err != nil {
		return err
	}

	schedule, err := scheduler.ParseCron(a.Config.Scheduler.Cron)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Schedule:       schedule,
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
		MaxTicks:       opts.MaxTicks,
	}, a.Logger)

	m := a.newMetrics()
	sess := a.newSession(m)

	var predictions storage.PredictionStore
	var locker storage.AdvisoryLocker
	if store != nil {
		predictions = store
		locker = store
	}

	svc := service.New(service.Options{
		LockKey:      a.Config.Scheduler.AdvisoryLockKey,
		AlertsOn:     a.Config.Alerting.Enabled,
		LowThreshold: decimal.NewFromFloat(a.Config.Alerting.LowThreshold),
		Channels:     a.Config.Alerting.Channels,
		AfterTick:    func() { a.writeMetrics(m) },
	}, sched, source, sess, predictions, locker, a.newNotifier(), a.Logger)

	a.Logger.Info().
		Dur("interval", a.Config.Scheduler.Interval).
		Str("cron", a.Config.Scheduler.Cron).
		Msg("starting watch loop")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watch loop terminated with error")
		return err
	}

	a.Logger.Info().Msg("watch loop stopped")
	return nil
}
