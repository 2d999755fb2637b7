package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval with the aligned tick time.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately fires one tick before waiting for the first interval.
	RunImmediately bool
	// MaxTicks stops Run after that many ticks. Zero runs until cancelled.
	MaxTicks int
	// Schedule, when set, replaces Interval and AlignToStart.
	Schedule cron.Schedule
}

// ParseCron parses a standard five-field expression such as "0 6 * * *".
// An empty expression yields a nil schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return sched, nil
}

// Scheduler drives the watch loop.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 && opts.Schedule == nil {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick at each interval until ctx is cancelled or
// MaxTicks is reached. Tick errors are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticks := 0
	fire := func(at time.Time) bool {
		s.logger.Info().Time("tick", at).Int("count", ticks+1).Msg("executing scheduled tick")
		if err := tick(ctx, at); err != nil {
			s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
		}
		ticks++
		return s.opts.MaxTicks > 0 && ticks >= s.opts.MaxTicks
	}

	if s.opts.RunImmediately {
		if fire(time.Now().UTC()) {
			return nil
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		if fire(s.tickStart(next)) {
			return nil
		}
		next = s.nextTick(next)
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if s.opts.Schedule != nil {
		return s.opts.Schedule.Next(now)
	}
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	at := now.Truncate(s.opts.Interval)
	if !at.After(now) {
		at = at.Add(s.opts.Interval)
	}
	return at
}

func (s *Scheduler) tickStart(t time.Time) time.Time {
	if s.opts.Schedule != nil || !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
