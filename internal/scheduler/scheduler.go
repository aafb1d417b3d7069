package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sweetwatch/internal/metrics"
)

// Polling policies.
const (
	PolicyAdaptive = "adaptive"
	PolicyFixed    = "fixed"
)

const (
	DefaultStartupDelay  = 10 * time.Second
	DefaultQuietInterval = 3 * time.Minute
	DefaultAlertInterval = time.Minute
	DefaultFixedInterval = 5 * time.Minute
)

// CycleFunc runs one poll. changing reports whether the newest stored trend is
// anything other than stable.
type CycleFunc func(ctx context.Context) (changing bool, err error)

// Options tune scheduler behaviour. Zero durations fall back to the defaults.
type Options struct {
	Policy        string
	StartupDelay  time.Duration
	QuietInterval time.Duration
	AlertInterval time.Duration
	FixedInterval time.Duration
}

// Scheduler drives the background sync loop.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	opts.Policy = strings.ToLower(strings.TrimSpace(opts.Policy))
	if opts.Policy != PolicyFixed {
		opts.Policy = PolicyAdaptive
	}
	if opts.StartupDelay < 0 {
		opts.StartupDelay = 0
	}
	if opts.QuietInterval <= 0 {
		opts.QuietInterval = DefaultQuietInterval
	}
	if opts.AlertInterval <= 0 {
		opts.AlertInterval = DefaultAlertInterval
	}
	if opts.FixedInterval <= 0 {
		opts.FixedInterval = DefaultFixedInterval
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Options returns the effective options.
func (s *Scheduler) Options() Options {
	return s.opts
}

// Next picks the wait before the following cycle.
func (s *Scheduler) Next(changing bool, err error) time.Duration {
	switch {
	case s.opts.Policy == PolicyFixed:
		return s.opts.FixedInterval
	case err != nil:
		return s.opts.QuietInterval
	case changing:
		return s.opts.AlertInterval
	default:
		return s.opts.QuietInterval
	}
}

// Run blocks, invoking cycle until ctx is cancelled. Cycle failures are logged
// and never stop the loop.
func (s *Scheduler) Run(ctx context.Context, cycle CycleFunc) error {
	s.logger.Info().
		Str("policy", s.opts.Policy).
		Dur("startup_delay", s.opts.StartupDelay).
		Msg("scheduler started")

	if err := sleep(ctx, s.opts.StartupDelay); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		changing, err := s.runCycle(ctx, cycle)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error().Err(err).Dur("took", time.Since(started)).Msg("sync cycle failed")
		}

		wait := s.Next(changing, err)
		metrics.RecordNextInterval(wait)
		s.logger.Info().
			Bool("changing", changing).
			Dur("next_in", wait).
			Msg("next sync scheduled")

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, cycle CycleFunc) (changing bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			changing = false
			err = fmt.Errorf("sync cycle panic: %v", r)
		}
	}()
	return cycle(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
