package guide

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Runner interface {
	Run(ctx context.Context, trigger string) (Result, error)
}

// Scheduler runs guide syncs on a cron expression and once at start.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(spec string, runner Runner, logger zerolog.Logger) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(),
		runner: runner,
		logger: logger.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Trigger("schedule") }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid GUIDE_SCHEDULE %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	go s.Trigger("startup")
}

// Trigger runs one sync in the calling goroutine.
func (s *Scheduler) Trigger(trigger string) {
	_, err := s.runner.Run(s.ctx, trigger)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncRunning):
		s.logger.Info().Str("trigger", trigger).Msg("sync already running, skipped")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error().Err(err).Str("trigger", trigger).Msg("guide sync failed")
	}
}

// Stop cancels any running sync and waits for scheduled jobs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
