package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the periodic maintenance jobs (retention sweep, backlog
// drain). A job never overlaps with its own previous run.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewScheduler creates an idle scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Every registers job to run once per interval. A non-positive interval
// leaves the job unscheduled.
func (s *Scheduler) Every(name string, interval time.Duration, job func(ctx context.Context) (int, error)) error {
	if interval <= 0 {
		s.logger.Info("scheduler: job disabled", "job", name)
		return nil
	}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		start := time.Now()
		n, err := job(s.ctx)
		if err != nil {
			s.logger.Warn("scheduler: job failed", "job", name, "affected", n, "err", err)
			return
		}
		s.logger.Debug("scheduler: job done", "job", name, "affected", n, "elapsed", time.Since(start).String())
	})
	if err != nil {
		return fmt.Errorf("scheduler: add %s: %w", name, err)
	}
	s.logger.Info("scheduler: job registered", "job", name, "interval", interval.String())
	return nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
