// Package scheduler triggers ingestion jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"klinefeed/internal/gather"
)

// DefaultSpec runs a job every 15 minutes.
const DefaultSpec = "*/15 * * * *"

// Scheduler manages all cron tasks. Each job is wrapped so that a tick
// arriving while the previous run of the same job is still going is skipped.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	timeout time.Duration
	log     *slog.Logger
}

// New creates a Scheduler whose jobs run under ctx. A positive timeout bounds
// every single run.
func New(ctx context.Context, timeout time.Duration) *Scheduler {
	log := slog.Default().With("component", "scheduler")
	logger := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:     ctx,
		timeout: timeout,
		log:     log,
	}
}

// Register schedules job on a standard five-field cron spec.
func (s *Scheduler) Register(spec string, job gather.Gatherer) error {
	if _, err := s.cron.AddFunc(spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("register %s task: %w", job.Name(), err)
	}
	s.log.Info("registered job", "job", job.Name(), "spec", spec)
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop stops scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// RunOnce runs each job once, in order, and returns their joined errors.
func (s *Scheduler) RunOnce(ctx context.Context, jobs ...gather.Gatherer) error {
	var errs []error
	for _, job := range jobs {
		if err := s.runCtx(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) run(job gather.Gatherer) {
	_ = s.runCtx(s.ctx, job)
}

func (s *Scheduler) runCtx(ctx context.Context, job gather.Gatherer) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	s.log.Info("running job", "job", job.Name())
	err := job.Run(ctx)
	if err != nil {
		s.log.Error("job failed", "job", job.Name(), "err", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return err
	}
	s.log.Info("job done", "job", job.Name(), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
