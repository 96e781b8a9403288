// Package scheduler triggers pipeline runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
	"github.com/couchcryptid/weather-domain-etl/internal/pipeline"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, trigger string) (domain.Run, error)
}

// Scheduler runs the pipeline on a cron spec. A tick that fires while the
// previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates spec and registers the run job. Specs use the standard
// five-field syntax or descriptors such as "@daily" and "@every 6h", in UTC.
func New(spec string, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s := &Scheduler{cron: c, runner: runner, logger: logger, ctx: context.Background(), cancel: func() {}}
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing in the background. Runs started by the scheduler are
// cancelled when ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("scheduler started", "next_run", e.Next)
	}
}

// Stop prevents further ticks, cancels the in-flight run, and waits for it to
// return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick() {
	run, err := s.runner.Run(s.ctx, domain.TriggerSchedule)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		s.logger.Info("scheduled run skipped, another run is in progress")
	case err != nil:
		s.logger.Error("scheduled run failed", "run_id", run.ID, "error", err)
	default:
		s.logger.Info("scheduled run finished", "run_id", run.ID, "status", run.Status)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
