// Package scheduler runs config-declared capability executions on cron
// schedules. Jobs go through the full runtime pipeline, so a scheduled
// run records history and metrics exactly like an interactive one.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kazi/internal/capability"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/executor"
)

// Dispatcher executes one capability by ID. Satisfied by the runtime.
type Dispatcher func(ctx context.Context, capabilityID string, inputs map[string]any, opts executor.Options) (*capability.Result, error)

// Scheduler fires configured jobs on their cron schedules. A job whose
// prior run is still in flight is skipped, not queued — cron schedules
// describe points in time, not a work backlog.
type Scheduler struct {
	dispatch Dispatcher
	metrics  *Metrics
	logger   *slog.Logger

	cron *cron.Cron

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a Scheduler over the given dispatcher.
func New(dispatch Dispatcher, metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		dispatch: dispatch,
		metrics:  metrics,
		logger:   logger,
		cron: cron.New(cron.WithParser(
			cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		)),
		inFlight: make(map[string]bool),
	}
}

// AddJobs registers the configured jobs. A bad cron expression fails
// registration rather than silently dropping the job.
func (s *Scheduler) AddJobs(ctx context.Context, jobs []config.ScheduledJob) error {
	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.Schedule, func() {
			s.fire(ctx, job)
		})
		if err != nil {
			return fmt.Errorf("job %q: invalid schedule %q: %w", job.Name, job.Schedule, err)
		}
		s.logger.Info("scheduled job registered",
			slog.String("job", job.Name),
			slog.String("schedule", job.Schedule),
			slog.String("capability", job.Capability),
		)
	}
	return nil
}

// Start begins firing jobs. Returns a stop function that blocks until
// in-flight jobs finish.
func (s *Scheduler) Start() func() {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))
	return func() {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.logger.Info("scheduler stopped")
	}
}

// fire runs one scheduled job through the dispatcher.
func (s *Scheduler) fire(ctx context.Context, job config.ScheduledJob) {
	s.mu.Lock()
	if s.inFlight[job.Name] {
		s.mu.Unlock()
		s.logger.Warn("scheduled run skipped, prior run still in flight",
			slog.String("job", job.Name),
		)
		if s.metrics != nil {
			s.metrics.JobsSkipped.Inc()
		}
		return
	}
	s.inFlight[job.Name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, job.Name)
		s.mu.Unlock()
	}()

	start := time.Now()
	s.logger.InfoContext(ctx, "firing scheduled job",
		slog.String("job", job.Name),
		slog.String("capability", job.Capability),
	)
	if s.metrics != nil {
		s.metrics.JobsFired.Inc()
	}

	res, err := s.dispatch(ctx, job.Capability, job.Inputs, executor.Options{SessionID: job.Session})
	elapsed := time.Since(start)

	switch {
	case err != nil:
		s.logger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed),
		)
		if s.metrics != nil {
			s.metrics.JobsFailed.Inc()
		}
	case !res.Success:
		s.logger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", job.Name),
			slog.String("error", res.Error),
			slog.Duration("elapsed", elapsed),
		)
		if s.metrics != nil {
			s.metrics.JobsFailed.Inc()
		}
	default:
		s.logger.InfoContext(ctx, "scheduled job succeeded",
			slog.String("job", job.Name),
			slog.Duration("elapsed", elapsed),
		)
		if s.metrics != nil {
			s.metrics.JobsSucceeded.Inc()
		}
	}

	if s.metrics != nil {
		s.metrics.JobDuration.Observe(elapsed.Seconds())
	}
}

// NextRun computes the next fire time of a cron expression after from.
// The daemon logs it per job at startup.
func NextRun(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
