// Package scheduler starts workflow instances on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// DefaultInterval is how often the scheduler polls for due jobs.
const DefaultInterval = time.Minute

// Job run outcomes recorded in LastRunStatus.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// WorkflowStarter starts workflow instances. Satisfied by *engine.Engine.
type WorkflowStarter interface {
	StartWorkflow(ctx context.Context, definitionID string, opts engine.StartOptions) (*schema.WorkflowInstance, error)
}

// Config configures the scheduler. Zero values select defaults.
type Config struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Scheduler polls the store for due scheduled jobs and starts their workflows.
// A job is never run twice at once, even when a slow start overlaps the
// next poll.
type Scheduler struct {
	store    store.JobStore
	starter  WorkflowStarter
	parser   cron.Parser
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	running sync.Map // job id -> struct{}

	mu   sync.Mutex
	stop context.CancelFunc
	done chan struct{}
}

func New(cfg Config, s store.JobStore, starter WorkflowStarter) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		clock:    cfg.Clock,
		interval: cfg.Interval,
		logger:   cfg.Logger.With(slog.String("component", "scheduler")),
	}
}

// CreateJob validates the cron expression, computes the first run and stores the job.
func (s *Scheduler) CreateJob(ctx context.Context, job *store.ScheduledJob) (*store.ScheduledJob, error) {
	if job.DefinitionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduled job requires a definition id")
	}
	now := s.clock.Now().UTC()
	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return nil, err
	}

	stored := *job
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = now
	stored.NextRunAt = &next
	if err := s.store.CreateScheduledJob(ctx, &stored); err != nil {
		return nil, err
	}
	s.logger.Info("scheduled job created",
		slog.String("job_id", stored.ID),
		slog.String("definition_id", stored.DefinitionID),
		slog.String("cron", stored.CronExpression),
		slog.Time("next_run_at", next))
	return &stored, nil
}

// Jobs lists the stored jobs.
func (s *Scheduler) Jobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, filter)
}

// SetEnabled pauses or resumes a job. Resuming recomputes the next run so
// runs missed while paused are skipped.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}
	update := store.ScheduledJobUpdate{Enabled: &enabled}
	if enabled {
		next, err := s.CalculateNextRun(job.CronExpression, s.clock.Now().UTC())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateScheduledJob(ctx, id, update)
}

// DeleteJob removes a job.
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	if err := s.store.DeleteScheduledJob(ctx, id); err != nil {
		return err
	}
	s.logger.Info("scheduled job deleted", slog.String("job_id", id))
	return nil
}

// Start polls in the background until ctx ends or Stop is called. The first
// poll happens immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	ctx, s.stop = context.WithCancel(ctx)
	s.done = make(chan struct{})
	ticker := s.clock.Ticker(s.interval)

	go func(done chan<- struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			s.Tick(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}(s.done)

	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Stop cancels the loop and waits for the current poll to finish. Stopping a
// scheduler that is not running does nothing.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return nil
	}
	s.stop()
	<-s.done
	s.stop, s.done = nil, nil
	s.logger.Info("scheduler stopped")
	return nil
}

// Tick runs every enabled job whose next run is unset or not in the future
// and returns how many ran.
func (s *Scheduler) Tick(ctx context.Context) int {
	ran, _, err := s.sweep(ctx, func(job *store.ScheduledJob, now time.Time) bool {
		return job.NextRunAt == nil || !job.NextRunAt.After(now)
	})
	if err != nil {
		s.logger.Error("list scheduled jobs", slog.String("error", err.Error()))
	}
	return ran
}

// RecoverMissed runs, once, every job whose next run passed while the
// process was down. Jobs that never had a next run are left to Tick.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	_, ok, err := s.sweep(ctx, func(job *store.ScheduledJob, now time.Time) bool {
		return job.NextRunAt != nil && job.NextRunAt.Before(now)
	})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}
	if ok > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", ok))
	}
	return nil
}

// sweep runs the enabled jobs selected by due. It reports how many were run
// and how many of those had their schedule advanced.
func (s *Scheduler) sweep(ctx context.Context, due func(*store.ScheduledJob, time.Time) bool) (ran, ok int, err error) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return 0, 0, err
	}
	now := s.clock.Now().UTC()
	for _, job := range jobs {
		if !due(job, now) {
			continue
		}
		release, claimed := s.claim(job.ID)
		if !claimed {
			continue
		}
		err := s.runJob(ctx, job, now)
		release()
		ran++
		if err != nil {
			s.logger.Error("scheduled job not advanced", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}
		ok++
	}
	return ran, ok, nil
}

// claim marks jobID as running. The returned release must be called once the
// run is over; ok is false when another run already holds the job.
func (s *Scheduler) claim(jobID string) (release func(), ok bool) {
	if _, held := s.running.LoadOrStore(jobID, struct{}{}); held {
		return nil, false
	}
	return func() { s.running.Delete(jobID) }, true
}

// runJob starts the job's workflow, then records the outcome and the next
// run. Only a failure to update the job is returned.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	log := s.logger.With(slog.String("job_id", job.ID), slog.String("definition_id", job.DefinitionID))

	status := StatusSuccess
	inst, err := s.starter.StartWorkflow(ctx, job.DefinitionID, engine.StartOptions{
		Context: schema.InstanceContext{
			Initiator:     job.Initiator,
			CorrelationID: job.ID,
			Links:         map[string]string{"scheduled_job": job.ID},
		},
		Variables: schema.CloneMap(job.Variables),
	})
	if err != nil {
		status = StatusError
		log.Error("scheduled workflow failed to start", slog.String("error", err.Error()))
	} else {
		log.Info("scheduled workflow started", slog.String("instance_id", inst.ID), slog.String("status", string(inst.Status)))
	}

	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return err
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

// CalculateNextRun returns the first activation of cronExpr after from.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return sched.Next(from), nil
}
