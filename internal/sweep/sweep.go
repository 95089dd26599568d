// Package sweep drives the periodic maintenance jobs: expiring stale
// approvals and running the loop detector. Job cadence is a standard cron
// expression; a coarse ticker checks wall-clock time against each job's next
// fire so a missed tick only delays a job, never drops it.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const tickInterval = 10 * time.Second

// Job is one recurring maintenance task.
type Job struct {
	Name string
	Spec string // standard 5-field cron expression
	Run  func(ctx context.Context) error

	schedule cron.Schedule
	next     time.Time
}

// Scheduler runs registered jobs on their cron cadence.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []*Job
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	Now func() time.Time
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger.With("component", "sweep"),
		Now:    time.Now,
	}
}

// Register adds a job. Returns an error for an unparseable cron spec;
// registration after Start is not supported.
func (s *Scheduler) Register(name, spec string, run func(ctx context.Context) error) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse cron spec %q for %s: %w", spec, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already started")
	}
	s.jobs = append(s.jobs, &Job{Name: name, Spec: spec, Run: run, schedule: schedule})
	return nil
}

// Start launches the scheduler loop. Every job fires once immediately so a
// restart cannot leave stale approvals or undetected loops waiting for the
// next cadence boundary.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	now := s.Now()
	for _, job := range s.jobs {
		job.next = job.schedule.Next(now)
	}
	jobs := s.jobs
	s.mu.Unlock()

	s.logger.Info("sweep scheduler started", "jobs", len(jobs))
	go s.loop(ctx, jobs)
}

func (s *Scheduler) loop(ctx context.Context, jobs []*Job) {
	defer close(s.done)

	for _, job := range jobs {
		s.runJob(ctx, job)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.Now()
			for _, job := range jobs {
				if now.Before(job.next) {
					continue
				}
				s.runJob(ctx, job)
				job.next = job.schedule.Next(now)
			}
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	start := s.Now()
	if err := job.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("sweep job failed", "job", job.Name, "error", err.Error())
		return
	}
	s.logger.Debug("sweep job completed", "job", job.Name, "elapsed", time.Since(start).String())
}

// Stop halts the loop and waits for an in-flight job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("sweep scheduler stopped")
}
