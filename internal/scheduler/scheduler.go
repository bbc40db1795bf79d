// Package scheduler owns all recurring work: declarative job registration
// on a single in-process cron runner, with per-job timeouts, suppression of
// overlapping runs of the same job id, and graceful drain on shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oakline/concierge/internal/cerr"
)

// Job is one recurring unit of work. Spec is a cron expression or an
// @every interval. A zero Timeout inherits the scheduler default.
type Job struct {
	ID      string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler wraps the cron runner. Distinct jobs run in parallel; a job id
// never runs concurrently with itself, the overlapping run is skipped.
type Scheduler struct {
	cron           *cron.Cron
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

func New(defaultTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if defaultTimeout <= 0 {
		defaultTimeout = 20 * time.Minute
	}
	return &Scheduler{
		cron:           cron.New(),
		defaultTimeout: defaultTimeout,
		logger:         logger,
		running:        make(map[string]bool),
	}
}

// Register adds a job. Must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.ID == "" || job.Run == nil {
		return errors.New("job needs an id and a run function")
	}
	if job.Timeout <= 0 {
		job.Timeout = s.defaultTimeout
	}

	_, err := s.cron.AddFunc(job.Spec, func() {
		s.execute(job)
	})
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Scheduler) execute(job Job) {
	if !s.acquire(job.ID) {
		s.logger.Warn("job_run_coalesced", "job_id", job.ID)
		return
	}
	s.wg.Add(1)
	defer func() {
		s.wg.Done()
		s.release(job.ID)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), job.Timeout)
	defer cancel()

	started := time.Now()
	s.logger.Info("job_started", "job_id", job.ID)

	err := job.Run(ctx)
	elapsed := time.Since(started)

	switch {
	case err == nil:
		s.logger.Info("job_completed", "job_id", job.ID, "duration", elapsed)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		s.logger.Error("job_failed", "job_id", job.ID, "duration", elapsed,
			"error", cerr.ErrJobTimeout, "timeout", job.Timeout)
	default:
		s.logger.Error("job_failed", "job_id", job.ID, "duration", elapsed, "error", err)
	}
}

func (s *Scheduler) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// RunNow executes a registered job body out of schedule, with the same
// coalescing and timeout rules. Used by the worker's startup warm runs.
func (s *Scheduler) RunNow(job Job) {
	if job.Timeout <= 0 {
		job.Timeout = s.defaultTimeout
	}
	go s.execute(job)
}

// Start begins dispatching.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler_started", "jobs", len(s.cron.Entries()))
}

// Stop stops accepting new runs and waits for in-flight runs up to the
// drain window. Runs still going after the window are abandoned; their
// timeout contexts cancel them shortly after.
func (s *Scheduler) Stop(drain time.Duration) error {
	stopCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-stopCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler_stopped")
		return nil
	case <-time.After(drain):
		s.logger.Warn("scheduler_drain_timeout", "drain", drain)
		return cerr.ErrJobTimeout
	}
}
