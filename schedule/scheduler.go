// Package schedule runs trial batches on a recurring cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/petalgp/runtime"
)

const defaultPollInterval = 5 * time.Second

// RunStatus is the outcome of a job's most recent activation.
type RunStatus string

const (
	RunStatusRunning        RunStatus = "running"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusSkippedOverlap RunStatus = "skipped_overlap"
)

// Scheduler errors
var (
	ErrDuplicateJob = errors.New("duplicate job id")
	ErrUnknownJob   = errors.New("unknown job id")
)

// Job is a trial batch repeated on a cron expression.
type Job struct {
	ID      string
	Cron    string
	Options runtime.RunOptions
}

// JobState is a snapshot of a job and its latest activation.
type JobState struct {
	ID         string     `json:"id"`
	Cron       string     `json:"cron"`
	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastRunID  string     `json:"last_run_id,omitempty"`
	LastStatus RunStatus  `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// Config configures a Scheduler.
type Config struct {
	Runner       *runtime.Runner
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger

	// OnRunFinished, if set, is called after every activation with the job
	// state and the run summary (nil when the run did not start).
	OnRunFinished func(JobState, *runtime.RunSummary)
}

// Scheduler periodically starts due jobs. A job whose previous activation
// is still running is skipped, not queued.
type Scheduler struct {
	runner       *runtime.Runner
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger
	onFinished   func(JobState, *runtime.RunSummary)

	mu     sync.Mutex
	jobs   map[string]*entry
	active map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
	runs   sync.WaitGroup
}

type entry struct {
	job   Job
	state JobState
}

// New creates a scheduler with no jobs.
func New(cfg Config) *Scheduler {
	if cfg.Runner == nil {
		cfg.Runner = runtime.NewRunner()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		runner:       cfg.Runner,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
		onFinished:   cfg.OnRunFinished,
		jobs:         map[string]*entry{},
		active:       map[string]struct{}{},
	}
}

// Add registers a job. Its first activation is the next cron time after now.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" {
		return errors.New("schedule: job id is required")
	}
	next, err := NextRun(job.Cron, s.now())
	if err != nil {
		return fmt.Errorf("schedule: job %q: %w", job.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("schedule: %w: %q", ErrDuplicateJob, job.ID)
	}
	s.jobs[job.ID] = &entry{
		job:   job,
		state: JobState{ID: job.ID, Cron: job.Cron, NextRunAt: next},
	}
	return nil
}

// Remove unregisters a job. A run already in progress is not interrupted.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("schedule: %w: %q", ErrUnknownJob, id)
	}
	delete(s.jobs, id)
	return nil
}

// Jobs returns a snapshot of every job, sorted by id.
func (s *Scheduler) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start starts background polling. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce(loopCtx)
			}
		}
	}()
	return nil
}

// Stop stops polling and waits for in-flight runs, or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	waited := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce starts every job whose NextRunAt is not after now and returns
// without waiting for the runs.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.jobs {
		if !e.state.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].job.ID < due[j].job.ID })
	for _, e := range due {
		s.processDue(ctx, e, now)
	}
}

// Wait blocks until every started run has finished.
func (s *Scheduler) Wait() {
	s.runs.Wait()
}

func (s *Scheduler) processDue(ctx context.Context, e *entry, now time.Time) {
	next, err := NextRun(e.job.Cron, now)
	if err != nil {
		s.logger.Error("compute next run", "job_id", e.job.ID, "error", err)
		return
	}

	s.mu.Lock()
	e.state.NextRunAt = next
	if _, running := s.active[e.job.ID]; running {
		e.state.LastStatus = RunStatusSkippedOverlap
		e.state.LastError = "skipped because prior scheduled run is still active"
		s.mu.Unlock()
		s.logger.Warn("skipping overlapping run", "job_id", e.job.ID, "next_run_at", next)
		return
	}
	s.active[e.job.ID] = struct{}{}
	e.state.LastStatus = RunStatusRunning
	e.state.LastError = ""
	s.runs.Add(1)
	s.mu.Unlock()

	go s.runJob(ctx, e, now)
}

func (s *Scheduler) runJob(ctx context.Context, e *entry, scheduledAt time.Time) {
	defer s.runs.Done()

	opts := e.job.Options
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	s.logger.Info("scheduled run starting", "job_id", e.job.ID, "scheduled_at", scheduledAt)
	sum, runErr := s.runner.Run(ctx, opts)

	finish := s.now().UTC()
	s.mu.Lock()
	delete(s.active, e.job.ID)
	e.state.LastRunAt = &finish
	if sum != nil {
		e.state.LastRunID = sum.RunID
	}
	if runErr != nil {
		e.state.LastStatus = RunStatusFailed
		e.state.LastError = runErr.Error()
	} else {
		e.state.LastStatus = RunStatusCompleted
	}
	state := e.state
	s.mu.Unlock()

	if runErr != nil {
		s.logger.Error("scheduled run failed", "job_id", e.job.ID, "error", runErr)
	}
	if s.onFinished != nil {
		s.onFinished(state, sum)
	}
}
