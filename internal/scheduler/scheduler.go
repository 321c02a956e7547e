package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Job represents a scheduled job
type Job struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schedule    string     `json:"schedule"` // Cron expression
	JobType     JobType    `json:"job_type"`
	Enabled     bool       `json:"enabled"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
}

// JobType defines the type of scheduled job
type JobType string

const (
	JobTypeExpireApprovals JobType = "expire_approvals"
	JobTypePendingDigest   JobType = "pending_digest"
)

// JobExecution tracks job execution history
type JobExecution struct {
	ID        string          `json:"id" db:"id"`
	JobID     string          `json:"job_id" db:"job_id"`
	Status    ExecutionStatus `json:"status" db:"status"`
	StartedAt time.Time       `json:"started_at" db:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty" db:"ended_at"`
	Error     string          `json:"error,omitempty" db:"error"`
	Output    string          `json:"output,omitempty" db:"output"`
}

// Duration is zero until the execution ends.
func (e *JobExecution) Duration() time.Duration {
	if e.EndedAt == nil {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// ExecutionStatus represents job execution status
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

var ErrJobNotFound = errors.New("job not found")

// JobHandler executes a job and returns a short summary of what it did.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// Store persists job execution history.
type Store interface {
	CreateExecution(ctx context.Context, exec *JobExecution) error
	UpdateExecution(ctx context.Context, exec *JobExecution) error
	GetJobExecutions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error)
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron     *cron.Cron
	store    Store
	handlers map[JobType]JobHandler
	jobs     map[string]*Job
	entries  map[string]cron.EntryID
	mu       sync.RWMutex
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Scheduler)

// WithClock sets the time source for execution records and next-run times.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new scheduler
func NewScheduler(store Store, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cron:     cron.New(cron.WithParser(cronParser)),
		store:    store,
		handlers: make(map[JobType]JobHandler),
		jobs:     make(map[string]*Job),
		entries:  make(map[string]cron.EntryID),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandler registers a handler for a job type
func (s *Scheduler) RegisterHandler(jobType JobType, handler JobHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = handler
}

// AddJob registers a job and schedules it when enabled.
func (s *Scheduler) AddJob(job *Job) error {
	if job.ID == "" {
		job.ID = string(job.JobType)
	}
	if _, err := cronParser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	if job.Enabled {
		return s.scheduleJob(job)
	}
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.RLock()
	n := len(s.entries)
	s.mu.RUnlock()
	s.logger.Info("scheduler started", "jobs_count", n)
}

// Stop stops the scheduler; the returned context is done when running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Jobs returns the registered jobs ordered by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// RunNow runs a job immediately and returns its execution record.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*JobExecution, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return s.executeJob(ctx, job), nil
}

// Executions returns recent runs of a job, newest first.
func (s *Scheduler) Executions(ctx context.Context, jobID string, limit int) ([]*JobExecution, error) {
	if limit < 1 {
		limit = 20
	}
	return s.store.GetJobExecutions(ctx, jobID, limit)
}

// GetNextRuns returns the next N runs for a job
func (s *Scheduler) GetNextRuns(id string, count int) []time.Time {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok || !job.Enabled {
		return nil
	}

	sched, err := cronParser.Parse(job.Schedule)
	if err != nil {
		return nil
	}

	runs := make([]time.Time, 0, count)
	next := s.now()
	for i := 0; i < count; i++ {
		next = sched.Next(next)
		runs = append(runs, next)
	}
	return runs
}

// scheduleJob adds a job to the cron scheduler
func (s *Scheduler) scheduleJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[job.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, job.ID)
	}

	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(context.Background(), job)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	s.entries[job.ID] = entryID

	sched, _ := cronParser.Parse(job.Schedule)
	nextRun := sched.Next(s.now())
	job.NextRun = &nextRun

	s.logger.Info("scheduled job",
		"job_id", job.ID,
		"job_name", job.Name,
		"schedule", job.Schedule,
		"next_run", nextRun)

	return nil
}

// executeJob executes a job
func (s *Scheduler) executeJob(ctx context.Context, job *Job) *JobExecution {
	startTime := s.now()

	exec := &JobExecution{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		Status:    StatusRunning,
		StartedAt: startTime,
	}

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to create execution record", "job_id", job.ID, "error", err)
	}

	s.logger.Info("executing job",
		"job_id", job.ID,
		"job_name", job.Name,
		"execution_id", exec.ID)

	s.mu.RLock()
	handler, ok := s.handlers[job.JobType]
	s.mu.RUnlock()

	var output string
	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for job type: %s", job.JobType)
	} else {
		output, err = handler(ctx, job)
	}

	endTime := s.now()
	exec.EndedAt = &endTime
	exec.Output = output

	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		s.logger.Error("job execution failed",
			"job_id", job.ID,
			"job_name", job.Name,
			"error", err,
			"duration", endTime.Sub(startTime))
	} else {
		exec.Status = StatusCompleted
		s.logger.Info("job execution completed",
			"job_id", job.ID,
			"job_name", job.Name,
			"output", output,
			"duration", endTime.Sub(startTime))
	}

	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		s.logger.Error("failed to update execution record", "execution_id", exec.ID, "error", err)
	}

	s.mu.Lock()
	job.LastRun = &startTime
	s.mu.Unlock()

	return exec
}
