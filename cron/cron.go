//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package cron schedules recurring graph runs. Jobs carry a schedule
// expression and a run template; the scheduler submits due jobs through
// the runner so per-lineage serialization still applies.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
	"trpc.group/trpc-go/trpc-graph-go/runner"
)

// Errors.
var (
	// ErrJobNotFound is returned when the job ID does not exist.
	ErrJobNotFound = errors.New("cron job not found")
	// ErrInvalidSchedule is returned for unparsable schedule expressions.
	ErrInvalidSchedule = errors.New("invalid schedule expression")
)

const (
	minInterval  = time.Second
	defaultTick  = time.Second
	schedulePfx      = "@every "
	scheduleHour     = "@hourly"
	scheduleDay      = "@daily"
	scheduleMidnight = "@midnight"
	scheduleWeek     = "@weekly"
)

// Schedule is a parsed recurrence.
type Schedule struct {
	// Expression is the original schedule text.
	Expression string
	// Interval is the period between runs.
	Interval time.Duration
}

// Next returns the first fire time strictly after the given time.
func (s Schedule) Next(after time.Time) time.Time {
	return after.Add(s.Interval)
}

// ParseSchedule parses a schedule expression. Supported forms are
// "@every <duration>", "@hourly", "@daily", "@midnight" (an alias of
// "@daily") and "@weekly".
func ParseSchedule(expr string) (Schedule, error) {
	switch expr {
	case scheduleHour:
		return Schedule{Expression: expr, Interval: time.Hour}, nil
	case scheduleDay, scheduleMidnight:
		return Schedule{Expression: expr, Interval: 24 * time.Hour}, nil
	case scheduleWeek:
		return Schedule{Expression: expr, Interval: 7 * 24 * time.Hour}, nil
	}
	if strings.HasPrefix(expr, schedulePfx) {
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, schedulePfx)))
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, expr, err)
		}
		if d < minInterval {
			return Schedule{}, fmt.Errorf("%w: interval below %s", ErrInvalidSchedule, minInterval)
		}
		return Schedule{Expression: expr, Interval: d}, nil
	}
	return Schedule{}, fmt.Errorf("%w: %s", ErrInvalidSchedule, expr)
}

// JobRequest describes a job to register.
type JobRequest struct {
	// Schedule is the recurrence expression, see ParseSchedule.
	Schedule string
	// GraphName selects the registered graph to run.
	GraphName string
	// LineageID is the thread each fire runs on. Empty gives every fire
	// its own anonymous run.
	LineageID string
	// Input is the state update submitted on each fire.
	Input graph.State
}

// Job is a registered recurring run.
type Job struct {
	// ID is the unique job identifier.
	ID string `json:"id"`
	// Schedule is the parsed recurrence.
	Schedule Schedule `json:"schedule"`
	// GraphName is the graph the job runs.
	GraphName string `json:"graph_name"`
	// LineageID is the thread the job runs on.
	LineageID string `json:"lineage_id,omitempty"`
	// Input is the per-fire state update.
	Input graph.State `json:"input,omitempty"`
	// Enabled gates firing without losing the registration.
	Enabled bool `json:"enabled"`
	// CreatedAt is the registration time.
	CreatedAt time.Time `json:"created_at"`
	// NextRun is the next scheduled fire time.
	NextRun time.Time `json:"next_run"`
	// LastRun is the most recent fire time, zero before the first fire.
	LastRun time.Time `json:"last_run,omitempty"`
	// LastRunID is the run produced by the most recent fire.
	LastRunID string `json:"last_run_id,omitempty"`
	// LastError is the submission error of the most recent fire, if any.
	LastError string `json:"last_error,omitempty"`
}

func (j *Job) clone() *Job {
	clone := *j
	return &clone
}

// Scheduler fires registered jobs on their schedules.
type Scheduler struct {
	mu     sync.Mutex
	runner *runner.Runner
	jobs   map[string]*Job
	tick   time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets the scheduler's clock resolution. Mostly useful
// in tests.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// New creates a Scheduler that submits runs through the given runner.
func New(r *runner.Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner: r,
		jobs:   make(map[string]*Job),
		tick:   defaultTick,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob registers a job. The first fire happens one interval from now.
func (s *Scheduler) AddJob(req JobRequest) (*Job, error) {
	schedule, err := ParseSchedule(req.Schedule)
	if err != nil {
		return nil, err
	}
	if req.GraphName == "" {
		return nil, errors.New("graph name is required")
	}
	now := time.Now()
	job := &Job{
		ID:        uuid.New().String(),
		Schedule:  schedule,
		GraphName: req.GraphName,
		LineageID: req.LineageID,
		Input:     req.Input,
		Enabled:   true,
		CreatedAt: now,
		NextRun:   schedule.Next(now),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job.clone(), nil
}

// GetJob returns a job by ID.
func (s *Scheduler) GetJob(jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

// ListJobs returns all jobs sorted by creation time.
func (s *Scheduler) ListJobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.clone())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

// RemoveJob deletes a job.
func (s *Scheduler) RemoveJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

// SetEnabled enables or disables a job. Re-enabling reschedules the next
// fire one interval from now.
func (s *Scheduler) SetEnabled(jobID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if enabled && !job.Enabled {
		job.NextRun = job.Schedule.Next(time.Now())
	}
	job.Enabled = enabled
	return nil
}

// Start begins the scheduling loop. It returns immediately; the loop runs
// until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.fireDue(ctx, now)
			}
		}
	}()
}

// Stop halts the scheduling loop and waits for it to exit. Registered jobs
// are kept.
func (s *Scheduler) Stop() {
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
}

// fireDue submits every enabled job whose fire time has passed.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Enabled && !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		run, err := s.runner.Submit(ctx, runner.SubmitRequest{
			GraphName: job.GraphName,
			LineageID: job.LineageID,
			Input:     job.Input,
		})
		s.mu.Lock()
		job.LastRun = now
		job.NextRun = job.Schedule.Next(now)
		if err != nil {
			job.LastError = err.Error()
			job.LastRunID = ""
			log.Errorf("cron job %s submit failed: %v", job.ID, err)
		} else {
			job.LastError = ""
			job.LastRunID = run.ID
			log.Debugf("cron job %s fired run %s", job.ID, run.ID)
		}
		s.mu.Unlock()
	}
}
