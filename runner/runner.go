//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package runner manages run lifecycles on top of the graph executor. It
// serializes runs per lineage so two runs never interleave writes to the
// same thread of checkpoints, tracks run status, and fans out run events
// to subscribers.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// Errors.
var (
	// ErrGraphNotRegistered is returned when submitting against an unknown
	// graph name.
	ErrGraphNotRegistered = errors.New("graph not registered")
	// ErrRunNotFound is returned when the run ID does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunConflict is returned under PolicyReject when the lineage is
	// busy.
	ErrRunConflict = errors.New("lineage already has an active run")
	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = errors.New("run already finished")
)

// ConflictPolicy decides what happens when a run is submitted for a
// lineage that already has an active run.
type ConflictPolicy string

// Conflict policies.
const (
	// PolicyReject fails the new submission.
	PolicyReject ConflictPolicy = "reject"
	// PolicyEnqueue queues the new run behind the active one.
	PolicyEnqueue ConflictPolicy = "enqueue"
	// PolicyPreempt cancels the active run, then runs the new one.
	PolicyPreempt ConflictPolicy = "preempt"
)

// Status is the lifecycle state of a run.
type Status string

// Run statuses.
const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusSuccess     Status = "success"
	StatusError       Status = "error"
	StatusInterrupted Status = "interrupted"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusInterrupted, StatusCancelled:
		return true
	}
	return false
}

// SubmitRequest describes a run to start.
type SubmitRequest struct {
	// GraphName selects the registered graph.
	GraphName string
	// LineageID is the thread the run belongs to. Empty lineage runs are
	// not serialized against anything.
	LineageID string
	// CheckpointID optionally pins the starting checkpoint.
	CheckpointID string
	// Input is the initial state update.
	Input graph.State
	// Command resumes an interrupted lineage instead of providing input.
	Command *graph.ResumeCommand
	// StreamModes selects the event families the run emits.
	StreamModes []graph.StreamMode
}

// Run is one tracked execution.
type Run struct {
	mu sync.RWMutex

	// ID is the unique run identifier.
	ID string
	// LineageID is the thread the run belongs to.
	LineageID string
	// GraphName is the registered graph the run executes.
	GraphName string

	status     Status
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	result     graph.State
	interrupt  *graph.InterruptError
	runErr     error

	req    SubmitRequest
	cancel context.CancelFunc
	done   chan struct{}

	subMu sync.Mutex
	subs  []chan *event.Event
}

// Status returns the current run status.
func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Result returns the final state, the interrupt if the run paused, and the
// error if it failed. Valid once the run is terminal.
func (r *Run) Result() (graph.State, *graph.InterruptError, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result, r.interrupt, r.runErr
}

// CreatedAt returns the submission time.
func (r *Run) CreatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.createdAt
}

// Done returns a channel closed when the run reaches a terminal status.
func (r *Run) Done() <-chan struct{} { return r.done }

// Subscribe returns a channel receiving the run's events. The channel is
// closed when the run finishes. Subscribing to a finished run returns a
// closed channel.
func (r *Run) Subscribe() <-chan *event.Event {
	ch := make(chan *event.Event, 64)
	r.subMu.Lock()
	defer r.subMu.Unlock()
	select {
	case <-r.done:
		close(ch)
	default:
		r.subs = append(r.subs, ch)
	}
	return ch
}

func (r *Run) publish(e *event.Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber; drop rather than stall the run.
		}
	}
}

func (r *Run) closeSubs() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}

// lineageState tracks the active run and the FIFO queue of one lineage.
type lineageState struct {
	active *Run
	queue  []*Run
}

// Runner starts and tracks runs.
type Runner struct {
	mu        sync.Mutex
	executors map[string]*graph.Executor
	runs      map[string]*Run
	lineages  map[string]*lineageState
	policy    ConflictPolicy
}

// Option configures a Runner.
type Option func(*Runner)

// WithConflictPolicy sets the per-lineage conflict policy. The default is
// PolicyReject.
func WithConflictPolicy(policy ConflictPolicy) Option {
	return func(r *Runner) { r.policy = policy }
}

// New creates a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		executors: make(map[string]*graph.Executor),
		runs:      make(map[string]*Run),
		lineages:  make(map[string]*lineageState),
		policy:    PolicyReject,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterGraph makes a compiled graph's executor submittable by name.
func (r *Runner) RegisterGraph(name string, executor *graph.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = executor
}

// Executor returns the executor registered under name.
func (r *Runner) Executor(name string) (*graph.Executor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	executor, ok := r.executors[name]
	return executor, ok
}

// Submit starts a run in the background and returns its handle. Conflicts
// on the lineage are resolved by the runner's policy.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (*Run, error) {
	r.mu.Lock()
	executor, ok := r.executors[req.GraphName]
	if !ok {
		r.mu.Unlock()
		return nil, ErrGraphNotRegistered
	}
	run := &Run{
		ID:        uuid.New().String(),
		LineageID: req.LineageID,
		GraphName: req.GraphName,
		status:    StatusPending,
		createdAt: time.Now(),
		req:       req,
		done:      make(chan struct{}),
	}
	r.runs[run.ID] = run

	if req.LineageID == "" {
		r.mu.Unlock()
		r.start(run, executor)
		return run, nil
	}
	ls, ok := r.lineages[req.LineageID]
	if !ok {
		ls = &lineageState{}
		r.lineages[req.LineageID] = ls
	}
	if ls.active == nil {
		ls.active = run
		r.mu.Unlock()
		r.start(run, executor)
		return run, nil
	}
	switch r.policy {
	case PolicyEnqueue:
		ls.queue = append(ls.queue, run)
		r.mu.Unlock()
		return run, nil
	case PolicyPreempt:
		active := ls.active
		ls.queue = append(ls.queue, run)
		r.mu.Unlock()
		if active.cancel != nil {
			active.cancel()
		}
		return run, nil
	default:
		delete(r.runs, run.ID)
		r.mu.Unlock()
		return nil, ErrRunConflict
	}
}

// Get returns a run by ID.
func (r *Runner) Get(runID string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// Wait blocks until the run reaches a terminal status or ctx expires.
func (r *Runner) Wait(ctx context.Context, runID string) (*Run, error) {
	run, err := r.Get(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.Done():
		return run, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops a pending or running run.
func (r *Runner) Cancel(runID string) error {
	run, err := r.Get(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	if run.status.Terminal() {
		run.mu.Unlock()
		return ErrRunFinished
	}
	cancel := run.cancel
	if run.status == StatusPending && cancel == nil {
		// Still queued; finish it directly.
		run.status = StatusCancelled
		run.finishedAt = time.Now()
		run.mu.Unlock()
		close(run.done)
		run.closeSubs()
		r.dequeue(run)
		return nil
	}
	run.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// dequeue removes a cancelled pending run from its lineage queue.
func (r *Runner) dequeue(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.lineages[run.LineageID]
	if !ok {
		return
	}
	for i, queued := range ls.queue {
		if queued.ID == run.ID {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			break
		}
	}
}

// start launches the run goroutine.
func (r *Runner) start(run *Run, executor *graph.Executor) {
	ctx, cancel := context.WithCancel(context.Background())
	run.mu.Lock()
	run.status = StatusRunning
	run.startedAt = time.Now()
	run.cancel = cancel
	run.mu.Unlock()

	go func() {
		defer cancel()
		opts := []graph.ExecOption{graph.WithInvocationID(run.ID)}
		if run.req.LineageID != "" {
			opts = append(opts, graph.WithLineageID(run.req.LineageID))
		}
		if run.req.CheckpointID != "" {
			opts = append(opts, graph.WithCheckpointID(run.req.CheckpointID))
		}
		if run.req.Command != nil {
			opts = append(opts, graph.WithCommand(run.req.Command))
		}
		if len(run.req.StreamModes) > 0 {
			opts = append(opts, graph.WithStreamModes(run.req.StreamModes...))
		}
		events, err := executor.Execute(ctx, run.req.Input, opts...)
		var lastErr *event.ErrorInfo
		if err == nil {
			for e := range events {
				if e.Error != nil {
					lastErr = e.Error
				}
				run.publish(e)
			}
		}
		r.finish(ctx, run, executor, err, lastErr)
	}()
}

// finish records the terminal status and starts the next queued run of the
// lineage, if any.
func (r *Runner) finish(
	ctx context.Context, run *Run, executor *graph.Executor, startErr error, lastErr *event.ErrorInfo,
) {
	finalStatus, interrupt, runErr := r.deriveOutcome(ctx, run, executor, startErr, lastErr)
	run.mu.Lock()
	run.status = finalStatus
	run.interrupt = interrupt
	run.runErr = runErr
	run.finishedAt = time.Now()
	if finalStatus == StatusSuccess || finalStatus == StatusInterrupted {
		run.result = r.latestValues(run, executor)
	}
	run.mu.Unlock()
	close(run.done)
	run.closeSubs()
	log.Debugf("run %s finished with status %s", run.ID, finalStatus)

	if run.LineageID == "" {
		return
	}
	r.mu.Lock()
	ls, ok := r.lineages[run.LineageID]
	if !ok || ls.active == nil || ls.active.ID != run.ID {
		r.mu.Unlock()
		return
	}
	ls.active = nil
	var next *Run
	for len(ls.queue) > 0 {
		candidate := ls.queue[0]
		ls.queue = ls.queue[1:]
		if !candidate.Status().Terminal() {
			next = candidate
			ls.active = candidate
			break
		}
	}
	var nextExecutor *graph.Executor
	if next != nil {
		nextExecutor = r.executors[next.GraphName]
	}
	r.mu.Unlock()
	if next != nil && nextExecutor != nil {
		r.start(next, nextExecutor)
	}
}

func (r *Runner) deriveOutcome(
	ctx context.Context, run *Run, executor *graph.Executor, startErr error, lastErr *event.ErrorInfo,
) (Status, *graph.InterruptError, error) {
	if startErr != nil {
		return StatusError, nil, startErr
	}
	if ctx.Err() != nil {
		return StatusCancelled, nil, ctx.Err()
	}
	// Event streams report interrupts and failures via checkpoints and
	// error events; inspect the lineage when one exists.
	if run.LineageID != "" && executor.CheckpointManager() != nil {
		tuple, err := executor.CheckpointManager().Latest(context.Background(), run.LineageID, "")
		if err == nil && tuple != nil && tuple.Checkpoint.IsInterrupted() {
			is := tuple.Checkpoint.InterruptState
			ie := graph.NewInterruptError(is.InterruptValue)
			ie.NodeID = is.NodeID
			ie.TaskID = is.TaskID
			ie.Step = is.Step
			return StatusInterrupted, ie, nil
		}
	}
	if lastErr != nil {
		return StatusError, nil, errors.New(lastErr.Message)
	}
	return StatusSuccess, nil, nil
}

// latestValues fetches the final state for the run, preferring the
// lineage's newest checkpoint.
func (r *Runner) latestValues(run *Run, executor *graph.Executor) graph.State {
	if run.LineageID == "" || executor.CheckpointManager() == nil {
		return nil
	}
	tuple, err := executor.CheckpointManager().Latest(context.Background(), run.LineageID, "")
	if err != nil || tuple == nil || tuple.Checkpoint == nil {
		return nil
	}
	return graph.State(tuple.Checkpoint.ChannelValues)
}
