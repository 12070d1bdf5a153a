//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	"trpc.group/trpc-go/trpc-graph-go/log"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-graph-go/telemetry/trace"
)

// Durability controls when checkpoints are persisted relative to superstep
// progress.
type Durability string

// Durability modes.
const (
	// DurabilitySync persists every checkpoint before the next superstep
	// starts.
	DurabilitySync Durability = "sync"
	// DurabilityAsync persists checkpoints in the background while the
	// next superstep runs.
	DurabilityAsync Durability = "async"
	// DurabilityExit persists only the terminal checkpoint of the run.
	DurabilityExit Durability = "exit"
)

// Executor defaults.
const (
	defaultMaxSteps          = 25
	defaultChannelBufferSize = 256
	defaultTaskPoolSize      = 64
)

// Executor runs compiled graphs with the Pregel superstep loop. One
// Executor can serve many concurrent executions; all per-run state lives in
// the ExecutionContext.
type Executor struct {
	graph             *Graph
	saver             CheckpointSaver
	manager           *CheckpointManager
	maxSteps          int
	nodeTimeout       time.Duration
	runTimeout        time.Duration
	durability        Durability
	interruptBefore   map[string]bool
	interruptAfter    map[string]bool
	channelBufferSize int
	defaultRetry      *RetryPolicy
	store             any
	pool              *ants.Pool

	stepCounter otelmetric.Int64Counter
	taskCounter otelmetric.Int64Counter
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCheckpointSaver sets the checkpoint saver for durable execution.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(e *Executor) { e.saver = saver }
}

// WithMaxSteps bounds the number of supersteps per run.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(e *Executor) {
		if maxSteps > 0 {
			e.maxSteps = maxSteps
		}
	}
}

// WithNodeTimeout bounds the execution time of a single node attempt.
func WithNodeTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.nodeTimeout = d }
}

// WithRunTimeout bounds the wall time of a whole run.
func WithRunTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.runTimeout = d }
}

// WithDurability selects the checkpoint durability mode.
func WithDurability(mode Durability) ExecutorOption {
	return func(e *Executor) { e.durability = mode }
}

// WithInterruptBefore pauses execution before the named nodes run.
func WithInterruptBefore(nodeIDs ...string) ExecutorOption {
	return func(e *Executor) {
		for _, id := range nodeIDs {
			e.interruptBefore[id] = true
		}
	}
}

// WithInterruptAfter pauses execution after the named nodes run.
func WithInterruptAfter(nodeIDs ...string) ExecutorOption {
	return func(e *Executor) {
		for _, id := range nodeIDs {
			e.interruptAfter[id] = true
		}
	}
}

// WithChannelBufferSize sets the event channel buffer size.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(e *Executor) {
		if size > 0 {
			e.channelBufferSize = size
		}
	}
}

// WithDefaultRetryPolicy sets the retry policy for nodes without their own.
func WithDefaultRetryPolicy(policy *RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.defaultRetry = policy }
}

// WithStore injects a cross-lineage store handle, exposed to node
// functions under StateKeyStore.
func WithStore(store any) ExecutorOption {
	return func(e *Executor) { e.store = store }
}

// NewExecutor creates an executor for a compiled graph.
func NewExecutor(graph *Graph, opts ...ExecutorOption) (*Executor, error) {
	if graph == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	e := &Executor{
		graph:             graph,
		maxSteps:          defaultMaxSteps,
		durability:        DurabilitySync,
		interruptBefore:   make(map[string]bool),
		interruptAfter:    make(map[string]bool),
		channelBufferSize: defaultChannelBufferSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	if (len(e.interruptBefore) > 0 || len(e.interruptAfter) > 0) && e.saver == nil {
		return nil, ErrInterruptRequiresSaver
	}
	pool, err := ants.NewPool(defaultTaskPoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("failed to create task pool: %w", err)
	}
	e.pool = pool
	if e.saver != nil {
		e.manager = NewCheckpointManager(e.saver)
	}
	e.stepCounter, _ = metric.Meter.Int64Counter("graph_supersteps_total")
	e.taskCounter, _ = metric.Meter.Int64Counter("graph_tasks_total")
	return e, nil
}

// Close releases the executor's worker pool.
func (e *Executor) Close() {
	if e.pool != nil {
		e.pool.Release()
	}
}

// CheckpointManager exposes the executor's checkpoint manager, or nil when
// no saver is configured.
func (e *Executor) CheckpointManager() *CheckpointManager { return e.manager }

// execOptions carries per-invocation settings.
type execOptions struct {
	invocationID string
	config       map[string]any
	streamModes  map[StreamMode]bool
	command      *ResumeCommand
	runtimeState map[string]any
}

// ExecOption configures a single execution.
type ExecOption func(*execOptions)

// WithInvocationID sets the invocation identifier.
func WithInvocationID(id string) ExecOption {
	return func(o *execOptions) { o.invocationID = id }
}

// WithConfig sets the checkpoint configuration map.
func WithConfig(config map[string]any) ExecOption {
	return func(o *execOptions) { o.config = config }
}

// WithLineageID sets the lineage in the checkpoint configuration.
func WithLineageID(lineageID string) ExecOption {
	return func(o *execOptions) {
		o.config = mergeConfigurable(o.config, CfgKeyLineageID, lineageID)
	}
}

// WithCheckpointID pins the execution to a specific checkpoint.
func WithCheckpointID(checkpointID string) ExecOption {
	return func(o *execOptions) {
		o.config = mergeConfigurable(o.config, CfgKeyCheckpointID, checkpointID)
	}
}

// WithStreamModes selects which event families the run emits. Defaults to
// values and updates.
func WithStreamModes(modes ...StreamMode) ExecOption {
	return func(o *execOptions) {
		o.streamModes = make(map[StreamMode]bool, len(modes))
		for _, m := range modes {
			o.streamModes[m] = true
		}
	}
}

// WithCommand supplies a resume command for continuing an interrupted run.
func WithCommand(cmd *ResumeCommand) ExecOption {
	return func(o *execOptions) { o.command = cmd }
}

// WithRuntimeState attaches extra values merged into the initial state but
// excluded from checkpoints.
func WithRuntimeState(values map[string]any) ExecOption {
	return func(o *execOptions) { o.runtimeState = values }
}

func mergeConfigurable(config map[string]any, key string, value any) map[string]any {
	if config == nil {
		config = make(map[string]any)
	}
	configurable, ok := config[CfgKeyConfigurable].(map[string]any)
	if !ok {
		configurable = make(map[string]any)
		config[CfgKeyConfigurable] = configurable
	}
	configurable[key] = value
	return config
}

// Execute runs the graph asynchronously and returns the event stream. The
// channel is closed when the run finishes, interrupts, or fails; failures
// are reported as error events.
func (e *Executor) Execute(ctx context.Context, initialState State, opts ...ExecOption) (<-chan *event.Event, error) {
	o := e.buildExecOptions(opts)
	if err := e.checkInput(initialState, o); err != nil {
		return nil, err
	}
	eventChan := make(chan *event.Event, e.channelBufferSize)
	go func() {
		defer close(eventChan)
		if _, err := e.run(ctx, initialState, o, eventChan); err != nil && !IsInterruptError(err) {
			emitEvent(eventChan, event.NewErrorEvent(o.invocationID, AuthorGraphExecutor,
				ErrorTypeGraphExecution, err.Error()))
		}
	}()
	return eventChan, nil
}

// Invoke runs the graph to completion and returns the final state. When the
// run interrupts, the partial state and the *InterruptError are returned.
func (e *Executor) Invoke(ctx context.Context, initialState State, opts ...ExecOption) (State, error) {
	o := e.buildExecOptions(opts)
	if err := e.checkInput(initialState, o); err != nil {
		return nil, err
	}
	eventChan := make(chan *event.Event, e.channelBufferSize)
	done := make(chan struct{})
	go func() {
		for range eventChan {
		}
		close(done)
	}()
	finalState, err := e.run(ctx, initialState, o, eventChan)
	close(eventChan)
	<-done
	return finalState, err
}

func (e *Executor) buildExecOptions(opts []ExecOption) *execOptions {
	o := &execOptions{
		streamModes: map[StreamMode]bool{
			StreamModeValues:  true,
			StreamModeUpdates: true,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.invocationID == "" {
		o.invocationID = uuid.New().String()
	}
	return o
}

func (e *Executor) checkInput(initialState State, o *execOptions) error {
	if len(initialState) == 0 && o.command == nil && GetLineageID(o.config) == "" {
		return ErrEmptyInput
	}
	return nil
}

// run drives the superstep loop to completion for one invocation.
func (e *Executor) run(
	ctx context.Context, initialState State, o *execOptions, eventChan chan<- *event.Event,
) (State, error) {
	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}
	ctx, span := trace.Tracer.Start(ctx, "graph.execute",
		oteltrace.WithAttributes(attribute.String("graph.invocation_id", o.invocationID)))
	defer span.End()

	ec := &ExecutionContext{
		Graph:        e.graph,
		EventChan:    eventChan,
		InvocationID: o.invocationID,
		channels:     e.graph.newChannelManager(),
	}
	startStep, err := e.prepare(ctx, ec, initialState, o)
	if err != nil {
		return nil, err
	}
	return e.loop(ctx, ec, o, startStep)
}

// prepare restores or initializes the execution state and returns the step
// number the loop starts at.
func (e *Executor) prepare(
	ctx context.Context, ec *ExecutionContext, initialState State, o *execOptions,
) (int, error) {
	lineageID := GetLineageID(o.config)
	if e.saver != nil && lineageID != "" {
		tuple, err := e.loadCheckpoint(ctx, o)
		if err != nil {
			return 0, err
		}
		if tuple != nil {
			return e.restoreFromCheckpoint(ec, tuple, initialState, o)
		}
	}
	if len(initialState) == 0 {
		return 0, ErrEmptyInput
	}
	state := State{}
	for name, field := range e.graph.Schema().Fields {
		if field.Default != nil {
			state[name] = field.Default()
		}
	}
	if err := e.graph.Schema().ValidateUpdate(initialState); err != nil {
		return 0, err
	}
	merged, err := e.graph.Schema().ApplyUpdate(state, initialState)
	if err != nil {
		return 0, err
	}
	e.injectRuntime(ec, merged, o)
	ec.setState(merged)
	if e.saver != nil && lineageID != "" && e.durability != DurabilityExit {
		if err := e.saveCheckpoint(ctx, ec, o, CheckpointSourceInput, -1, nil); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// loadCheckpoint fetches the pinned or latest checkpoint for the lineage.
func (e *Executor) loadCheckpoint(ctx context.Context, o *execOptions) (*CheckpointTuple, error) {
	if GetCheckpointID(o.config) != "" {
		tuple, err := e.saver.GetTuple(ctx, o.config)
		if err != nil {
			return nil, err
		}
		if tuple == nil {
			return nil, ErrCheckpointNotFound
		}
		return tuple, nil
	}
	return e.manager.Latest(ctx, GetLineageID(o.config), GetNamespace(o.config))
}

// restoreFromCheckpoint rebuilds the execution context from a stored
// checkpoint and stages resume data.
func (e *Executor) restoreFromCheckpoint(
	ec *ExecutionContext, tuple *CheckpointTuple, initialState State, o *execOptions,
) (int, error) {
	ckpt := tuple.Checkpoint
	state := State(deepCopyAny(ckpt.ChannelValues).(map[string]any))
	if len(initialState) > 0 {
		if err := e.graph.Schema().ValidateUpdate(initialState); err != nil {
			return 0, err
		}
		merged, err := e.graph.Schema().ApplyUpdate(state, initialState)
		if err != nil {
			return 0, err
		}
		state = merged
	}
	if o.command != nil {
		if o.command.Resume != nil {
			state[ResumeChannel] = o.command.Resume
		}
		if len(o.command.ResumeMap) > 0 {
			state[StateKeyResumeMap] = o.command.ResumeMap
		}
		if len(o.command.ResumeValues) > 0 {
			state[StateKeyResumeValues] = append([]any(nil), o.command.ResumeValues...)
		}
	}
	if resumeMap := GetResumeMap(o.config); len(resumeMap) > 0 {
		state[StateKeyResumeMap] = resumeMap
	}
	e.injectRuntime(ec, state, o)
	ec.setState(state)
	ec.lastCheckpoint = ckpt
	ec.resuming = true
	step := 0
	if tuple.Metadata != nil {
		step = tuple.Metadata.Step + 1
		if step < 0 {
			step = 0
		}
	}
	return step, nil
}

func (e *Executor) injectRuntime(ec *ExecutionContext, state State, o *execOptions) {
	if e.store != nil {
		state[StateKeyStore] = e.store
	}
	if len(o.runtimeState) > 0 && ec.runtimeKeys == nil {
		ec.runtimeKeys = make(map[string]bool, len(o.runtimeState))
	}
	for k, v := range o.runtimeState {
		state[k] = v
		ec.runtimeKeys[k] = true
	}
}

// loop is the Pregel superstep loop: plan, execute, apply, checkpoint.
func (e *Executor) loop(
	ctx context.Context, ec *ExecutionContext, o *execOptions, startStep int,
) (State, error) {
	var pendingSave chan error
	for step := startStep; ; step++ {
		if err := ctx.Err(); err != nil {
			return ec.CurrentState(), err
		}
		tasks := e.plan(ec, step)
		if len(tasks) == 0 {
			break
		}
		// The budget binds only when work remains: a run that quiesces in
		// exactly maxSteps supersteps completes normally.
		if step >= startStep+e.maxSteps {
			return ec.CurrentState(), ErrMaxStepsExceeded
		}
		e.emitStepEvent(ec, o, step, PregelPhasePlan, tasks)
		if err := e.checkStaticInterrupt(ctx, ec, o, step, tasks, e.interruptBefore, "before"); err != nil {
			return ec.CurrentState(), err
		}

		results, err := e.executeTasks(ctx, ec, o, tasks, step)
		if err != nil {
			if ie, ok := GetInterruptError(err); ok {
				if serr := e.saveInterrupt(ctx, ec, o, step, ie, []string{ie.NodeID}); serr != nil {
					return ec.CurrentState(), serr
				}
			}
			return ec.CurrentState(), err
		}

		if err := e.applyResults(ctx, ec, o, results, step); err != nil {
			return ec.CurrentState(), err
		}
		if err := e.checkStaticInterrupt(ctx, ec, o, step, tasks, e.interruptAfter, "after"); err != nil {
			return ec.CurrentState(), err
		}

		if e.stepCounter != nil {
			e.stepCounter.Add(ctx, 1)
		}
		if o.streamModes[StreamModeValues] {
			emitEvent(ec.EventChan, NewValuesEvent(ec.InvocationID, step, ec.sanitized()))
		}

		// Durability: sync waits here, async waits one step behind, exit
		// skips intermediate checkpoints entirely.
		if e.saver != nil && GetLineageID(o.config) != "" && e.durability != DurabilityExit {
			if pendingSave != nil {
				if err := <-pendingSave; err != nil {
					return ec.CurrentState(), err
				}
				pendingSave = nil
			}
			switch e.durability {
			case DurabilityAsync:
				pendingSave = e.saveCheckpointAsync(ctx, ec, o, step)
			default:
				writes := ec.takePendingWrites()
				if err := e.persistTaskWrites(ctx, ec, o, writes); err != nil {
					return ec.CurrentState(), err
				}
				if err := e.saveCheckpoint(ctx, ec, o, CheckpointSourceLoop, step, writes); err != nil {
					return ec.CurrentState(), err
				}
			}
		}
	}
	if pendingSave != nil {
		if err := <-pendingSave; err != nil {
			return ec.CurrentState(), err
		}
	}
	finalState := ec.sanitized()
	if e.saver != nil && GetLineageID(o.config) != "" {
		if err := e.saveCheckpoint(ctx, ec, o, CheckpointSourceLoop, -1, nil); err != nil {
			return finalState, err
		}
	}
	emitEvent(ec.EventChan, NewCompletionEvent(ec.InvocationID, finalState))
	return finalState, nil
}

// plan builds the task list for one superstep. Step 0 of a fresh run plans
// the entry point; a resumed run replans the checkpoint's recorded next
// nodes; later steps plan from trigger channels updated by the previous
// apply phase, in node registration order, followed by queued sends.
func (e *Executor) plan(ec *ExecutionContext, step int) []*Task {
	var nodeIDs []string
	switch {
	case ec.resuming && ec.lastCheckpoint != nil:
		ec.resuming = false
		nodeIDs = append(nodeIDs, ec.lastCheckpoint.NextNodes...)
		if len(nodeIDs) == 0 && ec.lastCheckpoint.InterruptState != nil {
			nodeIDs = append(nodeIDs, ec.lastCheckpoint.InterruptState.NodeID)
		}
		// A completed lineage has nothing scheduled; new input starts a
		// fresh pass from the entry point.
		if len(nodeIDs) == 0 {
			if entry := e.graph.EntryPoint(); entry != "" {
				nodeIDs = append(nodeIDs, entry)
			}
		}
	case step == 0:
		if entry := e.graph.EntryPoint(); entry != "" {
			nodeIDs = append(nodeIDs, entry)
		}
	default:
		seen := make(map[string]bool)
		for _, chName := range ec.channels.AvailableInStep(step) {
			ch, _ := ec.channels.Get(chName)
			for _, nodeID := range e.graph.TriggerSubscribers(chName) {
				if !seen[nodeID] {
					seen[nodeID] = true
					nodeIDs = append(nodeIDs, nodeID)
				}
			}
			if ch != nil {
				ch.Acknowledge()
			}
		}
		// Registration order keeps planning deterministic.
		sort.Slice(nodeIDs, func(i, j int) bool {
			ni, _ := e.graph.Node(nodeIDs[i])
			nj, _ := e.graph.Node(nodeIDs[j])
			return ni.order < nj.order
		})
	}

	checkpointID := ""
	if ec.lastCheckpoint != nil {
		checkpointID = ec.lastCheckpoint.ID
	}
	snapshot := ec.CurrentState()
	var tasks []*Task
	for _, nodeID := range nodeIDs {
		node, ok := e.graph.Node(nodeID)
		if !ok {
			continue
		}
		idx := len(tasks)
		tasks = append(tasks, &Task{
			ID:      newTaskID(checkpointID, nodeID, step, idx),
			NodeID:  nodeID,
			Trigger: ChannelBranchPrefix + nodeID,
			Input:   e.taskInput(ec, snapshot),
			Step:    step,
			Index:   idx,
			node:    node,
		})
	}
	for _, send := range ec.takeSends() {
		node, ok := e.graph.Node(send.Node)
		if !ok {
			continue
		}
		idx := len(tasks)
		input := e.taskInput(ec, snapshot)
		for k, v := range send.Input {
			input[k] = deepCopyAny(v)
		}
		tasks = append(tasks, &Task{
			ID:      newTaskID(checkpointID, send.Node, step, idx),
			NodeID:  send.Node,
			Input:   input,
			Overlay: send.Input,
			Step:    step,
			Index:   idx,
			node:    node,
		})
	}
	return tasks
}

// taskInput clones the planning snapshot for one task. The store handle and
// runtime values are shared, not copied: a reflective copy drops unexported
// fields and severs the handle from the live resource it wraps.
func (e *Executor) taskInput(ec *ExecutionContext, snapshot State) State {
	input := make(State, len(snapshot))
	for k, v := range snapshot {
		if k == StateKeyStore || ec.runtimeKeys[k] {
			input[k] = v
			continue
		}
		input[k] = deepCopyAny(v)
	}
	return input
}

// executeTasks runs all tasks of one superstep concurrently on the worker
// pool and gathers their results in plan order. The first interrupt or hard
// failure wins; the superstep's writes are then discarded.
func (e *Executor) executeTasks(
	ctx context.Context, ec *ExecutionContext, o *execOptions, tasks []*Task, step int,
) ([]*TaskResult, error) {
	results := make([]*TaskResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		i, task := i, task
		submit := func() {
			defer wg.Done()
			results[i] = e.executeTask(ctx, ec, o, task)
		}
		if err := e.pool.Submit(submit); err != nil {
			// Pool exhausted or released; run inline rather than dropping.
			submit()
		}
	}
	wg.Wait()

	if e.taskCounter != nil {
		e.taskCounter.Add(ctx, int64(len(tasks)))
	}
	for _, result := range results {
		if result.Err == nil {
			continue
		}
		if ie, ok := GetInterruptError(result.Err); ok {
			// Preserve the replay map built by the interrupted task so
			// earlier Interrupt calls in the node return stable values
			// after resume.
			if used, ok := result.Task.Input[StateKeyUsedInterrupts].(map[string]any); ok && len(used) > 0 {
				state := ec.CurrentState()
				state[StateKeyUsedInterrupts] = used
				ec.setState(state)
			}
			return nil, ie
		}
		return nil, &TaskError{
			NodeID: result.Task.NodeID,
			TaskID: result.Task.ID,
			Step:   step,
			Err:    result.Err,
		}
	}
	return results, nil
}

// executeTask runs one node with retries, timeout, and event reporting.
func (e *Executor) executeTask(
	ctx context.Context, ec *ExecutionContext, o *execOptions, task *Task,
) *TaskResult {
	input := task.Input
	input[StateKeyCurrentNodeID] = task.NodeID
	input[StateKeyCurrentStep] = task.Step
	input[StateKeyRemainingSteps] = e.maxSteps - task.Step

	md := &NodeExecutionMetadata{
		NodeID:    task.NodeID,
		TaskID:    task.ID,
		Step:      task.Step,
		StartTime: time.Now(),
	}
	if o.streamModes[StreamModeTasks] || o.streamModes[StreamModeDebug] {
		emitEvent(ec.EventChan, NewNodeStartEvent(ec.InvocationID, md))
	}
	ctx, span := trace.Tracer.Start(ctx, "graph.node."+task.NodeID,
		oteltrace.WithAttributes(
			attribute.String("graph.node_id", task.NodeID),
			attribute.Int("graph.step", task.Step),
		))
	defer span.End()
	if o.streamModes[StreamModeCustom] {
		ctx = context.WithValue(ctx, customEmitterKey{}, &channelEmitter{
			invocationID: ec.InvocationID,
			nodeID:       task.NodeID,
			eventChan:    ec.EventChan,
		})
	}

	output, err := e.runWithRetry(ctx, task, input)
	md.EndTime = time.Now()
	md.Duration = md.EndTime.Sub(md.StartTime)
	result := &TaskResult{Task: task}
	if err != nil {
		result.Err = err
		if ie, ok := GetInterruptError(err); ok {
			ie.NodeID = task.NodeID
			ie.TaskID = task.ID
			ie.Step = task.Step
		} else {
			md.Error = err.Error()
			emitEvent(ec.EventChan, NewNodeErrorEvent(ec.InvocationID, md))
		}
		return result
	}
	switch out := output.(type) {
	case State:
		result.Update = out
	case *Command:
		result.Command = out
	case []*Send:
		result.Sends = out
	case *Send:
		result.Sends = []*Send{out}
	case nil:
	default:
		result.Err = fmt.Errorf("node %s returned unsupported type %T", task.NodeID, output)
		return result
	}
	if o.streamModes[StreamModeTasks] || o.streamModes[StreamModeDebug] {
		emitEvent(ec.EventChan, NewNodeCompleteEvent(ec.InvocationID, md))
	}
	return result
}

// runWithRetry applies the node's retry policy around its function.
func (e *Executor) runWithRetry(ctx context.Context, task *Task, input State) (any, error) {
	policy := task.node.retryPolicy
	if policy == nil {
		policy = e.defaultRetry
	}
	attempts := 1
	if policy != nil && policy.MaxAttempts > 1 {
		attempts = policy.MaxAttempts
	}
	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		output, err := e.runNodeOnce(ctx, task, input)
		if err == nil || IsInterruptError(err) {
			return output, err
		}
		lastErr = err
		if policy == nil || !policy.ShouldRetry(err) || attempt == attempts {
			break
		}
		if policy.MaxElapsedTime > 0 && time.Since(started) >= policy.MaxElapsedTime {
			break
		}
		delay := policy.NextDelay(attempt)
		log.Debugf("retrying node %s after %v (attempt %d/%d): %v",
			task.NodeID, delay, attempt, attempts, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (e *Executor) runNodeOnce(ctx context.Context, task *Task, input State) (output any, err error) {
	timeout := e.nodeTimeout
	if task.node.retryPolicy != nil && task.node.retryPolicy.PerAttemptTimeout > 0 {
		timeout = task.node.retryPolicy.PerAttemptTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %s panicked: %v", task.NodeID, r)
		}
	}()
	return task.node.Function(ctx, input)
}

// applyResults is the transactional apply phase: all task outputs of the
// superstep are folded into the committed state in plan order, routing is
// resolved, and trigger channels for the next step are updated. Nothing is
// visible to other tasks until this point.
func (e *Executor) applyResults(
	ctx context.Context, ec *ExecutionContext, o *execOptions, results []*TaskResult, step int,
) error {
	state := ec.CurrentState()
	var writes []PendingWrite
	for _, result := range results {
		task := result.Task
		update := result.Update
		if result.Command != nil && result.Command.Update != nil {
			update = result.Command.Update
		}
		if update != nil {
			clean := sanitizeUpdate(update)
			if err := e.graph.Schema().ValidateUpdate(clean); err != nil {
				return err
			}
			merged, err := e.graph.Schema().ApplyUpdate(state, clean)
			if err != nil {
				return err
			}
			state = merged
			writes = append(writes, PendingWrite{
				TaskID:   task.ID,
				Channel:  ChannelInputPrefix + task.NodeID,
				Value:    update,
				Sequence: ec.seq.Add(1),
			})
			if o.streamModes[StreamModeUpdates] {
				emitEvent(ec.EventChan, NewStateUpdateEvent(ec.InvocationID, &StateUpdateMetadata{
					NodeID:      task.NodeID,
					TaskID:      task.ID,
					Step:        step,
					UpdatedKeys: stateKeys(update),
				}, clean))
			}
		}
		if result.Sends != nil {
			ec.queueSends(result.Sends)
		}
		targets, err := e.routeTask(ctx, task, result, state)
		if err != nil {
			return err
		}
		for _, target := range targets {
			if target == End || target == "" {
				continue
			}
			trigger := ChannelBranchPrefix + target
			ch := ec.channels.GetOrCreate(trigger, channel.BehaviorEphemeral)
			ch.Update([]any{task.NodeID}, step+1)
			writes = append(writes, PendingWrite{
				TaskID:   task.ID,
				Channel:  trigger,
				Value:    task.NodeID,
				Sequence: ec.seq.Add(1),
			})
		}
	}
	ec.setState(state)
	ec.addPendingWrites(writes)
	e.emitStepEvent(ec, o, step, PregelPhaseApply, nil)
	return nil
}

// routeTask resolves the next nodes activated by a finished task: an
// explicit Command wins, then conditional edges, then static edges.
func (e *Executor) routeTask(
	ctx context.Context, task *Task, result *TaskResult, state State,
) ([]string, error) {
	if result.Command != nil && result.Command.GoTo != "" {
		return []string{result.Command.GoTo}, nil
	}
	if result.Sends != nil {
		// Dynamic fan-out replaces static routing for this task.
		return nil, nil
	}
	if condEdge, ok := e.graph.ConditionalEdge(task.NodeID); ok {
		return e.routeConditional(ctx, condEdge, state)
	}
	var targets []string
	for _, edge := range e.graph.Edges(task.NodeID) {
		targets = append(targets, edge.To)
	}
	return targets, nil
}

func (e *Executor) routeConditional(
	ctx context.Context, condEdge *ConditionalEdge, state State,
) ([]string, error) {
	resolve := func(key string) string {
		if condEdge.PathMap != nil {
			if mapped, ok := condEdge.PathMap[key]; ok {
				return mapped
			}
		}
		return key
	}
	if condEdge.Multi != nil {
		keys, err := condEdge.Multi(ctx, state.Clone())
		if err != nil {
			return nil, err
		}
		targets := make([]string, 0, len(keys))
		for _, key := range keys {
			targets = append(targets, resolve(key))
		}
		return targets, nil
	}
	key, err := condEdge.Condition(ctx, state.Clone())
	if err != nil {
		return nil, err
	}
	return []string{resolve(key)}, nil
}

// checkStaticInterrupt raises a checkpointed interrupt when any planned
// task hits an interrupt-before or interrupt-after barrier.
func (e *Executor) checkStaticInterrupt(
	ctx context.Context, ec *ExecutionContext, o *execOptions, step int,
	tasks []*Task, barrier map[string]bool, position string,
) error {
	if len(barrier) == 0 {
		return nil
	}
	for _, task := range tasks {
		if !barrier[task.NodeID] {
			continue
		}
		state := ec.CurrentState()
		if used, ok := state[StateKeyUsedInterrupts].(map[string]any); ok {
			key := position + ":" + task.NodeID
			if _, done := used[key]; done {
				continue
			}
			used[key] = true
		} else {
			state[StateKeyUsedInterrupts] = map[string]any{position + ":" + task.NodeID: true}
			ec.setState(state)
		}
		ie := NewInterruptError(fmt.Sprintf("interrupt_%s:%s", position, task.NodeID))
		ie.NodeID = task.NodeID
		ie.TaskID = task.ID
		ie.Step = step
		// Before: the node has not run, so resume re-plans it. After: the
		// node's writes are already applied, so resume plans its successors.
		next := []string{task.NodeID}
		if position == "after" {
			next = e.nextNodes(ec, step+1)
		}
		if err := e.saveInterrupt(ctx, ec, o, step, ie, next); err != nil {
			return err
		}
		return ie
	}
	return nil
}

// saveInterrupt persists an interrupt checkpoint so the run can be resumed
// from this exact position.
func (e *Executor) saveInterrupt(
	ctx context.Context, ec *ExecutionContext, o *execOptions, step int,
	ie *InterruptError, nextNodes []string,
) error {
	emitEvent(ec.EventChan, NewInterruptEvent(ec.InvocationID, &InterruptEventMetadata{
		NodeID: ie.NodeID,
		TaskID: ie.TaskID,
		Key:    ie.Key,
		Step:   ie.Step,
		Value:  ie.Value,
	}))
	if e.saver == nil || GetLineageID(o.config) == "" {
		return nil
	}
	ckpt := e.buildCheckpoint(ec, nextNodes)
	ckpt.InterruptState = &InterruptState{
		NodeID:         ie.NodeID,
		TaskID:         ie.TaskID,
		InterruptValue: ie.Value,
		Step:           step,
		Path:           ie.Path,
	}
	return e.putCheckpoint(ctx, ec, o, ckpt, CheckpointSourceInterrupt, step, ec.takePendingWrites())
}

// saveCheckpoint builds and persists the current superstep boundary.
func (e *Executor) saveCheckpoint(
	ctx context.Context, ec *ExecutionContext, o *execOptions,
	source string, step int, writes []PendingWrite,
) error {
	ckpt := e.buildCheckpoint(ec, e.nextNodes(ec, step+1))
	return e.putCheckpoint(ctx, ec, o, ckpt, source, step, writes)
}

// persistTaskWrites attaches the finished superstep's writes to the
// checkpoint the step started from, one PutWrites call per task. A crash
// before the step's own checkpoint commits leaves the writes replayable
// against that earlier checkpoint.
func (e *Executor) persistTaskWrites(
	ctx context.Context, ec *ExecutionContext, o *execOptions, writes []PendingWrite,
) error {
	if ec.lastCheckpoint == nil || len(writes) == 0 {
		return nil
	}
	config := CreateCheckpointConfig(
		GetLineageID(o.config), ec.lastCheckpoint.ID, GetNamespace(o.config))
	byTask := make(map[string][]PendingWrite)
	var order []string
	for _, w := range writes {
		if _, ok := byTask[w.TaskID]; !ok {
			order = append(order, w.TaskID)
		}
		byTask[w.TaskID] = append(byTask[w.TaskID], w)
	}
	for _, taskID := range order {
		err := e.saver.PutWrites(ctx, PutWritesRequest{
			Config: config,
			TaskID: taskID,
			Writes: byTask[taskID],
		})
		if err != nil {
			return fmt.Errorf("%s: %w", ErrorTypeCheckpoint, err)
		}
	}
	return nil
}

func (e *Executor) saveCheckpointAsync(
	ctx context.Context, ec *ExecutionContext, o *execOptions, step int,
) chan error {
	result := make(chan error, 1)
	ckpt := e.buildCheckpoint(ec, e.nextNodes(ec, step+1))
	writes := ec.takePendingWrites()
	go func() {
		result <- e.putCheckpoint(ctx, ec, o, ckpt, CheckpointSourceLoop, step, writes)
	}()
	return result
}

func (e *Executor) putCheckpoint(
	ctx context.Context, ec *ExecutionContext, o *execOptions,
	ckpt *Checkpoint, source string, step int, writes []PendingWrite,
) error {
	metadata := NewCheckpointMetadata(source, step)
	config := CreateCheckpointConfig(GetLineageID(o.config), "", GetNamespace(o.config))
	newConfig, err := e.saver.PutFull(ctx, PutFullRequest{
		Config:        config,
		Checkpoint:    ckpt,
		Metadata:      metadata,
		NewVersions:   ckpt.ChannelVersions,
		PendingWrites: writes,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", ErrorTypeCheckpoint, err)
	}
	ec.lastCheckpoint = ckpt
	if o.streamModes[StreamModeCheckpoints] || o.streamModes[StreamModeDebug] {
		emitEvent(ec.EventChan, NewCheckpointCreatedEvent(ec.InvocationID, &CheckpointEventMetadata{
			CheckpointID: ckpt.ID,
			LineageID:    GetLineageID(o.config),
			Namespace:    GetNamespace(newConfig),
			Source:       source,
			Step:         step,
			Timestamp:    ckpt.Timestamp,
		}))
	}
	return nil
}

// buildCheckpoint snapshots the committed state and channel versions.
func (e *Executor) buildCheckpoint(ec *ExecutionContext, nextNodes []string) *Checkpoint {
	state := ec.sanitized()
	channelValues := make(map[string]any, len(state))
	for k, v := range state {
		channelValues[k] = deepCopyAny(v)
	}
	ckpt := NewCheckpoint(channelValues, ec.channels.Versions(), nil)
	if ec.lastCheckpoint != nil {
		ckpt.ParentCheckpointID = ec.lastCheckpoint.ID
	}
	ckpt.NextNodes = nextNodes
	for _, nodeID := range nextNodes {
		ckpt.NextChannels = append(ckpt.NextChannels, ChannelBranchPrefix+nodeID)
	}
	return ckpt
}

// nextNodes lists the nodes scheduled for the given step from the trigger
// channels, without consuming them.
func (e *Executor) nextNodes(ec *ExecutionContext, step int) []string {
	var nodes []string
	seen := make(map[string]bool)
	for _, chName := range ec.channels.AvailableInStep(step) {
		for _, nodeID := range e.graph.TriggerSubscribers(chName) {
			if !seen[nodeID] {
				seen[nodeID] = true
				nodes = append(nodes, nodeID)
			}
		}
	}
	return nodes
}

func (e *Executor) emitStepEvent(
	ec *ExecutionContext, o *execOptions, step int, phase PregelPhase, tasks []*Task,
) {
	if !o.streamModes[StreamModeDebug] {
		return
	}
	md := &PregelStepMetadata{Step: step, Phase: phase, TaskCount: len(tasks)}
	for _, task := range tasks {
		md.ActiveNodes = append(md.ActiveNodes, task.NodeID)
	}
	emitEvent(ec.EventChan, NewPregelStepEvent(ec.InvocationID, md))
}

// channelEmitter publishes custom payloads from node functions.
type channelEmitter struct {
	invocationID string
	nodeID       string
	eventChan    chan<- *event.Event
}

func (c *channelEmitter) Emit(payload any) {
	emitEvent(c.eventChan, NewCustomEvent(c.invocationID, c.nodeID, payload))
}

// internalStateKeys are engine bookkeeping stripped from checkpoints and
// user-visible snapshots.
var internalStateKeys = map[string]bool{
	StateKeyExecContext:    true,
	StateKeyStore:          true,
	StateKeyCommand:        true,
	StateKeyCurrentNodeID:  true,
	StateKeyCurrentStep:    true,
	StateKeyRemainingSteps: true,
	ResumeChannel:          true,
	StateKeyResumeValues:   true,
	StateKeyResumeMap:      true,
}

func sanitizeState(state State) State {
	out := make(State, len(state))
	for k, v := range state {
		if internalStateKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}

func sanitizeUpdate(update State) State {
	return sanitizeState(update)
}

func stateKeys(s State) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
