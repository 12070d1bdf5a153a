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
	"encoding/json"
	"time"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// Event authors for graph-related events.
const (
	// AuthorGraphNode is the author for individual node execution events.
	AuthorGraphNode = "graph-node"
	// AuthorGraphPregel is the author for superstep loop events.
	AuthorGraphPregel = "graph-pregel"
	// AuthorGraphExecutor is the author for run-level events.
	AuthorGraphExecutor = "graph-executor"
)

// Event object types for graph-related events.
const (
	// ObjectTypeGraphExecution is the object type for graph execution events.
	ObjectTypeGraphExecution = "graph.execution"
	// ObjectTypeGraphNodeStart is the object type for node start events.
	ObjectTypeGraphNodeStart = "graph.node.start"
	// ObjectTypeGraphNodeComplete is the object type for node completion events.
	ObjectTypeGraphNodeComplete = "graph.node.complete"
	// ObjectTypeGraphNodeError is the object type for node error events.
	ObjectTypeGraphNodeError = "graph.node.error"
	// ObjectTypeGraphPregelStep is the object type for superstep events.
	ObjectTypeGraphPregelStep = "graph.pregel.step"
	// ObjectTypeGraphStateUpdate is the object type for state update events.
	ObjectTypeGraphStateUpdate = "graph.state.update"
	// ObjectTypeGraphValues is the object type for full state snapshot events.
	ObjectTypeGraphValues = "graph.values"
	// ObjectTypeGraphCustom is the object type for node-emitted custom events.
	ObjectTypeGraphCustom = "graph.custom"
	// ObjectTypeGraphMessage is the object type for message payload events.
	ObjectTypeGraphMessage = "graph.message"
	// ObjectTypeGraphCheckpointCreated is the object type for checkpoint creation events.
	ObjectTypeGraphCheckpointCreated = "graph.checkpoint.created"
	// ObjectTypeGraphInterrupt is the object type for interrupt events.
	ObjectTypeGraphInterrupt = "graph.interrupt"
	// ObjectTypeGraphTask is the object type for task lifecycle events.
	ObjectTypeGraphTask = "graph.task"
)

// Metadata keys for storing event metadata in StateDelta.
const (
	// MetadataKeyNode is the key for node execution metadata.
	MetadataKeyNode = "_node_metadata"
	// MetadataKeyPregel is the key for superstep metadata.
	MetadataKeyPregel = "_pregel_metadata"
	// MetadataKeyState is the key for state update metadata.
	MetadataKeyState = "_state_metadata"
	// MetadataKeyCheckpoint is the key for checkpoint metadata.
	MetadataKeyCheckpoint = "_checkpoint_metadata"
	// MetadataKeyTask is the key for task metadata.
	MetadataKeyTask = "_task_metadata"
	// MetadataKeyInterrupt is the key for interrupt metadata.
	MetadataKeyInterrupt = "_interrupt_metadata"
	// MetadataKeyCustom is the key for custom payloads emitted by nodes.
	MetadataKeyCustom = "_custom_metadata"
)

// StreamMode selects which event families an execution emits.
type StreamMode string

// Stream mode constants.
const (
	// StreamModeValues emits the full merged state after each superstep.
	StreamModeValues StreamMode = "values"
	// StreamModeUpdates emits per-node state deltas as they are applied.
	StreamModeUpdates StreamMode = "updates"
	// StreamModeMessages emits message-bearing payloads from node output.
	StreamModeMessages StreamMode = "messages"
	// StreamModeCustom emits payloads nodes publish via EmitCustom.
	StreamModeCustom StreamMode = "custom"
	// StreamModeDebug emits detailed execution traces.
	StreamModeDebug StreamMode = "debug"
	// StreamModeCheckpoints emits an event per stored checkpoint.
	StreamModeCheckpoints StreamMode = "checkpoints"
	// StreamModeTasks emits task start and completion events.
	StreamModeTasks StreamMode = "tasks"
)

// ExecutionPhase represents the phase of node execution.
type ExecutionPhase string

// Execution phase constants.
const (
	ExecutionPhaseStart     ExecutionPhase = "start"
	ExecutionPhaseComplete  ExecutionPhase = "complete"
	ExecutionPhaseError     ExecutionPhase = "error"
	ExecutionPhaseInterrupt ExecutionPhase = "interrupt"
)

// PregelPhase represents the phase of a superstep.
type PregelPhase string

// Superstep phase constants.
const (
	PregelPhasePlan    PregelPhase = "plan"
	PregelPhaseExecute PregelPhase = "execute"
	PregelPhaseApply   PregelPhase = "apply"
	PregelPhaseDone    PregelPhase = "done"
)

// NodeExecutionMetadata carries node-level execution details in events.
type NodeExecutionMetadata struct {
	NodeID    string         `json:"node_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Phase     ExecutionPhase `json:"phase"`
	Step      int            `json:"step"`
	StartTime time.Time      `json:"start_time,omitempty"`
	EndTime   time.Time      `json:"end_time,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
}

// PregelStepMetadata carries superstep-level details in events.
type PregelStepMetadata struct {
	Step        int           `json:"step"`
	Phase       PregelPhase   `json:"phase"`
	ActiveNodes []string      `json:"active_nodes,omitempty"`
	TaskCount   int           `json:"task_count,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// StateUpdateMetadata carries the per-node delta applied to the state.
type StateUpdateMetadata struct {
	NodeID      string   `json:"node_id"`
	TaskID      string   `json:"task_id,omitempty"`
	Step        int      `json:"step"`
	UpdatedKeys []string `json:"updated_keys,omitempty"`
}

// CheckpointEventMetadata describes a stored checkpoint in events.
type CheckpointEventMetadata struct {
	CheckpointID string    `json:"checkpoint_id"`
	LineageID    string    `json:"lineage_id"`
	Namespace    string    `json:"namespace,omitempty"`
	Source       string    `json:"source"`
	Step         int       `json:"step"`
	Timestamp    time.Time `json:"timestamp"`
}

// InterruptEventMetadata describes an interrupt surfaced to the caller.
type InterruptEventMetadata struct {
	NodeID string `json:"node_id"`
	TaskID string `json:"task_id"`
	Key    string `json:"key,omitempty"`
	Step   int    `json:"step"`
	Value  any    `json:"value,omitempty"`
}

// emitEvent sends an event without blocking the superstep loop; events are
// dropped when the consumer has gone away.
func emitEvent(ch chan<- *event.Event, e *event.Event) {
	if ch == nil || e == nil {
		return
	}
	select {
	case ch <- e:
	default:
		log.Debugf("event channel full, dropping event %s (%s)", e.ID, e.Object)
	}
}

// newMetadataEvent builds an event carrying one marshaled metadata payload
// under the given StateDelta key.
func newMetadataEvent(invocationID, author, object, key string, payload any) *event.Event {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("failed to marshal %s event metadata: %v", object, err)
		return event.New(invocationID, author, event.WithObject(object))
	}
	return event.New(invocationID, author,
		event.WithObject(object),
		event.WithStateDelta(map[string][]byte{key: data}),
	)
}

// NewNodeStartEvent creates a node start event.
func NewNodeStartEvent(invocationID string, md *NodeExecutionMetadata) *event.Event {
	md.Phase = ExecutionPhaseStart
	return newMetadataEvent(invocationID, AuthorGraphNode, ObjectTypeGraphNodeStart, MetadataKeyNode, md)
}

// NewNodeCompleteEvent creates a node completion event.
func NewNodeCompleteEvent(invocationID string, md *NodeExecutionMetadata) *event.Event {
	md.Phase = ExecutionPhaseComplete
	return newMetadataEvent(invocationID, AuthorGraphNode, ObjectTypeGraphNodeComplete, MetadataKeyNode, md)
}

// NewNodeErrorEvent creates a node error event.
func NewNodeErrorEvent(invocationID string, md *NodeExecutionMetadata) *event.Event {
	md.Phase = ExecutionPhaseError
	return newMetadataEvent(invocationID, AuthorGraphNode, ObjectTypeGraphNodeError, MetadataKeyNode, md)
}

// NewPregelStepEvent creates a superstep event.
func NewPregelStepEvent(invocationID string, md *PregelStepMetadata) *event.Event {
	return newMetadataEvent(invocationID, AuthorGraphPregel, ObjectTypeGraphPregelStep, MetadataKeyPregel, md)
}

// NewStateUpdateEvent creates a per-node state delta event.
func NewStateUpdateEvent(invocationID string, md *StateUpdateMetadata, delta State) *event.Event {
	e := newMetadataEvent(invocationID, AuthorGraphPregel, ObjectTypeGraphStateUpdate, MetadataKeyState, md)
	e.StructuredPayload = delta
	return e
}

// NewValuesEvent creates a full state snapshot event.
func NewValuesEvent(invocationID string, step int, state State) *event.Event {
	e := event.New(invocationID, AuthorGraphPregel, event.WithObject(ObjectTypeGraphValues))
	e.StructuredPayload = state
	if data, err := json.Marshal(state); err == nil {
		e.StateDelta = map[string][]byte{MetadataKeyState: data}
	}
	return e
}

// NewCheckpointCreatedEvent creates a checkpoint creation event.
func NewCheckpointCreatedEvent(invocationID string, md *CheckpointEventMetadata) *event.Event {
	return newMetadataEvent(invocationID, AuthorGraphExecutor, ObjectTypeGraphCheckpointCreated, MetadataKeyCheckpoint, md)
}

// NewInterruptEvent creates an interrupt event.
func NewInterruptEvent(invocationID string, md *InterruptEventMetadata) *event.Event {
	return newMetadataEvent(invocationID, AuthorGraphExecutor, ObjectTypeGraphInterrupt, MetadataKeyInterrupt, md)
}

// NewCustomEvent wraps a node-published payload.
func NewCustomEvent(invocationID, nodeID string, payload any) *event.Event {
	e := newMetadataEvent(invocationID, nodeID, ObjectTypeGraphCustom, MetadataKeyCustom, payload)
	e.StructuredPayload = payload
	return e
}

// NewCompletionEvent creates the terminal event of a run.
func NewCompletionEvent(invocationID string, finalState State) *event.Event {
	e := event.New(invocationID, AuthorGraphExecutor,
		event.WithObject(event.ObjectTypeCompletion),
		event.WithDone(true),
	)
	e.StructuredPayload = finalState
	return e
}

// CustomEmitter lets node functions publish custom stream payloads. The
// executor injects one into the node context.
type CustomEmitter interface {
	Emit(payload any)
}

type customEmitterKey struct{}

// EmitCustom publishes a custom payload from within a node function. It is
// a no-op when the run was not started with StreamModeCustom.
func EmitCustom(ctx context.Context, payload any) {
	if emitter, ok := ctx.Value(customEmitterKey{}).(CustomEmitter); ok && emitter != nil {
		emitter.Emit(payload)
	}
}
