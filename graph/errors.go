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
	"errors"
	"fmt"
)

// Errors.
var (
	// ErrLineageIDRequired is returned when a checkpoint operation is
	// attempted without a lineage (thread) identifier.
	ErrLineageIDRequired = errors.New("lineage_id is required")
	// ErrLineageIDAndCheckpointIDRequired is returned by saver write
	// operations missing their composite key.
	ErrLineageIDAndCheckpointIDRequired = errors.New("lineage_id and checkpoint_id are required")
	// ErrCheckpointNotFound is returned when the requested checkpoint does
	// not exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrMaxStepsExceeded is returned when the superstep budget is
	// exhausted before the graph terminates.
	ErrMaxStepsExceeded = errors.New("maximum execution steps exceeded")
	// ErrChannelMerge is returned when a reducer fails during the apply
	// phase; the whole superstep is discarded.
	ErrChannelMerge = errors.New("channel merge failed")
	// ErrInvalidUpdate is returned when an update is incompatible with the
	// declared merge semantics of a state field.
	ErrInvalidUpdate = errors.New("invalid state update")
	// ErrEmptyInput is returned when a run is started without input and
	// without a checkpoint to resume from.
	ErrEmptyInput = errors.New("empty input")
	// ErrTaskNotFound is returned when resume data references an unknown
	// task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInterruptRequiresSaver is returned when interrupt machinery is
	// used without a configured checkpoint saver.
	ErrInterruptRequiresSaver = errors.New("interrupt support requires a checkpoint saver")
	// ErrCheckpointSaverRequired is returned by state inspection operations
	// when no checkpoint saver is configured.
	ErrCheckpointSaverRequired = errors.New("checkpoint saver is not configured")
)

// Error types attached to error events.
const (
	ErrorTypeGraphExecution = "graph_execution_error"
	ErrorTypeNodeExecution  = "node_execution_error"
	ErrorTypeStateMerge     = "state_merge_error"
	ErrorTypeCheckpoint     = "checkpoint_error"
	ErrorTypeStepLimit      = "step_limit_error"
)

// TaskError wraps a node execution failure with its task identity. It is
// surfaced to the caller after retries are exhausted.
type TaskError struct {
	NodeID string
	TaskID string
	Step   int
	Err    error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("node %s failed at step %d: %v", e.NodeID, e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error { return e.Err }
