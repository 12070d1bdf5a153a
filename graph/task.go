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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Task is one unit of work planned for a superstep: a node invocation with
// an isolated input snapshot. Tasks in the same superstep never observe
// each other's writes.
type Task struct {
	// ID is the deterministic task identifier.
	ID string
	// NodeID is the node this task executes.
	NodeID string
	// Trigger is the channel whose update scheduled this task, empty for
	// dynamic Send tasks.
	Trigger string
	// Input is the isolated state snapshot the node function receives.
	Input State
	// Overlay holds Send input merged over the snapshot, nil for
	// statically planned tasks.
	Overlay State
	// Step is the superstep this task belongs to.
	Step int
	// Index is the position of the task within the superstep plan.
	Index int
	// Path is the execution path for nested or resumed tasks.
	Path []string

	node *Node
}

// newTaskID derives a stable task identifier from the planning inputs. The
// same checkpoint, node, step and plan position always yield the same ID,
// so writes recorded before a crash can be matched to their task when the
// superstep is replanned.
func newTaskID(checkpointID, nodeID string, step, index int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d", checkpointID, nodeID, step, index)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// TaskResult carries the outcome of one task execution back to the
// superstep collector.
type TaskResult struct {
	Task *Task
	// Update is the state update returned by the node, nil when the node
	// returned a Command or Sends instead.
	Update State
	// Command is set when the node returned a routing command.
	Command *Command
	// Sends is set when the node returned dynamic fan-out tasks.
	Sends []*Send
	// Err is the node failure after retries, or an *InterruptError.
	Err error
}
