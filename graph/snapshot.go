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
	"time"
)

// StateSnapshot is a read-only view of a lineage at one checkpoint.
type StateSnapshot struct {
	// Values is the merged state recorded in the checkpoint.
	Values State `json:"values"`
	// Next lists the nodes scheduled to run when the lineage continues.
	Next []string `json:"next,omitempty"`
	// Config identifies this checkpoint (lineage, namespace, checkpoint ID).
	Config map[string]any `json:"config"`
	// Metadata is the checkpoint metadata.
	Metadata *CheckpointMetadata `json:"metadata,omitempty"`
	// CreatedAt is the checkpoint creation time.
	CreatedAt time.Time `json:"created_at"`
	// ParentConfig identifies the parent checkpoint, if any.
	ParentConfig map[string]any `json:"parent_config,omitempty"`
	// Interrupt is set when the lineage is paused at this checkpoint.
	Interrupt *InterruptState `json:"interrupt,omitempty"`
}

// GetState returns the snapshot for the checkpoint identified by config,
// or the latest checkpoint of the lineage when no checkpoint ID is pinned.
func (e *Executor) GetState(ctx context.Context, config map[string]any) (*StateSnapshot, error) {
	tuple, err := e.resolveTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	return tupleToSnapshot(tuple), nil
}

// GetStateHistory returns snapshots for the lineage, newest first.
func (e *Executor) GetStateHistory(
	ctx context.Context, config map[string]any, filter *CheckpointFilter,
) ([]*StateSnapshot, error) {
	if e.saver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	if GetLineageID(config) == "" {
		return nil, ErrLineageIDRequired
	}
	tuples, err := e.saver.List(ctx, config, filter)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*StateSnapshot, 0, len(tuples))
	for _, tuple := range tuples {
		snapshots = append(snapshots, tupleToSnapshot(tuple))
	}
	return snapshots, nil
}

// UpdateState applies values to the checkpoint identified by config as if
// the named node had produced them, stores the result as a new checkpoint
// branching from the original, and returns the new checkpoint's config.
// The source checkpoint is never modified.
func (e *Executor) UpdateState(
	ctx context.Context, config map[string]any, values State, asNode string,
) (map[string]any, error) {
	tuple, err := e.resolveTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	current := State(deepCopyAny(tuple.Checkpoint.ChannelValues).(map[string]any))
	if err := e.graph.Schema().ValidateUpdate(values); err != nil {
		return nil, err
	}
	merged, err := e.graph.Schema().ApplyUpdate(current, values)
	if err != nil {
		return nil, err
	}
	forked := tuple.Checkpoint.Fork()
	channelValues := make(map[string]any, len(merged))
	for k, v := range merged {
		channelValues[k] = v
	}
	forked.ChannelValues = channelValues
	forked.InterruptState = nil
	if asNode != "" {
		// Route from the attributed node so a subsequent run continues as
		// if that node had just finished.
		var next []string
		if condEdge, ok := e.graph.ConditionalEdge(asNode); ok {
			targets, err := e.routeConditional(ctx, condEdge, merged)
			if err != nil {
				return nil, err
			}
			next = targets
		} else {
			for _, edge := range e.graph.Edges(asNode) {
				next = append(next, edge.To)
			}
		}
		forked.NextNodes = nil
		forked.NextChannels = nil
		for _, target := range next {
			if target == End || target == "" {
				continue
			}
			forked.NextNodes = append(forked.NextNodes, target)
			forked.NextChannels = append(forked.NextChannels, ChannelBranchPrefix+target)
		}
	}
	step := -1
	if tuple.Metadata != nil {
		step = tuple.Metadata.Step
	}
	metadata := NewCheckpointMetadata(CheckpointSourceUpdate, step)
	if asNode != "" {
		metadata.Extra["as_node"] = asNode
	}
	putConfig := CreateCheckpointConfig(GetLineageID(config), "", GetNamespace(config))
	return e.saver.Put(ctx, PutRequest{
		Config:      putConfig,
		Checkpoint:  forked,
		Metadata:    metadata,
		NewVersions: forked.ChannelVersions,
	})
}

func (e *Executor) resolveTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error) {
	if e.saver == nil {
		return nil, ErrCheckpointSaverRequired
	}
	if GetLineageID(config) == "" {
		return nil, ErrLineageIDRequired
	}
	var tuple *CheckpointTuple
	var err error
	if GetCheckpointID(config) != "" {
		tuple, err = e.saver.GetTuple(ctx, config)
	} else {
		tuple, err = e.manager.Latest(ctx, GetLineageID(config), GetNamespace(config))
	}
	if err != nil {
		return nil, err
	}
	if tuple == nil || tuple.Checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	return tuple, nil
}

func tupleToSnapshot(tuple *CheckpointTuple) *StateSnapshot {
	ckpt := tuple.Checkpoint
	return &StateSnapshot{
		Values:       State(ckpt.ChannelValues),
		Next:         append([]string(nil), ckpt.NextNodes...),
		Config:       tuple.Config,
		Metadata:     tuple.Metadata,
		CreatedAt:    ckpt.Timestamp,
		ParentConfig: tuple.ParentConfig,
		Interrupt:    ckpt.InterruptState,
	}
}
