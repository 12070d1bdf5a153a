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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotExecutor(t *testing.T) (*Executor, *memSaver) {
	t.Helper()
	g, err := NewStateGraph(logSchema()).
		AddNode("first", appendLog("first")).
		AddNode("second", appendLog("second")).
		AddEdge("first", "second").
		SetEntryPoint("first").
		SetFinishPoint("second").
		Compile()
	require.NoError(t, err)

	saver := newMemSaver()
	executor, err := NewExecutor(g, WithCheckpointSaver(saver))
	require.NoError(t, err)
	t.Cleanup(func() { executor.Close() })
	return executor, saver
}

func TestGetStateReturnsLatestSnapshot(t *testing.T) {
	executor, _ := snapshotExecutor(t)
	ctx := context.Background()

	_, err := executor.Invoke(ctx, State{"value": "in"}, WithLineageID("lin-snap"))
	require.NoError(t, err)

	snapshot, err := executor.GetState(ctx, CreateCheckpointConfig("lin-snap", "", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, snapshot.Values["log"])
	assert.Equal(t, "in", snapshot.Values["value"])
	assert.Empty(t, snapshot.Next)
	assert.Nil(t, snapshot.Interrupt)
	assert.False(t, snapshot.CreatedAt.IsZero())
	assert.Equal(t, "lin-snap", GetLineageID(snapshot.Config))
}

func TestGetStateByCheckpointID(t *testing.T) {
	executor, _ := snapshotExecutor(t)
	ctx := context.Background()

	_, err := executor.Invoke(ctx, State{"value": "in"}, WithLineageID("lin-pin"))
	require.NoError(t, err)

	history, err := executor.GetStateHistory(ctx, CreateCheckpointConfig("lin-pin", "", ""), nil)
	require.NoError(t, err)
	require.NotEmpty(t, history)

	// The oldest entry is the input checkpoint, before any node ran.
	oldest := history[len(history)-1]
	assert.Equal(t, CheckpointSourceInput, oldest.Metadata.Source)
	assert.Equal(t, -1, oldest.Metadata.Step)
	assert.NotContains(t, oldest.Values, "log")

	pinned, err := executor.GetState(ctx, CreateCheckpointConfig("lin-pin", GetCheckpointID(oldest.Config), ""))
	require.NoError(t, err)
	assert.Equal(t, oldest.Values["value"], pinned.Values["value"])
}

func TestGetStateHistoryNewestFirstWithLimit(t *testing.T) {
	executor, saver := snapshotExecutor(t)
	ctx := context.Background()

	_, err := executor.Invoke(ctx, State{"value": "in"}, WithLineageID("lin-hist"))
	require.NoError(t, err)
	require.Equal(t, 4, saver.count("lin-hist"))

	history, err := executor.GetStateHistory(ctx,
		CreateCheckpointConfig("lin-hist", "", ""),
		NewCheckpointFilter().WithLimit(2))
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Newest first: the terminal checkpoint leads.
	assert.Equal(t, []string{"first", "second"}, history[0].Values["log"])
	assert.Equal(t, -1, history[0].Metadata.Step)
	assert.Equal(t, []string{"first", "second"}, history[1].Values["log"])
	assert.Equal(t, 1, history[1].Metadata.Step)
}

func TestStateAccessorsRequireSaverAndLineage(t *testing.T) {
	g, err := NewStateGraph(logSchema()).
		AddNode("only", appendLog("only")).
		SetEntryPoint("only").
		SetFinishPoint("only").
		Compile()
	require.NoError(t, err)

	bare, err := NewExecutor(g)
	require.NoError(t, err)
	defer bare.Close()

	ctx := context.Background()
	_, err = bare.GetState(ctx, CreateCheckpointConfig("lin", "", ""))
	assert.ErrorIs(t, err, ErrCheckpointSaverRequired)
	_, err = bare.GetStateHistory(ctx, CreateCheckpointConfig("lin", "", ""), nil)
	assert.ErrorIs(t, err, ErrCheckpointSaverRequired)
	_, err = bare.UpdateState(ctx, CreateCheckpointConfig("lin", "", ""), State{"value": "x"}, "")
	assert.ErrorIs(t, err, ErrCheckpointSaverRequired)

	executor, _ := snapshotExecutor(t)
	_, err = executor.GetState(ctx, nil)
	assert.ErrorIs(t, err, ErrLineageIDRequired)
	_, err = executor.GetStateHistory(ctx, map[string]any{}, nil)
	assert.ErrorIs(t, err, ErrLineageIDRequired)

	_, err = executor.GetState(ctx, CreateCheckpointConfig("lin-unknown", "", ""))
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestUpdateStateForksCheckpoint(t *testing.T) {
	executor, _ := snapshotExecutor(t)
	ctx := context.Background()

	_, err := executor.Invoke(ctx, State{"value": "in"}, WithLineageID("lin-up"))
	require.NoError(t, err)

	before, err := executor.GetState(ctx, CreateCheckpointConfig("lin-up", "", ""))
	require.NoError(t, err)

	newConfig, err := executor.UpdateState(ctx,
		CreateCheckpointConfig("lin-up", "", ""), State{"value": "edited"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, GetCheckpointID(newConfig))

	after, err := executor.GetState(ctx, newConfig)
	require.NoError(t, err)
	assert.Equal(t, "edited", after.Values["value"])
	// Reducers still apply: the log is preserved, not replaced.
	assert.Equal(t, []string{"first", "second"}, after.Values["log"])
	assert.Equal(t, CheckpointSourceUpdate, after.Metadata.Source)

	// The source checkpoint is untouched.
	pinned, err := executor.GetState(ctx,
		CreateCheckpointConfig("lin-up", GetCheckpointID(before.Config), ""))
	require.NoError(t, err)
	assert.Equal(t, "in", pinned.Values["value"])
}

func TestUpdateStateAsNodeRoutesSuccessors(t *testing.T) {
	executor, _ := snapshotExecutor(t)
	ctx := context.Background()

	_, err := executor.Invoke(ctx, State{"value": "in"}, WithLineageID("lin-asnode"))
	require.NoError(t, err)

	newConfig, err := executor.UpdateState(ctx,
		CreateCheckpointConfig("lin-asnode", "", ""), State{"value": "redo"}, "first")
	require.NoError(t, err)

	snapshot, err := executor.GetState(ctx, newConfig)
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, snapshot.Next)
	assert.Equal(t, "first", snapshot.Metadata.Extra["as_node"])

	// Resuming the lineage picks up from the routed node.
	final, err := executor.Invoke(ctx, nil, WithLineageID("lin-asnode"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "second"}, final["log"])
	assert.Equal(t, "redo", final["value"])
}
