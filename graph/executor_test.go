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
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logSchema() *StateSchema {
	return NewStateSchema().
		AddField("log", StateField{Type: reflect.TypeOf([]string{}), Reducer: StringSliceReducer}).
		AddField("value", StateField{Type: reflect.TypeOf(""), Reducer: DefaultReducer})
}

func appendLog(entry string) NodeFunc {
	return func(ctx context.Context, state State) (any, error) {
		return State{"log": []string{entry}}, nil
	}
}

func TestInvokeSequentialPipeline(t *testing.T) {
	g, err := NewStateGraph(logSchema()).
		AddNode("first", appendLog("first")).
		AddNode("second", appendLog("second")).
		AddNode("third", appendLog("third")).
		AddEdge("first", "second").
		AddEdge("second", "third").
		SetEntryPoint("first").
		SetFinishPoint("third").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	final, err := executor.Invoke(context.Background(), State{"value": "in"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, final["log"])
	assert.Equal(t, "in", final["value"])
}

func TestInvokeConditionalRouting(t *testing.T) {
	route := func(ctx context.Context, state State) (string, error) {
		if state["value"] == "left" {
			return "go_left", nil
		}
		return "go_right", nil
	}
	build := func() (*Executor, error) {
		g, err := NewStateGraph(logSchema()).
			AddNode("decide", appendLog("decide")).
			AddNode("left", appendLog("left")).
			AddNode("right", appendLog("right")).
			AddConditionalEdges("decide", route, map[string]string{
				"go_left":  "left",
				"go_right": "right",
			}).
			SetEntryPoint("decide").
			SetFinishPoint("left").
			SetFinishPoint("right").
			Compile()
		if err != nil {
			return nil, err
		}
		return NewExecutor(g)
	}

	executor, err := build()
	require.NoError(t, err)
	defer executor.Close()

	final, err := executor.Invoke(context.Background(), State{"value": "left"})
	require.NoError(t, err)
	assert.Equal(t, []string{"decide", "left"}, final["log"])

	final, err = executor.Invoke(context.Background(), State{"value": "other"})
	require.NoError(t, err)
	assert.Equal(t, []string{"decide", "right"}, final["log"])
}

// Fan-out then fan-in: parallel branches merge in node registration order
// regardless of which branch finishes first.
func TestFanOutMergeOrderIsDeterministic(t *testing.T) {
	g, err := NewStateGraph(logSchema()).
		AddNode("split", appendLog("split")).
		AddNode("alpha", appendLog("alpha")).
		AddNode("beta", appendLog("beta")).
		AddNode("gamma", appendLog("gamma")).
		AddNode("join", appendLog("join")).
		AddEdge("split", "alpha").
		AddEdge("split", "beta").
		AddEdge("split", "gamma").
		AddEdge("alpha", "join").
		AddEdge("beta", "join").
		AddEdge("gamma", "join").
		SetEntryPoint("split").
		SetFinishPoint("join").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	for i := 0; i < 10; i++ {
		final, err := executor.Invoke(context.Background(), State{"value": "x"})
		require.NoError(t, err)
		assert.Equal(t, []string{"split", "alpha", "beta", "gamma", "join"}, final["log"])
	}
}

func TestCommandGoToOverridesStaticEdge(t *testing.T) {
	g, err := NewStateGraph(logSchema()).
		AddNode("first", func(ctx context.Context, state State) (any, error) {
			return &Command{
				Update: State{"log": []string{"first"}},
				GoTo:   "third",
			}, nil
		}, WithDestinations(map[string]string{"third": ""})).
		AddNode("second", appendLog("second")).
		AddNode("third", appendLog("third")).
		AddEdge("first", "second").
		SetEntryPoint("first").
		SetFinishPoint("second").
		SetFinishPoint("third").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	final, err := executor.Invoke(context.Background(), State{"value": "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "third"}, final["log"])
}

func TestSendFanOut(t *testing.T) {
	schema := NewStateSchema().
		AddField("items", StateField{Type: reflect.TypeOf([]string{}), Reducer: DefaultReducer}).
		AddField("results", StateField{Type: reflect.TypeOf([]string{}), Reducer: StringSliceReducer})

	g, err := NewStateGraph(schema).
		AddNode("fan", func(ctx context.Context, state State) (any, error) {
			items := state["items"].([]string)
			sends := make([]*Send, 0, len(items))
			for _, item := range items {
				sends = append(sends, &Send{Node: "worker", Input: State{"item": item}})
			}
			return sends, nil
		}, WithDestinations(map[string]string{"worker": ""})).
		AddNode("worker", func(ctx context.Context, state State) (any, error) {
			item := state["item"].(string)
			return State{"results": []string{"done:" + item}}, nil
		}).
		SetEntryPoint("fan").
		SetFinishPoint("worker").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	final, err := executor.Invoke(context.Background(), State{"items": []string{"a", "b", "c"}})
	require.NoError(t, err)
	// Sends are planned in queue order, so results are deterministic.
	assert.Equal(t, []string{"done:a", "done:b", "done:c"}, final["results"])
}

func TestMaxStepsExceeded(t *testing.T) {
	g, err := NewStateGraph(logSchema()).
		AddNode("ping", appendLog("ping")).
		AddNode("pong", appendLog("pong")).
		AddEdge("ping", "pong").
		AddEdge("pong", "ping").
		SetEntryPoint("ping").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g, WithMaxSteps(3))
	require.NoError(t, err)
	defer executor.Close()

	_, err = executor.Invoke(context.Background(), State{"value": "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxStepsExceeded)
}

func TestEmptyInputRejected(t *testing.T) {
	g, err := NewStateGraph(logSchema()).
		AddNode("only", appendLog("only")).
		SetEntryPoint("only").
		SetFinishPoint("only").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	_, err = executor.Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

// A failing task aborts the whole superstep: the sibling's update must not
// be committed.
func TestFailedSuperstepDiscardsSiblingWrites(t *testing.T) {
	g, err := NewStateGraph(logSchema()).
		AddNode("split", appendLog("split")).
		AddNode("good", appendLog("good")).
		AddNode("bad", func(ctx context.Context, state State) (any, error) {
			return nil, errors.New("task exploded")
		}).
		AddEdge("split", "good").
		AddEdge("split", "bad").
		SetEntryPoint("split").
		SetFinishPoint("good").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	final, err := executor.Invoke(context.Background(), State{"value": "x"})
	require.Error(t, err)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "bad", taskErr.NodeID)
	// Only the committed state from the step before the failure survives.
	assert.Equal(t, []string{"split"}, final["log"])
}

func TestNodePanicBecomesError(t *testing.T) {
	g, err := NewStateGraph(logSchema()).
		AddNode("boom", func(ctx context.Context, state State) (any, error) {
			panic("kaboom")
		}).
		SetEntryPoint("boom").
		SetFinishPoint("boom").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	_, err = executor.Invoke(context.Background(), State{"value": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestNodeRetrySucceedsAfterTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	g, err := NewStateGraph(logSchema()).
		AddNode("flaky", func(ctx context.Context, state State) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return State{"value": "recovered"}, nil
		}, WithNodeRetryPolicy(&RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			RetryOn: []RetryCondition{
				RetryOnPredicate(func(err error) bool { return true }),
			},
		})).
		SetEntryPoint("flaky").
		SetFinishPoint("flaky").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	final, err := executor.Invoke(context.Background(), State{"value": "x"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", final["value"])
	assert.Equal(t, int32(3), attempts.Load())
}

func TestUnsupportedNodeOutputFails(t *testing.T) {
	g, err := NewStateGraph(logSchema()).
		AddNode("weird", func(ctx context.Context, state State) (any, error) {
			return 42, nil
		}).
		SetEntryPoint("weird").
		SetFinishPoint("weird").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	_, err = executor.Invoke(context.Background(), State{"value": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported type")
}

func TestExecuteStreamsEventsAndCompletion(t *testing.T) {
	g, err := NewStateGraph(logSchema()).
		AddNode("first", appendLog("first")).
		AddNode("second", appendLog("second")).
		AddEdge("first", "second").
		SetEntryPoint("first").
		SetFinishPoint("second").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	events, err := executor.Execute(context.Background(), State{"value": "x"},
		WithInvocationID("inv-1"),
		WithStreamModes(StreamModeValues, StreamModeUpdates))
	require.NoError(t, err)

	var objects []string
	var sawCompletion bool
	for e := range events {
		objects = append(objects, e.Object)
		if e.Done {
			sawCompletion = true
		}
		assert.Equal(t, "inv-1", e.InvocationID)
	}
	assert.True(t, sawCompletion)
	assert.Contains(t, objects, ObjectTypeGraphValues)
	assert.Contains(t, objects, ObjectTypeGraphStateUpdate)
}

func TestExecuteReportsErrorEvent(t *testing.T) {
	g, err := NewStateGraph(logSchema()).
		AddNode("bad", func(ctx context.Context, state State) (any, error) {
			return nil, errors.New("nope")
		}).
		SetEntryPoint("bad").
		SetFinishPoint("bad").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	events, err := executor.Execute(context.Background(), State{"value": "x"})
	require.NoError(t, err)

	var lastError string
	for e := range events {
		if e.Error != nil {
			lastError = e.Error.Message
		}
	}
	assert.Contains(t, lastError, "nope")
}

func TestCheckpointsPersistedPerSuperstep(t *testing.T) {
	saver := newMemSaver()
	g, err := NewStateGraph(logSchema()).
		AddNode("first", appendLog("first")).
		AddNode("second", appendLog("second")).
		AddEdge("first", "second").
		SetEntryPoint("first").
		SetFinishPoint("second").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g, WithCheckpointSaver(saver))
	require.NoError(t, err)
	defer executor.Close()

	_, err = executor.Invoke(context.Background(), State{"value": "x"},
		WithLineageID("lineage-sync"))
	require.NoError(t, err)

	// Input checkpoint, two loop checkpoints, terminal checkpoint.
	assert.Equal(t, 4, saver.count("lineage-sync"))

	latest, err := executor.CheckpointManager().Latest(context.Background(), "lineage-sync", "")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, []string{"first", "second"},
		latest.Checkpoint.ChannelValues["log"])
	assert.Empty(t, latest.Checkpoint.NextNodes)
}

func TestDurabilityExitPersistsOnlyTerminalCheckpoint(t *testing.T) {
	saver := newMemSaver()
	g, err := NewStateGraph(logSchema()).
		AddNode("first", appendLog("first")).
		AddNode("second", appendLog("second")).
		AddEdge("first", "second").
		SetEntryPoint("first").
		SetFinishPoint("second").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g,
		WithCheckpointSaver(saver),
		WithDurability(DurabilityExit))
	require.NoError(t, err)
	defer executor.Close()

	_, err = executor.Invoke(context.Background(), State{"value": "x"},
		WithLineageID("lineage-exit"))
	require.NoError(t, err)
	assert.Equal(t, 1, saver.count("lineage-exit"))
}

func TestDurabilityAsyncPersistsAllSupersteps(t *testing.T) {
	saver := newMemSaver()
	g, err := NewStateGraph(logSchema()).
		AddNode("first", appendLog("first")).
		AddNode("second", appendLog("second")).
		AddEdge("first", "second").
		SetEntryPoint("first").
		SetFinishPoint("second").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g,
		WithCheckpointSaver(saver),
		WithDurability(DurabilityAsync))
	require.NoError(t, err)
	defer executor.Close()

	_, err = executor.Invoke(context.Background(), State{"value": "x"},
		WithLineageID("lineage-async"))
	require.NoError(t, err)
	assert.Equal(t, 4, saver.count("lineage-async"))
}

func TestResumeFromCheckpointContinuesLineage(t *testing.T) {
	saver := newMemSaver()
	schema := NewStateSchema().
		AddField("counter", StateField{
			Type:    reflect.TypeOf(0),
			Reducer: DefaultReducer,
			Default: func() any { return 0 },
		})
	g, err := NewStateGraph(schema).
		AddNode("increment", func(ctx context.Context, state State) (any, error) {
			return State{"counter": state["counter"].(int) + 1}, nil
		}).
		SetEntryPoint("increment").
		SetFinishPoint("increment").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g, WithCheckpointSaver(saver))
	require.NoError(t, err)
	defer executor.Close()

	ctx := context.Background()
	final, err := executor.Invoke(ctx, State{"counter": 10}, WithLineageID("counting"))
	require.NoError(t, err)
	assert.Equal(t, 11, final["counter"])

	// Second run on the same lineage starts from the persisted state.
	final, err = executor.Invoke(ctx, State{"counter": 20}, WithLineageID("counting"))
	require.NoError(t, err)
	assert.Equal(t, 21, final["counter"])
}

func TestPinnedCheckpointNotFound(t *testing.T) {
	saver := newMemSaver()
	g, err := NewStateGraph(logSchema()).
		AddNode("only", appendLog("only")).
		SetEntryPoint("only").
		SetFinishPoint("only").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g, WithCheckpointSaver(saver))
	require.NoError(t, err)
	defer executor.Close()

	_, err = executor.Invoke(context.Background(), State{"value": "x"},
		WithLineageID("lineage-a"))
	require.NoError(t, err)

	_, err = executor.Invoke(context.Background(), State{"value": "x"},
		WithLineageID("lineage-a"),
		WithCheckpointID("does-not-exist"))
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestRuntimeStateExcludedFromCheckpoints(t *testing.T) {
	saver := newMemSaver()
	g, err := NewStateGraph(logSchema()).
		AddNode("peek", func(ctx context.Context, state State) (any, error) {
			if _, ok := state["request_id"]; !ok {
				return nil, fmt.Errorf("runtime state missing")
			}
			return State{"log": []string{"peek"}}, nil
		}).
		SetEntryPoint("peek").
		SetFinishPoint("peek").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g, WithCheckpointSaver(saver))
	require.NoError(t, err)
	defer executor.Close()

	_, err = executor.Invoke(context.Background(), State{"value": "x"},
		WithLineageID("lineage-rt"),
		WithRuntimeState(map[string]any{"request_id": "r-1"}))
	require.NoError(t, err)

	latest, err := executor.CheckpointManager().Latest(context.Background(), "lineage-rt", "")
	require.NoError(t, err)
	require.NotNil(t, latest)
	_, ok := latest.Checkpoint.ChannelValues["request_id"]
	assert.False(t, ok)
	assert.Equal(t, []string{"peek"}, latest.Checkpoint.ChannelValues["log"])
}

func TestTaskIDsAreDeterministic(t *testing.T) {
	first := newTaskID("ckpt", "node", 3, 0)
	second := newTaskID("ckpt", "node", 3, 0)
	other := newTaskID("ckpt", "node", 3, 1)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.Len(t, first, 32)
}

func TestStoreInjectedIntoNodeState(t *testing.T) {
	type fakeStore struct{ name string }
	g, err := NewStateGraph(logSchema()).
		AddNode("reader", func(ctx context.Context, state State) (any, error) {
			st, ok := state[StateKeyStore].(*fakeStore)
			if !ok || st.name != "mem" {
				return nil, errors.New("store not injected")
			}
			return State{"log": []string{"reader"}}, nil
		}).
		SetEntryPoint("reader").
		SetFinishPoint("reader").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g, WithStore(&fakeStore{name: "mem"}))
	require.NoError(t, err)
	defer executor.Close()

	final, err := executor.Invoke(context.Background(), State{"value": "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"reader"}, final["log"])
	// The handle itself is stripped from the returned state.
	_, hasStore := final[StateKeyStore]
	assert.False(t, hasStore)
}

func TestRunCompletesWithinExactStepBudget(t *testing.T) {
	g, err := NewStateGraph(logSchema()).
		AddNode("first", appendLog("first")).
		AddNode("second", appendLog("second")).
		AddEdge("first", "second").
		SetEntryPoint("first").
		SetFinishPoint("second").
		Compile()
	require.NoError(t, err)

	// Two supersteps on a budget of two: the run quiesces exactly at the
	// limit and must complete rather than trip the budget error.
	executor, err := NewExecutor(g, WithMaxSteps(2))
	require.NoError(t, err)
	defer executor.Close()

	final, err := executor.Invoke(context.Background(), State{"value": "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, final["log"])
}

func TestRuntimeValuesKeepIdentityInTasks(t *testing.T) {
	type client struct{ hits int }
	shared := &client{}

	g, err := NewStateGraph(logSchema()).
		AddNode("caller", func(ctx context.Context, state State) (any, error) {
			c, ok := state["client"].(*client)
			if !ok {
				return nil, errors.New("client not injected")
			}
			c.hits++
			return State{"log": []string{"caller"}}, nil
		}).
		SetEntryPoint("caller").
		SetFinishPoint("caller").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	_, err = executor.Invoke(context.Background(), State{"value": "x"},
		WithRuntimeState(map[string]any{"client": shared}))
	require.NoError(t, err)
	// The node mutated the shared handle, not a copy.
	assert.Equal(t, 1, shared.hits)
}

func TestInvalidUpdateAbortsRun(t *testing.T) {
	schema := NewStateSchema().
		AddField("items", StateField{Type: reflect.TypeOf([]any{}), Reducer: AppendReducer}).
		AddField("value", StateField{Type: reflect.TypeOf(""), Reducer: DefaultReducer})
	g, err := NewStateGraph(schema).
		AddNode("bad", func(ctx context.Context, state State) (any, error) {
			return State{"items": "not-a-slice"}, nil
		}).
		SetEntryPoint("bad").
		SetFinishPoint("bad").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g)
	require.NoError(t, err)
	defer executor.Close()

	_, err = executor.Invoke(context.Background(), State{"value": "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidUpdate)
}

func TestSyncDurabilityAttachesWritesToPriorCheckpoint(t *testing.T) {
	saver := newMemSaver()
	g, err := NewStateGraph(logSchema()).
		AddNode("first", appendLog("first")).
		AddNode("second", appendLog("second")).
		AddEdge("first", "second").
		SetEntryPoint("first").
		SetFinishPoint("second").
		Compile()
	require.NoError(t, err)

	executor, err := NewExecutor(g, WithCheckpointSaver(saver))
	require.NoError(t, err)
	defer executor.Close()

	_, err = executor.Invoke(context.Background(), State{"value": "x"},
		WithLineageID("lineage-writes"))
	require.NoError(t, err)

	tuples, err := saver.List(context.Background(),
		CreateCheckpointConfig("lineage-writes", "", ""), nil)
	require.NoError(t, err)

	var input *CheckpointTuple
	for _, tuple := range tuples {
		if tuple.Metadata != nil && tuple.Metadata.Source == CheckpointSourceInput {
			input = tuple
		}
	}
	require.NotNil(t, input)
	// Step 0 ran off the input checkpoint, so its writes land there before
	// the step's own checkpoint commits.
	require.NotEmpty(t, input.PendingWrites)
	channels := make([]string, 0, len(input.PendingWrites))
	for _, w := range input.PendingWrites {
		assert.NotEmpty(t, w.TaskID)
		channels = append(channels, w.Channel)
	}
	assert.Contains(t, channels, ChannelInputPrefix+"first")
	assert.Contains(t, channels, ChannelBranchPrefix+"second")
}
