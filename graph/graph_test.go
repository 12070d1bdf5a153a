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
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *StateSchema {
	return NewStateSchema().
		AddField("value", StateField{Type: reflect.TypeOf(""), Reducer: DefaultReducer})
}

func passThrough(ctx context.Context, state State) (any, error) {
	return State{}, nil
}

func TestCompileValidGraph(t *testing.T) {
	g, err := NewStateGraph(testSchema()).
		AddNode("a", passThrough).
		AddNode("b", passThrough).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		Compile()
	require.NoError(t, err)

	assert.Equal(t, "a", g.EntryPoint())
	node, ok := g.Node("a")
	require.True(t, ok)
	assert.Equal(t, "a", node.ID)
}

func TestCompileWithoutEntryPoint(t *testing.T) {
	_, err := NewStateGraph(testSchema()).
		AddNode("a", passThrough).
		SetFinishPoint("a").
		Compile()
	require.Error(t, err)
}

func TestCompileRejectsUnknownEdgeTarget(t *testing.T) {
	_, err := NewStateGraph(testSchema()).
		AddNode("a", passThrough).
		AddEdge("a", "missing").
		SetEntryPoint("a").
		Compile()
	require.Error(t, err)
}

func TestCompileRejectsDuplicateNode(t *testing.T) {
	_, err := NewStateGraph(testSchema()).
		AddNode("a", passThrough).
		AddNode("a", passThrough).
		SetEntryPoint("a").
		SetFinishPoint("a").
		Compile()
	require.Error(t, err)
}

func TestCompileRejectsNilNodeFunction(t *testing.T) {
	_, err := NewStateGraph(testSchema()).
		AddNode("a", nil).
		SetEntryPoint("a").
		SetFinishPoint("a").
		Compile()
	require.Error(t, err)
}

func TestTriggerSubscribers(t *testing.T) {
	g, err := NewStateGraph(testSchema()).
		AddNode("a", passThrough).
		AddNode("b", passThrough).
		AddNode("c", passThrough).
		AddEdge("a", "b").
		AddEdge("a", "c").
		SetEntryPoint("a").
		SetFinishPoint("b").
		SetFinishPoint("c").
		Compile()
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, g.TriggerSubscribers(ChannelBranchPrefix+"b"))
	assert.Equal(t, []string{"c"}, g.TriggerSubscribers(ChannelBranchPrefix+"c"))
	assert.Empty(t, g.TriggerSubscribers("branch:to:missing"))
}

func TestConditionalEdgeRegistration(t *testing.T) {
	cond := func(ctx context.Context, state State) (string, error) { return "x", nil }
	g, err := NewStateGraph(testSchema()).
		AddNode("a", passThrough).
		AddNode("b", passThrough).
		AddConditionalEdges("a", cond, map[string]string{"x": "b"}).
		SetEntryPoint("a").
		SetFinishPoint("b").
		Compile()
	require.NoError(t, err)

	edge, ok := g.ConditionalEdge("a")
	require.True(t, ok)
	assert.Equal(t, "b", edge.PathMap["x"])
}

func TestNodeOptions(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 3}
	g, err := NewStateGraph(testSchema()).
		AddNode("a", passThrough,
			WithName("Alpha"),
			WithDescription("first node"),
			WithNodeRetryPolicy(policy)).
		SetEntryPoint("a").
		SetFinishPoint("a").
		Compile()
	require.NoError(t, err)

	node, ok := g.Node("a")
	require.True(t, ok)
	assert.Equal(t, "Alpha", node.Name)
	assert.Equal(t, "first node", node.Description)
	assert.Same(t, policy, node.retryPolicy)
}

func TestNodeRegistrationOrder(t *testing.T) {
	g, err := NewStateGraph(testSchema()).
		AddNode("z", passThrough).
		AddNode("a", passThrough).
		AddNode("m", passThrough).
		AddEdge("z", "a").
		AddEdge("z", "m").
		SetEntryPoint("z").
		SetFinishPoint("a").
		SetFinishPoint("m").
		Compile()
	require.NoError(t, err)

	zNode, _ := g.Node("z")
	aNode, _ := g.Node("a")
	mNode, _ := g.Node("m")
	assert.Less(t, zNode.order, aNode.order)
	assert.Less(t, aNode.order, mNode.order)
}
