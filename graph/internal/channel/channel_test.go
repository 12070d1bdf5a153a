//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLastValueChannel(t *testing.T) {
	ch := New("branch:to:a", BehaviorLastValue)
	assert.False(t, ch.IsAvailable())
	assert.False(t, ch.Update(nil, 0))

	assert.True(t, ch.Update([]any{"x", "y"}, 1))
	assert.True(t, ch.IsAvailable())
	assert.True(t, ch.IsUpdatedInStep(1))
	assert.Equal(t, "y", ch.Get())
	assert.Equal(t, int64(1), ch.Version)

	ch.Acknowledge()
	assert.False(t, ch.IsAvailable())
	// Last-value channels keep their value after acknowledgement.
	assert.Equal(t, "y", ch.Get())
}

func TestEphemeralChannelDropsValueOnAck(t *testing.T) {
	ch := New("branch:to:b", BehaviorEphemeral)
	ch.Update([]any{"sender"}, 2)
	assert.Equal(t, "sender", ch.Get())

	ch.Acknowledge()
	assert.False(t, ch.IsAvailable())
	assert.Nil(t, ch.Get())
}

func TestTopicChannelAccumulates(t *testing.T) {
	ch := New("topic", BehaviorTopic)
	ch.Update([]any{1}, 0)
	ch.Update([]any{2, 3}, 1)
	assert.Equal(t, []any{1, 2, 3}, ch.Get())
	assert.Equal(t, int64(2), ch.Version)
}

func TestBarrierChannelWaitsForAllSenders(t *testing.T) {
	ch := New("join", BehaviorBarrier)
	ch.BarrierExpect = 2

	assert.False(t, ch.Update([]any{"a"}, 1))
	assert.False(t, ch.IsAvailable())

	assert.True(t, ch.Update([]any{"b"}, 1))
	assert.True(t, ch.IsAvailable())
	assert.Equal(t, map[string]bool{"a": true, "b": true}, ch.Get())

	ch.Acknowledge()
	assert.Empty(t, ch.Get())
}

func TestChannelReset(t *testing.T) {
	ch := New("branch:to:c", BehaviorLastValue)
	ch.Update([]any{"v"}, 3)
	ch.Reset()
	assert.False(t, ch.IsAvailable())
	assert.Nil(t, ch.Get())
	assert.Equal(t, int64(0), ch.Version)
	assert.False(t, ch.IsUpdatedInStep(3))
}

func TestManagerAddAndGet(t *testing.T) {
	m := NewManager()
	m.Add("b", BehaviorEphemeral)
	m.Add("a", BehaviorEphemeral)
	// Re-adding keeps the existing channel.
	m.Add("a", BehaviorTopic)

	ch, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, BehaviorEphemeral, ch.Behavior)
	_, ok = m.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, m.Names())
}

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager()
	ch := m.GetOrCreate("x", BehaviorEphemeral)
	again := m.GetOrCreate("x", BehaviorTopic)
	assert.Same(t, ch, again)
}

func TestManagerAvailableInStep(t *testing.T) {
	m := NewManager()
	m.GetOrCreate("early", BehaviorEphemeral).Update([]any{"n"}, 1)
	m.GetOrCreate("late", BehaviorEphemeral).Update([]any{"n"}, 2)
	consumed := m.GetOrCreate("consumed", BehaviorEphemeral)
	consumed.Update([]any{"n"}, 2)
	consumed.Acknowledge()

	assert.Equal(t, []string{"early"}, m.AvailableInStep(1))
	assert.Equal(t, []string{"late"}, m.AvailableInStep(2))
	assert.Empty(t, m.AvailableInStep(3))
}

func TestManagerVersionsAndResetAll(t *testing.T) {
	m := NewManager()
	m.GetOrCreate("a", BehaviorEphemeral).Update([]any{"n"}, 1)
	m.GetOrCreate("b", BehaviorEphemeral)

	versions := m.Versions()
	assert.Equal(t, int64(1), versions["a"])
	assert.Equal(t, int64(0), versions["b"])

	m.ResetAll()
	assert.Empty(t, m.AvailableInStep(1))
	assert.Equal(t, int64(0), m.Versions()["a"])
}
