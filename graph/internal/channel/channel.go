//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package channel provides the trigger cells used by Pregel-style execution.
// Channels carry routing signals between supersteps; the merged user state
// itself lives in the graph state map and is folded by schema reducers.
package channel

import (
	"sort"
	"sync"
)

// Behavior represents the type of channel behavior.
type Behavior int

const (
	// BehaviorLastValue stores only the last value sent to the channel.
	BehaviorLastValue Behavior = iota
	// BehaviorTopic accumulates multiple values (pub/sub).
	BehaviorTopic
	// BehaviorEphemeral stores values for a single step and is consumed
	// when acknowledged.
	BehaviorEphemeral
	// BehaviorBarrier waits for multiple named senders before becoming
	// available.
	BehaviorBarrier
)

// Channel is a named cell written at the end of one superstep and observed
// by the scheduler when planning the next one.
type Channel struct {
	mu              sync.RWMutex
	Name            string
	Behavior        Behavior
	Value           any
	Values          []any
	BarrierSet      map[string]bool
	BarrierExpect   int
	Version         int64
	Available       bool
	LastUpdatedStep int
}

// New creates a new channel with the specified behavior.
func New(name string, behavior Behavior) *Channel {
	return &Channel{
		Name:       name,
		Behavior:   behavior,
		Values:     make([]any, 0),
		BarrierSet: make(map[string]bool),
	}
}

// Update merges the proposed values into the channel for the given step.
// It reports whether the channel became available.
func (c *Channel) Update(values []any, step int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.Behavior {
	case BehaviorLastValue, BehaviorEphemeral:
		if len(values) == 0 {
			return false
		}
		c.Value = values[len(values)-1]
	case BehaviorTopic:
		c.Values = append(c.Values, values...)
	case BehaviorBarrier:
		for _, value := range values {
			if sender, ok := value.(string); ok {
				c.BarrierSet[sender] = true
			}
		}
		if c.BarrierExpect > 0 && len(c.BarrierSet) < c.BarrierExpect {
			c.Version++
			c.LastUpdatedStep = step
			return false
		}
	}
	c.Version++
	c.Available = true
	c.LastUpdatedStep = step
	return true
}

// Get retrieves the current value from the channel.
func (c *Channel) Get() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.Behavior {
	case BehaviorLastValue, BehaviorEphemeral:
		return c.Value
	case BehaviorTopic:
		return c.Values
	case BehaviorBarrier:
		return c.BarrierSet
	}
	return nil
}

// IsAvailable checks if the channel has data available.
func (c *Channel) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Available
}

// IsUpdatedInStep returns true if the channel was updated in the given step.
func (c *Channel) IsUpdatedInStep(step int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LastUpdatedStep == step
}

// Acknowledge marks the channel as consumed for this step so it does not
// retrigger planning in the next step. Ephemeral channels also drop their
// value; barrier channels reset their sender set.
func (c *Channel) Acknowledge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Available = false
	switch c.Behavior {
	case BehaviorEphemeral:
		c.Value = nil
	case BehaviorBarrier:
		c.BarrierSet = make(map[string]bool)
	}
}

// Reset returns the channel to its initial, unavailable state.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Value = nil
	c.Values = c.Values[:0]
	c.BarrierSet = make(map[string]bool)
	c.Available = false
	c.Version = 0
	c.LastUpdatedStep = 0
}

// Manager manages all channels in the graph for one execution.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewManager creates a new channel manager.
func NewManager() *Manager {
	return &Manager{channels: make(map[string]*Channel)}
}

// Add registers a channel under the given name.
func (m *Manager) Add(name string, behavior Behavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[name]; !exists {
		m.channels[name] = New(name, behavior)
	}
}

// Get retrieves a channel by name.
func (m *Manager) Get(name string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, exists := m.channels[name]
	return ch, exists
}

// GetOrCreate retrieves a channel, creating it with the behavior if absent.
func (m *Manager) GetOrCreate(name string, behavior Behavior) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, exists := m.channels[name]; exists {
		return ch
	}
	ch := New(name, behavior)
	m.channels[name] = ch
	return ch
}

// Names returns the sorted names of all registered channels.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AvailableInStep returns the sorted names of channels updated in the given
// step that are still available.
func (m *Manager) AvailableInStep(step int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, ch := range m.channels {
		if ch.IsAvailable() && ch.IsUpdatedInStep(step) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Versions returns a snapshot of all channel versions.
func (m *Manager) Versions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := make(map[string]int64, len(m.channels))
	for name, ch := range m.channels {
		versions[name] = ch.Version
	}
	return versions
}

// ResetAll returns every channel to its initial state. Used when an
// execution context is rebuilt from a checkpoint.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		ch.Reset()
	}
}
