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
	"time"
)

// InterruptError represents an interrupt in graph execution that can be
// resumed. It is control flow, not a failure.
type InterruptError struct {
	// Value is the payload that was passed to Interrupt.
	Value any
	// Key is the interrupt key within the node, for keyed resume.
	Key string
	// NodeID is the ID of the node where the interrupt occurred.
	NodeID string
	// TaskID is the ID of the task that was interrupted.
	TaskID string
	// Step is the step number when the interrupt occurred.
	Step int
	// Timestamp is when the interrupt occurred.
	Timestamp time.Time
	// Path is the execution path to the interrupted node.
	Path []string
}

// Error returns the error message for the interrupt.
func (g *InterruptError) Error() string {
	return fmt.Sprintf("graph interrupted at node %s (step %d): %v", g.NodeID, g.Step, g.Value)
}

// NewInterruptError creates a new InterruptError with the given value.
func NewInterruptError(value any) *InterruptError {
	return &InterruptError{
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
}

// IsInterruptError checks if an error is an InterruptError.
func IsInterruptError(err error) bool {
	_, ok := err.(*InterruptError)
	return ok
}

// GetInterruptError extracts an InterruptError from an error.
func GetInterruptError(err error) (*InterruptError, bool) {
	if interrupt, ok := err.(*InterruptError); ok {
		return interrupt, true
	}
	return nil, false
}

// ResumeCommand represents a command to resume graph execution after an
// interrupt.
type ResumeCommand struct {
	// Resume is a single resume value delivered to the next Interrupt call.
	Resume any
	// ResumeMap maps interrupt keys to resume values.
	ResumeMap map[string]any
	// ResumeValues is an ordered list consumed positionally by successive
	// Interrupt calls when the node interrupts more than once.
	ResumeValues []any
}

// NewResumeCommand creates a new resume command.
func NewResumeCommand() *ResumeCommand {
	return &ResumeCommand{ResumeMap: make(map[string]any)}
}

// WithResume sets the resume value.
func (c *ResumeCommand) WithResume(value any) *ResumeCommand {
	c.Resume = value
	return c
}

// WithResumeMap sets the resume map.
func (c *ResumeCommand) WithResumeMap(resumeMap map[string]any) *ResumeCommand {
	c.ResumeMap = resumeMap
	return c
}

// WithResumeValues sets the ordered resume value list.
func (c *ResumeCommand) WithResumeValues(values ...any) *ResumeCommand {
	c.ResumeValues = values
	return c
}

// AddResumeValue adds a resume value for a specific interrupt key.
func (c *ResumeCommand) AddResumeValue(key string, value any) *ResumeCommand {
	if c.ResumeMap == nil {
		c.ResumeMap = make(map[string]any)
	}
	c.ResumeMap[key] = value
	return c
}

// Interrupt pauses execution at the current node and surfaces the prompt
// value to the caller. On resume, the re-executed node replays Interrupt
// calls in the same order; each call consumes its resume value and returns
// it instead of interrupting. Values already consumed in this invocation
// are replayed verbatim so a node that interrupts twice sees stable results
// for earlier keys.
func Interrupt(ctx context.Context, state State, key string, prompt any) (any, error) {
	usedMap, _ := state[StateKeyUsedInterrupts].(map[string]any)
	if usedMap == nil {
		usedMap = make(map[string]any)
		state[StateKeyUsedInterrupts] = usedMap
	}
	if usedValue, exists := usedMap[key]; exists {
		return usedValue, nil
	}

	// Keyed resume map takes precedence over positional values.
	if resumeMap, ok := state[StateKeyResumeMap].(map[string]any); ok {
		if resumeValue, exists := resumeMap[key]; exists {
			usedMap[key] = resumeValue
			delete(resumeMap, key)
			return resumeValue, nil
		}
	}

	// Positional resume: consume the next queued value in call order.
	if values, ok := state[StateKeyResumeValues].([]any); ok && len(values) > 0 {
		resumeValue := values[0]
		state[StateKeyResumeValues] = values[1:]
		usedMap[key] = resumeValue
		return resumeValue, nil
	}

	// Single resume value delivered on the resume channel.
	if resumeValue, exists := state[ResumeChannel]; exists {
		usedMap[key] = resumeValue
		delete(state, ResumeChannel)
		return resumeValue, nil
	}

	ie := NewInterruptError(prompt)
	ie.Key = key
	if nodeID, ok := state[StateKeyCurrentNodeID].(string); ok {
		ie.NodeID = nodeID
	}
	if step, ok := state[StateKeyCurrentStep].(int); ok {
		ie.Step = step
	}
	return nil, ie
}

// ResumeValue extracts a resume value from the state with type safety.
func ResumeValue[T any](ctx context.Context, state State, key string) (T, bool) {
	var zero T
	if resumeValue, exists := state[ResumeChannel]; exists {
		if typedValue, ok := resumeValue.(T); ok {
			delete(state, ResumeChannel)
			return typedValue, true
		}
	}
	if resumeMap, ok := state[StateKeyResumeMap].(map[string]any); ok {
		if resumeValue, exists := resumeMap[key]; exists {
			if typedValue, ok := resumeValue.(T); ok {
				delete(resumeMap, key)
				return typedValue, true
			}
		}
	}
	return zero, false
}

// ResumeValueOrDefault extracts a resume value with a default fallback.
func ResumeValueOrDefault[T any](ctx context.Context, state State, key string, defaultValue T) T {
	if value, ok := ResumeValue[T](ctx, state, key); ok {
		return value
	}
	return defaultValue
}

// HasResumeValue checks if a resume value is available for the given key.
func HasResumeValue(state State, key string) bool {
	if _, exists := state[ResumeChannel]; exists {
		return true
	}
	if values, ok := state[StateKeyResumeValues].([]any); ok && len(values) > 0 {
		return true
	}
	if resumeMap, ok := state[StateKeyResumeMap].(map[string]any); ok {
		if _, exists := resumeMap[key]; exists {
			return true
		}
	}
	return false
}

// ClearResumeValue clears a specific resume value from the state.
func ClearResumeValue(state State, key string) {
	if resumeMap, ok := state[StateKeyResumeMap].(map[string]any); ok {
		delete(resumeMap, key)
	}
}

// ClearAllResumeValues clears all resume values from the state.
func ClearAllResumeValues(state State) {
	delete(state, ResumeChannel)
	delete(state, StateKeyResumeMap)
	delete(state, StateKeyResumeValues)
}
