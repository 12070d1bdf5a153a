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
	"reflect"
	"sync"
)

const (
	// StateKeyUserInput is the key of the user input.
	// Typically it remains constant across the graph.
	StateKeyUserInput = "user_input"
	// StateKeyLastResponse is the key of the last response. Invoke returns
	// its value as the final result when set.
	StateKeyLastResponse = "last_response"
	// StateKeyMetadata is the key of the metadata.
	StateKeyMetadata = "metadata"
	// StateKeyExecContext is the key of the execution context.
	StateKeyExecContext = "exec_context"
	// StateKeyCurrentNodeID is the key for the node ID currently executing.
	StateKeyCurrentNodeID = "current_node_id"
	// StateKeyCurrentStep is the key for the current superstep number,
	// letting node logic degrade gracefully near the step budget.
	StateKeyCurrentStep = "current_step"
	// StateKeyRemainingSteps is the key for the remaining superstep budget.
	StateKeyRemainingSteps = "remaining_steps"
	// StateKeyStore is the key under which the long-term store handle is
	// injected for node logic.
	StateKeyStore = "store"
)

// State represents the state that flows through the graph. It is the shared
// data structure merged between supersteps by the schema reducers.
type State map[string]any

// Clone creates a shallow copy of the state.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// StateReducer is a function that determines how state updates are merged.
// It takes existing and new values and returns the merged result.
type StateReducer func(existing, update any) any

// StateField defines a field in the state schema with its type and reducer.
type StateField struct {
	Type     reflect.Type
	Reducer  StateReducer
	Default  func() any
	Required bool
}

// StateSchema defines the structure and merge behavior of graph state.
type StateSchema struct {
	mu     sync.RWMutex
	Fields map[string]StateField
}

// NewStateSchema creates a new state schema.
func NewStateSchema() *StateSchema {
	return &StateSchema{Fields: make(map[string]StateField)}
}

// AddField adds a field to the state schema.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	if field.Reducer == nil {
		field.Reducer = DefaultReducer
	}
	s.Fields[name] = field
	return s
}

// ApplyUpdate applies a state update using the defined reducers. A reducer
// panic is recovered and surfaced as an error so that a failing merge aborts
// the superstep without committing a partial result.
func (s *StateSchema) ApplyUpdate(currentState State, update State) (result State, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defer func() {
		if r := recover(); r != nil {
			result = nil
			// Reducers reject incompatible updates with ErrInvalidUpdate;
			// anything else is a merge failure.
			if rerr, ok := r.(error); ok && errors.Is(rerr, ErrInvalidUpdate) {
				err = rerr
				return
			}
			err = fmt.Errorf("%w: %v", ErrChannelMerge, r)
		}
	}()
	result = currentState.Clone()
	for key, updateValue := range update {
		field, exists := s.Fields[key]
		if !exists {
			// No field definition: default behavior is overwrite.
			result[key] = updateValue
			continue
		}
		currentValue, hasCurrentValue := result[key]
		if !hasCurrentValue && field.Default != nil {
			currentValue = field.Default()
		}
		result[key] = field.Reducer(currentValue, updateValue)
	}
	return result, nil
}

// ValidateUpdate checks that an update's values are assignable to the
// declared field types. Unknown keys are allowed.
func (s *StateSchema) ValidateUpdate(update State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, value := range update {
		field, exists := s.Fields[name]
		if !exists || value == nil {
			continue
		}
		valueType := reflect.TypeOf(value)
		if !valueType.AssignableTo(field.Type) {
			return fmt.Errorf("%w: field %s expects %v, got %v",
				ErrInvalidUpdate, name, field.Type, valueType)
		}
	}
	return nil
}

// Validate validates a state against the schema.
func (s *StateSchema) Validate(state State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, field := range s.Fields {
		value, exists := state[name]
		if field.Required && !exists {
			return fmt.Errorf("required field %s is missing", name)
		}
		if exists && value != nil {
			valueType := reflect.TypeOf(value)
			if !valueType.AssignableTo(field.Type) {
				return fmt.Errorf("field %s has wrong type: expected %v, got %v",
					name, field.Type, valueType)
			}
		}
	}
	return nil
}

// Common reducer functions.

// DefaultReducer overwrites the existing value with the update.
func DefaultReducer(existing, update any) any {
	return update
}

// AppendReducer appends update to existing slice. A non-appendable update
// aborts the merge with ErrInvalidUpdate.
func AppendReducer(existing, update any) any {
	if update == nil {
		return existing
	}
	updateSlice, ok := update.([]any)
	if !ok {
		panic(fmt.Errorf("%w: append expects []any, got %T", ErrInvalidUpdate, update))
	}
	if existing == nil {
		existing = []any{}
	}
	existingSlice, ok := existing.([]any)
	if !ok {
		return update
	}
	return append(existingSlice, updateSlice...)
}

// StringSliceReducer appends string slices specifically. A non-appendable
// update aborts the merge with ErrInvalidUpdate.
func StringSliceReducer(existing, update any) any {
	if update == nil {
		return existing
	}
	updateSlice, ok := update.([]string)
	if !ok {
		panic(fmt.Errorf("%w: append expects []string, got %T", ErrInvalidUpdate, update))
	}
	if existing == nil {
		existing = []string{}
	}
	existingSlice, ok := existing.([]string)
	if !ok {
		return update
	}
	return append(existingSlice, updateSlice...)
}

// MergeReducer merges update map into existing map.
func MergeReducer(existing, update any) any {
	if existing == nil {
		existing = make(map[string]any)
	}
	existingMap, ok1 := existing.(map[string]any)
	updateMap, ok2 := update.(map[string]any)
	if !ok1 || !ok2 {
		return update
	}
	result := make(map[string]any, len(existingMap)+len(updateMap))
	for k, v := range existingMap {
		result[k] = v
	}
	for k, v := range updateMap {
		result[k] = v
	}
	return result
}

// AppendDedupReducer returns a reducer that appends []any slices while
// dropping updates whose identity key was already seen. The key function
// receives each element and returns its identity.
func AppendDedupReducer(key func(any) string) StateReducer {
	return func(existing, update any) any {
		if update == nil {
			return existing
		}
		updateSlice, ok := update.([]any)
		if !ok {
			panic(fmt.Errorf("%w: append expects []any, got %T", ErrInvalidUpdate, update))
		}
		if existing == nil {
			existing = []any{}
		}
		existingSlice, ok := existing.([]any)
		if !ok {
			return update
		}
		seen := make(map[string]bool, len(existingSlice))
		for _, v := range existingSlice {
			seen[key(v)] = true
		}
		result := existingSlice
		for _, v := range updateSlice {
			if k := key(v); !seen[k] {
				seen[k] = true
				result = append(result, v)
			}
		}
		return result
	}
}
