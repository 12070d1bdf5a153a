//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package event provides the event system used to stream graph execution
// progress to callers.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Object type constants for events.
const (
	// ObjectTypeError marks an event carrying a terminal error.
	ObjectTypeError = "error"
	// ObjectTypeCompletion marks the final event of a run.
	ObjectTypeCompletion = "completion"
)

// ErrorInfo describes an error carried by an event.
type ErrorInfo struct {
	// Type is the machine-readable error category.
	Type string `json:"type"`
	// Message is the human-readable error message.
	Message string `json:"message"`
}

// Event represents a single occurrence during graph execution. Events are
// emitted on the channel returned by Executor.Execute and forwarded by the
// streaming transports.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// InvocationID ties the event to one run invocation.
	InvocationID string `json:"invocationId"`

	// Author identifies the component that produced the event, typically
	// a node ID or the executor itself.
	Author string `json:"author"`

	// Object is the event kind, e.g. "graph.pregel.step".
	Object string `json:"object,omitempty"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// Done indicates the run has finished (successfully or not).
	Done bool `json:"done,omitempty"`

	// StateDelta carries JSON-encoded metadata and state changes keyed by
	// well-known metadata keys.
	StateDelta map[string][]byte `json:"stateDelta,omitempty"`

	// Error is set for error events.
	Error *ErrorInfo `json:"error,omitempty"`

	// StructuredPayload carries a typed, in-memory payload. It is not
	// serialized and is meant for immediate consumer access.
	StructuredPayload any `json:"-"`
}

// Clone creates a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.StateDelta != nil {
		clone.StateDelta = make(map[string][]byte, len(e.StateDelta))
		for k, v := range e.StateDelta {
			clone.StateDelta[k] = make([]byte, len(v))
			copy(clone.StateDelta[k], v)
		}
	}
	if e.Error != nil {
		errCopy := *e.Error
		clone.Error = &errCopy
	}
	return &clone
}

// Option is a function that can be used to configure the Event.
type Option func(*Event)

// WithObject sets the object (kind) for the event.
func WithObject(o string) Option {
	return func(e *Event) { e.Object = o }
}

// WithDone marks the event as terminal.
func WithDone(done bool) Option {
	return func(e *Event) { e.Done = done }
}

// WithStateDelta sets state delta for the event.
func WithStateDelta(stateDelta map[string][]byte) Option {
	return func(e *Event) { e.StateDelta = stateDelta }
}

// WithStructuredPayload sets a typed payload on the event. This data is not
// serialized and is intended for immediate consumption.
func WithStructuredPayload(payload any) Option {
	return func(e *Event) { e.StructuredPayload = payload }
}

// New creates a new Event with generated ID and timestamp.
func New(invocationID, author string, opts ...Option) *Event {
	e := &Event{
		ID:           uuid.New().String(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Author:       author,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewErrorEvent creates a new error Event with the specified error details.
func NewErrorEvent(invocationID, author, errorType, errorMessage string) *Event {
	return &Event{
		ID:           uuid.New().String(),
		Timestamp:    time.Now(),
		InvocationID: invocationID,
		Author:       author,
		Object:       ObjectTypeError,
		Done:         true,
		Error: &ErrorInfo{
			Type:    errorType,
			Message: errorMessage,
		},
	}
}
