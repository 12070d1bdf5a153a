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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayExponentialBackoff(t *testing.T) {
	policy := RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     time.Second,
	}

	assert.Equal(t, 100*time.Millisecond, policy.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, policy.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, policy.NextDelay(3))
	// Capped at MaxInterval.
	assert.Equal(t, time.Second, policy.NextDelay(10))
	// Attempts below 1 are clamped.
	assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
}

func TestNextDelayDefaultsWithoutFactor(t *testing.T) {
	policy := RetryPolicy{InitialInterval: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, policy.NextDelay(1))
	assert.Equal(t, 50*time.Millisecond, policy.NextDelay(5))
	assert.Equal(t, time.Duration(0), RetryPolicy{}.NextDelay(3))
}

func TestNextDelayJitterStaysBounded(t *testing.T) {
	policy := RetryPolicy{
		InitialInterval: 10 * time.Millisecond,
		BackoffFactor:   1.0,
		Jitter:          true,
	}
	for i := 0; i < 20; i++ {
		d := policy.NextDelay(1)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 20*time.Millisecond)
	}
}

func TestShouldRetry(t *testing.T) {
	target := errors.New("flaky backend")
	policy := RetryPolicy{
		MaxAttempts: 3,
		RetryOn:     []RetryCondition{RetryOnErrors(target)},
	}

	assert.False(t, policy.ShouldRetry(nil))
	assert.True(t, policy.ShouldRetry(target))
	assert.True(t, policy.ShouldRetry(fmt.Errorf("wrapped: %w", target)))
	assert.False(t, policy.ShouldRetry(errors.New("other")))

	// Interrupts are control flow, never retried.
	assert.False(t, policy.ShouldRetry(NewInterruptError("pause")))
}

func TestRetryOnPredicate(t *testing.T) {
	cond := RetryOnPredicate(func(err error) bool {
		return err != nil && err.Error() == "retry me"
	})
	assert.True(t, cond.Match(errors.New("retry me")))
	assert.False(t, cond.Match(errors.New("give up")))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return false }

func TestDefaultTransientCondition(t *testing.T) {
	cond := DefaultTransientCondition()

	assert.False(t, cond.Match(nil))
	assert.False(t, cond.Match(errors.New("permanent")))
	assert.True(t, cond.Match(context.DeadlineExceeded))
	assert.True(t, cond.Match(fmt.Errorf("dial: %w", context.DeadlineExceeded)))
	assert.True(t, cond.Match(timeoutErr{}))
}

func TestWithSimpleRetry(t *testing.T) {
	policy := WithSimpleRetry(4)
	assert.Equal(t, 4, policy.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, policy.InitialInterval)
	assert.Equal(t, 2.0, policy.BackoffFactor)
	assert.Equal(t, 8*time.Second, policy.MaxInterval)
	assert.True(t, policy.Jitter)
	assert.True(t, policy.ShouldRetry(context.DeadlineExceeded))

	assert.Equal(t, 1, WithSimpleRetry(0).MaxAttempts)
}
