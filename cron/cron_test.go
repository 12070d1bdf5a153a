//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package cron

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/runner"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr     string
		interval time.Duration
	}{
		{"@hourly", time.Hour},
		{"@daily", 24 * time.Hour},
		{"@midnight", 24 * time.Hour},
		{"@weekly", 7 * 24 * time.Hour},
		{"@every 5s", 5 * time.Second},
		{"@every 1m30s", 90 * time.Second},
	}
	for _, tt := range tests {
		schedule, err := ParseSchedule(tt.expr)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.interval, schedule.Interval, tt.expr)
		assert.Equal(t, tt.expr, schedule.Expression)
	}

	for _, expr := range []string{"", "hourly", "@every", "@every nonsense", "@every 100ms"} {
		_, err := ParseSchedule(expr)
		assert.ErrorIs(t, err, ErrInvalidSchedule, expr)
	}
}

func TestScheduleNext(t *testing.T) {
	schedule, err := ParseSchedule("@every 10s")
	require.NoError(t, err)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, at.Add(10*time.Second), schedule.Next(at))
}

func testRunner(t *testing.T) *runner.Runner {
	t.Helper()
	g, err := graph.NewStateGraph(graph.NewStateSchema().
		AddField("value", graph.StateField{Type: reflect.TypeOf(""), Reducer: graph.DefaultReducer})).
		AddNode("noop", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"value": "ran"}, nil
		}).
		SetEntryPoint("noop").
		SetFinishPoint("noop").
		Compile()
	require.NoError(t, err)

	executor, err := graph.NewExecutor(g)
	require.NoError(t, err)
	t.Cleanup(func() { executor.Close() })

	r := runner.New()
	r.RegisterGraph("noop", executor)
	return r
}

func TestAddJobValidation(t *testing.T) {
	s := New(testRunner(t))

	_, err := s.AddJob(JobRequest{Schedule: "bogus", GraphName: "noop"})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = s.AddJob(JobRequest{Schedule: "@hourly"})
	assert.Error(t, err)

	job, err := s.AddJob(JobRequest{
		Schedule:  "@every 5s",
		GraphName: "noop",
		LineageID: "lin-cron",
		Input:     graph.State{"value": "seed"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.True(t, job.Enabled)
	assert.Equal(t, "noop", job.GraphName)
	assert.True(t, job.NextRun.After(job.CreatedAt))
}

func TestJobRegistry(t *testing.T) {
	s := New(testRunner(t))

	first, err := s.AddJob(JobRequest{Schedule: "@hourly", GraphName: "noop"})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := s.AddJob(JobRequest{Schedule: "@daily", GraphName: "noop"})
	require.NoError(t, err)

	got, err := s.GetJob(first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	_, err = s.GetJob("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, first.ID, jobs[0].ID)
	assert.Equal(t, second.ID, jobs[1].ID)

	require.NoError(t, s.RemoveJob(first.ID))
	assert.ErrorIs(t, s.RemoveJob(first.ID), ErrJobNotFound)
	assert.Len(t, s.ListJobs(), 1)
}

func TestSetEnabledReschedules(t *testing.T) {
	s := New(testRunner(t))
	job, err := s.AddJob(JobRequest{Schedule: "@hourly", GraphName: "noop"})
	require.NoError(t, err)

	require.NoError(t, s.SetEnabled(job.ID, false))
	disabled, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	time.Sleep(time.Millisecond)
	require.NoError(t, s.SetEnabled(job.ID, true))
	enabled, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.True(t, enabled.Enabled)
	assert.True(t, enabled.NextRun.After(disabled.NextRun))

	assert.ErrorIs(t, s.SetEnabled("nope", true), ErrJobNotFound)
}

func TestSchedulerFiresDueJobs(t *testing.T) {
	r := testRunner(t)
	s := New(r, WithTickInterval(10*time.Millisecond))

	job, err := s.AddJob(JobRequest{
		Schedule:  "@every 1s",
		GraphName: "noop",
		Input:     graph.State{"value": "tick"},
	})
	require.NoError(t, err)

	paused, err := s.AddJob(JobRequest{Schedule: "@every 1s", GraphName: "noop"})
	require.NoError(t, err)
	require.NoError(t, s.SetEnabled(paused.ID, false))

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	var fired *Job
	for time.Now().Before(deadline) {
		fired, err = s.GetJob(job.ID)
		require.NoError(t, err)
		if fired.LastRunID != "" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotEmpty(t, fired.LastRunID, "job did not fire before deadline")
	assert.Empty(t, fired.LastError)
	assert.False(t, fired.LastRun.IsZero())
	assert.True(t, fired.NextRun.After(fired.LastRun))

	run, err := r.Get(fired.LastRunID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	finished, err := r.Wait(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runner.StatusSuccess, finished.Status())

	still, err := s.GetJob(paused.ID)
	require.NoError(t, err)
	assert.Empty(t, still.LastRunID)
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	s := New(testRunner(t), WithTickInterval(10*time.Millisecond))
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()

	// The scheduler can be restarted after a stop.
	s.Start(context.Background())
	s.Stop()
}
