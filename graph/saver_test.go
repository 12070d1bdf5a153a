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
	"sync"
)

// memSaver is a minimal in-process CheckpointSaver for executor tests.
// Tuples are kept in insertion order per lineage; List returns newest
// first.
type memSaver struct {
	mu       sync.Mutex
	lineages map[string][]*CheckpointTuple
}

var _ CheckpointSaver = (*memSaver)(nil)

func newMemSaver() *memSaver {
	return &memSaver{lineages: make(map[string][]*CheckpointTuple)}
}

func (s *memSaver) Get(ctx context.Context, config map[string]any) (*Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

func (s *memSaver) GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tuples := s.lineages[GetLineageID(config)]
	if len(tuples) == 0 {
		return nil, nil
	}
	if id := GetCheckpointID(config); id != "" {
		for _, tuple := range tuples {
			if tuple.Checkpoint.ID == id {
				return tuple, nil
			}
		}
		return nil, nil
	}
	return tuples[len(tuples)-1], nil
}

func (s *memSaver) List(
	ctx context.Context, config map[string]any, filter *CheckpointFilter,
) ([]*CheckpointTuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tuples := s.lineages[GetLineageID(config)]
	out := make([]*CheckpointTuple, 0, len(tuples))
	for i := len(tuples) - 1; i >= 0; i-- {
		out = append(out, tuples[i])
	}
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memSaver) Put(ctx context.Context, req PutRequest) (map[string]any, error) {
	return s.PutFull(ctx, PutFullRequest{
		Config:      req.Config,
		Checkpoint:  req.Checkpoint,
		Metadata:    req.Metadata,
		NewVersions: req.NewVersions,
	})
}

func (s *memSaver) PutWrites(ctx context.Context, req PutWritesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tuples := s.lineages[GetLineageID(req.Config)]
	id := GetCheckpointID(req.Config)
	for _, tuple := range tuples {
		if tuple.Checkpoint.ID == id {
			tuple.PendingWrites = append(tuple.PendingWrites, req.Writes...)
			return nil
		}
	}
	return nil
}

func (s *memSaver) PutFull(ctx context.Context, req PutFullRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lineageID := GetLineageID(req.Config)
	config := CreateCheckpointConfig(lineageID, req.Checkpoint.ID, GetNamespace(req.Config))
	s.lineages[lineageID] = append(s.lineages[lineageID], &CheckpointTuple{
		Config:        config,
		Checkpoint:    req.Checkpoint.Copy(),
		Metadata:      req.Metadata,
		PendingWrites: append([]PendingWrite(nil), req.PendingWrites...),
	})
	return config, nil
}

func (s *memSaver) DeleteLineage(ctx context.Context, lineageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lineages, lineageID)
	return nil
}

func (s *memSaver) Close() error { return nil }

func (s *memSaver) count(lineageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lineages[lineageID])
}
