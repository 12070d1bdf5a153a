//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides in-memory checkpoint storage for graph
// execution. It is suitable for tests and single-process deployments; use
// the sqlite saver when checkpoints must survive restarts.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

// lineage holds the checkpoints and pending writes of one lineage, keyed by
// namespace and checkpoint ID.
type lineage struct {
	checkpoints map[string]map[string]*graph.CheckpointTuple
	writes      map[string]map[string][]graph.PendingWrite
}

func newLineage() *lineage {
	return &lineage{
		checkpoints: make(map[string]map[string]*graph.CheckpointTuple),
		writes:      make(map[string]map[string][]graph.PendingWrite),
	}
}

// Saver is an in-memory implementation of graph.CheckpointSaver.
type Saver struct {
	mu           sync.RWMutex
	lineages     map[string]*lineage
	maxPerLinage int
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// NewSaver creates a new in-memory checkpoint saver.
func NewSaver() *Saver {
	return &Saver{
		lineages:     make(map[string]*lineage),
		maxPerLinage: graph.DefaultMaxCheckpointsPerLineage,
	}
}

// WithMaxCheckpointsPerLineage sets the retention limit per lineage.
func (s *Saver) WithMaxCheckpointsPerLineage(max int) *Saver {
	if max > 0 {
		s.maxPerLinage = max
	}
	return s
}

// Get retrieves a checkpoint by configuration.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple by configuration. When no
// checkpoint ID is pinned, the newest checkpoint of the lineage is
// returned. A missing checkpoint yields (nil, nil).
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ln, ok := s.lineages[lineageID]
	if !ok {
		return nil, nil
	}
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	if checkpointID == "" {
		tuple, ns := latestTuple(ln, namespace)
		if tuple == nil {
			return nil, nil
		}
		return ln.resultTuple(tuple, ns), nil
	}
	tuple, ns := findByID(ln, namespace, checkpointID)
	if tuple == nil {
		return nil, nil
	}
	return ln.resultTuple(tuple, ns), nil
}

// List retrieves checkpoints matching the filter, newest first.
func (s *Saver) List(
	ctx context.Context, config map[string]any, filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	ln, ok := s.lineages[lineageID]
	if !ok {
		return nil, nil
	}
	namespace := graph.GetNamespace(config)
	var results []*graph.CheckpointTuple
	for ns, checkpoints := range ln.checkpoints {
		if namespace != "" && ns != namespace {
			continue
		}
		for _, tuple := range checkpoints {
			if !passesFilter(tuple, checkpoints, filter) {
				continue
			}
			results = append(results, ln.resultTuple(tuple, ns))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Checkpoint.Timestamp.After(results[j].Checkpoint.Timestamp)
	})
	if filter != nil && filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Put stores a checkpoint and returns the config pinned to its ID.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	return s.PutFull(ctx, graph.PutFullRequest{
		Config:      req.Config,
		Checkpoint:  req.Checkpoint,
		Metadata:    req.Metadata,
		NewVersions: req.NewVersions,
	})
}

// PutWrites stores intermediate writes linked to a checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lineageID := graph.GetLineageID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if lineageID == "" || checkpointID == "" {
		return graph.ErrLineageIDAndCheckpointIDRequired
	}
	ln := s.lineage(lineageID)
	namespace := graph.GetNamespace(req.Config)
	if ln.writes[namespace] == nil {
		ln.writes[namespace] = make(map[string][]graph.PendingWrite)
	}
	// Append so one call per task accumulates the whole superstep.
	ln.writes[namespace][checkpointID] = append(ln.writes[namespace][checkpointID], req.Writes...)
	return nil
}

// PutFull atomically stores a checkpoint with its pending writes.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lineageID := graph.GetLineageID(req.Config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	if req.Checkpoint == nil {
		return nil, graph.ErrCheckpointNotFound
	}
	ln := s.lineage(lineageID)
	namespace := graph.GetNamespace(req.Config)
	if ln.checkpoints[namespace] == nil {
		ln.checkpoints[namespace] = make(map[string]*graph.CheckpointTuple)
	}
	if ln.writes[namespace] == nil {
		ln.writes[namespace] = make(map[string][]graph.PendingWrite)
	}

	// The returned config pins this checkpoint's ID so parent pointers of
	// later checkpoints resolve correctly.
	updatedConfig := graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, namespace)
	tuple := &graph.CheckpointTuple{
		Config:     updatedConfig,
		Checkpoint: req.Checkpoint.Copy(),
		Metadata:   req.Metadata,
	}
	if parentID := req.Checkpoint.ParentCheckpointID; parentID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, parentID, s.parentNamespace(ln, parentID))
	}
	ln.checkpoints[namespace][req.Checkpoint.ID] = tuple
	if len(req.PendingWrites) > 0 {
		ln.writes[namespace][req.Checkpoint.ID] = append([]graph.PendingWrite(nil), req.PendingWrites...)
	}
	s.evictOldest(ln, namespace)
	return updatedConfig, nil
}

// DeleteLineage removes all checkpoints for a lineage.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lineages, lineageID)
	return nil
}

// Close releases resources held by the saver.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lineages = make(map[string]*lineage)
	return nil
}

func (s *Saver) lineage(lineageID string) *lineage {
	ln, ok := s.lineages[lineageID]
	if !ok {
		ln = newLineage()
		s.lineages[lineageID] = ln
	}
	return ln
}

func (s *Saver) parentNamespace(ln *lineage, parentID string) string {
	for ns, checkpoints := range ln.checkpoints {
		if _, exists := checkpoints[parentID]; exists {
			return ns
		}
	}
	return ""
}

// evictOldest drops the oldest checkpoints beyond the retention limit.
func (s *Saver) evictOldest(ln *lineage, namespace string) {
	checkpoints := ln.checkpoints[namespace]
	if len(checkpoints) <= s.maxPerLinage {
		return
	}
	ids := make([]string, 0, len(checkpoints))
	for id := range checkpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return checkpoints[ids[i]].Checkpoint.Timestamp.Before(checkpoints[ids[j]].Checkpoint.Timestamp)
	})
	for _, id := range ids[:len(ids)-s.maxPerLinage] {
		delete(checkpoints, id)
		delete(ln.writes[namespace], id)
	}
}

// resultTuple builds an externally safe copy with pending writes attached.
func (ln *lineage) resultTuple(tuple *graph.CheckpointTuple, namespace string) *graph.CheckpointTuple {
	result := &graph.CheckpointTuple{
		Config:       tuple.Config,
		Checkpoint:   tuple.Checkpoint.Copy(),
		Metadata:     tuple.Metadata,
		ParentConfig: tuple.ParentConfig,
	}
	if writes, exists := ln.writes[namespace][tuple.Checkpoint.ID]; exists {
		result.PendingWrites = append([]graph.PendingWrite(nil), writes...)
	}
	return result
}

// latestTuple finds the newest checkpoint, searching all namespaces when
// namespace is empty.
func latestTuple(ln *lineage, namespace string) (*graph.CheckpointTuple, string) {
	var latest *graph.CheckpointTuple
	var latestNS string
	for ns, checkpoints := range ln.checkpoints {
		if namespace != "" && ns != namespace {
			continue
		}
		for _, tuple := range checkpoints {
			if tuple.Checkpoint == nil {
				continue
			}
			if latest == nil || tuple.Checkpoint.Timestamp.After(latest.Checkpoint.Timestamp) {
				latest = tuple
				latestNS = ns
			}
		}
	}
	return latest, latestNS
}

// findByID locates a checkpoint by ID, searching all namespaces when
// namespace is empty.
func findByID(ln *lineage, namespace, checkpointID string) (*graph.CheckpointTuple, string) {
	if namespace != "" {
		if checkpoints, ok := ln.checkpoints[namespace]; ok {
			if tuple, exists := checkpoints[checkpointID]; exists {
				return tuple, namespace
			}
		}
		return nil, ""
	}
	for ns, checkpoints := range ln.checkpoints {
		if tuple, exists := checkpoints[checkpointID]; exists {
			return tuple, ns
		}
	}
	return nil, ""
}

func passesFilter(
	tuple *graph.CheckpointTuple,
	checkpoints map[string]*graph.CheckpointTuple,
	filter *graph.CheckpointFilter,
) bool {
	if filter == nil {
		return true
	}
	if beforeID := graph.GetCheckpointID(filter.Before); beforeID != "" {
		beforeTuple, exists := checkpoints[beforeID]
		if !exists {
			return false
		}
		if !tuple.Checkpoint.Timestamp.Before(beforeTuple.Checkpoint.Timestamp) {
			return false
		}
	}
	if len(filter.Metadata) > 0 {
		if tuple.Metadata == nil || tuple.Metadata.Extra == nil {
			return false
		}
		for key, value := range filter.Metadata {
			if tuple.Metadata.Extra[key] != value {
				return false
			}
		}
	}
	return true
}
