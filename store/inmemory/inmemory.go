//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory store implementation with optional
// embedder-backed semantic search.
package inmemory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-graph-go/store"
)

const defaultSearchLimit = 10

// nsSep joins namespace segments into map keys. The unit separator never
// appears in reasonable namespace names.
const nsSep = "\x1f"

type entry struct {
	item      *store.Item
	embedding []float64
}

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu       sync.RWMutex
	items    map[string]map[string]*entry // namespace key -> item key -> entry
	embedder store.Embedder
}

var _ store.Store = (*Store)(nil)

// Option configures the store.
type Option func(*Store)

// WithEmbedder enables semantic search using the given embedder.
func WithEmbedder(embedder store.Embedder) Option {
	return func(s *Store) { s.embedder = embedder }
}

// NewStore creates a new in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{items: make(map[string]map[string]*entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves an item, honoring TTL lazily.
func (s *Store) Get(ctx context.Context, namespace []string, key string) (*store.Item, error) {
	if len(namespace) == 0 {
		return nil, store.ErrNamespaceRequired
	}
	if key == "" {
		return nil, store.ErrKeyRequired
	}
	s.mu.RLock()
	e := s.lookup(namespace, key)
	s.mu.RUnlock()
	if e == nil || e.item.Expired(time.Now()) {
		return nil, store.ErrNotFound
	}
	return cloneItem(e.item), nil
}

// Put stores or overwrites an item.
func (s *Store) Put(
	ctx context.Context, namespace []string, key string, value map[string]any, opts ...store.PutOption,
) error {
	if len(namespace) == 0 {
		return store.ErrNamespaceRequired
	}
	if key == "" {
		return store.ErrKeyRequired
	}
	o := &store.PutOptions{}
	for _, opt := range opts {
		opt(o)
	}
	var embedding []float64
	if s.embedder != nil && len(o.IndexFields) > 0 {
		text := indexText(value, o.IndexFields)
		if text != "" {
			vectors, err := s.embedder.Embed(ctx, []string{text})
			if err != nil {
				return fmt.Errorf("embed item: %w", err)
			}
			if len(vectors) > 0 {
				embedding = vectors[0]
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	nsKey := strings.Join(namespace, nsSep)
	bucket, ok := s.items[nsKey]
	if !ok {
		bucket = make(map[string]*entry)
		s.items[nsKey] = bucket
	}
	now := time.Now()
	item := &store.Item{
		Namespace: append([]string(nil), namespace...),
		Key:       key,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing, ok := bucket[key]; ok {
		item.CreatedAt = existing.item.CreatedAt
	}
	if o.TTL > 0 {
		item.ExpiresAt = now.Add(o.TTL)
	}
	bucket[key] = &entry{item: item, embedding: embedding}
	return nil
}

// Delete removes an item.
func (s *Store) Delete(ctx context.Context, namespace []string, key string) error {
	if len(namespace) == 0 {
		return store.ErrNamespaceRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nsKey := strings.Join(namespace, nsSep)
	if bucket, ok := s.items[nsKey]; ok {
		delete(bucket, key)
		if len(bucket) == 0 {
			delete(s.items, nsKey)
		}
	}
	return nil
}

// Search lists or semantically searches items under a namespace. Items in
// child namespaces are included.
func (s *Store) Search(
	ctx context.Context, namespace []string, opts ...store.SearchOption,
) ([]store.SearchResult, error) {
	o := &store.SearchOptions{Limit: defaultSearchLimit}
	for _, opt := range opts {
		opt(o)
	}
	if o.Limit <= 0 {
		o.Limit = defaultSearchLimit
	}

	var queryVec []float64
	if o.Query != "" && s.embedder != nil {
		vectors, err := s.embedder.Embed(ctx, []string{o.Query})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		if len(vectors) > 0 {
			queryVec = vectors[0]
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := strings.Join(namespace, nsSep)
	now := time.Now()
	var results []store.SearchResult
	for nsKey, bucket := range s.items {
		if prefix != "" && nsKey != prefix && !strings.HasPrefix(nsKey, prefix+nsSep) {
			continue
		}
		for _, e := range bucket {
			if e.item.Expired(now) || !matchesFilter(e.item, o.Filter) {
				continue
			}
			result := store.SearchResult{Item: cloneItem(e.item)}
			if queryVec != nil && e.embedding != nil {
				result.Score = cosineSimilarity(queryVec, e.embedding)
			}
			results = append(results, result)
		}
	}
	if queryVec != nil {
		sort.Slice(results, func(i, j int) bool {
			return results[i].Score > results[j].Score
		})
	} else {
		sort.Slice(results, func(i, j int) bool {
			return results[i].Item.UpdatedAt.After(results[j].Item.UpdatedAt)
		})
	}
	if o.Offset > 0 {
		if o.Offset >= len(results) {
			return nil, nil
		}
		results = results[o.Offset:]
	}
	if len(results) > o.Limit {
		results = results[:o.Limit]
	}
	return results, nil
}

// ListNamespaces enumerates namespace paths, sorted lexically.
func (s *Store) ListNamespaces(ctx context.Context, opts ...store.ListOption) ([][]string, error) {
	o := &store.ListOptions{}
	for _, opt := range opts {
		opt(o)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := strings.Join(o.Prefix, nsSep)
	seen := make(map[string]bool)
	var keys []string
	for nsKey := range s.items {
		if prefix != "" && nsKey != prefix && !strings.HasPrefix(nsKey, prefix+nsSep) {
			continue
		}
		if o.MaxDepth > 0 {
			parts := strings.Split(nsKey, nsSep)
			if len(parts) > o.MaxDepth {
				nsKey = strings.Join(parts[:o.MaxDepth], nsSep)
			}
		}
		if !seen[nsKey] {
			seen[nsKey] = true
			keys = append(keys, nsKey)
		}
	}
	sort.Strings(keys)
	if o.Limit > 0 && len(keys) > o.Limit {
		keys = keys[:o.Limit]
	}
	namespaces := make([][]string, 0, len(keys))
	for _, k := range keys {
		namespaces = append(namespaces, strings.Split(k, nsSep))
	}
	return namespaces, nil
}

// Close releases all stored data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]map[string]*entry)
	return nil
}

func (s *Store) lookup(namespace []string, key string) *entry {
	bucket, ok := s.items[strings.Join(namespace, nsSep)]
	if !ok {
		return nil
	}
	return bucket[key]
}

func cloneItem(item *store.Item) *store.Item {
	clone := *item
	clone.Namespace = append([]string(nil), item.Namespace...)
	clone.Value = make(map[string]any, len(item.Value))
	for k, v := range item.Value {
		clone.Value[k] = v
	}
	return &clone
}

func matchesFilter(item *store.Item, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := item.Value[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// indexText concatenates the selected string fields for embedding.
func indexText(value map[string]any, fields []string) string {
	var parts []string
	for _, field := range fields {
		if text, ok := value[field].(string); ok && text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
