//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package store defines long-term key-value storage shared across lineages.
// Unlike checkpoints, which capture the state of one thread of execution,
// the store holds facts that outlive any single run, organized under
// hierarchical namespaces.
package store

import (
	"context"
	"errors"
	"time"
)

// Errors.
var (
	// ErrNamespaceRequired is returned when an operation is missing its
	// namespace.
	ErrNamespaceRequired = errors.New("namespace is required")
	// ErrKeyRequired is returned when an operation is missing its key.
	ErrKeyRequired = errors.New("key is required")
	// ErrNotFound is returned when the requested item does not exist.
	ErrNotFound = errors.New("item not found")
)

// Item is a stored value with its identity and lifecycle timestamps.
type Item struct {
	// Namespace is the hierarchical path the item lives under.
	Namespace []string `json:"namespace"`
	// Key is the item identifier within the namespace.
	Key string `json:"key"`
	// Value is the stored document.
	Value map[string]any `json:"value"`
	// CreatedAt is when the item was first stored.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the item was last overwritten.
	UpdatedAt time.Time `json:"updated_at"`
	// ExpiresAt is when the item lapses, zero for no TTL.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the item's TTL has lapsed at the given time.
func (i *Item) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// SearchResult is an item with its relevance score. Score is only
// meaningful for semantic queries; plain listings leave it zero.
type SearchResult struct {
	Item  *Item   `json:"item"`
	Score float64 `json:"score"`
}

// Embedder turns text into vectors for semantic search. Implementations
// typically wrap an embedding model endpoint.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// PutOptions configures a Put operation.
type PutOptions struct {
	// TTL expires the item after the duration; 0 stores it forever.
	TTL time.Duration
	// IndexFields lists the string fields of the value to embed for
	// semantic search. Empty means no indexing.
	IndexFields []string
}

// PutOption configures a single Put.
type PutOption func(*PutOptions)

// WithTTL sets the item's time to live.
func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) { o.TTL = ttl }
}

// WithIndexFields selects value fields to embed for semantic search.
func WithIndexFields(fields ...string) PutOption {
	return func(o *PutOptions) { o.IndexFields = fields }
}

// SearchOptions configures a Search operation.
type SearchOptions struct {
	// Query is the semantic query text; empty lists items by recency.
	Query string
	// Filter requires exact matches on value fields.
	Filter map[string]any
	// Limit caps the number of results; 0 uses the implementation default.
	Limit int
	// Offset skips results for paging.
	Offset int
}

// SearchOption configures a single Search.
type SearchOption func(*SearchOptions)

// WithQuery sets the semantic query text.
func WithQuery(query string) SearchOption {
	return func(o *SearchOptions) { o.Query = query }
}

// WithFilter requires exact matches on value fields.
func WithFilter(filter map[string]any) SearchOption {
	return func(o *SearchOptions) { o.Filter = filter }
}

// WithLimit caps the number of results.
func WithLimit(limit int) SearchOption {
	return func(o *SearchOptions) { o.Limit = limit }
}

// WithOffset skips results for paging.
func WithOffset(offset int) SearchOption {
	return func(o *SearchOptions) { o.Offset = offset }
}

// ListOptions configures a ListNamespaces operation.
type ListOptions struct {
	// Prefix restricts results to namespaces under this path.
	Prefix []string
	// MaxDepth truncates namespaces deeper than this; 0 for no limit.
	MaxDepth int
	// Limit caps the number of namespaces returned.
	Limit int
}

// ListOption configures a single ListNamespaces.
type ListOption func(*ListOptions)

// WithPrefix restricts results to namespaces under the path.
func WithPrefix(prefix ...string) ListOption {
	return func(o *ListOptions) { o.Prefix = prefix }
}

// WithMaxDepth truncates namespaces deeper than the given depth.
func WithMaxDepth(depth int) ListOption {
	return func(o *ListOptions) { o.MaxDepth = depth }
}

// WithNamespaceLimit caps the number of namespaces returned.
func WithNamespaceLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// Store is long-term storage shared across lineages.
type Store interface {
	// Get retrieves an item, or ErrNotFound.
	Get(ctx context.Context, namespace []string, key string) (*Item, error)
	// Put stores or overwrites an item.
	Put(ctx context.Context, namespace []string, key string, value map[string]any, opts ...PutOption) error
	// Delete removes an item. Deleting a missing item is not an error.
	Delete(ctx context.Context, namespace []string, key string) error
	// Search lists or semantically searches items under a namespace.
	Search(ctx context.Context, namespace []string, opts ...SearchOption) ([]SearchResult, error)
	// ListNamespaces enumerates namespace paths.
	ListNamespaces(ctx context.Context, opts ...ListOption) ([][]string, error)
	// Close releases resources held by the store.
	Close() error
}
