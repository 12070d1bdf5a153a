//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed store implementation. Values and
// embeddings are stored as JSON blobs; semantic scoring happens in process
// after the candidate rows are loaded.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"trpc.group/trpc-go/trpc-graph-go/store"
)

const defaultSearchLimit = 10

// The namespace column stores the path joined with the unit separator so
// prefix queries stay simple LIKE scans.
const nsSep = "\x1f"

const createItems = `CREATE TABLE IF NOT EXISTS store_items (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value_json BLOB NOT NULL,
	embedding_json BLOB,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER,
	PRIMARY KEY (namespace, key)
)`

// Store is a SQLite-backed implementation of store.Store.
type Store struct {
	db       *sql.DB
	ownedDB  bool
	embedder store.Embedder
}

var _ store.Store = (*Store)(nil)

// Option configures the store.
type Option func(*Store)

// WithEmbedder enables semantic search using the given embedder.
func WithEmbedder(embedder store.Embedder) Option {
	return func(s *Store) { s.embedder = embedder }
}

// NewStore creates a store on an existing DB handle and creates the schema
// if needed.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(createItems); err != nil {
		return nil, fmt.Errorf("create store_items table: %w", err)
	}
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open opens (or creates) a SQLite database at path and returns a store
// that owns the connection.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewStore(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownedDB = true
	return s, nil
}

// Get retrieves an item, honoring TTL lazily.
func (s *Store) Get(ctx context.Context, namespace []string, key string) (*store.Item, error) {
	if len(namespace) == 0 {
		return nil, store.ErrNamespaceRequired
	}
	if key == "" {
		return nil, store.ErrKeyRequired
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT value_json, created_at, updated_at, expires_at FROM store_items WHERE namespace = ? AND key = ?`,
		strings.Join(namespace, nsSep), key)
	var valueJSON []byte
	var createdAt, updatedAt int64
	var expiresAt sql.NullInt64
	if err := row.Scan(&valueJSON, &createdAt, &updatedAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("select item: %w", err)
	}
	item, err := buildItem(namespace, key, valueJSON, createdAt, updatedAt, expiresAt)
	if err != nil {
		return nil, err
	}
	if item.Expired(time.Now()) {
		return nil, store.ErrNotFound
	}
	return item, nil
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
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	var embeddingJSON []byte
	if s.embedder != nil && len(o.IndexFields) > 0 {
		if text := indexText(value, o.IndexFields); text != "" {
			vectors, err := s.embedder.Embed(ctx, []string{text})
			if err != nil {
				return fmt.Errorf("embed item: %w", err)
			}
			if len(vectors) > 0 {
				if embeddingJSON, err = json.Marshal(vectors[0]); err != nil {
					return fmt.Errorf("marshal embedding: %w", err)
				}
			}
		}
	}
	now := time.Now().UTC().UnixNano()
	var expiresAt any
	if o.TTL > 0 {
		expiresAt = time.Now().Add(o.TTL).UTC().UnixNano()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO store_items (namespace, key, value_json, embedding_json, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value_json = excluded.value_json,
			embedding_json = excluded.embedding_json,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		strings.Join(namespace, nsSep), key, valueJSON, embeddingJSON, now, now, expiresAt)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

// Delete removes an item.
func (s *Store) Delete(ctx context.Context, namespace []string, key string) error {
	if len(namespace) == 0 {
		return store.ErrNamespaceRequired
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM store_items WHERE namespace = ? AND key = ?`,
		strings.Join(namespace, nsSep), key)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// Search lists or semantically searches items under a namespace, including
// child namespaces.
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

	prefix := strings.Join(namespace, nsSep)
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace, key, value_json, embedding_json, created_at, updated_at, expires_at
		FROM store_items WHERE namespace = ? OR namespace LIKE ?`,
		prefix, prefix+nsSep+"%")
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var results []store.SearchResult
	for rows.Next() {
		var nsKey, key string
		var valueJSON, embeddingJSON []byte
		var createdAt, updatedAt int64
		var expiresAt sql.NullInt64
		if err := rows.Scan(&nsKey, &key, &valueJSON, &embeddingJSON, &createdAt, &updatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item, err := buildItem(strings.Split(nsKey, nsSep), key, valueJSON, createdAt, updatedAt, expiresAt)
		if err != nil {
			return nil, err
		}
		if item.Expired(now) || !matchesFilter(item, o.Filter) {
			continue
		}
		result := store.SearchResult{Item: item}
		if queryVec != nil && len(embeddingJSON) > 0 {
			var embedding []float64
			if err := json.Unmarshal(embeddingJSON, &embedding); err == nil {
				result.Score = cosineSimilarity(queryVec, embedding)
			}
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter items: %w", err)
	}

	if queryVec != nil {
		sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	} else {
		sort.Slice(results, func(i, j int) bool { return results[i].Item.UpdatedAt.After(results[j].Item.UpdatedAt) })
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
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM store_items ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("select namespaces: %w", err)
	}
	defer rows.Close()

	prefix := strings.Join(o.Prefix, nsSep)
	seen := make(map[string]bool)
	var keys []string
	for rows.Next() {
		var nsKey string
		if err := rows.Scan(&nsKey); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter namespaces: %w", err)
	}
	if o.Limit > 0 && len(keys) > o.Limit {
		keys = keys[:o.Limit]
	}
	namespaces := make([][]string, 0, len(keys))
	for _, k := range keys {
		namespaces = append(namespaces, strings.Split(k, nsSep))
	}
	return namespaces, nil
}

// Close releases the DB connection when the store owns it.
func (s *Store) Close() error {
	if s.ownedDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

func buildItem(
	namespace []string, key string, valueJSON []byte,
	createdAt, updatedAt int64, expiresAt sql.NullInt64,
) (*store.Item, error) {
	var value map[string]any
	if err := json.Unmarshal(valueJSON, &value); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	item := &store.Item{
		Namespace: namespace,
		Key:       key,
		Value:     value,
		CreatedAt: time.Unix(0, createdAt).UTC(),
		UpdatedAt: time.Unix(0, updatedAt).UTC(),
	}
	if expiresAt.Valid {
		item.ExpiresAt = time.Unix(0, expiresAt.Int64).UTC()
	}
	return item, nil
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
