//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/store"
)

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ns := []string{"users", "alice"}

	require.NoError(t, s.Put(ctx, ns, "profile",
		map[string]any{"city": "Shenzhen", "team": "infra"}))

	item, err := s.Get(ctx, ns, "profile")
	require.NoError(t, err)
	assert.Equal(t, ns, item.Namespace)
	assert.Equal(t, "Shenzhen", item.Value["city"])
	assert.False(t, item.CreatedAt.IsZero())
	assert.True(t, item.ExpiresAt.IsZero())

	_, err = s.Get(ctx, ns, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, nil, "profile")
	assert.ErrorIs(t, err, store.ErrNamespaceRequired)
	_, err = s.Get(ctx, ns, "")
	assert.ErrorIs(t, err, store.ErrKeyRequired)
}

func TestUpsertKeepsCreatedAt(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ns := []string{"users"}

	require.NoError(t, s.Put(ctx, ns, "k", map[string]any{"v": "1"}))
	first, err := s.Get(ctx, ns, "k")
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	require.NoError(t, s.Put(ctx, ns, "k", map[string]any{"v": "2"}))
	second, err := s.Get(ctx, ns, "k")
	require.NoError(t, err)

	assert.Equal(t, "2", second.Value["v"])
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
}

func TestTTLExpiresItems(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ns := []string{"cache"}

	require.NoError(t, s.Put(ctx, ns, "short", map[string]any{"v": "x"},
		store.WithTTL(time.Millisecond)))
	time.Sleep(5 * time.Millisecond)

	_, err := s.Get(ctx, ns, "short")
	assert.ErrorIs(t, err, store.ErrNotFound)

	results, err := s.Search(ctx, ns)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	ns := []string{"users"}

	require.NoError(t, s.Put(ctx, ns, "k", map[string]any{"v": "1"}))
	require.NoError(t, s.Delete(ctx, ns, "k"))
	require.NoError(t, s.Delete(ctx, ns, "k"))

	_, err := s.Get(ctx, ns, "k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSearchPrefixFilterAndPaging(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"users", "alice"}, "p",
		map[string]any{"lang": "go"}))
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Put(ctx, []string{"users", "bob"}, "p",
		map[string]any{"lang": "rust"}))
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Put(ctx, []string{"teams"}, "p",
		map[string]any{"lang": "go"}))

	under, err := s.Search(ctx, []string{"users"})
	require.NoError(t, err)
	require.Len(t, under, 2)
	// Newest first without a query.
	assert.Equal(t, []string{"users", "bob"}, under[0].Item.Namespace)

	filtered, err := s.Search(ctx, []string{"users"},
		store.WithFilter(map[string]any{"lang": "go"}))
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, []string{"users", "alice"}, filtered[0].Item.Namespace)

	paged, err := s.Search(ctx, []string{"users"},
		store.WithLimit(1), store.WithOffset(1))
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, []string{"users", "alice"}, paged[0].Item.Namespace)

	none, err := s.Search(ctx, []string{"users"}, store.WithOffset(10))
	require.NoError(t, err)
	assert.Empty(t, none)
}

type stubEmbedder struct {
	vectors map[string][]float64
}

func (e *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if vec, ok := e.vectors[text]; ok {
			out[i] = vec
		} else {
			out[i] = []float64{0, 0}
		}
	}
	return out, nil
}

func TestSemanticSearchRanksByScore(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float64{
		"graph execution engine": {1, 0},
		"cooking with cast iron": {0, 1},
		"engine":                 {1, 0.1},
	}}
	s := openStore(t, WithEmbedder(embedder))
	ctx := context.Background()
	ns := []string{"docs"}

	require.NoError(t, s.Put(ctx, ns, "graph",
		map[string]any{"text": "graph execution engine"},
		store.WithIndexFields("text")))
	require.NoError(t, s.Put(ctx, ns, "cooking",
		map[string]any{"text": "cooking with cast iron"},
		store.WithIndexFields("text")))

	results, err := s.Search(ctx, ns, store.WithQuery("engine"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "graph", results[0].Item.Key)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestListNamespaces(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"users", "alice"}, "k", map[string]any{"v": "1"}))
	require.NoError(t, s.Put(ctx, []string{"users", "bob"}, "k", map[string]any{"v": "1"}))
	require.NoError(t, s.Put(ctx, []string{"teams", "core"}, "k", map[string]any{"v": "1"}))

	all, err := s.ListNamespaces(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	users, err := s.ListNamespaces(ctx, store.WithPrefix("users"))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"users", "alice"}, {"users", "bob"}}, users)

	shallow, err := s.ListNamespaces(ctx, store.WithMaxDepth(1))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"teams"}, {"users"}}, shallow)

	limited, err := s.ListNamespaces(ctx, store.WithNamespaceLimit(1))
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
