package store

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name string `json:"name"`
	Seq  uint64 `json:"seq"`
}

func TestBucketPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer func() { _ = s.Close() }()

	b := s.Bucket("maid")
	require.NoError(t, b.Put(ctx, "abc", record{Name: "a", Seq: 3}))

	var got record
	require.NoError(t, b.Get(ctx, "abc", &got))
	assert.Equal(t, record{Name: "a", Seq: 3}, got)

	has, err := b.Has(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, b.Delete(ctx, "abc"))
	assert.ErrorIs(t, b.Get(ctx, "abc", &got), ErrNotFound)

	// deleting twice is fine
	require.NoError(t, b.Delete(ctx, "abc"))
}

func TestBucketsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.Bucket("data").Put(ctx, "k", record{Name: "data"}))
	require.NoError(t, s.Bucket("pmid").Put(ctx, "k", record{Name: "pmid"}))

	var got record
	require.NoError(t, s.Bucket("data").Get(ctx, "k", &got))
	assert.Equal(t, "data", got.Name)

	var keys []string
	require.NoError(t, s.Bucket("pmid").ForEach(ctx, func(key string, data []byte) error {
		keys = append(keys, key)
		var r record
		require.NoError(t, json.Unmarshal(data, &r))
		assert.Equal(t, "pmid", r.Name)
		return nil
	}))
	assert.Equal(t, []string{"k"}, keys)
}

func TestLevelDBSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	b := s.Bucket("version")
	require.NoError(t, b.Put(ctx, "one", record{Name: "one", Seq: 1}))
	require.NoError(t, b.Put(ctx, "two", record{Name: "two", Seq: 2}))
	require.NoError(t, b.Sync(ctx))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var keys []string
	require.NoError(t, s.Bucket("version").ForEach(ctx, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}))
	sort.Strings(keys)
	assert.Equal(t, []string{"one", "two"}, keys)
}
