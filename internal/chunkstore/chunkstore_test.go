package chunkstore

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/internal/identity"
)

func newTestStore(t *testing.T, encrypted bool) *Store {
	t.Helper()
	opts := Options{CacheEntries: 8}
	if encrypted {
		key := [32]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
			17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}
		opts.MasterKey = &key
	}
	s, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	return s
}

func TestPutGet(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		s := newTestStore(t, encrypted)
		ctx := context.Background()
		data := []byte("the quick brown fox jumps over the lazy dog")
		id := identity.FromContent(data)

		require.NoError(t, s.Put(ctx, id, data))
		assert.True(t, s.Has(id))

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestPutRejectsHashMismatch(t *testing.T) {
	s := newTestStore(t, false)
	id := identity.FromContent([]byte("original"))

	err := s.Put(context.Background(), id, []byte("forged"))
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.False(t, s.Has(id))
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t, false)
	_, err := s.Get(context.Background(), identity.Random())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetDetectsCorruption(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()
	data := []byte("payload that will be damaged on disk")
	id := identity.FromContent(data)
	require.NoError(t, s.Put(ctx, id, data))

	raw, err := os.ReadFile(s.path(id))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(s.path(id), raw, 0644))

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestDeleteAndList(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()

	a := []byte("chunk a")
	b := []byte("chunk b")
	require.NoError(t, s.Put(ctx, identity.FromContent(a), a))
	require.NoError(t, s.Put(ctx, identity.FromContent(b), b))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []identity.ID{identity.FromContent(a), identity.FromContent(b)}, ids)

	require.NoError(t, s.Delete(ctx, identity.FromContent(a)))
	require.NoError(t, s.Delete(ctx, identity.FromContent(a)))
	_, err = s.Get(ctx, identity.FromContent(a))
	assert.ErrorIs(t, err, ErrNotFound)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Chunks)
	assert.Positive(t, st.Bytes)
}

func TestConcurrentPutSameChunk(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()
	data := []byte("identical content for all goroutines")
	id := identity.FromContent(data)

	const goroutines = 16
	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			errs[idx] = s.Put(ctx, id, data)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "goroutine %d failed", i)
	}
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestVolumeStats(t *testing.T) {
	total, used, available, err := VolumeStats(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, total, int64(0))
	assert.GreaterOrEqual(t, used, int64(0))
	assert.LessOrEqual(t, available, total)

	_, _, _, err = VolumeStats("/nonexistent/vaultmesh/path")
	assert.Error(t, err)
}

func TestEffectiveCapacityIsCappedByVolume(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()

	assert.Equal(t, int64(1<<20), s.EffectiveCapacity(ctx, 1<<20), "small limits fit on the volume")

	_, _, available, err := VolumeStats(s.dir)
	require.NoError(t, err)
	huge := int64(1) << 62
	offered := s.EffectiveCapacity(ctx, huge)
	assert.Less(t, offered, huge)
	assert.GreaterOrEqual(t, offered, available/2)
}
