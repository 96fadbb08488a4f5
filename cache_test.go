package btfile

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheHitsAndMisses(t *testing.T) {
	t.Parallel()
	tree, _ := setup(t, 8, 2, WithCacheSize(64))

	for c := byte('a'); c <= 'z'; c++ {
		_, err := tree.Put([]byte{c}, uint64(c))
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		for c := byte('a'); c <= 'z'; c++ {
			value, err := tree.Get([]byte{c})
			require.NoError(t, err)
			require.Equal(t, uint64(c), value)
		}
	}

	hits, _, _ := tree.CacheStats()
	assert.Positive(t, hits, "repeated descents should hit the cache")
}

func TestCacheDisabled(t *testing.T) {
	t.Parallel()
	tree, path := setup(t, 8, 2, WithCacheSize(0))
	require.Nil(t, tree.drv.cache)

	for c := byte('a'); c <= 'z'; c++ {
		_, err := tree.Put([]byte{c}, uint64(c))
		require.NoError(t, err)
	}
	for c := byte('a'); c <= 'z'; c++ {
		value, err := tree.Get([]byte{c})
		require.NoError(t, err)
		require.Equal(t, uint64(c), value)
	}

	hits, misses, evictions := tree.CacheStats()
	assert.Zero(t, hits)
	assert.Zero(t, misses)
	assert.Zero(t, evictions)

	checkInvariants(t, tree, path)
}

// A tiny cache under churn exercises eviction, the clone-on-get/put
// discipline, and invalidation when the free stack writes into a
// cached node body. The shadow map catches any staleness.
func TestCacheCoherenceUnderChurn(t *testing.T) {
	t.Parallel()
	tree, path := setup(t, 8, 2, WithCacheSize(MinCacheSize))

	rng := rand.New(rand.NewSource(7))
	shadow := make(map[string]uint64)
	for i := 0; i < 4000; i++ {
		key := []byte(fmt.Sprintf("k%03d", rng.Intn(300)))
		if rng.Intn(3) == 0 {
			value, err := tree.Remove(key)
			if want, ok := shadow[string(key)]; ok {
				require.NoError(t, err)
				require.Equal(t, want, value)
				delete(shadow, string(key))
			} else {
				require.ErrorIs(t, err, ErrKeyNotFound)
			}
		} else {
			value := rng.Uint64()
			_, err := tree.Put(key, value)
			require.NoError(t, err)
			shadow[string(key)] = value
		}
	}

	for key, want := range shadow {
		got, err := tree.Get([]byte(key))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	checkInvariants(t, tree, path)

	_, _, evictions := tree.CacheStats()
	assert.Positive(t, evictions, "churn at MinCacheSize should evict")
}

func TestCacheMatchesUncachedReads(t *testing.T) {
	t.Parallel()

	cached, _ := setup(t, 8, 3, WithCacheSize(128))
	uncached, _ := setup(t, 8, 3, WithCacheSize(0))

	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("k%04d", rng.Intn(800)))
		value := rng.Uint64()

		addedCached, err := cached.Put(key, value)
		require.NoError(t, err)
		addedUncached, err := uncached.Put(key, value)
		require.NoError(t, err)
		require.Equal(t, addedUncached, addedCached)
	}

	require.Equal(t, uncached.Size(), cached.Size())
	for i := 0; i < 800; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		wantValue, wantErr := uncached.Get(key)
		gotValue, gotErr := cached.Get(key)
		require.Equal(t, wantErr, gotErr)
		require.Equal(t, wantValue, gotValue)
	}
}

func TestHashNodeIndex(t *testing.T) {
	t.Parallel()

	// Deterministic, and spreads neighboring indexes.
	assert.Equal(t, hashNodeIndex(42), hashNodeIndex(42))
	assert.NotEqual(t, hashNodeIndex(1), hashNodeIndex(2))
}
