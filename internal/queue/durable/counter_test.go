package durable

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter_StartsAtZero(t *testing.T) {
	c := NewCounter(NewMemoryStore(), "crawler")

	value, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), value)
}

func TestCounter_Monotonic(t *testing.T) {
	c := NewCounter(NewMemoryStore(), "crawler")
	ctx := context.Background()

	for want := uint64(0); want < 10; want++ {
		got, err := c.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCounter_ScopedPerQueue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	crawler := NewCounter(store, "crawler")
	tagging := NewCounter(store, "tagging")

	v1, err := crawler.Next(ctx)
	require.NoError(t, err)
	v2, err := tagging.Next(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), v1)
	assert.Equal(t, uint64(0), v2, "counters must not share state across queues")
}

func TestCounter_ConcurrentNoDuplicates(t *testing.T) {
	c := NewCounter(NewMemoryStore(), "crawler")
	ctx := context.Background()

	const n = 50
	values := make([]uint64, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Next(ctx)
			require.NoError(t, err)
			values[i] = v
		}(i)
	}
	wg.Wait()

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i := 0; i < n; i++ {
		assert.Equal(t, uint64(i), values[i], "each value must be issued exactly once")
	}
}

func TestMemoryStore_UpdateError(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Update(context.Background(), "k", func(current []byte) ([]byte, error) {
		return nil, assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	// A failed update must not change the stored value.
	result, err := store.Update(context.Background(), "k", func(current []byte) ([]byte, error) {
		assert.Nil(t, current)
		return []byte("v"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), result)
}
