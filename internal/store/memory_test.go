package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGet(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	err := s.Put(ctx, "key1", "value1", time.Minute)
	require.NoError(t, err)

	value, err := s.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", value)
}

func TestMemoryStore_Get_NotFound(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	_, err := s.Get(context.Background(), "missing")
	assert.Error(t, err)
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_Get_Expired(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	err := s.Put(ctx, "short-lived", "value", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = s.Get(ctx, "short-lived")
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_Put_NoExpiration(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	err := s.Put(ctx, "permanent", "value", 0)
	require.NoError(t, err)

	value, err := s.Get(ctx, "permanent")
	require.NoError(t, err)
	assert.Equal(t, "value", value)
}

func TestMemoryStore_Delete(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "key1", "value1", time.Minute))
	require.NoError(t, s.Delete(ctx, "key1"))

	_, err := s.Get(ctx, "key1")
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_Delete_Missing(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	assert.NoError(t, s.Delete(context.Background(), "missing"))
}

func TestMemoryStore_List(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "circuit:a:state", "1", time.Minute))
	require.NoError(t, s.Put(ctx, "circuit:b:state", "2", time.Minute))
	require.NoError(t, s.Put(ctx, "other:key", "3", time.Minute))

	keys, err := s.List(ctx, "circuit:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"circuit:a:state", "circuit:b:state"}, keys)
}

func TestMemoryStore_List_ExcludesExpired(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "prefix:live", "1", time.Minute))
	require.NoError(t, s.Put(ctx, "prefix:dead", "2", 5*time.Millisecond))

	time.Sleep(10 * time.Millisecond)

	keys, err := s.List(ctx, "prefix:")
	require.NoError(t, err)
	assert.Equal(t, []string{"prefix:live"}, keys)
}

func TestMemoryStore_IncrementWithExpiry(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	n, err := s.IncrementWithExpiry(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrementWithExpiry(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.IncrementWithExpiry(ctx, "counter", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestMemoryStore_IncrementWithExpiry_ResetsAfterExpiry(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	_, err := s.IncrementWithExpiry(ctx, "window", 1, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	n, err := s.IncrementWithExpiry(ctx, "window", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counter should restart the window")
}

func TestMemoryStore_IncrementWithExpiry_NonCounterValue(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "snapshot", `{"state":"closed"}`, time.Minute))

	_, err := s.IncrementWithExpiry(ctx, "snapshot", 1, time.Minute)
	assert.Error(t, err)
}

func TestMemoryStore_IncrementWithExpiry_Concurrent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	const goroutines = 20
	const increments = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				_, err := s.IncrementWithExpiry(ctx, "shared", 1, time.Minute)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	value, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", goroutines*increments), value)
}

func TestMemoryStore_ContextCancelled(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "key")
	assert.ErrorIs(t, err, context.Canceled)

	err = s.Put(ctx, "key", "value", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.IncrementWithExpiry(ctx, "key", 1, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_Close_Idempotent(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestMemoryStore_CleanupRemovesExpired(t *testing.T) {
	t.Parallel()

	s := NewMemoryStoreWithCleanupInterval(10 * time.Millisecond)
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "ephemeral", "value", 5*time.Millisecond))

	assert.Eventually(t, func() bool {
		_, loaded := s.data.Load("ephemeral")
		return !loaded
	}, time.Second, 10*time.Millisecond)
}
