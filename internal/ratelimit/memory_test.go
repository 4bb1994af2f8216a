package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := NewMemoryLimiter(10, 3)
	defer func() { _ = m.Close() }()
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	ctx := context.Background()
	for i := range 3 {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, _ := m.Allow(ctx, "k1")
	assert.False(t, ok, "burst exhausted")

	now = now.Add(150 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k1")
	assert.True(t, ok, "one token refilled")

	ok, _ = m.Allow(ctx, "k2")
	assert.True(t, ok, "keys are independent")
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(0.001, 50)
	defer func() { _ = m.Close() }()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if ok, _ := m.Allow(context.Background(), "shared"); ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryLimiterEviction(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer func() { _ = m.Close() }()
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, _ = m.Allow(context.Background(), "stale")
	now = now.Add(15 * time.Minute)
	_, _ = m.Allow(context.Background(), "recent")
	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "recent")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		ok, err := l.Allow(context.Background(), "any")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, l.Close())
}
