package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestPoolRunsJobs(t *testing.T) {
	p := New(3, 16, time.Second, testLogger())
	startPool(t, p)

	var ran atomic.Int64
	for i := range 10 {
		require.True(t, p.Submit(fmt.Sprintf("k%d", i), func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	require.Eventually(t, func() bool { return ran.Load() == 10 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
	done, failed, _ := p.Stats()
	assert.Equal(t, int64(10), done)
	assert.Equal(t, int64(0), failed)
}

func TestPoolSkipsPendingKey(t *testing.T) {
	p := New(1, 4, 0, testLogger())
	block := make(chan struct{})
	startPool(t, p)

	require.True(t, p.Submit("a.example", func(context.Context) error { <-block; return nil }))
	assert.False(t, p.Submit("a.example", func(context.Context) error { return nil }), "already pending")
	close(block)
	require.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Submit("a.example", func(context.Context) error { return nil }))
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	p := New(1, 1, 0, testLogger())
	// Not started: the queue fills.
	assert.True(t, p.Submit("a", func(context.Context) error { return nil }))
	assert.False(t, p.Submit("b", func(context.Context) error { return nil }))
	assert.Equal(t, 1, p.Pending(), "rejected key is not left pending")
	_, _, rejected := p.Stats()
	assert.Equal(t, int64(1), rejected)
}

func TestPoolTimeoutAndPanic(t *testing.T) {
	p := New(2, 4, 10*time.Millisecond, testLogger())
	startPool(t, p)

	var sawDeadline atomic.Bool
	require.True(t, p.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	}))
	require.True(t, p.Submit("panics", func(context.Context) error { panic("boom") }))

	require.Eventually(t, func() bool { _, f, _ := p.Stats(); return f == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, sawDeadline.Load())
	require.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
}
