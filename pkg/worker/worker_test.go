package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerManager_ProcessesJobs(t *testing.T) {
	w := NewWorkerManager(16, 4, nil)

	var sum atomic.Int64
	var wg sync.WaitGroup
	w.SetWorker(func(_ int, job interface{}) {
		sum.Add(int64(job.(int)))
		wg.Done()
	})

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	for i := 1; i <= 10; i++ {
		wg.Add(1)
		require.True(t, w.Enqueue(context.Background(), i))
	}
	wg.Wait()
	assert.Equal(t, int64(55), sum.Load())

	w.Exit()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("workers did not stop")
	}

	assert.False(t, w.Enqueue(context.Background(), 11))
}

func TestWorkerManager_StopsOnContext(t *testing.T) {
	w := NewWorkerManager(1, 2, nil)
	w.SetWorker(func(int, interface{}) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestWorkerManager_RequiresHandler(t *testing.T) {
	w := NewWorkerManager(1, 1, nil)
	assert.Error(t, w.Start(context.Background()))
}

func TestWorkerManager_UnreadCount(t *testing.T) {
	w := NewWorkerManager(4, 1, nil)
	assert.Equal(t, int64(0), w.GetUnreadCount())

	require.True(t, w.Enqueue(context.Background(), 1))
	require.True(t, w.Enqueue(context.Background(), 2))
	assert.Equal(t, int64(2), w.GetUnreadCount())
}
