package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueProcessesItems(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []int
	)
	q := NewQueue("test", func(_ context.Context, n int) error {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil
	}, QueueConfig[int]{Workers: 2, BufferSize: 8})
	q.Start(context.Background())
	defer q.Stop()

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 5
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, seen)
	mu.Unlock()
}

func TestQueueRetriesThenDrops(t *testing.T) {
	var attempts int32
	dropped := make(chan string, 1)
	q := NewQueue("retry", func(context.Context, string) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("boom")
	}, QueueConfig[string]{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		OnDrop:     func(item string, _ error) { dropped <- item },
	})
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.TryEnqueue("evt-1"))
	select {
	case item := <-dropped:
		assert.Equal(t, "evt-1", item)
	case <-time.After(2 * time.Second):
		t.Fatal("item was never dropped")
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestQueueFullAndStopped(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue("full", func(ctx context.Context, _ int) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}, QueueConfig[int]{Workers: 1, BufferSize: 1, MaxRetries: -1})

	assert.ErrorIs(t, q.TryEnqueue(1), ErrQueueStopped)

	q.Start(context.Background())
	require.NoError(t, q.TryEnqueue(1))
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.TryEnqueue(2))
	assert.ErrorIs(t, q.TryEnqueue(3), ErrQueueFull)

	close(block)
	q.Stop()
	q.Stop()
	assert.ErrorIs(t, q.Enqueue(4), ErrQueueStopped)
}
