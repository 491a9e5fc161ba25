package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by TryEnqueue when the buffer has no free slot.
var ErrQueueFull = errors.New("queue full")

// ErrQueueStopped is returned when enqueueing on a queue that is not running.
var ErrQueueStopped = errors.New("queue not running")

// Handler processes one item.
type Handler[T any] func(context.Context, T) error

// QueueConfig configures the worker pool. MaxRetries below zero disables
// retries; zero means three. Retries back off exponentially from RetryDelay.
type QueueConfig[T any] struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
	// OnDrop is called for items that exhausted their retries.
	OnDrop func(T, error)
}

type entry[T any] struct {
	item    T
	attempt int
}

// Queue is an in-memory dispatcher backed by a fixed goroutine pool. Items
// are processed at most once per attempt; nothing survives a restart.
type Queue[T any] struct {
	name    string
	handler Handler[T]
	cfg     QueueConfig[T]
	logger  *zap.Logger

	items  chan entry[T]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewQueue builds a queue that feeds handler.
func NewQueue[T any](name string, handler Handler[T], cfg QueueConfig[T]) *Queue[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 4
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Queue[T]{
		name:    name,
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("queue", name)),
		items:   make(chan entry[T], cfg.BufferSize),
	}
}

// Start launches the workers. Calling it on a running queue does nothing.
func (q *Queue[T]) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx != nil {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(q.cfg.Workers)
	for i := 0; i < q.cfg.Workers; i++ {
		go q.work(q.ctx)
	}
	q.logger.Info("queue started", zap.Int("workers", q.cfg.Workers))
}

// Stop cancels the workers and waits for in-flight items. Buffered items are discarded.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	if q.ctx == nil {
		q.mu.Unlock()
		return
	}
	q.cancel()
	q.ctx = nil
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("queue stopped", zap.Int("discarded", len(q.items)))
}

// Enqueue adds item, blocking while the buffer is full.
func (q *Queue[T]) Enqueue(item T) error {
	ctx, err := q.running()
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("queue %s: %w", q.name, ErrQueueStopped)
	case q.items <- entry[T]{item: item}:
		return nil
	}
}

// TryEnqueue adds item without blocking and returns ErrQueueFull when the buffer is saturated.
func (q *Queue[T]) TryEnqueue(item T) error {
	return q.offer(entry[T]{item: item})
}

// Pending reports the number of buffered items.
func (q *Queue[T]) Pending() int {
	return len(q.items)
}

func (q *Queue[T]) offer(e entry[T]) error {
	ctx, err := q.running()
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("queue %s: %w", q.name, ErrQueueStopped)
	case q.items <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue[T]) running() (context.Context, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx == nil {
		return nil, fmt.Errorf("queue %s: %w", q.name, ErrQueueStopped)
	}
	return q.ctx, nil
}

func (q *Queue[T]) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q.items:
			if err := q.handler(ctx, e.item); err != nil {
				q.retry(ctx, e, err)
			}
		}
	}
}

// retry schedules e again after backoff, or drops it once retries run out.
func (q *Queue[T]) retry(ctx context.Context, e entry[T], cause error) {
	e.attempt++
	if q.cfg.MaxRetries < 0 || e.attempt > q.cfg.MaxRetries {
		q.logger.Error("item dropped", zap.Int("attempt", e.attempt), zap.Error(cause))
		if q.cfg.OnDrop != nil {
			q.cfg.OnDrop(e.item, cause)
		}
		return
	}

	delay := q.cfg.RetryDelay << (e.attempt - 1)
	q.logger.Warn("item failed, retrying", zap.Int("attempt", e.attempt), zap.Duration("delay", delay), zap.Error(cause))
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			if err := q.offer(e); err != nil {
				q.logger.Error("failed to requeue item", zap.Error(err))
				if q.cfg.OnDrop != nil {
					q.cfg.OnDrop(e.item, err)
				}
			}
		}
	}()
}
