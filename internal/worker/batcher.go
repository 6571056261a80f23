package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BatchFunc persists one batch. Failure applies to the whole batch.
type BatchFunc[T any] func(ctx context.Context, batch []T) error

// BatchStats is a snapshot of a Batcher. Success and Failed count items,
// not batches.
type BatchStats struct {
	Name            string `json:"name"`
	BatchSize       int    `json:"batch_size"`
	Workers         int    `json:"workers"`
	Pending         int    `json:"pending"`
	Backlog         int    `json:"backlog"`
	Batches         int64  `json:"batches"`
	Success         int64  `json:"success"`
	Failed          int64  `json:"failed"`
	LastBatchFailed bool   `json:"last_batch_failed"`
}

// Batcher accumulates items into fixed-size batches and hands each full batch
// to a Stage with N workers. Flush dispatches a partial batch immediately.
type Batcher[T any] struct {
	name      string
	batchSize int
	stage     *Stage[[]T]
	persist   BatchFunc[T]
	logger    *slog.Logger
	interval  time.Duration

	mu     sync.Mutex
	buf    []T
	closed bool

	batches    atomic.Int64
	success    atomic.Int64
	failed     atomic.Int64
	lastFailed atomic.Bool

	startOnce sync.Once
	started   atomic.Bool
	loopDone  chan struct{}
	stopLoop  chan struct{}
}

// NewBatcher creates a batcher. batchSize and workers are clamped to >= 1.
func NewBatcher[T any](name string, batchSize, workers int, persist BatchFunc[T], opts ...Option) *Batcher[T] {
	if persist == nil {
		panic("worker: persist must not be nil")
	}
	if batchSize < 1 {
		batchSize = 1
	}
	o := buildOptions(opts)
	b := &Batcher[T]{
		name:      name,
		batchSize: batchSize,
		persist:   persist,
		logger:    o.logger,
		interval:  o.flushInterval,
		buf:       make([]T, 0, batchSize),
		loopDone:  make(chan struct{}),
		stopLoop:  make(chan struct{}),
	}
	b.stage = NewStage(name, workers, b.handleBatch, WithLogger(o.logger))
	return b
}

func (b *Batcher[T]) handleBatch(ctx context.Context, batch []T) (err error) {
	b.batches.Add(1)
	defer func() {
		if r := recover(); r != nil {
			b.recordFailure(len(batch), fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	if err := b.persist(ctx, batch); err != nil {
		b.recordFailure(len(batch), err)
		return fmt.Errorf("persist batch of %d: %w", len(batch), err)
	}
	b.success.Add(int64(len(batch)))
	b.lastFailed.Store(false)
	return nil
}

func (b *Batcher[T]) recordFailure(n int, err error) {
	b.failed.Add(int64(n))
	b.lastFailed.Store(true)
	b.logger.Warn("[Batcher] Batch dropped after persistence failure",
		"stage", b.name,
		"batch_size", n,
		"error", err,
	)
}

// Start launches the workers and, when configured, the periodic flush loop.
func (b *Batcher[T]) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		b.started.Store(true)
		b.stage.Start(ctx)
		if b.interval <= 0 {
			close(b.loopDone)
			return
		}
		go b.flushLoop(ctx)
	})
}

func (b *Batcher[T]) flushLoop(ctx context.Context) {
	defer close(b.loopDone)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopLoop:
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

// Post adds item to the current batch, dispatching it once full. It returns
// false after Complete.
func (b *Batcher[T]) Post(item T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.buf = append(b.buf, item)
	if len(b.buf) >= b.batchSize {
		// Dispatch under the lock so Complete cannot close the stage between
		// taking the batch and queueing it.
		b.stage.Post(b.buf)
		b.buf = make([]T, 0, b.batchSize)
	}
	b.mu.Unlock()
	return true
}

// Flush dispatches the held partial batch, if any.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return
	}
	b.stage.Post(b.buf)
	b.buf = make([]T, 0, b.batchSize)
}

// InputCount is the number of dispatched batches still waiting for a worker.
func (b *Batcher[T]) InputCount() int {
	return b.stage.InputCount()
}

// WaitIdle flushes and waits until every dispatched batch has been persisted.
func (b *Batcher[T]) WaitIdle(ctx context.Context) error {
	b.Flush()
	return b.stage.WaitIdle(ctx)
}

// Complete flushes the held batch and stops accepting items.
func (b *Batcher[T]) Complete() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if len(b.buf) > 0 {
		b.stage.Post(b.buf)
	}
	b.buf = nil
	b.mu.Unlock()

	close(b.stopLoop)
	b.stage.Complete()
}

// WaitCompletion blocks until all batches posted before Complete are persisted.
func (b *Batcher[T]) WaitCompletion() {
	if !b.started.Load() {
		return
	}
	b.stage.WaitCompletion()
	<-b.loopDone
}

// Stats returns the current counters.
func (b *Batcher[T]) Stats() BatchStats {
	b.mu.Lock()
	pending := len(b.buf)
	b.mu.Unlock()

	st := b.stage.Stats()
	return BatchStats{
		Name:            b.name,
		BatchSize:       b.batchSize,
		Workers:         st.Workers,
		Pending:         pending,
		Backlog:         st.Backlog + int(st.InFlight),
		Batches:         b.batches.Load(),
		Success:         b.success.Load(),
		Failed:          b.failed.Load(),
		LastBatchFailed: b.lastFailed.Load(),
	}
}
