// Package worker provides the queue-consumer stages the pipelines are built
// from: an unbounded queue drained by N workers, and a batcher that groups
// items for bulk persistence.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const idlePollInterval = 10 * time.Millisecond

// HandlerFunc processes one queued item. A returned error (or a panic) is
// logged and counted; the stage keeps draining.
type HandlerFunc[T any] func(ctx context.Context, item T) error

// Option configures a Stage or Batcher.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	flushInterval time.Duration
}

// WithLogger overrides slog.Default for a stage.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFlushInterval makes a Batcher flush partial batches periodically.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) { o.flushInterval = d }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Stats is a point-in-time snapshot of a stage.
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Backlog   int    `json:"backlog"`
	InFlight  int64  `json:"in_flight"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Panics    int64  `json:"panics"`
	Completed bool   `json:"completed"`
}

// Stage drains a Queue with at most Workers concurrent handler invocations.
// Use one worker for ordered processing and more for independent work.
type Stage[T any] struct {
	name    string
	workers int
	handle  HandlerFunc[T]
	queue   *Queue[T]
	logger  *slog.Logger

	startOnce sync.Once
	started   atomic.Bool
	done      chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewStage creates a stage with its own queue.
func NewStage[T any](name string, workers int, handle HandlerFunc[T], opts ...Option) *Stage[T] {
	return Link(name, NewQueue[T](), workers, handle, opts...)
}

// Link creates a stage that consumes an existing queue. Items already in the
// queue are processed first once the stage starts.
func Link[T any](name string, q *Queue[T], workers int, handle HandlerFunc[T], opts ...Option) *Stage[T] {
	if handle == nil {
		panic("worker: handle must not be nil")
	}
	if workers < 1 {
		workers = 1
	}
	o := buildOptions(opts)
	return &Stage[T]{
		name:    name,
		workers: workers,
		handle:  handle,
		queue:   q,
		logger:  o.logger,
		done:    make(chan struct{}),
	}
}

// Start launches the workers. Cancelling ctx halts them after their current
// item; queued items are abandoned. Use Complete + WaitCompletion to drain.
func (s *Stage[T]) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		stop := context.AfterFunc(ctx, s.queue.Halt)

		var wg sync.WaitGroup
		wg.Add(s.workers)
		for i := 0; i < s.workers; i++ {
			go func() {
				defer wg.Done()
				for {
					item, ok := s.queue.Pop()
					if !ok {
						return
					}
					s.run(ctx, item)
				}
			}()
		}

		go func() {
			wg.Wait()
			stop()
			close(s.done)
		}()
	})
}

func (s *Stage[T]) run(ctx context.Context, item T) {
	defer s.queue.Ack()

	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.failed.Add(1)
			s.logger.Error("[Stage] Handler panicked", "stage", s.name, "panic", fmt.Sprint(r))
		}
	}()

	if err := s.handle(ctx, item); err != nil {
		s.failed.Add(1)
		s.logger.Error("[Stage] Handler failed", "stage", s.name, "error", err)
		return
	}
	s.processed.Add(1)
}

// Post enqueues item without blocking. It returns false after Complete.
func (s *Stage[T]) Post(item T) bool {
	return s.queue.Push(item)
}

// InputCount is the number of items waiting to be handled.
func (s *Stage[T]) InputCount() int {
	return s.queue.Len()
}

// Complete stops accepting input. Already queued items are still processed.
func (s *Stage[T]) Complete() {
	s.queue.Close()
}

// WaitCompletion blocks until every queued item has been handled after
// Complete, or until the workers were halted by context cancellation.
func (s *Stage[T]) WaitCompletion() {
	if !s.started.Load() {
		return
	}
	<-s.done
}

// Done is closed once all workers have exited.
func (s *Stage[T]) Done() <-chan struct{} {
	return s.done
}

// WaitIdle blocks until the queue is empty and no handler is running.
func (s *Stage[T]) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		if s.queue.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-ticker.C:
		}
	}
}

// Name returns the stage name.
func (s *Stage[T]) Name() string { return s.name }

// Stats returns the current counters.
func (s *Stage[T]) Stats() Stats {
	completed := false
	select {
	case <-s.done:
		completed = true
	default:
	}
	return Stats{
		Name:      s.name,
		Workers:   s.workers,
		Backlog:   s.queue.Len(),
		InFlight:  int64(s.queue.Active()),
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Panics:    s.panics.Load(),
		Completed: completed,
	}
}
