// Package branch implements the time-window state machine every pipeline runs
// its records through.
//
// A Branch owns two queues. The current queue holds records inside the active
// window and is drained by a single consumer goroutine; the next queue stages
// records that already belong to a later window. SwitchBranch promotes the
// next queue to current under the write lock, so a concurrent Post lands
// either in the old window (drained before the old handler closes) or in the
// new one. Records older than the window are counted and dropped.
package branch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	"github.com/aevon-lab/trafficwatch/internal/worker"
)

var (
	ErrNotOpen     = errors.New("branch is not open")
	ErrAlreadyOpen = errors.New("branch is already open")
)

// Handler processes the records of one window. Handle is only ever called
// from one goroutine at a time.
type Handler[T v1.Record] interface {
	Handle(ctx context.Context, rec T) error
	// TriggerSave pushes out held output batches without waiting for their
	// size or time threshold.
	TriggerSave(ctx context.Context) error
	// Close flushes partial state once the window has drained.
	Close(ctx context.Context) error
}

// Processor builds the per-window sub-pipeline.
type Processor[T v1.Record] interface {
	OpenWindow(ctx context.Context, w Window) (Handler[T], error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T v1.Record] func(ctx context.Context, w Window) (Handler[T], error)

func (f ProcessorFunc[T]) OpenWindow(ctx context.Context, w Window) (Handler[T], error) {
	return f(ctx, w)
}

// Branch routes records of one data stream into time windows.
type Branch[T v1.Record] struct {
	name   string
	proc   Processor[T]
	logger *slog.Logger

	// mu guards every field below. Post holds the read side while it
	// classifies and enqueues; Open, SwitchBranch and Close hold the write side.
	mu       sync.RWMutex
	open     bool
	runCtx   context.Context
	window   Window
	current  *worker.Queue[T]
	next     *worker.Queue[T]
	consumer *worker.Stage[T]
	handler  Handler[T]

	total    atomic.Int64
	early    atomic.Int64
	late     atomic.Int64
	rejected atomic.Int64
	switches atomic.Int64
}

// Option configures a Branch.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a closed branch.
func New[T v1.Record](name string, proc Processor[T], opts ...Option) *Branch[T] {
	if proc == nil {
		panic("branch: processor must not be nil")
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Branch[T]{name: name, proc: proc, logger: o.logger}
}

// Open builds the first window handler and starts its consumer. ctx bounds
// the lifetime of every consumer the branch starts.
func (b *Branch[T]) Open(ctx context.Context, w Window) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		return ErrAlreadyOpen
	}
	h, err := b.proc.OpenWindow(ctx, w)
	if err != nil {
		return fmt.Errorf("open window %s: %w", w, err)
	}

	b.runCtx = ctx
	b.window = w
	b.handler = h
	b.current = worker.NewQueue[T]()
	b.next = worker.NewQueue[T]()
	b.consumer = b.link(b.current, h)
	b.open = true

	b.logger.Info("[Branch] Opened", "branch", b.name, "window", w.String())
	return nil
}

func (b *Branch[T]) link(q *worker.Queue[T], h Handler[T]) *worker.Stage[T] {
	s := worker.Link(b.name, q, 1, h.Handle, worker.WithLogger(b.logger))
	s.Start(b.runCtx)
	return s
}

// Post classifies rec exactly once and enqueues it. It is safe for concurrent
// use, including while SwitchBranch runs.
func (b *Branch[T]) Post(rec T) Route {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.open {
		b.rejected.Add(1)
		return RouteRejected
	}
	b.total.Add(1)

	if b.window.IsUnbounded() {
		b.current.Push(rec)
		return RouteCurrent
	}

	ts := rec.Timestamp()
	switch {
	case ts.Before(b.window.Min):
		b.late.Add(1)
		b.logger.Warn("[Branch] Dropping late record",
			"branch", b.name,
			"entity", rec.EntityKey(),
			"record_time", ts,
			"window", b.window.String(),
		)
		return RouteLate
	case !ts.Before(b.window.Max):
		b.early.Add(1)
		b.next.Push(rec)
		return RouteNext
	default:
		b.current.Push(rec)
		return RouteCurrent
	}
}

// SwitchBranch moves the branch to [min, max). The old consumer stops
// accepting work but keeps draining; the returned Retired lets the caller
// wait for it and close the old handler. Records staged for the new window
// are processed first. Returns nil, nil when windowing is disabled.
func (b *Branch[T]) SwitchBranch(ctx context.Context, min, max time.Time) (*Retired[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil, ErrNotOpen
	}
	if b.window.IsUnbounded() {
		return nil, nil
	}
	w, err := NewWindow(min, max)
	if err != nil {
		return nil, err
	}
	h, err := b.proc.OpenWindow(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("open window %s: %w", w, err)
	}

	retired := &Retired[T]{
		Window:   b.window,
		consumer: b.consumer,
		handler:  b.handler,
	}
	b.current.Close()

	// The staged queue becomes current. Anything in it that is still ahead
	// of the new window stays staged; anything behind it is late.
	promoted := b.next
	ahead := promoted.Extract(func(rec T) bool { return !rec.Timestamp().Before(w.Max) })
	behind := promoted.Extract(func(rec T) bool { return rec.Timestamp().Before(w.Min) })

	next := worker.NewQueue[T]()
	for _, rec := range ahead {
		next.Push(rec)
	}
	if len(behind) > 0 {
		b.late.Add(int64(len(behind)))
		b.logger.Warn("[Branch] Dropping staged records behind the new window",
			"branch", b.name,
			"count", len(behind),
			"window", w.String(),
		)
	}

	b.current = promoted
	b.next = next
	b.handler = h
	b.window = w
	b.consumer = b.link(promoted, h)
	b.switches.Add(1)

	b.logger.Info("[Branch] Switched window",
		"branch", b.name,
		"from", retired.Window.String(),
		"to", w.String(),
		"promoted", promoted.Len(),
		"still_staged", len(ahead),
	)
	return retired, nil
}

// WaitIdle blocks until the active consumer has handled every record queued
// for the current window.
func (b *Branch[T]) WaitIdle(ctx context.Context) error {
	b.mu.RLock()
	consumer, open := b.consumer, b.open
	b.mu.RUnlock()

	if !open {
		return ErrNotOpen
	}
	return consumer.WaitIdle(ctx)
}

// TriggerSave asks the active handler to flush its held output.
func (b *Branch[T]) TriggerSave(ctx context.Context) error {
	b.mu.RLock()
	h, open := b.handler, b.open
	b.mu.RUnlock()

	if !open {
		return ErrNotOpen
	}
	return h.TriggerSave(ctx)
}

// Close stops input, drains the consumer, hands any still-staged records to
// the closing handler and closes it.
func (b *Branch[T]) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return ErrNotOpen
	}
	b.open = false
	b.current.Close()
	staged := b.next.Drain()
	consumer, h, w := b.consumer, b.handler, b.window
	b.mu.Unlock()

	select {
	case <-consumer.Done():
	case <-ctx.Done():
		return fmt.Errorf("close branch %s: %w", b.name, ctx.Err())
	}

	for _, rec := range staged {
		if err := h.Handle(ctx, rec); err != nil {
			b.logger.Error("[Branch] Failed to handle staged record on close",
				"branch", b.name, "entity", rec.EntityKey(), "error", err)
		}
	}
	if err := h.Close(ctx); err != nil {
		return fmt.Errorf("close handler for window %s: %w", w, err)
	}

	b.logger.Info("[Branch] Closed", "branch", b.name, "window", w.String(), "staged_flushed", len(staged))
	return nil
}

// Window returns the active window.
func (b *Branch[T]) Window() Window {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.window
}

// Name returns the branch name.
func (b *Branch[T]) Name() string { return b.name }

// Health is a snapshot of the branch counters and backlogs.
type Health struct {
	Name     string `json:"name"`
	Open     bool   `json:"open"`
	Window   Window `json:"window"`
	Total    int64  `json:"total"`
	Early    int64  `json:"early"`
	Late     int64  `json:"late"`
	Rejected int64  `json:"rejected"`
	Switches int64  `json:"switches"`
	Current  int    `json:"current_backlog"`
	Staged   int    `json:"staged_backlog"`
}

// Health returns the current counters.
func (b *Branch[T]) Health() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h := Health{
		Name:     b.name,
		Open:     b.open,
		Window:   b.window,
		Total:    b.total.Load(),
		Early:    b.early.Load(),
		Late:     b.late.Load(),
		Rejected: b.rejected.Load(),
		Switches: b.switches.Load(),
	}
	if b.current != nil {
		h.Current = b.current.Len()
		h.Staged = b.next.Len()
	}
	return h
}

// Retired is the consumer and handler of a window that has been switched out.
type Retired[T v1.Record] struct {
	Window   Window
	consumer *worker.Stage[T]
	handler  Handler[T]
}

// Wait blocks until the retired consumer has drained, then closes its
// handler so partial buckets are flushed.
func (r *Retired[T]) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	select {
	case <-r.consumer.Done():
	case <-ctx.Done():
		return fmt.Errorf("wait for retired window %s: %w", r.Window, ctx.Err())
	}
	if err := r.handler.Close(ctx); err != nil {
		return fmt.Errorf("close retired window %s: %w", r.Window, err)
	}
	return nil
}
