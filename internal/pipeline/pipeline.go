// Package pipeline composes a window branch, raw persistence and the rollup
// bucketers into one stream per record kind, and routes decoded records to
// the stream of their kind.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aevon-lab/trafficwatch/internal/aggregation"
	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	"github.com/aevon-lab/trafficwatch/internal/branch"
	"github.com/aevon-lab/trafficwatch/internal/metrics"
	"github.com/aevon-lab/trafficwatch/internal/partition"
	"github.com/aevon-lab/trafficwatch/internal/storage"
	"github.com/aevon-lab/trafficwatch/internal/timemath"
	"github.com/aevon-lab/trafficwatch/internal/worker"
)

var (
	ErrWrongKind  = errors.New("record kind does not match stream")
	ErrNoPipeline = errors.New("no pipeline for record kind")
	ErrRejected   = errors.New("stream is not accepting records")
)

// Options tunes persistence.
type Options struct {
	BatchSize     int
	Workers       int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Health is the per-stream health report.
type Health struct {
	Kind       string                      `json:"kind"`
	Healthy    bool                        `json:"healthy"`
	Branch     branch.Health               `json:"branch"`
	Raw        worker.BatchStats           `json:"raw"`
	Aggregates []worker.BatchStats         `json:"aggregates"`
	Buckets    []aggregation.BucketerStats `json:"buckets,omitempty"`
}

// Stream is the kind-erased view of a Pipeline used by the Router and jobs.
type Stream interface {
	Kind() string
	Route(rec v1.Record) (branch.Route, error)
	Start(ctx context.Context, w branch.Window) error
	Advance(ctx context.Context, w branch.Window) error
	Save(ctx context.Context) error
	Hold()
	Release()
	Close(ctx context.Context) error
	Health() Health
}

// Pipeline is one record kind's stream: branch, raw batcher, and one upsert
// batcher per rollup level fed by the active window's bucketers.
type Pipeline[T v1.Record, A any] struct {
	spec     Spec[T, A]
	store    storage.Store
	rotation *partition.Rotation
	logger   *slog.Logger

	branch *branch.Branch[T]
	raw    *worker.Batcher[T]
	aggs   []*levelBatcher

	active atomic.Pointer[windowHandler[T, A]]

	holdMu sync.Mutex
	held   chan struct{}
}

type levelBatcher struct {
	level   timemath.Level
	table   string
	batcher *worker.Batcher[[]interface{}]
}

var _ Stream = (*Pipeline[v1.FlowRecord, *aggregation.FlowAggregate])(nil)

// New builds a pipeline. Writes go through rotation's write gate so they
// never overlap a monthly rotation.
func New[T v1.Record, A any](spec Spec[T, A], store storage.Store, rotation *partition.Rotation, opts Options) *Pipeline[T, A] {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Pipeline[T, A]{
		spec:     spec,
		store:    store,
		rotation: rotation,
		logger:   opts.Logger,
	}

	wopts := []worker.Option{worker.WithLogger(opts.Logger), worker.WithFlushInterval(opts.FlushInterval)}
	p.raw = worker.NewBatcher(spec.RawTable, opts.BatchSize, opts.Workers, p.persistRaw, wopts...)
	for _, level := range spec.Levels {
		table := storage.AggregateTable(spec.AggBase, level)
		// One worker per rollup table: concurrent additive upserts on the
		// same keys can deadlock each other.
		b := worker.NewBatcher(table, opts.BatchSize, 1, p.persistAggregate(table), wopts...)
		p.aggs = append(p.aggs, &levelBatcher{level: level, table: table, batcher: b})
	}
	p.branch = branch.New[T](spec.Kind, branch.ProcessorFunc[T](p.openWindow), branch.WithLogger(opts.Logger))
	return p
}

// Kind returns the record kind handled.
func (p *Pipeline[T, A]) Kind() string { return p.spec.Kind }

// Start launches persistence and opens the first window.
func (p *Pipeline[T, A]) Start(ctx context.Context, w branch.Window) error {
	p.raw.Start(ctx)
	for _, lb := range p.aggs {
		lb.batcher.Start(ctx)
	}
	if err := p.branch.Open(ctx, w); err != nil {
		return fmt.Errorf("start %s pipeline: %w", p.spec.Kind, err)
	}
	return nil
}

// Post hands rec to the branch.
func (p *Pipeline[T, A]) Post(rec T) branch.Route {
	route := p.branch.Post(rec)
	metrics.RecordsRouted.WithLabelValues(p.spec.Kind, route.String()).Inc()
	return route
}

// Route posts a kind-erased record. Late records are not an error; they are
// counted by the branch.
func (p *Pipeline[T, A]) Route(rec v1.Record) (branch.Route, error) {
	typed, ok := rec.(T)
	if !ok {
		return branch.RouteRejected, fmt.Errorf("%s stream got %s: %w", p.spec.Kind, rec.Kind(), ErrWrongKind)
	}
	route := p.Post(typed)
	if route == branch.RouteRejected {
		return route, fmt.Errorf("%s: %w", p.spec.Kind, ErrRejected)
	}
	return route, nil
}

// Hold makes windows opened from now on wait before handling records, until
// Release. Records keep queueing in the branch meanwhile.
func (p *Pipeline[T, A]) Hold() {
	p.holdMu.Lock()
	defer p.holdMu.Unlock()
	if p.held == nil {
		p.held = make(chan struct{})
	}
}

// Release lets held windows proceed.
func (p *Pipeline[T, A]) Release() {
	p.holdMu.Lock()
	defer p.holdMu.Unlock()
	if p.held != nil {
		close(p.held)
		p.held = nil
	}
}

// Advance switches to w, waits for the retired window to drain and close,
// then writes everything it produced. It does not wait for the new window.
func (p *Pipeline[T, A]) Advance(ctx context.Context, w branch.Window) error {
	retired, err := p.branch.SwitchBranch(ctx, w.Min, w.Max)
	if err != nil {
		return fmt.Errorf("advance %s: %w", p.spec.Kind, err)
	}
	if retired != nil {
		metrics.WindowSwitches.WithLabelValues(p.spec.Kind).Inc()
	}
	if err := retired.Wait(ctx); err != nil {
		return fmt.Errorf("advance %s: %w", p.spec.Kind, err)
	}
	return p.flush(ctx)
}

// Save waits for the active window to handle its queued records, then
// flushes held batches and waits until they are written.
func (p *Pipeline[T, A]) Save(ctx context.Context) error {
	if err := p.branch.WaitIdle(ctx); err != nil {
		return fmt.Errorf("save %s: %w", p.spec.Kind, err)
	}
	return p.flush(ctx)
}

func (p *Pipeline[T, A]) flush(ctx context.Context) error {
	if err := p.branch.TriggerSave(ctx); err != nil {
		return fmt.Errorf("save %s: %w", p.spec.Kind, err)
	}
	if err := p.raw.WaitIdle(ctx); err != nil {
		return fmt.Errorf("save %s: %w", p.spec.Kind, err)
	}
	for _, lb := range p.aggs {
		if err := lb.batcher.WaitIdle(ctx); err != nil {
			return fmt.Errorf("save %s: %w", lb.table, err)
		}
	}
	return nil
}

// Close drains the branch, flushes partial buckets and waits for every
// batch to be written. Records posted afterwards are rejected.
func (p *Pipeline[T, A]) Close(ctx context.Context) error {
	p.Release()
	err := p.branch.Close(ctx)
	if err != nil && !errors.Is(err, branch.ErrNotOpen) {
		p.logger.Error("[Pipeline] Branch did not close cleanly", "kind", p.spec.Kind, "error", err)
	}

	p.raw.Complete()
	p.raw.WaitCompletion()
	for _, lb := range p.aggs {
		lb.batcher.Complete()
		lb.batcher.WaitCompletion()
	}

	h := p.Health()
	p.logger.Info("[Pipeline] Closed",
		"kind", p.spec.Kind,
		"records", h.Branch.Total,
		"late", h.Branch.Late,
		"raw_success", h.Raw.Success,
		"raw_failed", h.Raw.Failed,
	)
	if errors.Is(err, branch.ErrNotOpen) {
		return nil
	}
	return err
}

// Health reports the stream as healthy iff nothing is waiting to be written
// and no writer's last batch failed.
func (p *Pipeline[T, A]) Health() Health {
	h := Health{
		Kind:   p.spec.Kind,
		Branch: p.branch.Health(),
		Raw:    p.raw.Stats(),
	}
	h.Healthy = h.Raw.Backlog == 0 && !h.Raw.LastBatchFailed
	for _, lb := range p.aggs {
		st := lb.batcher.Stats()
		h.Aggregates = append(h.Aggregates, st)
		if st.Backlog > 0 || st.LastBatchFailed {
			h.Healthy = false
		}
	}
	if wh := p.active.Load(); wh != nil {
		for _, b := range wh.bucketers {
			h.Buckets = append(h.Buckets, b.Stats())
		}
	}
	return h
}

// Backlog is the number of records and rows accepted but not yet written.
func (h Health) Backlog() int {
	n := h.Branch.Current + h.Branch.Staged + h.Raw.Pending + h.Raw.Backlog
	for _, a := range h.Aggregates {
		n += a.Pending + a.Backlog
	}
	return n
}

func (p *Pipeline[T, A]) persistRaw(ctx context.Context, batch []T) error {
	rows := make([][]interface{}, len(batch))
	for i, rec := range batch {
		rows[i] = p.spec.RawRow(rec)
	}
	return p.write(p.spec.RawTable, len(rows), func() error {
		return p.store.Insert(ctx, p.spec.RawTable, p.spec.RawColumns, rows)
	})
}

func (p *Pipeline[T, A]) persistAggregate(table string) worker.BatchFunc[[]interface{}] {
	return func(ctx context.Context, rows [][]interface{}) error {
		return p.write(table, len(rows), func() error {
			return p.store.Upsert(ctx, table, p.spec.AggSpec, rows)
		})
	}
}

func (p *Pipeline[T, A]) write(table string, n int, fn func() error) error {
	start := time.Now()
	err := p.rotation.Write(fn)
	metrics.BatchLatency.WithLabelValues(table).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RowsWritten.WithLabelValues(table, metrics.ResultFailed).Add(float64(n))
		return err
	}
	metrics.RowsWritten.WithLabelValues(table, metrics.ResultSuccess).Add(float64(n))
	return nil
}

func (p *Pipeline[T, A]) openWindow(_ context.Context, w branch.Window) (branch.Handler[T], error) {
	p.holdMu.Lock()
	wh := &windowHandler[T, A]{p: p, window: w, held: p.held}
	p.holdMu.Unlock()
	for _, lb := range p.aggs {
		lb := lb
		emit := func(b aggregation.Bucket[A]) {
			metrics.BucketsEmitted.WithLabelValues(p.spec.Kind, lb.level.String()).Inc()
			for _, row := range p.spec.AggRows(b) {
				if !lb.batcher.Post(row) {
					p.logger.Error("[Pipeline] Dropped rollup row after close",
						"table", lb.table, "entity", b.Key, "bucket_start", b.Start)
				}
			}
		}
		wh.bucketers = append(wh.bucketers,
			aggregation.NewBucketer(lb.level, p.spec.Accumulator, emit, p.logger))
	}
	p.active.Store(wh)
	return wh, nil
}

// windowHandler is the per-window sub-pipeline: raw rows go straight to the
// shared raw batcher, rollups are kept per window and flushed on Close.
type windowHandler[T v1.Record, A any] struct {
	p         *Pipeline[T, A]
	window    branch.Window
	bucketers []*aggregation.Bucketer[T, A]
	held      chan struct{}
}

func (h *windowHandler[T, A]) Handle(ctx context.Context, rec T) error {
	if h.held != nil {
		select {
		case <-h.held:
			h.held = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !h.p.raw.Post(rec) {
		return fmt.Errorf("raw batcher %s is closed", h.p.spec.RawTable)
	}
	for _, b := range h.bucketers {
		b.Add(rec)
	}
	return nil
}

func (h *windowHandler[T, A]) TriggerSave(_ context.Context) error {
	h.p.raw.Flush()
	for _, lb := range h.p.aggs {
		lb.batcher.Flush()
	}
	return nil
}

func (h *windowHandler[T, A]) Close(_ context.Context) error {
	emitted := 0
	for _, b := range h.bucketers {
		emitted += b.Flush()
	}
	for _, lb := range h.p.aggs {
		lb.batcher.Flush()
	}
	h.p.logger.Debug("[Pipeline] Window closed",
		"kind", h.p.spec.Kind,
		"window", h.window.String(),
		"partial_buckets", emitted,
	)
	return nil
}
