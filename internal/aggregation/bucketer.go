// Package aggregation rolls raw records up into fixed-granularity buckets.
//
// Each Bucketer owns one granularity and keeps one open bucket per entity
// key. Bucket boundaries come from the record timestamps, never from the wall
// clock, so replaying the same records yields the same buckets.
package aggregation

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	"github.com/aevon-lab/trafficwatch/internal/timemath"
)

// Bucket is one finished or partial aggregation unit.
type Bucket[A any] struct {
	Key     string
	Level   timemath.Level
	Start   time.Time
	End     time.Time
	Value   A
	Records int64
}

// Accumulator describes how records fold into a bucket value.
type Accumulator[T v1.Record, A any] struct {
	// New returns an empty value for a bucket.
	New func(key string, start time.Time) A
	// Merge folds rec into acc and returns the updated value.
	Merge func(acc A, rec T) A
}

// EmitFunc receives every bucket exactly once.
type EmitFunc[A any] func(Bucket[A])

// BucketerStats is a point-in-time snapshot of a Bucketer.
type BucketerStats struct {
	Level     string `json:"level"`
	Open      int    `json:"open"`
	Records   int64  `json:"records"`
	Emitted   int64  `json:"emitted"`
	Reordered int64  `json:"reordered"`
}

// Bucketer aggregates records for one granularity.
type Bucketer[T v1.Record, A any] struct {
	level  timemath.Level
	acc    Accumulator[T, A]
	emit   EmitFunc[A]
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*Bucket[A]

	records   atomic.Int64
	emitted   atomic.Int64
	reordered atomic.Int64
}

// NewBucketer creates a bucketer for level. emit is called synchronously
// from Add and Flush.
func NewBucketer[T v1.Record, A any](level timemath.Level, acc Accumulator[T, A], emit EmitFunc[A], logger *slog.Logger) *Bucketer[T, A] {
	if acc.New == nil || acc.Merge == nil || emit == nil {
		panic("aggregation: accumulator and emit must be set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bucketer[T, A]{
		level:  level,
		acc:    acc,
		emit:   emit,
		logger: logger,
		open:   make(map[string]*Bucket[A]),
	}
}

// Add routes rec into its entity's bucket.
//
// A record at or after the open bucket's end closes it and seeds a new one.
// A record before the open bucket's start can only come from out-of-order
// early data promoted at a window switch; it is emitted as its own bucket so
// the storage upsert merges it into the right row.
func (b *Bucketer[T, A]) Add(rec T) {
	key := rec.EntityKey()
	ts := rec.Timestamp()
	b.records.Add(1)

	var out []Bucket[A]

	b.mu.Lock()
	cur, ok := b.open[key]
	switch {
	case !ok:
		b.open[key] = b.seed(key, ts, rec)
	case !ts.Before(cur.End):
		out = append(out, *cur)
		b.open[key] = b.seed(key, ts, rec)
	case ts.Before(cur.Start):
		b.reordered.Add(1)
		out = append(out, *b.seed(key, ts, rec))
	default:
		cur.Value = b.acc.Merge(cur.Value, rec)
		cur.Records++
	}
	b.mu.Unlock()

	for _, bk := range out {
		b.emitted.Add(1)
		b.emit(bk)
	}
}

func (b *Bucketer[T, A]) seed(key string, ts time.Time, rec T) *Bucket[A] {
	start, end := timemath.Bounds(b.level, ts)
	return &Bucket[A]{
		Key:     key,
		Level:   b.level,
		Start:   start,
		End:     end,
		Value:   b.acc.Merge(b.acc.New(key, start), rec),
		Records: 1,
	}
}

// Flush emits every open bucket and forgets them. Partial buckets are valid
// output. Returns the number of buckets emitted.
func (b *Bucketer[T, A]) Flush() int {
	b.mu.Lock()
	out := make([]Bucket[A], 0, len(b.open))
	for _, bk := range b.open {
		out = append(out, *bk)
	}
	b.open = make(map[string]*Bucket[A])
	b.mu.Unlock()

	for _, bk := range out {
		b.emitted.Add(1)
		b.emit(bk)
	}
	if len(out) > 0 {
		b.logger.Debug("[Bucketer] Flushed partial buckets", "level", b.level.String(), "count", len(out))
	}
	return len(out)
}

// Level returns the bucketer's granularity.
func (b *Bucketer[T, A]) Level() timemath.Level { return b.level }

// Stats returns the current counters.
func (b *Bucketer[T, A]) Stats() BucketerStats {
	b.mu.Lock()
	open := len(b.open)
	b.mu.Unlock()
	return BucketerStats{
		Level:     b.level.String(),
		Open:      open,
		Records:   b.records.Load(),
		Emitted:   b.emitted.Load(),
		Reordered: b.reordered.Load(),
	}
}
