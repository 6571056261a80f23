// Package partition maps time ranges onto monthly table shards and performs
// the monthly rename-and-recreate of the live tables.
//
// The live table of a base name (lane_flow) always holds the month returned
// by Rotation.Current. Completed months live in suffixed shards
// (lane_flow_202608).
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aevon-lab/trafficwatch/internal/storage"
	"github.com/aevon-lab/trafficwatch/internal/timemath"
	"golang.org/x/sync/errgroup"
)

var (
	ErrShardExists  = errors.New("shard already exists")
	ErrNotCurrent   = errors.New("month is not the live month")
	ErrUnknownTable = errors.New("table is not partitioned")
)

// Shard returns the physical table holding base's data for the month of t.
func Shard(base string, t time.Time) string {
	return base + "_" + timemath.MonthSuffix(t)
}

// Target is one physical table covering one month of a query range.
type Target struct {
	Month time.Time
	Table string
	Live  bool
}

// Status is the rotation state reported in health checks.
type Status struct {
	Current   string    `json:"current_month"`
	Degraded  bool      `json:"degraded"`
	LastError string    `json:"last_error,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
	Rotations int64     `json:"rotations"`
}

// Rotation owns shard bookkeeping for a fixed set of base tables and is the
// only component that issues DDL against them.
type Rotation struct {
	store  storage.Store
	bases  map[string]bool
	order  []string
	logger *slog.Logger

	// gate serialises DDL with inserts: writers hold the read side while a
	// rotation holds the write side.
	gate sync.RWMutex

	mu        sync.RWMutex
	current   time.Time
	degraded  error
	lastRun   time.Time
	rotations int64
}

// NewRotation creates a rotation whose live tables hold the month of current.
func NewRotation(store storage.Store, current time.Time, bases ...string) *Rotation {
	r := &Rotation{
		store:   store,
		bases:   make(map[string]bool, len(bases)),
		logger:  slog.Default(),
		current: timemath.Align(timemath.Month, current),
	}
	for _, b := range bases {
		if !r.bases[b] {
			r.bases[b] = true
			r.order = append(r.order, b)
		}
	}
	return r
}

// WithLogger overrides slog.Default and returns r.
func (r *Rotation) WithLogger(l *slog.Logger) *Rotation {
	r.logger = l
	return r
}

// Current returns the month held by the live tables.
func (r *Rotation) Current() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Bases returns the partitioned base tables in registration order.
func (r *Rotation) Bases() []string {
	return append([]string(nil), r.order...)
}

// Shards enumerates one target per calendar month from start to end
// inclusive. The live month maps to the base table.
func (r *Rotation) Shards(base string, start, end time.Time) []Target {
	current := r.Current()
	first := timemath.Align(timemath.Month, start)
	last := timemath.Align(timemath.Month, end)

	var out []Target
	for m := first; !m.After(last); m = timemath.Next(timemath.Month, m) {
		if m.Equal(current) {
			out = append(out, Target{Month: m, Table: base, Live: true})
			continue
		}
		out = append(out, Target{Month: m, Table: Shard(base, m)})
	}
	return out
}

// RowFunc scans one result row into a value.
type RowFunc[R any] func(row storage.Scanner) (R, error)

// Query runs build against every existing shard of base overlapping
// [start, end], one goroutine per shard. Shards that were never created are
// skipped. scan may run concurrently for different shards. Results are
// concatenated in month order; within a shard they keep the order the
// statement returned.
func Query[R any](ctx context.Context, r *Rotation, base string, start, end time.Time, build storage.BuildFunc, scan RowFunc[R]) ([]R, error) {
	if !r.bases[base] {
		return nil, fmt.Errorf("query %s: %w", base, ErrUnknownTable)
	}

	targets := r.Shards(base, start, end)
	results := make([][]R, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			if !target.Live {
				ok, err := r.store.TableExists(gctx, target.Table)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			return r.store.QueryTable(gctx, target.Table, build, func(row storage.Scanner) error {
				v, err := scan(row)
				if err != nil {
					return err
				}
				results[i] = append(results[i], v)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []R
	for _, rs := range results {
		out = append(out, rs...)
	}
	return out, nil
}

// Write runs fn while holding the write gate's shared side, so fn never
// overlaps a rotation.
func (r *Rotation) Write(fn func() error) error {
	r.gate.RLock()
	defer r.gate.RUnlock()
	return fn()
}

// Rotate renames every live table to carry the suffix of completed and
// recreates it empty. completed must be the live month. On failure nothing
// is renamed, the rotation is marked degraded and Current does not move.
func (r *Rotation) Rotate(ctx context.Context, completed time.Time) error {
	month := timemath.Align(timemath.Month, completed)

	r.gate.Lock()
	defer r.gate.Unlock()

	err := r.rotate(ctx, month)

	r.mu.Lock()
	r.lastRun = time.Now()
	if err != nil {
		r.degraded = err
	} else {
		r.degraded = nil
		r.rotations++
		r.current = timemath.Next(timemath.Month, month)
	}
	current := r.current
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("[Rotation] Rotation failed, live tables left as-is",
			"month", timemath.MonthSuffix(month),
			"error", err,
		)
		return err
	}
	r.logger.Info("[Rotation] Rotated live tables",
		"month", timemath.MonthSuffix(month),
		"tables", len(r.order),
		"current", timemath.MonthSuffix(current),
	)
	return nil
}

func (r *Rotation) rotate(ctx context.Context, month time.Time) error {
	if current := r.Current(); !month.Equal(current) {
		return fmt.Errorf("rotate %s: %w (live month is %s)",
			timemath.MonthSuffix(month), ErrNotCurrent, timemath.MonthSuffix(current))
	}

	// Rows from the following month can only be in the live tables if an
	// earlier attempt failed and writers moved on; they stay live.
	next := timemath.Next(timemath.Month, month)
	renames := make([]storage.Rename, 0, len(r.order))
	for _, base := range r.order {
		renames = append(renames, storage.Rename{
			From:   base,
			To:     Shard(base, month),
			Column: storage.TimeColumn(base),
			Since:  next,
		})
	}
	if err := r.store.RenameAndRecreate(ctx, renames); err != nil {
		if errors.Is(err, storage.ErrTableExists) {
			return fmt.Errorf("rotate %s: %w: %v", timemath.MonthSuffix(month), ErrShardExists, err)
		}
		return fmt.Errorf("rotate %s: %w", timemath.MonthSuffix(month), err)
	}
	return nil
}

// Degraded returns the error of the last failed rotation, or nil.
func (r *Rotation) Degraded() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// Status returns the state for health reporting.
func (r *Rotation) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Status{
		Current:   timemath.MonthSuffix(r.current),
		Degraded:  r.degraded != nil,
		LastRun:   r.lastRun,
		Rotations: r.rotations,
	}
	if r.degraded != nil {
		s.LastError = r.degraded.Error()
	}
	return s
}
