// Package scheduler drives calendar-aligned periodic jobs from a single tick
// loop.
//
// Each job is registered at a timemath.Level and fires once per bucket of
// that level, Offset after the bucket boundary. Trigger times are computed
// from the previous trigger, not from when the tick happened to run, so a
// slow handler or a late tick never makes the schedule drift.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aevon-lab/trafficwatch/internal/metrics"
	"github.com/aevon-lab/trafficwatch/internal/timemath"
)

const defaultTick = time.Second

var (
	ErrDuplicateJob = errors.New("job already registered")
	ErrInvalidLevel = errors.New("invalid job level")
)

// Job is invoked once per period. last is the start of the bucket that just
// completed, current the start of the bucket now in progress, next the one
// after it.
type Job interface {
	Handle(ctx context.Context, last, current, next time.Time) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context, last, current, next time.Time) error

func (f JobFunc) Handle(ctx context.Context, last, current, next time.Time) error {
	return f(ctx, last, current, next)
}

// FixedJobItem is the registration state of one job.
type FixedJobItem struct {
	Name        string         `json:"name"`
	Level       timemath.Level `json:"level"`
	Offset      time.Duration  `json:"offset"`
	CurrentTime time.Time      `json:"current_time"`
	ChangeTime  time.Time      `json:"change_time"`

	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

type entry struct {
	item FixedJobItem
	job  Job
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets the loop interval. The default is one second.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler owns the job registry and the loop that fires due jobs.
type Scheduler struct {
	tick   time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*entry
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tick:   defaultTick,
		now:    time.Now,
		logger: slog.Default(),
		jobs:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers job. The first trigger is Offset after the end of the level
// bucket containing the current time. Safe to call while the loop runs.
func (s *Scheduler) Add(name string, level timemath.Level, offset time.Duration, job Job) (FixedJobItem, error) {
	if !level.Valid() {
		return FixedJobItem{}, fmt.Errorf("add job %q: %w: %d", name, ErrInvalidLevel, level)
	}
	if job == nil {
		return FixedJobItem{}, fmt.Errorf("add job %q: job must not be nil", name)
	}

	current := timemath.Align(level, s.now())
	item := FixedJobItem{
		Name:        name,
		Level:       level,
		Offset:      offset,
		CurrentTime: current,
		ChangeTime:  timemath.Next(level, current).Add(offset),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return FixedJobItem{}, fmt.Errorf("add job %q: %w", name, ErrDuplicateJob)
	}
	s.jobs[name] = &entry{item: item, job: job}

	s.logger.Info("[Scheduler] Registered job",
		"job", name,
		"level", level.String(),
		"offset", offset,
		"first_trigger", item.ChangeTime,
	)
	return item, nil
}

// Remove unregisters a job. A run already in progress finishes.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return false
	}
	delete(s.jobs, name)
	s.logger.Info("[Scheduler] Removed job", "job", name)
	return true
}

// Items returns a snapshot of every registration, sorted by name.
func (s *Scheduler) Items() []FixedJobItem {
	s.mu.Lock()
	out := make([]FixedJobItem, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.item)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start runs the tick loop until ctx is cancelled. Jobs run one after another
// on the loop goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("[Scheduler] Starting", "tick", s.tick, "jobs", len(s.Items()))

	for {
		select {
		case <-ticker.C:
			s.runDue(ctx, s.now())
		case <-ctx.Done():
			s.logger.Info("[Scheduler] Stopping (context cancelled)")
			return nil
		}
	}
}

type firing struct {
	name                string
	job                 Job
	last, current, next time.Time
}

// runDue fires every job whose ChangeTime is before now and returns how many
// fired. Each job's times advance before its handler runs, so a failing job
// is not retried until its next period.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []firing
	for name, e := range s.jobs {
		if !now.After(e.item.ChangeTime) {
			continue
		}
		last := e.item.CurrentTime
		current := timemath.Next(e.item.Level, last)
		next := timemath.Next(e.item.Level, current)

		e.item.CurrentTime = current
		e.item.ChangeTime = next.Add(e.item.Offset)
		due = append(due, firing{name: name, job: e.job, last: last, current: current, next: next})
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].name < due[j].name })
	for _, f := range due {
		if ctx.Err() != nil {
			return len(due)
		}
		err := s.invoke(ctx, f)
		s.record(f.name, now, err)
	}
	return len(due)
}

func (s *Scheduler) invoke(ctx context.Context, f firing) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return f.job.Handle(ctx, f.last, f.current, f.next)
}

func (s *Scheduler) record(name string, at time.Time, err error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if ok {
		e.item.Runs++
		e.item.LastRun = at
		e.item.LastError = ""
		if err != nil {
			e.item.Failures++
			e.item.LastError = err.Error()
		}
	}
	s.mu.Unlock()

	if err != nil {
		metrics.JobRuns.WithLabelValues(name, metrics.ResultFailed).Inc()
		s.logger.Error("[Scheduler] Job failed", "job", name, "error", err)
		return
	}
	metrics.JobRuns.WithLabelValues(name, metrics.ResultSuccess).Inc()
	s.logger.Debug("[Scheduler] Job completed", "job", name)
}
