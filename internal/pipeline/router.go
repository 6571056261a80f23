package pipeline

import (
	"context"
	"fmt"
	"sort"

	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	"github.com/aevon-lab/trafficwatch/internal/branch"
	"golang.org/x/sync/errgroup"
)

// Router dispatches decoded records to the stream of their kind.
type Router struct {
	streams map[string]Stream
	order   []string
}

// NewRouter registers streams by Kind. A later stream of the same kind
// replaces an earlier one.
func NewRouter(streams ...Stream) *Router {
	r := &Router{streams: make(map[string]Stream, len(streams))}
	for _, s := range streams {
		if _, ok := r.streams[s.Kind()]; !ok {
			r.order = append(r.order, s.Kind())
		}
		r.streams[s.Kind()] = s
	}
	sort.Strings(r.order)
	return r
}

// Route implements device.Sink.
func (r *Router) Route(rec v1.Record) error {
	s, ok := r.streams[rec.Kind()]
	if !ok {
		return fmt.Errorf("%q: %w", rec.Kind(), ErrNoPipeline)
	}
	_, err := s.Route(rec)
	return err
}

// Streams returns the registered streams ordered by kind.
func (r *Router) Streams() []Stream {
	out := make([]Stream, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.streams[k])
	}
	return out
}

// Start opens every stream on w.
func (r *Router) Start(ctx context.Context, w branch.Window) error {
	for _, s := range r.Streams() {
		if err := s.Start(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// Advance moves every stream to w concurrently and waits for all of them.
func (r *Router) Advance(ctx context.Context, w branch.Window) error {
	return r.each(ctx, func(ctx context.Context, s Stream) error { return s.Advance(ctx, w) })
}

// Hold makes every stream's next window wait until Release.
func (r *Router) Hold() {
	for _, s := range r.Streams() {
		s.Hold()
	}
}

// Release lets held windows proceed.
func (r *Router) Release() {
	for _, s := range r.Streams() {
		s.Release()
	}
}

// Save flushes every stream concurrently.
func (r *Router) Save(ctx context.Context) error {
	return r.each(ctx, func(ctx context.Context, s Stream) error { return s.Save(ctx) })
}

// Close drains every stream concurrently.
func (r *Router) Close(ctx context.Context) error {
	return r.each(ctx, func(ctx context.Context, s Stream) error { return s.Close(ctx) })
}

func (r *Router) each(ctx context.Context, fn func(context.Context, Stream) error) error {
	var g errgroup.Group
	for _, s := range r.Streams() {
		s := s
		g.Go(func() error { return fn(ctx, s) })
	}
	return g.Wait()
}

// Health returns one report per stream ordered by kind.
func (r *Router) Health() []Health {
	out := make([]Health, 0, len(r.order))
	for _, s := range r.Streams() {
		out = append(out, s.Health())
	}
	return out
}
