package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/trafficwatch/internal/branch"
	"github.com/aevon-lab/trafficwatch/internal/metrics"
	"github.com/aevon-lab/trafficwatch/internal/partition"
	"github.com/aevon-lab/trafficwatch/internal/timemath"
)

// Job names registered with the scheduler.
const (
	RotationJobName = "window-rotation"
	HealthJobName   = "health-sample"
)

// WindowAt returns the window of level containing t.
func WindowAt(level timemath.Level, t time.Time) branch.Window {
	start := timemath.Align(level, t)
	return branch.Window{Min: start, Max: timemath.Next(level, start)}
}

// RotationJob moves every stream to the next window and, once the new
// window starts a new month, rotates the monthly partitions. When a rotation
// is due the new windows are held until it has been attempted: the closing
// window is fully written into the live tables, the tables are renamed, and
// only then does the new month write anything.
type RotationJob struct {
	router   *Router
	rotation *partition.Rotation
	logger   *slog.Logger
}

// NewRotationJob creates the job. logger may be nil.
func NewRotationJob(router *Router, rotation *partition.Rotation, logger *slog.Logger) *RotationJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RotationJob{router: router, rotation: rotation, logger: logger}
}

// Handle implements scheduler.Job. current is the start of the window that
// becomes live and next its end.
func (j *RotationJob) Handle(ctx context.Context, last, current, next time.Time) error {
	w := branch.Window{Min: current, Max: next}
	target := timemath.Align(timemath.Month, current)
	if j.rotation.Current().Before(target) {
		j.router.Hold()
		defer j.router.Release()
	}

	if err := j.router.Advance(ctx, w); err != nil {
		return fmt.Errorf("advance to %s: %w", w, err)
	}
	j.logger.Info("[RotationJob] Window advanced", "from", last, "to", w.String())

	// Catch up one month at a time. A month whose rotation failed earlier is
	// retried here.
	for j.rotation.Current().Before(target) {
		if err := j.rotation.Rotate(ctx, j.rotation.Current()); err != nil {
			metrics.Rotations.WithLabelValues(metrics.ResultFailed).Inc()
			metrics.RotationDegraded.Set(1)
			return err
		}
		metrics.Rotations.WithLabelValues(metrics.ResultSuccess).Inc()
		metrics.RotationDegraded.Set(0)
	}
	return nil
}

// HealthJob samples stream health into gauges and logs unhealthy streams.
type HealthJob struct {
	router   *Router
	rotation *partition.Rotation
	logger   *slog.Logger
}

// NewHealthJob creates the job. logger may be nil.
func NewHealthJob(router *Router, rotation *partition.Rotation, logger *slog.Logger) *HealthJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthJob{router: router, rotation: rotation, logger: logger}
}

// Handle implements scheduler.Job.
func (j *HealthJob) Handle(_ context.Context, _, _, _ time.Time) error {
	for _, h := range j.router.Health() {
		metrics.BranchBacklog.WithLabelValues(h.Kind).Set(float64(h.Branch.Current + h.Branch.Staged))
		metrics.PersistBacklog.WithLabelValues(h.Kind).Set(float64(h.Backlog() - h.Branch.Current - h.Branch.Staged))
		if !h.Healthy {
			j.logger.Warn("[Health] Stream unhealthy",
				"kind", h.Kind,
				"backlog", h.Backlog(),
				"raw_failed", h.Raw.Failed,
				"raw_last_batch_failed", h.Raw.LastBatchFailed,
			)
		}
	}

	if err := j.rotation.Degraded(); err != nil {
		metrics.RotationDegraded.Set(1)
		j.logger.Warn("[Health] Partition rotation degraded", "error", err)
	} else {
		metrics.RotationDegraded.Set(0)
	}
	return nil
}
