package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	"github.com/aevon-lab/trafficwatch/internal/metrics"
	"github.com/aevon-lab/trafficwatch/internal/partition"
	"github.com/aevon-lab/trafficwatch/internal/storage"
	"github.com/aevon-lab/trafficwatch/internal/timemath"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(store *fakeStore, now time.Time) (*Router, *partition.Rotation) {
	rot := partition.NewRotation(store, now, storage.PartitionedTables()...)
	r := NewRouter(
		New(FlowSpec(storage.FlowLevels), store, rot, testOpts),
		New(DensitySpec(storage.DensityLevels), store, rot, testOpts),
		New(ViolationSpec(), store, rot, testOpts),
	)
	return r, rot
}

type otherRecord struct{}

func (otherRecord) EntityKey() string    { return "x" }
func (otherRecord) Timestamp() time.Time { return time.Time{} }
func (otherRecord) Kind() string         { return "audio" }

func TestRouter_DispatchesByKind(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r, _ := newRouter(store, at(14, 0, 0, 0))

	kinds := make([]string, 0, 3)
	for _, s := range r.Streams() {
		kinds = append(kinds, s.Kind())
	}
	assert.Equal(t, []string{v1.KindDensity, v1.KindFlow, v1.KindViolation}, kinds)

	require.NoError(t, r.Start(ctx, WindowAt(timemath.Day, at(14, 0, 0, 0))))

	require.NoError(t, r.Route(flow("f", at(14, 9, 0, 0), v1.VehicleCar, 1, "10")))
	require.NoError(t, r.Route(v1.DensityRecord{ID: "d", ChannelID: "ch-2", RegionID: 1, Count: 5, RecordTime: at(14, 9, 0, 0)}))
	require.NoError(t, r.Route(v1.ViolationRecord{ID: "v", ChannelID: "ch-1", Lane: 1, Violation: 1, RecordTime: at(14, 9, 0, 0)}))
	require.NoError(t, r.Route(flow("late", at(13, 9, 0, 0), v1.VehicleCar, 1, "10")), "late records are counted, not failed")

	err := r.Route(otherRecord{})
	require.ErrorIs(t, err, ErrNoPipeline)

	require.NoError(t, r.Save(ctx))
	assert.Len(t, store.rows(storage.TableLaneFlow), 1)
	assert.Len(t, store.rows(storage.TableRegionDensity), 1)
	assert.Len(t, store.rows(storage.TableTrafficViolation), 1)

	require.NoError(t, r.Close(ctx))
	assert.Len(t, store.rows("region_density_15m"), 1)

	err = r.Route(flow("after", at(14, 9, 0, 0), v1.VehicleCar, 1, "10"))
	require.ErrorIs(t, err, ErrRejected)

	for _, h := range r.Health() {
		assert.True(t, h.Healthy, h.Kind)
	}
}

func TestPipeline_RejectsWrongKind(t *testing.T) {
	store := newFakeStore()
	p, _ := newFlowPipeline(t, store, at(14, 0, 0, 0))
	_, err := p.Route(v1.DensityRecord{})
	require.ErrorIs(t, err, ErrWrongKind)
}

func TestRotationJob_RotatesAtMonthBoundary(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r, rot := newRouter(store, at(29, 12, 0, 0))
	require.NoError(t, r.Start(ctx, WindowAt(timemath.Day, at(29, 12, 0, 0))))
	defer r.Close(ctx) //nolint:errcheck

	oct1 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.Route(flow("sep", at(30, 23, 59, 59), v1.VehicleCar, 1, "10")))
	require.NoError(t, r.Route(flow("oct", oct1.Add(5*time.Second), v1.VehicleCar, 1, "10")))

	job := NewRotationJob(r, rot, nil)

	// A mid-month advance does not rotate.
	require.NoError(t, job.Handle(ctx, at(29, 0, 0, 0), at(30, 0, 0, 0), oct1))
	assert.Empty(t, store.renames)

	require.NoError(t, job.Handle(ctx, at(30, 0, 0, 0), oct1, oct1.AddDate(0, 0, 1)))

	assert.Equal(t, oct1, rot.Current())
	assert.Len(t, store.renames, len(storage.PartitionedTables()))

	sep := store.rows("lane_flow_202609")
	require.Len(t, sep, 1, "September's rows moved with the shard")
	assert.Equal(t, "sep", sep[0][0])
	assert.Len(t, store.rows("lane_flow_1m_202609"), 1, "the closed window's partial buckets were written before the rename")

	require.NoError(t, r.Save(ctx))
	live := store.rows(storage.TableLaneFlow)
	require.Len(t, live, 1)
	assert.Equal(t, "oct", live[0][0], "October's row waited for the rotation and landed in the fresh live table")
}

func TestRotationJob_RetriesFailedRotation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r, rot := newRouter(store, at(30, 12, 0, 0))
	require.NoError(t, r.Start(ctx, WindowAt(timemath.Day, at(30, 12, 0, 0))))
	defer r.Close(ctx) //nolint:errcheck

	store.setRenameErr(errors.New("lock timeout"))
	job := NewRotationJob(r, rot, nil)
	oct1 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	require.Error(t, job.Handle(ctx, at(30, 0, 0, 0), oct1, oct1.AddDate(0, 0, 1)))
	assert.True(t, rot.Status().Degraded)
	assert.Equal(t, at(1, 0, 0, 0), rot.Current())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RotationDegraded))

	// Ingest keeps going while degraded: October lands in the live tables
	// that still hold September.
	require.NoError(t, r.Route(flow("oct", oct1.Add(5*time.Minute), v1.VehicleCar, 1, "10")))
	require.NoError(t, r.Save(ctx))
	require.Len(t, store.rows(storage.TableLaneFlow), 1)

	store.setRenameErr(nil)
	require.NoError(t, job.Handle(ctx, oct1, oct1.AddDate(0, 0, 1), oct1.AddDate(0, 0, 2)))
	assert.False(t, rot.Status().Degraded)
	assert.Equal(t, oct1, rot.Current())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.RotationDegraded))

	live := store.rows(storage.TableLaneFlow)
	require.Len(t, live, 1, "October's row stayed in the live table")
	assert.Equal(t, "oct", live[0][0])
	assert.Empty(t, store.rows("lane_flow_202609"))
	assert.NotEmpty(t, store.rows("lane_flow_1m"), "October's buckets stayed live")
	for _, row := range store.rows("lane_flow_1m_202609") {
		assert.True(t, row[2].(time.Time).Before(oct1))
	}
}

func TestHealthJob_ExportsGauges(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r, rot := newRouter(store, at(14, 0, 0, 0))
	require.NoError(t, r.Start(ctx, WindowAt(timemath.Day, at(14, 0, 0, 0))))

	require.NoError(t, r.Route(flow("early", at(15, 0, 0, 1), v1.VehicleCar, 1, "10")))
	require.NoError(t, r.Route(flow("early2", at(16, 0, 0, 1), v1.VehicleCar, 1, "10")))

	job := NewHealthJob(r, rot, nil)
	require.NoError(t, job.Handle(ctx, time.Time{}, time.Time{}, time.Time{}))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.BranchBacklog.WithLabelValues(v1.KindFlow)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PersistBacklog.WithLabelValues(v1.KindFlow)))

	require.NoError(t, r.Close(ctx))
}
