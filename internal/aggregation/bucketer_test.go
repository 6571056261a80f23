package aggregation

import (
	"math/rand"
	"strconv"
	"testing"
	"time"

	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	"github.com/aevon-lab/trafficwatch/internal/timemath"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(h, m, s int) time.Time {
	return time.Date(2026, 9, 14, h, m, s, 0, time.Local)
}

// idAccumulator collects the ids of the records merged into a bucket.
func idAccumulator() Accumulator[v1.FlowRecord, []string] {
	return Accumulator[v1.FlowRecord, []string]{
		New:   func(string, time.Time) []string { return nil },
		Merge: func(acc []string, rec v1.FlowRecord) []string { return append(acc, rec.ID) },
	}
}

func flow(id, channel string, lane int, at time.Time) v1.FlowRecord {
	return v1.FlowRecord{ID: id, ChannelID: channel, Lane: lane, Category: v1.VehicleCar, Count: 1, RecordTime: at}
}

func TestBucketer_EmitsOnBoundaryCross(t *testing.T) {
	var got []Bucket[[]string]
	b := NewBucketer(timemath.FiveMinutes, idAccumulator(), func(bk Bucket[[]string]) {
		got = append(got, bk)
	}, nil)

	b.Add(flow("a", "ch", 1, ts(10, 0, 30)))
	b.Add(flow("b", "ch", 1, ts(10, 4, 59)))
	require.Empty(t, got)

	b.Add(flow("c", "ch", 1, ts(10, 5, 0)))
	require.Len(t, got, 1)
	assert.Equal(t, ts(10, 0, 0), got[0].Start)
	assert.Equal(t, ts(10, 5, 0), got[0].End)
	assert.Equal(t, []string{"a", "b"}, got[0].Value)
	assert.Equal(t, int64(2), got[0].Records)
	assert.Equal(t, "ch/1", got[0].Key)

	// A sparse stream skips empty buckets entirely.
	b.Add(flow("d", "ch", 1, ts(10, 31, 0)))
	require.Len(t, got, 2)
	assert.Equal(t, ts(10, 5, 0), got[1].Start)
	assert.Equal(t, []string{"c"}, got[1].Value)

	assert.Equal(t, 1, b.Flush())
	require.Len(t, got, 3)
	assert.Equal(t, ts(10, 30, 0), got[2].Start)
	assert.Equal(t, 0, b.Flush())
}

func TestBucketer_KeysAreIndependent(t *testing.T) {
	var got []Bucket[[]string]
	b := NewBucketer(timemath.Minute, idAccumulator(), func(bk Bucket[[]string]) {
		got = append(got, bk)
	}, nil)

	b.Add(flow("a1", "ch", 1, ts(10, 0, 10)))
	b.Add(flow("b1", "ch", 2, ts(10, 0, 20)))
	b.Add(flow("a2", "ch", 1, ts(10, 1, 0)))
	require.Len(t, got, 1)
	assert.Equal(t, "ch/1", got[0].Key)

	assert.Equal(t, 2, b.Flush())
	st := b.Stats()
	assert.Equal(t, 0, st.Open)
	assert.Equal(t, int64(3), st.Emitted)
	assert.Equal(t, int64(3), st.Records)
}

func TestBucketer_OlderRecordGetsOwnBucket(t *testing.T) {
	var got []Bucket[[]string]
	b := NewBucketer(timemath.Minute, idAccumulator(), func(bk Bucket[[]string]) {
		got = append(got, bk)
	}, nil)

	b.Add(flow("new", "ch", 1, ts(10, 6, 0)))
	b.Add(flow("old", "ch", 1, ts(10, 5, 10)))
	require.Len(t, got, 1)
	assert.Equal(t, ts(10, 5, 0), got[0].Start)
	assert.Equal(t, []string{"old"}, got[0].Value)
	assert.Equal(t, int64(1), b.Stats().Reordered)

	b.Flush()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"new"}, got[1].Value)
}

func TestBucketer_PartitionLaw(t *testing.T) {
	for _, level := range []timemath.Level{timemath.Minute, timemath.FiveMinutes, timemath.FifteenMinutes, timemath.Hour} {
		t.Run(level.String(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(7))
			seen := map[string]int{}
			b := NewBucketer(level, idAccumulator(), func(bk Bucket[[]string]) {
				for _, id := range bk.Value {
					seen[id]++
					// Every record must sit inside the bucket it was merged into.
					require.Equal(t, bk.Start, timemath.Align(level, idTime(id)))
				}
				require.Equal(t, int64(len(bk.Value)), bk.Records)
			}, nil)

			// Mostly ordered with occasional jitter, like staged early data.
			var ids []string
			base := ts(8, 0, 0)
			for i := 0; i < 2000; i++ {
				offset := time.Duration(i)*7*time.Second - time.Duration(rng.Intn(3))*time.Minute
				at := base.Add(offset)
				id := at.Format(time.RFC3339Nano) + "#" + strconv.Itoa(i)
				ids = append(ids, id)
				b.Add(flow(id, "ch", 1+rng.Intn(3), at))
			}
			b.Flush()

			require.Len(t, seen, len(ids))
			for _, id := range ids {
				require.Equal(t, 1, seen[id], "record %s", id)
			}
		})
	}
}

func idTime(id string) time.Time {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '#' {
			at, _ := time.Parse(time.RFC3339Nano, id[:i])
			return at.In(time.Local)
		}
	}
	return time.Time{}
}

func TestFlowAccumulator(t *testing.T) {
	var got []Bucket[*FlowAggregate]
	b := NewBucketer(timemath.FifteenMinutes, FlowAccumulator(), func(bk Bucket[*FlowAggregate]) {
		got = append(got, bk)
	}, nil)

	rec := func(cat string, n int, speed string, at time.Time) v1.FlowRecord {
		return v1.FlowRecord{
			ChannelID:     "gate/east",
			Lane:          3,
			Category:      cat,
			Count:         n,
			Speed:         decimal.RequireFromString(speed),
			HeadDistance:  decimal.NewFromInt(20),
			TimeOccupancy: decimal.NewFromInt(150),
			RecordTime:    at,
		}
	}
	b.Add(rec(v1.VehicleCar, 4, "50", ts(9, 0, 0)))
	b.Add(rec(v1.VehicleTruck, 1, "30", ts(9, 7, 0)))
	b.Add(rec(v1.VehicleCar, 0, "0", ts(9, 14, 59)))
	b.Flush()

	require.Len(t, got, 1)
	agg := got[0].Value
	assert.Equal(t, "gate/east", agg.ChannelID)
	assert.Equal(t, 3, agg.Lane)
	assert.Equal(t, int64(5), agg.Vehicles)
	assert.Equal(t, map[string]int64{v1.VehicleCar: 4, v1.VehicleTruck: 1}, agg.Categories)
	assert.Equal(t, int64(2), agg.Speed.Samples)
	assert.True(t, decimal.NewFromInt(40).Equal(agg.Speed.Mean()))
	assert.Equal(t, int64(3), got[0].Records)
}

func TestDensityAndViolationAccumulators(t *testing.T) {
	var density []Bucket[*DensityAggregate]
	db := NewBucketer(timemath.Minute, DensityAccumulator(), func(bk Bucket[*DensityAggregate]) {
		density = append(density, bk)
	}, nil)
	for i, n := range []int{12, 3, 40} {
		db.Add(v1.DensityRecord{ChannelID: "plaza", RegionID: 2, Count: n, RecordTime: ts(12, 0, i)})
	}
	db.Flush()
	require.Len(t, density, 1)
	assert.Equal(t, 2, density[0].Value.RegionID)
	assert.True(t, decimal.NewFromInt(40).Equal(density[0].Value.People.Max))
	assert.True(t, decimal.NewFromInt(3).Equal(density[0].Value.People.Min))

	var violations []Bucket[*ViolationAggregate]
	vb := NewBucketer(timemath.Hour, ViolationAccumulator(), func(bk Bucket[*ViolationAggregate]) {
		violations = append(violations, bk)
	}, nil)
	for _, code := range []int{1208, 1208, 1301} {
		vb.Add(v1.ViolationRecord{ChannelID: "x", Lane: 1, Violation: code, RecordTime: ts(7, 20, 0)})
	}
	vb.Flush()
	require.Len(t, violations, 1)
	assert.Equal(t, map[int]int64{1208: 2, 1301: 1}, violations[0].Value.Counts)
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		key string
		ch  string
		n   int
	}{
		{"ch-1/2", "ch-1", 2},
		{"gate/east/7", "gate/east", 7},
		{"nolane", "nolane", 0},
		{"ch/x", "ch/x", 0},
	}
	for _, tc := range tests {
		ch, n := splitKey(tc.key)
		assert.Equal(t, tc.ch, ch, tc.key)
		assert.Equal(t, tc.n, n, tc.key)
	}
}
