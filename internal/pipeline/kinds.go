package pipeline

import (
	"sort"

	"github.com/aevon-lab/trafficwatch/internal/aggregation"
	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	"github.com/aevon-lab/trafficwatch/internal/storage"
	"github.com/aevon-lab/trafficwatch/internal/timemath"
)

// Spec binds one record kind to its tables and rollup.
type Spec[T v1.Record, A any] struct {
	Kind       string
	RawTable   string
	RawColumns []string
	RawRow     func(T) []interface{}

	// AggBase is the rollup table prefix; the level is appended.
	AggBase     string
	AggSpec     storage.UpsertSpec
	AggRows     func(aggregation.Bucket[A]) [][]interface{}
	Accumulator aggregation.Accumulator[T, A]
	Levels      []timemath.Level
}

// FlowSpec rolls lane flow up at levels.
func FlowSpec(levels []timemath.Level) Spec[v1.FlowRecord, *aggregation.FlowAggregate] {
	return Spec[v1.FlowRecord, *aggregation.FlowAggregate]{
		Kind:       v1.KindFlow,
		RawTable:   storage.TableLaneFlow,
		RawColumns: storage.LaneFlowColumns,
		RawRow: func(r v1.FlowRecord) []interface{} {
			return []interface{}{
				r.ID, r.DeviceID, r.ChannelID, r.Lane, r.Category, r.Count,
				r.Speed, r.HeadDistance, r.TimeOccupancy, r.RecordTime,
			}
		},
		AggBase: storage.TableLaneFlow,
		AggSpec: storage.LaneFlowAggregate,
		AggRows: func(b aggregation.Bucket[*aggregation.FlowAggregate]) [][]interface{} {
			a := b.Value
			return [][]interface{}{{
				a.ChannelID, a.Lane, b.Start, b.Records, a.Vehicles,
				a.Categories[v1.VehicleCar], a.Categories[v1.VehicleTruck], a.Categories[v1.VehicleBus],
				a.Categories[v1.VehicleMotorcycle], a.Categories[v1.VehicleOther],
				a.Speed.Samples, a.Speed.Sum, nullableMin(a.Speed), nullableMax(a.Speed),
				a.HeadDistance.Sum, a.TimeOccupancy.Sum,
			}}
		},
		Accumulator: aggregation.FlowAccumulator(),
		Levels:      levels,
	}
}

// DensitySpec rolls region density up at levels.
func DensitySpec(levels []timemath.Level) Spec[v1.DensityRecord, *aggregation.DensityAggregate] {
	return Spec[v1.DensityRecord, *aggregation.DensityAggregate]{
		Kind:       v1.KindDensity,
		RawTable:   storage.TableRegionDensity,
		RawColumns: storage.RegionDensityColumns,
		RawRow: func(r v1.DensityRecord) []interface{} {
			return []interface{}{r.ID, r.DeviceID, r.ChannelID, r.RegionID, r.Count, r.RecordTime}
		},
		AggBase: storage.TableRegionDensity,
		AggSpec: storage.RegionDensityAggregate,
		AggRows: func(b aggregation.Bucket[*aggregation.DensityAggregate]) [][]interface{} {
			a := b.Value
			return [][]interface{}{{
				a.ChannelID, a.RegionID, b.Start, b.Records,
				a.People.Samples, a.People.Sum, nullableMin(a.People), nullableMax(a.People),
			}}
		},
		Accumulator: aggregation.DensityAccumulator(),
		Levels:      levels,
	}
}

// ViolationSpec rolls violations up hourly, one row per violation type.
func ViolationSpec() Spec[v1.ViolationRecord, *aggregation.ViolationAggregate] {
	return Spec[v1.ViolationRecord, *aggregation.ViolationAggregate]{
		Kind:       v1.KindViolation,
		RawTable:   storage.TableTrafficViolation,
		RawColumns: storage.TrafficViolationColumns,
		RawRow: func(r v1.ViolationRecord) []interface{} {
			var plate interface{}
			if r.Plate != "" {
				plate = r.Plate
			}
			return []interface{}{r.ID, r.DeviceID, r.ChannelID, r.Lane, r.Violation, plate, r.RecordTime}
		},
		AggBase: storage.TableTrafficViolation,
		AggSpec: storage.TrafficViolationAggregate,
		AggRows: func(b aggregation.Bucket[*aggregation.ViolationAggregate]) [][]interface{} {
			a := b.Value
			codes := make([]int, 0, len(a.Counts))
			for code := range a.Counts {
				codes = append(codes, code)
			}
			sort.Ints(codes)
			rows := make([][]interface{}, 0, len(codes))
			for _, code := range codes {
				rows = append(rows, []interface{}{a.ChannelID, a.Lane, code, b.Start, a.Counts[code]})
			}
			return rows
		},
		Accumulator: aggregation.ViolationAccumulator(),
		Levels:      storage.ViolationLevels,
	}
}

// nullableMin and nullableMax keep empty measures NULL so LEAST/GREATEST on
// conflict ignore them.
func nullableMin(m aggregation.Measure) interface{} {
	if m.Samples == 0 {
		return nil
	}
	return m.Min
}

func nullableMax(m aggregation.Measure) interface{} {
	if m.Samples == 0 {
		return nil
	}
	return m.Max
}
