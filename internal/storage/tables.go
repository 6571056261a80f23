package storage

import (
	"github.com/aevon-lab/trafficwatch/internal/timemath"
)

// Raw record tables.
const (
	TableLaneFlow         = "lane_flow"
	TableRegionDensity    = "region_density"
	TableTrafficViolation = "traffic_violation"
)

// AggregateTable returns the rollup table of base at level, e.g.
// lane_flow_5m.
func AggregateTable(base string, level timemath.Level) string {
	return base + "_" + level.String()
}

// TimeColumn returns the column that places a row of table in time:
// record_time for raw tables, bucket_start for rollups.
func TimeColumn(table string) string {
	switch table {
	case TableLaneFlow, TableRegionDensity, TableTrafficViolation:
		return "record_time"
	}
	return "bucket_start"
}

// Columns of the raw tables, in insert order.
var (
	LaneFlowColumns = []string{
		"id", "device_id", "channel_id", "lane", "category", "vehicle_count",
		"speed", "head_distance", "time_occupancy", "record_time",
	}
	RegionDensityColumns = []string{
		"id", "device_id", "channel_id", "region_id", "people", "record_time",
	}
	TrafficViolationColumns = []string{
		"id", "device_id", "channel_id", "lane", "violation", "plate", "record_time",
	}
)

// Upsert layouts of the rollup tables.
var (
	LaneFlowAggregate = UpsertSpec{
		Columns: []string{
			"channel_id", "lane", "bucket_start", "records", "vehicles",
			"cars", "trucks", "buses", "motorcycles", "others",
			"speed_samples", "speed_sum", "speed_min", "speed_max",
			"head_distance_sum", "time_occupancy_sum",
		},
		Key: []string{"channel_id", "lane", "bucket_start"},
		Merge: map[string]string{
			"records":            MergeAdd,
			"vehicles":           MergeAdd,
			"cars":               MergeAdd,
			"trucks":             MergeAdd,
			"buses":              MergeAdd,
			"motorcycles":        MergeAdd,
			"others":             MergeAdd,
			"speed_samples":      MergeAdd,
			"speed_sum":          MergeAdd,
			"speed_min":          MergeMin,
			"speed_max":          MergeMax,
			"head_distance_sum":  MergeAdd,
			"time_occupancy_sum": MergeAdd,
		},
	}

	RegionDensityAggregate = UpsertSpec{
		Columns: []string{
			"channel_id", "region_id", "bucket_start", "records",
			"people_samples", "people_sum", "people_min", "people_max",
		},
		Key: []string{"channel_id", "region_id", "bucket_start"},
		Merge: map[string]string{
			"records":        MergeAdd,
			"people_samples": MergeAdd,
			"people_sum":     MergeAdd,
			"people_min":     MergeMin,
			"people_max":     MergeMax,
		},
	}

	TrafficViolationAggregate = UpsertSpec{
		Columns: []string{"channel_id", "lane", "violation", "bucket_start", "violations"},
		Key:     []string{"channel_id", "lane", "violation", "bucket_start"},
		Merge:   map[string]string{"violations": MergeAdd},
	}
)

// FlowLevels and DensityLevels are the rollup granularities with a table.
// Violations are only rolled up hourly.
var (
	FlowLevels      = []timemath.Level{timemath.Minute, timemath.FiveMinutes, timemath.FifteenMinutes, timemath.Hour}
	DensityLevels   = FlowLevels
	ViolationLevels = []timemath.Level{timemath.Hour}
)

// PartitionedTables lists every live table that rotates monthly.
func PartitionedTables() []string {
	tables := []string{TableLaneFlow, TableRegionDensity, TableTrafficViolation}
	for _, l := range FlowLevels {
		tables = append(tables, AggregateTable(TableLaneFlow, l))
	}
	for _, l := range DensityLevels {
		tables = append(tables, AggregateTable(TableRegionDensity, l))
	}
	for _, l := range ViolationLevels {
		tables = append(tables, AggregateTable(TableTrafficViolation, l))
	}
	return tables
}
