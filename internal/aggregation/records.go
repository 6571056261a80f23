package aggregation

import (
	"strconv"
	"strings"
	"time"

	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
)

// FlowAggregate is the lane flow rollup for one bucket.
type FlowAggregate struct {
	ChannelID string
	Lane      int
	Vehicles  int64
	// Categories counts vehicles per v1.Vehicle* category.
	Categories    map[string]int64
	Speed         Measure
	HeadDistance  Measure
	TimeOccupancy Measure
}

// FlowAccumulator folds FlowRecords. Speed, head distance and occupancy are
// only sampled from observations that saw at least one vehicle.
func FlowAccumulator() Accumulator[v1.FlowRecord, *FlowAggregate] {
	return Accumulator[v1.FlowRecord, *FlowAggregate]{
		New: func(key string, _ time.Time) *FlowAggregate {
			ch, lane := splitKey(key)
			return &FlowAggregate{ChannelID: ch, Lane: lane, Categories: make(map[string]int64)}
		},
		Merge: func(acc *FlowAggregate, rec v1.FlowRecord) *FlowAggregate {
			n := int64(rec.Count)
			acc.Vehicles += n
			acc.Categories[rec.Category] += n
			if n > 0 {
				acc.Speed.Observe(rec.Speed)
				acc.HeadDistance.Observe(rec.HeadDistance)
				acc.TimeOccupancy.Observe(rec.TimeOccupancy)
			}
			return acc
		},
	}
}

// DensityAggregate is the region density rollup for one bucket.
type DensityAggregate struct {
	ChannelID string
	RegionID  int
	People    Measure
}

// DensityAccumulator folds DensityRecords.
func DensityAccumulator() Accumulator[v1.DensityRecord, *DensityAggregate] {
	return Accumulator[v1.DensityRecord, *DensityAggregate]{
		New: func(key string, _ time.Time) *DensityAggregate {
			ch, region := splitKey(key)
			return &DensityAggregate{ChannelID: ch, RegionID: region}
		},
		Merge: func(acc *DensityAggregate, rec v1.DensityRecord) *DensityAggregate {
			acc.People.Observe(decimalInt(rec.Count))
			return acc
		},
	}
}

// ViolationAggregate counts violations per type for one lane and bucket.
type ViolationAggregate struct {
	ChannelID string
	Lane      int
	Counts    map[int]int64
}

// ViolationAccumulator folds ViolationRecords.
func ViolationAccumulator() Accumulator[v1.ViolationRecord, *ViolationAggregate] {
	return Accumulator[v1.ViolationRecord, *ViolationAggregate]{
		New: func(key string, _ time.Time) *ViolationAggregate {
			ch, lane := splitKey(key)
			return &ViolationAggregate{ChannelID: ch, Lane: lane, Counts: make(map[int]int64)}
		},
		Merge: func(acc *ViolationAggregate, rec v1.ViolationRecord) *ViolationAggregate {
			acc.Counts[rec.Violation]++
			return acc
		},
	}
}

// splitKey reverses the "channel/n" entity keys built in api/v1. Channel ids
// may themselves contain slashes, so the number is taken after the last one.
func splitKey(key string) (string, int) {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return key, 0
	}
	n, err := strconv.Atoi(key[i+1:])
	if err != nil {
		return key, 0
	}
	return key[:i], n
}
