package v1

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Record kinds carried in the feed envelope's "type" field.
const (
	KindFlow      = "flow"
	KindDensity   = "density"
	KindViolation = "violation"
)

// Vehicle categories counted by lane flow detectors.
const (
	VehicleCar        = "car"
	VehicleTruck      = "truck"
	VehicleBus        = "bus"
	VehicleMotorcycle = "motorcycle"
	VehicleOther      = "other"
)

// Record is the unit routed through a pipeline. Implementations are immutable
// once built by a decoder.
type Record interface {
	// EntityKey identifies the stream the record belongs to (channel/lane,
	// channel/region). Aggregation buckets are kept per key.
	EntityKey() string
	// Timestamp is the device-side record time in local time.
	Timestamp() time.Time
	// Kind is one of the Kind* constants.
	Kind() string
}

// FlowRecord is one lane flow observation from a video detector channel.
type FlowRecord struct {
	ID        string
	DeviceID  string
	ChannelID string
	Lane      int
	Category  string
	Count     int

	// Speed is the average speed in km/h over the observation.
	Speed decimal.Decimal
	// HeadDistance is the average gap between vehicles in metres.
	HeadDistance decimal.Decimal
	// TimeOccupancy is the time the detection zone was occupied, in ms.
	TimeOccupancy decimal.Decimal

	RecordTime time.Time
}

func (r FlowRecord) EntityKey() string    { return laneKey(r.ChannelID, r.Lane) }
func (r FlowRecord) Timestamp() time.Time { return r.RecordTime }
func (r FlowRecord) Kind() string         { return KindFlow }

// Validate checks the fields every flow row needs.
func (r FlowRecord) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	if r.Lane <= 0 {
		return fmt.Errorf("lane must be > 0, got %d", r.Lane)
	}
	if r.Count < 0 {
		return fmt.Errorf("count must be >= 0, got %d", r.Count)
	}
	if !ValidCategory(r.Category) {
		return fmt.Errorf("unknown vehicle category %q", r.Category)
	}
	if r.RecordTime.IsZero() {
		return fmt.Errorf("record_time is required")
	}
	return nil
}

// DensityRecord is a crowd density reading for one region of a channel.
type DensityRecord struct {
	ID         string
	DeviceID   string
	ChannelID  string
	RegionID   int
	Count      int
	RecordTime time.Time
}

func (r DensityRecord) EntityKey() string    { return r.ChannelID + "/" + strconv.Itoa(r.RegionID) }
func (r DensityRecord) Timestamp() time.Time { return r.RecordTime }
func (r DensityRecord) Kind() string         { return KindDensity }

// Validate checks the fields every density row needs.
func (r DensityRecord) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	if r.RegionID <= 0 {
		return fmt.Errorf("region_id must be > 0, got %d", r.RegionID)
	}
	if r.Count < 0 {
		return fmt.Errorf("count must be >= 0, got %d", r.Count)
	}
	if r.RecordTime.IsZero() {
		return fmt.Errorf("record_time is required")
	}
	return nil
}

// ViolationRecord is a single traffic violation captured on a lane.
type ViolationRecord struct {
	ID         string
	DeviceID   string
	ChannelID  string
	Lane       int
	Violation  int
	Plate      string
	RecordTime time.Time
}

func (r ViolationRecord) EntityKey() string    { return laneKey(r.ChannelID, r.Lane) }
func (r ViolationRecord) Timestamp() time.Time { return r.RecordTime }
func (r ViolationRecord) Kind() string         { return KindViolation }

// Validate checks the fields every violation row needs.
func (r ViolationRecord) Validate() error {
	if r.ChannelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	if r.Lane <= 0 {
		return fmt.Errorf("lane must be > 0, got %d", r.Lane)
	}
	if r.Violation <= 0 {
		return fmt.Errorf("violation type must be > 0, got %d", r.Violation)
	}
	if r.RecordTime.IsZero() {
		return fmt.Errorf("record_time is required")
	}
	return nil
}

// ValidCategory reports whether c is a known vehicle category.
func ValidCategory(c string) bool {
	switch c {
	case VehicleCar, VehicleTruck, VehicleBus, VehicleMotorcycle, VehicleOther:
		return true
	}
	return false
}

func laneKey(channelID string, lane int) string {
	return channelID + "/" + strconv.Itoa(lane)
}
