package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aevon-lab/trafficwatch/internal/aggregation"
	v1 "github.com/aevon-lab/trafficwatch/internal/api/v1"
	"github.com/google/uuid"
)

// Decoder turns feed messages into records. It is safe for concurrent use.
type Decoder struct {
	catalog *Catalog
	loc     *time.Location
}

// NewDecoder returns a decoder that resolves channels in catalog and parses
// record times in loc.
func NewDecoder(catalog *Catalog, loc *time.Location) *Decoder {
	if loc == nil {
		loc = time.Local
	}
	return &Decoder{catalog: catalog, loc: loc}
}

// Decode parses one message. deviceID is the connection's device; when it is
// empty the envelope's device_id is used instead. The channel must belong to
// that device.
func (d *Decoder) Decode(deviceID string, msg []byte) (v1.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()

	var env v1.Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return d.DecodeEnvelope(deviceID, &env)
}

// DecodeEnvelope builds a record from an already parsed envelope.
func (d *Decoder) DecodeEnvelope(deviceID string, env *v1.Envelope) (v1.Record, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if deviceID == "" {
		deviceID = env.DeviceID
	}

	channelID := stringField(env.Data, "channel_id")
	entry, ok := d.catalog.Lookup(channelID)
	if !ok || (deviceID != "" && entry.DeviceID != deviceID) {
		return nil, fmt.Errorf("channel %q: %w", channelID, ErrUnknownChannel)
	}
	if !entry.Allows(env.Type) {
		return nil, fmt.Errorf("channel %q, type %q: %w", channelID, env.Type, ErrKindNotAllowed)
	}

	ts, err := v1.ParseRecordTime(stringField(env.Data, "record_time"), d.loc)
	if err != nil {
		return nil, err
	}
	id := stringField(env.Data, "id")
	if id == "" {
		id = uuid.NewString()
	}

	switch env.Type {
	case v1.KindFlow:
		return d.flow(env.Data, id, entry.DeviceID, channelID, ts)
	case v1.KindDensity:
		return d.density(env.Data, id, entry.DeviceID, channelID, ts)
	case v1.KindViolation:
		return d.violation(env.Data, id, entry.DeviceID, channelID, ts)
	default:
		return nil, fmt.Errorf("type %q: %w", env.Type, ErrUnknownType)
	}
}

func (d *Decoder) flow(data map[string]interface{}, id, deviceID, channelID string, ts time.Time) (v1.Record, error) {
	lane, err := intField(data, "lane")
	if err != nil {
		return nil, err
	}
	count, err := intField(data, "count")
	if err != nil {
		return nil, err
	}
	rec := v1.FlowRecord{
		ID:            id,
		DeviceID:      deviceID,
		ChannelID:     channelID,
		Lane:          lane,
		Category:      strings.ToLower(stringField(data, "category")),
		Count:         count,
		Speed:         aggregation.ExtractDecimal(data, "speed"),
		HeadDistance:  aggregation.ExtractDecimal(data, "head_distance"),
		TimeOccupancy: aggregation.ExtractDecimal(data, "time_occupancy"),
		RecordTime:    ts,
	}
	if rec.Category == "" {
		rec.Category = v1.VehicleOther
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow record: %w", err)
	}
	return rec, nil
}

func (d *Decoder) density(data map[string]interface{}, id, deviceID, channelID string, ts time.Time) (v1.Record, error) {
	region, err := intField(data, "region_id")
	if err != nil {
		return nil, err
	}
	count, err := intField(data, "count")
	if err != nil {
		return nil, err
	}
	rec := v1.DensityRecord{
		ID:         id,
		DeviceID:   deviceID,
		ChannelID:  channelID,
		RegionID:   region,
		Count:      count,
		RecordTime: ts,
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid density record: %w", err)
	}
	return rec, nil
}

func (d *Decoder) violation(data map[string]interface{}, id, deviceID, channelID string, ts time.Time) (v1.Record, error) {
	lane, err := intField(data, "lane")
	if err != nil {
		return nil, err
	}
	code, err := intField(data, "violation")
	if err != nil {
		return nil, err
	}
	rec := v1.ViolationRecord{
		ID:         id,
		DeviceID:   deviceID,
		ChannelID:  channelID,
		Lane:       lane,
		Violation:  code,
		Plate:      stringField(data, "plate"),
		RecordTime: ts,
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid violation record: %w", err)
	}
	return rec, nil
}

func stringField(data map[string]interface{}, field string) string {
	switch v := data[field].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

// intField reads a required integer sent either as a number or a string.
func intField(data map[string]interface{}, field string) (int, error) {
	v, ok := data[field]
	if !ok {
		return 0, fmt.Errorf("%s is required", field)
	}
	var s string
	switch val := v.(type) {
	case json.Number:
		s = val.String()
	case string:
		s = val
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return 0, fmt.Errorf("%s: unsupported value %v", field, v)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: not an integer: %q", field, s)
	}
	return n, nil
}
