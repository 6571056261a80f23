package v1

import (
	"fmt"
	"time"
)

// RecordTimeLayout is the device clock format of the record_time field
// (yyyyMMddHHmmss, no zone). It is interpreted in the server's local time.
const RecordTimeLayout = "20060102150405"

// Envelope is the wire shape of every device message, on the websocket feed
// and on the HTTP push endpoint.
type Envelope struct {
	// Type selects the record decoder. One of the Kind* constants.
	Type string `json:"type"`

	// DeviceID is optional on the websocket feed, where the connection
	// already identifies the device. Push clients must set it.
	DeviceID string `json:"device_id,omitempty"`

	// Data is the kind-specific payload. Numbers are kept as json.Number
	// by the decoder so decimal measurements survive unchanged.
	Data map[string]interface{} `json:"data"`
}

// Validate checks the envelope attributes shared by every kind.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.Data == nil {
		return fmt.Errorf("data is required")
	}
	return nil
}

// ParseRecordTime parses a device record_time in loc.
func ParseRecordTime(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(RecordTimeLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid record_time %q: %w", s, err)
	}
	return t, nil
}
