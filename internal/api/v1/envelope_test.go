package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelope_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name: "valid flow envelope",
			env:  Envelope{Type: KindFlow, Data: map[string]interface{}{"channel_id": "ch-1"}},
		},
		{
			name:    "missing type",
			env:     Envelope{Data: map[string]interface{}{}},
			wantErr: true,
		},
		{
			name:    "missing data",
			env:     Envelope{Type: KindDensity},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvelope_JSONShape(t *testing.T) {
	raw := `{"type":"violation","data":{"channel_id":"ch-9","lane":2}}`

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != KindViolation {
		t.Errorf("Type = %q, want %q", env.Type, KindViolation)
	}
	if env.DeviceID != "" {
		t.Errorf("DeviceID = %q, want empty", env.DeviceID)
	}
	if env.Data["channel_id"] != "ch-9" {
		t.Errorf("Data[channel_id] = %v", env.Data["channel_id"])
	}
}

func TestParseRecordTime(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)

	got, err := ParseRecordTime("20260901083015", loc)
	if err != nil {
		t.Fatalf("ParseRecordTime: %v", err)
	}
	want := time.Date(2026, 9, 1, 8, 30, 15, 0, loc)
	if !got.Equal(want) || got.Location() != loc {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := ParseRecordTime("2026-09-01 08:30:15", loc); err == nil {
		t.Error("expected error for wrong layout")
	}
}
