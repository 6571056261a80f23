package aggregation

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ExtractDecimal pulls a numeric field out of a decoded device payload.
// Returns decimal.Zero if the field is missing, empty, or not numeric.
// Devices send measurements either as JSON numbers or as quoted strings.
func ExtractDecimal(data map[string]interface{}, field string) decimal.Decimal {
	if field == "" {
		return decimal.Zero
	}
	v, ok := data[field]
	if !ok {
		return decimal.Zero
	}
	switch val := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(val)
	case float32:
		return decimal.NewFromFloat(float64(val))
	case int:
		return decimal.NewFromInt(int64(val))
	case int64:
		return decimal.NewFromInt(val)
	case int32:
		return decimal.NewFromInt(int64(val))
	case string:
		d, err := decimal.NewFromString(val)
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}
