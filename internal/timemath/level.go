package timemath

import (
	"fmt"
	"strings"
	"time"
)

// Level is a calendar-aware bucket granularity.
type Level int

const (
	Minute Level = iota
	FiveMinutes
	FifteenMinutes
	Hour
	Day
	Month
	Season
	Year
)

// Levels lists every supported level from finest to coarsest.
var Levels = []Level{Minute, FiveMinutes, FifteenMinutes, Hour, Day, Month, Season, Year}

var levelLabels = map[Level]string{
	Minute:         "1m",
	FiveMinutes:    "5m",
	FifteenMinutes: "15m",
	Hour:           "1h",
	Day:            "1d",
	Month:          "1mo",
	Season:         "season",
	Year:           "1y",
}

var levelAliases = map[string]Level{
	"minute":  Minute,
	"5min":    FiveMinutes,
	"15min":   FifteenMinutes,
	"hour":    Hour,
	"60m":     Hour,
	"day":     Day,
	"month":   Month,
	"quarter": Season,
	"year":    Year,
}

// String returns the short label used in table suffixes and config ("5m", "1h").
func (l Level) String() string {
	if s, ok := levelLabels[l]; ok {
		return s
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is one of the declared levels.
func (l Level) Valid() bool {
	_, ok := levelLabels[l]
	return ok
}

// ParseLevel accepts the short labels returned by String plus a few long names.
func ParseLevel(s string) (Level, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return 0, fmt.Errorf("level must not be empty")
	}
	for l, label := range levelLabels {
		if label == key {
			return l, nil
		}
	}
	if l, ok := levelAliases[key]; ok {
		return l, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// MarshalText lets levels round-trip through yaml/json config.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("unknown level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Duration returns the fixed length of sub-day levels. Calendar levels
// (Day and above) return 0 because their length varies.
func (l Level) Duration() time.Duration {
	switch l {
	case Minute:
		return time.Minute
	case FiveMinutes:
		return 5 * time.Minute
	case FifteenMinutes:
		return 15 * time.Minute
	case Hour:
		return time.Hour
	}
	return 0
}
