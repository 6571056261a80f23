// Package timemath holds the bucket arithmetic shared by windows, aggregators,
// the scheduler and partition naming.
//
// Every function works in the location carried by its input. Records are
// expected to already be in system-local time, so nothing here converts zones.
package timemath

import "time"

// Align returns the start of the level bucket containing t.
// Example: Align(FiveMinutes, 10:07:42) → 10:05:00
func Align(level Level, t time.Time) time.Time {
	y, mo, d := t.Date()
	loc := t.Location()

	switch level {
	case Minute:
		return time.Date(y, mo, d, t.Hour(), t.Minute(), 0, 0, loc)
	case FiveMinutes:
		return time.Date(y, mo, d, t.Hour(), t.Minute()-t.Minute()%5, 0, 0, loc)
	case FifteenMinutes:
		return time.Date(y, mo, d, t.Hour(), t.Minute()-t.Minute()%15, 0, 0, loc)
	case Hour:
		return time.Date(y, mo, d, t.Hour(), 0, 0, 0, loc)
	case Day:
		return time.Date(y, mo, d, 0, 0, 0, 0, loc)
	case Month:
		return time.Date(y, mo, 1, 0, 0, 0, 0, loc)
	case Season:
		first := time.Month((int(mo)-1)/3*3 + 1)
		return time.Date(y, first, 1, 0, 0, 0, 0, loc)
	case Year:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	}
	panic("timemath: unknown level " + level.String())
}

// Next adds one unit of level to t. Month, season and year use calendar
// addition, so Next(Month, Jan 1) is Feb 1 regardless of month length.
func Next(level Level, t time.Time) time.Time {
	return shift(level, t, 1)
}

// Prev subtracts one unit of level from t.
func Prev(level Level, t time.Time) time.Time {
	return shift(level, t, -1)
}

func shift(level Level, t time.Time, n int) time.Time {
	switch level {
	case Minute, FiveMinutes, FifteenMinutes, Hour:
		return t.Add(time.Duration(n) * level.Duration())
	case Day:
		return t.AddDate(0, 0, n)
	case Month:
		return t.AddDate(0, n, 0)
	case Season:
		return t.AddDate(0, 3*n, 0)
	case Year:
		return t.AddDate(n, 0, 0)
	}
	panic("timemath: unknown level " + level.String())
}

// Bounds returns the half-open bucket [start, end) that contains t.
func Bounds(level Level, t time.Time) (time.Time, time.Time) {
	start := Align(level, t)
	return start, Next(level, start)
}

// Format returns the display layout for bucket starts of the given level.
func Format(level Level) string {
	switch level {
	case Minute, FiveMinutes, FifteenMinutes, Hour:
		return "2006-01-02 15:04"
	case Day:
		return "2006-01-02"
	case Month, Season:
		return "2006-01"
	case Year:
		return "2006"
	}
	return time.RFC3339
}

// MonthSuffix renders t as YYYYMM for shard names.
func MonthSuffix(t time.Time) string {
	return t.Format("200601")
}
