package branch

import (
	"fmt"
	"time"
)

// Window is the half-open interval [Min, Max) a branch accepts. The zero
// value is Unbounded and disables windowing.
type Window struct {
	Min time.Time `json:"min"`
	Max time.Time `json:"max"`
}

// Unbounded accepts every record; SwitchBranch on it is a no-op.
var Unbounded = Window{}

// NewWindow returns [min, max) after checking min < max.
func NewWindow(min, max time.Time) (Window, error) {
	if min.IsZero() || max.IsZero() {
		return Window{}, fmt.Errorf("window bounds must both be set (use Unbounded to disable windowing)")
	}
	if !min.Before(max) {
		return Window{}, fmt.Errorf("window min %s must be before max %s", min, max)
	}
	return Window{Min: min, Max: max}, nil
}

// IsUnbounded reports whether windowing is disabled.
func (w Window) IsUnbounded() bool {
	return w.Min.IsZero() && w.Max.IsZero()
}

// Contains reports whether t falls in [Min, Max).
func (w Window) Contains(t time.Time) bool {
	if w.IsUnbounded() {
		return true
	}
	return !t.Before(w.Min) && t.Before(w.Max)
}

func (w Window) String() string {
	if w.IsUnbounded() {
		return "[-inf, +inf)"
	}
	return fmt.Sprintf("[%s, %s)", w.Min.Format(time.DateTime), w.Max.Format(time.DateTime))
}

// Route is where Post sent a record.
type Route int

const (
	// RouteCurrent: inside the window, queued for the active consumer.
	RouteCurrent Route = iota
	// RouteNext: at or after Max, staged for the next window.
	RouteNext
	// RouteLate: before Min, dropped. Windows never reopen.
	RouteLate
	// RouteRejected: the branch is not open.
	RouteRejected
)

func (r Route) String() string {
	switch r {
	case RouteCurrent:
		return "current"
	case RouteNext:
		return "next"
	case RouteLate:
		return "late"
	case RouteRejected:
		return "rejected"
	}
	return "unknown"
}
