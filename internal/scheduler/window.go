package scheduler

import (
	"time"

	"github.com/erpbridge/erpbridge/internal/types"
)

// Window is a daily wall-clock interval. Start after End means an overnight
// window that wraps midnight, e.g. 19:00 to 07:00.
type Window struct {
	Start types.TimeOfDay `json:"start"`
	End   types.TimeOfDay `json:"end"`
}

// Contains reports whether the instant's wall-clock time falls inside the
// window. A zero-length window contains every instant.
func (w Window) Contains(t time.Time) bool {
	cur := types.TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}.Seconds()
	start, end := w.Start.Seconds(), w.End.Seconds()

	switch {
	case start == end:
		return true
	case start < end:
		return cur >= start && cur <= end
	default: // overnight
		return cur >= start || cur <= end
	}
}
