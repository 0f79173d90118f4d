package window

import (
	"fmt"
	"time"
)

// Window is the daily local-time interval during which capture is permitted.
// The range is half-open [StartHour, EndHour) and must not cross midnight.
// EndHour may be 24 to cover the rest of the day.
type Window struct {
	StartHour int `json:"start_hour" mapstructure:"start_hour"`
	EndHour   int `json:"end_hour" mapstructure:"end_hour"`
}

// Validate enforces the non-wrapping invariant.
func (w Window) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return fmt.Errorf("window start_hour %d out of range [0,23]", w.StartHour)
	}
	if w.EndHour < 1 || w.EndHour > 24 {
		return fmt.Errorf("window end_hour %d out of range [1,24]", w.EndHour)
	}
	if w.StartHour >= w.EndHour {
		return fmt.Errorf("window start_hour %d must be before end_hour %d", w.StartHour, w.EndHour)
	}
	return nil
}

// Contains reports whether now falls inside the recording window.
// It is a pure function of its argument; callers own the clock.
func (w Window) Contains(now time.Time) bool {
	h := now.Hour()
	return h >= w.StartHour && h < w.EndHour
}

// NextOpen returns the next instant at or after now when the window opens.
// If now is already inside the window it is returned unchanged.
func (w Window) NextOpen(now time.Time) time.Time {
	if w.Contains(now) {
		return now
	}
	open := time.Date(now.Year(), now.Month(), now.Day(), w.StartHour, 0, 0, 0, now.Location())
	if !now.Before(open) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

func (w Window) String() string {
	return fmt.Sprintf("[%02d:00,%02d:00)", w.StartHour, w.EndHour)
}
