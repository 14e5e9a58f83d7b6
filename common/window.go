package common

import "time"

// Window is the rolling range of calendar days eligible for scanning,
// [today-days, today] inclusive at one-day granularity (UTC).
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow computes the rolling window ending at the calendar day of now
func NewWindow(now time.Time, days int) Window {
	end := truncateDay(now.UTC())
	return Window{Start: end.AddDate(0, 0, -days), End: end}
}

// Days lists the days of the window, oldest first.
// Chronological order is an invariant: it decides which scenes are registered
// first when a cycle fails halfway.
func (w Window) Days() []time.Time {
	var days []time.Time
	for d := w.Start; !d.After(w.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// Contains returns whether the calendar day of t belongs to the window
func (w Window) Contains(t time.Time) bool {
	d := truncateDay(t.UTC())
	return !d.Before(w.Start) && !d.After(w.End)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
