package utils

import "time"

// DurationMinutes returns the span between two timestamps in minutes,
// regardless of argument order.
func DurationMinutes(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Minutes()
}
