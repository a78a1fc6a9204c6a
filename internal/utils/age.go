package utils

import (
	"fmt"
	"time"
)

// Describes a point in time relative to now, like "3 mins ago" or
// "in 2 h". The zero time is "never".
func Relative(at time.Time, now time.Time) string {
	if at.IsZero() {
		return "never"
	}

	duration := now.Sub(at)
	if duration < 0 {
		return "in " + RoundedAge(-duration)
	}
	return RoundedAge(duration) + " ago"
}

// Generates an age from a duration.
func RoundedAge(duration time.Duration) string {
	seconds := duration.Seconds()

	minutes := 60.0
	hour := 60 * minutes
	day := 24 * hour

	if seconds/day >= 1 {
		return text(seconds/day, "day", "days")
	} else if seconds/hour >= 1 {
		return text(seconds/hour, "hr", "hrs")
	} else if seconds/minutes >= 1 {
		return text(seconds/minutes, "min", "mins")
	}

	return text(seconds, "sec", "secs")
}

func text(value float64, singular string, plural string) string {
	suffix := singular
	if value >= 2 {
		suffix = plural
	}
	return fmt.Sprintf("%d %s", int(value), suffix)
}
