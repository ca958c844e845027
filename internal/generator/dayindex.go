package generator

import "time"

const oneDay = 24 * time.Hour

// UTCDate truncates t to midnight UTC.
func UTCDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DayIndex is the number of UTC calendar days between epoch and now. Instants before the
// epoch map to day 0.
func DayIndex(now, epoch time.Time) int {
	start := UTCDate(epoch)
	current := UTCDate(now)
	if current.Before(start) {
		return 0
	}
	return int(current.Sub(start) / oneDay)
}

// DateOf returns the UTC date for a day index.
func DateOf(dayIndex int, epoch time.Time) time.Time {
	return UTCDate(epoch).AddDate(0, 0, dayIndex)
}
