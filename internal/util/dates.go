package util

import "time"

// RegistryDate formats a date the way the registry's list endpoint expects it (YYYYMMDD).
func RegistryDate(t time.Time) string {
	return t.Format("20060102")
}

// DayStart truncates a timestamp to midnight UTC.
func DayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole calendar days from start to end,
// inclusive of both endpoints. Returns 0 when end precedes start.
func DaysBetween(start, end time.Time) int {
	s := DayStart(start)
	e := DayStart(end)
	if e.Before(s) {
		return 0
	}

	return int(e.Sub(s).Hours()/24) + 1
}

// EachDay calls fn for every calendar day from start to end inclusive.
func EachDay(start, end time.Time, fn func(day time.Time)) {
	for d := DayStart(start); !d.After(DayStart(end)); d = d.AddDate(0, 0, 1) {
		fn(d)
	}
}
