// Package idempotency derives the keys that collapse repeated visit submissions into one effect.
//
// The client queue and the server state store both key their records by the same
// (visit, calendar day) pair, so a retried submission lands on the same logical entry.
package idempotency

import (
	"strconv"
	"time"
)

// DayLayout is the calendar-day format shared by clients and the server.
const DayLayout = "2006-01-02"

// Key returns the idempotency key for a visit on a calendar day.
func Key(visitID int64, day string) string {
	return strconv.FormatInt(visitID, 10) + ":" + day
}

// Day returns the calendar day of t in t's own location.
//
// Devices and the server each use their local clock here; a submission made near midnight
// can therefore map to different days on either side.
func Day(t time.Time) string {
	return t.Format(DayLayout)
}

// KeyAt returns the idempotency key for a visit on the calendar day of t.
func KeyAt(visitID int64, t time.Time) string {
	return Key(visitID, Day(t))
}
