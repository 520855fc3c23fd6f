package entity

import "time"

// DateFormat is the canonical rendering of a Day key.
const DateFormat = "2006-01-02"

// Day is a UTC calendar date. A Day row exists iff at least one flight point
// references it.
type Day struct {
	Date time.Time
}

// AircraftPresentDay is the (aircraft, date) junction. The three flags are
// independent: a day's trace may be fully back-filled without its flights
// having been reconciled, and vice versa.
type AircraftPresentDay struct {
	AircraftIcao string
	Date         time.Time

	// HistoryVerified: the day's trace has been fully back-filled.
	HistoryVerified bool
	// FlightsVerified: the day's partials are reconciled into flights.
	FlightsVerified bool
	// GeolocationVerified: every point of the day maps to a suburb.
	GeolocationVerified bool
}

// DateKey renders a date the way the store and the wire expect it.
func DateKey(d time.Time) string {
	return d.UTC().Format(DateFormat)
}

// ParseDate parses a canonical date key.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateFormat, s)
}
