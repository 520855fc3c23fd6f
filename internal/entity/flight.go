package entity

import (
	"time"

	"github.com/google/uuid"
)

// Flight is a single complete journey, takeoff to landing (or taxi only).
// Statistics are cached on the row and recomputed on each assimilation.
type Flight struct {
	Hash         string
	AircraftIcao string

	// Airport references are nullable: either may stay empty when the
	// endpoint was never observed or had no position.
	TakeoffAirportHash string
	LandingAirportHash string

	DistanceMeters    *float64
	FuelGallons       *float64
	AvgSpeedKn        *float64
	AvgAltitudeFt     *float64
	TotalMinutes      *int
	ProhibitedMinutes *int
	TotalCO2Kg        *float64

	// DaysAcross is the number of UTC calendar dates the flight spans.
	DaysAcross int

	HasDepartureDetails bool
	HasArrivalDetails   bool
	TaxiOnly            bool
	// IsOnGround mirrors the grounded flag of the latest point, for
	// realtime display.
	IsOnGround bool

	FirstPointTime time.Time
	LastPointTime  time.Time
}

// NewFlight allocates a flight with a fresh hash for the given aircraft.
func NewFlight(icao string) *Flight {
	return &Flight{
		Hash:         uuid.NewString(),
		AircraftIcao: icao,
	}
}
