// Package entity defines the persistent domain model: aircraft, flight
// points, flights, airports, suburbs and workers.
package entity

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/crypto/blake2b"
)

// Altitude is a tagged altitude value. The wire encodes altitude as an
// optional integer where 0 is the "ground" marker.
type Altitude struct {
	Valid  bool
	Ground bool
	Feet   int
}

// AltitudeGround returns the ground marker altitude.
func AltitudeGround() Altitude {
	return Altitude{Valid: true, Ground: true}
}

// AltitudeFeet returns a barometric altitude. Zero feet is the ground marker.
func AltitudeFeet(ft int) Altitude {
	if ft == 0 {
		return AltitudeGround()
	}
	return Altitude{Valid: true, Feet: ft}
}

// String renders the altitude the way the wire and the point hash expect it:
// "na" when absent, "ground" for the ground marker, else the integer feet.
func (a Altitude) String() string {
	switch {
	case !a.Valid:
		return "na"
	case a.Ground:
		return "ground"
	default:
		return strconv.Itoa(a.Feet)
	}
}

// FlightPoint is one timestamped position/altitude sample for an aircraft.
//
// Invariant: if Position is set then CRS and UTMZone are set.
type FlightPoint struct {
	Hash         string
	AircraftIcao string
	// DayDate is the UTC calendar date derived from Timestamp.
	DayDate time.Time
	// FlightHash is empty until the point is assimilated into a flight.
	FlightHash string

	// Timestamp is seconds since epoch, millisecond precision.
	Timestamp float64

	// Position is in the projected CRS identified by CRS; nil when the
	// sample carried no coordinate.
	Position *orb.Point
	CRS      int
	UTMZone  int

	Altitude          Altitude
	GroundSpeedKn     *float64
	TrackDeg          *float64
	VerticalRateFtMin *float64

	DataSource   string
	IsOnGround   bool
	IsAscending  bool
	IsDescending bool

	// SuburbHash is set by the geolocator; empty until located.
	SuburbHash string
}

// Grounded reports whether the sample shows the aircraft on the ground.
func (p *FlightPoint) Grounded() bool {
	return p.IsOnGround || (p.Altitude.Valid && p.Altitude.Ground)
}

// HasPosition reports whether the sample carries a coordinate.
func (p *FlightPoint) HasPosition() bool {
	return p.Position != nil
}

// Time returns the sample time in UTC.
func (p *FlightPoint) Time() time.Time {
	sec := int64(p.Timestamp)
	nsec := int64(math.Round((p.Timestamp - float64(sec)) * 1e9))
	return time.Unix(sec, nsec).UTC()
}

// DayFromTimestamp derives the owning UTC calendar date from an epoch
// seconds timestamp.
func DayFromTimestamp(ts float64) time.Time {
	t := time.Unix(int64(ts), 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CoordString formats a wire coordinate for hashing. The format mirrors the
// shortest round-trip decimal rendering of the value.
func CoordString(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// hash128 is the entity identity digest: hex-encoded BLAKE2b-128.
func hash128(payload string) string {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// Unkeyed construction with a valid size never fails.
		panic(err)
	}
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// PointHash computes the flight point identity: BLAKE2b-128 of
// (icao || floor-seconds || lon-string || lat-string || altitude-or-"na").
// lonStr and latStr are empty when the sample has no position.
func PointHash(icao string, ts float64, lonStr, latStr string, alt Altitude) string {
	altStr := "na"
	if alt.Valid {
		altStr = alt.String()
	}
	return hash128(icao + strconv.FormatInt(int64(ts), 10) + lonStr + latStr + altStr)
}

// SamePosition reports whether two points occupy an identical projected
// coordinate. Adjacent equal positions indicate upstream duplication; the
// later point's position must be cleared.
func SamePosition(a, b *FlightPoint) bool {
	if a.Position == nil || b.Position == nil {
		return false
	}
	return a.Position.Equal(*b.Position)
}

// ClearPosition drops the coordinate and its CRS tags together, preserving
// the position-implies-CRS invariant.
func (p *FlightPoint) ClearPosition() {
	p.Position = nil
	p.CRS = 0
	p.UTMZone = 0
	p.SuburbHash = ""
}

// Validate checks the internal invariants of a point before persistence.
func (p *FlightPoint) Validate() error {
	if p.Hash == "" {
		return fmt.Errorf("flight point without hash")
	}
	if p.AircraftIcao == "" {
		return fmt.Errorf("flight point %s without aircraft", p.Hash)
	}
	if p.Position != nil && p.CRS == 0 {
		return fmt.Errorf("flight point %s has position but no CRS", p.Hash)
	}
	return nil
}
