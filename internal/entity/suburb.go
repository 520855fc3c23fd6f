package entity

import (
	"github.com/paulmach/orb"
)

// StateUnknown is the sentinel state code for suburbs whose administrative
// state could not be determined.
const StateUnknown = "Unknown"

// Suburb is the smallest administrative polygon a flight point is geolocated
// to. Geometry is stored in the projected CRS.
type Suburb struct {
	Hash     string
	Name     string
	Postcode string
	// State is the administrative state code, or StateUnknown.
	State string

	Geometry orb.MultiPolygon
	Bound    orb.Bound
	CRS      int

	// UTMZones is the set of UTM EPSG zones the geometry intersects.
	UTMZones []int

	// Neighbours are the hashes of suburbs whose polygons touch or
	// intersect this one. The relation is symmetric.
	Neighbours []string
}

// SuburbHash identifies a suburb by its name, postcode, state and the wire
// rendering of its coordinates.
func SuburbHash(name, postcode, state, coords string) string {
	return hash128(name + postcode + state + coords)
}

// InZone reports whether the suburb's geometry reaches the given UTM zone.
func (s *Suburb) InZone(epsg int) bool {
	for _, z := range s.UTMZones {
		if z == epsg {
			return true
		}
	}
	return false
}
