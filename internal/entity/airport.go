package entity

import (
	"github.com/paulmach/orb"
)

// Airport is a known aerodrome. Its polygon is the registered point buffered
// by the configured radius, stored in the projected CRS.
type Airport struct {
	Hash string
	Name string
	Code string

	// Lat and Lon are the registered geographic coordinates (EPSG:4326).
	Lat float64
	Lon float64

	Polygon orb.Polygon
	CRS     int

	// UTMZones is the set of UTM EPSG zones the polygon intersects.
	UTMZones []int
}

// AirportHash identifies an airport by its name and registered coordinate.
func AirportHash(name string, lat, lon float64) string {
	return hash128(name + CoordString(lat) + CoordString(lon))
}

// Centroid returns the centre of the airport polygon in the projected CRS.
func (a *Airport) Centroid() orb.Point {
	if len(a.Polygon) == 0 {
		return orb.Point{}
	}
	return a.Polygon.Bound().Center()
}

// InZone reports whether the airport's polygon reaches the given UTM zone.
func (a *Airport) InZone(epsg int) bool {
	for _, z := range a.UTMZones {
		if z == epsg {
			return true
		}
	}
	return false
}
