// Package geom provides the projected-CRS transforms, UTM zone arithmetic
// and polygon indexing the geolocator and assimilator are built on.
package geom

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// ErrInvalidCRS is returned when a geometry operation is attempted on data
// without a CRS.
var ErrInvalidCRS = errors.New("geometry has no CRS")

const (
	// EPSG4326 is the geographic CRS all wire coordinates arrive in.
	EPSG4326 = 4326
	// EPSG3112 is GDA94 / Geoscience Australia Lambert, the default
	// projected CRS.
	EPSG3112 = 3112
)

// GRS80 ellipsoid.
const (
	grs80A = 6378137.0
	grs80F = 1.0 / 298.257222101
)

// lambert is a Lambert conformal conic projection with two standard
// parallels (EPSG method 9802).
type lambert struct {
	e      float64
	n      float64
	aF     float64
	rho0   float64
	lon0   float64 // radians
	fe, fn float64
}

// epsg3112 is the GDA94 / Geoscience Australia Lambert definition:
// standard parallels 18S and 36S, origin (0, 134E), zero false offsets.
var epsg3112 = newLambert(-18, -36, 0, 134, 0, 0)

func newLambert(sp1, sp2, lat0, lon0, fe, fn float64) *lambert {
	e2 := 2*grs80F - grs80F*grs80F
	e := math.Sqrt(e2)

	rad := math.Pi / 180
	phi1, phi2, phi0 := sp1*rad, sp2*rad, lat0*rad

	m := func(phi float64) float64 {
		s := math.Sin(phi)
		return math.Cos(phi) / math.Sqrt(1-e2*s*s)
	}
	t := func(phi float64) float64 {
		s := math.Sin(phi)
		return math.Tan(math.Pi/4-phi/2) /
			math.Pow((1-e*s)/(1+e*s), e/2)
	}

	m1, m2 := m(phi1), m(phi2)
	t1, t2, t0 := t(phi1), t(phi2), t(phi0)

	n := (math.Log(m1) - math.Log(m2)) / (math.Log(t1) - math.Log(t2))
	F := m1 / (n * math.Pow(t1, n))
	aF := grs80A * F

	return &lambert{
		e:    e,
		n:    n,
		aF:   aF,
		rho0: aF * math.Pow(t0, n),
		lon0: lon0 * rad,
		fe:   fe,
		fn:   fn,
	}
}

// forward projects a geographic (lon, lat) point into projected metres.
func (l *lambert) forward(p orb.Point) orb.Point {
	rad := math.Pi / 180
	lon, lat := p[0]*rad, p[1]*rad

	s := math.Sin(lat)
	t := math.Tan(math.Pi/4-lat/2) /
		math.Pow((1-l.e*s)/(1+l.e*s), l.e/2)

	rho := l.aF * math.Pow(t, l.n)
	theta := l.n * (lon - l.lon0)

	return orb.Point{
		l.fe + rho*math.Sin(theta),
		l.fn + l.rho0 - rho*math.Cos(theta),
	}
}

// inverse converts projected metres back to geographic (lon, lat).
func (l *lambert) inverse(p orb.Point) orb.Point {
	dx := p[0] - l.fe
	dy := l.rho0 - (p[1] - l.fn)

	rho := math.Sqrt(dx*dx + dy*dy)
	if l.n < 0 {
		rho = -rho
		dx, dy = -dx, -dy
	}

	t := math.Pow(rho/l.aF, 1/l.n)
	theta := math.Atan2(dx, dy)

	lon := theta/l.n + l.lon0

	// Iterate the latitude; converges in a handful of rounds.
	lat := math.Pi/2 - 2*math.Atan(t)
	for i := 0; i < 15; i++ {
		s := math.Sin(lat)
		next := math.Pi/2 - 2*math.Atan(
			t*math.Pow((1-l.e*s)/(1+l.e*s), l.e/2))
		if math.Abs(next-lat) < 1e-12 {
			lat = next
			break
		}
		lat = next
	}

	deg := 180 / math.Pi
	return orb.Point{lon * deg, lat * deg}
}

// Transform converts a point between supported coordinate reference
// systems. Supported pairs: identity, EPSG:4326 <-> EPSG:3112.
func Transform(p orb.Point, srcEPSG, dstEPSG int) (orb.Point, error) {
	if srcEPSG == 0 || dstEPSG == 0 {
		return orb.Point{}, ErrInvalidCRS
	}
	if srcEPSG == dstEPSG {
		return p, nil
	}
	switch {
	case srcEPSG == EPSG4326 && dstEPSG == EPSG3112:
		return epsg3112.forward(p), nil
	case srcEPSG == EPSG3112 && dstEPSG == EPSG4326:
		return epsg3112.inverse(p), nil
	}
	return orb.Point{}, fmt.Errorf("unsupported transform %d -> %d", srcEPSG, dstEPSG)
}

// UTMZoneEPSG returns the EPSG code of the UTM zone containing a geographic
// coordinate: 32700 - round((45+lat)/90)*100 + round((183+lon)/6).
func UTMZoneEPSG(lon, lat float64) int {
	return 32700 -
		int(math.Round((45+lat)/90))*100 +
		int(math.Round((183+lon)/6))
}

// UTMZoneOfProjected computes the UTM zone EPSG of a projected point by
// inverse-projecting it to geographic coordinates first.
func UTMZoneOfProjected(p orb.Point, crs int) (int, error) {
	if crs == 0 {
		return 0, ErrInvalidCRS
	}
	geo, err := Transform(p, crs, EPSG4326)
	if err != nil {
		return 0, err
	}
	return UTMZoneEPSG(geo[0], geo[1]), nil
}
