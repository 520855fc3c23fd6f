package geom

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Contains reports whether a polygon contains a point. Both must share a
// CRS; the caller is responsible for projecting first.
func Contains(poly orb.Polygon, p orb.Point) bool {
	return planar.PolygonContains(poly, p)
}

// MultiPolygonContains reports whether any member polygon contains the point.
func MultiPolygonContains(mp orb.MultiPolygon, p orb.Point) bool {
	return planar.MultiPolygonContains(mp, p)
}

// Intersects reports whether two polygons touch or overlap: either contains
// a vertex of the other, or their exterior rings cross.
func Intersects(a, b orb.Polygon) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for _, pt := range a[0] {
		if planar.PolygonContains(b, pt) {
			return true
		}
	}
	for _, pt := range b[0] {
		if planar.PolygonContains(a, pt) {
			return true
		}
	}
	return ringsCross(a[0], b[0])
}

// MultiPolygonIntersects extends Intersects over multipolygon pairs.
func MultiPolygonIntersects(a, b orb.MultiPolygon) bool {
	for _, pa := range a {
		for _, pb := range b {
			if Intersects(pa, pb) {
				return true
			}
		}
	}
	return false
}

func ringsCross(a, b orb.Ring) bool {
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsIntersect(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return false
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

// BufferPoint approximates a circle of the given radius around a projected
// point, used to turn an airport coordinate into its polygon.
func BufferPoint(center orb.Point, radius float64, segments int) orb.Polygon {
	if segments < 8 {
		segments = 32
	}
	ring := make(orb.Ring, 0, segments+1)
	for i := 0; i < segments; i++ {
		angle := 2 * math.Pi * float64(i) / float64(segments)
		ring = append(ring, orb.Point{
			center[0] + radius*math.Cos(angle),
			center[1] + radius*math.Sin(angle),
		})
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// PathLength returns the length in CRS units of the line through the given
// points, in order.
func PathLength(points []orb.Point) float64 {
	ls := orb.LineString(points)
	return planar.Length(ls)
}

// ZonesForPolygon collects the distinct UTM zone EPSG codes touched by a
// projected polygon's exterior vertices.
func ZonesForPolygon(poly orb.Polygon, crs int) ([]int, error) {
	if crs == 0 {
		return nil, ErrInvalidCRS
	}
	if len(poly) == 0 {
		return nil, nil
	}
	return zonesForRing(poly[0], crs)
}

// ZonesForMultiPolygon collects the distinct UTM zone EPSG codes touched by
// a projected multipolygon.
func ZonesForMultiPolygon(mp orb.MultiPolygon, crs int) ([]int, error) {
	if crs == 0 {
		return nil, ErrInvalidCRS
	}
	seen := map[int]bool{}
	var zones []int
	for _, poly := range mp {
		if len(poly) == 0 {
			continue
		}
		zs, err := zonesForRing(poly[0], crs)
		if err != nil {
			return nil, err
		}
		for _, z := range zs {
			if !seen[z] {
				seen[z] = true
				zones = append(zones, z)
			}
		}
	}
	return zones, nil
}

func zonesForRing(ring orb.Ring, crs int) ([]int, error) {
	seen := map[int]bool{}
	var zones []int
	for _, pt := range ring {
		z, err := UTMZoneOfProjected(pt, crs)
		if err != nil {
			return nil, err
		}
		if !seen[z] {
			seen[z] = true
			zones = append(zones, z)
		}
	}
	return zones, nil
}
