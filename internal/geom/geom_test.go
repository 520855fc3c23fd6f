package geom

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func TestUTMZoneEPSG(t *testing.T) {
	tests := []struct {
		name     string
		lon, lat float64
		want     int
	}{
		{"sydney", 151.21, -33.87, 32756},
		{"perth", 115.86, -31.95, 32750},
		{"darwin", 130.84, -12.46, 32752},
		{"munich north hemisphere", 11.58, 48.14, 32632},
		{"quito equator", -78.47, -0.18, 32717},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UTMZoneEPSG(tt.lon, tt.lat); got != tt.want {
				t.Errorf("UTMZoneEPSG(%v, %v) = %d, want %d", tt.lon, tt.lat, got, tt.want)
			}
		})
	}
}

func TestTransformRoundTrip(t *testing.T) {
	points := []orb.Point{
		{151.21, -33.87}, // Sydney
		{115.86, -31.95}, // Perth
		{144.96, -37.81}, // Melbourne
		{134.0, -25.0},   // central origin meridian
	}
	for _, p := range points {
		proj, err := Transform(p, EPSG4326, EPSG3112)
		if err != nil {
			t.Fatalf("forward transform: %v", err)
		}
		back, err := Transform(proj, EPSG3112, EPSG4326)
		if err != nil {
			t.Fatalf("inverse transform: %v", err)
		}
		if math.Abs(back[0]-p[0]) > 1e-6 || math.Abs(back[1]-p[1]) > 1e-6 {
			t.Errorf("round trip %v -> %v -> %v", p, proj, back)
		}
	}
}

func TestTransformIdentityAndErrors(t *testing.T) {
	p := orb.Point{151.0, -33.0}

	same, err := Transform(p, EPSG3112, EPSG3112)
	if err != nil || !same.Equal(p) {
		t.Errorf("identity transform changed point: %v %v", same, err)
	}

	if _, err := Transform(p, 0, EPSG3112); err != ErrInvalidCRS {
		t.Errorf("missing CRS: got %v, want ErrInvalidCRS", err)
	}
	if _, err := Transform(p, EPSG4326, 28356); err == nil {
		t.Error("unsupported destination CRS should fail")
	}
}

func TestUTMZoneOfProjected(t *testing.T) {
	proj, err := Transform(orb.Point{151.21, -33.87}, EPSG4326, EPSG3112)
	if err != nil {
		t.Fatal(err)
	}
	zone, err := UTMZoneOfProjected(proj, EPSG3112)
	if err != nil {
		t.Fatal(err)
	}
	if zone != 32756 {
		t.Errorf("zone = %d, want 32756", zone)
	}

	if _, err := UTMZoneOfProjected(proj, 0); err != ErrInvalidCRS {
		t.Errorf("no CRS: got %v, want ErrInvalidCRS", err)
	}
}

func square(x, y, side float64) orb.Polygon {
	return orb.Polygon{orb.Ring{
		{x, y}, {x + side, y}, {x + side, y + side}, {x, y + side}, {x, y},
	}}
}

func TestContains(t *testing.T) {
	poly := square(0, 0, 10)
	if !Contains(poly, orb.Point{5, 5}) {
		t.Error("centre point should be inside")
	}
	if Contains(poly, orb.Point{15, 5}) {
		t.Error("outside point reported inside")
	}
}

func TestIntersects(t *testing.T) {
	a := square(0, 0, 10)

	if !Intersects(a, square(5, 5, 10)) {
		t.Error("overlapping squares should intersect")
	}
	if Intersects(a, square(20, 20, 5)) {
		t.Error("disjoint squares should not intersect")
	}
	// Crossing without vertex containment.
	cross := orb.Polygon{orb.Ring{
		{-1, 4}, {11, 4}, {11, 6}, {-1, 6}, {-1, 4},
	}}
	if !Intersects(a, cross) {
		t.Error("crossing band should intersect")
	}
}

func TestBufferPoint(t *testing.T) {
	poly := BufferPoint(orb.Point{100, 200}, 50, 32)
	if len(poly) != 1 {
		t.Fatalf("expected single ring, got %d", len(poly))
	}
	for _, pt := range poly[0] {
		d := math.Hypot(pt[0]-100, pt[1]-200)
		if math.Abs(d-50) > 1e-9 {
			t.Fatalf("ring vertex at distance %v, want 50", d)
		}
	}
	if !Contains(poly, orb.Point{100, 200}) {
		t.Error("buffer should contain its centre")
	}
}

func TestPathLength(t *testing.T) {
	got := PathLength([]orb.Point{{0, 0}, {3, 4}, {3, 10}})
	if math.Abs(got-11) > 1e-9 {
		t.Errorf("PathLength = %v, want 11", got)
	}
}

func TestIndex(t *testing.T) {
	items := []*Item{
		{ID: "a", Geometry: square(0, 0, 10)},
		{ID: "b", Geometry: square(100, 100, 10)},
		{ID: "c", Geometry: square(8, 0, 10)},
	}
	ix := NewIndex(items)

	covering := ix.Covering(orb.Point{9, 5})
	ids := map[string]bool{}
	for _, it := range covering {
		ids[it.ID] = true
	}
	if !ids["a"] || !ids["c"] || ids["b"] {
		t.Errorf("covering = %v", ids)
	}

	nearest := ix.Nearest(orb.Point{104, 104})
	if nearest == nil || nearest.ID != "b" {
		t.Errorf("nearest = %+v, want b", nearest)
	}

	if got := len(ix.InBound(orb.Bound{Min: orb.Point{-5, -5}, Max: orb.Point{6, 6}})); got != 1 {
		t.Errorf("InBound matched %d items, want 1", got)
	}
}
