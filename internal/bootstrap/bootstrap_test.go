package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"aireyes/internal/config"
	"aireyes/internal/entity"
	"aireyes/internal/storage"
)

func testLoader(t *testing.T) (*Loader, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, config.DefaultConfig()), store
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseHemisphereCoord(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
		err  bool
	}{
		{"-33.9461(S)", -33.9461, false},
		{"33.9461(S)", -33.9461, false},
		{"151.1772(E)", 151.1772, false},
		{"151.1772(W)", -151.1772, false},
		{"12.5", 12.5, false},
		{" -33.0 (s) ", -33.0, false},
		{"-33.0000(X)", 0, true},
		{"(S)", 0, true},
		{"-33.0000(S", 0, true},
	}
	for _, c := range cases {
		got, err := parseHemisphereCoord(c.raw)
		if c.err {
			if err == nil {
				t.Errorf("parse(%q) expected error, got %v", c.raw, got)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("parse(%q) = %v, %v, want %v", c.raw, got, err, c.want)
		}
	}
}

func TestLoadAirports(t *testing.T) {
	l, store := testLoader(t)
	path := writeFile(t, t.TempDir(), "airports.json", `[
		{"name": "Sydney Airport", "code": "SYD", "lat": "-33.9461(S)", "lon": "151.1772(E)"},
		{"name": "Bankstown Airport", "code": "BWU", "lat": "-33.9244(S)", "lon": "150.9888(E)"}
	]`)

	if err := l.LoadAirports(context.Background(), path); err != nil {
		t.Fatal(err)
	}

	airports, err := store.ListAirports(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(airports) != 2 {
		t.Fatalf("airports = %d, want 2", len(airports))
	}
	for _, a := range airports {
		if len(a.Polygon) == 0 || len(a.Polygon[0]) < 4 {
			t.Errorf("airport %s has no buffered polygon", a.Name)
		}
		if a.CRS != 3112 {
			t.Errorf("airport %s CRS = %d, want 3112", a.Name, a.CRS)
		}
		if len(a.UTMZones) == 0 {
			t.Errorf("airport %s has no UTM zones", a.Name)
		}
		if a.Lat >= 0 {
			t.Errorf("airport %s latitude %v not southern", a.Name, a.Lat)
		}
	}

	// Loading twice keeps the set stable.
	if err := l.LoadAirports(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	airports, _ = store.ListAirports(context.Background())
	if len(airports) != 2 {
		t.Errorf("airports after reload = %d, want 2", len(airports))
	}
}

// suburbSquare renders a GeoJSON feature for a geographic square.
func suburbSquare(name, postcode string, lon, lat, side float64) string {
	return `{"type": "Feature", "properties": {"name": "` + name + `", "postcode": "` + postcode + `"},
		"geometry": {"type": "Polygon", "coordinates": [[
			[` + f(lon) + `, ` + f(lat) + `],
			[` + f(lon+side) + `, ` + f(lat) + `],
			[` + f(lon+side) + `, ` + f(lat+side) + `],
			[` + f(lon) + `, ` + f(lat+side) + `],
			[` + f(lon) + `, ` + f(lat) + `]]]}}`
}

func f(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func TestLoadSuburbs(t *testing.T) {
	l, store := testLoader(t)
	dir := t.TempDir()

	// Two overlapping squares, and one far away.
	writeFile(t, dir, "NSW.geojson", `{"type": "FeatureCollection", "features": [
		`+suburbSquare("Mascot", "2020", 151.18, -33.94, 0.02)+`,
		`+suburbSquare("Botany", "2019", 151.199, -33.939, 0.02)+`,
		`+suburbSquare("Penrith", "2750", 150.69, -33.75, 0.02)+`
	]}`)

	if err := l.LoadSuburbs(context.Background(), dir); err != nil {
		t.Fatal(err)
	}

	subs, err := store.ListSuburbs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 3 {
		t.Fatalf("suburbs = %d, want 3", len(subs))
	}

	byName := make(map[string]*entity.Suburb)
	for _, s := range subs {
		byName[s.Name] = s
		if s.State != "NSW" {
			t.Errorf("suburb %s state = %q, want NSW from file name", s.Name, s.State)
		}
		if s.CRS != 3112 || len(s.UTMZones) == 0 {
			t.Errorf("suburb %s not projected/zoned: CRS=%d zones=%v", s.Name, s.CRS, s.UTMZones)
		}
	}

	mascot, err := store.GetSuburb(context.Background(), byName["Mascot"].Hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(mascot.Neighbours) != 1 || mascot.Neighbours[0] != byName["Botany"].Hash {
		t.Errorf("Mascot neighbours = %v, want just Botany", mascot.Neighbours)
	}
	penrith, err := store.GetSuburb(context.Background(), byName["Penrith"].Hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(penrith.Neighbours) != 0 {
		t.Errorf("Penrith neighbours = %v, want none", penrith.Neighbours)
	}
}

func TestLoadFuelFigures(t *testing.T) {
	l, store := testLoader(t)

	a := entity.NewAircraft("7c68b7")
	if err := store.UpsertAircraft(context.Background(), &a); err != nil {
		t.Fatal(err)
	}

	path := writeFile(t, t.TempDir(), "fuel.json", `{
		"7C68B7": {"fuelType": "avgas", "gallonsPerHour": 50, "passengerLoad": 4}
	}`)
	if err := l.LoadFuelFigures(context.Background(), path); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetAircraft(context.Background(), "7c68b7")
	if err != nil {
		t.Fatal(err)
	}
	if !got.HasFuelData() || got.Fuel.GalPerHour != 50 {
		t.Errorf("fuel figures not applied: %+v", got.Fuel)
	}
}
