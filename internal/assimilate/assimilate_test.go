package assimilate

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"

	"aireyes/internal/config"
	"aireyes/internal/entity"
	"aireyes/internal/storage"
	"aireyes/internal/timeline"
)

const icao = "7c68b7"

// t0 is 2022-07-29 00:00:00 UTC, 10:00 in Australia/Sydney.
const t0 = 1659052800.0

func testStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testAircraft() *entity.Aircraft {
	return &entity.Aircraft{
		Icao:       icao,
		FlightName: "POL1",
		Fuel: &entity.FuelFigures{
			GalPerHour:    50,
			PassengerLoad: 4,
			CO2PerGram:    0.01,
		},
	}
}

// pt builds a projected point; x and y are metres in the storage CRS.
func pt(ts, x, y float64, grounded bool, altFt int, speedKn float64) *entity.FlightPoint {
	p := &entity.FlightPoint{
		Hash:         entity.PointHash(icao, ts, entity.CoordString(x), entity.CoordString(y), entity.AltitudeFeet(altFt)),
		AircraftIcao: icao,
		DayDate:      entity.DayFromTimestamp(ts),
		Timestamp:    ts,
		Position:     &orb.Point{x, y},
		CRS:          3112,
		UTMZone:      32756,
		IsOnGround:   grounded,
	}
	if altFt > 0 {
		p.Altitude = entity.AltitudeFeet(altFt)
	} else if grounded {
		p.Altitude = entity.AltitudeGround()
	}
	if speedKn > 0 {
		p.GroundSpeedKn = &speedKn
	}
	return p
}

func testAirport(name string, x, y float64) *entity.Airport {
	side := 5000.0
	return &entity.Airport{
		Hash: entity.AirportHash(name, y, x),
		Name: name,
		Polygon: orb.Polygon{{
			{x - side, y - side}, {x + side, y - side},
			{x + side, y + side}, {x - side, y + side},
			{x - side, y - side},
		}},
		CRS:      3112,
		UTMZones: []int{32756},
	}
}

func chainOf(t *testing.T, cfg config.FlightsConfig, points ...*entity.FlightPoint) []*timeline.Partial {
	t.Helper()
	view := timeline.Build(cfg, icao, points[0].DayDate, points)
	if len(view.Partials) != 1 {
		t.Fatalf("test points build %d partials, want 1", len(view.Partials))
	}
	return view.Partials
}

func TestAssimilateStatistics(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights
	ctx := context.Background()
	aircraft := testAircraft()
	if err := s.UpsertAircraft(ctx, aircraft); err != nil {
		t.Fatal(err)
	}

	// A two hour flight along a straight 120 km track.
	points := []*entity.FlightPoint{
		pt(t0, 0, 0, true, 0, 0),
		pt(t0+2400, 60000, 0, false, 10000, 100),
		pt(t0+4800, 120000, 0, false, 20000, 100),
		pt(t0+7200, 120000, 0, true, 0, 0),
	}
	if _, err := s.InsertPoints(ctx, points); err != nil {
		t.Fatal(err)
	}

	asm := New(s, cfg, []*entity.Airport{testAirport("Bankstown", 0, 0)})
	res, err := asm.Assimilate(ctx, aircraft, chainOf(t, cfg, points...))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created {
		t.Error("fresh chain should create a flight")
	}
	f := res.Flight

	if f.DistanceMeters == nil || math.Abs(*f.DistanceMeters-120000) > 1 {
		t.Errorf("distance = %v, want 120000", f.DistanceMeters)
	}
	if f.TotalMinutes == nil || *f.TotalMinutes != 120 {
		t.Errorf("total minutes = %v, want 120", f.TotalMinutes)
	}
	// 10:00 to 12:00 local sits outside the prohibited window.
	if f.ProhibitedMinutes == nil || *f.ProhibitedMinutes != 0 {
		t.Errorf("prohibited minutes = %v, want 0", f.ProhibitedMinutes)
	}
	if f.AvgSpeedKn == nil || *f.AvgSpeedKn != 100 {
		t.Errorf("avg speed = %v, want 100", f.AvgSpeedKn)
	}
	// Ground markers stay out of the altitude mean: (10000+20000)/2.
	if f.AvgAltitudeFt == nil || *f.AvgAltitudeFt != 15000 {
		t.Errorf("avg altitude = %v, want 15000", f.AvgAltitudeFt)
	}
	if f.FuelGallons == nil || math.Abs(*f.FuelGallons-100) > 1e-9 {
		t.Errorf("fuel = %v, want 100", f.FuelGallons)
	}
	// fuel 100 gal -> 3.14914 t; per pax-km over 120 km and 4 pax; per
	// pax-hour at 185.2 km/h rounds to 12; 2 h * 12 * 4 pax = 96.
	if f.TotalCO2Kg == nil || *f.TotalCO2Kg != 96 {
		t.Errorf("co2 = %v, want 96", f.TotalCO2Kg)
	}

	if !f.HasDepartureDetails || !f.HasArrivalDetails {
		t.Error("grounded endpoints should set both detail flags")
	}
	if f.TaxiOnly {
		t.Error("airborne flight marked taxi only")
	}
	if !f.IsOnGround {
		t.Error("flight should end on the ground")
	}
	if f.DaysAcross != 1 {
		t.Errorf("days across = %d, want 1", f.DaysAcross)
	}
	if f.TakeoffAirportHash == "" || f.LandingAirportHash == "" {
		t.Error("both airports should resolve")
	}

	// Points carry the flight assignment after assimilation.
	stored, err := s.PointsForDay(ctx, icao, points[0].DayDate)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range stored {
		if p.FlightHash != f.Hash {
			t.Errorf("point %s not assigned to flight", p.Hash)
		}
	}
}

func TestProhibitedMinutesWithOverride(t *testing.T) {
	cfg := config.DefaultConfig().Flights
	asm := New(testStore(t), cfg, nil)

	aircraft := testAircraft()
	aircraft.Timezone = "UTC"

	// 19:30 to 20:30 UTC with a point every ten minutes: only the three
	// intervals wholly past 20:00 count.
	var points []*entity.FlightPoint
	for ts := t0 + 70200; ts <= t0+73800; ts += 600 {
		points = append(points, pt(ts, 0, 0, false, 5000, 100))
	}
	if got := asm.prohibitedMinutes(aircraft, points); got != 30 {
		t.Errorf("prohibited minutes = %d, want 30", got)
	}
}

func TestProhibitedMinutesIgnoresCoverageGaps(t *testing.T) {
	cfg := config.DefaultConfig().Flights
	asm := New(testStore(t), cfg, nil)

	aircraft := testAircraft()
	aircraft.Timezone = "UTC"

	// Two points an hour apart straddling 20:00. Neither interval endpoint
	// pair sits inside the window, so nothing is prohibited even though
	// the wall-clock span overlaps it.
	points := []*entity.FlightPoint{
		pt(t0+70200, 0, 0, false, 5000, 100),
		pt(t0+73800, 60000, 0, false, 5000, 100),
	}
	if got := asm.prohibitedMinutes(aircraft, points); got != 0 {
		t.Errorf("prohibited minutes = %d, want 0", got)
	}
}

func TestAirportRequiresContainment(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights
	ctx := context.Background()
	aircraft := testAircraft()

	near := testAirport("Bankstown", 0, 0)
	far := testAirport("Camden", 500000, 0)
	asm := New(s, cfg, []*entity.Airport{near, far})

	// Lands 40 km out, inside no airport polygon: null landing airport,
	// not the nearest centroid.
	points := []*entity.FlightPoint{
		pt(t0, 1000, 0, true, 0, 0),
		pt(t0+600, 20000, 0, false, 5000, 120),
		pt(t0+1200, 40000, 0, true, 0, 0),
	}
	res, err := asm.Assimilate(ctx, aircraft, chainOf(t, cfg, points...))
	if err != nil {
		t.Fatal(err)
	}
	if res.Flight.TakeoffAirportHash != near.Hash {
		t.Error("takeoff should resolve by containment")
	}
	if res.Flight.LandingAirportHash != "" {
		t.Errorf("landing airport = %q, want none without containment", res.Flight.LandingAirportHash)
	}
}

func TestOverlappingAirportsResolveToNearestCentroid(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights
	ctx := context.Background()
	aircraft := testAircraft()

	// Both squares contain the landing point at (41000, 0); Camden's
	// centroid is closer.
	bankstown := testAirport("Bankstown", 37000, 0)
	camden := testAirport("Camden", 43000, 0)
	asm := New(s, cfg, []*entity.Airport{bankstown, camden})

	points := []*entity.FlightPoint{
		pt(t0, 200000, 0, true, 0, 0),
		pt(t0+600, 100000, 0, false, 5000, 120),
		pt(t0+1200, 41000, 0, true, 0, 0),
	}
	res, err := asm.Assimilate(ctx, aircraft, chainOf(t, cfg, points...))
	if err != nil {
		t.Fatal(err)
	}
	if res.Flight.LandingAirportHash != camden.Hash {
		t.Errorf("landing airport = %q, want the nearest containing centroid", res.Flight.LandingAirportHash)
	}
}

func TestPositionlessEndpointDowngrades(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights
	aircraft := testAircraft()
	asm := New(s, cfg, []*entity.Airport{testAirport("Bankstown", 0, 0)})

	points := []*entity.FlightPoint{
		pt(t0, 0, 0, true, 0, 0),
		pt(t0+600, 20000, 0, false, 5000, 120),
		pt(t0+1200, 0, 0, true, 0, 0),
	}
	points[2].ClearPosition()

	res, err := asm.Assimilate(context.Background(), aircraft, chainOf(t, cfg, points...))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Flight.HasArrivalDetails {
		t.Error("arrival details survive a positionless endpoint")
	}
	if res.Flight.LandingAirportHash != "" {
		t.Error("positionless landing must downgrade to a null airport")
	}
	if res.Flight.TakeoffAirportHash == "" {
		t.Error("takeoff airport unaffected by the landing downgrade")
	}
}

func TestDominance(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights
	aircraft := testAircraft()
	asm := New(s, cfg, nil)

	points := []*entity.FlightPoint{
		pt(t0, 0, 0, true, 0, 0),
		pt(t0+300, 5000, 0, false, 3000, 100),
		pt(t0+600, 10000, 0, true, 0, 0),
	}

	// A single existing reference is reused in place.
	points[0].FlightHash = "existing-flight"
	points[1].FlightHash = "existing-flight"
	res, err := asm.Assimilate(context.Background(), aircraft, chainOf(t, cfg, points...))
	if err != nil {
		t.Fatal(err)
	}
	if res.Created || res.Flight.Hash != "existing-flight" {
		t.Errorf("created=%v hash=%s, want update of existing-flight", res.Created, res.Flight.Hash)
	}

	// Two distinct references are fatal.
	points[2].FlightHash = "other-flight"
	_, err = asm.Assimilate(context.Background(), aircraft, chainOf(t, cfg, points...))
	var multi *MultiplePotentialFlights
	if !errors.As(err, &multi) {
		t.Fatalf("got %v, want MultiplePotentialFlights", err)
	}
	if len(multi.FlightHashes) != 2 {
		t.Errorf("conflict lists %d flights, want 2", len(multi.FlightHashes))
	}
}

func TestTaxiOnly(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights
	aircraft := testAircraft()
	asm := New(s, cfg, []*entity.Airport{testAirport("Bankstown", 0, 0)})

	points := []*entity.FlightPoint{
		pt(t0, 0, 0, true, 0, 0),
		pt(t0+120, 200, 0, true, 0, 0),
		pt(t0+240, 400, 0, true, 0, 0),
	}
	res, err := asm.Assimilate(context.Background(), aircraft, chainOf(t, cfg, points...))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Flight.TaxiOnly {
		t.Error("never-airborne chain should be taxi only")
	}
	if res.Flight.AvgSpeedKn != nil {
		t.Error("taxi only flight has no airborne speed average")
	}
	// All three points sit inside the airport polygon, but a movement that
	// never flew has no landing.
	if res.Flight.LandingAirportHash != "" {
		t.Errorf("landing airport = %q, want none for a taxi-only movement", res.Flight.LandingAirportHash)
	}
}

func TestCO2NullsWithoutFuelData(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights
	aircraft := &entity.Aircraft{Icao: icao}
	asm := New(s, cfg, nil)

	points := []*entity.FlightPoint{
		pt(t0, 0, 0, true, 0, 0),
		pt(t0+600, 20000, 0, false, 5000, 120),
		pt(t0+1200, 40000, 0, true, 0, 0),
	}
	res, err := asm.Assimilate(context.Background(), aircraft, chainOf(t, cfg, points...))
	if err != nil {
		t.Fatal(err)
	}
	if res.Flight.FuelGallons != nil || res.Flight.TotalCO2Kg != nil {
		t.Error("fuel statistics must null without fuel figures")
	}
	if res.Flight.DistanceMeters == nil || res.Flight.TotalMinutes == nil {
		t.Error("other statistics unaffected by missing fuel data")
	}
}
