package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"

	"aireyes/internal/assimilate"
	"aireyes/internal/config"
	"aireyes/internal/entity"
	"aireyes/internal/storage"
	"aireyes/internal/timeline"
)

const icao = "7c68b7"

// t0 is 2022-07-29 00:00:00 UTC.
const t0 = 1659052800.0

func testIngestor(t *testing.T) (*Ingestor, storage.Store) {
	t.Helper()
	s, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.DefaultConfig()
	cfg.Geo.GeolocationEnabled = false
	asm := assimilate.New(s, cfg.Flights, nil)
	return New(s, cfg, asm, nil, nil), s
}

func testAircraft() *entity.Aircraft {
	a := entity.NewAircraft(icao)
	a.FlightName = "POL1"
	return &a
}

func pt(ts float64, grounded bool, altFt int) *entity.FlightPoint {
	p := &entity.FlightPoint{
		Hash:         entity.PointHash(icao, ts, "", "", entity.AltitudeFeet(altFt)),
		AircraftIcao: icao,
		Timestamp:    ts,
		IsOnGround:   grounded,
	}
	if altFt > 0 {
		p.Altitude = entity.AltitudeFeet(altFt)
	} else if grounded {
		p.Altitude = entity.AltitudeGround()
	}
	return p
}

func posPt(ts, x, y float64) *entity.FlightPoint {
	p := pt(ts, true, 0)
	p.Hash = entity.PointHash(icao, ts, entity.CoordString(x), entity.CoordString(y), entity.AltitudeGround())
	p.Position = &orb.Point{x, y}
	p.CRS = 3112
	p.UTMZone = 32756
	return p
}

// flight1 is a grounded-to-grounded hop with one airborne point.
func flight1() []*entity.FlightPoint {
	return []*entity.FlightPoint{
		pt(t0, true, 0),
		pt(t0+300, false, 3000),
		pt(t0+600, true, 0),
	}
}

// flight2 follows flight1 after a gap long enough to split.
func flight2() []*entity.FlightPoint {
	return []*entity.FlightPoint{
		pt(t0+3600, true, 0),
		pt(t0+3900, false, 4000),
		pt(t0+4200, true, 0),
	}
}

func TestSubmitPartialCreatesFlight(t *testing.T) {
	in, s := testIngestor(t)
	ctx := context.Background()

	receipts, err := in.SubmitPartial(ctx, testAircraft(), flight1())
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 3 {
		t.Fatalf("receipts = %d, want 3", len(receipts))
	}
	for _, r := range receipts {
		if !r.Synchronised {
			t.Errorf("point %s not synchronised on first submit", r.FlightPointHash)
		}
	}

	flights, err := s.FlightsForAircraft(ctx, icao)
	if err != nil {
		t.Fatal(err)
	}
	if len(flights) != 1 {
		t.Fatalf("flights = %d, want 1", len(flights))
	}
	f := flights[0]
	if !f.HasDepartureDetails || !f.HasArrivalDetails {
		t.Error("grounded flight should carry both detail flags")
	}
	if f.TotalMinutes == nil || *f.TotalMinutes != 10 {
		t.Errorf("total minutes = %v, want 10", f.TotalMinutes)
	}

	// A submission clears the day's verification flags.
	presence, err := s.GetPresence(ctx, icao, entity.DayFromTimestamp(t0))
	if err != nil {
		t.Fatal(err)
	}
	if presence.HistoryVerified || presence.FlightsVerified {
		t.Error("submission must leave the day unverified")
	}
}

func TestSubmitPartialIdempotent(t *testing.T) {
	in, s := testIngestor(t)
	ctx := context.Background()

	if _, err := in.SubmitPartial(ctx, testAircraft(), flight1()); err != nil {
		t.Fatal(err)
	}
	receipts, err := in.SubmitPartial(ctx, testAircraft(), flight1())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range receipts {
		if r.Synchronised {
			t.Errorf("point %s reported fresh on resubmission", r.FlightPointHash)
		}
	}

	flights, _ := s.FlightsForAircraft(ctx, icao)
	if len(flights) != 1 {
		t.Errorf("resubmission duplicated flights: %d", len(flights))
	}
}

func TestSubmitPartitionsIntoTwoFlights(t *testing.T) {
	in, s := testIngestor(t)
	ctx := context.Background()

	points := append(flight1(), flight2()...)
	if _, err := in.SubmitPartial(ctx, testAircraft(), points); err != nil {
		t.Fatal(err)
	}

	flights, _ := s.FlightsForAircraft(ctx, icao)
	if len(flights) != 2 {
		t.Fatalf("flights = %d, want 2", len(flights))
	}
}

func TestSubmitExtendsExistingFlight(t *testing.T) {
	in, s := testIngestor(t)
	ctx := context.Background()

	if _, err := in.SubmitPartial(ctx, testAircraft(), flight1()); err != nil {
		t.Fatal(err)
	}
	// More taxiing shortly after landing: same flight.
	extension := []*entity.FlightPoint{
		pt(t0+700, true, 0),
		pt(t0+800, true, 0),
	}
	if _, err := in.SubmitPartial(ctx, testAircraft(), extension); err != nil {
		t.Fatal(err)
	}

	flights, _ := s.FlightsForAircraft(ctx, icao)
	if len(flights) != 1 {
		t.Fatalf("flights = %d, want 1 (extended in place)", len(flights))
	}
	if *flights[0].TotalMinutes != 13 {
		t.Errorf("total minutes = %d, want 13 after extension", *flights[0].TotalMinutes)
	}
}

func TestSubmitClearsRepeatedPositions(t *testing.T) {
	in, s := testIngestor(t)
	ctx := context.Background()

	points := []*entity.FlightPoint{
		posPt(t0, 1000, 2000),
		posPt(t0+60, 1000, 2000), // upstream duplicate
		posPt(t0+120, 1100, 2000),
	}
	if _, err := in.SubmitPartial(ctx, testAircraft(), points); err != nil {
		t.Fatal(err)
	}

	stored, err := s.PointsForDay(ctx, icao, entity.DayFromTimestamp(t0))
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored = %d points, want 3", len(stored))
	}
	if stored[1].HasPosition() {
		t.Error("repeated position should be cleared on the later point")
	}
	if !stored[0].HasPosition() || !stored[2].HasPosition() {
		t.Error("distinct positions must survive")
	}
}

func TestReviseDayGate(t *testing.T) {
	in, s := testIngestor(t)
	ctx := context.Background()
	day := entity.DayFromTimestamp(t0)

	if _, err := in.SubmitPartial(ctx, testAircraft(), flight1()); err != nil {
		t.Fatal(err)
	}

	// Fresh submission: history unverified, so revision is gated.
	if _, err := in.ReviseDay(ctx, icao, day, false); !errors.Is(err, ErrDayNotRevisable) {
		t.Fatalf("got %v, want ErrDayNotRevisable", err)
	}

	// Back-fill completes: revision allowed and verifies the flights.
	presence, _ := s.GetPresence(ctx, icao, day)
	presence.HistoryVerified = true
	if err := s.UpdatePresence(ctx, presence); err != nil {
		t.Fatal(err)
	}
	results, err := in.ReviseDay(ctx, icao, day, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}

	presence, _ = s.GetPresence(ctx, icao, day)
	if !presence.FlightsVerified {
		t.Error("revision must verify the day's flights")
	}

	// Verified day: gated again unless forced.
	if _, err := in.ReviseDay(ctx, icao, day, false); !errors.Is(err, ErrDayNotRevisable) {
		t.Fatalf("got %v, want ErrDayNotRevisable on verified day", err)
	}
	if _, err := in.ReviseDay(ctx, icao, day, true); err != nil {
		t.Fatalf("forced revision failed: %v", err)
	}
}

func TestReviseDayWithoutPartials(t *testing.T) {
	in, _ := testIngestor(t)
	ctx := context.Background()
	day := entity.DayFromTimestamp(t0)

	// A day with a single stray point: the partial is discarded and
	// nothing assimilates.
	if _, err := in.SubmitPartial(ctx, testAircraft(), []*entity.FlightPoint{pt(t0, true, 0)}); err != nil {
		t.Fatal(err)
	}
	if _, err := in.ReviseDay(ctx, icao, day, true); !errors.Is(err, ErrNoFlightsAssimilated) {
		t.Fatalf("got %v, want ErrNoFlightsAssimilated", err)
	}
}

// corruptPartial splits a stored partial's points across two conflicting
// flight references, so its next assimilation cannot pick one.
func corruptPartial(t *testing.T, s storage.Store, points []*entity.FlightPoint) {
	t.Helper()
	ctx := context.Background()
	if err := s.AssignPointsToFlight(ctx, []string{points[0].Hash}, "flight-a"); err != nil {
		t.Fatal(err)
	}
	rest := []string{points[1].Hash, points[2].Hash}
	if err := s.AssignPointsToFlight(ctx, rest, "flight-b"); err != nil {
		t.Fatal(err)
	}
}

func TestReviseDayRecordsPartialFailures(t *testing.T) {
	in, s := testIngestor(t)
	ctx := context.Background()
	day := entity.DayFromTimestamp(t0)

	if _, err := in.SubmitPartial(ctx, testAircraft(), append(flight1(), flight2()...)); err != nil {
		t.Fatal(err)
	}
	corruptPartial(t, s, flight1())

	// The broken partial is recorded and skipped; the healthy one still
	// assimilates.
	results, err := in.ReviseDay(ctx, icao, day, true)
	if err != nil {
		t.Fatalf("revision with one broken partial: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want the surviving flight only", len(results))
	}

	// A day with an unresolved partial never verifies.
	presence, err := s.GetPresence(ctx, icao, day)
	if err != nil {
		t.Fatal(err)
	}
	if presence.FlightsVerified {
		t.Error("day with a failed partial must stay unverified")
	}
}

func TestReviseDayAllPartialsFailing(t *testing.T) {
	in, s := testIngestor(t)
	ctx := context.Background()
	day := entity.DayFromTimestamp(t0)

	if _, err := in.SubmitPartial(ctx, testAircraft(), flight1()); err != nil {
		t.Fatal(err)
	}
	corruptPartial(t, s, flight1())

	if _, err := in.ReviseDay(ctx, icao, day, true); !errors.Is(err, ErrNoFlightsAssimilated) {
		t.Fatalf("got %v, want ErrNoFlightsAssimilated when every partial fails", err)
	}
}

// midnightFlight crosses the UTC date boundary: three points late on the
// first day, three early on the next.
func midnightFlight() []*entity.FlightPoint {
	return []*entity.FlightPoint{
		pt(t0+85800, true, 0),     // 23:50
		pt(t0+86040, false, 3000), // 23:54
		pt(t0+86280, false, 3000), // 23:58
		pt(t0+86520, false, 3000), // 00:02
		pt(t0+86760, false, 2000), // 00:06
		pt(t0+87000, true, 0),     // 00:10
	}
}

func TestSubmitSpansMidnight(t *testing.T) {
	in, s := testIngestor(t)
	ctx := context.Background()

	if _, err := in.SubmitPartial(ctx, testAircraft(), midnightFlight()); err != nil {
		t.Fatal(err)
	}

	flights, err := s.FlightsForAircraft(ctx, icao)
	if err != nil {
		t.Fatal(err)
	}
	if len(flights) != 1 {
		t.Fatalf("flights = %d, want the halves joined into 1", len(flights))
	}
	f := flights[0]
	if f.DaysAcross != 2 {
		t.Errorf("days across = %d, want 2", f.DaysAcross)
	}
	if !f.HasDepartureDetails || !f.HasArrivalDetails {
		t.Error("cross-midnight flight should carry both detail flags")
	}

	// Both calendar days hold their half of the points.
	d1, _ := s.PointsForDay(ctx, icao, entity.DayFromTimestamp(t0))
	d2, _ := s.PointsForDay(ctx, icao, entity.DayFromTimestamp(t0+86400))
	if len(d1) != 3 || len(d2) != 3 {
		t.Errorf("points per day = %d/%d, want 3/3", len(d1), len(d2))
	}
	for _, p := range append(d1, d2...) {
		if p.FlightHash != f.Hash {
			t.Errorf("point %s assigned to %q, want %q", p.Hash, p.FlightHash, f.Hash)
		}
	}
}

func TestChainKeysCoverAdjacentDays(t *testing.T) {
	d1 := entity.DayFromTimestamp(t0)
	d2 := entity.DayFromTimestamp(t0 + 86400)
	chain := []*timeline.Partial{
		{AircraftIcao: icao, Date: d1},
		{AircraftIcao: icao, Date: d2},
	}

	keys := chainKeys(icao, chain)
	want := []string{
		dayKey(icao, entity.DayFromTimestamp(t0-86400)),
		dayKey(icao, d1),
		dayKey(icao, d2),
		dayKey(icao, entity.DayFromTimestamp(t0+2*86400)),
	}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}
