package stitch

import (
	"context"
	"testing"
	"time"

	"aireyes/internal/config"
	"aireyes/internal/entity"
	"aireyes/internal/storage"
	"aireyes/internal/timeline"
)

const icao = "7c68b7"

// day2 is 2022-07-29 00:00:00 UTC; day1/day3 sit either side.
const day2Start = 1659052800.0

func testStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pt(ts float64, grounded bool, altFt int) *entity.FlightPoint {
	p := &entity.FlightPoint{
		Hash:         entity.PointHash(icao, ts, "", "", entity.AltitudeFeet(altFt)),
		AircraftIcao: icao,
		DayDate:      entity.DayFromTimestamp(ts),
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

// seedDay stores a day's points with its presence row.
func seedDay(t *testing.T, s storage.Store, points ...*entity.FlightPoint) time.Time {
	t.Helper()
	ctx := context.Background()
	date := points[0].DayDate
	if err := s.EnsureDay(ctx, date); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsurePresence(ctx, icao, date); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertPoints(ctx, points); err != nil {
		t.Fatal(err)
	}
	return date
}

func seedPartial(t *testing.T, cfg config.FlightsConfig, points ...*entity.FlightPoint) *timeline.Partial {
	t.Helper()
	view := timeline.Build(cfg, icao, points[0].DayDate, points)
	if len(view.Partials) != 1 {
		t.Fatalf("seed builds %d partials, want 1", len(view.Partials))
	}
	return view.Partials[0]
}

func TestBackwardJoinsPreviousDay(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights

	// Day 1 ends with the aircraft airborne just before midnight.
	seedDay(t, s,
		pt(day2Start-200, true, 0),
		pt(day2Start-100, false, 12000),
		pt(day2Start-20, false, 20000),
	)

	// Day 2 opens mid-air high: incomplete in the past.
	seed := seedPartial(t, cfg,
		pt(day2Start+10, false, 20000),
		pt(day2Start+100, false, 12000),
		pt(day2Start+200, true, 0),
	)
	if !seed.IncompletePast() {
		t.Fatal("seed should be incomplete in the past")
	}

	chain, err := New(s, cfg).CollectBackwardUntilTakeoff(context.Background(), seed)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if chain[0].First().Timestamp != day2Start-200 {
		t.Errorf("chain head starts at %v", chain[0].First().Timestamp)
	}
	if chain[1] != seed {
		t.Error("chain must end with the seed")
	}
	if !chain[0].StartsWithTakeoff() {
		t.Error("chain head should carry the takeoff")
	}
	if seed.TakeoffOverride {
		t.Error("joined chains must not set the takeoff override")
	}
}

func TestBackwardGapProvesTakeoff(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights

	// Day 1's last flight ends airborne hours before the seed appears: the
	// gap constitutes a new flight, so the seed's takeoff is proven.
	seedDay(t, s,
		pt(day2Start-50000, true, 0),
		pt(day2Start-49900, false, 15000),
	)

	seed := seedPartial(t, cfg,
		pt(day2Start+10, false, 20000),
		pt(day2Start+200, true, 0),
	)

	chain, err := New(s, cfg).CollectBackwardUntilTakeoff(context.Background(), seed)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 1 || chain[0] != seed {
		t.Fatalf("chain = %d partials, want just the seed", len(chain))
	}
	if !seed.TakeoffOverride {
		t.Error("takeoff override not set")
	}
	if seed.IncompletePast() {
		t.Error("overridden seed should be complete in the past")
	}
}

func TestBackwardMissingDayRequiresRevision(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights

	seed := seedPartial(t, cfg,
		pt(day2Start+10, false, 20000),
		pt(day2Start+200, true, 0),
	)

	_, err := New(s, cfg).CollectBackwardUntilTakeoff(context.Background(), seed)
	r, ok := AsRevisionRequired(err)
	if !ok {
		t.Fatalf("got %v, want RevisionRequired", err)
	}
	if r.AircraftIcao != icao || !r.Date.Equal(seed.Date) {
		t.Errorf("revision targets %s %s", r.AircraftIcao, entity.DateKey(r.Date))
	}
}

func TestForwardJoinsNextDay(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights

	day3Start := day2Start + 86400

	// Day 3 opens mid-air and lands.
	seedDay(t, s,
		pt(day3Start+20, false, 20000),
		pt(day3Start+100, false, 5000),
		pt(day3Start+200, true, 0),
	)

	// Day 2 ends airborne high: incomplete in the future.
	seed := seedPartial(t, cfg,
		pt(day3Start-200, true, 0),
		pt(day3Start-100, false, 12000),
		pt(day3Start-20, false, 20000),
	)
	if !seed.IncompleteFuture() {
		t.Fatal("seed should be incomplete in the future")
	}

	chain, err := New(s, cfg).CollectForwardUntilLanding(context.Background(), seed)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if chain[0] != seed {
		t.Error("chain must begin with the seed")
	}
	if !chain[1].EndsWithLanding() {
		t.Error("chain tail should carry the landing")
	}
}

func TestForwardContradictionRequiresRevision(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights

	day3Start := day2Start + 86400

	// Day 3 opens on the ground shortly after the seed vanished at high
	// altitude. The gap does not constitute a new flight, yet the next
	// partial claims its own takeoff.
	seedDay(t, s,
		pt(day3Start+20, true, 0),
		pt(day3Start+100, false, 2000),
		pt(day3Start+200, true, 0),
	)

	seed := seedPartial(t, cfg,
		pt(day3Start-200, true, 0),
		pt(day3Start-20, false, 20000),
	)

	_, err := New(s, cfg).CollectForwardUntilLanding(context.Background(), seed)
	if _, ok := AsRevisionRequired(err); !ok {
		t.Fatalf("got %v, want RevisionRequired", err)
	}
}

func TestCompleteWalksBothDirections(t *testing.T) {
	s := testStore(t)
	cfg := config.DefaultConfig().Flights

	day3Start := day2Start + 86400

	// A flight spanning three days: takes off late day 1, cruises through
	// day 2, lands early day 3.
	seedDay(t, s,
		pt(day2Start-200, true, 0),
		pt(day2Start-20, false, 20000),
	)
	seedDay(t, s,
		pt(day3Start+20, false, 20000),
		pt(day3Start+200, true, 0),
	)

	var cruise []*entity.FlightPoint
	for ts := day2Start + 10; ts < day3Start; ts += 600 {
		cruise = append(cruise, pt(ts, false, 20000))
	}
	seed := seedPartial(t, cfg, cruise...)

	chain, err := New(s, cfg).Complete(context.Background(), seed)
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	if !chain[0].StartsWithTakeoff() || !chain[2].EndsWithLanding() {
		t.Error("completed chain should span takeoff to landing")
	}
	for i := 1; i < len(chain); i++ {
		if chain[i-1].Last().Timestamp >= chain[i].First().Timestamp {
			t.Error("chain not in chronological order")
		}
	}
}
