package tracker

import (
	"testing"
	"time"

	"aireyes/internal/entity"
)

func pt(ts float64, grounded bool) *entity.FlightPoint {
	return &entity.FlightPoint{
		Hash:         entity.PointHash("7c68b7", ts, "", "", entity.Altitude{}),
		AircraftIcao: "7c68b7",
		Timestamp:    ts,
		IsOnGround:   grounded,
	}
}

func TestObserve(t *testing.T) {
	tr := New()
	a := entity.NewAircraft("7c68b7")
	a.FlightName = "POL1"

	var firstSeen *State
	tr.OnFirstSeen(func(st *State) { firstSeen = st })

	st, isNew := tr.Observe(&a, pt(1000, true))
	if !isNew || firstSeen == nil {
		t.Error("first observation must report a new aircraft")
	}
	if st.PointCount != 1 || st.Airborne() {
		t.Errorf("state = %+v after grounded point", st)
	}

	st, isNew = tr.Observe(&a, pt(2000, false))
	if isNew {
		t.Error("second observation must not report new")
	}
	if !st.Airborne() || st.LastPoint.Timestamp != 2000 {
		t.Errorf("state not advanced: %+v", st.LastPoint)
	}

	// An out-of-order older point must not regress the latest.
	st, _ = tr.Observe(&a, pt(1500, true))
	if st.LastPoint.Timestamp != 2000 {
		t.Errorf("older point regressed state to %v", st.LastPoint.Timestamp)
	}
	if st.PointCount != 3 {
		t.Errorf("point count = %d, want 3", st.PointCount)
	}
}

func TestActiveAndCleanup(t *testing.T) {
	tr := New()
	a := entity.NewAircraft("7c68b7")
	b := entity.NewAircraft("7c1234")
	tr.Observe(&a, pt(1000, true))
	tr.Observe(&b, pt(1000, true))

	// Age one state artificially.
	tr.Get("7c1234").LastSeen = time.Now().Add(-time.Hour)

	if got := len(tr.Active(time.Minute)); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
	if removed := tr.CleanupStale(30 * time.Minute); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if tr.Get("7c1234") != nil {
		t.Error("stale state must be dropped")
	}
	if tr.Get("7c68b7") == nil {
		t.Error("fresh state must survive")
	}
}

func TestSetSuburb(t *testing.T) {
	tr := New()
	a := entity.NewAircraft("7c68b7")
	tr.Observe(&a, pt(1000, true))

	tr.SetSuburb("7c68b7", "Mascot")
	if got := tr.Get("7c68b7").SuburbName; got != "Mascot" {
		t.Errorf("suburb = %q, want Mascot", got)
	}
	// Untracked aircraft are ignored.
	tr.SetSuburb("000000", "Nowhere")
}
