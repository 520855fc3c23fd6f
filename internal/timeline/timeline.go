// Package timeline partitions one aircraft day of flight points into
// partial flights. A change descriptor sits between each adjacent pair of
// points and answers whether the gap starts a new flight.
package timeline

import (
	"log"
	"sort"
	"time"

	"aireyes/internal/config"
	"aireyes/internal/entity"
)

// Change describes the gap between two adjacent points of a timeline.
type Change struct {
	Prev *entity.FlightPoint
	Next *entity.FlightPoint
	cfg  config.FlightsConfig
}

// NewChange builds a descriptor over an adjacent (or synthetic, for
// cross-day evaluation) pair of points.
func NewChange(cfg config.FlightsConfig, prev, next *entity.FlightPoint) *Change {
	return &Change{Prev: prev, Next: next, cfg: cfg}
}

// DeltaT returns the gap in seconds.
func (c *Change) DeltaT() float64 {
	return c.Next.Timestamp - c.Prev.Timestamp
}

// altFeet renders an altitude for threshold comparison. Absent altitude is
// treated as low: a disappearance without altitude data is still a
// plausible landing.
func altFeet(p *entity.FlightPoint) int {
	if !p.Altitude.Valid || p.Altitude.Ground {
		return 0
	}
	return p.Altitude.Feet
}

// ConstitutesNewFlight applies the gap decision table. Both endpoints
// airborne defers to the inaccuracy resolver, which always produces a
// definite answer.
func (c *Change) ConstitutesNewFlight() bool {
	dt := c.DeltaT()
	prevGrounded := c.Prev.Grounded()
	nextGrounded := c.Next.Grounded()

	switch {
	case prevGrounded && nextGrounded:
		return dt > c.cfg.TDNewFlightGrounded
	case prevGrounded && !nextGrounded:
		return dt > c.cfg.TDNewFlightMidairStart &&
			altFeet(c.Next) < c.cfg.MaxAltMidairDisappear
	case !prevGrounded && nextGrounded:
		return dt > c.cfg.TDNewFlightMidairEnd &&
			altFeet(c.Prev) < c.cfg.MaxAltMidairDisappear
	case dt >= c.cfg.TDInaccuracyCheck:
		return c.resolveInaccuracy(dt)
	default:
		return false
	}
}

// resolveInaccuracy is the catch-all for airborne-to-airborne gaps large
// enough to be suspicious but not decided by the main table.
func (c *Change) resolveInaccuracy(dt float64) bool {
	return dt > c.cfg.TDNewFlightMidairBoth
}

// Partial is a contiguous run of points belonging to one flight within a
// single day. The override flags are set by cross-day stitching when an
// adjacent day proves the missing endpoint.
type Partial struct {
	AircraftIcao string
	Date         time.Time
	Points       []*entity.FlightPoint

	TakeoffOverride bool
	LandingOverride bool

	cfg config.FlightsConfig
}

// First returns the earliest point of the partial.
func (p *Partial) First() *entity.FlightPoint {
	return p.Points[0]
}

// Last returns the latest point of the partial.
func (p *Partial) Last() *entity.FlightPoint {
	return p.Points[len(p.Points)-1]
}

// StartsWithTakeoff reports whether the partial begins on the ground or
// low enough that the trace plausibly caught the departure.
func (p *Partial) StartsWithTakeoff() bool {
	first := p.First()
	return first.Grounded() || altFeet(first) < p.cfg.MaxAltMidairDisappear
}

// EndsWithLanding is the symmetric check on the final point.
func (p *Partial) EndsWithLanding() bool {
	last := p.Last()
	return last.Grounded() || altFeet(last) < p.cfg.MaxAltMidairDisappear
}

// IncompletePast reports that the flight's departure lies before this
// partial and has not been proven by stitching.
func (p *Partial) IncompletePast() bool {
	return !p.StartsWithTakeoff() && !p.TakeoffOverride
}

// IncompleteFuture reports that the flight's arrival lies after this
// partial and has not been proven by stitching.
func (p *Partial) IncompleteFuture() bool {
	return !p.EndsWithLanding() && !p.LandingOverride
}

// Complete reports whether the partial alone spans takeoff to landing.
func (p *Partial) Complete() bool {
	return !p.IncompletePast() && !p.IncompleteFuture()
}

// EverAirborne reports whether any point of the partial left the ground.
func (p *Partial) EverAirborne() bool {
	for _, pt := range p.Points {
		if !pt.Grounded() {
			return true
		}
	}
	return false
}

// DayView is the ordered partition of one aircraft day into partials.
type DayView struct {
	AircraftIcao string
	Date         time.Time
	// Points is the day's full point set, sorted by timestamp.
	Points   []*entity.FlightPoint
	Partials []*Partial

	cfg config.FlightsConfig
}

// Build sorts the day's points and partitions them at every change that
// constitutes a new flight. Partials with fewer than the configured
// minimum fragments are dropped.
func Build(cfg config.FlightsConfig, icao string, date time.Time, points []*entity.FlightPoint) *DayView {
	view := &DayView{AircraftIcao: icao, Date: date, cfg: cfg}
	if len(points) == 0 {
		return view
	}

	sorted := make([]*entity.FlightPoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})
	view.Points = sorted

	current := []*entity.FlightPoint{sorted[0]}
	for i := 1; i < len(sorted); i++ {
		change := NewChange(cfg, sorted[i-1], sorted[i])
		if change.ConstitutesNewFlight() {
			view.appendPartial(current)
			current = nil
		}
		current = append(current, sorted[i])
	}
	view.appendPartial(current)

	return view
}

func (v *DayView) appendPartial(points []*entity.FlightPoint) {
	if len(points) == 0 {
		return
	}
	if len(points) < v.cfg.MinFragmentsForPartial {
		log.Printf("timeline: dropping %d-point partial for %s on %s",
			len(points), v.AircraftIcao, entity.DateKey(v.Date))
		return
	}
	v.Partials = append(v.Partials, &Partial{
		AircraftIcao: v.AircraftIcao,
		Date:         v.Date,
		Points:       points,
		cfg:          v.cfg,
	})
}

// Change builds a descriptor with this view's thresholds, for cross-day
// evaluation of synthetic pairs.
func (v *DayView) Change(prev, next *entity.FlightPoint) *Change {
	return NewChange(v.cfg, prev, next)
}

// Overlapping returns the partials whose span intersects [start, end].
// Submission reconciliation reassimilates exactly these.
func (v *DayView) Overlapping(start, end float64) []*Partial {
	var out []*Partial
	for _, p := range v.Partials {
		if p.Last().Timestamp < start || p.First().Timestamp > end {
			continue
		}
		out = append(out, p)
	}
	return out
}
