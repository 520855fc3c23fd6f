// Package locate assigns flight points to suburbs. Resolution is tiered:
// the previous hit, then its neighbours, then a same-state UTM zone sweep,
// then a global zone sweep. Backends with native containment (PostGIS)
// collapse the tiers into a single database probe.
package locate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/paulmach/orb"

	"aireyes/internal/entity"
	"aireyes/internal/geom"
	"aireyes/internal/storage"
)

// ErrNoPosition is returned for points without a coordinate.
var ErrNoPosition = errors.New("point has no position")

// ErrSearchExhausted is returned when no suburb contains the point after
// every tier has been tried.
var ErrSearchExhausted = errors.New("suburb search exhausted")

// Method records which tier resolved a point.
type Method string

const (
	MethodLastSuburb Method = "last-suburb"
	MethodNeighbour  Method = "neighbour"
	MethodStateZone  Method = "state-zone"
	MethodGlobalZone Method = "global-zone"
	MethodProbe      Method = "db-probe"
)

// Result is one successful resolution with its provenance.
type Result struct {
	Suburb  *entity.Suburb
	Method  Method
	Elapsed time.Duration
}

// Locator resolves projected points to suburbs against the store.
type Locator struct {
	store  storage.Store
	prober storage.ContainmentProber
}

// New builds a locator. When the store implements ContainmentProber the
// locator probes the database directly instead of walking the tiers.
func New(store storage.Store) *Locator {
	l := &Locator{store: store}
	if p, ok := store.(storage.ContainmentProber); ok {
		l.prober = p
	}
	return l
}

// Locate resolves a single point. The hint is the suburb that contained the
// aircraft's previous point, nil when unknown.
func (l *Locator) Locate(ctx context.Context, p *entity.FlightPoint, hint *entity.Suburb) (*Result, error) {
	if !p.HasPosition() {
		return nil, ErrNoPosition
	}
	start := time.Now()

	if l.prober != nil {
		// The last-suburb fast path survives in probe mode: containment
		// against the hint is cheaper than a round trip.
		if hint != nil {
			if ok, err := l.contains(hint, p); err != nil {
				return nil, err
			} else if ok {
				return &Result{Suburb: hint, Method: MethodLastSuburb, Elapsed: time.Since(start)}, nil
			}
		}
		state := ""
		if hint != nil && hint.State != entity.StateUnknown {
			state = hint.State
		}
		sub, err := l.prober.SuburbContaining(ctx, *p.Position, state)
		if errors.Is(err, storage.ErrNotFound) && state != "" {
			sub, err = l.prober.SuburbContaining(ctx, *p.Position, "")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSearchExhausted
		}
		if err != nil {
			return nil, fmt.Errorf("containment probe: %w", err)
		}
		return &Result{Suburb: sub, Method: MethodProbe, Elapsed: time.Since(start)}, nil
	}

	// Tier 1: the previous suburb.
	if hint != nil {
		if ok, err := l.contains(hint, p); err != nil {
			return nil, err
		} else if ok {
			return &Result{Suburb: hint, Method: MethodLastSuburb, Elapsed: time.Since(start)}, nil
		}

		// Tier 2: its neighbours.
		for _, nh := range hint.Neighbours {
			sub, err := l.store.GetSuburb(ctx, nh)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if ok, err := l.contains(sub, p); err != nil {
				return nil, err
			} else if ok {
				return &Result{Suburb: sub, Method: MethodNeighbour, Elapsed: time.Since(start)}, nil
			}
		}
	}

	// Tier 3: same-state suburbs sharing the point's UTM zone.
	if hint != nil && hint.State != entity.StateUnknown {
		sub, err := l.sweepZone(ctx, p, hint.State)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return &Result{Suburb: sub, Method: MethodStateZone, Elapsed: time.Since(start)}, nil
		}
	}

	// Tier 4: every suburb sharing the zone.
	sub, err := l.sweepZone(ctx, p, "")
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return &Result{Suburb: sub, Method: MethodGlobalZone, Elapsed: time.Since(start)}, nil
	}

	return nil, ErrSearchExhausted
}

func (l *Locator) sweepZone(ctx context.Context, p *entity.FlightPoint, state string) (*entity.Suburb, error) {
	zone := p.UTMZone
	if zone == 0 {
		z, err := l.pointZone(p)
		if err != nil {
			return nil, err
		}
		zone = z
	}

	subs, err := l.store.SuburbsInZone(ctx, zone, state)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if ok, err := l.contains(sub, p); err != nil {
			return nil, err
		} else if ok {
			return sub, nil
		}
	}
	return nil, nil
}

// contains tests suburb containment with the point reprojected into the
// suburb's CRS when the two differ.
func (l *Locator) contains(sub *entity.Suburb, p *entity.FlightPoint) (bool, error) {
	pt := *p.Position
	if p.CRS != sub.CRS {
		var err error
		pt, err = geom.Transform(pt, p.CRS, sub.CRS)
		if err != nil {
			return false, fmt.Errorf("reproject point %s: %w", p.Hash, err)
		}
	}
	if !sub.Bound.Contains(pt) {
		return false, nil
	}
	return geom.MultiPolygonContains(sub.Geometry, pt), nil
}

func (l *Locator) pointZone(p *entity.FlightPoint) (int, error) {
	if p.CRS == geom.EPSG4326 {
		return geom.UTMZoneEPSG((*p.Position)[0], (*p.Position)[1]), nil
	}
	return geom.UTMZoneOfProjected(*p.Position, p.CRS)
}

// Status classifies one point's outcome in a day pass.
type Status string

const (
	StatusLocated Status = "located"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Outcome is the per-point record of a day pass.
type Outcome struct {
	PointHash string
	Status    Status
	// Method is set for located points only.
	Method Method
	// Failure names the cause for failed points: "no-position" or
	// "search-exhausted".
	Failure string
	Elapsed time.Duration
}

// DayResult summarises one LocateDay pass.
type DayResult struct {
	Outcomes []Outcome
	Resolved int
	// Covered is true when every positional point carries a suburb;
	// positionless points cannot be located and do not break coverage.
	Covered bool
}

// LocateDay resolves every unlocated point of an aircraft day, carrying the
// last hit forward as the next hint. Every point gets an outcome record.
func (l *Locator) LocateDay(ctx context.Context, icao string, date time.Time, hint *entity.Suburb) (*DayResult, error) {
	points, err := l.store.PointsForDay(ctx, icao, date)
	if err != nil {
		return nil, err
	}

	day := &DayResult{Covered: true}
	for _, p := range points {
		start := time.Now()
		if !p.HasPosition() {
			day.Outcomes = append(day.Outcomes, Outcome{
				PointHash: p.Hash, Status: StatusFailed, Failure: "no-position",
				Elapsed: time.Since(start),
			})
			continue
		}
		if p.SuburbHash != "" {
			hint, err = l.store.GetSuburb(ctx, p.SuburbHash)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return day, err
			}
			day.Outcomes = append(day.Outcomes, Outcome{
				PointHash: p.Hash, Status: StatusSkipped, Elapsed: time.Since(start),
			})
			continue
		}

		res, err := l.Locate(ctx, p, hint)
		if errors.Is(err, ErrSearchExhausted) {
			log.Printf("locate: no suburb for point %s of %s", p.Hash, icao)
			day.Covered = false
			day.Outcomes = append(day.Outcomes, Outcome{
				PointHash: p.Hash, Status: StatusFailed, Failure: "search-exhausted",
				Elapsed: time.Since(start),
			})
			continue
		}
		if err != nil {
			return day, err
		}

		zone := res.Suburb.UTMZones
		utm := p.UTMZone
		if utm == 0 && len(zone) > 0 {
			utm = zone[0]
		}
		if err := l.store.SetPointSuburb(ctx, p.Hash, res.Suburb.Hash, utm); err != nil {
			return day, err
		}
		day.Outcomes = append(day.Outcomes, Outcome{
			PointHash: p.Hash, Status: StatusLocated, Method: res.Method, Elapsed: res.Elapsed,
		})
		hint = res.Suburb
		day.Resolved++
	}
	return day, nil
}

// ZonesForPoint computes the UTM EPSG zone of a geographic coordinate.
// Exposed for ingest, which stamps zones on points before storage.
func ZonesForPoint(pt orb.Point) int {
	return geom.UTMZoneEPSG(pt[0], pt[1])
}
