// Package assimilate turns a chain of partials into a persisted flight
// with its cached statistics: distance, duration, prohibited-hours
// minutes, averages, fuel burn and CO2.
package assimilate

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"

	"aireyes/internal/config"
	"aireyes/internal/entity"
	"aireyes/internal/geom"
	"aireyes/internal/storage"
	"aireyes/internal/timeline"
)

// Unit conversions used by the statistics chain.
const (
	knotsToKmh        = 1.852
	gallonsToCO2Tonne = 0.031491395793499
)

// MultiplePotentialFlights reports that the chain's points already belong
// to more than one flight. The day needs a rebuild before assimilation can
// proceed.
type MultiplePotentialFlights struct {
	AircraftIcao string
	FlightHashes []string
}

func (e *MultiplePotentialFlights) Error() string {
	return fmt.Sprintf("points of %s reference %d existing flights",
		e.AircraftIcao, len(e.FlightHashes))
}

// Result is the outcome of one assimilation.
type Result struct {
	Flight *entity.Flight
	// Created is false when the chain's points already referenced a single
	// existing flight, which was updated in place.
	Created bool
}

// Assimilator computes and persists flights. The airport index is built
// once at startup from the reference airports, all in the projected CRS.
type Assimilator struct {
	store    storage.Store
	cfg      config.FlightsConfig
	airports *geom.Index
}

// New builds an assimilator over the given airport set.
func New(store storage.Store, cfg config.FlightsConfig, airports []*entity.Airport) *Assimilator {
	items := make([]*geom.Item, 0, len(airports))
	for _, a := range airports {
		items = append(items, &geom.Item{ID: a.Hash, Geometry: a.Polygon, Data: a})
	}
	return &Assimilator{store: store, cfg: cfg, airports: geom.NewIndex(items)}
}

// Assimilate flattens a chronological chain of partials into one flight,
// computes its statistics and persists it with its point assignments.
func (a *Assimilator) Assimilate(ctx context.Context, aircraft *entity.Aircraft, chain []*timeline.Partial) (*Result, error) {
	if len(chain) == 0 {
		return nil, fmt.Errorf("empty partial chain")
	}

	points := flatten(chain)
	if len(points) == 0 {
		return nil, fmt.Errorf("partial chain for %s has no points", aircraft.Icao)
	}

	flight, created, err := a.dominantFlight(aircraft.Icao, points)
	if err != nil {
		return nil, err
	}

	first, last := chain[0], chain[len(chain)-1]
	flight.HasDepartureDetails = !first.IncompletePast()
	flight.HasArrivalDetails = !last.IncompleteFuture()
	flight.TaxiOnly = !everAirborne(chain)
	flight.IsOnGround = points[len(points)-1].Grounded()
	flight.FirstPointTime = points[0].Time()
	flight.LastPointTime = points[len(points)-1].Time()
	flight.DaysAcross = daysAcross(points)

	a.computeStatistics(flight, aircraft, points)
	a.resolveAirports(flight, first, last)

	if err := a.store.UpsertFlight(ctx, flight); err != nil {
		return nil, fmt.Errorf("persist flight: %w", err)
	}
	hashes := make([]string, len(points))
	for i, p := range points {
		hashes[i] = p.Hash
	}
	if err := a.store.AssignPointsToFlight(ctx, hashes, flight.Hash); err != nil {
		return nil, fmt.Errorf("assign points: %w", err)
	}

	return &Result{Flight: flight, Created: created}, nil
}

// dominantFlight finds the single flight the chain's points may already
// reference. Multiple distinct references are fatal for the chain.
func (a *Assimilator) dominantFlight(icao string, points []*entity.FlightPoint) (*entity.Flight, bool, error) {
	seen := map[string]bool{}
	var hashes []string
	for _, p := range points {
		if p.FlightHash != "" && !seen[p.FlightHash] {
			seen[p.FlightHash] = true
			hashes = append(hashes, p.FlightHash)
		}
	}
	switch len(hashes) {
	case 0:
		return entity.NewFlight(icao), true, nil
	case 1:
		flight := entity.NewFlight(icao)
		flight.Hash = hashes[0]
		return flight, false, nil
	default:
		sort.Strings(hashes)
		return nil, false, &MultiplePotentialFlights{AircraftIcao: icao, FlightHashes: hashes}
	}
}

func flatten(chain []*timeline.Partial) []*entity.FlightPoint {
	var points []*entity.FlightPoint
	for _, p := range chain {
		points = append(points, p.Points...)
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp < points[j].Timestamp
	})
	return points
}

func everAirborne(chain []*timeline.Partial) bool {
	for _, p := range chain {
		if p.EverAirborne() {
			return true
		}
	}
	return false
}

func daysAcross(points []*entity.FlightPoint) int {
	seen := map[string]bool{}
	for _, p := range points {
		seen[entity.DateKey(p.DayDate)] = true
	}
	return len(seen)
}

// computeStatistics fills the cached statistic columns. Each statistic is
// independently nullable: missing inputs null that statistic without
// touching the others.
func (a *Assimilator) computeStatistics(f *entity.Flight, aircraft *entity.Aircraft, points []*entity.FlightPoint) {
	f.DistanceMeters = a.pathDistance(points)

	spanSeconds := points[len(points)-1].Timestamp - points[0].Timestamp
	totalMinutes := int(math.Round(spanSeconds / 60))
	f.TotalMinutes = &totalMinutes

	prohibited := a.prohibitedMinutes(aircraft, points)
	f.ProhibitedMinutes = &prohibited

	f.AvgSpeedKn = avgSpeed(points)
	f.AvgAltitudeFt = avgAltitude(points)

	hours := spanSeconds / 3600
	if aircraft.HasFuelData() {
		fuel := hours * aircraft.Fuel.GalPerHour
		f.FuelGallons = &fuel
	}
	f.TotalCO2Kg = co2Total(f, aircraft, hours)
}

func (a *Assimilator) pathDistance(points []*entity.FlightPoint) *float64 {
	var path []orb.Point
	for _, p := range points {
		if p.HasPosition() {
			path = append(path, *p.Position)
		}
	}
	if len(path) < a.cfg.MinPositionalPathPoints {
		return nil
	}
	d := geom.PathLength(path)
	return &d
}

// prohibitedMinutes measures the flown time inside the local prohibited
// window by filtering the point set: an interval between consecutive
// points counts only when both its endpoints fall in the window, so
// coverage gaps never inflate the figure. The aircraft's timezone
// override wins over the deployment timezone.
func (a *Assimilator) prohibitedMinutes(aircraft *entity.Aircraft, points []*entity.FlightPoint) int {
	name := a.cfg.StatisticsTimezone
	if aircraft.Timezone != "" {
		name = aircraft.Timezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("assimilate: unknown timezone %q, using UTC", name)
		loc = time.UTC
	}

	inWindow := func(p *entity.FlightPoint) bool {
		h := p.Time().In(loc).Hour()
		return h >= a.cfg.ProhibitedStartHour || h < a.cfg.ProhibitedEndHour
	}

	seconds := 0.0
	for i := 0; i+1 < len(points); i++ {
		if inWindow(points[i]) && inWindow(points[i+1]) {
			seconds += points[i+1].Timestamp - points[i].Timestamp
		}
	}
	return int(math.Round(seconds / 60))
}

func avgSpeed(points []*entity.FlightPoint) *float64 {
	sum, n := 0.0, 0
	for _, p := range points {
		if !p.Grounded() && p.GroundSpeedKn != nil {
			sum += *p.GroundSpeedKn
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

// avgAltitude averages the airborne altitudes. Ground markers carry no
// altitude information and are left out of the mean entirely.
func avgAltitude(points []*entity.FlightPoint) *float64 {
	sum, n := 0.0, 0
	for _, p := range points {
		if !p.Altitude.Valid || p.Altitude.Ground {
			continue
		}
		sum += float64(p.Altitude.Feet)
		n++
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

// co2Total runs the emission chain: fuel tonnes per passenger-km, CO2 per
// passenger-km, CO2 per passenger-hour, then the flight total. Any missing
// input nulls the statistic.
func co2Total(f *entity.Flight, aircraft *entity.Aircraft, hours float64) *float64 {
	if !aircraft.HasFuelData() || aircraft.Fuel.CO2PerGram <= 0 ||
		aircraft.Fuel.PassengerLoad <= 0 ||
		f.FuelGallons == nil || f.DistanceMeters == nil || f.AvgSpeedKn == nil {
		return nil
	}
	km := *f.DistanceMeters / 1000
	if km <= 0 {
		return nil
	}
	pax := float64(aircraft.Fuel.PassengerLoad)
	fuelTonnes := *f.FuelGallons * gallonsToCO2Tonne
	fuelPerPaxKm := (fuelTonnes * 1e6) / (km * pax)
	co2PerPaxKm := fuelPerPaxKm * aircraft.Fuel.CO2PerGram
	kmh := *f.AvgSpeedKn * knotsToKmh
	co2PerPaxHour := math.Round((co2PerPaxKm * kmh) / 1000)
	total := hours * co2PerPaxHour * pax
	return &total
}

// resolveAirports assigns the endpoint airports. An endpoint is only
// resolvable when its detail flag is set and its point carries a position;
// a positionless endpoint downgrades to a null airport reference. A
// movement that never left the ground gets no landing airport.
func (a *Assimilator) resolveAirports(f *entity.Flight, first, last *timeline.Partial) {
	f.TakeoffAirportHash = ""
	f.LandingAirportHash = ""

	if f.HasDepartureDetails {
		if ap := a.airportAt(first.First()); ap != nil {
			f.TakeoffAirportHash = ap.Hash
		}
	}
	if f.HasArrivalDetails && !f.TaxiOnly {
		if ap := a.airportAt(last.Last()); ap != nil {
			f.LandingAirportHash = ap.Hash
		}
	}
}

// airportAt finds the airport whose polygon contains the point, in the
// point's UTM zone. Overlapping airports resolve to the nearest centroid;
// a point contained by no polygon resolves to no airport at all.
func (a *Assimilator) airportAt(p *entity.FlightPoint) *entity.Airport {
	if !p.HasPosition() {
		log.Printf("assimilate: endpoint point %s of %s has no position",
			p.Hash, p.AircraftIcao)
		return nil
	}
	zone := p.UTMZone
	if zone == 0 {
		z, err := geom.UTMZoneOfProjected(*p.Position, p.CRS)
		if err != nil {
			log.Printf("assimilate: cannot zone point %s: %v", p.Hash, err)
			return nil
		}
		zone = z
	}

	var nearest *entity.Airport
	best := math.MaxFloat64
	for _, it := range a.airports.Covering(*p.Position) {
		ap := it.Data.(*entity.Airport)
		if !ap.InZone(zone) || !geom.Contains(ap.Polygon, *p.Position) {
			continue
		}
		c := ap.Centroid()
		dx, dy := c[0]-(*p.Position)[0], c[1]-(*p.Position)[1]
		if d := dx*dx + dy*dy; d < best {
			best = d
			nearest = ap
		}
	}
	return nearest
}
