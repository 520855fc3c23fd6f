// Package ingest orchestrates trace submission and day revision: points
// arrive from workers, get deduplicated, geolocated and reconciled into
// flights via the timeline, stitch and assimilate stages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"aireyes/internal/assimilate"
	"aireyes/internal/config"
	"aireyes/internal/entity"
	"aireyes/internal/events"
	"aireyes/internal/locate"
	"aireyes/internal/stitch"
	"aireyes/internal/storage"
	"aireyes/internal/timeline"
)

// ErrNoFlightsAssimilated is returned by day revision when the rebuild
// neither created nor updated any flight.
var ErrNoFlightsAssimilated = errors.New("zero-created-updated")

// ErrDayNotRevisable is returned when a revision is requested for a day
// whose history is unverified or whose flights are already verified, and
// force was not set.
var ErrDayNotRevisable = errors.New("day not in a revisable state")

// Receipt acknowledges one submitted point.
type Receipt struct {
	FlightPointHash string `json:"flightPointHash"`
	// Synchronised is false when the point was already stored.
	Synchronised bool `json:"synchronised"`
}

// Ingestor is the reconstruction orchestrator. All mutation of one
// (aircraft, day) is serialised through its keyed mutex; multi-day
// operations take their keys in ascending order.
type Ingestor struct {
	store   storage.Store
	cfg     config.Config
	locator *locate.Locator
	stitch  *stitch.Stitcher
	asm     *assimilate.Assimilator
	mirror  *storage.ClickHouseMirror
	pub     events.Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires the orchestrator. mirror and pub may be nil / no-op.
func New(store storage.Store, cfg config.Config, asm *assimilate.Assimilator,
	mirror *storage.ClickHouseMirror, pub events.Publisher) *Ingestor {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Ingestor{
		store:   store,
		cfg:     cfg,
		locator: locate.New(store),
		stitch:  stitch.New(store, cfg.Flights),
		asm:     asm,
		mirror:  mirror,
		pub:     pub,
		locks:   map[string]*sync.Mutex{},
	}
}

func dayKey(icao string, date time.Time) string {
	return icao + "|" + entity.DateKey(date)
}

// lockDays acquires the mutation locks for the given keys in ascending
// order and returns the unlock function.
func (in *Ingestor) lockDays(keys []string) func() {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	var held []*sync.Mutex
	for _, k := range sorted {
		in.mu.Lock()
		m, ok := in.locks[k]
		if !ok {
			m = &sync.Mutex{}
			in.locks[k] = m
		}
		in.mu.Unlock()
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// SubmitPartial ingests a batch of points for one aircraft. Points are
// validated, deduplicated against upstream position repeats, stored
// idempotently, geolocated, and reconciled into flights along the fast
// path where the batch extends an existing partial.
func (in *Ingestor) SubmitPartial(ctx context.Context, aircraft *entity.Aircraft, points []*entity.FlightPoint) ([]Receipt, error) {
	if len(points) == 0 {
		return nil, nil
	}

	prepared, err := in.prepare(aircraft.Icao, points)
	if err != nil {
		return nil, err
	}

	days := map[string]time.Time{}
	var keys []string
	for _, p := range prepared {
		k := dayKey(aircraft.Icao, p.DayDate)
		if _, ok := days[k]; !ok {
			days[k] = p.DayDate
			keys = append(keys, k)
		}
	}

	receipts, fresh, err := in.storeBatch(ctx, aircraft, keys, days, prepared)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return receipts, nil
	}
	in.pub.AircraftUpdated(aircraft.Icao, prepared[len(prepared)-1])

	for k, date := range days {
		if err := in.refreshDay(ctx, aircraft, k, date, fresh); err != nil {
			return nil, err
		}
	}
	return receipts, nil
}

// storeBatch persists the aircraft, day rows and points under the
// submitted days' locks. The locks are released before reconciliation so
// the cross-day walks can take their own ascending lock sets.
func (in *Ingestor) storeBatch(ctx context.Context, aircraft *entity.Aircraft, keys []string,
	days map[string]time.Time, prepared []*entity.FlightPoint) ([]Receipt, []*entity.FlightPoint, error) {
	unlock := in.lockDays(keys)
	defer unlock()

	if err := in.store.UpsertAircraft(ctx, aircraft); err != nil {
		return nil, nil, fmt.Errorf("upsert aircraft: %w", err)
	}
	for _, date := range days {
		if err := in.touchDay(ctx, aircraft.Icao, date); err != nil {
			return nil, nil, err
		}
	}

	created, err := in.store.InsertPoints(ctx, prepared)
	if err != nil {
		return nil, nil, fmt.Errorf("insert points: %w", err)
	}

	receipts := make([]Receipt, len(prepared))
	var fresh []*entity.FlightPoint
	for i, p := range prepared {
		receipts[i] = Receipt{FlightPointHash: p.Hash, Synchronised: created[p.Hash]}
		if created[p.Hash] {
			fresh = append(fresh, p)
		}
	}
	return receipts, fresh, nil
}

// refreshDay geolocates and mirrors one submitted day under its lock,
// then reconciles the partials the fresh points touched.
func (in *Ingestor) refreshDay(ctx context.Context, aircraft *entity.Aircraft, key string, date time.Time, fresh []*entity.FlightPoint) error {
	if in.cfg.Geo.GeolocationEnabled || in.mirror != nil {
		unlock := in.lockDays([]string{key})
		if in.cfg.Geo.GeolocationEnabled {
			if _, err := in.locator.LocateDay(ctx, aircraft.Icao, date, nil); err != nil {
				unlock()
				return fmt.Errorf("geolocate day: %w", err)
			}
		}
		// The mirror rides behind geolocation so suburb hashes and the
		// geographic coordinates land in the analytics copy. Best effort.
		if err := in.mirrorFresh(ctx, aircraft.Icao, date, fresh); err != nil {
			log.Printf("ingest: clickhouse mirror: %v", err)
		}
		unlock()
	}
	return in.reconcileSubmission(ctx, aircraft, date, fresh)
}

// mirrorFresh re-reads the day's newly stored points, which now carry
// their suburb assignments, and appends them to the analytics sink.
func (in *Ingestor) mirrorFresh(ctx context.Context, icao string, date time.Time, fresh []*entity.FlightPoint) error {
	if in.mirror == nil {
		return nil
	}
	hashes := map[string]bool{}
	for _, p := range fresh {
		if p.DayDate.Equal(date) {
			hashes[p.Hash] = true
		}
	}
	if len(hashes) == 0 {
		return nil
	}
	stored, err := in.store.PointsForDay(ctx, icao, date)
	if err != nil {
		return err
	}
	batch := make([]*entity.FlightPoint, 0, len(hashes))
	for _, p := range stored {
		if hashes[p.Hash] {
			batch = append(batch, p)
		}
	}
	return in.mirror.MirrorPoints(ctx, batch)
}

// prepare validates the batch, stamps day dates and clears positions that
// repeat the previous point's coordinate exactly, which indicates
// upstream duplication.
func (in *Ingestor) prepare(icao string, points []*entity.FlightPoint) ([]*entity.FlightPoint, error) {
	prepared := make([]*entity.FlightPoint, len(points))
	copy(prepared, points)
	sort.Slice(prepared, func(i, j int) bool {
		return prepared[i].Timestamp < prepared[j].Timestamp
	})

	for i, p := range prepared {
		if p.AircraftIcao == "" {
			p.AircraftIcao = icao
		}
		if p.DayDate.IsZero() {
			p.DayDate = entity.DayFromTimestamp(p.Timestamp)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if i > 0 && entity.SamePosition(prepared[i-1], p) {
			p.ClearPosition()
		}
	}
	return prepared, nil
}

// touchDay ensures the day and presence rows and clears the verification
// flags: new data invalidates both the back-fill and the reconciliation.
func (in *Ingestor) touchDay(ctx context.Context, icao string, date time.Time) error {
	if err := in.store.EnsureDay(ctx, date); err != nil {
		return fmt.Errorf("ensure day: %w", err)
	}
	presence, err := in.store.EnsurePresence(ctx, icao, date)
	if err != nil {
		return fmt.Errorf("ensure presence: %w", err)
	}
	if presence.HistoryVerified || presence.FlightsVerified {
		presence.HistoryVerified = false
		presence.FlightsVerified = false
		if err := in.store.UpdatePresence(ctx, presence); err != nil {
			return fmt.Errorf("update presence: %w", err)
		}
	}
	return nil
}

// reconcileSubmission reassimilates only the partials touched by the new
// points of one day. Partials left incomplete by missing adjacent data
// park the day for later revision instead of failing the submission.
func (in *Ingestor) reconcileSubmission(ctx context.Context, aircraft *entity.Aircraft, date time.Time, fresh []*entity.FlightPoint) error {
	var lo, hi float64
	for _, p := range fresh {
		if !p.DayDate.Equal(date) {
			continue
		}
		if lo == 0 || p.Timestamp < lo {
			lo = p.Timestamp
		}
		if p.Timestamp > hi {
			hi = p.Timestamp
		}
	}
	if lo == 0 {
		return nil
	}

	points, err := in.store.PointsForDay(ctx, aircraft.Icao, date)
	if err != nil {
		return err
	}
	view := timeline.Build(in.cfg.Flights, aircraft.Icao, date, points)

	for _, partial := range view.Overlapping(lo, hi) {
		if _, err := in.assimilatePartial(ctx, aircraft, partial); err != nil {
			if parked := in.parkRevision(ctx, aircraft.Icao, date, err); parked {
				continue
			}
			return err
		}
	}
	return nil
}

// chainKeys lists the mutation keys a chain touches: every chained day
// plus the adjacent day the walk peeked at beyond each end.
func chainKeys(icao string, chain []*timeline.Partial) []string {
	lo, hi := chain[0].Date, chain[0].Date
	for _, p := range chain {
		if p.Date.Before(lo) {
			lo = p.Date
		}
		if p.Date.After(hi) {
			hi = p.Date
		}
	}
	var keys []string
	for d := lo.AddDate(0, 0, -1); !d.After(hi.AddDate(0, 0, 1)); d = d.AddDate(0, 0, 1) {
		keys = append(keys, dayKey(icao, d))
	}
	return keys
}

func coveredBy(keys, held []string) bool {
	set := map[string]bool{}
	for _, k := range held {
		set[k] = true
	}
	for _, k := range keys {
		if !set[k] {
			return false
		}
	}
	return true
}

// assimilatePartial resolves a seed partial into its full cross-day chain
// and assimilates it. The days a chain spans are only known after a walk,
// so the walk runs once without locks to discover its footprint, then
// again with every touched (aircraft, day) locked in ascending order; the
// seed's day is rebuilt under the locks so a concurrent submission cannot
// leave the chain stale. Returns a nil result when the seed's span no
// longer maps to any partial.
func (in *Ingestor) assimilatePartial(ctx context.Context, aircraft *entity.Aircraft, seed *timeline.Partial) (*assimilate.Result, error) {
	chain, err := in.stitch.Complete(ctx, seed)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		keys := chainKeys(aircraft.Icao, chain)
		unlock := in.lockDays(keys)

		locked, err := in.lockedChain(ctx, seed)
		if err != nil {
			unlock()
			return nil, err
		}
		if locked == nil {
			unlock()
			return nil, nil
		}
		if !coveredBy(chainKeys(aircraft.Icao, locked), keys) {
			unlock()
			if attempt >= 2 {
				return nil, &stitch.RevisionRequired{
					AircraftIcao: seed.AircraftIcao, Date: seed.Date,
					Reason: "chain footprint kept growing under contention",
				}
			}
			chain = locked
			continue
		}

		res, err := in.asm.Assimilate(ctx, aircraft, locked)
		unlock()
		if err != nil {
			return nil, err
		}
		if res.Flight.HasArrivalDetails {
			in.pub.FlightLanded(res.Flight)
		}
		return res, nil
	}
}

// lockedChain rebuilds the seed's day and re-walks the chain for the
// partial now covering the seed's span.
func (in *Ingestor) lockedChain(ctx context.Context, seed *timeline.Partial) ([]*timeline.Partial, error) {
	points, err := in.store.PointsForDay(ctx, seed.AircraftIcao, seed.Date)
	if err != nil {
		return nil, err
	}
	view := timeline.Build(in.cfg.Flights, seed.AircraftIcao, seed.Date, points)
	overlapping := view.Overlapping(seed.First().Timestamp, seed.Last().Timestamp)
	if len(overlapping) == 0 {
		return nil, nil
	}
	return in.stitch.Complete(ctx, overlapping[0])
}

// parkRevision logs a revision-required signal and leaves the day
// unverified so the background pass picks it up. Other errors are not
// parked.
func (in *Ingestor) parkRevision(ctx context.Context, icao string, date time.Time, err error) bool {
	if r, ok := stitch.AsRevisionRequired(err); ok {
		log.Printf("ingest: parking %s %s for revision: %s", icao, entity.DateKey(date), r.Reason)
		return true
	}
	var multi *assimilate.MultiplePotentialFlights
	if errors.As(err, &multi) {
		log.Printf("ingest: parking %s %s for revision: %v", icao, entity.DateKey(date), multi)
		return true
	}
	return false
}

// ReviseDay rebuilds every flight of one aircraft day. Without force the
// day must be back-filled (history verified) and not yet reconciled. A
// single failing partial is recorded and skipped; the revision fails
// outright only when nothing assimilates at all, and a day with any
// failed partial stays unverified for a later pass.
func (in *Ingestor) ReviseDay(ctx context.Context, icao string, date time.Time, force bool) ([]*assimilate.Result, error) {
	aircraft, view, covered, err := in.reviseSetup(ctx, icao, date, force)
	if err != nil {
		return nil, err
	}

	var results []*assimilate.Result
	failed := 0
	for _, partial := range view.Partials {
		res, err := in.assimilatePartial(ctx, aircraft, partial)
		if err != nil {
			log.Printf("ingest: revise %s %s: partial at %v: %v",
				icao, entity.DateKey(date), partial.First().Timestamp, err)
			failed++
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	if len(results) == 0 {
		return nil, ErrNoFlightsAssimilated
	}
	if failed > 0 {
		log.Printf("ingest: revise %s %s: %d partial(s) unresolved, day stays unverified",
			icao, entity.DateKey(date), failed)
		return results, nil
	}

	unlock := in.lockDays([]string{dayKey(icao, date)})
	defer unlock()
	presence, err := in.store.GetPresence(ctx, icao, date)
	if err != nil {
		return results, fmt.Errorf("presence for %s %s: %w", icao, entity.DateKey(date), err)
	}
	presence.FlightsVerified = true
	presence.GeolocationVerified = covered
	if err := in.store.UpdatePresence(ctx, presence); err != nil {
		return results, fmt.Errorf("update presence: %w", err)
	}
	return results, nil
}

// reviseSetup runs the locked lead-in of a revision: the presence gate,
// geolocation and the day partition. The lock is dropped before the
// per-partial walks so each can take its own ascending lock set.
func (in *Ingestor) reviseSetup(ctx context.Context, icao string, date time.Time, force bool) (*entity.Aircraft, *timeline.DayView, bool, error) {
	unlock := in.lockDays([]string{dayKey(icao, date)})
	defer unlock()

	presence, err := in.store.GetPresence(ctx, icao, date)
	if err != nil {
		return nil, nil, false, fmt.Errorf("presence for %s %s: %w", icao, entity.DateKey(date), err)
	}
	if !force && (!presence.HistoryVerified || presence.FlightsVerified) {
		return nil, nil, false, fmt.Errorf("%w: history_verified=%v flights_verified=%v",
			ErrDayNotRevisable, presence.HistoryVerified, presence.FlightsVerified)
	}

	aircraft, err := in.store.GetAircraft(ctx, icao)
	if err != nil {
		return nil, nil, false, fmt.Errorf("aircraft %s: %w", icao, err)
	}

	covered := true
	if in.cfg.Geo.GeolocationEnabled {
		day, err := in.locator.LocateDay(ctx, icao, date, nil)
		if err != nil {
			return nil, nil, false, fmt.Errorf("geolocate day: %w", err)
		}
		covered = day.Covered
	}

	points, err := in.store.PointsForDay(ctx, icao, date)
	if err != nil {
		return nil, nil, false, err
	}
	return aircraft, timeline.Build(in.cfg.Flights, icao, date, points), covered, nil
}
