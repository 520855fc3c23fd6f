// Package stitch joins partial flights across adjacent days. A partial
// that starts or ends mid-air is walked backward or forward through the
// aircraft's present days until the missing endpoint is found or proven
// absent.
package stitch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aireyes/internal/config"
	"aireyes/internal/entity"
	"aireyes/internal/storage"
	"aireyes/internal/timeline"
)

// maxWalkDays bounds either direction of a cross-day walk.
const maxWalkDays = 100

// RevisionRequired reports that an adjacent day's data is missing or
// contradictory and the (aircraft, day) needs a later background pass. It
// is a control signal, not a failure of the current request.
type RevisionRequired struct {
	AircraftIcao string
	Date         time.Time
	Reason       string
}

func (r *RevisionRequired) Error() string {
	return fmt.Sprintf("revision required for %s on %s: %s",
		r.AircraftIcao, entity.DateKey(r.Date), r.Reason)
}

// AsRevisionRequired unwraps the control signal from an error chain.
func AsRevisionRequired(err error) (*RevisionRequired, bool) {
	var r *RevisionRequired
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// Stitcher walks present days around a seed partial.
type Stitcher struct {
	store storage.Store
	cfg   config.FlightsConfig
}

// New builds a stitcher over the given store.
func New(store storage.Store, cfg config.FlightsConfig) *Stitcher {
	return &Stitcher{store: store, cfg: cfg}
}

// dayView loads and partitions one adjacent day. A missing presence row or
// an empty partition surfaces as RevisionRequired against the seed.
func (s *Stitcher) dayView(ctx context.Context, icao string, date time.Time, seed *timeline.Partial) (*timeline.DayView, error) {
	if _, err := s.store.GetPresence(ctx, icao, date); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &RevisionRequired{
				AircraftIcao: icao, Date: seed.Date,
				Reason: fmt.Sprintf("no data for adjacent day %s", entity.DateKey(date)),
			}
		}
		return nil, err
	}
	points, err := s.store.PointsForDay(ctx, icao, date)
	if err != nil {
		return nil, err
	}
	view := timeline.Build(s.cfg, icao, date, points)
	if len(view.Partials) == 0 {
		return nil, &RevisionRequired{
			AircraftIcao: icao, Date: seed.Date,
			Reason: fmt.Sprintf("adjacent day %s has no partials", entity.DateKey(date)),
		}
	}
	return view, nil
}

// CollectBackwardUntilTakeoff extends a seed whose past is incomplete. The
// returned chain is in chronological order and ends with the seed; when
// the walk proves the previous flight ended before the seed began, the
// seed's takeoff override is set instead.
func (s *Stitcher) CollectBackwardUntilTakeoff(ctx context.Context, seed *timeline.Partial) ([]*timeline.Partial, error) {
	chain := []*timeline.Partial{seed}
	head := seed
	date := seed.Date

	for i := 0; i < maxWalkDays; i++ {
		if !head.IncompletePast() {
			return chain, nil
		}
		date = date.AddDate(0, 0, -1)

		view, err := s.dayView(ctx, seed.AircraftIcao, date, seed)
		if err != nil {
			return nil, err
		}

		candidate := view.Partials[len(view.Partials)-1]
		change := timeline.NewChange(s.cfg, candidate.Last(), head.First())
		if change.ConstitutesNewFlight() {
			// The previous flight ended before this one began: the gap
			// itself proves the takeoff.
			head.TakeoffOverride = true
			return chain, nil
		}

		chain = append([]*timeline.Partial{candidate}, chain...)
		head = candidate
	}

	return nil, &RevisionRequired{
		AircraftIcao: seed.AircraftIcao, Date: seed.Date,
		Reason: "backward walk exceeded day limit",
	}
}

// CollectForwardUntilLanding is the symmetric forward walk for a seed
// whose future is incomplete.
func (s *Stitcher) CollectForwardUntilLanding(ctx context.Context, seed *timeline.Partial) ([]*timeline.Partial, error) {
	chain := []*timeline.Partial{seed}
	tail := seed
	date := seed.Date

	for i := 0; i < maxWalkDays; i++ {
		if !tail.IncompleteFuture() {
			return chain, nil
		}
		date = date.AddDate(0, 0, 1)

		view, err := s.dayView(ctx, seed.AircraftIcao, date, seed)
		if err != nil {
			return nil, err
		}

		candidate := view.Partials[0]
		change := timeline.NewChange(s.cfg, tail.Last(), candidate.First())
		if change.ConstitutesNewFlight() {
			tail.LandingOverride = true
			return chain, nil
		}
		if !candidate.IncompletePast() {
			// The next day's first partial claims its own takeoff while
			// the seed still needs a forward join.
			return nil, &RevisionRequired{
				AircraftIcao: seed.AircraftIcao, Date: seed.Date,
				Reason: fmt.Sprintf("contradictory join into %s", entity.DateKey(date)),
			}
		}

		chain = append(chain, candidate)
		tail = candidate
	}

	return nil, &RevisionRequired{
		AircraftIcao: seed.AircraftIcao, Date: seed.Date,
		Reason: "forward walk exceeded day limit",
	}
}

// Complete resolves a seed partial into the full chronological chain of
// partials forming one flight, walking whichever directions are
// incomplete.
func (s *Stitcher) Complete(ctx context.Context, seed *timeline.Partial) ([]*timeline.Partial, error) {
	chain := []*timeline.Partial{seed}

	if seed.IncompletePast() {
		back, err := s.CollectBackwardUntilTakeoff(ctx, seed)
		if err != nil {
			return nil, err
		}
		chain = back
	}
	if seed.IncompleteFuture() {
		fwd, err := s.CollectForwardUntilLanding(ctx, seed)
		if err != nil {
			return nil, err
		}
		// fwd starts with the seed; append everything after it.
		chain = append(chain, fwd[1:]...)
	}
	return chain, nil
}
