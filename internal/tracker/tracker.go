// Package tracker keeps the realtime in-memory state of the tracked
// fleet: the latest point per aircraft, its suburb and freshness. The
// persistent record lives in storage; this cache serves the live query
// surface without touching the database.
package tracker

import (
	"sync"
	"time"

	"aireyes/internal/entity"
)

// State is the live view of one aircraft.
type State struct {
	Icao       string
	FlightName string

	LastPoint  *entity.FlightPoint
	SuburbName string

	FirstSeen  time.Time
	LastSeen   time.Time
	PointCount int
}

// Airborne reports whether the latest sample shows the aircraft flying.
func (s *State) Airborne() bool {
	return s.LastPoint != nil && !s.LastPoint.Grounded()
}

// Tracker is the fleet state cache.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*State

	// onFirstSeen fires when an aircraft appears for the first time this
	// process lifetime.
	onFirstSeen func(*State)
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{states: make(map[string]*State)}
}

// OnFirstSeen sets the new-aircraft callback.
func (t *Tracker) OnFirstSeen(fn func(*State)) {
	t.onFirstSeen = fn
}

// Observe records a point for an aircraft. Older points never regress the
// cached state. Returns the state and whether the aircraft is new.
func (t *Tracker) Observe(aircraft *entity.Aircraft, p *entity.FlightPoint) (*State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	st, exists := t.states[aircraft.Icao]
	if !exists {
		st = &State{
			Icao:       aircraft.Icao,
			FlightName: aircraft.FlightName,
			FirstSeen:  now,
		}
		t.states[aircraft.Icao] = st
	}
	if aircraft.FlightName != "" {
		st.FlightName = aircraft.FlightName
	}

	if st.LastPoint == nil || p.Timestamp >= st.LastPoint.Timestamp {
		st.LastPoint = p
	}
	st.LastSeen = now
	st.PointCount++

	if !exists && t.onFirstSeen != nil {
		t.onFirstSeen(st)
	}
	return st, !exists
}

// SetSuburb updates the display suburb of an aircraft, if tracked.
func (t *Tracker) SetSuburb(icao, suburbName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[icao]; ok {
		st.SuburbName = suburbName
	}
}

// Get returns the state of one aircraft, nil when never observed.
func (t *Tracker) Get(icao string) *State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.states[icao]
}

// All returns every tracked state.
func (t *Tracker) All() []*State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*State, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, st)
	}
	return out
}

// Active returns the states seen within the given duration.
func (t *Tracker) Active(within time.Duration) []*State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := time.Now().Add(-within)
	out := make([]*State, 0)
	for _, st := range t.states {
		if st.LastSeen.After(cutoff) {
			out = append(out, st)
		}
	}
	return out
}

// CleanupStale drops states not seen for the given duration and returns
// how many were removed.
func (t *Tracker) CleanupStale(olderThan time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for icao, st := range t.states {
		if st.LastSeen.Before(cutoff) {
			delete(t.states, icao)
			removed++
		}
	}
	return removed
}
