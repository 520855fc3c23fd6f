// Package storage provides persistent storage for the tracked fleet:
// aircraft, flight points, flights, reference geometry and worker state.
// SQLite is the default embedded backend; PostgreSQL is the server backend
// and, when PostGIS is present, also serves native polygon containment.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/paulmach/orb"

	"aireyes/internal/entity"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrLockExists is returned when a worker lock insert collides with the
// unique (icao, date) constraint.
var ErrLockExists = errors.New("aircraft day already locked")

// FleetTotals aggregates flight statistics across the fleet for the query
// surface.
type FleetTotals struct {
	Flights           int
	DistanceMeters    float64
	FuelGallons       float64
	TotalMinutes      int
	ProhibitedMinutes int
	TotalCO2Kg        float64
}

// AircraftSummary is the per-aircraft aggregate exposed to the frontend.
type AircraftSummary struct {
	Icao              string
	FlightName        string
	Flights           int
	DistanceMeters    float64
	TotalMinutes      int
	ProhibitedMinutes int
	TotalCO2Kg        float64
	FuelGallons       float64
}

// Store is the entity store shared by the reconstruction engine, the
// geolocator, the worker coordinator and the query surface.
type Store interface {
	// WithTx runs fn against a transactional view of the store. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Aircraft.
	UpsertAircraft(ctx context.Context, a *entity.Aircraft) error
	GetAircraft(ctx context.Context, icao string) (*entity.Aircraft, error)
	ListAircraft(ctx context.Context) ([]*entity.Aircraft, error)
	UpdateFuelFigures(ctx context.Context, icao string, fuel *entity.FuelFigures) error

	// Flight points. InsertPoints is idempotent on the point hash and
	// reports, per hash, whether the point was newly stored.
	InsertPoints(ctx context.Context, points []*entity.FlightPoint) (map[string]bool, error)
	PointsForDay(ctx context.Context, icao string, date time.Time) ([]*entity.FlightPoint, error)
	LatestPoint(ctx context.Context, icao string) (*entity.FlightPoint, error)
	AssignPointsToFlight(ctx context.Context, hashes []string, flightHash string) error
	SetPointSuburb(ctx context.Context, hash, suburbHash string, utmZone int) error
	ClearPointPosition(ctx context.Context, hash string) error
	SuburbPointCounts(ctx context.Context, icaos []string) (map[string]int, error)

	// Days and the (aircraft, day) junction.
	EnsureDay(ctx context.Context, date time.Time) error
	EnsurePresence(ctx context.Context, icao string, date time.Time) (*entity.AircraftPresentDay, error)
	GetPresence(ctx context.Context, icao string, date time.Time) (*entity.AircraftPresentDay, error)
	UpdatePresence(ctx context.Context, p *entity.AircraftPresentDay) error
	NextUnverifiedPresence(ctx context.Context) (*entity.AircraftPresentDay, error)

	// Flights.
	UpsertFlight(ctx context.Context, f *entity.Flight) error
	GetFlight(ctx context.Context, hash string) (*entity.Flight, error)
	FlightsForAircraft(ctx context.Context, icao string) ([]*entity.Flight, error)
	LatestFlight(ctx context.Context, icao string) (*entity.Flight, error)
	FleetTotals(ctx context.Context) (*FleetTotals, error)
	AircraftSummaries(ctx context.Context) ([]*AircraftSummary, error)

	// Reference geometry.
	UpsertAirport(ctx context.Context, a *entity.Airport) error
	ListAirports(ctx context.Context) ([]*entity.Airport, error)
	UpsertSuburb(ctx context.Context, s *entity.Suburb) error
	GetSuburb(ctx context.Context, hash string) (*entity.Suburb, error)
	ListSuburbs(ctx context.Context) ([]*entity.Suburb, error)
	AddSuburbNeighbour(ctx context.Context, a, b string) error
	SuburbsInZone(ctx context.Context, utmEPSG int, state string) ([]*entity.Suburb, error)
	SuburbsInBound(ctx context.Context, bound orb.Bound) ([]*entity.Suburb, error)

	// Workers.
	UpsertWorker(ctx context.Context, w *entity.Worker) error
	GetWorker(ctx context.Context, name string) (*entity.Worker, error)
	GetWorkerByUniqueID(ctx context.Context, uniqueID string) (*entity.Worker, error)
	ListWorkers(ctx context.Context) ([]*entity.Worker, error)

	// Worker locks.
	InsertLock(ctx context.Context, l *entity.WorkerLock) error
	LocksForWorker(ctx context.Context, workerName string) ([]*entity.WorkerLock, error)
	LockCount(ctx context.Context, icao string, date time.Time) (int, error)
	DeleteLock(ctx context.Context, icao string, date time.Time) error
	DeleteLocksForWorker(ctx context.Context, workerName string) error

	Close() error
}

// ContainmentProber is implemented by backends with native polygon
// containment (PostGIS). The locator degenerates to a direct probe when the
// active store provides it.
type ContainmentProber interface {
	// SuburbContaining returns the suburb whose geometry contains the
	// projected point, optionally restricted to a state. ErrNotFound
	// when no suburb contains it.
	SuburbContaining(ctx context.Context, p orb.Point, state string) (*entity.Suburb, error)
}
