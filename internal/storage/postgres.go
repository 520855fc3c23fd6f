package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"

	"aireyes/internal/entity"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	// PostGIS switches suburb containment to ST_Contains probes.
	PostGIS bool
}

// PostgresStore is the server-grade entity store. With PostGIS enabled it
// also implements ContainmentProber.
type PostgresStore struct {
	pool    *pgxpool.Pool
	q       pgq
	postgis bool
}

// pgq is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgq interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OpenPostgres opens a connection pool and ensures the schema exists.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, q: pool, postgis: cfg.PostGIS}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS aircraft (
		icao           TEXT PRIMARY KEY,
		type           TEXT NOT NULL DEFAULT '',
		flight_name    TEXT NOT NULL DEFAULT '',
		registration   TEXT NOT NULL DEFAULT '',
		description    TEXT NOT NULL DEFAULT '',
		year           INTEGER NOT NULL DEFAULT 0,
		owner_operator TEXT NOT NULL DEFAULT '',
		image_url      TEXT NOT NULL DEFAULT '',
		airport_code   TEXT NOT NULL DEFAULT '',
		top_speed_kn   DOUBLE PRECISION NOT NULL DEFAULT 0,
		timezone       TEXT NOT NULL DEFAULT '',
		fuel_json      TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS days (
		date DATE PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS aircraft_present_days (
		aircraft_icao        TEXT NOT NULL,
		date                 DATE NOT NULL,
		history_verified     BOOLEAN NOT NULL DEFAULT FALSE,
		flights_verified     BOOLEAN NOT NULL DEFAULT FALSE,
		geolocation_verified BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (aircraft_icao, date)
	);

	CREATE TABLE IF NOT EXISTS flights (
		hash                  TEXT PRIMARY KEY,
		aircraft_icao         TEXT NOT NULL,
		takeoff_airport_hash  TEXT,
		landing_airport_hash  TEXT,
		distance_meters       DOUBLE PRECISION,
		fuel_gallons          DOUBLE PRECISION,
		avg_speed_kn          DOUBLE PRECISION,
		avg_altitude_ft       DOUBLE PRECISION,
		total_minutes         INTEGER,
		prohibited_minutes    INTEGER,
		total_co2_kg          DOUBLE PRECISION,
		days_across           INTEGER NOT NULL DEFAULT 1,
		has_departure_details BOOLEAN NOT NULL DEFAULT FALSE,
		has_arrival_details   BOOLEAN NOT NULL DEFAULT FALSE,
		taxi_only             BOOLEAN NOT NULL DEFAULT FALSE,
		is_on_ground          BOOLEAN NOT NULL DEFAULT FALSE,
		first_point_at        TIMESTAMPTZ,
		last_point_at         TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_flights_aircraft ON flights (aircraft_icao, first_point_at);

	CREATE TABLE IF NOT EXISTS flight_points (
		hash            TEXT PRIMARY KEY,
		aircraft_icao   TEXT NOT NULL,
		day_date        DATE NOT NULL,
		flight_hash     TEXT,
		timestamp       DOUBLE PRECISION NOT NULL,
		pos_x           DOUBLE PRECISION,
		pos_y           DOUBLE PRECISION,
		crs             INTEGER,
		utm_epsg_zone   INTEGER,
		altitude_ft     INTEGER,
		ground_speed_kn DOUBLE PRECISION,
		track_deg       DOUBLE PRECISION,
		vertical_rate   DOUBLE PRECISION,
		data_source     TEXT,
		is_on_ground    BOOLEAN NOT NULL DEFAULT FALSE,
		is_ascending    BOOLEAN NOT NULL DEFAULT FALSE,
		is_descending   BOOLEAN NOT NULL DEFAULT FALSE,
		suburb_hash     TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_points_aircraft_ts ON flight_points (aircraft_icao, timestamp);
	CREATE INDEX IF NOT EXISTS idx_points_day ON flight_points (aircraft_icao, day_date, timestamp);
	CREATE INDEX IF NOT EXISTS idx_points_flight ON flight_points (flight_hash, timestamp);
	CREATE INDEX IF NOT EXISTS idx_points_suburb ON flight_points (suburb_hash, utm_epsg_zone);

	CREATE TABLE IF NOT EXISTS airports (
		hash      TEXT PRIMARY KEY,
		name      TEXT NOT NULL,
		code      TEXT NOT NULL DEFAULT '',
		lat       DOUBLE PRECISION NOT NULL,
		lon       DOUBLE PRECISION NOT NULL,
		polygon   TEXT NOT NULL,
		crs       INTEGER NOT NULL,
		utm_zones JSONB NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS suburbs (
		hash      TEXT PRIMARY KEY,
		name      TEXT NOT NULL,
		postcode  TEXT NOT NULL DEFAULT '',
		state     TEXT NOT NULL DEFAULT 'Unknown',
		geometry  TEXT NOT NULL,
		min_x     DOUBLE PRECISION NOT NULL,
		min_y     DOUBLE PRECISION NOT NULL,
		max_x     DOUBLE PRECISION NOT NULL,
		max_y     DOUBLE PRECISION NOT NULL,
		crs       INTEGER NOT NULL,
		utm_zones JSONB NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_suburbs_state ON suburbs (state);
	CREATE INDEX IF NOT EXISTS idx_suburbs_zones ON suburbs USING GIN (utm_zones);

	CREATE TABLE IF NOT EXISTS suburb_neighbours (
		a_hash TEXT NOT NULL,
		b_hash TEXT NOT NULL,
		PRIMARY KEY (a_hash, b_hash)
	);

	CREATE TABLE IF NOT EXISTS workers (
		name            TEXT PRIMARY KEY,
		unique_id       TEXT NOT NULL DEFAULT '',
		worker_type     TEXT NOT NULL,
		enabled         BOOLEAN NOT NULL DEFAULT TRUE,
		phone_home_url  TEXT NOT NULL DEFAULT '',
		proxy_url       TEXT NOT NULL DEFAULT '',
		pid             INTEGER NOT NULL DEFAULT 0,
		running         BOOLEAN NOT NULL DEFAULT FALSE,
		initialising    BOOLEAN NOT NULL DEFAULT FALSE,
		executed_at     TIMESTAMPTZ,
		shutdown_at     TIMESTAMPTZ,
		init_started_at TIMESTAMPTZ,
		last_update     TIMESTAMPTZ,
		error_json      TEXT
	);

	CREATE TABLE IF NOT EXISTS worker_locks (
		worker_name   TEXT NOT NULL,
		aircraft_icao TEXT NOT NULL,
		date          DATE NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (aircraft_icao, date)
	);

	CREATE INDEX IF NOT EXISTS idx_locks_worker ON worker_locks (worker_name);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// Partial unique index kept separate for older server versions.
	_, _ = s.pool.Exec(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_workers_unique_id ON workers (unique_id) WHERE unique_id != ''`)

	if s.postgis {
		if err := s.createGeometryColumns(ctx); err != nil {
			return err
		}
	}
	return nil
}

// createGeometryColumns adds native geometry alongside the GeoJSON text so
// containment probes run inside the database.
func (s *PostgresStore) createGeometryColumns(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		`ALTER TABLE suburbs ADD COLUMN IF NOT EXISTS geom geometry`,
		`CREATE INDEX IF NOT EXISTS idx_suburbs_geom ON suburbs USING GIST (geom)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgis setup: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// WithTx runs fn inside a transaction. A store already bound to a
// transaction runs fn directly.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&PostgresStore{q: tx, postgis: s.postgis}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// --- aircraft ---

func (s *PostgresStore) UpsertAircraft(ctx context.Context, a *entity.Aircraft) error {
	fuelJSON := ""
	if a.Fuel != nil {
		b, err := json.Marshal(a.Fuel)
		if err != nil {
			return fmt.Errorf("marshal fuel figures: %w", err)
		}
		fuelJSON = string(b)
	}

	_, err := s.q.Exec(ctx, `
		INSERT INTO aircraft (icao, type, flight_name, registration, description,
		                      year, owner_operator, image_url, airport_code,
		                      top_speed_kn, timezone, fuel_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (icao) DO UPDATE SET
			type = COALESCE(NULLIF(EXCLUDED.type, ''), aircraft.type),
			flight_name = COALESCE(NULLIF(EXCLUDED.flight_name, ''), aircraft.flight_name),
			registration = COALESCE(NULLIF(EXCLUDED.registration, ''), aircraft.registration),
			description = COALESCE(NULLIF(EXCLUDED.description, ''), aircraft.description),
			year = CASE WHEN EXCLUDED.year != 0 THEN EXCLUDED.year ELSE aircraft.year END,
			owner_operator = COALESCE(NULLIF(EXCLUDED.owner_operator, ''), aircraft.owner_operator),
			image_url = COALESCE(NULLIF(EXCLUDED.image_url, ''), aircraft.image_url),
			airport_code = COALESCE(NULLIF(EXCLUDED.airport_code, ''), aircraft.airport_code),
			top_speed_kn = CASE WHEN EXCLUDED.top_speed_kn != 0 THEN EXCLUDED.top_speed_kn ELSE aircraft.top_speed_kn END,
			timezone = COALESCE(NULLIF(EXCLUDED.timezone, ''), aircraft.timezone),
			fuel_json = COALESCE(NULLIF(EXCLUDED.fuel_json, ''), aircraft.fuel_json)
	`, a.Icao, a.Type, a.FlightName, a.Registration, a.Description,
		a.Year, a.OwnerOperator, a.ImageURL, a.AirportCode,
		a.TopSpeedKn, a.Timezone, fuelJSON)
	if err != nil {
		return fmt.Errorf("upsert aircraft %s: %w", a.Icao, err)
	}
	return nil
}

func (s *PostgresStore) GetAircraft(ctx context.Context, icao string) (*entity.Aircraft, error) {
	a, err := scanAircraft(s.q.QueryRow(ctx,
		`SELECT `+aircraftColumns+` FROM aircraft WHERE icao = $1`, icao))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get aircraft %s: %w", icao, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAircraft(ctx context.Context) ([]*entity.Aircraft, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+aircraftColumns+` FROM aircraft ORDER BY icao`)
	if err != nil {
		return nil, fmt.Errorf("list aircraft: %w", err)
	}
	defer rows.Close()

	var out []*entity.Aircraft
	for rows.Next() {
		a, err := scanAircraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateFuelFigures(ctx context.Context, icao string, fuel *entity.FuelFigures) error {
	b, err := json.Marshal(fuel)
	if err != nil {
		return fmt.Errorf("marshal fuel figures: %w", err)
	}
	_, err = s.q.Exec(ctx,
		`UPDATE aircraft SET fuel_json = $1 WHERE icao = $2`, string(b), icao)
	if err != nil {
		return fmt.Errorf("update fuel figures %s: %w", icao, err)
	}
	return nil
}

// --- flight points ---

func (s *PostgresStore) InsertPoints(ctx context.Context, points []*entity.FlightPoint) (map[string]bool, error) {
	inserted := make(map[string]bool, len(points))
	for _, p := range points {
		if err := p.Validate(); err != nil {
			return nil, err
		}

		var posX, posY any
		if p.Position != nil {
			posX, posY = (*p.Position)[0], (*p.Position)[1]
		}

		tag, err := s.q.Exec(ctx, `
			INSERT INTO flight_points
				(hash, aircraft_icao, day_date, flight_hash, timestamp,
				 pos_x, pos_y, crs, utm_epsg_zone, altitude_ft,
				 ground_speed_kn, track_deg, vertical_rate, data_source,
				 is_on_ground, is_ascending, is_descending, suburb_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (hash) DO NOTHING
		`, p.Hash, p.AircraftIcao, entity.DateKey(p.DayDate), nullString(p.FlightHash),
			p.Timestamp, posX, posY, nullInt(p.CRS), nullInt(p.UTMZone),
			encodeAltitudePG(p.Altitude), p.GroundSpeedKn, p.TrackDeg,
			p.VerticalRateFtMin, p.DataSource,
			p.IsOnGround, p.IsAscending, p.IsDescending, nullString(p.SuburbHash))
		if err != nil {
			return nil, fmt.Errorf("insert point %s: %w", p.Hash, err)
		}
		inserted[p.Hash] = tag.RowsAffected() > 0
	}
	return inserted, nil
}

const pgPointColumns = `hash, aircraft_icao, to_char(day_date, 'YYYY-MM-DD'), flight_hash, timestamp,
	pos_x, pos_y, crs, utm_epsg_zone, altitude_ft, ground_speed_kn, track_deg,
	vertical_rate, data_source, is_on_ground, is_ascending, is_descending, suburb_hash`

func scanPointPG(row interface{ Scan(...any) error }) (*entity.FlightPoint, error) {
	var p entity.FlightPoint
	var dayDate string
	var flightHash, suburbHash, dataSource *string
	var posX, posY *float64
	var crs, utmZone, altitude *int

	err := row.Scan(&p.Hash, &p.AircraftIcao, &dayDate, &flightHash, &p.Timestamp,
		&posX, &posY, &crs, &utmZone, &altitude,
		&p.GroundSpeedKn, &p.TrackDeg, &p.VerticalRateFtMin, &dataSource,
		&p.IsOnGround, &p.IsAscending, &p.IsDescending, &suburbHash)
	if err != nil {
		return nil, err
	}

	p.DayDate, _ = entity.ParseDate(dayDate)
	if flightHash != nil {
		p.FlightHash = *flightHash
	}
	if suburbHash != nil {
		p.SuburbHash = *suburbHash
	}
	if dataSource != nil {
		p.DataSource = *dataSource
	}
	if posX != nil && posY != nil {
		p.Position = &orb.Point{*posX, *posY}
	}
	if crs != nil {
		p.CRS = *crs
	}
	if utmZone != nil {
		p.UTMZone = *utmZone
	}
	if altitude != nil {
		p.Altitude = entity.AltitudeFeet(*altitude)
	}
	return &p, nil
}

func (s *PostgresStore) PointsForDay(ctx context.Context, icao string, date time.Time) ([]*entity.FlightPoint, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+pgPointColumns+` FROM flight_points
		WHERE aircraft_icao = $1 AND day_date = $2
		ORDER BY timestamp
	`, icao, entity.DateKey(date))
	if err != nil {
		return nil, fmt.Errorf("points for day: %w", err)
	}
	defer rows.Close()

	var out []*entity.FlightPoint
	for rows.Next() {
		p, err := scanPointPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestPoint(ctx context.Context, icao string) (*entity.FlightPoint, error) {
	p, err := scanPointPG(s.q.QueryRow(ctx, `
		SELECT `+pgPointColumns+` FROM flight_points
		WHERE aircraft_icao = $1
		ORDER BY timestamp DESC LIMIT 1
	`, icao))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest point %s: %w", icao, err)
	}
	return p, nil
}

func (s *PostgresStore) AssignPointsToFlight(ctx context.Context, hashes []string, flightHash string) error {
	if len(hashes) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx,
		`UPDATE flight_points SET flight_hash = $1 WHERE hash = ANY($2)`,
		flightHash, hashes)
	if err != nil {
		return fmt.Errorf("assign points to flight %s: %w", flightHash, err)
	}
	return nil
}

func (s *PostgresStore) SetPointSuburb(ctx context.Context, hash, suburbHash string, utmZone int) error {
	_, err := s.q.Exec(ctx,
		`UPDATE flight_points SET suburb_hash = $1, utm_epsg_zone = $2 WHERE hash = $3`,
		suburbHash, utmZone, hash)
	if err != nil {
		return fmt.Errorf("set point suburb: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearPointPosition(ctx context.Context, hash string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE flight_points
		SET pos_x = NULL, pos_y = NULL, crs = NULL, utm_epsg_zone = NULL, suburb_hash = NULL
		WHERE hash = $1
	`, hash)
	if err != nil {
		return fmt.Errorf("clear point position: %w", err)
	}
	return nil
}

func (s *PostgresStore) SuburbPointCounts(ctx context.Context, icaos []string) (map[string]int, error) {
	query := `SELECT suburb_hash, COUNT(*) FROM flight_points WHERE suburb_hash IS NOT NULL`
	var args []any
	if len(icaos) > 0 {
		query += ` AND aircraft_icao = ANY($1)`
		args = append(args, icaos)
	}
	query += ` GROUP BY suburb_hash`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("suburb point counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var hash string
		var n int
		if err := rows.Scan(&hash, &n); err != nil {
			return nil, err
		}
		counts[hash] = n
	}
	return counts, rows.Err()
}

// --- days and presence ---

func (s *PostgresStore) EnsureDay(ctx context.Context, date time.Time) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO days (date) VALUES ($1) ON CONFLICT DO NOTHING`,
		entity.DateKey(date))
	if err != nil {
		return fmt.Errorf("ensure day: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsurePresence(ctx context.Context, icao string, date time.Time) (*entity.AircraftPresentDay, error) {
	_, err := s.q.Exec(ctx, `
		INSERT INTO aircraft_present_days (aircraft_icao, date)
		VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, icao, entity.DateKey(date))
	if err != nil {
		return nil, fmt.Errorf("ensure presence: %w", err)
	}
	return s.GetPresence(ctx, icao, date)
}

const pgPresenceColumns = `aircraft_icao, to_char(date, 'YYYY-MM-DD'),
	history_verified, flights_verified, geolocation_verified`

func scanPresencePG(row interface{ Scan(...any) error }) (*entity.AircraftPresentDay, error) {
	var p entity.AircraftPresentDay
	var dateStr string
	err := row.Scan(&p.AircraftIcao, &dateStr,
		&p.HistoryVerified, &p.FlightsVerified, &p.GeolocationVerified)
	if err != nil {
		return nil, err
	}
	p.Date, _ = entity.ParseDate(dateStr)
	return &p, nil
}

func (s *PostgresStore) GetPresence(ctx context.Context, icao string, date time.Time) (*entity.AircraftPresentDay, error) {
	p, err := scanPresencePG(s.q.QueryRow(ctx, `
		SELECT `+pgPresenceColumns+` FROM aircraft_present_days
		WHERE aircraft_icao = $1 AND date = $2
	`, icao, entity.DateKey(date)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePresence(ctx context.Context, p *entity.AircraftPresentDay) error {
	_, err := s.q.Exec(ctx, `
		UPDATE aircraft_present_days
		SET history_verified = $1, flights_verified = $2, geolocation_verified = $3
		WHERE aircraft_icao = $4 AND date = $5
	`, p.HistoryVerified, p.FlightsVerified, p.GeolocationVerified,
		p.AircraftIcao, entity.DateKey(p.Date))
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) NextUnverifiedPresence(ctx context.Context) (*entity.AircraftPresentDay, error) {
	p, err := scanPresencePG(s.q.QueryRow(ctx, `
		SELECT `+pgPresenceColumns+` FROM aircraft_present_days apd
		WHERE history_verified = FALSE
		  AND NOT EXISTS (
			SELECT 1 FROM worker_locks wl
			WHERE wl.aircraft_icao = apd.aircraft_icao AND wl.date = apd.date
		  )
		ORDER BY date, aircraft_icao
		LIMIT 1
	`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next unverified presence: %w", err)
	}
	return p, nil
}

// --- flights ---

func (s *PostgresStore) UpsertFlight(ctx context.Context, f *entity.Flight) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO flights (hash, aircraft_icao, takeoff_airport_hash, landing_airport_hash,
			distance_meters, fuel_gallons, avg_speed_kn, avg_altitude_ft,
			total_minutes, prohibited_minutes, total_co2_kg, days_across,
			has_departure_details, has_arrival_details, taxi_only, is_on_ground,
			first_point_at, last_point_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (hash) DO UPDATE SET
			takeoff_airport_hash = EXCLUDED.takeoff_airport_hash,
			landing_airport_hash = EXCLUDED.landing_airport_hash,
			distance_meters = EXCLUDED.distance_meters,
			fuel_gallons = EXCLUDED.fuel_gallons,
			avg_speed_kn = EXCLUDED.avg_speed_kn,
			avg_altitude_ft = EXCLUDED.avg_altitude_ft,
			total_minutes = EXCLUDED.total_minutes,
			prohibited_minutes = EXCLUDED.prohibited_minutes,
			total_co2_kg = EXCLUDED.total_co2_kg,
			days_across = EXCLUDED.days_across,
			has_departure_details = EXCLUDED.has_departure_details,
			has_arrival_details = EXCLUDED.has_arrival_details,
			taxi_only = EXCLUDED.taxi_only,
			is_on_ground = EXCLUDED.is_on_ground,
			first_point_at = EXCLUDED.first_point_at,
			last_point_at = EXCLUDED.last_point_at
	`, f.Hash, f.AircraftIcao, nullString(f.TakeoffAirportHash), nullString(f.LandingAirportHash),
		f.DistanceMeters, f.FuelGallons, f.AvgSpeedKn, f.AvgAltitudeFt,
		f.TotalMinutes, f.ProhibitedMinutes, f.TotalCO2Kg, f.DaysAcross,
		f.HasDepartureDetails, f.HasArrivalDetails, f.TaxiOnly, f.IsOnGround,
		nullTime(f.FirstPointTime), nullTime(f.LastPointTime))
	if err != nil {
		return fmt.Errorf("upsert flight %s: %w", f.Hash, err)
	}
	return nil
}

func scanFlightPG(row interface{ Scan(...any) error }) (*entity.Flight, error) {
	var f entity.Flight
	var takeoff, landing *string
	var first, last *time.Time

	err := row.Scan(&f.Hash, &f.AircraftIcao, &takeoff, &landing,
		&f.DistanceMeters, &f.FuelGallons, &f.AvgSpeedKn, &f.AvgAltitudeFt,
		&f.TotalMinutes, &f.ProhibitedMinutes, &f.TotalCO2Kg, &f.DaysAcross,
		&f.HasDepartureDetails, &f.HasArrivalDetails, &f.TaxiOnly, &f.IsOnGround,
		&first, &last)
	if err != nil {
		return nil, err
	}

	if takeoff != nil {
		f.TakeoffAirportHash = *takeoff
	}
	if landing != nil {
		f.LandingAirportHash = *landing
	}
	if first != nil {
		f.FirstPointTime = *first
	}
	if last != nil {
		f.LastPointTime = *last
	}
	return &f, nil
}

func (s *PostgresStore) GetFlight(ctx context.Context, hash string) (*entity.Flight, error) {
	f, err := scanFlightPG(s.q.QueryRow(ctx,
		`SELECT `+flightColumns+` FROM flights WHERE hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flight %s: %w", hash, err)
	}
	return f, nil
}

func (s *PostgresStore) FlightsForAircraft(ctx context.Context, icao string) ([]*entity.Flight, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+flightColumns+` FROM flights
		WHERE aircraft_icao = $1 ORDER BY first_point_at
	`, icao)
	if err != nil {
		return nil, fmt.Errorf("flights for aircraft: %w", err)
	}
	defer rows.Close()

	var out []*entity.Flight
	for rows.Next() {
		f, err := scanFlightPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestFlight(ctx context.Context, icao string) (*entity.Flight, error) {
	f, err := scanFlightPG(s.q.QueryRow(ctx, `
		SELECT `+flightColumns+` FROM flights
		WHERE aircraft_icao = $1 ORDER BY last_point_at DESC LIMIT 1
	`, icao))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest flight %s: %w", icao, err)
	}
	return f, nil
}

func (s *PostgresStore) FleetTotals(ctx context.Context) (*FleetTotals, error) {
	var t FleetTotals
	err := s.q.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(distance_meters), 0),
		       COALESCE(SUM(fuel_gallons), 0),
		       COALESCE(SUM(total_minutes), 0),
		       COALESCE(SUM(prohibited_minutes), 0),
		       COALESCE(SUM(total_co2_kg), 0)
		FROM flights
	`).Scan(&t.Flights, &t.DistanceMeters, &t.FuelGallons,
		&t.TotalMinutes, &t.ProhibitedMinutes, &t.TotalCO2Kg)
	if err != nil {
		return nil, fmt.Errorf("fleet totals: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) AircraftSummaries(ctx context.Context) ([]*AircraftSummary, error) {
	rows, err := s.q.Query(ctx, `
		SELECT a.icao, a.flight_name,
		       COUNT(f.hash),
		       COALESCE(SUM(f.distance_meters), 0),
		       COALESCE(SUM(f.total_minutes), 0),
		       COALESCE(SUM(f.prohibited_minutes), 0),
		       COALESCE(SUM(f.total_co2_kg), 0),
		       COALESCE(SUM(f.fuel_gallons), 0)
		FROM aircraft a
		LEFT JOIN flights f ON f.aircraft_icao = a.icao
		GROUP BY a.icao, a.flight_name
		ORDER BY a.icao
	`)
	if err != nil {
		return nil, fmt.Errorf("aircraft summaries: %w", err)
	}
	defer rows.Close()

	var out []*AircraftSummary
	for rows.Next() {
		var sum AircraftSummary
		if err := rows.Scan(&sum.Icao, &sum.FlightName, &sum.Flights,
			&sum.DistanceMeters, &sum.TotalMinutes, &sum.ProhibitedMinutes,
			&sum.TotalCO2Kg, &sum.FuelGallons); err != nil {
			return nil, err
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// --- airports and suburbs ---

func (s *PostgresStore) UpsertAirport(ctx context.Context, a *entity.Airport) error {
	geomJSON, err := encodeGeometry(a.Polygon)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO airports (hash, name, code, lat, lon, polygon, crs, utm_zones)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hash) DO UPDATE SET
			name = EXCLUDED.name, code = EXCLUDED.code,
			lat = EXCLUDED.lat, lon = EXCLUDED.lon,
			polygon = EXCLUDED.polygon, crs = EXCLUDED.crs,
			utm_zones = EXCLUDED.utm_zones
	`, a.Hash, a.Name, a.Code, a.Lat, a.Lon, geomJSON, a.CRS, encodeZones(a.UTMZones))
	if err != nil {
		return fmt.Errorf("upsert airport %s: %w", a.Name, err)
	}
	return nil
}

func (s *PostgresStore) ListAirports(ctx context.Context) ([]*entity.Airport, error) {
	rows, err := s.q.Query(ctx,
		`SELECT hash, name, code, lat, lon, polygon, crs, utm_zones::text FROM airports`)
	if err != nil {
		return nil, fmt.Errorf("list airports: %w", err)
	}
	defer rows.Close()

	var out []*entity.Airport
	for rows.Next() {
		var a entity.Airport
		var geomJSON, zones string
		if err := rows.Scan(&a.Hash, &a.Name, &a.Code, &a.Lat, &a.Lon,
			&geomJSON, &a.CRS, &zones); err != nil {
			return nil, err
		}
		if a.Polygon, err = decodePolygon(geomJSON); err != nil {
			return nil, fmt.Errorf("airport %s: %w", a.Name, err)
		}
		a.UTMZones = decodeZones(zones)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertSuburb(ctx context.Context, sub *entity.Suburb) error {
	geomJSON, err := encodeGeometry(sub.Geometry)
	if err != nil {
		return err
	}
	b := sub.Geometry.Bound()
	_, err = s.q.Exec(ctx, `
		INSERT INTO suburbs (hash, name, postcode, state, geometry,
			min_x, min_y, max_x, max_y, crs, utm_zones)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (hash) DO UPDATE SET
			name = EXCLUDED.name, postcode = EXCLUDED.postcode,
			state = EXCLUDED.state, geometry = EXCLUDED.geometry,
			min_x = EXCLUDED.min_x, min_y = EXCLUDED.min_y,
			max_x = EXCLUDED.max_x, max_y = EXCLUDED.max_y,
			crs = EXCLUDED.crs, utm_zones = EXCLUDED.utm_zones
	`, sub.Hash, sub.Name, sub.Postcode, sub.State, geomJSON,
		b.Min[0], b.Min[1], b.Max[0], b.Max[1], sub.CRS, encodeZones(sub.UTMZones))
	if err != nil {
		return fmt.Errorf("upsert suburb %s: %w", sub.Name, err)
	}

	if s.postgis {
		_, err = s.q.Exec(ctx, `
			UPDATE suburbs
			SET geom = ST_SetSRID(ST_GeomFromGeoJSON(geometry), $1)
			WHERE hash = $2
		`, sub.CRS, sub.Hash)
		if err != nil {
			return fmt.Errorf("set suburb geom %s: %w", sub.Name, err)
		}
	}
	return nil
}

const pgSuburbColumns = `hash, name, postcode, state, geometry,
	min_x, min_y, max_x, max_y, crs, utm_zones::text`

func (s *PostgresStore) GetSuburb(ctx context.Context, hash string) (*entity.Suburb, error) {
	sub, err := scanSuburb(s.q.QueryRow(ctx,
		`SELECT `+pgSuburbColumns+` FROM suburbs WHERE hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get suburb: %w", err)
	}
	if sub.Neighbours, err = s.neighboursOf(ctx, hash); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *PostgresStore) suburbsQuery(ctx context.Context, where string, args ...any) ([]*entity.Suburb, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+pgSuburbColumns+` FROM suburbs `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query suburbs: %w", err)
	}
	defer rows.Close()

	var out []*entity.Suburb
	for rows.Next() {
		sub, err := scanSuburb(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, sub := range out {
		if sub.Neighbours, err = s.neighboursOf(ctx, sub.Hash); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) ListSuburbs(ctx context.Context) ([]*entity.Suburb, error) {
	return s.suburbsQuery(ctx, `ORDER BY state, name`)
}

func (s *PostgresStore) neighboursOf(ctx context.Context, hash string) ([]string, error) {
	rows, err := s.q.Query(ctx,
		`SELECT b_hash FROM suburb_neighbours WHERE a_hash = $1`, hash)
	if err != nil {
		return nil, fmt.Errorf("neighbours of %s: %w", hash, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddSuburbNeighbour(ctx context.Context, a, b string) error {
	if a == b {
		return nil
	}
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		_, err := s.q.Exec(ctx, `
			INSERT INTO suburb_neighbours (a_hash, b_hash)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, pair[0], pair[1])
		if err != nil {
			return fmt.Errorf("add neighbour: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SuburbsInZone(ctx context.Context, utmEPSG int, state string) ([]*entity.Suburb, error) {
	zoneJSON := fmt.Sprintf("[%d]", utmEPSG)
	if state != "" {
		return s.suburbsQuery(ctx,
			`WHERE utm_zones @> $1::jsonb AND state = $2`, zoneJSON, state)
	}
	return s.suburbsQuery(ctx, `WHERE utm_zones @> $1::jsonb`, zoneJSON)
}

func (s *PostgresStore) SuburbsInBound(ctx context.Context, bound orb.Bound) ([]*entity.Suburb, error) {
	return s.suburbsQuery(ctx, `
		WHERE max_x >= $1 AND min_x <= $2 AND max_y >= $3 AND min_y <= $4`,
		bound.Min[0], bound.Max[0], bound.Min[1], bound.Max[1])
}

// SuburbContaining probes containment inside the database. Only available
// when the store was opened with PostGIS enabled.
func (s *PostgresStore) SuburbContaining(ctx context.Context, p orb.Point, state string) (*entity.Suburb, error) {
	if !s.postgis {
		return nil, fmt.Errorf("suburb containment: postgis not enabled")
	}

	query := `
		SELECT ` + pgSuburbColumns + ` FROM suburbs
		WHERE ST_Contains(geom, ST_SetSRID(ST_MakePoint($1, $2), crs))`
	args := []any{p[0], p[1]}
	if state != "" {
		query += ` AND state = $3`
		args = append(args, state)
	}
	query += ` LIMIT 1`

	sub, err := scanSuburb(s.q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("suburb containment: %w", err)
	}
	if sub.Neighbours, err = s.neighboursOf(ctx, sub.Hash); err != nil {
		return nil, err
	}
	return sub, nil
}

// --- workers ---

func (s *PostgresStore) UpsertWorker(ctx context.Context, w *entity.Worker) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO workers (name, unique_id, worker_type, enabled,
			phone_home_url, proxy_url, pid, running, initialising,
			executed_at, shutdown_at, init_started_at, last_update, error_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (name) DO UPDATE SET
			unique_id = EXCLUDED.unique_id,
			worker_type = EXCLUDED.worker_type,
			enabled = EXCLUDED.enabled,
			phone_home_url = EXCLUDED.phone_home_url,
			proxy_url = EXCLUDED.proxy_url,
			pid = EXCLUDED.pid,
			running = EXCLUDED.running,
			initialising = EXCLUDED.initialising,
			executed_at = EXCLUDED.executed_at,
			shutdown_at = EXCLUDED.shutdown_at,
			init_started_at = EXCLUDED.init_started_at,
			last_update = EXCLUDED.last_update,
			error_json = EXCLUDED.error_json
	`, w.Name, w.UniqueID, string(w.Type), w.Enabled,
		w.PhoneHomeURL, w.ProxyURL, w.PID, w.Running, w.Initialising,
		w.ExecutedAt, w.ShutdownAt, w.InitStartedAt, w.LastUpdate,
		nullString(w.ErrorJSON))
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.Name, err)
	}
	return nil
}

func scanWorkerPG(row interface{ Scan(...any) error }) (*entity.Worker, error) {
	var w entity.Worker
	var typ string
	var errJSON *string

	err := row.Scan(&w.Name, &w.UniqueID, &typ, &w.Enabled, &w.PhoneHomeURL,
		&w.ProxyURL, &w.PID, &w.Running, &w.Initialising,
		&w.ExecutedAt, &w.ShutdownAt, &w.InitStartedAt, &w.LastUpdate, &errJSON)
	if err != nil {
		return nil, err
	}

	w.Type = entity.WorkerType(typ)
	if errJSON != nil {
		w.ErrorJSON = *errJSON
	}
	return &w, nil
}

func (s *PostgresStore) GetWorker(ctx context.Context, name string) (*entity.Worker, error) {
	w, err := scanWorkerPG(s.q.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", name, err)
	}
	return w, nil
}

func (s *PostgresStore) GetWorkerByUniqueID(ctx context.Context, uniqueID string) (*entity.Worker, error) {
	w, err := scanWorkerPG(s.q.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE unique_id = $1`, uniqueID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker by id: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]*entity.Worker, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*entity.Worker
	for rows.Next() {
		w, err := scanWorkerPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- worker locks ---

func (s *PostgresStore) InsertLock(ctx context.Context, l *entity.WorkerLock) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO worker_locks (worker_name, aircraft_icao, date, created_at)
		VALUES ($1, $2, $3, $4)
	`, l.WorkerName, l.AircraftIcao, entity.DateKey(l.Date), l.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrLockExists
		}
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) LocksForWorker(ctx context.Context, workerName string) ([]*entity.WorkerLock, error) {
	rows, err := s.q.Query(ctx, `
		SELECT worker_name, aircraft_icao, to_char(date, 'YYYY-MM-DD'), created_at
		FROM worker_locks WHERE worker_name = $1 ORDER BY date
	`, workerName)
	if err != nil {
		return nil, fmt.Errorf("locks for worker: %w", err)
	}
	defer rows.Close()

	var out []*entity.WorkerLock
	for rows.Next() {
		var l entity.WorkerLock
		var dateStr string
		if err := rows.Scan(&l.WorkerName, &l.AircraftIcao, &dateStr, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Date, _ = entity.ParseDate(dateStr)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LockCount(ctx context.Context, icao string, date time.Time) (int, error) {
	var n int
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM worker_locks WHERE aircraft_icao = $1 AND date = $2`,
		icao, entity.DateKey(date)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lock count: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteLock(ctx context.Context, icao string, date time.Time) error {
	_, err := s.q.Exec(ctx,
		`DELETE FROM worker_locks WHERE aircraft_icao = $1 AND date = $2`,
		icao, entity.DateKey(date))
	if err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteLocksForWorker(ctx context.Context, workerName string) error {
	_, err := s.q.Exec(ctx,
		`DELETE FROM worker_locks WHERE worker_name = $1`, workerName)
	if err != nil {
		return fmt.Errorf("delete worker locks: %w", err)
	}
	return nil
}

// --- helpers ---

func encodeAltitudePG(a entity.Altitude) *int {
	if !a.Valid {
		return nil
	}
	v := a.Feet
	if a.Ground {
		v = 0
	}
	return &v
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
