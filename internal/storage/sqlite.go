package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
	_ "modernc.org/sqlite"

	"aireyes/internal/entity"
)

const sqliteSchema = `
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
	top_speed_kn   REAL NOT NULL DEFAULT 0,
	timezone       TEXT NOT NULL DEFAULT '',
	fuel_json      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS days (
	date TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS aircraft_present_days (
	aircraft_icao        TEXT NOT NULL,
	date                 TEXT NOT NULL,
	history_verified     INTEGER NOT NULL DEFAULT 0,
	flights_verified     INTEGER NOT NULL DEFAULT 0,
	geolocation_verified INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (aircraft_icao, date)
);

CREATE TABLE IF NOT EXISTS flights (
	hash                  TEXT PRIMARY KEY,
	aircraft_icao         TEXT NOT NULL,
	takeoff_airport_hash  TEXT,
	landing_airport_hash  TEXT,
	distance_meters       REAL,
	fuel_gallons          REAL,
	avg_speed_kn          REAL,
	avg_altitude_ft       REAL,
	total_minutes         INTEGER,
	prohibited_minutes    INTEGER,
	total_co2_kg          REAL,
	days_across           INTEGER NOT NULL DEFAULT 1,
	has_departure_details INTEGER NOT NULL DEFAULT 0,
	has_arrival_details   INTEGER NOT NULL DEFAULT 0,
	taxi_only             INTEGER NOT NULL DEFAULT 0,
	is_on_ground          INTEGER NOT NULL DEFAULT 0,
	first_point_at        TEXT,
	last_point_at         TEXT
);

CREATE INDEX IF NOT EXISTS idx_flights_aircraft ON flights (aircraft_icao, first_point_at);

CREATE TABLE IF NOT EXISTS flight_points (
	hash            TEXT PRIMARY KEY,
	aircraft_icao   TEXT NOT NULL,
	day_date        TEXT NOT NULL,
	flight_hash     TEXT,
	timestamp       REAL NOT NULL,
	pos_x           REAL,
	pos_y           REAL,
	crs             INTEGER,
	utm_epsg_zone   INTEGER,
	altitude_ft     INTEGER,
	ground_speed_kn REAL,
	track_deg       REAL,
	vertical_rate   REAL,
	data_source     TEXT,
	is_on_ground    INTEGER NOT NULL DEFAULT 0,
	is_ascending    INTEGER NOT NULL DEFAULT 0,
	is_descending   INTEGER NOT NULL DEFAULT 0,
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
	lat       REAL NOT NULL,
	lon       REAL NOT NULL,
	polygon   TEXT NOT NULL,
	crs       INTEGER NOT NULL,
	utm_zones TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS suburbs (
	hash      TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	postcode  TEXT NOT NULL DEFAULT '',
	state     TEXT NOT NULL DEFAULT 'Unknown',
	geometry  TEXT NOT NULL,
	min_x     REAL NOT NULL,
	min_y     REAL NOT NULL,
	max_x     REAL NOT NULL,
	max_y     REAL NOT NULL,
	crs       INTEGER NOT NULL,
	utm_zones TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_suburbs_state ON suburbs (state);
CREATE INDEX IF NOT EXISTS idx_suburbs_bound ON suburbs (min_x, max_x, min_y, max_y);

CREATE TABLE IF NOT EXISTS suburb_neighbours (
	a_hash TEXT NOT NULL,
	b_hash TEXT NOT NULL,
	PRIMARY KEY (a_hash, b_hash)
);

CREATE TABLE IF NOT EXISTS workers (
	name            TEXT PRIMARY KEY,
	unique_id       TEXT NOT NULL DEFAULT '',
	worker_type     TEXT NOT NULL,
	enabled         INTEGER NOT NULL DEFAULT 1,
	phone_home_url  TEXT NOT NULL DEFAULT '',
	proxy_url       TEXT NOT NULL DEFAULT '',
	pid             INTEGER NOT NULL DEFAULT 0,
	running         INTEGER NOT NULL DEFAULT 0,
	initialising    INTEGER NOT NULL DEFAULT 0,
	executed_at     TEXT,
	shutdown_at     TEXT,
	init_started_at TEXT,
	last_update     TEXT,
	error_json      TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_workers_unique_id ON workers (unique_id) WHERE unique_id != '';

CREATE TABLE IF NOT EXISTS worker_locks (
	worker_name   TEXT NOT NULL,
	aircraft_icao TEXT NOT NULL,
	date          TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	PRIMARY KEY (aircraft_icao, date)
);

CREATE INDEX IF NOT EXISTS idx_locks_worker ON worker_locks (worker_name);
`

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is the embedded entity store. An empty path opens an
// in-memory database.
type SQLiteStore struct {
	db *sql.DB
	q  dbtx
}

// OpenSQLite opens or creates a SQLite entity store at the given path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection; keep a single one.
	if strings.Contains(path, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	// WAL mode for concurrent readers alongside the writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, q: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside a transaction. A store already bound to a
// transaction runs fn directly.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&SQLiteStore{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- aircraft ---

func (s *SQLiteStore) UpsertAircraft(ctx context.Context, a *entity.Aircraft) error {
	fuelJSON := ""
	if a.Fuel != nil {
		b, err := json.Marshal(a.Fuel)
		if err != nil {
			return fmt.Errorf("marshal fuel figures: %w", err)
		}
		fuelJSON = string(b)
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO aircraft (icao, type, flight_name, registration, description,
		                      year, owner_operator, image_url, airport_code,
		                      top_speed_kn, timezone, fuel_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(icao) DO UPDATE SET
			type = COALESCE(NULLIF(excluded.type, ''), type),
			flight_name = COALESCE(NULLIF(excluded.flight_name, ''), flight_name),
			registration = COALESCE(NULLIF(excluded.registration, ''), registration),
			description = COALESCE(NULLIF(excluded.description, ''), description),
			year = CASE WHEN excluded.year != 0 THEN excluded.year ELSE year END,
			owner_operator = COALESCE(NULLIF(excluded.owner_operator, ''), owner_operator),
			image_url = COALESCE(NULLIF(excluded.image_url, ''), image_url),
			airport_code = COALESCE(NULLIF(excluded.airport_code, ''), airport_code),
			top_speed_kn = CASE WHEN excluded.top_speed_kn != 0 THEN excluded.top_speed_kn ELSE top_speed_kn END,
			timezone = COALESCE(NULLIF(excluded.timezone, ''), timezone),
			fuel_json = COALESCE(NULLIF(excluded.fuel_json, ''), fuel_json)
	`, a.Icao, a.Type, a.FlightName, a.Registration, a.Description,
		a.Year, a.OwnerOperator, a.ImageURL, a.AirportCode,
		a.TopSpeedKn, a.Timezone, fuelJSON)
	if err != nil {
		return fmt.Errorf("upsert aircraft %s: %w", a.Icao, err)
	}
	return nil
}

const aircraftColumns = `icao, type, flight_name, registration, description,
	year, owner_operator, image_url, airport_code, top_speed_kn, timezone, fuel_json`

func scanAircraft(row interface{ Scan(...any) error }) (*entity.Aircraft, error) {
	var a entity.Aircraft
	var fuelJSON string
	err := row.Scan(&a.Icao, &a.Type, &a.FlightName, &a.Registration,
		&a.Description, &a.Year, &a.OwnerOperator, &a.ImageURL,
		&a.AirportCode, &a.TopSpeedKn, &a.Timezone, &fuelJSON)
	if err != nil {
		return nil, err
	}
	if fuelJSON != "" {
		var fuel entity.FuelFigures
		if err := json.Unmarshal([]byte(fuelJSON), &fuel); err == nil {
			a.Fuel = &fuel
		}
	}
	return &a, nil
}

func (s *SQLiteStore) GetAircraft(ctx context.Context, icao string) (*entity.Aircraft, error) {
	a, err := scanAircraft(s.q.QueryRowContext(ctx,
		`SELECT `+aircraftColumns+` FROM aircraft WHERE icao = ?`, icao))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get aircraft %s: %w", icao, err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAircraft(ctx context.Context) ([]*entity.Aircraft, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+aircraftColumns+` FROM aircraft ORDER BY icao`)
	if err != nil {
		return nil, fmt.Errorf("list aircraft: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteStore) UpdateFuelFigures(ctx context.Context, icao string, fuel *entity.FuelFigures) error {
	b, err := json.Marshal(fuel)
	if err != nil {
		return fmt.Errorf("marshal fuel figures: %w", err)
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE aircraft SET fuel_json = ? WHERE icao = ?`, string(b), icao)
	if err != nil {
		return fmt.Errorf("update fuel figures %s: %w", icao, err)
	}
	return nil
}

// --- flight points ---

func (s *SQLiteStore) InsertPoints(ctx context.Context, points []*entity.FlightPoint) (map[string]bool, error) {
	inserted := make(map[string]bool, len(points))
	for _, p := range points {
		if err := p.Validate(); err != nil {
			return nil, err
		}

		var posX, posY any
		if p.Position != nil {
			posX, posY = (*p.Position)[0], (*p.Position)[1]
		}

		res, err := s.q.ExecContext(ctx, `
			INSERT OR IGNORE INTO flight_points
				(hash, aircraft_icao, day_date, flight_hash, timestamp,
				 pos_x, pos_y, crs, utm_epsg_zone, altitude_ft,
				 ground_speed_kn, track_deg, vertical_rate, data_source,
				 is_on_ground, is_ascending, is_descending, suburb_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.Hash, p.AircraftIcao, entity.DateKey(p.DayDate), nullString(p.FlightHash),
			p.Timestamp, posX, posY, nullInt(p.CRS), nullInt(p.UTMZone),
			encodeAltitude(p.Altitude), p.GroundSpeedKn, p.TrackDeg,
			p.VerticalRateFtMin, p.DataSource,
			boolInt(p.IsOnGround), boolInt(p.IsAscending), boolInt(p.IsDescending),
			nullString(p.SuburbHash))
		if err != nil {
			return nil, fmt.Errorf("insert point %s: %w", p.Hash, err)
		}
		n, _ := res.RowsAffected()
		inserted[p.Hash] = n > 0
	}
	return inserted, nil
}

const pointColumns = `hash, aircraft_icao, day_date, flight_hash, timestamp,
	pos_x, pos_y, crs, utm_epsg_zone, altitude_ft, ground_speed_kn, track_deg,
	vertical_rate, data_source, is_on_ground, is_ascending, is_descending, suburb_hash`

func scanPoint(row interface{ Scan(...any) error }) (*entity.FlightPoint, error) {
	var p entity.FlightPoint
	var dayDate string
	var flightHash, suburbHash, dataSource sql.NullString
	var posX, posY sql.NullFloat64
	var crs, utmZone, altitude sql.NullInt64
	var gs, track, vr sql.NullFloat64
	var onGround, asc, desc int

	err := row.Scan(&p.Hash, &p.AircraftIcao, &dayDate, &flightHash, &p.Timestamp,
		&posX, &posY, &crs, &utmZone, &altitude, &gs, &track, &vr, &dataSource,
		&onGround, &asc, &desc, &suburbHash)
	if err != nil {
		return nil, err
	}

	p.DayDate, _ = entity.ParseDate(dayDate)
	p.FlightHash = flightHash.String
	p.SuburbHash = suburbHash.String
	p.DataSource = dataSource.String
	if posX.Valid && posY.Valid {
		p.Position = &orb.Point{posX.Float64, posY.Float64}
	}
	p.CRS = int(crs.Int64)
	p.UTMZone = int(utmZone.Int64)
	p.Altitude = decodeAltitude(altitude)
	if gs.Valid {
		v := gs.Float64
		p.GroundSpeedKn = &v
	}
	if track.Valid {
		v := track.Float64
		p.TrackDeg = &v
	}
	if vr.Valid {
		v := vr.Float64
		p.VerticalRateFtMin = &v
	}
	p.IsOnGround = onGround != 0
	p.IsAscending = asc != 0
	p.IsDescending = desc != 0
	return &p, nil
}

func (s *SQLiteStore) PointsForDay(ctx context.Context, icao string, date time.Time) ([]*entity.FlightPoint, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+pointColumns+` FROM flight_points
		WHERE aircraft_icao = ? AND day_date = ?
		ORDER BY timestamp
	`, icao, entity.DateKey(date))
	if err != nil {
		return nil, fmt.Errorf("points for day: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.FlightPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestPoint(ctx context.Context, icao string) (*entity.FlightPoint, error) {
	p, err := scanPoint(s.q.QueryRowContext(ctx, `
		SELECT `+pointColumns+` FROM flight_points
		WHERE aircraft_icao = ?
		ORDER BY timestamp DESC LIMIT 1
	`, icao))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest point %s: %w", icao, err)
	}
	return p, nil
}

func (s *SQLiteStore) AssignPointsToFlight(ctx context.Context, hashes []string, flightHash string) error {
	if len(hashes) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(hashes)), ",")
	args := make([]any, 0, len(hashes)+1)
	args = append(args, flightHash)
	for _, h := range hashes {
		args = append(args, h)
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE flight_points SET flight_hash = ? WHERE hash IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("assign points to flight %s: %w", flightHash, err)
	}
	return nil
}

func (s *SQLiteStore) SetPointSuburb(ctx context.Context, hash, suburbHash string, utmZone int) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE flight_points SET suburb_hash = ?, utm_epsg_zone = ? WHERE hash = ?`,
		suburbHash, utmZone, hash)
	if err != nil {
		return fmt.Errorf("set point suburb: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClearPointPosition(ctx context.Context, hash string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE flight_points
		SET pos_x = NULL, pos_y = NULL, crs = NULL, utm_epsg_zone = NULL, suburb_hash = NULL
		WHERE hash = ?
	`, hash)
	if err != nil {
		return fmt.Errorf("clear point position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SuburbPointCounts(ctx context.Context, icaos []string) (map[string]int, error) {
	query := `SELECT suburb_hash, COUNT(*) FROM flight_points WHERE suburb_hash IS NOT NULL`
	var args []any
	if len(icaos) > 0 {
		query += ` AND aircraft_icao IN (` + strings.TrimRight(strings.Repeat("?,", len(icaos)), ",") + `)`
		for _, icao := range icaos {
			args = append(args, icao)
		}
	}
	query += ` GROUP BY suburb_hash`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("suburb point counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteStore) EnsureDay(ctx context.Context, date time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO days (date) VALUES (?)`, entity.DateKey(date))
	if err != nil {
		return fmt.Errorf("ensure day: %w", err)
	}
	return nil
}

func (s *SQLiteStore) EnsurePresence(ctx context.Context, icao string, date time.Time) (*entity.AircraftPresentDay, error) {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO aircraft_present_days (aircraft_icao, date)
		VALUES (?, ?)
	`, icao, entity.DateKey(date))
	if err != nil {
		return nil, fmt.Errorf("ensure presence: %w", err)
	}
	return s.GetPresence(ctx, icao, date)
}

func scanPresence(row interface{ Scan(...any) error }) (*entity.AircraftPresentDay, error) {
	var p entity.AircraftPresentDay
	var dateStr string
	var h, f, g int
	err := row.Scan(&p.AircraftIcao, &dateStr, &h, &f, &g)
	if err != nil {
		return nil, err
	}
	p.Date, _ = entity.ParseDate(dateStr)
	p.HistoryVerified = h != 0
	p.FlightsVerified = f != 0
	p.GeolocationVerified = g != 0
	return &p, nil
}

const presenceColumns = `aircraft_icao, date, history_verified, flights_verified, geolocation_verified`

func (s *SQLiteStore) GetPresence(ctx context.Context, icao string, date time.Time) (*entity.AircraftPresentDay, error) {
	p, err := scanPresence(s.q.QueryRowContext(ctx, `
		SELECT `+presenceColumns+` FROM aircraft_present_days
		WHERE aircraft_icao = ? AND date = ?
	`, icao, entity.DateKey(date)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) UpdatePresence(ctx context.Context, p *entity.AircraftPresentDay) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE aircraft_present_days
		SET history_verified = ?, flights_verified = ?, geolocation_verified = ?
		WHERE aircraft_icao = ? AND date = ?
	`, boolInt(p.HistoryVerified), boolInt(p.FlightsVerified),
		boolInt(p.GeolocationVerified), p.AircraftIcao, entity.DateKey(p.Date))
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

func (s *SQLiteStore) NextUnverifiedPresence(ctx context.Context) (*entity.AircraftPresentDay, error) {
	p, err := scanPresence(s.q.QueryRowContext(ctx, `
		SELECT `+presenceColumns+` FROM aircraft_present_days apd
		WHERE history_verified = 0
		  AND NOT EXISTS (
			SELECT 1 FROM worker_locks wl
			WHERE wl.aircraft_icao = apd.aircraft_icao AND wl.date = apd.date
		  )
		ORDER BY date, aircraft_icao
		LIMIT 1
	`))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next unverified presence: %w", err)
	}
	return p, nil
}

// --- flights ---

func (s *SQLiteStore) UpsertFlight(ctx context.Context, f *entity.Flight) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO flights (hash, aircraft_icao, takeoff_airport_hash, landing_airport_hash,
			distance_meters, fuel_gallons, avg_speed_kn, avg_altitude_ft,
			total_minutes, prohibited_minutes, total_co2_kg, days_across,
			has_departure_details, has_arrival_details, taxi_only, is_on_ground,
			first_point_at, last_point_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			takeoff_airport_hash = excluded.takeoff_airport_hash,
			landing_airport_hash = excluded.landing_airport_hash,
			distance_meters = excluded.distance_meters,
			fuel_gallons = excluded.fuel_gallons,
			avg_speed_kn = excluded.avg_speed_kn,
			avg_altitude_ft = excluded.avg_altitude_ft,
			total_minutes = excluded.total_minutes,
			prohibited_minutes = excluded.prohibited_minutes,
			total_co2_kg = excluded.total_co2_kg,
			days_across = excluded.days_across,
			has_departure_details = excluded.has_departure_details,
			has_arrival_details = excluded.has_arrival_details,
			taxi_only = excluded.taxi_only,
			is_on_ground = excluded.is_on_ground,
			first_point_at = excluded.first_point_at,
			last_point_at = excluded.last_point_at
	`, f.Hash, f.AircraftIcao, nullString(f.TakeoffAirportHash), nullString(f.LandingAirportHash),
		f.DistanceMeters, f.FuelGallons, f.AvgSpeedKn, f.AvgAltitudeFt,
		f.TotalMinutes, f.ProhibitedMinutes, f.TotalCO2Kg, f.DaysAcross,
		boolInt(f.HasDepartureDetails), boolInt(f.HasArrivalDetails),
		boolInt(f.TaxiOnly), boolInt(f.IsOnGround),
		formatTime(f.FirstPointTime), formatTime(f.LastPointTime))
	if err != nil {
		return fmt.Errorf("upsert flight %s: %w", f.Hash, err)
	}
	return nil
}

const flightColumns = `hash, aircraft_icao, takeoff_airport_hash, landing_airport_hash,
	distance_meters, fuel_gallons, avg_speed_kn, avg_altitude_ft,
	total_minutes, prohibited_minutes, total_co2_kg, days_across,
	has_departure_details, has_arrival_details, taxi_only, is_on_ground,
	first_point_at, last_point_at`

func scanFlight(row interface{ Scan(...any) error }) (*entity.Flight, error) {
	var f entity.Flight
	var takeoff, landing sql.NullString
	var dist, fuel, speed, alt, co2 sql.NullFloat64
	var totalMin, prohibMin sql.NullInt64
	var dep, arr, taxi, ground int
	var first, last sql.NullString

	err := row.Scan(&f.Hash, &f.AircraftIcao, &takeoff, &landing,
		&dist, &fuel, &speed, &alt, &totalMin, &prohibMin, &co2, &f.DaysAcross,
		&dep, &arr, &taxi, &ground, &first, &last)
	if err != nil {
		return nil, err
	}

	f.TakeoffAirportHash = takeoff.String
	f.LandingAirportHash = landing.String
	if dist.Valid {
		v := dist.Float64
		f.DistanceMeters = &v
	}
	if fuel.Valid {
		v := fuel.Float64
		f.FuelGallons = &v
	}
	if speed.Valid {
		v := speed.Float64
		f.AvgSpeedKn = &v
	}
	if alt.Valid {
		v := alt.Float64
		f.AvgAltitudeFt = &v
	}
	if totalMin.Valid {
		v := int(totalMin.Int64)
		f.TotalMinutes = &v
	}
	if prohibMin.Valid {
		v := int(prohibMin.Int64)
		f.ProhibitedMinutes = &v
	}
	if co2.Valid {
		v := co2.Float64
		f.TotalCO2Kg = &v
	}
	f.HasDepartureDetails = dep != 0
	f.HasArrivalDetails = arr != 0
	f.TaxiOnly = taxi != 0
	f.IsOnGround = ground != 0
	if first.Valid {
		f.FirstPointTime, _ = time.Parse(time.RFC3339Nano, first.String)
	}
	if last.Valid {
		f.LastPointTime, _ = time.Parse(time.RFC3339Nano, last.String)
	}
	return &f, nil
}

func (s *SQLiteStore) GetFlight(ctx context.Context, hash string) (*entity.Flight, error) {
	f, err := scanFlight(s.q.QueryRowContext(ctx,
		`SELECT `+flightColumns+` FROM flights WHERE hash = ?`, hash))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flight %s: %w", hash, err)
	}
	return f, nil
}

func (s *SQLiteStore) FlightsForAircraft(ctx context.Context, icao string) ([]*entity.Flight, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+flightColumns+` FROM flights
		WHERE aircraft_icao = ? ORDER BY first_point_at
	`, icao)
	if err != nil {
		return nil, fmt.Errorf("flights for aircraft: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Flight
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestFlight(ctx context.Context, icao string) (*entity.Flight, error) {
	f, err := scanFlight(s.q.QueryRowContext(ctx, `
		SELECT `+flightColumns+` FROM flights
		WHERE aircraft_icao = ? ORDER BY last_point_at DESC LIMIT 1
	`, icao))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest flight %s: %w", icao, err)
	}
	return f, nil
}

func (s *SQLiteStore) FleetTotals(ctx context.Context) (*FleetTotals, error) {
	var t FleetTotals
	err := s.q.QueryRowContext(ctx, `
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

func (s *SQLiteStore) AircraftSummaries(ctx context.Context) ([]*AircraftSummary, error) {
	rows, err := s.q.QueryContext(ctx, `
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
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteStore) UpsertAirport(ctx context.Context, a *entity.Airport) error {
	geomJSON, err := encodeGeometry(a.Polygon)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO airports (hash, name, code, lat, lon, polygon, crs, utm_zones)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			name = excluded.name, code = excluded.code,
			lat = excluded.lat, lon = excluded.lon,
			polygon = excluded.polygon, crs = excluded.crs,
			utm_zones = excluded.utm_zones
	`, a.Hash, a.Name, a.Code, a.Lat, a.Lon, geomJSON, a.CRS, encodeZones(a.UTMZones))
	if err != nil {
		return fmt.Errorf("upsert airport %s: %w", a.Name, err)
	}
	return nil
}

func (s *SQLiteStore) ListAirports(ctx context.Context) ([]*entity.Airport, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT hash, name, code, lat, lon, polygon, crs, utm_zones FROM airports`)
	if err != nil {
		return nil, fmt.Errorf("list airports: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteStore) UpsertSuburb(ctx context.Context, sub *entity.Suburb) error {
	geomJSON, err := encodeGeometry(sub.Geometry)
	if err != nil {
		return err
	}
	b := sub.Geometry.Bound()
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO suburbs (hash, name, postcode, state, geometry,
			min_x, min_y, max_x, max_y, crs, utm_zones)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			name = excluded.name, postcode = excluded.postcode,
			state = excluded.state, geometry = excluded.geometry,
			min_x = excluded.min_x, min_y = excluded.min_y,
			max_x = excluded.max_x, max_y = excluded.max_y,
			crs = excluded.crs, utm_zones = excluded.utm_zones
	`, sub.Hash, sub.Name, sub.Postcode, sub.State, geomJSON,
		b.Min[0], b.Min[1], b.Max[0], b.Max[1], sub.CRS, encodeZones(sub.UTMZones))
	if err != nil {
		return fmt.Errorf("upsert suburb %s: %w", sub.Name, err)
	}
	return nil
}

const suburbColumns = `hash, name, postcode, state, geometry, min_x, min_y, max_x, max_y, crs, utm_zones`

func scanSuburb(row interface{ Scan(...any) error }) (*entity.Suburb, error) {
	var sub entity.Suburb
	var geomJSON, zones string
	var minX, minY, maxX, maxY float64
	err := row.Scan(&sub.Hash, &sub.Name, &sub.Postcode, &sub.State, &geomJSON,
		&minX, &minY, &maxX, &maxY, &sub.CRS, &zones)
	if err != nil {
		return nil, err
	}
	if sub.Geometry, err = decodeMultiPolygon(geomJSON); err != nil {
		return nil, fmt.Errorf("suburb %s: %w", sub.Name, err)
	}
	sub.Bound = orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
	sub.UTMZones = decodeZones(zones)
	return &sub, nil
}

func (s *SQLiteStore) GetSuburb(ctx context.Context, hash string) (*entity.Suburb, error) {
	sub, err := scanSuburb(s.q.QueryRowContext(ctx,
		`SELECT `+suburbColumns+` FROM suburbs WHERE hash = ?`, hash))
	if err == sql.ErrNoRows {
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

func (s *SQLiteStore) suburbsQuery(ctx context.Context, where string, args ...any) ([]*entity.Suburb, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+suburbColumns+` FROM suburbs `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query suburbs: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLiteStore) ListSuburbs(ctx context.Context) ([]*entity.Suburb, error) {
	return s.suburbsQuery(ctx, `ORDER BY state, name`)
}

func (s *SQLiteStore) neighboursOf(ctx context.Context, hash string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT b_hash FROM suburb_neighbours WHERE a_hash = ?`, hash)
	if err != nil {
		return nil, fmt.Errorf("neighbours of %s: %w", hash, err)
	}
	defer func() { _ = rows.Close() }()

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

// AddSuburbNeighbour records both directions so the relation stays
// symmetric.
func (s *SQLiteStore) AddSuburbNeighbour(ctx context.Context, a, b string) error {
	if a == b {
		return nil
	}
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		_, err := s.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO suburb_neighbours (a_hash, b_hash) VALUES (?, ?)`,
			pair[0], pair[1])
		if err != nil {
			return fmt.Errorf("add neighbour: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SuburbsInZone(ctx context.Context, utmEPSG int, state string) ([]*entity.Suburb, error) {
	// Zone sets are small JSON arrays; a LIKE probe avoids a join table.
	pattern := "%" + fmt.Sprint(utmEPSG) + "%"
	if state != "" {
		return s.suburbsQuery(ctx,
			`WHERE utm_zones LIKE ? AND state = ?`, pattern, state)
	}
	return s.suburbsQuery(ctx, `WHERE utm_zones LIKE ?`, pattern)
}

func (s *SQLiteStore) SuburbsInBound(ctx context.Context, bound orb.Bound) ([]*entity.Suburb, error) {
	return s.suburbsQuery(ctx, `
		WHERE max_x >= ? AND min_x <= ? AND max_y >= ? AND min_y <= ?`,
		bound.Min[0], bound.Max[0], bound.Min[1], bound.Max[1])
}

// --- workers ---

func (s *SQLiteStore) UpsertWorker(ctx context.Context, w *entity.Worker) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workers (name, unique_id, worker_type, enabled,
			phone_home_url, proxy_url, pid, running, initialising,
			executed_at, shutdown_at, init_started_at, last_update, error_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			unique_id = excluded.unique_id,
			worker_type = excluded.worker_type,
			enabled = excluded.enabled,
			phone_home_url = excluded.phone_home_url,
			proxy_url = excluded.proxy_url,
			pid = excluded.pid,
			running = excluded.running,
			initialising = excluded.initialising,
			executed_at = excluded.executed_at,
			shutdown_at = excluded.shutdown_at,
			init_started_at = excluded.init_started_at,
			last_update = excluded.last_update,
			error_json = excluded.error_json
	`, w.Name, w.UniqueID, string(w.Type), boolInt(w.Enabled),
		w.PhoneHomeURL, w.ProxyURL, w.PID, boolInt(w.Running), boolInt(w.Initialising),
		formatTimePtr(w.ExecutedAt), formatTimePtr(w.ShutdownAt),
		formatTimePtr(w.InitStartedAt), formatTimePtr(w.LastUpdate),
		nullString(w.ErrorJSON))
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.Name, err)
	}
	return nil
}

const workerColumns = `name, unique_id, worker_type, enabled, phone_home_url,
	proxy_url, pid, running, initialising, executed_at, shutdown_at,
	init_started_at, last_update, error_json`

func scanWorker(row interface{ Scan(...any) error }) (*entity.Worker, error) {
	var w entity.Worker
	var typ string
	var enabled, running, initialising int
	var exec, shutdown, initStart, lastUpdate, errJSON sql.NullString

	err := row.Scan(&w.Name, &w.UniqueID, &typ, &enabled, &w.PhoneHomeURL,
		&w.ProxyURL, &w.PID, &running, &initialising,
		&exec, &shutdown, &initStart, &lastUpdate, &errJSON)
	if err != nil {
		return nil, err
	}

	w.Type = entity.WorkerType(typ)
	w.Enabled = enabled != 0
	w.Running = running != 0
	w.Initialising = initialising != 0
	w.ExecutedAt = parseTimePtr(exec)
	w.ShutdownAt = parseTimePtr(shutdown)
	w.InitStartedAt = parseTimePtr(initStart)
	w.LastUpdate = parseTimePtr(lastUpdate)
	w.ErrorJSON = errJSON.String
	return &w, nil
}

func (s *SQLiteStore) GetWorker(ctx context.Context, name string) (*entity.Worker, error) {
	w, err := scanWorker(s.q.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", name, err)
	}
	return w, nil
}

func (s *SQLiteStore) GetWorkerByUniqueID(ctx context.Context, uniqueID string) (*entity.Worker, error) {
	w, err := scanWorker(s.q.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE unique_id = ?`, uniqueID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker by id: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*entity.Worker, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- worker locks ---

func (s *SQLiteStore) InsertLock(ctx context.Context, l *entity.WorkerLock) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO worker_locks (worker_name, aircraft_icao, date, created_at)
		VALUES (?, ?, ?, ?)
	`, l.WorkerName, l.AircraftIcao, entity.DateKey(l.Date), formatTime(l.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "constraint failed") {
			return ErrLockExists
		}
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LocksForWorker(ctx context.Context, workerName string) ([]*entity.WorkerLock, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT worker_name, aircraft_icao, date, created_at
		FROM worker_locks WHERE worker_name = ? ORDER BY date
	`, workerName)
	if err != nil {
		return nil, fmt.Errorf("locks for worker: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.WorkerLock
	for rows.Next() {
		var l entity.WorkerLock
		var dateStr, createdStr string
		if err := rows.Scan(&l.WorkerName, &l.AircraftIcao, &dateStr, &createdStr); err != nil {
			return nil, err
		}
		l.Date, _ = entity.ParseDate(dateStr)
		l.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LockCount(ctx context.Context, icao string, date time.Time) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM worker_locks WHERE aircraft_icao = ? AND date = ?`,
		icao, entity.DateKey(date)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("lock count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteLock(ctx context.Context, icao string, date time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM worker_locks WHERE aircraft_icao = ? AND date = ?`,
		icao, entity.DateKey(date))
	if err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteLocksForWorker(ctx context.Context, workerName string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM worker_locks WHERE worker_name = ?`, workerName)
	if err != nil {
		return fmt.Errorf("delete worker locks: %w", err)
	}
	return nil
}

// --- helpers ---

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func encodeAltitude(a entity.Altitude) any {
	if !a.Valid {
		return nil
	}
	if a.Ground {
		return 0
	}
	return a.Feet
}

func decodeAltitude(v sql.NullInt64) entity.Altitude {
	if !v.Valid {
		return entity.Altitude{}
	}
	return entity.AltitudeFeet(int(v.Int64))
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
