package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"aireyes/internal/entity"
	"aireyes/internal/geom"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseMirror is an optional append-only copy of flight points for
// analytics queries (heatmaps, per-suburb activity). The primary store
// stays authoritative; mirror writes are best effort.
type ClickHouseMirror struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse and ensures the schema.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseMirror, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	m := &ClickHouseMirror{conn: conn}
	if err := m.createSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the ClickHouse connection.
func (m *ClickHouseMirror) Close() error {
	return m.conn.Close()
}

func (m *ClickHouseMirror) createSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS flight_points (
		hash            String,
		aircraft_icao   LowCardinality(String),
		day_date        Date,
		flight_hash     String,
		timestamp       Float64,
		longitude       Nullable(Float64),
		latitude        Nullable(Float64),
		utm_epsg_zone   Nullable(Int32),
		altitude_ft     Nullable(Int32),
		ground_speed_kn Nullable(Float64),
		suburb_hash     LowCardinality(String),
		inserted_at     DateTime64(3) DEFAULT now64(3)
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(day_date)
	ORDER BY (aircraft_icao, day_date, timestamp)
	SETTINGS index_granularity = 8192`

	if err := m.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// MirrorPoints appends a batch of flight points. Positions are mirrored in
// geographic coordinates; projected points are inverse-projected first. A
// point whose position cannot be expressed geographically mirrors with
// null coordinates.
func (m *ClickHouseMirror) MirrorPoints(ctx context.Context, points []*entity.FlightPoint) error {
	if len(points) == 0 {
		return nil
	}

	batch, err := m.conn.PrepareBatch(ctx, `
		INSERT INTO flight_points (hash, aircraft_icao, day_date, flight_hash,
			timestamp, longitude, latitude, utm_epsg_zone, altitude_ft,
			ground_speed_kn, suburb_hash)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range points {
		var lon, lat *float64
		if p.Position != nil {
			if geo, err := geom.Transform(*p.Position, p.CRS, geom.EPSG4326); err == nil {
				x, y := geo[0], geo[1]
				lon, lat = &x, &y
			}
		}
		var zone *int32
		if p.UTMZone != 0 {
			z := int32(p.UTMZone)
			zone = &z
		}
		var alt *int32
		if p.Altitude.Valid {
			a := int32(p.Altitude.Feet)
			if p.Altitude.Ground {
				a = 0
			}
			alt = &a
		}
		if err := batch.Append(p.Hash, p.AircraftIcao, p.DayDate, p.FlightHash,
			p.Timestamp, lon, lat, zone, alt, p.GroundSpeedKn, p.SuburbHash); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// SuburbActivity returns per-suburb point counts for heatmap rendering,
// optionally restricted to a set of aircraft.
func (m *ClickHouseMirror) SuburbActivity(ctx context.Context, icaos []string) (map[string]uint64, error) {
	query := `SELECT suburb_hash, count() FROM flight_points WHERE suburb_hash != ''`
	var args []any
	if len(icaos) > 0 {
		query += ` AND aircraft_icao IN (?)`
		args = append(args, icaos)
	}
	query += ` GROUP BY suburb_hash`

	rows, err := m.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("suburb activity: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var hash string
		var n uint64
		if err := rows.Scan(&hash, &n); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		counts[hash] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return counts, nil
}

// DailyActivity returns point counts per day for one aircraft.
func (m *ClickHouseMirror) DailyActivity(ctx context.Context, icao string) (map[string]uint64, error) {
	rows, err := m.conn.Query(ctx, `
		SELECT toString(day_date), count()
		FROM flight_points
		WHERE aircraft_icao = ?
		GROUP BY day_date
		ORDER BY day_date
	`, icao)
	if err != nil {
		return nil, fmt.Errorf("daily activity: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var day string
		var n uint64
		if err := rows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("scan daily activity: %w", err)
		}
		counts[day] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily activity: %w", err)
	}
	return counts, nil
}
