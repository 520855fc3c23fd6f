// Package config holds the master server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded at server start.
type Config struct {
	Listen    string          `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	ErrorsDir string          `yaml:"errors_dir"`
	Storage   StorageConfig   `yaml:"storage"`
	Events    EventsConfig    `yaml:"events"`
	Flights   FlightsConfig   `yaml:"flights"`
	Geo       GeoConfig       `yaml:"geo"`
	Workers   WorkersConfig   `yaml:"workers"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// StorageConfig selects and configures the entity store backend.
type StorageConfig struct {
	// Backend is "sqlite" (default) or "postgres".
	Backend string `yaml:"backend"`

	SQLitePath string `yaml:"sqlite_path"`

	Postgres PostgresConfig `yaml:"postgres"`

	// ClickHouse mirrors flight points for heatmap analytics when enabled.
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// PostGIS enables in-database suburb containment probes.
	PostGIS bool `yaml:"postgis"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// EventsConfig configures the NATS realtime event fan-out.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// FlightsConfig carries the flight reconstruction thresholds.
//
// The TD* thresholds feed the new-flight decision table between adjacent
// points of a day timeline; all are expressed in seconds of gap.
type FlightsConfig struct {
	// Gap between two grounded points that starts a new flight.
	TDNewFlightGrounded float64 `yaml:"td_new_flight_grounded"`
	// Gap before an airborne reappearance following a grounded point.
	TDNewFlightMidairStart float64 `yaml:"td_new_flight_midair_start"`
	// Gap after an airborne disappearance preceding a grounded point.
	TDNewFlightMidairEnd float64 `yaml:"td_new_flight_midair_end"`
	// Gap between two airborne points that hands the decision to the
	// inaccuracy resolver.
	TDInaccuracyCheck float64 `yaml:"td_inaccuracy_check"`
	// Resolver catch-all: both endpoints airborne and the gap exceeds this.
	TDNewFlightMidairBoth float64 `yaml:"td_new_flight_midair_both"`

	// Altitude (ft) below which a mid-air disappearance is still treated
	// as a plausible landing or takeoff.
	MaxAltMidairDisappear int `yaml:"max_alt_midair_disappear"`

	// Partials with fewer timeline fragments than this are discarded.
	MinFragmentsForPartial int `yaml:"min_fragments_for_partial"`
	// Minimum positional points required to compute a flight path length.
	MinPositionalPathPoints int `yaml:"min_positional_path_points"`

	// Local timezone for prohibited-hours statistics. Aircraft may carry
	// an individual override.
	StatisticsTimezone string `yaml:"statistics_timezone"`
	// Prohibited window bounds, hours of local day.
	ProhibitedStartHour int `yaml:"prohibited_start_hour"`
	ProhibitedEndHour   int `yaml:"prohibited_end_hour"`
}

// GeoConfig configures the projected CRS and geolocation behaviour.
type GeoConfig struct {
	// ProjectedEPSG is the CRS all stored geometry is projected into.
	ProjectedEPSG int `yaml:"projected_epsg"`
	// AirportRadiusMeters buffers an airport point into its polygon.
	AirportRadiusMeters float64 `yaml:"airport_radius_meters"`
	// GeolocationEnabled toggles suburb assignment on ingest.
	GeolocationEnabled bool `yaml:"geolocation_enabled"`
}

// WorkersConfig configures the scraper pool coordination.
type WorkersConfig struct {
	// Binary and script used to spawn worker processes.
	Binary string `yaml:"binary"`
	Script string `yaml:"script"`

	// StuckTimeout is how long a worker may sit Initialising, or Running
	// without a heartbeat, before the sweeper terminates it.
	StuckTimeout time.Duration `yaml:"stuck_timeout"`
	// SweepInterval is the period of the stuck-worker sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MultipleAssignmentsAllowed lets one history trawler hold more than
	// one aircraft-day lock at a time.
	MultipleAssignmentsAllowed bool `yaml:"multiple_assignments_allowed"`

	// RequestsPerSecond rate-limits each worker on the ingestion API.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	RequestBurst      int     `yaml:"request_burst"`

	// RequestTimeout bounds each API handler.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BootstrapConfig points at the startup reference data files.
type BootstrapConfig struct {
	// SuburbGeoJSONDir holds one GeoJSON FeatureCollection per state.
	SuburbGeoJSONDir string `yaml:"suburb_geojson_dir"`
	AirportsJSON     string `yaml:"airports_json"`
	FuelFiguresJSON  string `yaml:"fuel_figures_json"`
}

// DefaultConfig returns a configuration with local development settings.
func DefaultConfig() Config {
	return Config{
		Listen:    "127.0.0.1:5000",
		DataDir:   "data",
		ErrorsDir: "data/errors",
		Storage: StorageConfig{
			Backend:    "sqlite",
			SQLitePath: "data/aireyes.db",
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "aireyes",
				User:     "aireyes",
				Password: "aireyes",
			},
			ClickHouse: ClickHouseConfig{
				Host:     "localhost",
				Port:     9000,
				Database: "aireyes",
				User:     "default",
			},
		},
		Events: EventsConfig{
			URL: "nats://localhost:4222",
		},
		Flights: FlightsConfig{
			TDNewFlightGrounded:     10 * 60,
			TDNewFlightMidairStart:  30 * 60,
			TDNewFlightMidairEnd:    30 * 60,
			TDInaccuracyCheck:       15 * 60,
			TDNewFlightMidairBoth:   60 * 60,
			MaxAltMidairDisappear:   10000,
			MinFragmentsForPartial:  2,
			MinPositionalPathPoints: 2,
			StatisticsTimezone:      "Australia/Sydney",
			ProhibitedStartHour:     20,
			ProhibitedEndHour:       7,
		},
		Geo: GeoConfig{
			ProjectedEPSG:       3112,
			AirportRadiusMeters: 3000,
			GeolocationEnabled:  true,
		},
		Workers: WorkersConfig{
			Binary:            "node",
			Script:            "worker.js",
			StuckTimeout:      5 * time.Minute,
			SweepInterval:     time.Minute,
			RequestsPerSecond: 20,
			RequestBurst:      40,
			RequestTimeout:    30 * time.Second,
		},
		Bootstrap: BootstrapConfig{
			SuburbGeoJSONDir: "data/suburbs",
			AirportsJSON:     "data/airports.json",
			FuelFiguresJSON:  "data/fuel_figures.json",
		},
	}
}

// Load reads a YAML configuration file over the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
