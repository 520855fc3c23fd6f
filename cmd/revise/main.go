// Offline revision tool.
//
// Reads a JSONL trace (one sample per line), loads it into a store and
// runs the full day revision over every touched day, then prints the
// resulting flights as JSON. Useful for replaying a worker trace against
// the flight partitioning without a running server.
//
// Line format:
//
//	{"icao":"7c68b7","timestamp":1659052800,"lat":-33.94,"lon":151.17,"altitude":2500,"groundSpeed":120,"onGround":false}
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"aireyes/internal/assimilate"
	"aireyes/internal/config"
	"aireyes/internal/entity"
	"aireyes/internal/geom"
	"aireyes/internal/ingest"
	"aireyes/internal/storage"
)

type traceSample struct {
	Icao         string   `json:"icao"`
	Timestamp    float64  `json:"timestamp"`
	Lat          *float64 `json:"lat"`
	Lon          *float64 `json:"lon"`
	Altitude     *int     `json:"altitude"`
	GroundSpeed  *float64 `json:"groundSpeed"`
	Track        *float64 `json:"track"`
	VerticalRate *float64 `json:"verticalRate"`
	OnGround     bool     `json:"onGround"`
	Ascending    bool     `json:"ascending"`
	Descending   bool     `json:"descending"`
	Source       string   `json:"source"`
}

type flightOut struct {
	Hash              string   `json:"hash"`
	AircraftIcao      string   `json:"aircraftIcao"`
	Takeoff           string   `json:"takeoffAirport,omitempty"`
	Landing           string   `json:"landingAirport,omitempty"`
	DistanceMeters    *float64 `json:"distanceMeters"`
	TotalMinutes      *int     `json:"totalMinutes"`
	ProhibitedMinutes *int     `json:"prohibitedMinutes"`
	AvgSpeedKn        *float64 `json:"avgSpeedKn"`
	AvgAltitudeFt     *float64 `json:"avgAltitudeFt"`
	FuelGallons       *float64 `json:"fuelGallons"`
	TotalCO2Kg        *float64 `json:"totalCo2Kg"`
	TaxiOnly          bool     `json:"taxiOnly"`
	DaysAcross        int      `json:"daysAcross"`
	FirstPointTime    string   `json:"firstPointTime"`
	LastPointTime     string   `json:"lastPointTime"`
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	inPath := flag.String("input", "", "Input JSONL trace (default: stdin)")
	dbPath := flag.String("db", ":memory:", "SQLite database to load the trace into")
	pretty := flag.Bool("pretty", false, "Pretty-print JSON output")
	flag.Parse()

	if err := run(*configPath, *inPath, *dbPath, *pretty); err != nil {
		fmt.Fprintf(os.Stderr, "revise: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, inPath, dbPath string, pretty bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// The replay is local; suburb lookups need a populated geometry table.
	cfg.Geo.GeolocationEnabled = false
	cfg.Events.Enabled = false
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.SQLitePath = dbPath
	cfg.Storage.ClickHouse.Enabled = false

	ctx := context.Background()
	store, _, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	var r io.Reader = os.Stdin
	if inPath != "" {
		f, err := os.Open(inPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	byIcao, err := readTrace(r, cfg)
	if err != nil {
		return err
	}
	if len(byIcao) == 0 {
		return errors.New("no samples in trace")
	}

	airports, err := store.ListAirports(ctx)
	if err != nil {
		return fmt.Errorf("airports: %w", err)
	}
	asm := assimilate.New(store, cfg.Flights, airports)
	in := ingest.New(store, cfg, asm, nil, nil)

	var flights []*entity.Flight
	for _, icao := range sortedKeys(byIcao) {
		points := byIcao[icao]
		aircraft := entity.NewAircraft(icao)
		if _, err := in.SubmitPartial(ctx, &aircraft, points); err != nil {
			return fmt.Errorf("load %s: %w", icao, err)
		}
		for _, day := range touchedDays(points) {
			results, err := in.ReviseDay(ctx, icao, day, true)
			if err != nil {
				if errors.Is(err, ingest.ErrNoFlightsAssimilated) {
					continue
				}
				return fmt.Errorf("revise %s %s: %w", icao, entity.DateKey(day), err)
			}
			for _, res := range results {
				flights = append(flights, res.Flight)
			}
		}
	}

	return printFlights(os.Stdout, dedupe(flights), pretty)
}

// readTrace parses the JSONL samples into projected flight points, grouped
// by aircraft.
func readTrace(r io.Reader, cfg config.Config) (map[string][]*entity.FlightPoint, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	byIcao := map[string][]*entity.FlightPoint{}
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var s traceSample
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if s.Icao == "" || s.Timestamp <= 0 {
			return nil, fmt.Errorf("line %d: icao and timestamp are required", line)
		}
		icao := strings.ToLower(s.Icao)
		p, err := toPoint(icao, s, cfg)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		byIcao[icao] = append(byIcao[icao], p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return byIcao, nil
}

func toPoint(icao string, s traceSample, cfg config.Config) (*entity.FlightPoint, error) {
	var alt entity.Altitude
	if s.Altitude != nil {
		alt = entity.AltitudeFeet(*s.Altitude)
	}

	var lonStr, latStr string
	p := &entity.FlightPoint{
		AircraftIcao:      icao,
		Timestamp:         s.Timestamp,
		DayDate:           entity.DayFromTimestamp(s.Timestamp),
		Altitude:          alt,
		GroundSpeedKn:     s.GroundSpeed,
		TrackDeg:          s.Track,
		VerticalRateFtMin: s.VerticalRate,
		DataSource:        s.Source,
		IsOnGround:        s.OnGround,
		IsAscending:       s.Ascending,
		IsDescending:      s.Descending,
	}
	if s.Lat != nil && s.Lon != nil {
		lonStr = entity.CoordString(*s.Lon)
		latStr = entity.CoordString(*s.Lat)
		projected, err := geom.Transform(orb.Point{*s.Lon, *s.Lat}, geom.EPSG4326, cfg.Geo.ProjectedEPSG)
		if err != nil {
			return nil, fmt.Errorf("project sample at %v: %w", s.Timestamp, err)
		}
		p.Position = &projected
		p.CRS = cfg.Geo.ProjectedEPSG
		p.UTMZone = geom.UTMZoneEPSG(*s.Lon, *s.Lat)
	}
	p.Hash = entity.PointHash(icao, s.Timestamp, lonStr, latStr, alt)
	return p, nil
}

func touchedDays(points []*entity.FlightPoint) []time.Time {
	seen := map[string]time.Time{}
	for _, p := range points {
		seen[entity.DateKey(p.DayDate)] = p.DayDate
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]time.Time, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out
}

func sortedKeys(m map[string][]*entity.FlightPoint) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// dedupe keeps one entry per flight hash. Multi-day flights surface once
// per revised day.
func dedupe(flights []*entity.Flight) []*entity.Flight {
	seen := map[string]bool{}
	out := make([]*entity.Flight, 0, len(flights))
	for _, f := range flights {
		if seen[f.Hash] {
			continue
		}
		seen[f.Hash] = true
		out = append(out, f)
	}
	return out
}

func printFlights(w io.Writer, flights []*entity.Flight, pretty bool) error {
	out := make([]flightOut, len(flights))
	for i, f := range flights {
		out[i] = flightOut{
			Hash:              f.Hash,
			AircraftIcao:      f.AircraftIcao,
			Takeoff:           f.TakeoffAirportHash,
			Landing:           f.LandingAirportHash,
			DistanceMeters:    f.DistanceMeters,
			TotalMinutes:      f.TotalMinutes,
			ProhibitedMinutes: f.ProhibitedMinutes,
			AvgSpeedKn:        f.AvgSpeedKn,
			AvgAltitudeFt:     f.AvgAltitudeFt,
			FuelGallons:       f.FuelGallons,
			TotalCO2Kg:        f.TotalCO2Kg,
			TaxiOnly:          f.TaxiOnly,
			DaysAcross:        f.DaysAcross,
			FirstPointTime:    f.FirstPointTime.UTC().Format(time.RFC3339),
			LastPointTime:     f.LastPointTime.UTC().Format(time.RFC3339),
		}
	}
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(out)
}
