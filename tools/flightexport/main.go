// Package main provides a tool to export reconstructed flights to CSV.
// The output is one row per flight:
// icao,flightName,firstPoint,lastPoint,minutes,distanceKm,takeoff,landing,fuelGal,co2Kg
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"aireyes/internal/config"
	"aireyes/internal/storage"
)

func main() {
	// Storage backend flags.
	backend := flag.String("backend", "sqlite", "Storage backend (sqlite or postgres)")
	sqlitePath := flag.String("sqlite", "data/aireyes.db", "SQLite database path")
	pgHost := flag.String("pg-host", "localhost", "PostgreSQL host")
	pgPort := flag.Int("pg-port", 5432, "PostgreSQL port")
	pgUser := flag.String("pg-user", "aireyes", "PostgreSQL user")
	pgPassword := flag.String("pg-password", "", "PostgreSQL password")
	pgDB := flag.String("pg-db", "aireyes", "PostgreSQL database")

	output := flag.String("output", "", "Output CSV file (default: stdout)")
	minMinutes := flag.Int("min-minutes", 0, "Minimum flight duration to include")
	includeTaxi := flag.Bool("taxi", false, "Include taxi-only movements")
	showStats := flag.Bool("stats", false, "Show statistics only, don't export")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	ctx := context.Background()

	store, _, err := storage.Open(ctx, config.StorageConfig{
		Backend:    *backend,
		SQLitePath: *sqlitePath,
		Postgres: config.PostgresConfig{
			Host:     *pgHost,
			Port:     *pgPort,
			Database: *pgDB,
			User:     *pgUser,
			Password: *pgPassword,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *showStats {
		showFleetStats(ctx, store)
		return
	}

	rows, err := collectFlights(ctx, store, *minMinutes, *includeTaxi)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error collecting flights: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "No flights found matching criteria")
		os.Exit(0)
	}
	if *verbose {
		fmt.Fprintf(os.Stderr, "Exporting %d flights to CSV\n", len(rows))
	}

	var writer *csv.Writer
	if *output != "" {
		file, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating file: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = file.Close() }()
		writer = csv.NewWriter(file)
	} else {
		writer = csv.NewWriter(os.Stdout)
	}

	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing row: %v\n", err)
			os.Exit(1)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "Error flushing CSV: %v\n", err)
		os.Exit(1)
	}

	if *verbose && *output != "" {
		fmt.Fprintf(os.Stderr, "Wrote %d flights to %s\n", len(rows), *output)
	}
}

// collectFlights walks every aircraft and renders its flights as CSV rows,
// oldest first.
func collectFlights(ctx context.Context, store storage.Store, minMinutes int, includeTaxi bool) ([][]string, error) {
	aircraft, err := store.ListAircraft(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing aircraft: %w", err)
	}
	airportCodes, err := airportCodesByHash(ctx, store)
	if err != nil {
		return nil, err
	}

	type exportRow struct {
		first time.Time
		row   []string
	}
	var rows []exportRow
	for _, a := range aircraft {
		flights, err := store.FlightsForAircraft(ctx, a.Icao)
		if err != nil {
			return nil, fmt.Errorf("flights for %s: %w", a.Icao, err)
		}
		for _, f := range flights {
			if f.TaxiOnly && !includeTaxi {
				continue
			}
			if f.TotalMinutes != nil && *f.TotalMinutes < minMinutes {
				continue
			}
			rows = append(rows, exportRow{
				first: f.FirstPointTime,
				row: []string{
					a.Icao,
					a.FlightName,
					f.FirstPointTime.UTC().Format(time.RFC3339),
					f.LastPointTime.UTC().Format(time.RFC3339),
					intOrEmpty(f.TotalMinutes),
					kmOrEmpty(f.DistanceMeters),
					airportCodes[f.TakeoffAirportHash],
					airportCodes[f.LandingAirportHash],
					floatOrEmpty(f.FuelGallons),
					floatOrEmpty(f.TotalCO2Kg),
				},
			})
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].first.Before(rows[j].first) })
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = r.row
	}
	return out, nil
}

func airportCodesByHash(ctx context.Context, store storage.Store) (map[string]string, error) {
	airports, err := store.ListAirports(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing airports: %w", err)
	}
	codes := make(map[string]string, len(airports))
	for _, a := range airports {
		code := a.Code
		if code == "" {
			code = a.Name
		}
		codes[a.Hash] = code
	}
	return codes, nil
}

func intOrEmpty(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func floatOrEmpty(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}

func kmOrEmpty(meters *float64) string {
	if meters == nil {
		return ""
	}
	return strconv.FormatFloat(*meters/1000, 'f', 1, 64)
}

// showFleetStats displays aggregate statistics about the stored flights.
func showFleetStats(ctx context.Context, store storage.Store) {
	totals, err := store.FleetTotals(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading totals: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Fleet Statistics")
	fmt.Println("────────────────")
	fmt.Printf("Total flights:       %d\n", totals.Flights)
	fmt.Printf("Total distance:      %.1f km\n", totals.DistanceMeters/1000)
	fmt.Printf("Total airtime:       %d min\n", totals.TotalMinutes)
	fmt.Printf("Night flying:        %d min\n", totals.ProhibitedMinutes)
	fmt.Printf("Fuel burned:         %.1f gal\n", totals.FuelGallons)
	fmt.Printf("CO2 emitted:         %.1f kg\n", totals.TotalCO2Kg)

	summaries, err := store.AircraftSummaries(ctx)
	if err != nil {
		return
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Flights > summaries[j].Flights })
	if len(summaries) > 10 {
		summaries = summaries[:10]
	}

	fmt.Println("\nTop Aircraft by Flight Count:")
	fmt.Printf("%-8s %-10s %8s %12s %10s\n", "ICAO", "Flight", "Flights", "Distance km", "Minutes")
	for _, s := range summaries {
		fmt.Printf("%-8s %-10s %8d %12.1f %10d\n",
			s.Icao, s.FlightName, s.Flights, s.DistanceMeters/1000, s.TotalMinutes)
	}
}
