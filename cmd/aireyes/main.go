// aireyes master server.
//
// Boots the store, loads the reference data, then serves the worker and
// public APIs while the coordinator sweeps worker processes in the
// background.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"aireyes/internal/api"
	"aireyes/internal/assimilate"
	"aireyes/internal/bootstrap"
	"aireyes/internal/config"
	"aireyes/internal/coord"
	"aireyes/internal/events"
	"aireyes/internal/ingest"
	"aireyes/internal/storage"
	"aireyes/internal/tracker"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file (defaults apply when omitted)")
	skipBootstrap := flag.Bool("skip-bootstrap", false, "Skip the reference data load")
	flag.Parse()

	if err := run(*configPath, *skipBootstrap); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "aireyes: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, skipBootstrap bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, mirror, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()
	if mirror != nil {
		defer mirror.Close()
	}

	pub, err := events.New(cfg.Events)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	defer pub.Close()

	if !skipBootstrap {
		if err := bootstrap.New(store, cfg).Run(ctx); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	airports, err := store.ListAirports(ctx)
	if err != nil {
		return fmt.Errorf("airports: %w", err)
	}
	log.Printf("aireyes: %d airports available for flight resolution", len(airports))

	asm := assimilate.New(store, cfg.Flights, airports)
	in := ingest.New(store, cfg, asm, mirror, pub)
	co := coord.New(store, cfg.Workers, pub)
	track := tracker.New()

	server := api.New(cfg, store, in, co, track, mirror, pub)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return co.RunSweeper(ctx) })
	g.Go(func() error { return runTrackerCleanup(ctx, track) })

	return g.Wait()
}

// runTrackerCleanup drops stale realtime states so the live query surface
// only reports aircraft still being heard.
func runTrackerCleanup(ctx context.Context, track *tracker.Tracker) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := track.CleanupStale(time.Hour); removed > 0 {
				log.Printf("tracker: dropped %d stale aircraft", removed)
			}
		}
	}
}
