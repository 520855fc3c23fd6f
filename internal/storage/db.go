package storage

import (
	"context"
	"fmt"

	"aireyes/internal/config"
)

// Open selects and opens the entity store named by the configuration, plus
// the optional ClickHouse mirror. The mirror may be nil.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, *ClickHouseMirror, error) {
	var store Store
	var err error

	switch cfg.Backend {
	case "", "sqlite":
		store, err = OpenSQLite(cfg.SQLitePath)
	case "postgres":
		store, err = OpenPostgres(ctx, PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			PostGIS:  cfg.Postgres.PostGIS,
		})
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", cfg.Backend, err)
	}

	var mirror *ClickHouseMirror
	if cfg.ClickHouse.Enabled {
		mirror, err = OpenClickHouse(ctx, ClickHouseConfig{
			Host:     cfg.ClickHouse.Host,
			Port:     cfg.ClickHouse.Port,
			Database: cfg.ClickHouse.Database,
			User:     cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
		})
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("clickhouse: %w", err)
		}
	}

	return store, mirror, nil
}
