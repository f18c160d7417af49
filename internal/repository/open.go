package repository

import (
	"fmt"

	"github.com/rs/zerolog"

	"parking-tracker/internal/config"
	"parking-tracker/internal/db"
)

// Open builds the Store selected by cfg.Driver.
func Open(cfg config.DatabaseConfig, log zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres, config.DriverSQLite:
		gdb, err := db.Open(cfg, log)
		if err != nil {
			return nil, err
		}
		return NewParkingRepository(gdb), nil
	case config.DriverBolt:
		store, err := NewBoltStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store %s: %w", cfg.Path, err)
		}
		log.Info().Str("driver", cfg.Driver).Str("path", cfg.Path).Msg("database ready")
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
