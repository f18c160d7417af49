package db

import (
	"fmt"

	"gorm.io/gorm"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS vehicles (
		id              BIGSERIAL PRIMARY KEY,
		plate           TEXT NOT NULL,
		owner_name      TEXT,
		category        TEXT NOT NULL DEFAULT 'VISITOR',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_vehicles_plate ON vehicles(plate);`,
	`CREATE TABLE IF NOT EXISTS visits (
		id              BIGSERIAL PRIMARY KEY,
		vehicle_id      BIGINT NOT NULL REFERENCES vehicles(id),
		entry_time      TIMESTAMPTZ NOT NULL,
		exit_time       TIMESTAMPTZ,
		image_ref       TEXT,
		metadata        JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_visits_vehicle_entry ON visits(vehicle_id, entry_time DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_visits_entry_time ON visits(entry_time);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_visits_open_vehicle ON visits(vehicle_id) WHERE exit_time IS NULL;`,
	`CREATE TABLE IF NOT EXISTS billing_records (
		id              BIGSERIAL PRIMARY KEY,
		visit_id        BIGINT NOT NULL REFERENCES visits(id),
		plate           TEXT NOT NULL,
		entry_time      TIMESTAMPTZ NOT NULL,
		exit_time       TIMESTAMPTZ,
		charge          BIGINT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_records_visit ON billing_records(visit_id);`,
	`CREATE INDEX IF NOT EXISTS idx_billing_records_plate ON billing_records(plate);`,
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS vehicles (
		id              INTEGER PRIMARY KEY,
		plate           TEXT NOT NULL,
		owner_name      TEXT,
		category        TEXT NOT NULL DEFAULT 'VISITOR',
		created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_vehicles_plate ON vehicles(plate);`,
	`CREATE TABLE IF NOT EXISTS visits (
		id              INTEGER PRIMARY KEY,
		vehicle_id      INTEGER NOT NULL REFERENCES vehicles(id),
		entry_time      DATETIME NOT NULL,
		exit_time       DATETIME,
		image_ref       TEXT,
		metadata        JSON,
		created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_visits_vehicle_entry ON visits(vehicle_id, entry_time DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_visits_entry_time ON visits(entry_time);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_visits_open_vehicle ON visits(vehicle_id) WHERE exit_time IS NULL;`,
	`CREATE TABLE IF NOT EXISTS billing_records (
		id              INTEGER PRIMARY KEY,
		visit_id        INTEGER NOT NULL REFERENCES visits(id),
		plate           TEXT NOT NULL,
		entry_time      DATETIME NOT NULL,
		exit_time       DATETIME,
		charge          INTEGER,
		created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_records_visit ON billing_records(visit_id);`,
	`CREATE INDEX IF NOT EXISTS idx_billing_records_plate ON billing_records(plate);`,
}

func runMigrations(db *gorm.DB) error {
	stmts := postgresMigrations
	if db.Dialector.Name() == "sqlite" {
		stmts = sqliteMigrations
	}
	for i, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
