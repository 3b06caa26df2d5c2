package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stwalsh4118/vivo/internal/logger"
)

// RunMigrations brings the schema at db up to date with the migrations at
// migrationsPath, e.g. "file://./migrations".
func RunMigrations(db *sql.DB, migrationsPath string) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		return nil
	case err != nil:
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if version, dirty, verr := m.Version(); verr == nil {
		logger.Log.Info().
			Uint("version", version).
			Bool("dirty", dirty).
			Msg("Database schema migrated")
	}
	return nil
}
