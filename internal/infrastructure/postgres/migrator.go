package postgres

import (
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // catalog database driver
	_ "github.com/golang-migrate/migrate/v4/source/file"     // file:// migration source

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// migrationDSN rewrites the catalog DSN for golang-migrate's pgx driver.
func migrationDSN(cfg config.CatalogConfig) string {
	return "pgx5" + DSN(cfg)[len("postgres"):]
}

// RunMigrations applies all pending catalog migrations. Called on startup
// and by the migrate command; a fully migrated catalog is a no-op.
func RunMigrations(cfg config.CatalogConfig) error {
	m, err := migrate.New(cfg.MigrationPath, migrationDSN(cfg))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCatalogError, "failed to open migration source")
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, errors.ErrCodeCatalogError, "catalog migration failed")
	}
	return nil
}

// RollbackMigrations steps the catalog schema back. Development tooling.
func RollbackMigrations(cfg config.CatalogConfig, steps int) error {
	if steps <= 0 {
		return errors.New(errors.ErrCodeInvalidParam, "rollback steps must be positive")
	}
	m, err := migrate.New(cfg.MigrationPath, migrationDSN(cfg))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCatalogError, "failed to open migration source")
	}
	defer m.Close()
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, errors.ErrCodeCatalogError, "catalog rollback failed")
	}
	return nil
}
