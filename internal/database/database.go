// Package database opens the Postgres connection and applies schema migrations
package database

import (
	"context"
	"embed"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Opener opens a sqlx database handle. Swapped out in tests.
type Opener func(driverName, dsn string) (*sqlx.DB, error)

// Connect establishes a database connection, retrying with exponential
// backoff until cfg.ConnectTimeout elapses.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (*sqlx.DB, error) {
	return connect(ctx, cfg, logger, sqlx.Open)
}

func connect(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger, open Opener) (*sqlx.DB, error) {
	logger = observability.OrNoop(logger)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = cfg.ConnectTimeout

	logger.Info("Connecting to database", map[string]interface{}{
		"host":     cfg.Host,
		"database": cfg.Database,
	})

	attempt := 0
	var db *sqlx.DB
	operation := func() error {
		attempt++
		conn, err := open("postgres", cfg.DSN())
		if err != nil {
			// A malformed DSN will not fix itself
			return backoff.Permanent(errors.Wrap(err, "failed to open database"))
		}
		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			return errors.Wrap(err, "failed to ping database")
		}
		db = conn
		return nil
	}

	notify := func(err error, delay time.Duration) {
		logger.Warn("Database connection failed, retrying...", map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to database after %d attempts", attempt)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	logger.Info("Database connection established", map[string]interface{}{
		"attempts": attempt,
	})
	return db, nil
}

// NewMigrator builds a migrator over the embedded SQL files
func NewMigrator(db *sqlx.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open embedded migrations")
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres driver")
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create migrator")
	}
	return m, nil
}

// Migrate applies all pending migrations. No pending migrations is not an error.
func Migrate(db *sqlx.DB, logger observability.Logger) error {
	logger = observability.OrNoop(logger)

	m, err := NewMigrator(db)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No migrations to run", nil)
			return nil
		}
		return errors.Wrap(err, "migration error")
	}

	version, dirty, err := m.Version()
	if err != nil {
		return errors.Wrap(err, "failed to read migration version")
	}
	logger.Info("Migrations applied", map[string]interface{}{
		"version": version,
		"dirty":   dirty,
	})
	return nil
}
