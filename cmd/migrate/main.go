// Package main runs the docmesh schema migrations
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/lib/pq"

	"github.com/developer-mesh/docmesh/internal/config"
	"github.com/developer-mesh/docmesh/internal/database"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

const usage = `Usage: migrate <command>

Commands:
  up            apply all pending migrations
  down [n]      roll back n migrations (default 1)
  version       print the current schema version
  force <v>     set the version without running migrations
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewStandardLogger("migrate")

	db, err := database.Connect(context.Background(), cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	m, err := database.NewMigrator(db)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}

	if err := run(m, flag.Args(), logger); err != nil {
		logger.Error("Migration command failed", map[string]interface{}{
			"command": flag.Arg(0),
			"error":   err.Error(),
		})
		os.Exit(1)
	}
}

func run(m *migrate.Migrate, args []string, logger observability.Logger) error {
	switch args[0] {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	case "down":
		n := 1
		if len(args) > 1 {
			v, err := strconv.Atoi(args[1])
			if err != nil || v <= 0 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
			n = v
		}
		if err := m.Steps(-n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	case "force":
		if len(args) < 2 {
			return errors.New("force requires a version")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		if err := m.Force(v); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	logger.Info("Schema version", map[string]interface{}{
		"version": version,
		"dirty":   dirty,
	})
	return nil
}
