// Command migrate brings queue_store to the latest forward-only
// schema version, or reports status without applying any unit.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/lib/pq"

	"github.com/gorax/flowqueue/internal/errs"
	"github.com/gorax/flowqueue/internal/events"
	"github.com/gorax/flowqueue/internal/migrate"
	"github.com/gorax/flowqueue/internal/store"
)

func main() {
	var (
		dbURL         = flag.String("db", "", "queue_store connection string (or QUEUE_STORE_DSN env var)")
		migrationsDir = flag.String("dir", "migrations", "migrations directory")
	)
	flag.Parse()

	logger := events.NewLogger(os.Stderr, slog.LevelInfo)
	slog.SetDefault(logger)

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	dsn := *dbURL
	if dsn == "" {
		dsn = os.Getenv("QUEUE_STORE_DSN")
	}
	if dsn == "" {
		logger.Error("queue_store connection string not provided; use -db or QUEUE_STORE_DSN")
		os.Exit(errs.ExitCode(errs.ErrConfigInvalid))
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("failed to open queue_store connection", "error", err)
		os.Exit(errs.ExitCode(errs.ErrMigrationFailed))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("failed to reach queue_store", "error", err)
		os.Exit(errs.ExitCode(errs.ErrMigrationFailed))
	}

	units, err := migrate.Load(*migrationsDir)
	if err != nil {
		logger.Error("failed to load migration units", "error", err)
		os.Exit(errs.ExitCode(err))
	}

	runner := migrate.NewRunner(db, store.QueueStore)

	switch command {
	case "up":
		if err := runner.Up(units); err != nil {
			logger.Error("migration failed", "error", err, "exit_code", errs.ExitCode(err))
			os.Exit(errs.ExitCode(err))
		}
		logger.Info("migrations applied", "units", len(units))
	case "status":
		report, err := runner.Status(units)
		if err != nil {
			logger.Error("failed to read migration status", "error", err)
			os.Exit(errs.ExitCode(err))
		}
		printStatus(report)
	default:
		logger.Error("unknown command", "command", command, "usage", "up|status")
		os.Exit(errs.ExitCode(errs.ErrConfigInvalid))
	}
}

func printStatus(r *migrate.Report) {
	fmt.Println("Migration Status:")
	fmt.Println("==================")
	fmt.Printf("Current version: %d\n", r.CurrentVersion)
	for _, u := range r.Applied {
		fmt.Printf("[x] V%03d__%s.sql\n", u.Version, u.Description)
	}
	for _, v := range r.PendingVersions {
		fmt.Printf("[ ] V%03d\n", v)
	}
	fmt.Printf("\nApplied: %d, Pending: %d\n", len(r.Applied), len(r.PendingVersions))
}
