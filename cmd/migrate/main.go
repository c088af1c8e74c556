// Command migrate applies or rolls back the embedded database migrations.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/internal/logging"
	"github.com/mihaimyh/subsync/storage/postgres"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateDB(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	switch os.Args[1] {
	case "up":
		if err := postgres.Migrate(cfg.DB.URL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("database is up to date")

	case "down":
		steps := 1
		if len(os.Args) > 2 {
			steps, err = strconv.Atoi(os.Args[2])
			if err != nil || steps < 1 {
				logger.Fatal().Str("steps", os.Args[2]).Msg("steps must be a positive number")
			}
		}
		if err := postgres.Rollback(cfg.DB.URL, steps); err != nil {
			logger.Fatal().Err(err).Msg("rollback failed")
		}
		logger.Info().Int("steps", steps).Msg("rolled back")

	case "status":
		st, err := postgres.CurrentMigration(cfg.DB.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to read migration status")
		}
		if !st.Applied {
			fmt.Println("no migrations applied")
			return
		}
		dirty := ""
		if st.Dirty {
			dirty = " (dirty)"
		}
		fmt.Printf("version %d%s\n", st.Version, dirty)

	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: migrate <command>")
	fmt.Println("Commands:")
	fmt.Println("  up          apply all pending migrations")
	fmt.Println("  down [n]    roll back the last n migrations (default 1)")
	fmt.Println("  status      print the current schema version")
}
