package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/pma-realtime-go/internal/mirror"
	"github.com/frostdev-ops/pma-realtime-go/pkg/logger"
)

const usage = "Usage: migrate <sqlite-path> <up|down|version|compact>"

func main() {
	log := logger.New("info", "text")
	if err := run(context.Background(), os.Args[1:], os.Stdout, log); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, out io.Writer, log *logrus.Logger) error {
	if len(args) < 2 {
		return errors.New(usage)
	}
	path, command := args[0], args[1]

	if command == "compact" {
		store, err := mirror.NewSQLite(path, "", log)
		if err != nil {
			return err
		}
		defer store.Close()
		removed, err := store.Compact(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %d expired entries\n", removed)
		return nil
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	m, err := mirror.NewMigrator(db)
	if err != nil {
		db.Close()
		return err
	}
	defer m.Close()

	switch command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("an error occurred while migrating up: %w", err)
		}
		log.Info("Migrations applied successfully.")
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("an error occurred while migrating down: %w", err)
		}
		log.Info("Migrations rolled back successfully.")
	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Fprintln(out, "no migrations applied")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read version: %w", err)
		}
		fmt.Fprintf(out, "version %d dirty=%t\n", v, dirty)
	default:
		return fmt.Errorf("unknown command: %s. %s", command, usage)
	}
	return nil
}
