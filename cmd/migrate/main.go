package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/example/pipelinedash/internal/config"
	"github.com/example/pipelinedash/internal/dbmigrate"
)

type options struct {
	command string
	steps   int
	version uint
	dir     string
}

func main() {
	var o options
	flag.StringVar(&o.command, "command", "up", "Migration command: up, down, version, force")
	flag.IntVar(&o.steps, "steps", 0, "Number of migration steps (for up/down)")
	flag.UintVar(&o.version, "version", 0, "Target version (for force command)")
	flag.StringVar(&o.dir, "dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(o, os.Stdout); err != nil {
		logger.Error("migrate failed", "command", o.command, "error", err)
		os.Exit(1)
	}
}

func (o options) check() error {
	switch o.command {
	case "up", "down", "version":
	case "force":
		if o.version == 0 {
			return errors.New("version required for force command (use -version flag)")
		}
	default:
		return fmt.Errorf("unknown command %q (supported: up, down, version, force)", o.command)
	}
	return nil
}

// run returns instead of exiting so the runner is always closed.
func run(o options, out io.Writer) error {
	if err := o.check(); err != nil {
		return err
	}

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.DBAdapter != "postgres" {
		return fmt.Errorf("migrations only work with PostgreSQL, DB_ADAPTER is %q", cfg.DBAdapter)
	}

	migrationsDir := cfg.MigrationsDir
	if o.dir != "" {
		migrationsDir = o.dir
	}

	r, err := dbmigrate.Open(migrationsDir, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer r.Close()

	switch o.command {
	case "up":
		if o.steps > 0 {
			err = r.Steps(o.steps)
		} else {
			_, _, err = r.Up()
		}
		if err != nil {
			return fmt.Errorf("migration up failed: %w", err)
		}
		fmt.Fprintln(out, "✓ Migrations applied successfully")
	case "down":
		if o.steps > 0 {
			err = r.Steps(-o.steps)
		} else {
			err = r.Down()
		}
		if err != nil {
			return fmt.Errorf("migration down failed: %w", err)
		}
		fmt.Fprintln(out, "✓ Migrations rolled back successfully")
	case "version":
		v, dirty, err := r.Version()
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		if dirty {
			return fmt.Errorf("database is in a dirty state (version %d)", v)
		}
		fmt.Fprintf(out, "Current migration version: %d\n", v)
	case "force":
		if err := r.Force(int(o.version)); err != nil {
			return fmt.Errorf("force migration failed: %w", err)
		}
		fmt.Fprintf(out, "✓ Forced database to version %d\n", o.version)
	}
	return nil
}
