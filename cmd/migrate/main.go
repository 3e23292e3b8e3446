// Command migrate applies or rolls back the notice store schema.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"notice_crawler/migrations"
)

const usage = `Usage: migrate [-db path] <command>

Commands:
  up          Apply all pending migrations
  up-one      Apply the next migration
  down        Roll back the latest migration
  status      List migrations and their state
  version     Print the current schema version
  reset       Roll back every migration
`

// Migrator is the part of goose.Provider the commands drive.
type Migrator interface {
	Up(ctx context.Context) ([]*goose.MigrationResult, error)
	UpByOne(ctx context.Context) (*goose.MigrationResult, error)
	Down(ctx context.Context) (*goose.MigrationResult, error)
	DownTo(ctx context.Context, version int64) ([]*goose.MigrationResult, error)
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
	GetDBVersion(ctx context.Context) (int64, error)
}

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/notices.db"), "path to sqlite database")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if dir := filepath.Dir(*dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}
	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Error("open database", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	provider, err := migrations.NewProvider(db)
	if err != nil {
		log.Error("create migrator", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := flag.Arg(0)
	if err := run(ctx, os.Stdout, provider, cmd); err != nil {
		log.Error("migrate", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer, m Migrator, cmd string) error {
	switch cmd {
	case "up":
		results, err := m.Up(ctx)
		printResults(w, results)
		if err == nil && len(results) == 0 {
			fmt.Fprintln(w, "no pending migrations")
		}
		return err
	case "up-one":
		result, err := m.UpByOne(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			fmt.Fprintln(w, "no pending migrations")
			return nil
		}
		printResults(w, []*goose.MigrationResult{result})
		return err
	case "down":
		result, err := m.Down(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			fmt.Fprintln(w, "nothing to roll back")
			return nil
		}
		printResults(w, []*goose.MigrationResult{result})
		return err
	case "reset":
		results, err := m.DownTo(ctx, 0)
		printResults(w, results)
		return err
	case "status":
		statuses, err := m.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "-"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%-8s %-20s %s\n", s.State, applied, filepath.Base(s.Source.Path))
		}
		return nil
	case "version":
		v, err := m.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "version %d\n", v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printResults(w io.Writer, results []*goose.MigrationResult) {
	for _, r := range results {
		if r != nil {
			fmt.Fprintln(w, r)
		}
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
