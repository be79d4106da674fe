// Command migrate runs goose against the configured ledger database.
//
//	migrate [-driver postgres|sqlite] up|down|status|version|redo|reset
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"bot-topup/internal/config"
	"bot-topup/internal/logging"
	"bot-topup/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	driver := flag.String("driver", cfg.DatabaseDriver, "database driver: postgres or sqlite")
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}
	args := flag.Args()
	if len(args) > 0 {
		args = args[1:]
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sqlDriver, dsn, dialect, dir string
	switch *driver {
	case config.DriverPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
		sqlDriver, dsn, dialect, dir = "pgx", cfg.DatabaseURL, "postgres", "postgres"
	case config.DriverSQLite:
		sqlDriver, dsn, dialect, dir = "sqlite", cfg.SQLitePath, "sqlite3", "sqlite"
	default:
		return fmt.Errorf("driver %q has no migrations", *driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if *driver == config.DriverPostgres && cfg.DatabaseSchema != "" {
		// Pin one connection so the search_path sticks for goose.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "SET search_path TO "+pgx.Identifier{cfg.DatabaseSchema}.Sanitize()); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
	}

	goose.SetBaseFS(migrations.Files)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	logger.Info("running migrations", "driver", *driver, "command", command)
	if err := goose.RunContext(ctx, command, db, dir, args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}
