package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"TelemedTriage/internal/lib/logger/handlers/slogpretty"
	"TelemedTriage/internal/storage/postgresql"
	"TelemedTriage/internal/storage/seed"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"golang.org/x/exp/slog"
)

func main() {
	var (
		databaseURL     string
		migrationsPath  string
		migrationsTable string
		seedPath        string
		down            bool
	)

	flag.StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	flag.StringVar(&migrationsPath, "migrations-path", "./migrations", "path to migrations")
	flag.StringVar(&migrationsTable, "migrations-table", "migrations", "name of migrations table")
	flag.StringVar(&seedPath, "seed", "", "YAML file with users and agents to upsert after migrating")
	flag.BoolVar(&down, "down", false, "roll back all migrations instead of applying them")
	flag.Parse()

	if databaseURL == "" {
		panic("database-url is required")
	}
	if migrationsPath == "" {
		panic("migrations-path is required")
	}

	log := slog.New(slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{Level: slog.LevelInfo},
	}.NewPrettyHandler(os.Stdout))

	// validate the seed before touching the schema
	var fixture *seed.File
	if seedPath != "" {
		f, err := seed.Load(seedPath)
		if err != nil {
			panic(err)
		}
		fixture = &f
	}

	m, err := migrate.New("file://"+migrationsPath, withMigrationsTable(databaseURL, migrationsTable))
	if err != nil {
		panic(err)
	}

	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		fmt.Println("no migrations to apply")
	case err != nil:
		panic(err)
	default:
		fmt.Println("migrations applied successfully")
	}

	if fixture == nil || down {
		return
	}

	store, err := postgresql.New(databaseURL, log)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := store.Seed(ctx, *fixture); err != nil {
		panic(err)
	}

	fmt.Printf("seeded %d users and %d agents\n", len(fixture.Users), len(fixture.Agents))
}

func withMigrationsTable(databaseURL, table string) string {
	if table == "" {
		return databaseURL
	}
	separator := "?"
	if strings.Contains(databaseURL, "?") {
		separator = "&"
	}
	return databaseURL + separator + "x-migrations-table=" + table
}
