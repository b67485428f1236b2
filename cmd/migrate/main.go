// Schema migration CLI.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/tradefabric/tradefabric/internal/store"
)

func main() {
	command := flag.String("command", "migrate", "command to run: migrate or status")
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "database connection URL")
	migrationsDir := flag.String("migrations", "migrations", "path to migrations directory")
	flag.Parse()

	if *dbURL == "" {
		*dbURL = "postgres://postgres@localhost:5432/tradefabric?sslmode=disable"
	}

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: open database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: ping database: %v\n", err)
		os.Exit(1)
	}

	migrator := store.NewMigrator(db, *migrationsDir)

	switch *command {
	case "migrate":
		if err := migrator.Migrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := migrator.Status(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "migrate: unknown command %q\nusage: migrate -command=[migrate|status]\n", *command)
		os.Exit(1)
	}
}
