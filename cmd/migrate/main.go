// Command migrate applies the embedded schema migrations to a postgres
// database without starting the server. Useful for pipelines that
// migrate before rolling out.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/pilothouse-ai/pilothouse/pkg/store"
)

var (
	upFlag      = flag.Bool("up", false, "apply all pending migrations")
	downFlag    = flag.Bool("down", false, "roll back the most recent migration")
	versionFlag = flag.Bool("version", false, "print the current schema version")
	dsn         = flag.String("dsn", os.Getenv("PILOTHOUSE_STORE_DSN"), "postgres connection string")
	timeout     = flag.Duration("timeout", time.Minute, "connection timeout")
)

func main() {
	flag.Parse()

	if !*upFlag && !*downFlag && !*versionFlag {
		fmt.Fprintln(os.Stderr, "one of -up, -down, or -version is required")
		flag.Usage()
		os.Exit(1)
	}
	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "-dsn (or PILOTHOUSE_STORE_DSN) is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open postgres: %v\n", err)
		os.Exit(2)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ping postgres: %v\n", err)
		os.Exit(2)
	}

	switch {
	case *upFlag:
		if err := store.MigrateUp(db); err != nil {
			fmt.Fprintf(os.Stderr, "migrate up: %v\n", err)
			os.Exit(2)
		}
		fmt.Println("migrations applied")
	case *downFlag:
		if err := store.MigrateDown(db); err != nil {
			fmt.Fprintf(os.Stderr, "migrate down: %v\n", err)
			os.Exit(2)
		}
		fmt.Println("rolled back one migration")
	case *versionFlag:
		version, dirty, err := store.MigrateVersion(db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read version: %v\n", err)
			os.Exit(2)
		}
		fmt.Printf("version %d dirty=%v\n", version, dirty)
	}
}
