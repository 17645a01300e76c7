// migrate manages the Postgres schema behind the document store.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"nutriguard.org/internal/config"
	"nutriguard.org/internal/migrate"
	"nutriguard.org/internal/obs"
)

const usage = "usage: migrate [--dsn DSN] [--seeds DIR] [--timeout D] up|down|seed|status|pending"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	dsn := flags.String("dsn", cfg.PostgresDSN, "PostgreSQL DSN (default from NUTRIGUARD_PG_DSN)")
	seedsDir := flags.String("seeds", "", "directory with SQL seed files")
	timeout := flags.Duration("timeout", 30*time.Second, "overall deadline")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("%w\n%s", err, usage)
	}
	if *dsn == "" {
		return fmt.Errorf("missing DSN: pass --dsn or set NUTRIGUARD_PG_DSN")
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("%s", usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	var seeds fs.FS
	if *seedsDir != "" {
		seeds = os.DirFS(*seedsDir)
	}
	logger := obs.Logger().With("service", cfg.ServiceName, "command", "migrate")
	mgr := migrate.NewManager(db, migrate.Migrations(), seeds, migrate.WithLogger(logger))

	switch cmd := flags.Arg(0); cmd {
	case "up":
		n, err := mgr.Up(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "applied %d migration(s)\n", n)
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "rolled back %s\n", name)
	case "seed":
		if seeds == nil {
			return fmt.Errorf("seed requires --seeds")
		}
		n, err := mgr.Seed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "applied %d seed(s)\n", n)
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, a := range history {
			fmt.Fprintf(stdout, "%-9s %-40s %s\n", a.Kind, a.Name, a.AppliedAt.UTC().Format(time.RFC3339))
		}
	case "pending":
		steps, err := mgr.Pending(ctx)
		if err != nil {
			return err
		}
		for _, s := range steps {
			fmt.Fprintln(stdout, s.Name)
		}
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
	return nil
}
