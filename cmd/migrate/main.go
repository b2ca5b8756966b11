package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"datacat.org/internal/config"
	"datacat.org/internal/migrate"
	"datacat.org/internal/obs"
)

func main() {
	var (
		configPath     = flag.String("config", "", "Path to a YAML or TOML config file")
		dsn            = flag.String("dsn", "", "PostgreSQL DSN (defaults to pg.dsn)")
		migrationsPath = flag.String("migrations", "", "Directory of SQL migrations (defaults to the embedded schema)")
		seedsPath      = flag.String("seeds", "", "Directory of SQL seeds")
	)
	flag.Parse()

	cfg, err := config.Load(config.WithConfigFile(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := obs.NewLogger(obs.LogConfig{Level: cfg.String("log.level"), Format: "console"})

	if *dsn == "" {
		*dsn = cfg.String("pg.dsn")
	}
	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide -dsn or DATACAT_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal().Msg("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	var migrations fs.FS = migrate.Embedded()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	opts := []migrate.Option{migrate.WithLogger(log)}
	if *seedsPath != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(*seedsPath)))
	}
	mgr := migrate.NewManager(db, migrations, opts...)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil && len(applied) == 0 {
			log.Info().Msg("schema up to date")
		}
	case "down":
		_, err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history, pending []string
		history, err = mgr.Status(ctx)
		if err == nil {
			pending, err = mgr.Pending(ctx)
		}
		if err == nil {
			for _, item := range history {
				fmt.Println("applied ", item)
			}
			for _, item := range pending {
				fmt.Println("pending ", item)
			}
		}
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
}
