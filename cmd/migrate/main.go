package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"metaprofile.org/internal/migrate"
	"metaprofile.org/internal/store/pg"
)

const usage = "usage: migrate [-dsn DSN] [-seeds DIR] up|down|redo|seed|status"

func main() {
	log.SetFlags(0)
	var (
		dsn       = flag.String("dsn", os.Getenv("METAPROFILE_PG_DSN"), "PostgreSQL DSN (default $METAPROFILE_PG_DSN)")
		seedsPath = flag.String("seeds", "", "directory of SQL seed files")
		timeout   = flag.Duration("timeout", 30*time.Second, "overall deadline")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide -dsn or METAPROFILE_PG_DSN")
	}
	if flag.NArg() != 1 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(db, pg.Migrations(), seeds)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "redo":
		if err = mgr.Down(ctx); err == nil {
			err = mgr.Up(ctx)
		}
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var applied []migrate.Applied
		if applied, err = mgr.Status(ctx); err == nil {
			for _, a := range applied {
				fmt.Printf("%s\t%s\n", a.AppliedAt.Format(time.RFC3339), a.Name)
			}
		}
	default:
		log.Fatalf("unknown command %q\n%s", cmd, usage)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
}
