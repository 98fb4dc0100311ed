package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"carelink.org/internal/config"
	"carelink.org/internal/store"
)

func main() {
	log.SetFlags(0)
	var (
		configPath = flag.String("config", os.Getenv("CARELINK_CONFIG"), "Path to authzd YAML config")
		driver     = flag.String("driver", "", "Database driver (postgres|sqlite); overrides config")
		dsn        = flag.String("dsn", "", "Database DSN; overrides config")
	)
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [-config FILE] [-driver NAME -dsn DSN] [up|down|status|pending]")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, store.Options{})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer st.Close()

	mgr := st.Migrator()

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status", "pending":
		var names []string
		if flag.Arg(0) == "status" {
			names, err = mgr.Status(ctx)
		} else {
			names, err = mgr.Pending(ctx)
		}
		if err == nil {
			for _, item := range names {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
