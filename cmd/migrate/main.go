// Command migrate runs schema operations for the backend. Production
// deployments skip AutoMigrate at startup, so schema changes ship through
// this command.
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"

	"lectern/internal/config"
	"lectern/internal/database"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func usage() error {
	return fmt.Errorf("usage: go run ./cmd/migrate <up|status>")
}

func run() error {
	flag.Parse()
	if flag.NArg() < 1 {
		return usage()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(flag.Arg(0))) {
	case "up":
		if err := database.Migrate(db); err != nil {
			return err
		}
		log.Println("schema applied")
	case "status":
		migrator := db.Migrator()
		pending := 0
		for _, m := range database.PersistentModels() {
			state := "ok"
			if !migrator.HasTable(m) {
				state = "missing"
				pending++
			}
			log.Printf("%-24T %s", m, state)
		}
		log.Printf("env=%s driver=%s missing_tables=%d", cfg.Env, cfg.DBDriver, pending)
	default:
		return usage()
	}
	return nil
}
