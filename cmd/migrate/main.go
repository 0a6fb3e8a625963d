package main

import (
	"flag"
	"log"
	"os"

	"github.com/openpsd/xs2a-consent/internal/common/config"
	"github.com/openpsd/xs2a-consent/internal/common/db"
	"github.com/openpsd/xs2a-consent/internal/consent"
	_ "github.com/lib/pq"
)

func main() {
	migrationsDir := flag.String("dir", "migrations", "directory holding the .sql migration files")
	initQueues := flag.Bool("queues", true, "also install pgmq and create the audit retry queue")
	flag.Parse()

	cfg := config.Load()

	if _, err := os.Stat(*migrationsDir); os.IsNotExist(err) {
		log.Fatalf("❌ Migrations directory not found: %s", *migrationsDir)
	}

	storageDB, err := db.EnsureDatabaseWithConnection(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer storageDB.Close()

	migrator := db.NewMigrator(storageDB, *migrationsDir)
	if err := migrator.MigrateUp(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	if *initQueues {
		pgmqDB, err := db.EnsureDatabaseWithConnection(cfg.PGMQDatabaseURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to PGMQ database: %v", err)
		}
		defer pgmqDB.Close()

		initializer := db.NewPGMQInitializer(pgmqDB)
		if err := initializer.Initialize(consent.RetryQueueName); err != nil {
			log.Fatalf("❌ Failed to initialize PGMQ: %v", err)
		}
	}

	log.Println("✅ Database is up to date")
}
