package main

import (
	"database/sql"
	"log"
	"os"

	"github.com/openpsd/xs2a-consent/internal/api"
	"github.com/openpsd/xs2a-consent/internal/common/config"
	"github.com/openpsd/xs2a-consent/internal/common/db"
	"github.com/openpsd/xs2a-consent/internal/consent"
	"github.com/openpsd/xs2a-consent/internal/directory"
	_ "github.com/lib/pq"
)

func main() {
	log.Println("🚀 Starting Consent API Service...")

	cfg := config.Load()
	log.Printf("📋 Configuration loaded: Environment=%s", cfg.Environment)

	if err := initializeDatabase(cfg); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	consentDB, err := consent.OpenConsentDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to consent database: %v", err)
	}
	defer consentDB.Close()

	pgmqDB, err := sql.Open("postgres", cfg.PGMQDatabaseURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to PGMQ database: %v", err)
	}
	defer pgmqDB.Close()
	if err := pgmqDB.Ping(); err != nil {
		log.Fatalf("❌ Failed to ping PGMQ database: %v", err)
	}

	// Account directory, optionally fronted by Redis
	var dir directory.Directory = directory.NewPostgresDirectory(consentDB)
	if cfg.CacheEnabled {
		if cache := directory.ConnectCache(cfg.CacheHost, cfg.CachePort); cache != nil {
			dir = directory.NewCachedDirectory(dir, cache)
			log.Println("✅ Account directory cache enabled")
		}
	}

	repo := consent.NewPostgresRepository(consentDB)
	actions := consent.NewPostgresActionLog(consentDB, pgmqDB)
	resolver := consent.NewAccountAccessResolver(dir)
	lifecycle := consent.NewLifecycle(repo, resolver, actions, consent.Profile{
		FrequencyPerDay: cfg.ProfileFrequencyPerDay,
		Clamp:           consent.ClampMode(cfg.ProfileFrequencyClamp),
	})

	handler := api.NewHandler(cfg, lifecycle, dir, actions)
	server := api.NewServer(cfg, handler)

	log.Printf("🎧 Consent API listening on port %s", cfg.APIPort)
	log.Println("📡 Ready to accept HTTP requests")
	log.Fatal(server.Start())
}

// initializeDatabase ensures the consent database exists, runs migrations
// and creates the audit retry queue.
func initializeDatabase(cfg *config.Config) error {
	storageDB, err := db.EnsureDatabaseWithConnection(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer storageDB.Close()

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	if _, err := os.Stat(migrationsDir); os.IsNotExist(err) {
		log.Printf("⚠️  [Init] Migrations directory not found: %s", migrationsDir)
		log.Println("⚠️  [Init] Skipping migrations - assuming schema already exists")
	} else {
		migrator := db.NewMigrator(storageDB, migrationsDir)
		if err := migrator.MigrateUp(); err != nil {
			return err
		}
	}

	pgmqDB, err := db.EnsureDatabaseWithConnection(cfg.PGMQDatabaseURL)
	if err != nil {
		return err
	}
	defer pgmqDB.Close()

	initializer := db.NewPGMQInitializer(pgmqDB)
	return initializer.Initialize(consent.RetryQueueName)
}
