package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/openpsd/xs2a-consent/internal/common/config"
	"github.com/openpsd/xs2a-consent/internal/common/db"
	"github.com/openpsd/xs2a-consent/internal/consent"
	_ "github.com/lib/pq"
)

func main() {
	log.Println("🚀 Starting Audit Retry Worker...")

	cfg := config.Load()
	log.Printf("📋 Configuration loaded: Environment=%s", cfg.Environment)

	storageDB, err := db.EnsureDatabaseWithConnection(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to consent database: %v", err)
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
			log.Fatalf("❌ Failed to run migrations: %v", err)
		}
	}

	pgmqDB, err := db.EnsureDatabaseWithConnection(cfg.PGMQDatabaseURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to PGMQ database: %v", err)
	}
	defer pgmqDB.Close()

	initializer := db.NewPGMQInitializer(pgmqDB)
	if err := initializer.Initialize(consent.RetryQueueName); err != nil {
		log.Fatalf("❌ Failed to initialize PGMQ: %v", err)
	}
	if depth, err := initializer.QueueDepth(consent.RetryQueueName); err == nil {
		log.Printf("📊 [Init] %d message(s) waiting in %s", depth, consent.RetryQueueName)
	}

	worker := consent.NewRetryWorker(storageDB, pgmqDB)
	worker.StartWorkers(cfg.AuditWorkerCount)
	log.Printf("🔄 %d worker(s) draining queue %s", cfg.AuditWorkerCount, consent.RetryQueueName)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("🛑 Shutdown signal received, gracefully stopping...")
	worker.Stop()
	log.Println("✅ Audit Retry Worker stopped")
}
