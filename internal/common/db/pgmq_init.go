package db

import (
	"database/sql"
	"log"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// PGMQInitializer installs the pgmq extension and creates the queues the
// audit retry path depends on.
type PGMQInitializer struct {
	db *sql.DB
}

func NewPGMQInitializer(db *sql.DB) *PGMQInitializer {
	return &PGMQInitializer{db: db}
}

// Initialize makes sure the extension is installed and every named queue
// exists.
func (p *PGMQInitializer) Initialize(queueNames ...string) error {
	var installed bool
	err := p.db.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'pgmq')").Scan(&installed)
	if err != nil {
		return errors.Wrap(err, "failed to check pgmq extension")
	}

	if !installed {
		log.Println("📦 [PGMQ] Installing pgmq extension...")
		if _, err := p.db.Exec("CREATE EXTENSION IF NOT EXISTS pgmq CASCADE"); err != nil {
			return errors.Wrap(err, "pgmq extension not available on PostgreSQL server")
		}
	}

	for _, queueName := range queueNames {
		if err := p.ensureQueue(queueName); err != nil {
			return err
		}
	}

	log.Println("✅ [PGMQ] Initialization complete")
	return nil
}

func (p *PGMQInitializer) ensureQueue(queueName string) error {
	var exists bool
	err := p.db.QueryRow("SELECT EXISTS(SELECT 1 FROM pgmq.meta WHERE queue_name = $1)", queueName).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "failed to check queue existence")
	}
	if exists {
		return nil
	}

	log.Printf("📬 [PGMQ] Creating queue: %s", queueName)
	if _, err := p.db.Exec("SELECT pgmq.create($1)", queueName); err != nil {
		return errors.Wrapf(err, "failed to create queue %s", queueName)
	}
	return nil
}

// QueueDepth returns how many messages currently sit in the queue.
func (p *PGMQInitializer) QueueDepth(queueName string) (int64, error) {
	var depth int64
	err := p.db.QueryRow("SELECT COUNT(*) FROM pgmq.q_" + queueName).Scan(&depth)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read depth of queue %s", queueName)
	}
	return depth, nil
}
