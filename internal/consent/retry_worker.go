package consent

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"
)

// RetryWorker drains the PGMQ retry queue into the consent_actions table.
// It exists so that a transient audit-database outage never loses audit rows
// and never fails the request that produced them.
type RetryWorker struct {
	db     *sql.DB
	pgmqDB *sql.DB
	stopCh chan struct{}
}

// NewRetryWorker creates a worker over the audit and queue databases.
func NewRetryWorker(db, pgmqDB *sql.DB) *RetryWorker {
	return &RetryWorker{
		db:     db,
		pgmqDB: pgmqDB,
		stopCh: make(chan struct{}),
	}
}

// StartWorkers starts numWorkers polling goroutines.
func (w *RetryWorker) StartWorkers(numWorkers int) {
	log.Printf("[ActionLog] Starting %d retry workers", numWorkers)
	for i := 1; i <= numWorkers; i++ {
		go w.worker(i)
	}
}

// Stop signals all workers to shut down.
func (w *RetryWorker) Stop() {
	close(w.stopCh)
}

// worker polls PGMQ for queued actions until stopped.
func (w *RetryWorker) worker(workerID int) {
	log.Printf("[Worker %d] Started", workerID)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			log.Printf("[Worker %d] Shutting down", workerID)
			return
		case <-ticker.C:
			w.processMessages(workerID)
		}
	}
}

// processMessages reads queued actions, inserts them, and deletes them from
// the queue. A failed insert leaves the message in place for the next poll.
func (w *RetryWorker) processMessages(workerID int) {
	ctx := context.Background()

	query := `SELECT msg_id, message FROM pgmq.read($1::text, 300, 10)`
	rows, err := w.pgmqDB.QueryContext(ctx, query, RetryQueueName)
	if err != nil {
		log.Printf("[Worker %d] Failed to read from PGMQ: %v", workerID, err)
		return
	}
	defer rows.Close()

	messagesProcessed := 0
	for rows.Next() {
		var msgID int64
		var messageJSON []byte

		if err := rows.Scan(&msgID, &messageJSON); err != nil {
			log.Printf("[Worker %d] Failed to scan message: %v", workerID, err)
			continue
		}

		var msg actionMessage
		if err := json.Unmarshal(messageJSON, &msg); err != nil {
			log.Printf("[Worker %d] Failed to unmarshal message %d: %v", workerID, msgID, err)
			w.deleteMessage(ctx, msgID)
			continue
		}

		action := Action{
			ID:           msg.ID,
			ConsentID:    msg.ConsentID,
			TPPID:        msg.TPPID,
			ActionStatus: ActionStatus(msg.ActionStatus),
			RequestDate:  msg.RequestDate,
		}
		if err := insertAction(ctx, w.db, action); err != nil {
			log.Printf("[Worker %d] Failed to insert action %s: %v", workerID, msg.ID, err)
			continue
		}

		if err := w.deleteMessage(ctx, msgID); err != nil {
			log.Printf("[Worker %d] Failed to delete message %d: %v", workerID, msgID, err)
		} else {
			messagesProcessed++
		}
	}

	if messagesProcessed > 0 {
		log.Printf("[Worker %d] Replayed %d audit actions", workerID, messagesProcessed)
	}
}

// deleteMessage removes a message from the retry queue.
func (w *RetryWorker) deleteMessage(ctx context.Context, msgID int64) error {
	query := `SELECT pgmq.delete($1::text, $2::bigint)`
	_, err := w.pgmqDB.ExecContext(ctx, query, RetryQueueName, msgID)
	return err
}
