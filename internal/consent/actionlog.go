package consent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// RetryQueueName is the PGMQ queue holding audit actions whose synchronous
// insert failed. A worker (cmd/auditworker) drains it.
const RetryQueueName = "consent_action_retry"

// PostgresActionLog appends consent actions to the consent_actions table.
// Record never fails the caller: when the insert fails the action is handed
// to the PGMQ retry queue, and when even that fails it is logged and
// dropped rather than propagated.
type PostgresActionLog struct {
	db     *sql.DB
	pgmqDB *sql.DB
}

// NewPostgresActionLog creates the audit trail. pgmqDB may point at the same
// database as db; it may also be nil, in which case failed inserts are only
// logged.
func NewPostgresActionLog(db, pgmqDB *sql.DB) *PostgresActionLog {
	return &PostgresActionLog{db: db, pgmqDB: pgmqDB}
}

// Record implements ActionLog.
func (l *PostgresActionLog) Record(ctx context.Context, action Action) {
	if err := insertAction(ctx, l.db, action); err == nil {
		return
	} else if l.pgmqDB == nil {
		log.Printf("[ActionLog] Failed to insert action %s (no retry queue): %v", action.ID, err)
		return
	} else {
		log.Printf("[ActionLog] Failed to insert action %s, queueing for retry: %v", action.ID, err)
	}

	if err := l.enqueue(ctx, action); err != nil {
		log.Printf("[ActionLog] Failed to queue action %s for retry: %v", action.ID, err)
	}
}

// enqueue hands the action to the PGMQ retry queue.
func (l *PostgresActionLog) enqueue(ctx context.Context, action Action) error {
	payload, err := json.Marshal(actionMessage{
		ID:           action.ID,
		ConsentID:    action.ConsentID,
		TPPID:        action.TPPID,
		ActionStatus: string(action.ActionStatus),
		RequestDate:  action.RequestDate,
	})
	if err != nil {
		return errors.Wrap(err, "marshaling action message")
	}

	query := `SELECT pgmq.send($1::text, $2::jsonb)`
	if _, err := l.pgmqDB.ExecContext(ctx, query, RetryQueueName, payload); err != nil {
		return errors.Wrap(err, "sending to pgmq")
	}
	return nil
}

// List implements ActionLog with the audit query filters the API exposes.
func (l *PostgresActionLog) List(ctx context.Context, filter ActionFilter) ([]Action, int, error) {
	query := `
		SELECT action_id, consent_id, tpp_id, action_status, request_date
		FROM consent_actions
		WHERE 1=1
	`
	args := []interface{}{}
	argCount := 0

	if filter.ConsentID != "" {
		argCount++
		query += fmt.Sprintf(" AND consent_id = $%d", argCount)
		args = append(args, filter.ConsentID)
	}
	if filter.TPPID != "" {
		argCount++
		query += fmt.Sprintf(" AND tpp_id = $%d", argCount)
		args = append(args, filter.TPPID)
	}
	if !filter.From.IsZero() {
		argCount++
		query += fmt.Sprintf(" AND request_date >= $%d", argCount)
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		argCount++
		query += fmt.Sprintf(" AND request_date <= $%d", argCount)
		args = append(args, filter.To)
	}

	countQuery := "SELECT COUNT(*) FROM (" + query + ") AS subquery"
	var total int
	if err := l.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "counting actions")
	}

	query += " ORDER BY request_date DESC"
	if filter.Limit > 0 {
		argCount++
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		argCount++
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "querying actions")
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		var a Action
		var status string
		if err := rows.Scan(&a.ID, &a.ConsentID, &a.TPPID, &status, &a.RequestDate); err != nil {
			log.Printf("[ActionLog] Failed to scan action row: %v", err)
			continue
		}
		a.ActionStatus = ActionStatus(status)
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "iterating action rows")
	}

	return actions, total, nil
}

// actionMessage is the wire form of an Action on the retry queue
type actionMessage struct {
	ID           string    `json:"id"`
	ConsentID    string    `json:"consentId"`
	TPPID        string    `json:"tppId"`
	ActionStatus string    `json:"actionStatus"`
	RequestDate  time.Time `json:"requestDate"`
}

// insertAction writes one audit row. ON CONFLICT DO NOTHING keeps retries
// idempotent when an insert succeeded but looked failed to the sender.
func insertAction(ctx context.Context, db *sql.DB, action Action) error {
	query := `
		INSERT INTO consent_actions (action_id, consent_id, tpp_id, action_status, request_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (action_id) DO NOTHING
	`
	_, err := db.ExecContext(ctx, query,
		action.ID,
		action.ConsentID,
		action.TPPID,
		string(action.ActionStatus),
		action.RequestDate,
	)
	return err
}
