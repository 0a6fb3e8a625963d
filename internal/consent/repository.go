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

// aliveStatuses is the single place encoding which statuses still permit
// consuming actions and transitions.
const aliveStatuses = "('RECEIVED', 'VALID')"

// PostgresRepository is the durable Repository over the ais_consents table.
// The usage counter and lazy-expiration transitions are single guarded
// UPDATE statements, so concurrent requests against the same consent get
// serializable read-modify-write semantics from row-level locking without
// any in-process locks.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an open connection pool.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenConsentDB opens and pings the consent database with the pool settings
// used by all services.
func OpenConsentDB(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to consent database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping consent database: %w", err)
	}
	log.Println("[Consent] Connected to consent database")
	return db, nil
}

// Save implements Repository.
func (r *PostgresRepository) Save(ctx context.Context, c *Consent) error {
	accessJSON, err := json.Marshal(c.Access)
	if err != nil {
		return errors.Wrap(err, "marshaling access scope")
	}

	query := `
		INSERT INTO ais_consents (
			external_id, psu_id, tpp_id, consent_status, access,
			recurring_indicator, tpp_redirect_preferred, combined_service_indicator,
			tpp_frequency_per_day, expected_frequency_per_day, usage_counter, counter_reset_date,
			request_date, expire_date
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err = r.db.ExecContext(ctx, query,
		c.ExternalID,
		c.PSUID,
		c.TPPID,
		string(c.Status),
		accessJSON,
		c.RecurringIndicator,
		c.TPPRedirectPreferred,
		c.CombinedServiceIndicator,
		c.TPPFrequencyPerDay,
		c.ExpectedFrequencyPerDay,
		c.UsageCounter,
		c.CounterResetDate,
		c.RequestDate,
		c.ExpireDate,
	)
	if err != nil {
		return errors.Wrap(err, "inserting consent")
	}
	return nil
}

const consentColumns = `
	external_id, psu_id, tpp_id, consent_status, access,
	recurring_indicator, tpp_redirect_preferred, combined_service_indicator,
	tpp_frequency_per_day, expected_frequency_per_day, usage_counter, counter_reset_date,
	request_date, expire_date, last_action_date
`

// FindByExternalID implements Repository.
func (r *PostgresRepository) FindByExternalID(ctx context.Context, externalID string) (*Consent, error) {
	query := `SELECT ` + consentColumns + ` FROM ais_consents WHERE external_id = $1`
	return r.scanConsent(r.db.QueryRowContext(ctx, query, externalID), externalID)
}

// FindAliveByExternalID implements Repository.
func (r *PostgresRepository) FindAliveByExternalID(ctx context.Context, externalID string) (*Consent, error) {
	query := `SELECT ` + consentColumns + ` FROM ais_consents
		WHERE external_id = $1 AND consent_status IN ` + aliveStatuses
	return r.scanConsent(r.db.QueryRowContext(ctx, query, externalID), externalID)
}

func (r *PostgresRepository) scanConsent(row *sql.Row, externalID string) (*Consent, error) {
	var c Consent
	var status string
	var accessJSON []byte
	var lastActionDate sql.NullTime

	err := row.Scan(
		&c.ExternalID, &c.PSUID, &c.TPPID, &status, &accessJSON,
		&c.RecurringIndicator, &c.TPPRedirectPreferred, &c.CombinedServiceIndicator,
		&c.TPPFrequencyPerDay, &c.ExpectedFrequencyPerDay, &c.UsageCounter, &c.CounterResetDate,
		&c.RequestDate, &c.ExpireDate, &lastActionDate,
	)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrConsentNotFound, externalID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scanning consent row")
	}

	c.Status = Status(status)
	if err := json.Unmarshal(accessJSON, &c.Access); err != nil {
		return nil, errors.Wrap(err, "unmarshaling access scope")
	}
	if lastActionDate.Valid {
		c.LastActionDate = lastActionDate.Time
	}
	return &c, nil
}

// UpdateStatus implements Repository. The alive-status guard in the WHERE
// clause makes terminal states sinks at the storage layer.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, externalID string, status Status, at time.Time) (bool, error) {
	query := `
		UPDATE ais_consents
		SET consent_status = $2, last_action_date = $3
		WHERE external_id = $1 AND consent_status IN ` + aliveStatuses

	result, err := r.db.ExecContext(ctx, query, externalID, string(status), at)
	if err != nil {
		return false, errors.Wrap(err, "updating consent status")
	}
	return oneRowAffected(result)
}

// ExpireIfDue implements Repository. At most one of any number of concurrent
// calls observes rowsAffected == 1, which keeps the transition idempotent.
func (r *PostgresRepository) ExpireIfDue(ctx context.Context, externalID string, now time.Time) (bool, error) {
	query := `
		UPDATE ais_consents
		SET consent_status = 'EXPIRED', last_action_date = $2
		WHERE external_id = $1 AND consent_status IN ` + aliveStatuses + ` AND expire_date <= $2`

	result, err := r.db.ExecContext(ctx, query, externalID, now)
	if err != nil {
		return false, errors.Wrap(err, "expiring consent")
	}
	return oneRowAffected(result)
}

// ConsumeUsage implements Repository. Reset-on-day-boundary and decrement
// happen in one statement: the row lock taken by UPDATE prevents two
// near-exhausted readers from both succeeding past zero. Only recurring
// consents regain their allowance across a day boundary; a one-off consent
// stays exhausted once its single use is spent.
func (r *PostgresRepository) ConsumeUsage(ctx context.Context, externalID string, now time.Time) (bool, error) {
	query := `
		UPDATE ais_consents
		SET usage_counter = CASE
				WHEN recurring_indicator AND counter_reset_date < $2::date THEN expected_frequency_per_day - 1
				ELSE usage_counter - 1
			END,
			counter_reset_date = $2::date,
			last_action_date = $3
		WHERE external_id = $1
		  AND consent_status IN ` + aliveStatuses + `
		  AND (usage_counter > 0 OR (recurring_indicator AND counter_reset_date < $2::date))`

	result, err := r.db.ExecContext(ctx, query, externalID, now.Format("2006-01-02"), now)
	if err != nil {
		return false, errors.Wrap(err, "consuming usage")
	}
	return oneRowAffected(result)
}

func oneRowAffected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reading rows affected")
	}
	return n == 1, nil
}
