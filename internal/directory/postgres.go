package directory

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/openpsd/xs2a-consent/internal/consent"
	"github.com/pkg/errors"
)

// PostgresDirectory reads accounts, balances and transactions from the
// consent database's directory tables.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory wraps an open connection pool.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const accountColumns = `resource_id, iban, bban, pan, masked_pan, msisdn, currency`

// ListAccountsForPSU implements Directory.
func (d *PostgresDirectory) ListAccountsForPSU(ctx context.Context, psuID string) ([]consent.AccountReference, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE psu_id = $1 ORDER BY resource_id`

	rows, err := d.db.QueryContext(ctx, query, psuID)
	if err != nil {
		return nil, errors.Wrap(err, "querying psu accounts")
	}
	defer rows.Close()

	var refs []consent.AccountReference
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating account rows")
	}
	return refs, nil
}

// GetAccountDetails implements Directory.
func (d *PostgresDirectory) GetAccountDetails(ctx context.Context, accountID string) (*AccountDetails, error) {
	query := `SELECT ` + accountColumns + `, name, account_type FROM accounts WHERE resource_id = $1`

	var details AccountDetails
	var iban, bban, pan, maskedPAN, msisdn sql.NullString
	err := d.db.QueryRowContext(ctx, query, accountID).Scan(
		&details.Reference.ResourceID, &iban, &bban, &pan, &maskedPAN, &msisdn,
		&details.Reference.Currency, &details.Name, &details.AccountType,
	)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying account details")
	}
	details.Reference.IBAN = iban.String
	details.Reference.BBAN = bban.String
	details.Reference.PAN = pan.String
	details.Reference.MaskedPAN = maskedPAN.String
	details.Reference.MSISDN = msisdn.String
	return &details, nil
}

// GetAccountBalances implements Directory.
func (d *PostgresDirectory) GetAccountBalances(ctx context.Context, ref consent.AccountReference) ([]Balance, error) {
	query := `
		SELECT b.balance_type, b.amount, b.currency, b.reference_date
		FROM balances b
		JOIN accounts a ON a.resource_id = b.account_id
		WHERE a.resource_id = $1
		ORDER BY b.reference_date DESC
	`

	rows, err := d.db.QueryContext(ctx, query, ref.ResourceID)
	if err != nil {
		return nil, errors.Wrap(err, "querying balances")
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.BalanceType, &b.Amount, &b.Currency, &b.ReferenceDate); err != nil {
			return nil, errors.Wrap(err, "scanning balance row")
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating balance rows")
	}
	return balances, nil
}

const transactionColumns = `
	t.transaction_id, t.amount, t.currency, t.booking_date, t.value_date, t.remittance_info,
	t.creditor_resource_id, t.creditor_iban, t.creditor_currency,
	t.debtor_resource_id, t.debtor_iban, t.debtor_currency
`

// GetTransactionsByPeriod implements Directory. A transaction touches the
// account when the account is either its creditor or its debtor leg.
func (d *PostgresDirectory) GetTransactionsByPeriod(ctx context.Context, ref consent.AccountReference, dateFrom, dateTo time.Time) ([]Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions t
		WHERE (t.creditor_resource_id = $1 OR t.debtor_resource_id = $1)
		  AND (t.booking_date IS NULL OR (t.booking_date >= $2 AND t.booking_date <= $3))
		ORDER BY t.booking_date DESC NULLS FIRST
	`

	rows, err := d.db.QueryContext(ctx, query, ref.ResourceID, dateFrom, dateTo)
	if err != nil {
		return nil, errors.Wrap(err, "querying transactions")
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating transaction rows")
	}
	return txs, nil
}

// GetTransactionByID implements Directory.
func (d *PostgresDirectory) GetTransactionByID(ctx context.Context, ref consent.AccountReference, transactionID string) (*Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions t
		WHERE t.transaction_id = $1
		  AND (t.creditor_resource_id = $2 OR t.debtor_resource_id = $2)
	`

	rows, err := d.db.QueryContext(ctx, query, transactionID, ref.ResourceID)
	if err != nil {
		return nil, errors.Wrap(err, "querying transaction")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "iterating transaction rows")
		}
		return nil, errors.Wrap(ErrAccountNotFound, transactionID)
	}
	tx, err := scanTransaction(rows)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReference(row rowScanner) (consent.AccountReference, error) {
	var ref consent.AccountReference
	var iban, bban, pan, maskedPAN, msisdn sql.NullString
	if err := row.Scan(&ref.ResourceID, &iban, &bban, &pan, &maskedPAN, &msisdn, &ref.Currency); err != nil {
		return ref, errors.Wrap(err, "scanning account reference")
	}
	ref.IBAN = iban.String
	ref.BBAN = bban.String
	ref.PAN = pan.String
	ref.MaskedPAN = maskedPAN.String
	ref.MSISDN = msisdn.String
	return ref, nil
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var tx Transaction
	var bookingDate, valueDate sql.NullTime
	var remittance sql.NullString
	var creditorID, creditorIBAN, creditorCurrency sql.NullString
	var debtorID, debtorIBAN, debtorCurrency sql.NullString

	err := row.Scan(
		&tx.TransactionID, &tx.Amount, &tx.Currency, &bookingDate, &valueDate, &remittance,
		&creditorID, &creditorIBAN, &creditorCurrency,
		&debtorID, &debtorIBAN, &debtorCurrency,
	)
	if err != nil {
		return tx, errors.Wrap(err, "scanning transaction row")
	}

	if bookingDate.Valid {
		t := bookingDate.Time
		tx.BookingDate = &t
	}
	if valueDate.Valid {
		t := valueDate.Time
		tx.ValueDate = &t
	}
	tx.RemittanceInfo = remittance.String
	tx.CreditorAccount = consent.AccountReference{
		ResourceID: creditorID.String,
		IBAN:       creditorIBAN.String,
		Currency:   creditorCurrency.String,
	}
	tx.DebtorAccount = consent.AccountReference{
		ResourceID: debtorID.String,
		IBAN:       debtorIBAN.String,
		Currency:   debtorCurrency.String,
	}
	return tx, nil
}
