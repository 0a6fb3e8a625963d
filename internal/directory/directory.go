// Package directory is the read-only source of truth for PSU-owned accounts:
// account details, balances and transaction reports. The consent engine
// never writes through it.
package directory

import (
	"context"
	"time"

	"github.com/openpsd/xs2a-consent/internal/consent"
	"github.com/pkg/errors"
)

// ErrAccountNotFound means the requested account id or reference is unknown.
var ErrAccountNotFound = errors.New("account not found")

// Balance is one balance figure of an account
type Balance struct {
	BalanceType   string    `json:"balanceType"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	ReferenceDate time.Time `json:"referenceDate"`
}

// AccountDetails is the directory's view of one account
type AccountDetails struct {
	Reference   consent.AccountReference `json:"reference"`
	Name        string                   `json:"name"`
	AccountType string                   `json:"accountType"`
}

// Transaction is one booked or pending transaction. Booked transactions
// carry a booking date; pending ones do not.
type Transaction struct {
	TransactionID   string                   `json:"transactionId"`
	CreditorAccount consent.AccountReference `json:"creditorAccount"`
	DebtorAccount   consent.AccountReference `json:"debtorAccount"`
	Amount          string                   `json:"amount"`
	Currency        string                   `json:"currency"`
	BookingDate     *time.Time               `json:"bookingDate,omitempty"`
	ValueDate       *time.Time               `json:"valueDate,omitempty"`
	RemittanceInfo  string                   `json:"remittanceInformation,omitempty"`
}

// Pending reports whether the transaction has not been booked yet.
func (t Transaction) Pending() bool {
	return t.BookingDate == nil
}

// Directory exposes the account reads the consent middleware brokers.
type Directory interface {
	// ListAccountsForPSU returns canonical references for every account the
	// PSU owns.
	ListAccountsForPSU(ctx context.Context, psuID string) ([]consent.AccountReference, error)

	// GetAccountDetails looks an account up by its resource id, or returns
	// ErrAccountNotFound.
	GetAccountDetails(ctx context.Context, accountID string) (*AccountDetails, error)

	// GetAccountBalances returns the balances of the referenced account.
	GetAccountBalances(ctx context.Context, ref consent.AccountReference) ([]Balance, error)

	// GetTransactionsByPeriod returns transactions touching the referenced
	// account with booking dates inside [dateFrom, dateTo].
	GetTransactionsByPeriod(ctx context.Context, ref consent.AccountReference, dateFrom, dateTo time.Time) ([]Transaction, error)

	// GetTransactionByID returns one transaction of the referenced account,
	// or ErrAccountNotFound when the id does not match.
	GetTransactionByID(ctx context.Context, ref consent.AccountReference, transactionID string) (*Transaction, error)
}
