package directory

import (
	"context"
	"sync"
	"time"

	"github.com/openpsd/xs2a-consent/internal/consent"
	"github.com/pkg/errors"
)

// MemoryDirectory is an in-memory Directory, safe for concurrent use.
// Used by tests and local development.
type MemoryDirectory struct {
	mu           sync.RWMutex
	accounts     map[string]AccountDetails // keyed by resource id
	owners       map[string][]string       // psu id -> resource ids
	balances     map[string][]Balance      // resource id -> balances
	transactions []Transaction
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		accounts: make(map[string]AccountDetails),
		owners:   make(map[string][]string),
		balances: make(map[string][]Balance),
	}
}

// AddAccount registers an account for a PSU.
func (d *MemoryDirectory) AddAccount(psuID string, details AccountDetails) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[details.Reference.ResourceID] = details
	d.owners[psuID] = append(d.owners[psuID], details.Reference.ResourceID)
}

// SetBalances sets the balances of an account.
func (d *MemoryDirectory) SetBalances(accountID string, balances []Balance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.balances[accountID] = balances
}

// AddTransaction registers a transaction.
func (d *MemoryDirectory) AddTransaction(tx Transaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transactions = append(d.transactions, tx)
}

// ListAccountsForPSU implements Directory.
func (d *MemoryDirectory) ListAccountsForPSU(ctx context.Context, psuID string) ([]consent.AccountReference, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var refs []consent.AccountReference
	for _, id := range d.owners[psuID] {
		refs = append(refs, d.accounts[id].Reference)
	}
	return refs, nil
}

// GetAccountDetails implements Directory.
func (d *MemoryDirectory) GetAccountDetails(ctx context.Context, accountID string) (*AccountDetails, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	details, ok := d.accounts[accountID]
	if !ok {
		return nil, errors.Wrap(ErrAccountNotFound, accountID)
	}
	cp := details
	return &cp, nil
}

// GetAccountBalances implements Directory.
func (d *MemoryDirectory) GetAccountBalances(ctx context.Context, ref consent.AccountReference) ([]Balance, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	balances := d.balances[ref.ResourceID]
	out := make([]Balance, len(balances))
	copy(out, balances)
	return out, nil
}

// GetTransactionsByPeriod implements Directory.
func (d *MemoryDirectory) GetTransactionsByPeriod(ctx context.Context, ref consent.AccountReference, dateFrom, dateTo time.Time) ([]Transaction, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Transaction
	for _, tx := range d.transactions {
		if !touchesAccount(tx, ref) {
			continue
		}
		if tx.BookingDate != nil && (tx.BookingDate.Before(dateFrom) || tx.BookingDate.After(dateTo)) {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

// GetTransactionByID implements Directory.
func (d *MemoryDirectory) GetTransactionByID(ctx context.Context, ref consent.AccountReference, transactionID string) (*Transaction, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, tx := range d.transactions {
		if tx.TransactionID == transactionID && touchesAccount(tx, ref) {
			cp := tx
			return &cp, nil
		}
	}
	return nil, errors.Wrap(ErrAccountNotFound, transactionID)
}

func touchesAccount(tx Transaction, ref consent.AccountReference) bool {
	return tx.CreditorAccount.Matches(ref) || tx.DebtorAccount.Matches(ref)
}
