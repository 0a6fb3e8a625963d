package consent

import (
	"context"

	"github.com/pkg/errors"
)

// AccountAccessResolver turns a TPP's requested access specification into a
// concrete scope bounded to the requesting PSU's real accounts. Resolution
// is a one-time snapshot: the stored scope does not grow when the PSU later
// opens new accounts.
type AccountAccessResolver struct {
	accounts AccountSource
}

// NewAccountAccessResolver creates a resolver backed by the given directory.
func NewAccountAccessResolver(accounts AccountSource) *AccountAccessResolver {
	return &AccountAccessResolver{accounts: accounts}
}

// Resolve maps the requested access onto the PSU's accounts.
//
// With a wildcard (availableAccounts or allPsd2 = ALL_ACCOUNTS) the full
// account set is granted for all three purposes and the wildcard flags are
// preserved as requested; a PSU with zero accounts makes this fail with
// ErrNoAccountsFound, since a wildcard over nothing points at a backend
// inconsistency. Without a wildcard each supplied reference is canonicalized
// against the directory and references that match no owned account are
// dropped silently; an empty result is a valid (partial or empty) grant.
func (r *AccountAccessResolver) Resolve(ctx context.Context, requested AccessScope, psuID string) (AccessScope, error) {
	owned, err := r.accounts.ListAccountsForPSU(ctx, psuID)
	if err != nil {
		return AccessScope{}, errors.Wrap(err, "listing psu accounts")
	}

	if requested.HasWildcard() {
		if len(owned) == 0 {
			return AccessScope{}, errors.Wrapf(ErrNoAccountsFound, "psu %s", psuID)
		}
		all := make([]AccountReference, len(owned))
		copy(all, owned)
		return AccessScope{
			Accounts:          all,
			Balances:          all,
			Transactions:      all,
			AvailableAccounts: wildcardOnly(requested.AvailableAccounts),
			AllPSD2:           wildcardOnly(requested.AllPSD2),
		}, nil
	}

	return AccessScope{
		Accounts:     canonicalize(requested.Accounts, owned),
		Balances:     canonicalize(requested.Balances, owned),
		Transactions: canonicalize(requested.Transactions, owned),
	}, nil
}

// wildcardOnly keeps ALL_ACCOUNTS and drops any other marker value.
func wildcardOnly(t AccessType) AccessType {
	if t == AllAccounts {
		return AllAccounts
	}
	return ""
}

// canonicalize replaces each requested reference with the directory's
// canonical reference for that account. A request without a currency matches
// every currency held under that account number; references matching no
// owned account are dropped.
func canonicalize(requested, owned []AccountReference) []AccountReference {
	var out []AccountReference
	seen := make(map[string]bool)
	for _, req := range requested {
		if req.IsEmpty() {
			continue
		}
		for _, own := range owned {
			if !referenceCovers(req, own) {
				continue
			}
			key := own.primaryIdentifier() + "/" + own.Currency
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, own)
		}
	}
	return out
}

// referenceCovers reports whether a requested reference selects an owned
// account: same primary identifier, and either the same currency or no
// currency constraint at all.
func referenceCovers(req, owned AccountReference) bool {
	if req.primaryIdentifier() != owned.primaryIdentifier() {
		return false
	}
	return req.Currency == "" || req.Currency == owned.Currency
}
