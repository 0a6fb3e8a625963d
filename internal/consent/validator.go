package consent

// AccessScopeValidator decides whether a resolved consent scope covers a
// requested account for a given purpose. It is stateless; all decisions are
// pure set matching over the snapshot taken at consent creation.
type AccessScopeValidator struct{}

// IsAllowed reports whether the scope covers the account for the purpose.
// An allPsd2 wildcard covers every purpose; an availableAccounts wildcard
// only covers the basic account-details purpose. Otherwise the reference
// must canonically match an entry in the purpose's list.
func (AccessScopeValidator) IsAllowed(ref AccountReference, purpose TypeAccess, scope AccessScope) bool {
	if scope.AllPSD2 == AllAccounts {
		return true
	}
	if purpose == AccessAccount && scope.AvailableAccounts == AllAccounts {
		return true
	}
	for _, entry := range scope.References(purpose) {
		if entry.Matches(ref) {
			return true
		}
	}
	return false
}

// TransactionAllowed reports whether a transaction record may be shown: a
// TPP with transaction access to either the creditor or the debtor side of
// a transfer sees the whole record.
func (v AccessScopeValidator) TransactionAllowed(creditor, debtor AccountReference, scope AccessScope) bool {
	return v.IsAllowed(creditor, AccessTransaction, scope) ||
		v.IsAllowed(debtor, AccessTransaction, scope)
}
