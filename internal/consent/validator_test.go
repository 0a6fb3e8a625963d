package consent

import "testing"

func TestIsAllowedExplicitScope(t *testing.T) {
	accountA := AccountReference{IBAN: "DE89370400440532013000", Currency: "EUR"}
	accountB := AccountReference{IBAN: "DE02120300000000202051", Currency: "EUR"}
	scope := AccessScope{
		Balances: []AccountReference{accountA},
	}

	var v AccessScopeValidator

	if !v.IsAllowed(accountA, AccessBalance, scope) {
		t.Error("balances access to listed account denied, want allowed")
	}
	if v.IsAllowed(accountB, AccessBalance, scope) {
		t.Error("balances access to unlisted account allowed, want denied")
	}
	// An empty transactions list covers nothing
	if v.IsAllowed(accountA, AccessTransaction, scope) {
		t.Error("transactions access allowed with empty transactions list, want denied")
	}
}

func TestIsAllowedWildcards(t *testing.T) {
	account := AccountReference{IBAN: "DE89370400440532013000", Currency: "EUR"}

	tests := []struct {
		name    string
		scope   AccessScope
		purpose TypeAccess
		want    bool
	}{
		{"allPsd2 covers accounts", AccessScope{AllPSD2: AllAccounts}, AccessAccount, true},
		{"allPsd2 covers balances", AccessScope{AllPSD2: AllAccounts}, AccessBalance, true},
		{"allPsd2 covers transactions", AccessScope{AllPSD2: AllAccounts}, AccessTransaction, true},
		{"availableAccounts covers accounts", AccessScope{AvailableAccounts: AllAccounts}, AccessAccount, true},
		{"availableAccounts does not cover balances", AccessScope{AvailableAccounts: AllAccounts}, AccessBalance, false},
		{"availableAccounts does not cover transactions", AccessScope{AvailableAccounts: AllAccounts}, AccessTransaction, false},
	}

	var v AccessScopeValidator
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.IsAllowed(account, tt.purpose, tt.scope); got != tt.want {
				t.Errorf("IsAllowed(%s) = %v, want %v", tt.purpose, got, tt.want)
			}
		})
	}
}

func TestIsAllowedCurrencyMismatch(t *testing.T) {
	scopeEUR := AccessScope{
		Accounts: []AccountReference{{IBAN: "DE89370400440532013000", Currency: "EUR"}},
	}
	requestedUSD := AccountReference{IBAN: "DE89370400440532013000", Currency: "USD"}

	var v AccessScopeValidator
	if v.IsAllowed(requestedUSD, AccessAccount, scopeEUR) {
		t.Error("access across currency granted, want denied")
	}
}

func TestTransactionAllowedEitherLeg(t *testing.T) {
	covered := AccountReference{IBAN: "DE89370400440532013000", Currency: "EUR"}
	other := AccountReference{IBAN: "GB29NWBK60161331926819", Currency: "GBP"}
	third := AccountReference{IBAN: "FR1420041010050500013M02606", Currency: "EUR"}
	scope := AccessScope{Transactions: []AccountReference{covered}}

	var v AccessScopeValidator

	if !v.TransactionAllowed(covered, other, scope) {
		t.Error("transaction with covered creditor denied, want allowed")
	}
	if !v.TransactionAllowed(other, covered, scope) {
		t.Error("transaction with covered debtor denied, want allowed")
	}
	if v.TransactionAllowed(other, third, scope) {
		t.Error("transaction touching no covered account allowed, want denied")
	}
}
