package consent

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

// stubAccountSource is a fixed-answer AccountSource for resolver tests.
type stubAccountSource struct {
	owned []AccountReference
	err   error
}

func (s stubAccountSource) ListAccountsForPSU(ctx context.Context, psuID string) ([]AccountReference, error) {
	return s.owned, s.err
}

func iban(value, currency string) AccountReference {
	return AccountReference{ResourceID: "res-" + value, IBAN: value, Currency: currency}
}

func TestResolveWildcardGrantsAllOwnedAccounts(t *testing.T) {
	owned := []AccountReference{
		iban("DE89370400440532013000", "EUR"),
		iban("DE02120300000000202051", "EUR"),
		iban("FR1420041010050500013M02606", "EUR"),
	}
	r := NewAccountAccessResolver(stubAccountSource{owned: owned})

	scope, err := r.Resolve(context.Background(), AccessScope{AllPSD2: AllAccounts}, "psu-1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if len(scope.Accounts) != 3 || len(scope.Balances) != 3 || len(scope.Transactions) != 3 {
		t.Errorf("wildcard scope sizes = %d/%d/%d, want 3/3/3",
			len(scope.Accounts), len(scope.Balances), len(scope.Transactions))
	}
	if scope.AllPSD2 != AllAccounts {
		t.Errorf("AllPSD2 flag = %q, want %q", scope.AllPSD2, AllAccounts)
	}
	if scope.AvailableAccounts != "" {
		t.Errorf("AvailableAccounts flag = %q, want empty", scope.AvailableAccounts)
	}
}

func TestResolveWildcardWithNoAccountsFails(t *testing.T) {
	r := NewAccountAccessResolver(stubAccountSource{})

	_, err := r.Resolve(context.Background(), AccessScope{AvailableAccounts: AllAccounts}, "psu-empty")
	if !errors.Is(err, ErrNoAccountsFound) {
		t.Errorf("Resolve() error = %v, want ErrNoAccountsFound", err)
	}
}

func TestResolveExplicitReferences(t *testing.T) {
	ownedEUR := iban("DE89370400440532013000", "EUR")
	ownedUSD := iban("DE89370400440532013000", "USD")
	ownedOther := iban("DE02120300000000202051", "EUR")
	source := stubAccountSource{owned: []AccountReference{ownedEUR, ownedUSD, ownedOther}}
	r := NewAccountAccessResolver(source)

	tests := []struct {
		name      string
		requested []AccountReference
		want      int
	}{
		{
			name:      "exact match",
			requested: []AccountReference{{IBAN: "DE89370400440532013000", Currency: "EUR"}},
			want:      1,
		},
		{
			name:      "currencyless request expands to all currencies",
			requested: []AccountReference{{IBAN: "DE89370400440532013000"}},
			want:      2,
		},
		{
			name:      "unknown reference dropped silently",
			requested: []AccountReference{{IBAN: "GB29NWBK60161331926819", Currency: "GBP"}},
			want:      0,
		},
		{
			name: "duplicates collapse",
			requested: []AccountReference{
				{IBAN: "DE02120300000000202051", Currency: "EUR"},
				{IBAN: "DE02120300000000202051"},
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, err := r.Resolve(context.Background(), AccessScope{Accounts: tt.requested}, "psu-1")
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if len(scope.Accounts) != tt.want {
				t.Errorf("resolved %d accounts, want %d", len(scope.Accounts), tt.want)
			}
		})
	}
}

func TestResolveCanonicalizesToOwnedReference(t *testing.T) {
	owned := iban("DE89370400440532013000", "EUR")
	r := NewAccountAccessResolver(stubAccountSource{owned: []AccountReference{owned}})

	scope, err := r.Resolve(context.Background(), AccessScope{
		Balances: []AccountReference{{IBAN: "DE89370400440532013000"}},
	}, "psu-1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(scope.Balances) != 1 {
		t.Fatalf("resolved %d balances, want 1", len(scope.Balances))
	}
	if scope.Balances[0].ResourceID != owned.ResourceID {
		t.Errorf("resolved reference not canonicalized: got %q, want %q",
			scope.Balances[0].ResourceID, owned.ResourceID)
	}
}

func TestResolveEmptyExplicitRequestIsValid(t *testing.T) {
	r := NewAccountAccessResolver(stubAccountSource{owned: []AccountReference{iban("DE89", "EUR")}})

	scope, err := r.Resolve(context.Background(), AccessScope{}, "psu-1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !scope.IsEmpty() {
		t.Errorf("empty request resolved to non-empty scope: %+v", scope)
	}
}
