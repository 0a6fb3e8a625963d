package consent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newTestLifecycle(t *testing.T, owned []AccountReference, profile Profile) (*Lifecycle, *MemoryRepository, *MemoryActionLog) {
	t.Helper()
	repo := NewMemoryRepository()
	actions := NewMemoryActionLog()
	resolver := NewAccountAccessResolver(stubAccountSource{owned: owned})
	return NewLifecycle(repo, resolver, actions, profile), repo, actions
}

func defaultProfile() Profile {
	return Profile{FrequencyPerDay: 4, Clamp: ClampFloor}
}

func TestExpectedFrequencyClamping(t *testing.T) {
	tests := []struct {
		name      string
		clamp     ClampMode
		requested int
		want      int
	}{
		{"floor raises low request", ClampFloor, 2, 4},
		{"floor keeps high request", ClampFloor, 10, 10},
		{"ceiling caps high request", ClampCeiling, 10, 4},
		{"ceiling keeps low request", ClampCeiling, 2, 2},
		{"zero request treated as one", ClampCeiling, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Profile{FrequencyPerDay: 4, Clamp: tt.clamp}
			if got := p.ExpectedFrequency(tt.requested); got != tt.want {
				t.Errorf("ExpectedFrequency(%d) = %d, want %d", tt.requested, got, tt.want)
			}
		})
	}
}

func TestCreateConsentPersistsReceivedConsent(t *testing.T) {
	owned := []AccountReference{iban("DE89370400440532013000", "EUR")}
	lc, repo, _ := newTestLifecycle(t, owned, defaultProfile())

	id, err := lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:              "psu-1",
		TPPID:              "tpp-1",
		Access:             AccessScope{Accounts: []AccountReference{{IBAN: "DE89370400440532013000"}}},
		RecurringIndicator: true,
		ValidUntil:         time.Now().Add(48 * time.Hour),
		FrequencyPerDay:    2,
	})
	if err != nil {
		t.Fatalf("CreateConsent() error = %v", err)
	}

	c, err := repo.FindByExternalID(context.Background(), id)
	if err != nil {
		t.Fatalf("FindByExternalID() error = %v", err)
	}
	if c.Status != StatusReceived {
		t.Errorf("status = %s, want %s", c.Status, StatusReceived)
	}
	if c.TPPFrequencyPerDay != 2 {
		t.Errorf("tpp frequency = %d, want 2", c.TPPFrequencyPerDay)
	}
	// Floor policy raises the requested 2 to the policy value 4
	if c.ExpectedFrequencyPerDay != 4 {
		t.Errorf("expected frequency = %d, want 4", c.ExpectedFrequencyPerDay)
	}
	if c.UsageCounter != 4 {
		t.Errorf("usage counter = %d, want 4", c.UsageCounter)
	}
	if len(c.Access.Accounts) != 1 {
		t.Errorf("resolved accounts = %d, want 1", len(c.Access.Accounts))
	}
}

func TestCreateConsentEmptyScopeRules(t *testing.T) {
	owned := []AccountReference{iban("DE89370400440532013000", "EUR")}
	lc, _, _ := newTestLifecycle(t, owned, defaultProfile())

	// Asking for nothing is a valid, empty consent
	id, err := lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:      "psu-1",
		TPPID:      "tpp-1",
		ValidUntil: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateConsent(empty request) error = %v", err)
	}
	if id == "" {
		t.Error("CreateConsent(empty request) returned empty id")
	}

	// Asking for accounts that resolve to nothing is an error
	_, err = lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:      "psu-1",
		TPPID:      "tpp-1",
		Access:     AccessScope{Accounts: []AccountReference{{IBAN: "GB29NWBK60161331926819"}}},
		ValidUntil: time.Now().Add(24 * time.Hour),
	})
	if !errors.Is(err, ErrEmptyAccessScope) {
		t.Errorf("CreateConsent(unresolvable request) error = %v, want ErrEmptyAccessScope", err)
	}
}

func TestCreateConsentOneOffGetsSingleUse(t *testing.T) {
	owned := []AccountReference{iban("DE89370400440532013000", "EUR")}
	lc, repo, _ := newTestLifecycle(t, owned, defaultProfile())

	id, err := lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:           "psu-1",
		TPPID:           "tpp-1",
		Access:          AccessScope{AllPSD2: AllAccounts},
		ValidUntil:      time.Now().Add(24 * time.Hour),
		FrequencyPerDay: 10,
	})
	if err != nil {
		t.Fatalf("CreateConsent() error = %v", err)
	}

	c, _ := repo.FindByExternalID(context.Background(), id)
	if c.ExpectedFrequencyPerDay != 1 || c.UsageCounter != 1 {
		t.Errorf("one-off frequency/counter = %d/%d, want 1/1",
			c.ExpectedFrequencyPerDay, c.UsageCounter)
	}

	if !lc.RecordUsage(context.Background(), id, "tpp-1", ActionSuccess) {
		t.Error("first RecordUsage() = false, want true")
	}
	if lc.RecordUsage(context.Background(), id, "tpp-1", ActionSuccess) {
		t.Error("second RecordUsage() = true, want false")
	}
}

func TestGetConsentLazilyExpires(t *testing.T) {
	owned := []AccountReference{iban("DE89370400440532013000", "EUR")}
	lc, repo, _ := newTestLifecycle(t, owned, defaultProfile())

	id, err := lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:      "psu-1",
		TPPID:      "tpp-1",
		Access:     AccessScope{AllPSD2: AllAccounts},
		ValidUntil: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateConsent() error = %v", err)
	}

	// Jump past the validity period
	lc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	status, err := lc.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if status != StatusExpired {
		t.Errorf("status after expiry = %s, want %s", status, StatusExpired)
	}

	// A second read sees the same terminal state
	status, err = lc.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStatus() second call error = %v", err)
	}
	if status != StatusExpired {
		t.Errorf("status on second read = %s, want %s", status, StatusExpired)
	}

	c, _ := repo.FindByExternalID(context.Background(), id)
	if c.Status != StatusExpired {
		t.Errorf("stored status = %s, want %s", c.Status, StatusExpired)
	}
}

func TestDeleteConsentIdempotent(t *testing.T) {
	owned := []AccountReference{iban("DE89370400440532013000", "EUR")}
	lc, repo, _ := newTestLifecycle(t, owned, defaultProfile())

	id, err := lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:      "psu-1",
		TPPID:      "tpp-1",
		Access:     AccessScope{AllPSD2: AllAccounts},
		ValidUntil: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateConsent() error = %v", err)
	}

	changed, err := lc.DeleteConsent(context.Background(), id)
	if err != nil || !changed {
		t.Fatalf("DeleteConsent() = (%v, %v), want (true, nil)", changed, err)
	}

	c, _ := repo.FindByExternalID(context.Background(), id)
	if c.Status != StatusTerminatedByTPP {
		t.Errorf("status after delete = %s, want %s", c.Status, StatusTerminatedByTPP)
	}

	// Second delete is a no-op, not an error
	changed, err = lc.DeleteConsent(context.Background(), id)
	if err != nil || changed {
		t.Errorf("DeleteConsent() second call = (%v, %v), want (false, nil)", changed, err)
	}

	// Unknown ids do not error either
	changed, err = lc.DeleteConsent(context.Background(), "no-such-consent")
	if err != nil || changed {
		t.Errorf("DeleteConsent(unknown) = (%v, %v), want (false, nil)", changed, err)
	}
}

func TestUpdateStatusValidation(t *testing.T) {
	owned := []AccountReference{iban("DE89370400440532013000", "EUR")}
	lc, _, _ := newTestLifecycle(t, owned, defaultProfile())

	id, err := lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:      "psu-1",
		TPPID:      "tpp-1",
		Access:     AccessScope{AllPSD2: AllAccounts},
		ValidUntil: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateConsent() error = %v", err)
	}

	if _, err := lc.UpdateStatus(context.Background(), id, Status("WITHDRAWN")); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("UpdateStatus(unknown) error = %v, want ErrInvalidStatus", err)
	}
	if _, err := lc.UpdateStatus(context.Background(), id, StatusReceived); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("UpdateStatus(RECEIVED) error = %v, want ErrInvalidStatus", err)
	}

	changed, err := lc.UpdateStatus(context.Background(), id, StatusValid)
	if err != nil || !changed {
		t.Errorf("UpdateStatus(VALID) = (%v, %v), want (true, nil)", changed, err)
	}
	status, _ := lc.GetStatus(context.Background(), id)
	if status != StatusValid {
		t.Errorf("status = %s, want %s", status, StatusValid)
	}
}

func TestRecordUsageDecrementsAndAudits(t *testing.T) {
	owned := []AccountReference{iban("DE89370400440532013000", "EUR")}
	lc, repo, actions := newTestLifecycle(t, owned, Profile{FrequencyPerDay: 2, Clamp: ClampFloor})

	id, err := lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:              "psu-1",
		TPPID:              "tpp-1",
		Access:             AccessScope{AllPSD2: AllAccounts},
		RecurringIndicator: true,
		ValidUntil:         time.Now().Add(24 * time.Hour),
		FrequencyPerDay:    2,
	})
	if err != nil {
		t.Fatalf("CreateConsent() error = %v", err)
	}

	if !lc.RecordUsage(context.Background(), id, "tpp-1", ActionSuccess) {
		t.Error("first RecordUsage() = false, want true")
	}
	if !lc.RecordUsage(context.Background(), id, "tpp-1", ActionFailureBalance) {
		t.Error("second RecordUsage() = false, want true")
	}
	// Counter exhausted
	if lc.RecordUsage(context.Background(), id, "tpp-1", ActionSuccess) {
		t.Error("third RecordUsage() = true, want false")
	}

	c, _ := repo.FindByExternalID(context.Background(), id)
	if c.UsageCounter != 0 {
		t.Errorf("usage counter = %d, want 0", c.UsageCounter)
	}

	// Every attempt is audited, consumed or not
	_, total, err := actions.List(context.Background(), ActionFilter{ConsentID: id})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 {
		t.Errorf("audited actions = %d, want 3", total)
	}
}

func TestRecordUsageConcurrent(t *testing.T) {
	const attempts = 20
	const allowance = 5

	owned := []AccountReference{iban("DE89370400440532013000", "EUR")}
	lc, repo, actions := newTestLifecycle(t, owned, Profile{FrequencyPerDay: allowance, Clamp: ClampFloor})

	id, err := lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:              "psu-1",
		TPPID:              "tpp-1",
		Access:             AccessScope{AllPSD2: AllAccounts},
		RecurringIndicator: true,
		ValidUntil:         time.Now().Add(24 * time.Hour),
		FrequencyPerDay:    allowance,
	})
	if err != nil {
		t.Fatalf("CreateConsent() error = %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	consumed := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lc.RecordUsage(context.Background(), id, "tpp-1", ActionSuccess) {
				mu.Lock()
				consumed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if consumed != allowance {
		t.Errorf("consumed = %d, want %d", consumed, allowance)
	}

	c, _ := repo.FindByExternalID(context.Background(), id)
	if c.UsageCounter != 0 {
		t.Errorf("usage counter = %d, want 0", c.UsageCounter)
	}

	_, total, _ := actions.List(context.Background(), ActionFilter{ConsentID: id})
	if total != attempts {
		t.Errorf("audited actions = %d, want %d", total, attempts)
	}
}

func TestRecordUsageResetsAcrossDayBoundary(t *testing.T) {
	owned := []AccountReference{iban("DE89370400440532013000", "EUR")}
	lc, repo, _ := newTestLifecycle(t, owned, Profile{FrequencyPerDay: 3, Clamp: ClampFloor})

	base := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	lc.now = func() time.Time { return base }

	id, err := lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:              "psu-1",
		TPPID:              "tpp-1",
		Access:             AccessScope{AllPSD2: AllAccounts},
		RecurringIndicator: true,
		ValidUntil:         base.Add(30 * 24 * time.Hour),
		FrequencyPerDay:    3,
	})
	if err != nil {
		t.Fatalf("CreateConsent() error = %v", err)
	}

	// Exhaust today's allowance
	for i := 0; i < 3; i++ {
		if !lc.RecordUsage(context.Background(), id, "tpp-1", ActionSuccess) {
			t.Fatalf("RecordUsage() attempt %d = false, want true", i+1)
		}
	}
	if lc.RecordUsage(context.Background(), id, "tpp-1", ActionSuccess) {
		t.Fatal("RecordUsage() past allowance = true, want false")
	}

	// Next calendar day: counter resets to the expected frequency
	lc.now = func() time.Time { return base.Add(24 * time.Hour) }
	if !lc.RecordUsage(context.Background(), id, "tpp-1", ActionSuccess) {
		t.Fatal("RecordUsage() after day boundary = false, want true")
	}

	c, _ := repo.FindByExternalID(context.Background(), id)
	if c.UsageCounter != 2 {
		t.Errorf("usage counter after reset = %d, want 2", c.UsageCounter)
	}
}

func TestOneOffConsentStaysExhaustedAcrossDays(t *testing.T) {
	owned := []AccountReference{iban("DE89370400440532013000", "EUR")}
	lc, repo, _ := newTestLifecycle(t, owned, defaultProfile())

	base := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	lc.now = func() time.Time { return base }

	id, err := lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:      "psu-1",
		TPPID:      "tpp-1",
		Access:     AccessScope{AllPSD2: AllAccounts},
		ValidUntil: base.Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateConsent() error = %v", err)
	}

	if !lc.RecordUsage(context.Background(), id, "tpp-1", ActionSuccess) {
		t.Fatal("first RecordUsage() = false, want true")
	}

	// The single use does not come back on later calendar days
	for _, days := range []int{1, 2, 7} {
		lc.now = func() time.Time { return base.Add(time.Duration(days) * 24 * time.Hour) }
		if lc.RecordUsage(context.Background(), id, "tpp-1", ActionSuccess) {
			t.Errorf("RecordUsage() %d day(s) later = true, want false", days)
		}
	}

	c, _ := repo.FindByExternalID(context.Background(), id)
	if c.UsageCounter != 0 {
		t.Errorf("usage counter = %d, want 0", c.UsageCounter)
	}
}

func TestRecordUsageExhaustionAuditedAsLimitFailure(t *testing.T) {
	owned := []AccountReference{iban("DE89370400440532013000", "EUR")}
	lc, _, actions := newTestLifecycle(t, owned, defaultProfile())

	id, err := lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:      "psu-1",
		TPPID:      "tpp-1",
		Access:     AccessScope{AllPSD2: AllAccounts},
		ValidUntil: time.Now().Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateConsent() error = %v", err)
	}

	// One-off consent: single use, then exhausted
	if !lc.RecordUsage(context.Background(), id, "tpp-1", ActionSuccess) {
		t.Fatal("first RecordUsage() = false, want true")
	}
	if lc.RecordUsage(context.Background(), id, "tpp-1", ActionSuccess) {
		t.Fatal("second RecordUsage() = true, want false")
	}

	listed, total, err := actions.List(context.Background(), ActionFilter{ConsentID: id})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 2 {
		t.Fatalf("audited actions = %d, want 2", total)
	}
	// Newest first: the refused attempt carries the limit failure status
	if listed[0].ActionStatus != ActionFailureLimit {
		t.Errorf("refused attempt status = %s, want %s", listed[0].ActionStatus, ActionFailureLimit)
	}
	if listed[1].ActionStatus != ActionSuccess {
		t.Errorf("consumed attempt status = %s, want %s", listed[1].ActionStatus, ActionSuccess)
	}
}

func TestRecordUsageOnExpiredConsentStillAudited(t *testing.T) {
	owned := []AccountReference{iban("DE89370400440532013000", "EUR")}
	lc, _, actions := newTestLifecycle(t, owned, defaultProfile())

	id, err := lc.CreateConsent(context.Background(), CreateRequest{
		PSUID:      "psu-1",
		TPPID:      "tpp-1",
		Access:     AccessScope{AllPSD2: AllAccounts},
		ValidUntil: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateConsent() error = %v", err)
	}

	lc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if lc.RecordUsage(context.Background(), id, "tpp-1", ActionFailureExpired) {
		t.Error("RecordUsage() on expired consent = true, want false")
	}

	listed, total, err := actions.List(context.Background(), ActionFilter{ConsentID: id})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 {
		t.Fatalf("audited actions = %d, want 1", total)
	}
	if listed[0].ActionStatus != ActionFailureExpired {
		t.Errorf("action status = %s, want %s", listed[0].ActionStatus, ActionFailureExpired)
	}
}

func TestActionLogFilters(t *testing.T) {
	actions := NewMemoryActionLog()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		tpp := "tpp-1"
		if i%2 == 1 {
			tpp = "tpp-2"
		}
		actions.Record(context.Background(), Action{
			ID:           fmt.Sprintf("act-%d", i),
			ConsentID:    "consent-1",
			TPPID:        tpp,
			ActionStatus: ActionSuccess,
			RequestDate:  base.Add(time.Duration(i) * time.Minute),
		})
	}

	listed, total, err := actions.List(context.Background(), ActionFilter{ConsentID: "consent-1", TPPID: "tpp-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 || len(listed) != 3 {
		t.Errorf("tpp-1 actions = %d (total %d), want 3", len(listed), total)
	}

	listed, total, err = actions.List(context.Background(), ActionFilter{
		ConsentID: "consent-1",
		From:      base.Add(time.Minute),
		To:        base.Add(3 * time.Minute),
	})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 {
		t.Errorf("windowed actions = %d, want 3", total)
	}

	listed, total, err = actions.List(context.Background(), ActionFilter{ConsentID: "consent-1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 5 || len(listed) != 2 {
		t.Errorf("paged actions = %d (total %d), want 2 (total 5)", len(listed), total)
	}
}
