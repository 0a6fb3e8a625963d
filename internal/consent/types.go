package consent

import (
	"time"
)

// Status is the lifecycle state of an AIS consent
type Status string

const (
	StatusReceived        Status = "RECEIVED"
	StatusValid           Status = "VALID"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
	StatusTerminatedByTPP Status = "TERMINATED_BY_TPP"
	StatusTerminatedByPSU Status = "TERMINATED_BY_PSU"
	StatusRevokedByPSU    Status = "REVOKED_BY_PSU"
)

// Alive reports whether consuming actions and status updates are still
// permitted. RECEIVED consents are usable before SCA has moved them
// to VALID.
func (s Status) Alive() bool {
	return s == StatusReceived || s == StatusValid
}

// Terminal reports whether the status is a sink with no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusTerminatedByTPP, StatusTerminatedByPSU, StatusRevokedByPSU:
		return true
	}
	return false
}

// TypeAccess is the purpose a scope entry grants access for
type TypeAccess string

const (
	AccessAccount     TypeAccess = "ACCOUNT"
	AccessBalance     TypeAccess = "BALANCE"
	AccessTransaction TypeAccess = "TRANSACTION"
)

// AccessType marks a wildcard grant on an access specification
type AccessType string

// AllAccounts is the only wildcard value defined by the Berlin Group spec.
const AllAccounts AccessType = "ALL_ACCOUNTS"

// AccountReference identifies one account held by a PSU. An account is
// identified by at least one of IBAN/BBAN/PAN plus its currency; the same
// IBAN with two currencies is two distinct accounts.
type AccountReference struct {
	ResourceID string `json:"resourceId,omitempty"`
	IBAN       string `json:"iban,omitempty"`
	BBAN       string `json:"bban,omitempty"`
	PAN        string `json:"pan,omitempty"`
	MaskedPAN  string `json:"maskedPan,omitempty"`
	MSISDN     string `json:"msisdn,omitempty"`
	Currency   string `json:"currency,omitempty"`
}

// primaryIdentifier returns the strongest account number present:
// IBAN, then BBAN, then PAN.
func (r AccountReference) primaryIdentifier() string {
	if r.IBAN != "" {
		return r.IBAN
	}
	if r.BBAN != "" {
		return r.BBAN
	}
	return r.PAN
}

// IsEmpty reports whether the reference carries no account number at all.
func (r AccountReference) IsEmpty() bool {
	return r.primaryIdentifier() == ""
}

// Matches reports whether two references identify the same account:
// same primary identifier and same currency.
func (r AccountReference) Matches(other AccountReference) bool {
	id := r.primaryIdentifier()
	if id == "" {
		return false
	}
	return id == other.primaryIdentifier() && r.Currency == other.Currency
}

// AccessScope is the resolved access of a consent: one reference list per
// purpose, plus the wildcard markers the TPP originally requested. The
// lists are a snapshot taken at creation time; wildcard flags are kept so
// that availableAccounts-only grants stay distinguishable from allPsd2.
type AccessScope struct {
	Accounts     []AccountReference `json:"accounts,omitempty"`
	Balances     []AccountReference `json:"balances,omitempty"`
	Transactions []AccountReference `json:"transactions,omitempty"`

	AvailableAccounts AccessType `json:"availableAccounts,omitempty"`
	AllPSD2           AccessType `json:"allPsd2,omitempty"`
}

// HasWildcard reports whether either wildcard marker is set.
func (s AccessScope) HasWildcard() bool {
	return s.AvailableAccounts == AllAccounts || s.AllPSD2 == AllAccounts
}

// IsEmpty reports whether the scope grants nothing: no wildcard and no
// references for any purpose.
func (s AccessScope) IsEmpty() bool {
	return !s.HasWildcard() &&
		len(s.Accounts) == 0 && len(s.Balances) == 0 && len(s.Transactions) == 0
}

// References returns the explicit reference list for a purpose.
func (s AccessScope) References(purpose TypeAccess) []AccountReference {
	switch purpose {
	case AccessBalance:
		return s.Balances
	case AccessTransaction:
		return s.Transactions
	default:
		return s.Accounts
	}
}

// Consent is an AIS consent as stored by the consent service
type Consent struct {
	ExternalID string
	PSUID      string
	TPPID      string
	Status     Status
	Access     AccessScope

	RecurringIndicator       bool
	TPPRedirectPreferred     bool
	CombinedServiceIndicator bool

	// TPPFrequencyPerDay is what the TPP asked for; ExpectedFrequencyPerDay
	// is the value after the bank profile clamp and is what the daily usage
	// counter resets to.
	TPPFrequencyPerDay      int
	ExpectedFrequencyPerDay int
	UsageCounter            int
	CounterResetDate        time.Time

	RequestDate    time.Time
	ExpireDate     time.Time
	LastActionDate time.Time
}

// ExpiredByDate reports whether the consent's validity period has passed.
func (c *Consent) ExpiredByDate(now time.Time) bool {
	return !c.ExpireDate.After(now)
}

// ActionStatus classifies the outcome of one consuming access attempt
type ActionStatus string

const (
	ActionSuccess             ActionStatus = "SUCCESS"
	ActionFailureAccount      ActionStatus = "FAILURE_ACCOUNT"
	ActionFailureBalance      ActionStatus = "FAILURE_BALANCE"
	ActionFailureTransaction  ActionStatus = "FAILURE_TRANSACTION"
	ActionFailureNotFound     ActionStatus = "FAILURE_CONSENT_NOT_FOUND"
	ActionFailureExpired      ActionStatus = "FAILURE_CONSENT_EXPIRED"
	ActionFailureInvalidState ActionStatus = "FAILURE_CONSENT_INVALID_STATUS"
	ActionFailureLimit        ActionStatus = "FAILURE_LIMIT_EXCEEDED"
)

// Action is one append-only audit record of a consent usage attempt
type Action struct {
	ID           string
	ConsentID    string
	TPPID        string
	ActionStatus ActionStatus
	RequestDate  time.Time
}
