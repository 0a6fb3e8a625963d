package models

import "time"

// AccountReference is the wire form of one account identifier
type AccountReference struct {
	ResourceID string `json:"resourceId,omitempty"`
	IBAN       string `json:"iban,omitempty"`
	BBAN       string `json:"bban,omitempty"`
	PAN        string `json:"pan,omitempty"`
	MaskedPAN  string `json:"maskedPan,omitempty"`
	MSISDN     string `json:"msisdn,omitempty"`
	Currency   string `json:"currency,omitempty"`
}

// AccountAccess is the requested or resolved access of a consent
type AccountAccess struct {
	Accounts          []AccountReference `json:"accounts,omitempty"`
	Balances          []AccountReference `json:"balances,omitempty"`
	Transactions      []AccountReference `json:"transactions,omitempty"`
	AvailableAccounts string             `json:"availableAccounts,omitempty"`
	AllPSD2           string             `json:"allPsd2,omitempty"`
}

type CreateConsentRequest struct {
	Access                   AccountAccess `json:"access"`
	RecurringIndicator       bool          `json:"recurringIndicator"`
	ValidUntil               string        `json:"validUntil"` // local ASPSP date, 2006-01-02
	FrequencyPerDay          int           `json:"frequencyPerDay"`
	CombinedServiceIndicator bool          `json:"combinedServiceIndicator"`
	TPPRedirectPreferred     bool          `json:"tppRedirectPreferred"`
}

type Links struct {
	Redirect string `json:"redirect,omitempty"`
	Self     string `json:"self,omitempty"`
}

type CreateConsentResponse struct {
	TransactionStatus string `json:"transactionStatus"`
	ConsentID         string `json:"consentId"`
	Links             Links  `json:"_links"`
}

type ConsentStatusResponse struct {
	ConsentStatus string `json:"consentStatus"`
}

type ConsentResponse struct {
	ConsentID          string        `json:"consentId"`
	Access             AccountAccess `json:"access"`
	RecurringIndicator bool          `json:"recurringIndicator"`
	ValidUntil         string        `json:"validUntil"`
	FrequencyPerDay    int           `json:"frequencyPerDay"`
	LastActionDate     string        `json:"lastActionDate,omitempty"`
	ConsentStatus      string        `json:"consentStatus"`
}

type Balance struct {
	BalanceType   string    `json:"balanceType"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	ReferenceDate time.Time `json:"referenceDate"`
}

type AccountDetails struct {
	ResourceID  string    `json:"resourceId"`
	IBAN        string    `json:"iban,omitempty"`
	Currency    string    `json:"currency"`
	Name        string    `json:"name,omitempty"`
	AccountType string    `json:"accountType,omitempty"`
	Balances    []Balance `json:"balances,omitempty"`
}

type AccountListResponse struct {
	Accounts []AccountDetails `json:"accounts"`
}

type BalancesResponse struct {
	Account  AccountReference `json:"account"`
	Balances []Balance        `json:"balances"`
}

type Transaction struct {
	TransactionID   string           `json:"transactionId"`
	CreditorAccount AccountReference `json:"creditorAccount,omitempty"`
	DebtorAccount   AccountReference `json:"debtorAccount,omitempty"`
	Amount          string           `json:"amount"`
	Currency        string           `json:"currency"`
	BookingDate     *time.Time       `json:"bookingDate,omitempty"`
	ValueDate       *time.Time       `json:"valueDate,omitempty"`
	RemittanceInfo  string           `json:"remittanceInformation,omitempty"`
}

type TransactionsResponse struct {
	Account AccountReference `json:"account"`
	Booked  []Transaction    `json:"booked"`
	Pending []Transaction    `json:"pending"`
}

type ConsentAction struct {
	ActionID     string    `json:"actionId"`
	ConsentID    string    `json:"consentId"`
	TPPID        string    `json:"tppId"`
	ActionStatus string    `json:"actionStatus"`
	RequestDate  time.Time `json:"requestDate"`
}

type ConsentActionsResponse struct {
	Actions    []ConsentAction `json:"actions"`
	TotalCount int             `json:"totalCount"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
